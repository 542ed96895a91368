// Package lock provides short-lived cooperative mutual exclusion over named
// resources, stored in the shared key-value store so that independent
// server processes exclude each other.
package lock

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/queue/internal/platform/apperr"
	"github.com/ehr/queue/internal/platform/clock"
	"github.com/ehr/queue/internal/platform/kv"
	"github.com/ehr/queue/internal/platform/metrics"
)

const keyPrefix = "lock:"

// Record is the stored form of a held lock.
type Record struct {
	Resource   string    `json:"resource"`
	Token      string    `json:"token"`
	Holder     string    `json:"holder,omitempty"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// RetryPolicy bounds how long a caller keeps retrying a busy lock before
// giving up with SERVICE_BUSY.
type RetryPolicy struct {
	Attempts int
	Backoff  time.Duration
}

// DefaultRetry is used by the domain services for every mutation.
var DefaultRetry = RetryPolicy{Attempts: 3, Backoff: 40 * time.Millisecond}

const maxBackoff = 500 * time.Millisecond

// Manager hands out locks. It never blocks waiting for a holder: a held
// resource yields LOCK_BUSY immediately.
type Manager struct {
	store  kv.Store
	clock  clock.Clock
	holder string
	logger zerolog.Logger
}

// NewManager returns a Manager. holder identifies this process in lock
// records (hostname or instance id) and is informational only.
func NewManager(store kv.Store, clk clock.Clock, holder string, logger zerolog.Logger) *Manager {
	return &Manager{
		store:  store,
		clock:  clk,
		holder: holder,
		logger: logger.With().Str("component", "lock").Logger(),
	}
}

// Key returns the store key guarding resource.
func Key(resource string) string { return keyPrefix + resource }

// Acquire takes resource for ttl and returns the ownership token.
func (m *Manager) Acquire(ctx context.Context, resource string, ttl time.Duration) (string, error) {
	if resource == "" {
		return "", apperr.New(apperr.InvalidInput, "lock resource is required")
	}
	if ttl <= 0 {
		return "", apperr.New(apperr.InvalidInput, "lock ttl must be positive")
	}

	now := m.clock.Now()
	rec := Record{
		Resource:   resource,
		Token:      uuid.NewString(),
		Holder:     m.holder,
		AcquiredAt: now,
		ExpiresAt:  now.Add(ttl),
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("encode lock %s: %w", resource, err)
	}

	ok, err := m.store.PutIfAbsent(ctx, Key(resource), raw, ttl)
	if err != nil {
		return "", fmt.Errorf("acquire lock %s: %w", resource, err)
	}
	if !ok {
		metrics.RecordLockBusy(kind(resource))
		return "", apperr.Busy(apperr.LockBusy, "resource is locked: "+resource, ttl)
	}
	return rec.Token, nil
}

// Release deletes the lock only if token still owns it. It reports false
// when the lock had already expired or passed to another holder.
func (m *Manager) Release(ctx context.Context, resource, token string) (bool, error) {
	raw, err := m.store.Get(ctx, Key(resource))
	if kv.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read lock %s: %w", resource, err)
	}

	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return false, fmt.Errorf("decode lock %s: %w", resource, err)
	}
	if rec.Token != token {
		return false, nil
	}

	// The raw bytes embed the token, so an exact compare deletes this
	// holder's record and nothing newer.
	ok, err := m.store.CompareAndDelete(ctx, Key(resource), raw)
	if err != nil {
		return false, fmt.Errorf("release lock %s: %w", resource, err)
	}
	return ok, nil
}

// WithLock runs fn while holding resource. A held resource returns a
// LOCK_BUSY *apperr.Error without calling fn. The lock is released on every
// exit path of fn, including a panic, which is re-raised afterwards.
func (m *Manager) WithLock(ctx context.Context, resource string, ttl time.Duration, fn func(ctx context.Context) error) error {
	token, err := m.Acquire(ctx, resource, ttl)
	if err != nil {
		return err
	}

	defer func() {
		released, rerr := m.Release(context.WithoutCancel(ctx), resource, token)
		switch {
		case rerr != nil:
			m.logger.Error().Err(rerr).Str("resource", resource).Msg("lock release failed")
		case !released:
			m.logger.Warn().Str("resource", resource).Dur("ttl", ttl).Msg("lock expired before release")
		}
	}()

	return fn(ctx)
}

// WithRetry is WithLock with bounded exponential backoff on LOCK_BUSY.
// When every attempt finds the resource busy it returns SERVICE_BUSY.
func (m *Manager) WithRetry(ctx context.Context, resource string, ttl time.Duration, policy RetryPolicy, fn func(ctx context.Context) error) error {
	attempts := policy.Attempts
	if attempts < 1 {
		attempts = 1
	}
	backoff := policy.Backoff

	for i := 0; i < attempts; i++ {
		err := m.WithLock(ctx, resource, ttl, fn)
		if !apperr.HasCode(err, apperr.LockBusy) {
			return err
		}
		if i == attempts-1 {
			break
		}

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}

	m.logger.Warn().Str("resource", resource).Int("attempts", attempts).Msg("lock still busy, giving up")
	return apperr.Busy(apperr.ServiceBusy, "system busy, retry", time.Second)
}

// kind reduces "clinic:LAB:2026-03-01" to "clinic" for metric labels.
func kind(resource string) string {
	if i := strings.IndexByte(resource, ':'); i > 0 {
		return resource[:i]
	}
	return resource
}
