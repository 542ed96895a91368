// Package idempotency deduplicates retried mutations. Records live in the
// shared key-value store so a retry that lands on another server process
// still finds the first attempt.
package idempotency

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/queue/internal/platform/clock"
	"github.com/ehr/queue/internal/platform/kv"
)

// DefaultTTL is how long a completed response is replayable when no rule
// matches the request path.
const DefaultTTL = 24 * time.Hour

// PendingTTL bounds how long an in-flight claim blocks duplicates if the
// process handling it dies before completing.
const PendingTTL = 30 * time.Second

const httpPrefix = "idempotency:http:"

// State of a stored record.
type State string

const (
	StatePending State = "pending"
	StateDone    State = "done"
)

// Record is a claimed or completed request.
type Record struct {
	Key         string    `json:"key"`
	Method      string    `json:"method"`
	Path        string    `json:"path"`
	Fingerprint string    `json:"fingerprint"`
	State       State     `json:"state"`
	StatusCode  int       `json:"status_code,omitempty"`
	ContentType string    `json:"content_type,omitempty"`
	Body        []byte    `json:"body,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// RetryWindow is how long a header-less retry is recognised. It covers a
// client's own retries, not a later visit with the same body.
const RetryWindow = 60 * time.Second

// ScopeFunc returns the state a header-less request applies to, for
// example the patient's current visit. Requests with the same body but a
// different scope are different requests.
type ScopeFunc func(ctx context.Context, body []byte) (string, error)

// Rule applies to every request whose normalized path starts with Prefix.
// Implicit rules deduplicate by fingerprint even without a client key; they
// suit operations whose repeated identical body means the same intent.
type Rule struct {
	Prefix   string
	TTL      time.Duration
	Implicit bool
	Scope    ScopeFunc
}

// Policy picks the replay window for a path. The longest matching prefix
// wins.
type Policy struct {
	Rules   []Rule
	Default time.Duration
}

// DefaultPolicy returns the replay windows for the queue API mounted at
// base (for example "/api/v1").
func DefaultPolicy(base string) Policy {
	base = NormalizeEndpoint(base)
	if base == "/" {
		base = ""
	}
	return Policy{
		Rules: []Rule{
			{Prefix: base + "/pin/assign", TTL: 60 * time.Second},
			{Prefix: base + "/queue/", TTL: 10 * time.Minute},
			{Prefix: base + "/queue/enter", TTL: RetryWindow, Implicit: true},
			{Prefix: base + "/queue/done", TTL: RetryWindow, Implicit: true},
			{Prefix: base + "/route/create", TTL: RetryWindow, Implicit: true},
		},
		Default: DefaultTTL,
	}
}

// Scoped attaches fn to the rule with exactly this prefix.
func (p Policy) Scoped(prefix string, fn ScopeFunc) Policy {
	prefix = NormalizeEndpoint(prefix)
	rules := make([]Rule, len(p.Rules))
	copy(rules, p.Rules)
	for i := range rules {
		if rules[i].Prefix == prefix {
			rules[i].Scope = fn
		}
	}
	p.Rules = rules
	return p
}

// Match returns the rule governing path.
func (p Policy) Match(path string) Rule {
	path = NormalizeEndpoint(path)
	best := Rule{TTL: p.Default}
	if best.TTL <= 0 {
		best.TTL = DefaultTTL
	}
	bestLen := -1
	for _, r := range p.Rules {
		if strings.HasPrefix(path, r.Prefix) && len(r.Prefix) > bestLen {
			best, bestLen = r, len(r.Prefix)
		}
	}
	return best
}

// Guard claims and completes idempotency records.
type Guard struct {
	store  kv.Store
	clock  clock.Clock
	logger zerolog.Logger
}

func NewGuard(store kv.Store, clk clock.Clock, logger zerolog.Logger) *Guard {
	return &Guard{
		store:  store,
		clock:  clk,
		logger: logger.With().Str("component", "idempotency").Logger(),
	}
}

// HTTPKey is the store key for a client-supplied key or, without one, for
// the request fingerprint.
func HTTPKey(clientKey, fingerprint string) string {
	if clientKey != "" {
		return httpPrefix + "key:" + clientKey
	}
	return httpPrefix + fingerprint
}

// Begin claims key for rec. When another request already holds the key,
// Begin returns that record and claims nothing; a nil record means the
// caller owns the key and must Complete or Abort it.
func (g *Guard) Begin(ctx context.Context, key string, rec Record) (*Record, error) {
	for attempt := 0; attempt < 2; attempt++ {
		now := g.clock.Now()
		rec.Key = key
		rec.State = StatePending
		rec.CreatedAt = now
		rec.ExpiresAt = now.Add(PendingTTL)

		ok, err := kv.PutJSONIfAbsent(ctx, g.store, key, rec, PendingTTL)
		if err != nil {
			return nil, fmt.Errorf("claim %s: %w", key, err)
		}
		if ok {
			return nil, nil
		}

		var existing Record
		err = kv.GetJSON(ctx, g.store, key, &existing)
		if kv.IsNotFound(err) {
			// Expired between the two calls; claim again.
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("load %s: %w", key, err)
		}
		return &existing, nil
	}
	return nil, fmt.Errorf("claim %s: record flapped between claim and load", key)
}

// Complete stores the final response under key for ttl.
func (g *Guard) Complete(ctx context.Context, key string, rec Record, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	now := g.clock.Now()
	rec.Key = key
	rec.State = StateDone
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.ExpiresAt = now.Add(ttl)
	return kv.PutJSON(ctx, g.store, key, rec, ttl)
}

// Abort drops a pending claim so a retry executes again.
func (g *Guard) Abort(ctx context.Context, key string) {
	if err := g.store.Delete(ctx, key); err != nil {
		g.logger.Warn().Err(err).Str("key", key).Msg("abort idempotency claim")
	}
}

// Lookup loads a value remembered under key. It reports false when nothing
// live is stored.
func (g *Guard) Lookup(ctx context.Context, key string, v interface{}) (bool, error) {
	err := kv.GetJSON(ctx, g.store, key, v)
	if kv.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Remember stores v under key for ttl. Callers serialise Lookup and
// Remember for the same key themselves, typically under a lock.
func (g *Guard) Remember(ctx context.Context, key string, v interface{}, ttl time.Duration) error {
	return kv.PutJSON(ctx, g.store, key, v, ttl)
}
