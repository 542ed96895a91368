// Package pin hands out the daily exit PINs of each clinic. A clinic-day
// has a primary pool and a disjoint reserve pool. Issuing shrinks them and
// only an explicit expansion grows the reserve; a PIN issued once is never
// issued again that day.
package pin

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/queue/internal/domain/catalog"
	"github.com/ehr/queue/internal/domain/settings"
	"github.com/ehr/queue/internal/platform/apperr"
	"github.com/ehr/queue/internal/platform/clock"
	"github.com/ehr/queue/internal/platform/idempotency"
	"github.com/ehr/queue/internal/platform/kv"
	"github.com/ehr/queue/internal/platform/lock"
	"github.com/ehr/queue/internal/platform/metrics"
	"github.com/ehr/queue/internal/platform/notification"
)

// SettingsSource supplies the pool sizes used when a clinic-day pool is
// first built.
type SettingsSource interface {
	Snapshot(ctx context.Context) settings.Settings
}

type Pool struct {
	store    kv.Store
	locks    *lock.Manager
	catalog  *catalog.Catalog
	settings SettingsSource
	clock    clock.Clock
	loc      *time.Location
	guard    *idempotency.Guard
	notifier notification.Notifier
	retry    lock.RetryPolicy
	logger   zerolog.Logger
}

func NewPool(store kv.Store, locks *lock.Manager, cat *catalog.Catalog, src SettingsSource, clk clock.Clock, loc *time.Location, guard *idempotency.Guard, notifier notification.Notifier, logger zerolog.Logger) *Pool {
	if notifier == nil {
		notifier = notification.Nop{}
	}
	return &Pool{
		store:    store,
		locks:    locks,
		catalog:  cat,
		settings: src,
		clock:    clk,
		loc:      loc,
		guard:    guard,
		notifier: notifier,
		retry:    lock.DefaultRetry,
		logger:   logger.With().Str("component", "pin").Logger(),
	}
}

// SetRetryPolicy overrides lock.DefaultRetry.
func (p *Pool) SetRetryPolicy(r lock.RetryPolicy) { p.retry = r }

func (p *Pool) today() string {
	return clock.Day(p.clock.Now(), p.loc)
}

func (p *Pool) clinicID(raw string) (string, error) {
	id := catalog.NormalizeID(raw)
	if id == "" {
		return "", apperr.New(apperr.InvalidInput, "clinicId is required")
	}
	if !p.catalog.Has(id) {
		return "", apperr.Newf(apperr.InvalidClinic, "unknown clinic %s", id)
	}
	return id, nil
}

func (p *Pool) withLock(ctx context.Context, clinic, date string, fn func(ctx context.Context) error) error {
	return p.locks.WithRetry(ctx, LockResource(clinic, date), LockTTL, p.retry, fn)
}

func (p *Pool) load(ctx context.Context, clinic, date string) (*State, error) {
	var st State
	err := kv.GetJSON(ctx, p.store, StateKey(clinic, date), &st)
	if kv.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load pin pool %s/%s: %w", clinic, date, err)
	}
	return &st, nil
}

func (p *Pool) save(ctx context.Context, st *State) error {
	if err := kv.PutJSON(ctx, p.store, StateKey(st.ClinicID, st.Date), st, StateTTL); err != nil {
		return fmt.Errorf("save pin pool %s/%s: %w", st.ClinicID, st.Date, err)
	}
	return nil
}

// loadOrInit must run under the pool lock.
func (p *Pool) loadOrInit(ctx context.Context, clinic, date string) (*State, bool, error) {
	st, err := p.load(ctx, clinic, date)
	if err != nil || st != nil {
		return st, false, err
	}
	cfg := p.settings.Snapshot(ctx)
	st = newState(clinic, date, cfg.PinPrimarySize, cfg.PinReserveSize, p.clock.Now())
	if err := p.save(ctx, st); err != nil {
		return nil, false, err
	}
	return st, true, nil
}

// ---------------------------------------------------------------------------
// Operations
// ---------------------------------------------------------------------------

// Initialize builds the pools for clinic on date if they do not exist yet.
// An existing pool is returned untouched so issued PINs stay retired.
func (p *Pool) Initialize(ctx context.Context, clinicID, date string) (*State, error) {
	clinic, err := p.clinicID(clinicID)
	if err != nil {
		return nil, err
	}
	if date == "" {
		date = p.today()
	}
	if _, err := time.Parse(clock.DayLayout, date); err != nil {
		return nil, apperr.Newf(apperr.InvalidInput, "date %q is not YYYY-MM-DD", date)
	}

	var st *State
	var created bool
	err = p.withLock(ctx, clinic, date, func(ctx context.Context) error {
		var err error
		st, created, err = p.loadOrInit(ctx, clinic, date)
		return err
	})
	if err != nil {
		return nil, err
	}
	if created {
		p.logger.Info().
			Str("clinic_id", clinic).
			Str("date", date).
			Int("primary", len(st.Available)).
			Int("reserve", len(st.Reserve)).
			Msg("pin pool initialized")
	}
	return st, nil
}

// Assign issues the next PIN of today's pool for clinicID. A non-empty
// idempotencyKey seen within ReplayWindow returns the earlier PIN with
// Replayed set and consumes nothing.
func (p *Pool) Assign(ctx context.Context, clinicID, idempotencyKey string) (*Assignment, error) {
	clinic, err := p.clinicID(clinicID)
	if err != nil {
		return nil, err
	}
	key := strings.TrimSpace(idempotencyKey)
	if len(key) > maxKeyLen {
		return nil, apperr.New(apperr.InvalidInput, "idempotency key too long")
	}
	date := p.today()

	var res *Assignment
	err = p.withLock(ctx, clinic, date, func(ctx context.Context) error {
		if key != "" {
			var prev Assignment
			found, err := p.guard.Lookup(ctx, ReplayKey(clinic, key), &prev)
			if err != nil {
				return fmt.Errorf("lookup pin replay: %w", err)
			}
			if found && prev.Date == date && p.clock.Now().Sub(prev.AssignedAt) < ReplayWindow {
				prev.Replayed = true
				res = &prev
				return nil
			}
		}

		st, _, err := p.loadOrInit(ctx, clinic, date)
		if err != nil {
			return err
		}
		now := p.clock.Now()
		pin, reserve, ok := st.take(now)
		if !ok {
			return apperr.Newf(apperr.ResourceExhausted, "no PINs left for %s today", clinic)
		}
		if err := p.save(ctx, st); err != nil {
			return err
		}
		res = &Assignment{
			ClinicID:      clinic,
			Date:          date,
			Pin:           pin,
			Reserve:       reserve,
			Issued:        st.Issued,
			AvailableLeft: len(st.Available),
			ReserveLeft:   len(st.Reserve),
			ReserveMode:   st.ReserveMode,
			AssignedAt:    now,
		}
		if key != "" {
			if err := p.guard.Remember(ctx, ReplayKey(clinic, key), res, ReplayWindow); err != nil {
				// The PIN is already retired; a retry gets a fresh one.
				p.logger.Warn().Err(err).Str("clinic_id", clinic).Msg("remember pin replay")
			}
		}
		return nil
	})
	if err != nil {
		if apperr.HasCode(err, apperr.ResourceExhausted) {
			metrics.RecordPinsExhausted(clinic)
			p.logger.Warn().Str("clinic_id", clinic).Str("date", date).Msg("pin pools exhausted")
		}
		return nil, err
	}

	if res.Replayed {
		metrics.RecordIdempotentReplay()
		return res, nil
	}

	tier := TierPrimary
	if res.Reserve {
		tier = TierReserve
	}
	metrics.RecordPinIssued(clinic, tier)
	p.logger.Info().
		Str("clinic_id", clinic).
		Str("pin", res.Pin).
		Str("tier", tier).
		Int("available_left", res.AvailableLeft).
		Int("reserve_left", res.ReserveLeft).
		Msg("pin issued")
	p.notifier.Notify(ctx, notification.Event{
		Type:     notification.TypePinGenerated,
		ClinicID: clinic,
		Payload: map[string]interface{}{
			"pin":          res.Pin,
			"reserve":      res.Reserve,
			"reserve_mode": res.ReserveMode,
		},
	})
	return res, nil
}

// Expand adds n new PINs to the reserve pool of today's pool for clinicID.
// They are numbered after the highest PIN the pool ever held, so an
// exhausted pool can issue again without reusing a number.
func (p *Pool) Expand(ctx context.Context, clinicID string, n int) (*Expansion, error) {
	clinic, err := p.clinicID(clinicID)
	if err != nil {
		return nil, err
	}
	if n <= 0 || n > MaxExpand {
		return nil, apperr.Newf(apperr.InvalidInput, "count must be between 1 and %d", MaxExpand)
	}
	date := p.today()

	var res *Expansion
	err = p.withLock(ctx, clinic, date, func(ctx context.Context) error {
		st, _, err := p.loadOrInit(ctx, clinic, date)
		if err != nil {
			return err
		}
		added := st.extend(n, p.clock.Now())
		if err := p.save(ctx, st); err != nil {
			return err
		}
		res = &Expansion{
			ClinicID:      clinic,
			Date:          date,
			Added:         added,
			AvailableLeft: len(st.Available),
			ReserveLeft:   len(st.Reserve),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	p.logger.Info().
		Str("clinic_id", clinic).
		Str("date", date).
		Strs("added", res.Added).
		Int("reserve_left", res.ReserveLeft).
		Msg("pin pool expanded")
	return res, nil
}

// Validate accepts pin when it was issued today for clinicID. It does not
// consume the PIN.
func (p *Pool) Validate(ctx context.Context, clinicID, pin string) error {
	clinic := catalog.NormalizeID(clinicID)
	pin = strings.TrimSpace(pin)
	if clinic == "" || pin == "" {
		return apperr.New(apperr.PinInvalid, "pin is required")
	}
	st, err := p.load(ctx, clinic, p.today())
	if err != nil {
		return err
	}
	if st == nil || !st.issued(pin) {
		return apperr.New(apperr.PinInvalid, "pin not valid for this clinic today")
	}
	return nil
}

// Status reports today's pool without creating it.
func (p *Pool) Status(ctx context.Context, clinicID string) (*Status, error) {
	clinic, err := p.clinicID(clinicID)
	if err != nil {
		return nil, err
	}
	date := p.today()
	st, err := p.load(ctx, clinic, date)
	if err != nil {
		return nil, err
	}
	if st == nil {
		cfg := p.settings.Snapshot(ctx)
		return &Status{
			ClinicID:      clinic,
			Date:          date,
			AvailableLeft: cfg.PinPrimarySize,
			ReserveLeft:   cfg.PinReserveSize,
			Taken:         []string{},
		}, nil
	}
	return &Status{
		ClinicID:      clinic,
		Date:          date,
		Initialized:   true,
		Issued:        st.Issued,
		AvailableLeft: len(st.Available),
		ReserveLeft:   len(st.Reserve),
		ReserveMode:   st.ReserveMode,
		Taken:         st.Taken,
	}, nil
}
