// Package supervisor periodically enforces the wait-time policy on every
// clinic queue: warnings, timeouts, auto-calls and near-turn notices. It
// also repairs queue state left behind by interrupted writes.
package supervisor

import (
	"context"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ehr/queue/internal/domain/pin"
	"github.com/ehr/queue/internal/domain/queue"
	"github.com/ehr/queue/internal/domain/settings"
	"github.com/ehr/queue/internal/platform/clock"
	"github.com/ehr/queue/internal/platform/metrics"
)

const (
	minInterval        = time.Second
	defaultConcurrency = 4
)

// Sweeper is the queue side of a sweep.
type Sweeper interface {
	Sweep(ctx context.Context, clinicID string, p queue.SweepPolicy) (*queue.SweepReport, error)
	Reconcile(ctx context.Context, clinicID string) (*queue.ReconcileReport, error)
}

// PinInitializer prepares a clinic's PIN pools for a day.
type PinInitializer interface {
	Initialize(ctx context.Context, clinicID, date string) (*pin.State, error)
}

type SettingsSource interface {
	Snapshot(ctx context.Context) settings.Settings
}

// ClinicReport is the outcome of one clinic in a sweep.
type ClinicReport struct {
	ClinicID  string                 `json:"clinicId"`
	Sweep     *queue.SweepReport     `json:"sweep,omitempty"`
	Reconcile *queue.ReconcileReport `json:"reconcile,omitempty"`
	Error     string                 `json:"error,omitempty"`
}

// Report is the outcome of one pass over every clinic.
type Report struct {
	StartedAt time.Time      `json:"startedAt"`
	Duration  time.Duration  `json:"duration"`
	Clinics   []ClinicReport `json:"clinics"`
}

// Failed counts clinics whose pass returned an error.
func (r *Report) Failed() int {
	n := 0
	for _, c := range r.Clinics {
		if c.Error != "" {
			n++
		}
	}
	return n
}

type Supervisor struct {
	sweeper     Sweeper
	pins        PinInitializer
	settings    SettingsSource
	clinics     []string
	clock       clock.Clock
	concurrency int
	logger      zerolog.Logger
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithConcurrency bounds how many clinics are swept at once.
func WithConcurrency(n int) Option {
	return func(s *Supervisor) {
		if n > 0 {
			s.concurrency = n
		}
	}
}

// WithPins makes every sweep prepare today's PIN pools.
func WithPins(p PinInitializer) Option {
	return func(s *Supervisor) { s.pins = p }
}

func New(sweeper Sweeper, src SettingsSource, clinics []string, clk clock.Clock, logger zerolog.Logger, opts ...Option) *Supervisor {
	s := &Supervisor{
		sweeper:     sweeper,
		settings:    src,
		clinics:     append([]string(nil), clinics...),
		clock:       clk,
		concurrency: defaultConcurrency,
		logger:      logger.With().Str("component", "supervisor").Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Policy derives the sweep policy from the current settings.
func Policy(cfg settings.Settings) queue.SweepPolicy {
	return queue.SweepPolicy{
		MaxWait:        cfg.PatientMaxWait(),
		WarnAfter:      cfg.WarnAfter(),
		QueueInterval:  cfg.QueueInterval(),
		NearAhead:      cfg.NotifyNearAheadCount,
		TimeoutEnabled: cfg.TimeoutHandlerEnabled,
		AutoCall:       cfg.AutoCallEnabled,
	}
}

// Interval is the pause between sweeps: the queue interval, shortened to a
// quarter of the maximum wait so a timeout is never detected late by more
// than that.
func Interval(cfg settings.Settings) time.Duration {
	d := cfg.QueueInterval()
	if q := cfg.PatientMaxWait() / 4; q < d {
		d = q
	}
	if d < minInterval {
		d = minInterval
	}
	return d
}

// Run reconciles every clinic once, then sweeps until ctx is cancelled.
// The interval is re-read from settings after every sweep.
func (s *Supervisor) Run(ctx context.Context) error {
	s.ReconcileAll(ctx)

	timer := time.NewTimer(Interval(s.settings.Snapshot(ctx)))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
			report := s.SweepOnce(ctx)
			if n := report.Failed(); n > 0 {
				s.logger.Warn().Int("failed_clinics", n).Msg("sweep finished with errors")
			}
			timer.Reset(Interval(s.settings.Snapshot(ctx)))
		}
	}
}

// SweepOnce runs one pass over every clinic. A failing clinic is reported
// and does not stop the others.
func (s *Supervisor) SweepOnce(ctx context.Context) *Report {
	cfg := s.settings.Snapshot(ctx)
	policy := Policy(cfg)
	start := s.clock.Now()

	report := s.each(ctx, func(ctx context.Context, clinic string, r *ClinicReport) error {
		if s.pins != nil {
			if _, err := s.pins.Initialize(ctx, clinic, ""); err != nil {
				return err
			}
		}
		rec, err := s.sweeper.Reconcile(ctx, clinic)
		if err != nil {
			return err
		}
		if rec.Changed() {
			r.Reconcile = rec
		}
		sw, err := s.sweeper.Sweep(ctx, clinic, policy)
		if err != nil {
			return err
		}
		r.Sweep = sw
		return nil
	})

	report.StartedAt = start
	report.Duration = s.clock.Now().Sub(start)
	metrics.ObserveSweep(report.Duration.Seconds())

	var warned, timedOut, called int
	for _, c := range report.Clinics {
		if c.Sweep == nil {
			continue
		}
		warned += c.Sweep.Warned
		timedOut += len(c.Sweep.TimedOut)
		if c.Sweep.Called != nil {
			called++
		}
	}
	s.logger.Debug().
		Int("clinics", len(report.Clinics)).
		Int("warned", warned).
		Int("timed_out", timedOut).
		Int("called", called).
		Dur("duration", report.Duration).
		Msg("sweep done")
	return report
}

// ReconcileAll repairs every clinic's queue state for today.
func (s *Supervisor) ReconcileAll(ctx context.Context) *Report {
	start := s.clock.Now()
	report := s.each(ctx, func(ctx context.Context, clinic string, r *ClinicReport) error {
		rec, err := s.sweeper.Reconcile(ctx, clinic)
		r.Reconcile = rec
		return err
	})
	report.StartedAt = start
	report.Duration = s.clock.Now().Sub(start)
	return report
}

func (s *Supervisor) each(ctx context.Context, fn func(ctx context.Context, clinic string, r *ClinicReport) error) *Report {
	results := make([]ClinicReport, len(s.clinics))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for i, clinic := range s.clinics {
		i, clinic := i, clinic
		g.Go(func() error {
			results[i].ClinicID = clinic
			if err := fn(gctx, clinic, &results[i]); err != nil {
				results[i].Error = err.Error()
				s.logger.Error().Err(err).Str("clinic_id", clinic).Msg("clinic sweep failed")
			}
			return nil
		})
	}
	_ = g.Wait()

	sort.SliceStable(results, func(i, j int) bool { return results[i].ClinicID < results[j].ClinicID })
	return &Report{Clinics: results}
}
