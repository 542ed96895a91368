// Package queue issues and moves clinic tickets. Every mutation of a
// clinic-day runs under that clinic-day's lock; reads are lock-free.
package queue

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/queue/internal/domain/catalog"
	"github.com/ehr/queue/internal/platform/apperr"
	"github.com/ehr/queue/internal/platform/clock"
	"github.com/ehr/queue/internal/platform/kv"
	"github.com/ehr/queue/internal/platform/lock"
	"github.com/ehr/queue/internal/platform/metrics"
	"github.com/ehr/queue/internal/platform/notification"
)

// Advancer moves a patient along their route once a station is done. It
// returns the next clinic, or done=true when the route is complete.
type Advancer interface {
	Advance(ctx context.Context, patientID, completedClinic string) (next string, done bool, err error)
}

// PinValidator checks a station exit PIN.
type PinValidator interface {
	Validate(ctx context.Context, clinicID, pin string) error
}

const maxPatientIDLen = 128

type Service struct {
	repo     Repository
	locks    *lock.Manager
	catalog  *catalog.Catalog
	clock    clock.Clock
	loc      *time.Location
	notifier notification.Notifier
	pins     PinValidator
	advancer Advancer
	retry    lock.RetryPolicy
	logger   zerolog.Logger
}

func NewService(repo Repository, locks *lock.Manager, cat *catalog.Catalog, clk clock.Clock, loc *time.Location, notifier notification.Notifier, logger zerolog.Logger) *Service {
	if notifier == nil {
		notifier = notification.Nop{}
	}
	return &Service{
		repo:     repo,
		locks:    locks,
		catalog:  cat,
		clock:    clk,
		loc:      loc,
		notifier: notifier,
		retry:    lock.DefaultRetry,
		logger:   logger.With().Str("component", "queue").Logger(),
	}
}

// SetPinValidator attaches the PIN pool consulted by Exit.
func (s *Service) SetPinValidator(v PinValidator) { s.pins = v }

// SetAdvancer attaches the route planner consulted after Exit.
func (s *Service) SetAdvancer(a Advancer) { s.advancer = a }

// SetRetryPolicy overrides lock.DefaultRetry.
func (s *Service) SetRetryPolicy(p lock.RetryPolicy) { s.retry = p }

// Today is the day key queue records are filed under right now.
func (s *Service) Today() string {
	return clock.Day(s.clock.Now(), s.loc)
}

func (s *Service) Catalog() *catalog.Catalog { return s.catalog }

// ---------------------------------------------------------------------------
// Validation & helpers
// ---------------------------------------------------------------------------

func (s *Service) clinicID(raw string) (string, error) {
	id := catalog.NormalizeID(raw)
	if id == "" {
		return "", apperr.New(apperr.InvalidInput, "clinicId is required")
	}
	if !s.catalog.Has(id) {
		return "", apperr.Newf(apperr.InvalidClinic, "unknown clinic %s", id)
	}
	return id, nil
}

func patientID(raw string) (string, error) {
	id := strings.TrimSpace(raw)
	if id == "" {
		return "", apperr.New(apperr.InvalidInput, "patientId is required")
	}
	if len(id) > maxPatientIDLen || strings.ContainsAny(id, ":\r\n") {
		return "", apperr.New(apperr.InvalidInput, "patientId is malformed")
	}
	return id, nil
}

func (s *Service) withClinicLock(ctx context.Context, clinic, date string, fn func(ctx context.Context) error) error {
	return s.locks.WithRetry(ctx, LockResource(clinic, date), ClinicLockTTL, s.retry, fn)
}

// latestTicket returns the patient's most recent ticket of the day, or nil.
func (s *Service) latestTicket(ctx context.Context, clinic, date, patient string) (*Ticket, error) {
	n, ok, err := s.repo.GetUserTicket(ctx, clinic, date, patient)
	if err != nil || !ok {
		return nil, err
	}
	t, err := s.repo.GetTicket(ctx, clinic, date, n)
	if kv.IsNotFound(err) {
		return nil, nil
	}
	return t, err
}

// activeTicket is latestTicket restricted to tickets still in the queue.
func (s *Service) activeTicket(ctx context.Context, clinic, date, patient string) (*Ticket, error) {
	t, err := s.latestTicket(ctx, clinic, date, patient)
	if err != nil || t == nil || !t.Status.Active() {
		return nil, err
	}
	return t, nil
}

// load reads the ordered list and every ticket on it.
func (s *Service) load(ctx context.Context, clinic, date string) ([]uint64, map[uint64]*Ticket, error) {
	order, err := s.repo.GetOrder(ctx, clinic, date)
	if err != nil {
		return nil, nil, err
	}
	tickets := make(map[uint64]*Ticket, len(order))
	for _, n := range order {
		t, err := s.repo.GetTicket(ctx, clinic, date, n)
		if kv.IsNotFound(err) {
			s.logger.Warn().Str("clinic_id", clinic).Uint64("number", n).Msg("listed ticket missing")
			continue
		}
		if err != nil {
			return nil, nil, err
		}
		tickets[n] = t
	}
	return order, tickets, nil
}

func (s *Service) putCounter(ctx context.Context, c Counter) error {
	c.UpdatedAt = s.clock.Now().UTC()
	if err := s.repo.PutCounter(ctx, c); err != nil {
		return err
	}
	metrics.SetWaiting(c.ClinicID, c.Waiting())
	return nil
}

func (s *Service) notify(ctx context.Context, typ notification.Type, t *Ticket, payload map[string]interface{}) {
	if payload == nil {
		payload = make(map[string]interface{}, 1)
	}
	payload["number"] = t.Number
	s.notifier.Notify(ctx, notification.Event{
		Type:      typ,
		ClinicID:  t.ClinicID,
		PatientID: t.PatientID,
		Payload:   payload,
	})
}

// rank places t among the WAITING tickets of its clinic. Called or
// in-service tickets have nobody ahead; timed-out tickets have everyone.
func (s *Service) rank(ctx context.Context, t *Ticket) (ahead, total int, err error) {
	order, tickets, err := s.load(ctx, t.ClinicID, t.Date)
	if err != nil {
		return 0, 0, err
	}
	for _, n := range order {
		other := tickets[n]
		if other == nil || other.Status != StatusWaiting {
			continue
		}
		if n == t.Number {
			ahead = total
		}
		total++
	}
	switch t.Status {
	case StatusWaiting:
	case StatusTimeout:
		ahead = total
	default:
		ahead = 0
	}
	return ahead, total, nil
}

// ---------------------------------------------------------------------------
// Enter
// ---------------------------------------------------------------------------

// Enter admits a patient to a clinic. A patient who already holds an active
// ticket gets it back unchanged; after DONE or CANCELLED a fresh ticket is
// issued.
func (s *Service) Enter(ctx context.Context, clinicID, patient string) (*EnterResult, error) {
	clinic, err := s.clinicID(clinicID)
	if err != nil {
		return nil, err
	}
	patient, err = patientID(patient)
	if err != nil {
		return nil, err
	}
	date := s.Today()

	if t, err := s.activeTicket(ctx, clinic, date, patient); err != nil {
		return nil, err
	} else if t != nil {
		return s.enterResult(ctx, t, true)
	}

	var ticket *Ticket
	existing := false
	err = s.withClinicLock(ctx, clinic, date, func(ctx context.Context) error {
		latest, err := s.latestTicket(ctx, clinic, date, patient)
		if err != nil {
			return err
		}
		if latest != nil && latest.Status.Active() {
			ticket, existing = latest, true
			return nil
		}

		counter, err := s.repo.GetCounter(ctx, clinic, date)
		if err != nil {
			return err
		}
		order, err := s.repo.GetOrder(ctx, clinic, date)
		if err != nil {
			return err
		}

		t := &Ticket{
			ClinicID:  clinic,
			Date:      date,
			PatientID: patient,
			Status:    StatusWaiting,
			EnteredAt: s.clock.Now(),
		}
		if latest != nil {
			t.Previous = latest.Number
		}
		// The ticket is written first and the counter last, so a number
		// above the counter that is already taken was left by an
		// interrupted Enter. Adopt it and move past it.
		for n := counter.Entered + 1; ; n++ {
			t.Number = n
			created, err := s.repo.CreateTicket(ctx, t)
			if err != nil {
				return err
			}
			if created {
				break
			}

			orphan, err := s.repo.GetTicket(ctx, clinic, date, n)
			if err != nil {
				return err
			}
			if order, err = s.adopt(ctx, orphan, order); err != nil {
				return err
			}
			counter.Entered = n
			if orphan.PatientID == patient && orphan.Status.Active() {
				ticket, existing = orphan, true
				if err := s.repo.PutOrder(ctx, clinic, date, order); err != nil {
					return err
				}
				return s.putCounter(ctx, counter)
			}
		}

		if err := s.repo.PutUserTicket(ctx, clinic, date, patient, t.Number); err != nil {
			return err
		}
		if err := s.repo.PutOrder(ctx, clinic, date, append(order, t.Number)); err != nil {
			return err
		}
		counter.Entered = t.Number
		if err := s.putCounter(ctx, counter); err != nil {
			return err
		}
		ticket = t
		return nil
	})
	if err != nil {
		return nil, err
	}

	if !existing {
		metrics.RecordTicketEntered(clinic)
		s.logger.Info().
			Str("clinic_id", clinic).
			Str("patient_id", patient).
			Uint64("number", ticket.Number).
			Msg("ticket issued")
		s.notify(ctx, notification.TypeQueueUpdate, ticket, map[string]interface{}{"action": "enter"})
	}
	return s.enterResult(ctx, ticket, existing)
}

// adopt links a ticket left behind by an interrupted Enter into the list
// and the patient pointer.
func (s *Service) adopt(ctx context.Context, orphan *Ticket, order []uint64) ([]uint64, error) {
	s.logger.Warn().
		Str("clinic_id", orphan.ClinicID).
		Str("patient_id", orphan.PatientID).
		Uint64("number", orphan.Number).
		Msg("adopting ticket above counter")

	listed := false
	for _, n := range order {
		if n == orphan.Number {
			listed = true
			break
		}
	}
	if !listed {
		order = append(order, orphan.Number)
	}

	cur, ok, err := s.repo.GetUserTicket(ctx, orphan.ClinicID, orphan.Date, orphan.PatientID)
	if err != nil {
		return nil, err
	}
	if !ok || cur < orphan.Number {
		if err := s.repo.PutUserTicket(ctx, orphan.ClinicID, orphan.Date, orphan.PatientID, orphan.Number); err != nil {
			return nil, err
		}
	}
	return order, nil
}

func (s *Service) enterResult(ctx context.Context, t *Ticket, existing bool) (*EnterResult, error) {
	ahead, total, err := s.rank(ctx, t)
	if err != nil {
		return nil, err
	}
	return &EnterResult{
		Ticket:               t,
		Existing:             existing,
		Ahead:                ahead,
		TotalWaiting:         total,
		EstimatedWaitMinutes: ahead * MinutesPerPatient,
	}, nil
}

// ---------------------------------------------------------------------------
// Call / StartService
// ---------------------------------------------------------------------------

// Call summons the first WAITING ticket in list order. When nobody is
// waiting, the first timed-out ticket is called instead.
func (s *Service) Call(ctx context.Context, clinicID string) (*Ticket, error) {
	clinic, err := s.clinicID(clinicID)
	if err != nil {
		return nil, err
	}
	return s.call(ctx, clinic, true)
}

func (s *Service) call(ctx context.Context, clinic string, includeTimedOut bool) (*Ticket, error) {
	date := s.Today()

	var called *Ticket
	err := s.withClinicLock(ctx, clinic, date, func(ctx context.Context) error {
		order, tickets, err := s.load(ctx, clinic, date)
		if err != nil {
			return err
		}
		next := pickNext(order, tickets, includeTimedOut)
		if next == nil {
			return apperr.Newf(apperr.NotFound, "no patient waiting at %s", clinic)
		}

		now := s.clock.Now()
		next.Status = StatusCalled
		next.CalledAt = &now
		if err := s.repo.PutTicket(ctx, next); err != nil {
			return err
		}
		if err := s.repo.PutCurrent(ctx, CurrentCall{
			ClinicID:  clinic,
			Date:      date,
			PatientID: next.PatientID,
			Number:    next.Number,
			CalledAt:  now,
		}); err != nil {
			return err
		}
		called = next
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.RecordTicketCalled(clinic)
	s.logger.Info().
		Str("clinic_id", clinic).
		Str("patient_id", called.PatientID).
		Uint64("number", called.Number).
		Msg("ticket called")
	s.notify(ctx, notification.TypeYourTurn, called, nil)
	return called, nil
}

func pickNext(order []uint64, tickets map[uint64]*Ticket, includeTimedOut bool) *Ticket {
	var timedOut *Ticket
	for _, n := range order {
		t := tickets[n]
		if t == nil {
			continue
		}
		if t.Status == StatusWaiting {
			return t
		}
		if timedOut == nil && t.Status == StatusTimeout {
			timedOut = t
		}
	}
	if includeTimedOut {
		return timedOut
	}
	return nil
}

// StartService marks a called patient as being examined.
func (s *Service) StartService(ctx context.Context, clinicID, patient string) (*Ticket, error) {
	clinic, err := s.clinicID(clinicID)
	if err != nil {
		return nil, err
	}
	patient, err = patientID(patient)
	if err != nil {
		return nil, err
	}
	date := s.Today()

	var started *Ticket
	err = s.withClinicLock(ctx, clinic, date, func(ctx context.Context) error {
		t, err := s.activeTicket(ctx, clinic, date, patient)
		if err != nil {
			return err
		}
		if t == nil {
			return apperr.Newf(apperr.NotFound, "no active ticket for %s at %s", patient, clinic)
		}
		if t.Status != StatusCalled {
			return apperr.Newf(apperr.InvalidInput, "ticket %d is %s, not CALLED", t.Number, t.Status)
		}
		now := s.clock.Now()
		t.Status = StatusInService
		t.StartedAt = &now
		if err := s.repo.PutTicket(ctx, t); err != nil {
			return err
		}
		started = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.notify(ctx, notification.TypeQueueUpdate, started, map[string]interface{}{"action": "start"})
	return started, nil
}

// ---------------------------------------------------------------------------
// Exit / Cancel
// ---------------------------------------------------------------------------

// Exit completes the patient's ticket after checking the station PIN, then
// advances their route and admits them to the next clinic.
func (s *Service) Exit(ctx context.Context, clinicID, patient, pin string) (*ExitResult, error) {
	clinic, err := s.clinicID(clinicID)
	if err != nil {
		return nil, err
	}
	patient, err = patientID(patient)
	if err != nil {
		return nil, err
	}
	pin = strings.TrimSpace(pin)
	if pin == "" {
		return nil, apperr.New(apperr.PinInvalid, "pin is required")
	}
	if s.pins == nil {
		return nil, apperr.New(apperr.PinInvalid, "pin validation unavailable")
	}
	if err := s.pins.Validate(ctx, clinic, pin); err != nil {
		return nil, err
	}
	date := s.Today()

	var done *Ticket
	err = s.withClinicLock(ctx, clinic, date, func(ctx context.Context) error {
		t, err := s.activeTicket(ctx, clinic, date, patient)
		if err != nil {
			return err
		}
		if t == nil {
			return apperr.Newf(apperr.NotFound, "no active ticket for %s at %s", patient, clinic)
		}

		now := s.clock.Now()
		t.Status = StatusDone
		t.ExitAt = &now
		t.DurationMinutes = roundMinutes(now.Sub(t.EnteredAt))
		if t.CalledAt != nil {
			t.ServiceMinutes = roundMinutes(now.Sub(*t.CalledAt))
		}
		if err := s.repo.PutTicket(ctx, t); err != nil {
			return err
		}
		if err := s.countExit(ctx, clinic, date); err != nil {
			return err
		}
		done = t
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.RecordTicketExited(clinic, "done")
	s.logger.Info().
		Str("clinic_id", clinic).
		Str("patient_id", patient).
		Uint64("number", done.Number).
		Int("duration_minutes", *done.DurationMinutes).
		Msg("ticket done")

	res := &ExitResult{Ticket: done}
	s.advance(ctx, res, patient, clinic)

	payload := map[string]interface{}{"route_complete": res.RouteComplete}
	if res.Next != "" {
		payload["next"] = res.Next
	}
	s.notify(ctx, notification.TypeStepDone, done, payload)
	return res, nil
}

func (s *Service) countExit(ctx context.Context, clinic, date string) error {
	counter, err := s.repo.GetCounter(ctx, clinic, date)
	if err != nil {
		return err
	}
	if counter.Exited < counter.Entered {
		counter.Exited++
	} else {
		s.logger.Warn().Str("clinic_id", clinic).Msg("exit without matching entry, run reconcile")
	}
	return s.putCounter(ctx, counter)
}

// advance runs outside the clinic lock. A failure here leaves the exit in
// place and is reported on the result.
func (s *Service) advance(ctx context.Context, res *ExitResult, patient, clinic string) {
	if s.advancer == nil {
		return
	}
	next, complete, err := s.advancer.Advance(ctx, patient, clinic)
	switch {
	case apperr.HasCode(err, apperr.NotFound):
		// Walk-in without a route.
		return
	case err != nil:
		s.logger.Error().Err(err).
			Str("clinic_id", clinic).
			Str("patient_id", patient).
			Msg("route advance failed")
		res.RouteError = "route not advanced: " + string(apperr.CodeOf(err))
		return
	}

	res.RouteComplete = complete
	res.Next = next
	if next == "" {
		return
	}
	nt, err := s.Enter(ctx, next, patient)
	if err != nil {
		s.logger.Error().Err(err).
			Str("clinic_id", next).
			Str("patient_id", patient).
			Msg("auto-enter next clinic failed")
		res.RouteError = "next clinic not entered: " + string(apperr.CodeOf(err))
		return
	}
	res.NextTicket = nt
}

// Cancel withdraws a patient who has not started service. The ticket
// counts as exited.
func (s *Service) Cancel(ctx context.Context, clinicID, patient string) (*Ticket, error) {
	clinic, err := s.clinicID(clinicID)
	if err != nil {
		return nil, err
	}
	patient, err = patientID(patient)
	if err != nil {
		return nil, err
	}
	date := s.Today()

	var cancelled *Ticket
	err = s.withClinicLock(ctx, clinic, date, func(ctx context.Context) error {
		t, err := s.activeTicket(ctx, clinic, date, patient)
		if err != nil {
			return err
		}
		if t == nil {
			return apperr.Newf(apperr.NotFound, "no active ticket for %s at %s", patient, clinic)
		}
		if t.Status == StatusInService {
			return apperr.Newf(apperr.InvalidInput, "ticket %d is already in service", t.Number)
		}
		now := s.clock.Now()
		t.Status = StatusCancelled
		t.CancelledAt = &now
		if err := s.repo.PutTicket(ctx, t); err != nil {
			return err
		}
		if err := s.countExit(ctx, clinic, date); err != nil {
			return err
		}
		cancelled = t
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.RecordTicketExited(clinic, "cancelled")
	s.notify(ctx, notification.TypeQueueUpdate, cancelled, map[string]interface{}{"action": "cancel"})
	return cancelled, nil
}

// ---------------------------------------------------------------------------
// Reads
// ---------------------------------------------------------------------------

// Position reports where the patient's latest ticket stands. A timed-out
// ticket is reported with its status; a patient with no ticket today is
// NOT_FOUND.
func (s *Service) Position(ctx context.Context, clinicID, patient string) (*Position, error) {
	clinic, err := s.clinicID(clinicID)
	if err != nil {
		return nil, err
	}
	patient, err = patientID(patient)
	if err != nil {
		return nil, err
	}
	t, err := s.latestTicket(ctx, clinic, s.Today(), patient)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, apperr.Newf(apperr.NotFound, "no ticket for %s at %s today", patient, clinic)
	}
	ahead, total, err := s.rank(ctx, t)
	if err != nil {
		return nil, err
	}
	return &Position{
		ClinicID:             clinic,
		PatientID:            patient,
		Number:               t.Number,
		Status:               t.Status,
		Ahead:                ahead,
		TotalWaiting:         total,
		EstimatedWaitMinutes: ahead * MinutesPerPatient,
	}, nil
}

// Snapshot returns the counters, current call and ordered tickets.
func (s *Service) Snapshot(ctx context.Context, clinicID string) (*Snapshot, error) {
	clinic, err := s.clinicID(clinicID)
	if err != nil {
		return nil, err
	}
	date := s.Today()

	counter, err := s.repo.GetCounter(ctx, clinic, date)
	if err != nil {
		return nil, err
	}
	current, err := s.repo.GetCurrent(ctx, clinic, date)
	if err != nil {
		return nil, err
	}
	order, tickets, err := s.load(ctx, clinic, date)
	if err != nil {
		return nil, err
	}
	list := make([]*Ticket, 0, len(order))
	for _, n := range order {
		if t := tickets[n]; t != nil {
			list = append(list, t)
		}
	}
	return &Snapshot{
		ClinicID: clinic,
		Date:     date,
		Counter:  counter,
		Waiting:  counter.Waiting(),
		Current:  current,
		Tickets:  list,
	}, nil
}

// Counter returns today's counter for a clinic.
func (s *Service) Counter(ctx context.Context, clinicID string) (Counter, error) {
	clinic, err := s.clinicID(clinicID)
	if err != nil {
		return Counter{}, err
	}
	return s.repo.GetCounter(ctx, clinic, s.Today())
}

// Waiting is Entered minus Exited for a clinic today. Routing reads it as
// the clinic's load.
func (s *Service) Waiting(ctx context.Context, clinicID string) (uint64, error) {
	c, err := s.Counter(ctx, clinicID)
	if err != nil {
		return 0, fmt.Errorf("waiting %s: %w", clinicID, err)
	}
	return c.Waiting(), nil
}

// Visit identifies where a patient stands at a clinic today. Latest is the
// newest ticket number; Settled is the newest ticket already finished
// before the current visit. Enter leaves Settled unchanged and Exit leaves
// Latest unchanged, which is what retry deduplication keys on.
type Visit struct {
	Latest  uint64
	Settled uint64
}

func (s *Service) Visit(ctx context.Context, clinicID, patient string) (Visit, error) {
	clinic, err := s.clinicID(clinicID)
	if err != nil {
		return Visit{}, err
	}
	patient, err = patientID(patient)
	if err != nil {
		return Visit{}, err
	}
	t, err := s.latestTicket(ctx, clinic, s.Today(), patient)
	if err != nil || t == nil {
		return Visit{}, err
	}
	v := Visit{Latest: t.Number, Settled: t.Number}
	if t.Status.Active() {
		v.Settled = t.Previous
	}
	return v, nil
}
