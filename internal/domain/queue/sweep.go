package queue

import (
	"context"
	"time"

	"github.com/ehr/queue/internal/platform/apperr"
	"github.com/ehr/queue/internal/platform/kv"
	"github.com/ehr/queue/internal/platform/metrics"
	"github.com/ehr/queue/internal/platform/notification"
)

const (
	noticeWarning  = "warning"
	noticeNearTurn = "near"

	timeoutReasonMaxWait = "max_wait_exceeded"
)

// sweepable reports whether t is subject to wait-time enforcement. A ticket
// that already timed out once is never moved again.
func sweepable(t *Ticket) bool {
	return t != nil && t.TimeoutAt == nil && (t.Status == StatusWaiting || t.Status == StatusCalled)
}

// Sweep enforces p on one clinic for today: warnings near the limit,
// timeouts past it, the auto-call and near-turn notices.
func (s *Service) Sweep(ctx context.Context, clinicID string, p SweepPolicy) (*SweepReport, error) {
	clinic, err := s.clinicID(clinicID)
	if err != nil {
		return nil, err
	}
	date := s.Today()
	report := &SweepReport{ClinicID: clinic}

	order, tickets, err := s.load(ctx, clinic, date)
	if err != nil {
		return nil, err
	}
	now := s.clock.Now()
	overdue := false
	for _, n := range order {
		t := tickets[n]
		if !sweepable(t) {
			continue
		}
		elapsed := t.Elapsed(now)
		if p.TimeoutEnabled && elapsed > p.MaxWait {
			overdue = true
			continue
		}
		if p.WarnAfter <= 0 || elapsed < p.WarnAfter {
			continue
		}
		fresh, err := s.repo.MarkNotice(ctx, noticeWarning, clinic, date, n)
		if err != nil {
			return nil, err
		}
		if fresh {
			report.Warned++
			s.notify(ctx, notification.TypeWarning, t, map[string]interface{}{
				"elapsed_seconds":  int(elapsed.Seconds()),
				"max_wait_seconds": int(p.MaxWait.Seconds()),
			})
		}
	}

	if overdue {
		timed, err := s.timeoutOverdue(ctx, clinic, date, p.MaxWait)
		if err != nil {
			return nil, err
		}
		for _, t := range timed {
			report.TimedOut = append(report.TimedOut, t.Number)
			metrics.RecordTicketTimedOut(clinic)
			s.logger.Info().
				Str("clinic_id", clinic).
				Str("patient_id", t.PatientID).
				Uint64("number", t.Number).
				Msg("ticket timed out, moved to tail")
			s.notify(ctx, notification.TypeTimeout, t, map[string]interface{}{"reason": t.TimeoutReason})
		}
	}

	if p.AutoCall {
		called, err := s.autoCall(ctx, clinic, date, p.QueueInterval)
		if err != nil {
			return nil, err
		}
		report.Called = called
	}

	if p.NearAhead > 0 {
		sent, err := s.notifyNear(ctx, clinic, date, p.NearAhead)
		if err != nil {
			return nil, err
		}
		report.NearNotified = sent
	}
	return report, nil
}

// timeoutOverdue moves every overdue ticket to the tail of the list in the
// order they are found. Other tickets keep their relative order.
func (s *Service) timeoutOverdue(ctx context.Context, clinic, date string, maxWait time.Duration) ([]*Ticket, error) {
	var timed []*Ticket
	err := s.withClinicLock(ctx, clinic, date, func(ctx context.Context) error {
		order, tickets, err := s.load(ctx, clinic, date)
		if err != nil {
			return err
		}
		now := s.clock.Now()
		kept := make([]uint64, 0, len(order))
		var moved []uint64
		for _, n := range order {
			t := tickets[n]
			if !sweepable(t) || t.Elapsed(now) <= maxWait {
				kept = append(kept, n)
				continue
			}
			t.Status = StatusTimeout
			t.TimeoutAt = &now
			t.TimeoutReason = timeoutReasonMaxWait
			if err := s.repo.PutTicket(ctx, t); err != nil {
				return err
			}
			moved = append(moved, n)
			timed = append(timed, t)
		}
		if len(moved) == 0 {
			return nil
		}
		return s.repo.PutOrder(ctx, clinic, date, append(kept, moved...))
	})
	return timed, err
}

// autoCall calls the next WAITING ticket when the station is free: nobody
// called yet, the called ticket is finished, or it was called more than
// interval ago without being started.
func (s *Service) autoCall(ctx context.Context, clinic, date string, interval time.Duration) (*Ticket, error) {
	current, err := s.repo.GetCurrent(ctx, clinic, date)
	if err != nil {
		return nil, err
	}
	if current != nil {
		t, err := s.repo.GetTicket(ctx, clinic, date, current.Number)
		switch {
		case kv.IsNotFound(err):
		case err != nil:
			return nil, err
		case t.Status == StatusInService:
			return nil, nil
		case t.Status == StatusCalled && s.clock.Now().Sub(current.CalledAt) < interval:
			return nil, nil
		}
	}

	called, err := s.call(ctx, clinic, false)
	if apperr.HasCode(err, apperr.NotFound) {
		return nil, nil
	}
	return called, err
}

// notifyNear sends one NEAR_TURN notice to each of the first k WAITING
// tickets.
func (s *Service) notifyNear(ctx context.Context, clinic, date string, k int) (int, error) {
	order, tickets, err := s.load(ctx, clinic, date)
	if err != nil {
		return 0, err
	}
	ahead, sent := 0, 0
	for _, n := range order {
		if ahead >= k {
			break
		}
		t := tickets[n]
		if t == nil || t.Status != StatusWaiting {
			continue
		}
		fresh, err := s.repo.MarkNotice(ctx, noticeNearTurn, clinic, date, n)
		if err != nil {
			return sent, err
		}
		if fresh {
			sent++
			s.notify(ctx, notification.TypeNearTurn, t, map[string]interface{}{"ahead": ahead})
		}
		ahead++
	}
	return sent, nil
}

// ---------------------------------------------------------------------------
// Reconcile
// ---------------------------------------------------------------------------

// Reconcile rebuilds today's counter, list and patient pointers of a clinic
// from its ticket records. It repairs what an interrupted Enter or Exit
// leaves behind and is a no-op on consistent state.
func (s *Service) Reconcile(ctx context.Context, clinicID string) (*ReconcileReport, error) {
	clinic, err := s.clinicID(clinicID)
	if err != nil {
		return nil, err
	}
	date := s.Today()

	var report *ReconcileReport
	err = s.withClinicLock(ctx, clinic, date, func(ctx context.Context) error {
		r, err := s.reconcileLocked(ctx, clinic, date)
		report = r
		return err
	})
	if err != nil {
		return nil, err
	}
	if report.Changed() {
		s.logger.Warn().
			Str("clinic_id", clinic).
			Uint64("entered_before", report.Before.Entered).
			Uint64("entered_after", report.After.Entered).
			Uint64("exited_before", report.Before.Exited).
			Uint64("exited_after", report.After.Exited).
			Int("list_added", report.ListAdded).
			Int("list_removed", report.ListRemoved).
			Int("pointers_repaired", report.PointersRepaired).
			Msg("queue state repaired")
	}
	return report, nil
}

func (s *Service) reconcileLocked(ctx context.Context, clinic, date string) (*ReconcileReport, error) {
	counter, err := s.repo.GetCounter(ctx, clinic, date)
	if err != nil {
		return nil, err
	}
	report := &ReconcileReport{ClinicID: clinic, Date: date, Before: counter, After: counter}

	numbers, err := s.repo.TicketNumbers(ctx, clinic, date)
	if err != nil {
		return nil, err
	}
	tickets := make(map[uint64]*Ticket, len(numbers))
	latest := make(map[string]uint64)
	var highest, exited uint64
	for _, n := range numbers {
		t, err := s.repo.GetTicket(ctx, clinic, date, n)
		if kv.IsNotFound(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		tickets[n] = t
		if n > highest {
			highest = n
		}
		if !t.Status.Active() {
			exited++
		}
		if n > latest[t.PatientID] {
			latest[t.PatientID] = n
		}
	}

	order, err := s.repo.GetOrder(ctx, clinic, date)
	if err != nil {
		return nil, err
	}
	seen := make(map[uint64]bool, len(order))
	fixed := make([]uint64, 0, len(tickets))
	for _, n := range order {
		if tickets[n] == nil || seen[n] {
			report.ListRemoved++
			continue
		}
		seen[n] = true
		fixed = append(fixed, n)
	}
	for _, n := range numbers {
		if tickets[n] != nil && !seen[n] {
			fixed = append(fixed, n)
			report.ListAdded++
		}
	}
	if report.ListAdded > 0 || report.ListRemoved > 0 {
		if err := s.repo.PutOrder(ctx, clinic, date, fixed); err != nil {
			return nil, err
		}
	}

	for patient, n := range latest {
		cur, ok, err := s.repo.GetUserTicket(ctx, clinic, date, patient)
		if err != nil {
			return nil, err
		}
		if ok && cur >= n {
			continue
		}
		if err := s.repo.PutUserTicket(ctx, clinic, date, patient, n); err != nil {
			return nil, err
		}
		report.PointersRepaired++
	}

	after := counter
	if highest > after.Entered {
		after.Entered = highest
	}
	if exited <= after.Entered {
		after.Exited = exited
	}
	report.After = after
	if after.Entered != counter.Entered || after.Exited != counter.Exited {
		if err := s.putCounter(ctx, after); err != nil {
			return nil, err
		}
	}
	return report, nil
}
