// Package routing plans the order in which a patient visits the stations
// of their exam and tracks progress along it.
package routing

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/queue/internal/domain/catalog"
	"github.com/ehr/queue/internal/platform/apperr"
	"github.com/ehr/queue/internal/platform/clock"
	"github.com/ehr/queue/internal/platform/kv"
	"github.com/ehr/queue/internal/platform/lock"
	"github.com/ehr/queue/internal/platform/metrics"
)

// LoadReader reports how many patients wait at a clinic today.
type LoadReader interface {
	Waiting(ctx context.Context, clinicID string) (uint64, error)
}

const maxPatientIDLen = 128

type Planner struct {
	store   kv.Store
	locks   *lock.Manager
	catalog *catalog.Catalog
	load    LoadReader
	clock   clock.Clock
	loc     *time.Location
	retry   lock.RetryPolicy
	logger  zerolog.Logger
}

func NewPlanner(store kv.Store, locks *lock.Manager, cat *catalog.Catalog, load LoadReader, clk clock.Clock, loc *time.Location, logger zerolog.Logger) *Planner {
	return &Planner{
		store:   store,
		locks:   locks,
		catalog: cat,
		load:    load,
		clock:   clk,
		loc:     loc,
		retry:   lock.DefaultRetry,
		logger:  logger.With().Str("component", "routing").Logger(),
	}
}

// SetRetryPolicy overrides lock.DefaultRetry.
func (p *Planner) SetRetryPolicy(r lock.RetryPolicy) { p.retry = r }

func (p *Planner) today() string {
	return clock.Day(p.clock.Now(), p.loc)
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

func normalizeGender(raw string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "m", "male":
		return "male", nil
	case "f", "female":
		return "female", nil
	}
	return "", apperr.Newf(apperr.InvalidInput, "gender %q must be male or female", raw)
}

func (p *Planner) get(ctx context.Context, date, patient string) (*Route, error) {
	var r Route
	err := kv.GetJSON(ctx, p.store, RouteKey(date, patient), &r)
	if kv.IsNotFound(err) {
		return nil, apperr.Newf(apperr.NotFound, "no route for patient %s today", patient)
	}
	if err != nil {
		return nil, fmt.Errorf("load route %s: %w", patient, err)
	}
	return &r, nil
}

// weigh reads the current load of every clinic in ids. A clinic whose load
// cannot be read weighs 0.
func (p *Planner) weigh(ctx context.Context, ids []string) map[string]int64 {
	weights := make(map[string]int64, len(ids))
	for _, id := range ids {
		if p.load == nil {
			weights[id] = 0
			continue
		}
		n, err := p.load.Waiting(ctx, id)
		if err != nil {
			p.logger.Warn().Err(err).Str("clinic_id", id).Msg("clinic load unreadable, weighing 0")
			n = 0
		}
		weights[id] = int64(n)
	}
	return weights
}

// Order returns the template stations with the middle section sorted by
// weight, least loaded first. Equal weights keep template order.
func Order(t catalog.Template, weights map[string]int64) []string {
	middle := append([]string(nil), t.Middle...)
	sort.SliceStable(middle, func(i, j int) bool {
		return weights[middle[i]] < weights[middle[j]]
	})
	out := make([]string, 0, len(t.Prefix)+len(middle)+len(t.Suffix))
	out = append(out, t.Prefix...)
	out = append(out, middle...)
	return append(out, t.Suffix...)
}

// ---------------------------------------------------------------------------
// Operations
// ---------------------------------------------------------------------------

// CreateRoute plans today's route for a patient. The first successful call
// freezes the route; later calls return it unchanged with created=false.
func (p *Planner) CreateRoute(ctx context.Context, rawPatient, examType, rawGender string) (*Route, bool, error) {
	patient, err := patientID(rawPatient)
	if err != nil {
		return nil, false, err
	}
	gender, err := normalizeGender(rawGender)
	if err != nil {
		return nil, false, err
	}
	date := p.today()

	if existing, err := p.get(ctx, date, patient); err == nil {
		return existing, false, nil
	} else if !apperr.HasCode(err, apperr.NotFound) {
		return nil, false, err
	}

	if strings.TrimSpace(examType) == "" {
		examType = catalog.DefaultExamType
	}
	tmpl, known := p.catalog.Template(examType, gender)
	if !known {
		p.logger.Warn().Str("exam_type", examType).Msg("unknown exam type, using default route")
	}

	weights := p.weigh(ctx, tmpl.Middle)
	now := p.clock.Now()
	route := &Route{
		PatientID: patient,
		Date:      date,
		ExamType:  tmpl.ExamType,
		Gender:    gender,
		Stations:  Order(tmpl, weights),
		History:   []Step{},
		Status:    StatusActive,
		Weights:   weights,
		CreatedAt: now,
	}

	created, err := kv.PutJSONIfAbsent(ctx, p.store, RouteKey(date, patient), route, RouteTTL)
	if err != nil {
		return nil, false, fmt.Errorf("save route %s: %w", patient, err)
	}
	if !created {
		// Another request planned the route first.
		existing, err := p.get(ctx, date, patient)
		return existing, false, err
	}

	metrics.RecordRouteCreated(route.ExamType)
	p.logger.Info().
		Str("patient_id", patient).
		Str("exam_type", route.ExamType).
		Strs("stations", route.Stations).
		Msg("route created")
	return route, true, nil
}

// Route returns the patient's route for today.
func (p *Planner) Route(ctx context.Context, rawPatient string) (*Route, error) {
	patient, err := patientID(rawPatient)
	if err != nil {
		return nil, err
	}
	return p.get(ctx, p.today(), patient)
}

// Advance marks completedClinic done on the patient's route and returns the
// next station. Repeating a completion already recorded returns the same
// answer without changing the route.
func (p *Planner) Advance(ctx context.Context, rawPatient, completedClinic string) (string, bool, error) {
	patient, err := patientID(rawPatient)
	if err != nil {
		return "", false, err
	}
	clinic := catalog.NormalizeID(completedClinic)
	if clinic == "" {
		return "", false, apperr.New(apperr.InvalidInput, "clinicId is required")
	}
	date := p.today()
	if _, err := p.get(ctx, date, patient); err != nil {
		return "", false, err
	}

	var next string
	var done bool
	err = p.locks.WithRetry(ctx, LockResource(date, patient), LockTTL, p.retry, func(ctx context.Context) error {
		r, err := p.get(ctx, date, patient)
		if err != nil {
			return err
		}
		if r.visited(clinic) {
			next, done = r.Current(), r.Status == StatusCompleted
			return nil
		}
		if cur := r.Current(); cur != clinic {
			return apperr.Newf(apperr.InvalidInput, "clinic %s is not the current station (expected %q)", clinic, cur)
		}

		now := p.clock.Now()
		r.History = append(r.History, Step{ClinicID: clinic, CompletedAt: now})
		r.CurrentStep++
		if r.CurrentStep >= len(r.Stations) {
			r.Status = StatusCompleted
			r.CompletedAt = &now
		}
		if err := kv.PutJSON(ctx, p.store, RouteKey(date, patient), r, RouteTTL); err != nil {
			return fmt.Errorf("save route %s: %w", patient, err)
		}
		next, done = r.Current(), r.Status == StatusCompleted
		return nil
	})
	if err != nil {
		return "", false, err
	}

	ev := p.logger.Info().Str("patient_id", patient).Str("completed", clinic)
	if done {
		ev.Msg("route completed")
	} else {
		ev.Str("next", next).Msg("route advanced")
	}
	return next, done, nil
}
