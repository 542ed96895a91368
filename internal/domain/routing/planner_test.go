package routing

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"

	"github.com/ehr/queue/internal/domain/catalog"
	"github.com/ehr/queue/internal/platform/apperr"
	"github.com/ehr/queue/internal/platform/clock"
	"github.com/ehr/queue/internal/platform/kv"
	"github.com/ehr/queue/internal/platform/lock"
)

var (
	testStart = time.Date(2026, 3, 1, 6, 0, 0, 0, time.UTC)
	testZone  = time.FixedZone("AST", 3*60*60)
)

// fakeLoad serves fixed waiting counts; clinics in failing return an error.
type fakeLoad struct {
	mu      sync.Mutex
	waiting map[string]uint64
	failing map[string]bool
}

func (f *fakeLoad) Waiting(_ context.Context, clinic string) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing[clinic] {
		return 0, errors.New("store unavailable")
	}
	return f.waiting[clinic], nil
}

func (f *fakeLoad) set(clinic string, n uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.waiting[clinic] = n
}

type testEnv struct {
	planner *Planner
	load    *fakeLoad
	clock   *clock.FakeClock
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store := kv.NewMemoryStore()
	t.Cleanup(store.Close)

	clk := clock.Fake(testStart)
	load := &fakeLoad{waiting: map[string]uint64{}, failing: map[string]bool{}}
	locks := lock.NewManager(store, clk, "test", zerolog.Nop())
	p := NewPlanner(store, locks, catalog.Default(), load, clk, testZone, zerolog.Nop())
	p.SetRetryPolicy(lock.RetryPolicy{Attempts: 200, Backoff: time.Millisecond})
	return &testEnv{planner: p, load: load, clock: clk}
}

func TestOrder_StableByWeight(t *testing.T) {
	tmpl := catalog.Template{
		Prefix: []string{"LAB"},
		Middle: []string{"EYE", "INT", "SUR", "ENT"},
		Suffix: []string{"DER"},
	}
	weights := map[string]int64{"EYE": 3, "INT": 0, "SUR": 3, "ENT": 1}

	got := Order(tmpl, weights)
	want := []string{"LAB", "INT", "ENT", "EYE", "SUR", "DER"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("order mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"EYE", "INT", "SUR", "ENT"}, tmpl.Middle); diff != "" {
		t.Errorf("template mutated (-want +got):\n%s", diff)
	}
}

func TestCreateRoute_SortsMiddleKeepsFixedPrefix(t *testing.T) {
	env := newTestEnv(t)
	env.load.set("EYE", 5)
	env.load.set("INT", 2)
	env.load.set("LAB", 100)

	r, created, err := env.planner.CreateRoute(context.Background(), "P1", "courses", "")
	if err != nil {
		t.Fatal(err)
	}
	if !created {
		t.Fatal("expected a new route")
	}
	// courses: LAB fixed, then EYE SUR INT by load (SUR 0, INT 2, EYE 5).
	want := []string{"LAB", "SUR", "INT", "EYE"}
	if diff := cmp.Diff(want, r.Stations); diff != "" {
		t.Errorf("stations mismatch (-want +got):\n%s", diff)
	}
	if r.Gender != "male" || r.ExamType != "courses" || r.Status != StatusActive || r.Date != "2026-03-01" {
		t.Errorf("unexpected route: %+v", r)
	}
	if r.Current() != "LAB" {
		t.Errorf("expected current LAB, got %s", r.Current())
	}
}

func TestCreateRoute_TiesKeepTemplateOrder(t *testing.T) {
	env := newTestEnv(t)

	r, _, err := env.planner.CreateRoute(context.Background(), "P1", "recruitment", "male")
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"LAB", "XR", "BIO", "EYE", "INT", "SUR", "ENT", "PSY", "DNT", "DER"}
	if diff := cmp.Diff(want, r.Stations); diff != "" {
		t.Errorf("stations mismatch (-want +got):\n%s", diff)
	}
}

func TestCreateRoute_UnreadableLoadWeighsZero(t *testing.T) {
	env := newTestEnv(t)
	env.load.set("LAB", 0)
	env.load.set("INT", 4)
	env.load.set("ENT", 1)
	env.load.set("SUR", 2)
	env.load.failing["INT"] = true

	r, _, err := env.planner.CreateRoute(context.Background(), "P1", "cooks", "")
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"LAB", "INT", "ENT", "SUR"}
	if diff := cmp.Diff(want, r.Stations); diff != "" {
		t.Errorf("stations mismatch (-want +got):\n%s", diff)
	}
	if r.Weights["INT"] != 0 {
		t.Errorf("expected INT weight 0, got %d", r.Weights["INT"])
	}
}

func TestCreateRoute_UnknownExamTypeFallsBack(t *testing.T) {
	env := newTestEnv(t)

	r, _, err := env.planner.CreateRoute(context.Background(), "P1", "space-tourism", "female")
	if err != nil {
		t.Fatal(err)
	}
	if r.ExamType != catalog.DefaultExamType || len(r.Stations) != 10 || r.Gender != "female" {
		t.Errorf("unexpected fallback route: %+v", r)
	}
}

func TestCreateRoute_ArabicAlias(t *testing.T) {
	env := newTestEnv(t)

	r, _, err := env.planner.CreateRoute(context.Background(), "P1", "طباخين", "")
	if err != nil {
		t.Fatal(err)
	}
	if r.ExamType != "cooks" {
		t.Errorf("expected cooks, got %s", r.ExamType)
	}
}

func TestCreateRoute_Sticky(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	first, _, err := env.planner.CreateRoute(ctx, "P1", "courses", "")
	if err != nil {
		t.Fatal(err)
	}
	env.load.set("EYE", 0)
	env.load.set("SUR", 9)
	again, created, err := env.planner.CreateRoute(ctx, "P1", "aviation", "")
	if err != nil {
		t.Fatal(err)
	}
	if created {
		t.Error("expected the stored route")
	}
	if diff := cmp.Diff(first, again); diff != "" {
		t.Errorf("route changed (-first +again):\n%s", diff)
	}
}

func TestCreateRoute_Concurrent(t *testing.T) {
	env := newTestEnv(t)

	const n = 10
	var wg sync.WaitGroup
	routes := make([]*Route, n)
	createdCount := 0
	var mu sync.Mutex
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r, created, err := env.planner.CreateRoute(context.Background(), "P1", "courses", "")
			if err != nil {
				t.Errorf("create %d: %v", i, err)
				return
			}
			routes[i] = r
			if created {
				mu.Lock()
				createdCount++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	if createdCount != 1 {
		t.Errorf("expected exactly one creation, got %d", createdCount)
	}
}

func TestCreateRoute_Validation(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name    string
		patient string
		gender  string
	}{
		{"empty patient", " ", ""},
		{"patient with separator", "a:b", ""},
		{"bad gender", "P1", "unknown"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := env.planner.CreateRoute(context.Background(), tt.patient, "courses", tt.gender)
			if !apperr.HasCode(err, apperr.InvalidInput) {
				t.Fatalf("expected INVALID_INPUT, got %v", err)
			}
		})
	}
}

func TestAdvance_WalksRoute(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	r, _, err := env.planner.CreateRoute(ctx, "P1", "cooks", "")
	if err != nil {
		t.Fatal(err)
	}

	for i, station := range r.Stations {
		env.clock.Advance(time.Minute)
		next, done, err := env.planner.Advance(ctx, "P1", station)
		if err != nil {
			t.Fatalf("advance %s: %v", station, err)
		}
		last := i == len(r.Stations)-1
		if done != last {
			t.Errorf("advance %s: done = %v", station, done)
		}
		if !last && next != r.Stations[i+1] {
			t.Errorf("advance %s: next = %s, want %s", station, next, r.Stations[i+1])
		}
		if last && next != "" {
			t.Errorf("expected no next station, got %s", next)
		}
	}

	got, err := env.planner.Route(ctx, "P1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusCompleted || got.CompletedAt == nil || len(got.History) != 4 || got.CurrentStep != 4 {
		t.Errorf("unexpected final route: %+v", got)
	}
}

func TestAdvance_ReplayIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	r, _, err := env.planner.CreateRoute(ctx, "P1", "cooks", "")
	if err != nil {
		t.Fatal(err)
	}
	next1, _, err := env.planner.Advance(ctx, "P1", "LAB")
	if err != nil {
		t.Fatal(err)
	}
	next2, done, err := env.planner.Advance(ctx, "P1", "lab")
	if err != nil {
		t.Fatal(err)
	}
	if next1 != next2 || done || next1 != r.Stations[1] {
		t.Errorf("replay changed the answer: %s vs %s", next1, next2)
	}
	got, _ := env.planner.Route(ctx, "P1")
	if got.CurrentStep != 1 || len(got.History) != 1 {
		t.Errorf("replay mutated the route: %+v", got)
	}
}

func TestAdvance_Errors(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	if _, _, err := env.planner.Advance(ctx, "nobody", "LAB"); !apperr.HasCode(err, apperr.NotFound) {
		t.Errorf("expected NOT_FOUND, got %v", err)
	}

	if _, _, err := env.planner.CreateRoute(ctx, "P1", "cooks", ""); err != nil {
		t.Fatal(err)
	}
	if _, _, err := env.planner.Advance(ctx, "P1", "SUR"); !apperr.HasCode(err, apperr.InvalidInput) {
		t.Errorf("expected INVALID_INPUT for a non-current station, got %v", err)
	}
}

func TestRoute_NotFound(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.planner.Route(context.Background(), "P404")
	if !apperr.HasCode(err, apperr.NotFound) {
		t.Fatalf("expected NOT_FOUND, got %v", err)
	}
}
