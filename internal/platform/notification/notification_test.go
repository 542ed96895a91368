package notification

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/queue/internal/platform/clock"
	"github.com/ehr/queue/internal/platform/kv"
	"github.com/ehr/queue/internal/platform/websocket"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

// ---------------------------------------------------------------------------
// Emitter
// ---------------------------------------------------------------------------

func TestEmitter_StampsAndRenders(t *testing.T) {
	rec := &Recorder{}
	em := NewEmitter(rec, clock.Fake(t0), zerolog.Nop())

	em.Notify(context.Background(), Event{
		Type:      TypeYourTurn,
		ClinicID:  "LAB",
		PatientID: "P-1",
		Payload:   map[string]interface{}{"number": 7},
	})

	got := rec.Events()
	if len(got) != 1 {
		t.Fatalf("expected 1 event, got %d", len(got))
	}
	ev := got[0]
	if ev.ID == "" {
		t.Error("expected an event id")
	}
	if !ev.Timestamp.Equal(t0) {
		t.Errorf("Timestamp = %v, want %v", ev.Timestamp, t0)
	}
	if ev.Message != "Your turn at LAB. Number 7, please proceed now" {
		t.Errorf("Message = %q", ev.Message)
	}
}

func TestEmitter_DisabledDrops(t *testing.T) {
	rec := &Recorder{}
	em := NewEmitter(rec, clock.Fake(t0), zerolog.Nop(),
		WithEnabled(func(context.Context) bool { return false }))

	em.Notify(context.Background(), Event{Type: TypeNearTurn, ClinicID: "LAB"})
	if len(rec.Events()) != 0 {
		t.Fatal("disabled emitter must drop events")
	}
}

type failingSink struct{}

func (failingSink) Name() string { return "failing" }
func (failingSink) Emit(context.Context, Event) error { return errors.New("down") }

func TestEmitter_SinkErrorSwallowed(t *testing.T) {
	rec := &Recorder{}
	em := NewEmitter(Multi{failingSink{}, rec}, clock.Fake(t0), zerolog.Nop())

	em.Notify(context.Background(), Event{Type: TypeWarning, ClinicID: "XR"})

	if len(rec.Events()) != 1 {
		t.Fatal("a failing sink must not block the others")
	}
}

func TestMulti_JoinsErrors(t *testing.T) {
	err := Multi{failingSink{}, &Recorder{}, failingSink{}}.Emit(context.Background(), Event{})
	if err == nil || strings.Count(err.Error(), "failing: down") != 2 {
		t.Fatalf("expected two joined errors, got %v", err)
	}
}

func TestTemplateEngine_Render(t *testing.T) {
	te := NewTemplateEngine()

	tests := []struct {
		ev   Event
		want string
	}{
		{Event{Type: TypeNearTurn, ClinicID: "EYE", Payload: map[string]interface{}{"ahead": 2}}, "Your turn at EYE is near. 2 ahead of you"},
		{Event{Type: TypeStepDone, ClinicID: "LAB", Payload: map[string]interface{}{"next": "XR"}}, "Finished LAB. Next: XR"},
		{Event{Type: TypeStepDone, ClinicID: "DER"}, "Finished DER. Next: wait for instructions"},
		{Event{Type: "UNKNOWN"}, ""},
	}
	for _, tt := range tests {
		if got := te.Render(tt.ev); got != tt.want {
			t.Errorf("Render(%s) = %q, want %q", tt.ev.Type, got, tt.want)
		}
	}

	te.Register(TypeWarning, "hurry {{patient}}")
	if got := te.Render(Event{Type: TypeWarning, PatientID: "P-3"}); got != "hurry P-3" {
		t.Errorf("custom template = %q", got)
	}
}

// ---------------------------------------------------------------------------
// Sinks
// ---------------------------------------------------------------------------

func TestHubSink_PublishesToTopics(t *testing.T) {
	hub := websocket.NewHub(zerolog.Nop())
	sink := NewHubSink(hub)

	lab := &websocket.Client{ID: "lab", Topics: []string{websocket.ClinicTopic("LAB")}, Send: make(chan []byte, 4)}
	pat := &websocket.Client{ID: "pat", Topics: []string{websocket.PatientTopic("P-1")}, Send: make(chan []byte, 4)}
	all := &websocket.Client{ID: "all", Topics: []string{websocket.TopicAll}, Send: make(chan []byte, 4)}
	for _, c := range []*websocket.Client{lab, pat, all} {
		hub.Register(c)
	}

	err := sink.Emit(context.Background(), Event{Type: TypeYourTurn, ClinicID: "LAB", PatientID: "P-1", Timestamp: t0})
	if err != nil {
		t.Fatalf("Emit: %v", err)
	}

	for _, c := range []*websocket.Client{lab, pat, all} {
		select {
		case raw := <-c.Send:
			var frame websocket.Event
			if err := json.Unmarshal(raw, &frame); err != nil {
				t.Fatalf("%s: %v", c.ID, err)
			}
			if frame.Type != string(TypeYourTurn) {
				t.Errorf("%s: type %q", c.ID, frame.Type)
			}
		default:
			t.Errorf("%s: expected a frame", c.ID)
		}
	}
}

func TestKVSink_RecentNewestFirst(t *testing.T) {
	store := kv.NewMemoryStore()
	defer store.Close()
	sink := NewKVSink(store)
	ctx := context.Background()

	for i, clinic := range []string{"LAB", "XR", "LAB"} {
		ev := Event{ID: "id-" + string(rune('a'+i)), Type: TypeQueueUpdate, ClinicID: clinic, Timestamp: t0.Add(time.Duration(i) * time.Second)}
		if err := sink.Emit(ctx, ev); err != nil {
			t.Fatalf("Emit: %v", err)
		}
	}

	lab, err := sink.Recent(ctx, "LAB", 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(lab) != 2 || lab[0].ID != "id-c" || lab[1].ID != "id-a" {
		t.Fatalf("unexpected LAB events %+v", lab)
	}

	all, err := sink.Recent(ctx, "", 2)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(all) != 2 || all[0].ID != "id-c" || all[1].ID != "id-b" {
		t.Fatalf("unexpected events %+v", all)
	}
}

func TestEventKey_SortsByTime(t *testing.T) {
	a := EventKey(Event{ID: "x", ClinicID: "LAB", Timestamp: t0})
	b := EventKey(Event{ID: "y", ClinicID: "LAB", Timestamp: t0.Add(time.Nanosecond)})
	if !(a < b) {
		t.Errorf("expected %s < %s", a, b)
	}
	if !strings.HasPrefix(a, "event:LAB:") {
		t.Errorf("unexpected key %s", a)
	}
}

type fakeExec struct {
	sql  string
	args []interface{}
	err  error
}

func (f *fakeExec) Exec(_ context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error) {
	f.sql, f.args = sql, args
	return pgconn.NewCommandTag("INSERT 0 1"), f.err
}

func TestPGSink_Insert(t *testing.T) {
	db := &fakeExec{}
	sink := NewPGSink(db)

	err := sink.Emit(context.Background(), Event{Type: TypeTimeout, ClinicID: "LAB", PatientID: "P-1", Payload: map[string]interface{}{"number": 3}, Timestamp: t0})
	if err != nil {
		t.Fatalf("Emit: %v", err)
	}
	if !strings.Contains(db.sql, "INSERT INTO queue_events") {
		t.Errorf("unexpected sql %s", db.sql)
	}
	if db.args[0] != "PATIENT_TIMEOUT" || db.args[1] != "LAB" || db.args[2] != "P-1" {
		t.Errorf("unexpected args %v", db.args)
	}
	if string(db.args[3].([]byte)) != `{"number":3}` {
		t.Errorf("payload = %s", db.args[3])
	}

	_ = sink.Emit(context.Background(), Event{Type: TypeWarning, ClinicID: "LAB", Timestamp: t0})
	if db.args[2] != nil {
		t.Errorf("empty patient must be stored as NULL, got %v", db.args[2])
	}
	if string(db.args[3].([]byte)) != `{}` {
		t.Errorf("nil payload must be {}, got %s", db.args[3])
	}

	db.err = errors.New("conn refused")
	if err := sink.Emit(context.Background(), Event{Type: TypeWarning, ClinicID: "LAB"}); err == nil {
		t.Fatal("expected insert error")
	}
}

func TestWebhookSink_Delivers(t *testing.T) {
	var mu sync.Mutex
	var bodies []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		mu.Lock()
		bodies = append(bodies, string(b))
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	sink := NewWebhookSink(srv.URL, zerolog.Nop())
	if err := sink.Emit(context.Background(), Event{ID: "e1", Type: TypeNearTurn, ClinicID: "ENT", Timestamp: t0}); err != nil {
		t.Fatalf("Emit: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sink.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(bodies) != 1 || !strings.Contains(bodies[0], `"type":"NEAR_TURN"`) {
		t.Fatalf("unexpected deliveries %v", bodies)
	}
}

func TestWebhookSink_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	sink := NewWebhookSink(srv.URL, zerolog.Nop())
	if err := sink.deliver(context.Background(), []byte(`{}`)); err == nil {
		t.Fatal("expected error for 502")
	}
}

// ---------------------------------------------------------------------------
// Handler
// ---------------------------------------------------------------------------

func TestHandler_Recent(t *testing.T) {
	store := kv.NewMemoryStore()
	defer store.Close()
	sink := NewKVSink(store)
	_ = sink.Emit(context.Background(), Event{ID: "e1", Type: TypeQueueUpdate, ClinicID: "LAB", Timestamp: t0})

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/events?clinic=lab&limit=5", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := NewHandler(sink).HandleRecent(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body struct {
		Count  int     `json:"count"`
		Events []Event `json:"events"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Count != 1 || body.Events[0].ID != "e1" {
		t.Errorf("unexpected body %s", rec.Body.String())
	}
}

func TestHandler_BadLimit(t *testing.T) {
	store := kv.NewMemoryStore()
	defer store.Close()

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/events?limit=0", nil)
	c := e.NewContext(req, httptest.NewRecorder())

	if err := NewHandler(NewKVSink(store)).HandleRecent(c); err == nil {
		t.Fatal("expected INVALID_INPUT")
	}
}

func TestHandler_RegisterRoutes(t *testing.T) {
	e := echo.New()
	NewHandler(nil).RegisterRoutes(e.Group("/api/v1"))

	found := false
	for _, r := range e.Routes() {
		if r.Method == http.MethodGet && r.Path == "/api/v1/events" {
			found = true
		}
	}
	if !found {
		t.Fatal("expected GET /api/v1/events")
	}
}
