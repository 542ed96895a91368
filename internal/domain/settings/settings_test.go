package settings

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/queue/internal/platform/apperr"
	"github.com/ehr/queue/internal/platform/kv"
)

func newTestProvider(t *testing.T, opts ...Option) (*Provider, *kv.MemoryStore) {
	t.Helper()
	store := kv.NewMemoryStore()
	t.Cleanup(store.Close)
	opts = append([]Option{WithCacheTTL(0)}, opts...)
	return NewProvider(store, Defaults(), zerolog.Nop(), opts...), store
}

func intp(v int) *int    { return &v }
func boolp(v bool) *bool { return &v }

func TestSnapshot_DefaultsWhenUnset(t *testing.T) {
	p, _ := newTestProvider(t)
	s := p.Snapshot(context.Background())
	if s != Defaults() {
		t.Errorf("expected defaults, got %+v", s)
	}
	if s.WarnAfter() != 192*time.Second {
		t.Errorf("expected warn threshold 192s, got %s", s.WarnAfter())
	}
}

func TestUpdate_MergesPatch(t *testing.T) {
	ctx := context.Background()
	p, _ := newTestProvider(t)

	s, err := p.Update(ctx, Patch{PatientMaxWaitSeconds: intp(600), AutoCallEnabled: boolp(false)})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if s.PatientMaxWaitSeconds != 600 || s.AutoCallEnabled {
		t.Errorf("patch not applied: %+v", s)
	}
	if s.QueueIntervalSeconds != 120 {
		t.Errorf("untouched field changed: %+v", s)
	}

	got := p.Snapshot(ctx)
	if got != s {
		t.Errorf("snapshot %+v differs from saved %+v", got, s)
	}

	s, err = p.Update(ctx, Patch{NotifyNearAheadCount: intp(5)})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if s.PatientMaxWaitSeconds != 600 || s.NotifyNearAheadCount != 5 {
		t.Errorf("second patch lost the first: %+v", s)
	}
}

func TestUpdate_RejectsInvalid(t *testing.T) {
	ctx := context.Background()
	p, _ := newTestProvider(t)

	_, err := p.Update(ctx, Patch{PatientMaxWaitSeconds: intp(0)})
	if !apperr.HasCode(err, apperr.InvalidInput) {
		t.Fatalf("expected INVALID_INPUT, got %v", err)
	}
	_, err = p.Update(ctx, Patch{PinPrimarySize: intp(90), PinReserveSize: intp(10)})
	if !apperr.HasCode(err, apperr.InvalidInput) {
		t.Fatalf("expected INVALID_INPUT for pin sizes, got %v", err)
	}
	if p.Snapshot(ctx) != Defaults() {
		t.Error("rejected update must not be saved")
	}
}

func TestReset(t *testing.T) {
	ctx := context.Background()
	p, _ := newTestProvider(t)

	if _, err := p.Update(ctx, Patch{NotificationsEnabled: boolp(false)}); err != nil {
		t.Fatal(err)
	}
	if p.NotificationsEnabled(ctx) {
		t.Fatal("expected notifications disabled")
	}
	if _, err := p.Reset(ctx); err != nil {
		t.Fatal(err)
	}
	if !p.NotificationsEnabled(ctx) {
		t.Error("expected notifications enabled after reset")
	}
}

func TestSnapshot_CorruptFallsBack(t *testing.T) {
	ctx := context.Background()
	p, store := newTestProvider(t)

	if err := store.Put(ctx, Key, []byte("{not json"), 0); err != nil {
		t.Fatal(err)
	}
	if p.Snapshot(ctx) != Defaults() {
		t.Error("expected defaults for unreadable settings")
	}

	if err := store.Put(ctx, Key, []byte(`{"patientMaxWaitSeconds":-1}`), 0); err != nil {
		t.Fatal(err)
	}
	if p.Snapshot(ctx) != Defaults() {
		t.Error("expected defaults for invalid stored settings")
	}
}

func TestSnapshot_CachesAndInvalidates(t *testing.T) {
	ctx := context.Background()
	p, store := newTestProvider(t, WithCacheTTL(time.Minute))

	_ = p.Snapshot(ctx)
	// A write behind the provider's back is not seen until the cache expires.
	if err := kv.PutJSON(ctx, store, Key, Patch{PatientMaxWaitSeconds: intp(900)}.Apply(Defaults()), 0); err != nil {
		t.Fatal(err)
	}
	if got := p.Snapshot(ctx).PatientMaxWaitSeconds; got != 240 {
		t.Errorf("expected cached 240, got %d", got)
	}

	// Updates through the provider invalidate immediately.
	if _, err := p.Update(ctx, Patch{QueueIntervalSeconds: intp(30)}); err != nil {
		t.Fatal(err)
	}
	s := p.Snapshot(ctx)
	if s.QueueIntervalSeconds != 30 || s.PatientMaxWaitSeconds != 900 {
		t.Errorf("expected fresh read after update, got %+v", s)
	}
}

func TestHandler_UpdateAndGet(t *testing.T) {
	p, _ := newTestProvider(t)
	h := NewHandler(p)
	e := echo.New()

	req := httptest.NewRequest(http.MethodPut, "/admin/settings", strings.NewReader(`{"queueIntervalSeconds":60}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	if err := h.HandleUpdate(e.NewContext(req, rec)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/admin/settings", nil)
	rec = httptest.NewRecorder()
	if err := h.HandleGet(e.NewContext(req, rec)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var body struct {
		Settings Settings `json:"settings"`
		Defaults Settings `json:"defaults"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Settings.QueueIntervalSeconds != 60 || body.Defaults.QueueIntervalSeconds != 120 {
		t.Errorf("unexpected body: %+v", body)
	}
}

func TestHandler_UpdateInvalid(t *testing.T) {
	p, _ := newTestProvider(t)
	e := echo.New()

	req := httptest.NewRequest(http.MethodPut, "/admin/settings", strings.NewReader(`{"pinPrimarySize":0}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	err := NewHandler(p).HandleUpdate(e.NewContext(req, rec))
	if !apperr.HasCode(err, apperr.InvalidInput) {
		t.Fatalf("expected INVALID_INPUT, got %v", err)
	}
}
