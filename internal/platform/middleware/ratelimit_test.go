package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/ehr/queue/internal/platform/apperr"
	"github.com/ehr/queue/internal/platform/clock"
	"github.com/ehr/queue/internal/platform/kv"
)

func newCounterStore(t *testing.T) *kv.MemoryStore {
	t.Helper()
	s := kv.NewMemoryStore()
	t.Cleanup(s.Close)
	return s
}

func mustAllow(t *testing.T, l *FixedWindowLimiter, actor string) RateLimitInfo {
	t.Helper()
	info, err := l.Allow(context.Background(), actor)
	if err != nil {
		t.Fatalf("Allow(%s): %v", actor, err)
	}
	return info
}

func TestFixedWindowLimiter_AllowsUpToLimit(t *testing.T) {
	clk := clock.Fake(time.Date(2026, 3, 1, 8, 0, 10, 0, time.UTC))
	l := NewFixedWindowLimiter(newCounterStore(t), 3, time.Minute, clk)

	for i := 0; i < 3; i++ {
		info := mustAllow(t, l, "ip:1.2.3.4")
		if !info.Allowed {
			t.Fatalf("request %d unexpectedly rejected", i+1)
		}
		if info.Remaining != 2-i {
			t.Errorf("request %d: remaining %d, want %d", i+1, info.Remaining, 2-i)
		}
	}

	info := mustAllow(t, l, "ip:1.2.3.4")
	if info.Allowed {
		t.Fatal("4th request should be rejected")
	}
	if info.RetryAfter != 50*time.Second {
		t.Errorf("RetryAfter = %v, want 50s (until the window boundary)", info.RetryAfter)
	}
}

func TestFixedWindowLimiter_WindowRollsOver(t *testing.T) {
	clk := clock.Fake(time.Date(2026, 3, 1, 8, 0, 59, 0, time.UTC))
	l := NewFixedWindowLimiter(newCounterStore(t), 1, time.Minute, clk)

	if !mustAllow(t, l, "a").Allowed {
		t.Fatal("first request rejected")
	}
	if mustAllow(t, l, "a").Allowed {
		t.Fatal("second request in same window admitted")
	}

	clk.Advance(time.Second)
	if !mustAllow(t, l, "a").Allowed {
		t.Fatal("request in next window rejected")
	}
}

func TestFixedWindowLimiter_PerActor(t *testing.T) {
	l := NewFixedWindowLimiter(newCounterStore(t), 1, time.Minute, clock.Fake(time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)))

	if !mustAllow(t, l, "a").Allowed || !mustAllow(t, l, "b").Allowed {
		t.Fatal("each actor has its own budget")
	}
	if mustAllow(t, l, "a").Allowed {
		t.Fatal("actor a is over budget")
	}
}

func TestFixedWindowLimiter_SharedAcrossProcesses(t *testing.T) {
	store := newCounterStore(t)
	clk := clock.Fake(time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC))
	first := NewFixedWindowLimiter(store, 2, time.Minute, clk)
	second := NewFixedWindowLimiter(store, 2, time.Minute, clk)

	if !mustAllow(t, first, "user:kiosk-1").Allowed {
		t.Fatal("first request rejected")
	}
	if info := mustAllow(t, second, "user:kiosk-1"); !info.Allowed || info.Remaining != 0 {
		t.Fatalf("second request on the other limiter: %+v", info)
	}
	if mustAllow(t, first, "user:kiosk-1").Allowed {
		t.Fatal("budget must be shared: third request admitted")
	}
	if mustAllow(t, second, "user:kiosk-1").Allowed {
		t.Fatal("budget must be shared: fourth request admitted")
	}

	start := clk.Now().Truncate(time.Minute)
	raw, err := store.Get(context.Background(), RateLimitKey("user:kiosk-1", start))
	if err != nil {
		t.Fatalf("counter not in the store: %v", err)
	}
	if string(raw) != "4" {
		t.Errorf("stored count = %s, want 4", raw)
	}
}

func TestFixedWindowLimiter_Defaults(t *testing.T) {
	l := NewFixedWindowLimiter(newCounterStore(t), 0, 0, nil)
	if l.limit != 60 || l.window != time.Minute {
		t.Errorf("defaults = %d/%v, want 60/1m", l.limit, l.window)
	}
}

func TestFixedWindowLimiter_Middleware(t *testing.T) {
	clk := clock.Fake(time.Date(2026, 3, 1, 8, 0, 30, 0, time.UTC))
	l := NewFixedWindowLimiter(newCounterStore(t), 1, time.Minute, clk)
	e := echo.New()
	h := l.Middleware()(func(c echo.Context) error { return c.NoContent(http.StatusNoContent) })

	newCtx := func() (echo.Context, *httptest.ResponseRecorder) {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/queue/enter", nil)
		req.Header.Set("X-Client-ID", "kiosk-1")
		rec := httptest.NewRecorder()
		return e.NewContext(req, rec), rec
	}

	c, rec := newCtx()
	if err := h(c); err != nil {
		t.Fatalf("first request: %v", err)
	}
	if rec.Header().Get("X-RateLimit-Limit") != "1" || rec.Header().Get("X-RateLimit-Remaining") != "0" {
		t.Errorf("unexpected headers: %v", rec.Header())
	}

	c, _ = newCtx()
	err := h(c)
	if !apperr.HasCode(err, apperr.RateLimited) {
		t.Fatalf("expected RATE_LIMITED, got %v", err)
	}
	var appErr *apperr.Error
	if ae, ok := err.(*apperr.Error); ok {
		appErr = ae
	}
	if appErr == nil || appErr.RetryAfter != 30*time.Second {
		t.Errorf("expected RetryAfter 30s, got %+v", appErr)
	}
}
