package middleware

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/ehr/queue/internal/platform/apperr"
	"github.com/ehr/queue/internal/platform/auth"
	"github.com/ehr/queue/internal/platform/clock"
	"github.com/ehr/queue/internal/platform/kv"
	"github.com/ehr/queue/internal/platform/metrics"
)

// ---------------------------------------------------------------------------
// Data structures
// ---------------------------------------------------------------------------

// RateLimitInfo describes one admission decision.
type RateLimitInfo struct {
	Allowed    bool          `json:"allowed"`
	Limit      int           `json:"limit"`
	Remaining  int           `json:"remaining"`
	Reset      time.Time     `json:"reset"`
	RetryAfter time.Duration `json:"retry_after"`
}

// FixedWindowLimiter admits at most limit requests per actor in each
// clock-aligned window. Counts live in the shared store under
// ratelimit:{actor}:{windowStart}, so every server process draws on the
// same budget.
type FixedWindowLimiter struct {
	counters kv.Counter
	limit    int
	window   time.Duration
	clock    clock.Clock
}

const rateLimitPrefix = "ratelimit:"

// ---------------------------------------------------------------------------
// Constructor
// ---------------------------------------------------------------------------

// NewFixedWindowLimiter returns a limiter admitting limit requests per
// window. Non-positive arguments fall back to 60 per minute.
func NewFixedWindowLimiter(counters kv.Counter, limit int, window time.Duration, clk clock.Clock) *FixedWindowLimiter {
	if limit <= 0 {
		limit = 60
	}
	if window <= 0 {
		window = time.Minute
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &FixedWindowLimiter{
		counters: counters,
		limit:    limit,
		window:   window,
		clock:    clk,
	}
}

// RateLimitKey is the counter key of actor for the window starting at start.
func RateLimitKey(actor string, start time.Time) string {
	return rateLimitPrefix + actor + ":" + strconv.FormatInt(start.Unix(), 10)
}

// ---------------------------------------------------------------------------
// Allow
// ---------------------------------------------------------------------------

// Allow counts one request for actor and reports whether it is admitted.
func (l *FixedWindowLimiter) Allow(ctx context.Context, actor string) (RateLimitInfo, error) {
	now := l.clock.Now()
	start := now.Truncate(l.window)
	reset := start.Add(l.window)

	n, err := l.counters.Incr(ctx, RateLimitKey(actor, start), l.window)
	if err != nil {
		return RateLimitInfo{}, fmt.Errorf("rate limit %s: %w", actor, err)
	}

	info := RateLimitInfo{Limit: l.limit, Reset: reset}
	if n > int64(l.limit) {
		info.RetryAfter = reset.Sub(now)
		return info, nil
	}
	info.Allowed = true
	info.Remaining = l.limit - int(n)
	return info, nil
}

// ---------------------------------------------------------------------------
// Echo middleware
// ---------------------------------------------------------------------------

// Middleware rejects requests over budget with RATE_LIMITED (429) and a
// Retry-After header. Admitted requests carry X-RateLimit-* headers.
func (l *FixedWindowLimiter) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			info, err := l.Allow(c.Request().Context(), ActorID(c))
			if err != nil {
				return apperr.Wrap(apperr.Internal, "rate limiter unavailable", err)
			}

			h := c.Response().Header()
			h.Set("X-RateLimit-Limit", strconv.Itoa(info.Limit))
			h.Set("X-RateLimit-Remaining", strconv.Itoa(info.Remaining))
			h.Set("X-RateLimit-Reset", strconv.FormatInt(info.Reset.Unix(), 10))

			if !info.Allowed {
				metrics.RecordRateLimited()
				return apperr.Busy(apperr.RateLimited, "rate limit exceeded", info.RetryAfter)
			}
			return next(c)
		}
	}
}

// ActorID identifies the caller for rate limiting and logs, in priority
// order: authenticated subject, X-Client-ID header, client IP.
func ActorID(c echo.Context) string {
	if uid := auth.UserIDFromContext(c.Request().Context()); uid != "" {
		return "user:" + uid
	}
	if cid := c.Request().Header.Get("X-Client-ID"); cid != "" {
		return "client:" + cid
	}
	return "ip:" + c.RealIP()
}
