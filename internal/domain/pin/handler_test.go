package pin

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/queue/internal/platform/apperr"
	"github.com/ehr/queue/internal/platform/auth"
)

func newRouter(env *testEnv, roles ...string) *echo.Echo {
	e := echo.New()
	e.HTTPErrorHandler = apperr.HTTPErrorHandler(zerolog.Nop())
	g := e.Group("/api/v1", func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx := auth.WithIdentity(c.Request().Context(), "station-1", roles)
			c.SetRequest(c.Request().WithContext(ctx))
			return next(c)
		}
	})
	NewHandler(env.pool).RegisterRoutes(g)
	return e
}

func assign(e *echo.Echo, body, key string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/pin/assign", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	if key != "" {
		req.Header.Set(HeaderIdempotencyKey, key)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestHandleAssign(t *testing.T) {
	env := newTestEnv(t, 2, 1)
	e := newRouter(env, auth.RoleClinician)

	rec := assign(e, `{"clinicId":"LAB"}`, "abc")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var body struct {
		Assignment Assignment `json:"assignment"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Assignment.Pin != "01" || body.Assignment.Replayed {
		t.Errorf("unexpected assignment: %+v", body.Assignment)
	}

	rec = assign(e, `{"clinicId":"LAB"}`, "abc")
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Assignment.Pin != "01" || !body.Assignment.Replayed {
		t.Errorf("expected replayed 01, got %+v", body.Assignment)
	}
}

func TestHandleAssign_Exhausted(t *testing.T) {
	env := newTestEnv(t, 1, 0)
	e := newRouter(env, auth.RoleClinician)

	if rec := assign(e, `{"clinicId":"LAB"}`, ""); rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	rec := assign(e, `{"clinicId":"LAB"}`, "")
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), string(apperr.ResourceExhausted)) {
		t.Errorf("expected RESOURCE_EXHAUSTED body, got %s", rec.Body.String())
	}
}

func TestHandleAssign_RequiresClinician(t *testing.T) {
	env := newTestEnv(t, 20, 10)
	e := newRouter(env, auth.RoleKiosk)

	rec := assign(e, `{"clinicId":"LAB"}`, "")
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
}

func TestHandleStatus(t *testing.T) {
	env := newTestEnv(t, 20, 10)
	e := newRouter(env, auth.RoleAdmin)
	assign(e, `{"clinicId":"LAB"}`, "")

	req := httptest.NewRequest(http.MethodGet, "/api/v1/pin/status?clinic=LAB", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body struct {
		Status Status `json:"status"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if !body.Status.Initialized || body.Status.Issued != 1 || body.Status.AvailableLeft != 19 {
		t.Errorf("unexpected status: %+v", body.Status)
	}
}

func TestHandleExpand_AdminOnly(t *testing.T) {
	env := newTestEnv(t, 1, 0)
	body := `{"clinicId":"LAB","count":2}`

	expand := func(e *echo.Echo) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/pin/expand", strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)
		return rec
	}

	if rec := expand(newRouter(env, auth.RoleClinician)); rec.Code != http.StatusForbidden {
		t.Fatalf("clinician: expected 403, got %d", rec.Code)
	}

	admin := newRouter(env, auth.RoleAdmin)
	if rec := assign(admin, `{"clinicId":"LAB"}`, ""); rec.Code != http.StatusOK {
		t.Fatalf("assign: %d", rec.Code)
	}
	if rec := assign(admin, `{"clinicId":"LAB"}`, ""); rec.Code != http.StatusConflict {
		t.Fatalf("pool should be exhausted, got %d", rec.Code)
	}

	rec := expand(admin)
	if rec.Code != http.StatusOK {
		t.Fatalf("admin expand: %d %s", rec.Code, rec.Body.String())
	}
	var res struct {
		Expansion Expansion `json:"expansion"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatal(err)
	}
	if strings.Join(res.Expansion.Added, ",") != "02,03" {
		t.Errorf("added = %v, want [02 03]", res.Expansion.Added)
	}

	if rec := assign(admin, `{"clinicId":"LAB"}`, ""); rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"pin":"02"`) {
		t.Errorf("assign after expand: %d %s", rec.Code, rec.Body.String())
	}
}

func TestHandleExpand_BadCount(t *testing.T) {
	env := newTestEnv(t, 1, 0)
	e := newRouter(env, auth.RoleAdmin)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/pin/expand", strings.NewReader(`{"clinicId":"LAB","count":0}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}
