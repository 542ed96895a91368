package pin

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/ehr/queue/internal/platform/apperr"
	"github.com/ehr/queue/internal/platform/auth"
)

// HeaderIdempotencyKey carries the client's retry key for /pin/assign.
const HeaderIdempotencyKey = "Idempotency-Key"

type Handler struct {
	pool *Pool
}

func NewHandler(pool *Pool) *Handler {
	return &Handler{pool: pool}
}

func (h *Handler) RegisterRoutes(g *echo.Group) {
	p := g.Group("/pin")
	p.POST("/assign", h.HandleAssign, auth.RequireRole(auth.RoleClinician))
	p.GET("/status", h.HandleStatus, auth.RequireRole(auth.RoleClinician))
	p.POST("/expand", h.HandleExpand, auth.RequireRole(auth.RoleAdmin))
}

type assignRequest struct {
	ClinicID string `json:"clinicId"`
}

// HandleAssign handles POST /pin/assign.
func (h *Handler) HandleAssign(c echo.Context) error {
	var req assignRequest
	if err := c.Bind(&req); err != nil {
		return apperr.New(apperr.InvalidInput, "invalid request body")
	}
	if req.ClinicID == "" {
		req.ClinicID = c.QueryParam("clinic")
	}
	a, err := h.pool.Assign(c.Request().Context(), req.ClinicID, c.Request().Header.Get(HeaderIdempotencyKey))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"success":    true,
		"assignment": a,
	})
}

type expandRequest struct {
	ClinicID string `json:"clinicId"`
	Count    int    `json:"count"`
}

// HandleExpand handles POST /pin/expand.
func (h *Handler) HandleExpand(c echo.Context) error {
	var req expandRequest
	if err := c.Bind(&req); err != nil {
		return apperr.New(apperr.InvalidInput, "invalid request body")
	}
	x, err := h.pool.Expand(c.Request().Context(), req.ClinicID, req.Count)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"success":   true,
		"expansion": x,
	})
}

// HandleStatus handles GET /pin/status?clinic=LAB.
func (h *Handler) HandleStatus(c echo.Context) error {
	st, err := h.pool.Status(c.Request().Context(), c.QueryParam("clinic"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"success": true,
		"status":  st,
	})
}
