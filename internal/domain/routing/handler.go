package routing

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/ehr/queue/internal/platform/apperr"
	"github.com/ehr/queue/internal/platform/auth"
)

type Handler struct {
	planner *Planner
}

func NewHandler(planner *Planner) *Handler {
	return &Handler{planner: planner}
}

func (h *Handler) RegisterRoutes(g *echo.Group) {
	r := g.Group("/route")
	r.POST("/create", h.HandleCreate, auth.RequireRole(auth.RoleKiosk, auth.RoleReception))
	r.GET("/:patientId", h.HandleGet)
}

type createRequest struct {
	PatientID string `json:"patientId"`
	ExamType  string `json:"examType"`
	Gender    string `json:"gender"`
}

// HandleCreate handles POST /route/create. An existing route is returned
// with sticky=true and status 200.
func (h *Handler) HandleCreate(c echo.Context) error {
	var req createRequest
	if err := c.Bind(&req); err != nil {
		return apperr.New(apperr.InvalidInput, "invalid request body")
	}
	route, created, err := h.planner.CreateRoute(c.Request().Context(), req.PatientID, req.ExamType, req.Gender)
	if err != nil {
		return err
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	return c.JSON(status, map[string]interface{}{
		"success": true,
		"route":   route,
		"current": route.Current(),
		"sticky":  !created,
	})
}

// HandleGet handles GET /route/:patientId.
func (h *Handler) HandleGet(c echo.Context) error {
	route, err := h.planner.Route(c.Request().Context(), c.Param("patientId"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"success": true,
		"route":   route,
		"current": route.Current(),
	})
}
