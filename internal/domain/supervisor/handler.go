package supervisor

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/ehr/queue/internal/platform/auth"
)

type Handler struct {
	sup *Supervisor
}

func NewHandler(sup *Supervisor) *Handler {
	return &Handler{sup: sup}
}

func (h *Handler) RegisterRoutes(g *echo.Group) {
	admin := g.Group("/admin", auth.RequireRole(auth.RoleAdmin))
	admin.POST("/sweep", h.HandleSweep)
	admin.POST("/reconcile", h.HandleReconcile)
}

// HandleSweep handles POST /admin/sweep.
func (h *Handler) HandleSweep(c echo.Context) error {
	report := h.sup.SweepOnce(c.Request().Context())
	return c.JSON(http.StatusOK, map[string]interface{}{
		"success": report.Failed() == 0,
		"report":  report,
	})
}

// HandleReconcile handles POST /admin/reconcile.
func (h *Handler) HandleReconcile(c echo.Context) error {
	report := h.sup.ReconcileAll(c.Request().Context())
	return c.JSON(http.StatusOK, map[string]interface{}{
		"success": report.Failed() == 0,
		"report":  report,
	})
}
