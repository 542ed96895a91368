package settings

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/ehr/queue/internal/platform/apperr"
	"github.com/ehr/queue/internal/platform/auth"
)

type Handler struct {
	provider *Provider
}

func NewHandler(p *Provider) *Handler {
	return &Handler{provider: p}
}

func (h *Handler) RegisterRoutes(g *echo.Group) {
	admin := g.Group("/admin/settings", auth.RequireRole(auth.RoleAdmin))
	admin.GET("", h.HandleGet)
	admin.PUT("", h.HandleUpdate)
	admin.POST("/reset", h.HandleReset)
}

// HandleGet handles GET /admin/settings.
func (h *Handler) HandleGet(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"success":  true,
		"settings": h.provider.Snapshot(c.Request().Context()),
		"defaults": h.provider.Defaults(),
	})
}

// HandleUpdate handles PUT /admin/settings with a partial body.
func (h *Handler) HandleUpdate(c echo.Context) error {
	var patch Patch
	if err := c.Bind(&patch); err != nil {
		return apperr.New(apperr.InvalidInput, "invalid settings body")
	}
	s, err := h.provider.Update(c.Request().Context(), patch)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"success":  true,
		"settings": s,
	})
}

// HandleReset handles POST /admin/settings/reset.
func (h *Handler) HandleReset(c echo.Context) error {
	s, err := h.provider.Reset(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"success":  true,
		"settings": s,
	})
}
