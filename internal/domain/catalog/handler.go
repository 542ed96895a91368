package catalog

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

type Handler struct {
	catalog *Catalog
}

func NewHandler(c *Catalog) *Handler {
	return &Handler{catalog: c}
}

func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/catalog", h.HandleGet)
}

// HandleGet handles GET /catalog.
func (h *Handler) HandleGet(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"success":   true,
		"clinics":   h.catalog.Clinics(),
		"templates": h.catalog.Templates(),
	})
}
