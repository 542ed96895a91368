package notification

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/ehr/queue/internal/platform/apperr"
	"github.com/ehr/queue/internal/platform/auth"
)

// Handler serves the recent event log.
type Handler struct {
	log *KVSink
}

func NewHandler(log *KVSink) *Handler {
	return &Handler{log: log}
}

func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/events", h.HandleRecent, auth.RequireRole(auth.RoleAdmin))
}

// HandleRecent handles GET /events?clinic=LAB&limit=50.
func (h *Handler) HandleRecent(c echo.Context) error {
	limit := 50
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 500 {
			return apperr.New(apperr.InvalidInput, "limit must be between 1 and 500")
		}
		limit = n
	}
	clinic := strings.ToUpper(strings.TrimSpace(c.QueryParam("clinic")))

	events, err := h.log.Recent(c.Request().Context(), clinic, limit)
	if err != nil {
		return apperr.Wrap(apperr.Internal, "list events", err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"success": true,
		"clinic":  clinic,
		"count":   len(events),
		"events":  events,
	})
}
