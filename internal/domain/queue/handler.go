package queue

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/ehr/queue/internal/platform/apperr"
	"github.com/ehr/queue/internal/platform/auth"
	"github.com/ehr/queue/internal/platform/idempotency"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(g *echo.Group) {
	q := g.Group("/queue")
	q.POST("/enter", h.HandleEnter, auth.RequireRole(auth.RoleKiosk, auth.RoleReception))
	q.POST("/call", h.HandleCall, auth.RequireRole(auth.RoleClinician, auth.RoleReception))
	q.POST("/start", h.HandleStart, auth.RequireRole(auth.RoleClinician))
	q.POST("/done", h.HandleDone, auth.RequireRole(auth.RoleClinician, auth.RoleKiosk))
	q.POST("/cancel", h.HandleCancel, auth.RequireRole(auth.RoleReception, auth.RoleKiosk))
	q.GET("/status", h.HandleStatus)
	q.GET("/position", h.HandlePosition)
}

type ticketRequest struct {
	ClinicID  string `json:"clinicId"`
	PatientID string `json:"patientId"`
	Pin       string `json:"pin,omitempty"`
}

func bindTicketRequest(c echo.Context) (ticketRequest, error) {
	var req ticketRequest
	if err := c.Bind(&req); err != nil {
		return req, apperr.New(apperr.InvalidInput, "invalid request body")
	}
	return req, nil
}

// EnterScope ties a header-less enter retry to the patient's last finished
// visit, so entering again after DONE is a new request.
func (h *Handler) EnterScope() idempotency.ScopeFunc {
	return h.visitScope(func(v Visit) string { return "settled:" + strconv.FormatUint(v.Settled, 10) })
}

// DoneScope ties a header-less done retry to the patient's newest ticket.
func (h *Handler) DoneScope() idempotency.ScopeFunc {
	return h.visitScope(func(v Visit) string { return "latest:" + strconv.FormatUint(v.Latest, 10) })
}

func (h *Handler) visitScope(pick func(Visit) string) idempotency.ScopeFunc {
	return func(ctx context.Context, body []byte) (string, error) {
		var req ticketRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return "", nil
		}
		v, err := h.svc.Visit(ctx, req.ClinicID, req.PatientID)
		var ae *apperr.Error
		if errors.As(err, &ae) {
			// Rejected by the handler anyway.
			return "", nil
		}
		if err != nil {
			return "", err
		}
		return h.svc.Today() + ":" + pick(v), nil
	}
}

// HandleEnter handles POST /queue/enter.
func (h *Handler) HandleEnter(c echo.Context) error {
	req, err := bindTicketRequest(c)
	if err != nil {
		return err
	}
	res, err := h.svc.Enter(c.Request().Context(), req.ClinicID, req.PatientID)
	if err != nil {
		return err
	}
	status := http.StatusCreated
	if res.Existing {
		status = http.StatusOK
	}
	return c.JSON(status, map[string]interface{}{
		"success":              true,
		"ticket":               res.Ticket,
		"existing":             res.Existing,
		"ahead":                res.Ahead,
		"totalWaiting":         res.TotalWaiting,
		"estimatedWaitMinutes": res.EstimatedWaitMinutes,
	})
}

// HandleCall handles POST /queue/call.
func (h *Handler) HandleCall(c echo.Context) error {
	req, err := bindTicketRequest(c)
	if err != nil {
		return err
	}
	t, err := h.svc.Call(c.Request().Context(), req.ClinicID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"success": true,
		"ticket":  t,
	})
}

// HandleStart handles POST /queue/start.
func (h *Handler) HandleStart(c echo.Context) error {
	req, err := bindTicketRequest(c)
	if err != nil {
		return err
	}
	t, err := h.svc.StartService(c.Request().Context(), req.ClinicID, req.PatientID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"success": true,
		"ticket":  t,
	})
}

// HandleDone handles POST /queue/done. The body carries the station PIN.
func (h *Handler) HandleDone(c echo.Context) error {
	req, err := bindTicketRequest(c)
	if err != nil {
		return err
	}
	res, err := h.svc.Exit(c.Request().Context(), req.ClinicID, req.PatientID, req.Pin)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"success": true,
		"result":  res,
	})
}

// HandleCancel handles POST /queue/cancel.
func (h *Handler) HandleCancel(c echo.Context) error {
	req, err := bindTicketRequest(c)
	if err != nil {
		return err
	}
	t, err := h.svc.Cancel(c.Request().Context(), req.ClinicID, req.PatientID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"success": true,
		"ticket":  t,
	})
}

// HandleStatus handles GET /queue/status?clinic=LAB.
func (h *Handler) HandleStatus(c echo.Context) error {
	snap, err := h.svc.Snapshot(c.Request().Context(), c.QueryParam("clinic"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"success": true,
		"queue":   snap,
	})
}

// HandlePosition handles GET /queue/position?clinic=LAB&patientId=P1.
func (h *Handler) HandlePosition(c echo.Context) error {
	pos, err := h.svc.Position(c.Request().Context(), c.QueryParam("clinic"), c.QueryParam("patientId"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"success":  true,
		"position": pos,
	})
}
