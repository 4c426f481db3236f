package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/veranohaus/booking/internal/booking"
	"github.com/veranohaus/booking/internal/model"
)

// AdminHandler covers the operator side of the lifecycle: approving
// applications, expiring stale payment windows, recording refunds and
// auditing a booking's activity trail.
type AdminHandler struct {
	Svc *booking.Service
}

func NewAdminHandler(svc *booking.Service) *AdminHandler {
	return &AdminHandler{Svc: svc}
}

type approveReq struct {
	SessionExpiryMinutes int `json:"session_expiry_minutes"`
}

// Approve moves a WAITLISTED booking to PENDING, opening its payment
// window.  Approval stands even when the notification queue is down; in
// that case the response carries notification_warning so the operator
// can follow up by hand.
func (h *AdminHandler) Approve(c echo.Context) error {
	var req approveReq
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid body"})
	}
	if req.SessionExpiryMinutes < 0 {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "session_expiry_minutes must not be negative"})
	}

	b, warning, err := h.Svc.Approve(c.Request().Context(), c.Param("id"), req.SessionExpiryMinutes)
	if err != nil {
		return respondError(c, err)
	}
	resp := echo.Map{"booking": newBookingView(b)}
	if warning != "" {
		resp["notification_warning"] = warning
	}
	return c.JSON(http.StatusOK, resp)
}

// Cancel terminates a booking on the guest's behalf.  Same preconditions
// as the guest-facing cancel.
func (h *AdminHandler) Cancel(c echo.Context) error {
	b, err := h.Svc.Cancel(c.Request().Context(), c.Param("id"))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, newBookingView(b))
}

// Expire closes the payment window of a PENDING booking that never
// submitted a transaction.  Typically driven by an operator sweep over
// bookings whose expires_at has passed.
func (h *AdminHandler) Expire(c echo.Context) error {
	b, err := h.Svc.Expire(c.Request().Context(), c.Param("id"))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, newBookingView(b))
}

// Refund records that a confirmed payment was returned to the guest.
// The actual transfer happens off-platform; this endpoint only flips the
// ledger to REFUNDED while retaining the payment fields for audit.
func (h *AdminHandler) Refund(c echo.Context) error {
	b, err := h.Svc.MarkRefunded(c.Request().Context(), c.Param("id"))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, newBookingView(b))
}

type activityView struct {
	ID        uint64          `json:"id"`
	Action    string          `json:"action"`
	Detail    json.RawMessage `json:"detail,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// Activity returns the append-only event trail of a booking, oldest
// entry first.
func (h *AdminHandler) Activity(c echo.Context) error {
	entries, err := h.Svc.Activity(c.Request().Context(), c.Param("id"))
	if err != nil {
		return respondError(c, err)
	}
	out := make([]activityView, 0, len(entries))
	for _, e := range entries {
		out = append(out, newActivityView(e))
	}
	return c.JSON(http.StatusOK, out)
}

func newActivityView(e model.ActivityLog) activityView {
	v := activityView{ID: e.ID, Action: e.Action, CreatedAt: e.CreatedAt}
	if json.Valid([]byte(e.Detail)) {
		v.Detail = json.RawMessage(e.Detail)
	}
	return v
}
