package handler

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/veranohaus/booking/internal/booking"
)

// BookingHandler exposes the guest-facing booking flow: apply for a
// stay, lock a payment, submit a transaction hash and poll status.
type BookingHandler struct {
	Svc *booking.Service
}

func NewBookingHandler(svc *booking.Service) *BookingHandler {
	return &BookingHandler{Svc: svc}
}

type applyReq struct {
	UserID       uint64  `json:"user_id"`
	StayID       uint64  `json:"stay_id"`
	ContactEmail *string `json:"contact_email,omitempty"`
	RoomName     *string `json:"room_name,omitempty"`
}

// Apply creates (or revives) a booking for a (user, stay) pair.  A guest
// whose previous attempt ended in a terminal status gets the same row
// back, reset to WAITLISTED.
func (h *BookingHandler) Apply(c echo.Context) error {
	var req applyReq
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid body"})
	}
	if req.UserID == 0 || req.StayID == 0 {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "user_id and stay_id required"})
	}
	if req.ContactEmail != nil {
		e := strings.TrimSpace(*req.ContactEmail)
		if e == "" || !strings.Contains(e, "@") {
			return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid contact_email"})
		}
		req.ContactEmail = &e
	}

	b, err := h.Svc.Apply(c.Request().Context(), req.UserID, req.StayID, req.ContactEmail, req.RoomName)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusCreated, newBookingView(b))
}

type lockReq struct {
	Token   string `json:"token"`
	Amount  string `json:"amount"`
	ChainID uint64 `json:"chain_id"`
}

// Lock pins a PENDING booking to a token, amount and chain.  Repeating
// the call with identical parameters is a no-op; any other combination
// while locked is rejected as a conflict.
func (h *BookingHandler) Lock(c echo.Context) error {
	var req lockReq
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid body"})
	}
	b, err := h.Svc.LockPayment(c.Request().Context(), c.Param("id"), req.Token, req.Amount, req.ChainID)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, newBookingView(b))
}

type submitReq struct {
	TxHash  string `json:"tx_hash"`
	ChainID uint64 `json:"chain_id"`
	Token   string `json:"token"`
}

// SubmitPayment attaches a transaction hash to a locked booking and
// queues background verification.  The response reports "verifying";
// clients learn the verdict by polling Get.
func (h *BookingHandler) SubmitPayment(c echo.Context) error {
	var req submitReq
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid body"})
	}
	b, err := h.Svc.SubmitPayment(c.Request().Context(), c.Param("id"), req.TxHash, req.ChainID, req.Token)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusAccepted, echo.Map{
		"status":  "verifying",
		"booking": newBookingView(b),
	})
}

// Get returns the current booking state for status polling.
func (h *BookingHandler) Get(c echo.Context) error {
	b, err := h.Svc.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, newBookingView(b))
}

// Cancel withdraws a booking before payment.  Guests may cancel while
// WAITLISTED or while PENDING without a submitted transaction.
func (h *BookingHandler) Cancel(c echo.Context) error {
	b, err := h.Svc.Cancel(c.Request().Context(), c.Param("id"))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, newBookingView(b))
}
