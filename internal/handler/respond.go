package handler

import (
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/veranohaus/booking/internal/booking"
	"github.com/veranohaus/booking/internal/model"
)

// bookingView is the JSON shape shared by guest and admin responses.
// Payment fields appear only once the booking is locked; "verifying"
// mirrors the presence of a transaction hash on a PENDING booking so
// clients can poll a single field.
type bookingView struct {
	BookingID       string     `json:"booking_id"`
	UserID          uint64     `json:"user_id"`
	StayID          uint64     `json:"stay_id"`
	Status          string     `json:"status"`
	Verifying       bool       `json:"verifying"`
	RoomName        *string    `json:"room_name,omitempty"`
	PaymentToken    *string    `json:"payment_token,omitempty"`
	PaymentAmount   *string    `json:"payment_amount,omitempty"`
	AmountBaseUnits *string    `json:"amount_base_units,omitempty"`
	ChainID         *uint64    `json:"chain_id,omitempty"`
	TxHash          *string    `json:"tx_hash,omitempty"`
	ConfirmedAt     *time.Time `json:"confirmed_at,omitempty"`
	ExpiresAt       *time.Time `json:"expires_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

func newBookingView(b *model.Booking) bookingView {
	v := bookingView{
		BookingID:       b.BookingID,
		UserID:          b.UserID,
		StayID:          b.StayID,
		Status:          string(b.Status),
		Verifying:       b.Verifying(),
		RoomName:        b.RoomName,
		PaymentAmount:   b.PaymentAmount,
		AmountBaseUnits: b.AmountBaseUnits,
		ChainID:         b.ChainID,
		TxHash:          b.TxHash,
		ConfirmedAt:     b.ConfirmedAt,
		ExpiresAt:       b.ExpiresAt,
		CreatedAt:       b.CreatedAt,
		UpdatedAt:       b.UpdatedAt,
	}
	if b.PaymentToken != nil {
		t := string(*b.PaymentToken)
		v.PaymentToken = &t
	}
	return v
}

// respondError translates service errors into HTTP responses.  Status
// preconditions and replayed hashes are conflicts; malformed input is a
// 400; unknown ids are 404.  Anything unrecognized becomes a 500 with a
// generic body so internals never leak to clients.
func respondError(c echo.Context, err error) error {
	var ise *booking.InvalidStateError
	switch {
	case errors.Is(err, booking.ErrBookingNotFound),
		errors.Is(err, booking.ErrStayNotFound):
		return c.JSON(http.StatusNotFound, echo.Map{"error": err.Error()})
	case errors.As(err, &ise):
		return c.JSON(http.StatusConflict, echo.Map{
			"error":          ise.Error(),
			"current_status": string(ise.Current),
		})
	case errors.Is(err, booking.ErrTransactionAlreadyUsed),
		errors.Is(err, booking.ErrTokenMismatch):
		return c.JSON(http.StatusConflict, echo.Map{"error": err.Error()})
	case errors.Is(err, booking.ErrUnsupportedChain),
		errors.Is(err, booking.ErrUnsupportedToken),
		errors.Is(err, booking.ErrInvalidTxHash),
		errors.Is(err, booking.ErrInvalidAmount):
		return c.JSON(http.StatusBadRequest, echo.Map{"error": err.Error()})
	}
	c.Logger().Errorf("internal error: %v", err)
	return c.JSON(http.StatusInternalServerError, echo.Map{"error": "internal error"})
}
