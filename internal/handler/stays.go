package handler

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/veranohaus/booking/internal/model"
	"github.com/veranohaus/booking/internal/repository"
)

// StayHandler serves the public stay catalog.  The catalog is read-only
// here; rows are managed directly in the database.
type StayHandler struct {
	Stays *repository.StayRepo
}

func NewStayHandler(stays *repository.StayRepo) *StayHandler {
	return &StayHandler{Stays: stays}
}

type stayView struct {
	ID            uint64    `json:"id"`
	Title         string    `json:"title"`
	Slots         uint32    `json:"slots"`
	RoomPriceUSDC *string   `json:"room_price_usdc,omitempty"`
	RoomPriceUSDT *string   `json:"room_price_usdt,omitempty"`
	StartsAt      time.Time `json:"starts_at"`
	EndsAt        time.Time `json:"ends_at"`
}

func newStayView(s *model.Stay) stayView {
	return stayView{
		ID:            s.ID,
		Title:         s.Title,
		Slots:         s.Slots,
		RoomPriceUSDC: s.RoomPriceUSDC,
		RoomPriceUSDT: s.RoomPriceUSDT,
		StartsAt:      s.StartsAt,
		EndsAt:        s.EndsAt,
	}
}

// List returns all stays ordered by start date.
func (h *StayHandler) List(c echo.Context) error {
	stays, err := h.Stays.List(c.Request().Context())
	if err != nil {
		c.Logger().Errorf("list stays: %v", err)
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "internal error"})
	}
	out := make([]stayView, 0, len(stays))
	for i := range stays {
		out = append(out, newStayView(&stays[i]))
	}
	return c.JSON(http.StatusOK, out)
}

// Get returns a single stay by id.
func (h *StayHandler) Get(c echo.Context) error {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid stay id"})
	}
	s, err := h.Stays.GetByID(c.Request().Context(), id)
	if err != nil {
		if err == repository.ErrNotFound {
			return c.JSON(http.StatusNotFound, echo.Map{"error": "stay not found"})
		}
		c.Logger().Errorf("get stay: %v", err)
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "internal error"})
	}
	return c.JSON(http.StatusOK, newStayView(s))
}
