package router

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/veranohaus/booking/internal/handler"
	"github.com/veranohaus/booking/internal/middleware"
)

// RegisterRoutes wires the health check and the Prometheus scrape
// endpoint.  Both are unauthenticated.
func RegisterRoutes(e *echo.Echo) {
	e.GET("/healthz", handler.Health)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
}

// RegisterAuth exposes the operator login endpoint under /v1/auth.
func RegisterAuth(e *echo.Echo, a *handler.AuthHandler) {
	e.POST("/v1/auth/login", a.Login)
}

// RegisterPublic wires the stay catalog.  Guests browse stays without
// any authentication.
func RegisterPublic(e *echo.Echo, s *handler.StayHandler) {
	e.GET("/v1/stays", s.List)
	e.GET("/v1/stays/:id", s.Get)
}

// RegisterBooking wires the guest booking flow.  Booking ids are opaque
// UUIDs, which is the only capability a guest needs to act on a booking.
// The token-bucket limiter guards the mutating payment routes.
func RegisterBooking(e *echo.Echo, b *handler.BookingHandler, limiter echo.MiddlewareFunc) {
	g := e.Group("/v1/bookings")
	g.POST("/apply", b.Apply, limiter)
	g.GET("/:id", b.Get)
	g.POST("/:id/lock", b.Lock, limiter)
	g.POST("/:id/payment", b.SubmitPayment, limiter)
	g.POST("/:id/cancel", b.Cancel)
}

// RegisterAdmin wires the operator endpoints under /v1/admin.  Every
// route requires a valid access token with the ADMIN role.
func RegisterAdmin(e *echo.Echo, a *handler.AdminHandler, jwtSecret string) {
	g := e.Group("/v1/admin")
	g.Use(middleware.JWTAuth(jwtSecret))
	g.Use(middleware.RequireRole("ADMIN"))

	g.POST("/bookings/:id/approve", a.Approve)
	g.POST("/bookings/:id/cancel", a.Cancel)
	g.POST("/bookings/:id/expire", a.Expire)
	g.POST("/bookings/:id/refund", a.Refund)
	g.GET("/bookings/:id/activity", a.Activity)
}
