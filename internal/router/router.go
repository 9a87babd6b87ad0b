package router // package router defines how HTTP routes are registered for the API

import (
	"github.com/labstack/echo/v4" // import the Echo web framework to handle routing

	"github.com/iliyamo/concert-reservation/internal/handler"    // handlers translating HTTP to the core services
	"github.com/iliyamo/concert-reservation/internal/middleware" // admission-token and rate-limit middleware
)

// RegisterRoutes registers routes that do not require an admission
// token on the provided Echo instance.  Currently it exposes only a
// health check used by load balancers and monitoring.
func RegisterRoutes(e *echo.Echo) {
	e.GET("/healthz", handler.Health)
}

// RegisterQueue registers the waiting-room surface.  Entry is the
// stampede endpoint, so the caller passes the rate-limit middleware to
// apply there; status polling and the SSE stream stay unthrottled since
// they are cheap reads against the user's own key.
func RegisterQueue(e *echo.Echo, q *handler.QueueHandler, rateLimit echo.MiddlewareFunc) {
	g := e.Group("/v1/queue")
	g.POST("/:scheduleId/enter", q.Enter, rateLimit)
	g.GET("/status", q.Status)
	g.GET("/stream", q.Subscribe)
	g.DELETE("", q.Leave)
	g.DELETE("/:scheduleId", q.Close)
}

// RegisterReservation registers the protected reservation flow.  Every
// route requires a valid admission token: only users who made it
// through the waiting room can hold seats or pay.
func RegisterReservation(e *echo.Echo, r *handler.ReservationHandler, jwtSecret string) {
	g := e.Group("/v1/schedules")
	g.Use(middleware.RequireAdmission(jwtSecret))
	g.POST("/:scheduleId/hold", r.HoldSeats)
	g.DELETE("/:scheduleId/hold", r.ReleaseSeats)
	g.POST("/:scheduleId/pay", r.PayAndReserve)
}
