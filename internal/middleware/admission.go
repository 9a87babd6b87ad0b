package middleware // declare the middleware package; contains reusable HTTP middleware functions

import (
	"net/http" // HTTP status codes for responses
	"strings"  // string utilities for prefix checking and trimming

	"github.com/labstack/echo/v4" // Echo framework used for defining middleware and handlers

	"github.com/iliyamo/concert-reservation/internal/utils"
)

// RequireAdmission returns an Echo middleware that validates a Bearer
// admission token and injects the admitted user and schedule into the
// request context.  Seat hold and payment routes wrap themselves in
// this middleware so only users who passed the waiting room can reach
// them.  Handlers read the admitted identity via c.Get("user_id") and
// c.Get("schedule_id"), both uint64.
func RequireAdmission(secret string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			auth := c.Request().Header.Get("Authorization")
			if !strings.HasPrefix(auth, "Bearer ") {
				return c.JSON(http.StatusUnauthorized, echo.Map{"error": "missing admission token"})
			}
			raw := strings.TrimPrefix(auth, "Bearer ")

			userID, scheduleID, err := utils.ParseAdmissionToken(secret, raw)
			if err != nil {
				// Expired tokens land here too: the flow budget lapsed and
				// the user has to re-enter the queue.
				return c.JSON(http.StatusUnauthorized, echo.Map{"error": "invalid or expired admission token"})
			}

			c.Set("user_id", userID)
			c.Set("schedule_id", scheduleID)
			return next(c)
		}
	}
}
