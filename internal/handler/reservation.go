package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/concert-reservation/internal/repository"
	"github.com/iliyamo/concert-reservation/internal/service"
)

// ReservationHandler exposes the protected reservation flow: holding
// seats, releasing them, and paying.  All routes are wrapped in the
// admission middleware, so the user and schedule in the context come
// from a verified admission token; the path schedule must match the
// admitted one to stop token reuse across schedules.
type ReservationHandler struct {
	Holds *service.SeatHoldService
	Saga  *service.SagaService
}

// NewReservationHandler constructs a ReservationHandler.  Both
// dependencies must be non-nil.
func NewReservationHandler(holds *service.SeatHoldService, saga *service.SagaService) *ReservationHandler {
	if holds == nil || saga == nil {
		panic("nil dependency passed to NewReservationHandler")
	}
	return &ReservationHandler{Holds: holds, Saga: saga}
}

// admitted pulls the verified identity out of the context and checks it
// against the path schedule.
func admitted(c echo.Context) (userID, scheduleID uint64, ok bool) {
	userID, _ = c.Get("user_id").(uint64)
	scheduleID, _ = c.Get("schedule_id").(uint64)
	pathID, err := strconv.ParseUint(c.Param("scheduleId"), 10, 64)
	if err != nil || pathID == 0 || pathID != scheduleID || userID == 0 {
		return 0, 0, false
	}
	return userID, scheduleID, true
}

// HoldSeats handles POST /v1/schedules/:scheduleId/hold.  The body
// carries the seat batch and the caller's idempotency key.  The
// response is 201 with the priced batch on success, 409 when any seat
// is already held by someone else (no partial holds remain), and 200
// with replayed=true when the same key retries.
func (h *ReservationHandler) HoldSeats(c echo.Context) error {
	userID, scheduleID, ok := admitted(c)
	if !ok {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}
	var body struct {
		SeatIDs        []uint64 `json:"seat_ids"`
		IdempotencyKey string   `json:"idempotency_key"`
	}
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
	}
	if body.IdempotencyKey == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "idempotency_key is required"})
	}
	res, err := h.Holds.Hold(c.Request().Context(), scheduleID, body.SeatIDs, userID, body.IdempotencyKey)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrSeatAlreadyHeld):
			return c.JSON(http.StatusConflict, echo.Map{"error": "seat already held"})
		case errors.Is(err, service.ErrEmptyBatch), errors.Is(err, service.ErrUnknownSeat):
			return c.JSON(http.StatusBadRequest, echo.Map{"error": err.Error()})
		case errors.Is(err, repository.ErrStoreUnavailable):
			return c.JSON(http.StatusServiceUnavailable, echo.Map{"error": "store unavailable, retry"})
		}
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "failed to hold seats"})
	}
	status := http.StatusCreated
	if res.Replayed {
		status = http.StatusOK
	}
	return c.JSON(status, res)
}

// ReleaseSeats handles DELETE /v1/schedules/:scheduleId/hold.  It
// releases the caller's holds on the listed seats; absent or expired
// holds are skipped.  Returns the number of seats actually released.
func (h *ReservationHandler) ReleaseSeats(c echo.Context) error {
	userID, scheduleID, ok := admitted(c)
	if !ok {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}
	var body struct {
		SeatIDs []uint64 `json:"seat_ids"`
	}
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
	}
	released, err := h.Holds.Release(c.Request().Context(), scheduleID, body.SeatIDs, userID)
	if err != nil {
		if errors.Is(err, repository.ErrStoreUnavailable) {
			return c.JSON(http.StatusServiceUnavailable, echo.Map{"error": "store unavailable, retry"})
		}
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "failed to release holds"})
	}
	return c.JSON(http.StatusOK, echo.Map{"released": released})
}

// PayAndReserve handles POST /v1/schedules/:scheduleId/pay.  It drives
// the full saga: verify holds, debit, consume holds, create the
// reservation, credit reward.  The idempotency key must be the one the
// holds were created with: ownership is keyed by (user, key), so paying
// with a different key reads as the holds being gone.  A retry with the
// same key replays the recorded terminal result.  Error mapping: 402
// for an insufficient balance, 409 when the holds expired mid-flow (or
// the key does not match the hold), 500 with a distinct message when
// compensation itself failed.
func (h *ReservationHandler) PayAndReserve(c echo.Context) error {
	userID, scheduleID, ok := admitted(c)
	if !ok {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}
	var body struct {
		SeatIDs        []uint64 `json:"seat_ids"`
		IdempotencyKey string   `json:"idempotency_key"`
		PayForCents    uint32   `json:"pay_for_cents"`
		DiscountCents  uint32   `json:"discount_cents"`
	}
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
	}
	if body.IdempotencyKey == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "idempotency_key is required"})
	}
	result, err := h.Saga.PayAndReserve(c.Request().Context(), service.PayAndReserveRequest{
		IdempotencyKey: body.IdempotencyKey,
		ScheduleID:     scheduleID,
		SeatIDs:        body.SeatIDs,
		UserID:         userID,
		PayForCents:    body.PayForCents,
		DiscountCents:  body.DiscountCents,
	})
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrInsufficientBalance):
			return c.JSON(http.StatusPaymentRequired, echo.Map{"error": "insufficient balance"})
		case errors.Is(err, repository.ErrSeatHoldExpired):
			return c.JSON(http.StatusConflict, echo.Map{"error": "seat holds expired or were made with a different idempotency key, restart from hold"})
		case errors.Is(err, service.ErrSagaInProgress):
			return c.JSON(http.StatusConflict, echo.Map{"error": "payment already in progress"})
		case errors.Is(err, service.ErrInvalidAmount):
			return c.JSON(http.StatusBadRequest, echo.Map{"error": err.Error()})
		case errors.Is(err, service.ErrCompensationFailed):
			return c.JSON(http.StatusInternalServerError, echo.Map{"error": "payment failed and rollback incomplete; support has been notified"})
		case errors.Is(err, repository.ErrStoreUnavailable):
			return c.JSON(http.StatusServiceUnavailable, echo.Map{"error": "store unavailable, retry"})
		}
		// Compensated step failure: committed effects were rolled back.
		if result != nil {
			return c.JSON(http.StatusConflict, echo.Map{"error": "payment failed, all changes rolled back", "status": result.Status})
		}
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "payment failed"})
	}
	return c.JSON(http.StatusOK, result)
}
