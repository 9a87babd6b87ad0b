package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/concert-reservation/internal/repository"
	"github.com/iliyamo/concert-reservation/internal/service"
	"github.com/iliyamo/concert-reservation/internal/stream"
)

// QueueHandler exposes the waiting room: entering the queue, polling
// rank, and the SSE status stream.  It is a thin translator between
// HTTP and the admission controller; every correctness-relevant
// decision happens inside the service and its atomic store.
type QueueHandler struct {
	Admission *service.AdmissionService
	Registry  *stream.Registry
}

// NewQueueHandler constructs a QueueHandler.  Both dependencies must be
// non-nil.
func NewQueueHandler(admission *service.AdmissionService, registry *stream.Registry) *QueueHandler {
	if admission == nil || registry == nil {
		panic("nil dependency passed to NewQueueHandler")
	}
	return &QueueHandler{Admission: admission, Registry: registry}
}

// Enter handles POST /v1/queue/:scheduleId/enter.  The body carries the
// user ID; the response either admits the user immediately (with their
// admission token) or reports their queue rank.  Being queued is a 200,
// not an error.  A store outage is a 503: the request fails closed.
func (h *QueueHandler) Enter(c echo.Context) error {
	scheduleID, err := strconv.ParseUint(c.Param("scheduleId"), 10, 64)
	if err != nil || scheduleID == 0 {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid schedule id"})
	}
	var body struct {
		UserID uint64 `json:"user_id"`
	}
	if err := c.Bind(&body); err != nil || body.UserID == 0 {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "user_id is required"})
	}
	res, err := h.Admission.EnterOrAdmit(c.Request().Context(), body.UserID, scheduleID)
	if err != nil {
		if errors.Is(err, repository.ErrStoreUnavailable) {
			return c.JSON(http.StatusServiceUnavailable, echo.Map{"error": "store unavailable, retry"})
		}
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "failed to enter queue"})
	}
	return c.JSON(http.StatusOK, res)
}

// Status handles GET /v1/queue/status?user_key=...  It is the
// non-mutating poll fallback for clients without an SSE connection.
func (h *QueueHandler) Status(c echo.Context) error {
	userKey := c.QueryParam("user_key")
	if userKey == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "user_key is required"})
	}
	status, token, err := h.Admission.PollStatus(c.Request().Context(), userKey)
	if err != nil {
		if errors.Is(err, repository.ErrNotQueued) {
			return c.JSON(http.StatusNotFound, echo.Map{"error": "not queued"})
		}
		if errors.Is(err, repository.ErrStoreUnavailable) {
			return c.JSON(http.StatusServiceUnavailable, echo.Map{"error": "store unavailable, retry"})
		}
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "failed to load status"})
	}
	if token != "" {
		return c.JSON(http.StatusOK, echo.Map{"admitted": true, "token": token})
	}
	return c.JSON(http.StatusOK, echo.Map{
		"admitted":      false,
		"rank":          status.Rank,
		"total_waiting": status.TotalWaiting,
	})
}

// Leave handles DELETE /v1/queue?user_key=...  A user abandoning the
// flow gives back their queue entry and, if admitted, their permit.
// The operation is idempotent, so repeating it returns 204 as well.
func (h *QueueHandler) Leave(c echo.Context) error {
	userKey := c.QueryParam("user_key")
	if userKey == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "user_key is required"})
	}
	if err := h.Admission.Leave(c.Request().Context(), userKey); err != nil {
		if errors.Is(err, repository.ErrStoreUnavailable) {
			return c.JSON(http.StatusServiceUnavailable, echo.Map{"error": "store unavailable, retry"})
		}
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "failed to leave queue"})
	}
	return c.NoContent(http.StatusNoContent)
}

// Close handles DELETE /v1/queue/:scheduleId, the ops surface invoked
// when a schedule's sales window closes.  The admission window, waiting
// queue and key index are wiped so a reopened sale admits from zero.
func (h *QueueHandler) Close(c echo.Context) error {
	scheduleID, err := strconv.ParseUint(c.Param("scheduleId"), 10, 64)
	if err != nil || scheduleID == 0 {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid schedule id"})
	}
	if err := h.Admission.CloseSchedule(c.Request().Context(), scheduleID); err != nil {
		if errors.Is(err, repository.ErrStoreUnavailable) {
			return c.JSON(http.StatusServiceUnavailable, echo.Map{"error": "store unavailable, retry"})
		}
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "failed to close schedule"})
	}
	return c.NoContent(http.StatusNoContent)
}

// Subscribe handles GET /v1/queue/stream?user_key=... as an SSE stream.
// The connection registers itself in the local registry and then writes
// every status message the fan-out delivers for this user key.  The
// stream ends when the user is admitted (the admitted event is the
// final payload) or when the client disconnects; both paths deregister
// the connection, and a disconnect of a still-queued user also drops
// their queue entry so they stop occupying a rank.
func (h *QueueHandler) Subscribe(c echo.Context) error {
	userKey := c.QueryParam("user_key")
	if userKey == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "user_key is required"})
	}

	w := c.Response()
	w.Header().Set(echo.HeaderContentType, "text/event-stream")
	w.Header().Set(echo.HeaderCacheControl, "no-cache")
	w.Header().Set(echo.HeaderConnection, "keep-alive")
	w.WriteHeader(http.StatusOK)
	w.Flush()

	updates, deregister := h.Registry.Register(userKey)
	defer deregister()

	ctx := c.Request().Context()
	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			// Client went away; a queued user also leaves the queue.  The
			// request context is already cancelled, so cleanup gets its own.
			cleanupCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			_ = h.Admission.Leave(cleanupCtx, userKey)
			cancel()
			return nil
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return nil
			}
			w.Flush()
		case msg := <-updates:
			body, err := json.Marshal(msg)
			if err != nil {
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", msg.Type, body); err != nil {
				return nil
			}
			w.Flush()
			if msg.Type == stream.MessageAdmitted {
				return nil
			}
		}
	}
}
