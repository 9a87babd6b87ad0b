// Package queue defines message payloads exchanged over the message broker.
package queue

// PaymentCompletedEvent is published, fire-and-forget, when a
// reservation saga completes.  The ranking/analytics subsystem consumes
// it to aggregate popularity; delivery is best-effort and a publish
// failure never fails the saga that produced it.
type PaymentCompletedEvent struct {
	PaymentID     string   `json:"payment_id"`
	ReservationID uint64   `json:"reservation_id"`
	UserID        uint64   `json:"user_id"`
	ScheduleID    uint64   `json:"schedule_id"`
	SeatIDs       []uint64 `json:"seat_ids"`
	AmountCents   uint32   `json:"amount_cents"`
	CompletedAt   string   `json:"completed_at"`
}
