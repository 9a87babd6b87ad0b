package model

import "time"

// SagaState is the lifecycle state of one reservation saga execution.
type SagaState string

const (
	SagaStarted      SagaState = "STARTED"
	SagaSeatsHeld    SagaState = "SEATS_HELD"
	SagaPaid         SagaState = "PAID"
	SagaReserved     SagaState = "RESERVED"
	SagaCompleted    SagaState = "COMPLETED"
	SagaCompensating SagaState = "COMPENSATING"
	SagaCompensated  SagaState = "COMPENSATED"
)

// Terminal reports whether the state admits no further transitions.
// A saga record in a terminal state is replayed verbatim when the same
// idempotency key is submitted again.
func (s SagaState) Terminal() bool {
	return s == SagaCompleted || s == SagaCompensated
}

// SagaStep names one forward step of the reservation saga, in execution
// order.  Each step has a defined inverse that is invoked, in reverse
// order, when a later step fails.
type SagaStep string

const (
	StepVerifyHolds SagaStep = "verify_holds"
	StepDebit       SagaStep = "debit_balance"
	StepReserve     SagaStep = "create_reservation"
	StepReward      SagaStep = "credit_reward"
)

// SagaExecution is the durable record of one orchestration run, keyed
// by the caller's idempotency key.  CompletedSteps lists exactly the
// forward steps that committed, so compensation after a crash resumes
// from the right point instead of re-running committed steps.
type SagaExecution struct {
	SagaID         string     `json:"saga_id"`
	IdempotencyKey string     `json:"idempotency_key"`
	State          SagaState  `json:"state"`
	CompletedSteps []SagaStep `json:"completed_steps"`
	Result         SagaResult `json:"result"`
	StartedAt      time.Time  `json:"started_at"`
}

// SagaResult is the immutable outcome snapshot returned to the caller
// once a saga reaches a terminal state.  PaymentID and ReservationID
// reference records owned by the external collaborators; the
// orchestrator never mutates them after the fact.
type SagaResult struct {
	PaymentID     string    `json:"payment_id,omitempty"`
	ReservationID uint64    `json:"reservation_id,omitempty"`
	Status        SagaState `json:"status"`
	FailureReason string    `json:"failure_reason,omitempty"`
}
