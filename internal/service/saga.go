package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/iliyamo/concert-reservation/internal/config"
	"github.com/iliyamo/concert-reservation/internal/model"
	q "github.com/iliyamo/concert-reservation/internal/queue"
	"github.com/iliyamo/concert-reservation/internal/repository"
)

// BalanceStore is the Point/Balance ledger collaborator.  The
// production implementation is repository.BalanceRepo.
type BalanceStore interface {
	Debit(ctx context.Context, userID uint64, amountCents uint32, paymentID, reason string) (uint64, error)
	Credit(ctx context.Context, userID uint64, amountCents uint32, paymentID, reason string) (uint64, error)
	Refund(ctx context.Context, userID uint64, amountCents uint32, paymentID string) (uint64, error)
}

// ReservationStore is the reservation persistence collaborator.  The
// production implementation is repository.ReservationRepo.
type ReservationStore interface {
	Create(ctx context.Context, rec *repository.ReservationRecord, seatIDs []uint64) error
	Cancel(ctx context.Context, reservationID uint64) error
}

// SagaStore persists execution records.  The production implementation
// is repository.SagaRepo.
type SagaStore interface {
	Begin(ctx context.Context, exec *model.SagaExecution) (existing *model.SagaExecution, created bool, err error)
	Save(ctx context.Context, exec *model.SagaExecution) error
	Get(ctx context.Context, idempotencyKey string) (*model.SagaExecution, error)
}

// HoldManager is the slice of the seat-hold manager the orchestrator
// drives: verify-and-extend at the start, confirm on successful
// payment, release on compensation.
type HoldManager interface {
	VerifyAndExtend(ctx context.Context, scheduleID uint64, seatIDs []uint64, userID uint64, idempotencyKey string) (time.Duration, error)
	Confirm(ctx context.Context, scheduleID uint64, seatIDs []uint64, userID uint64, idempotencyKey string) error
	Release(ctx context.Context, scheduleID uint64, seatIDs []uint64, userID uint64) (int64, error)
}

// EventSink receives fire-and-forget completion events for the ranking
// subsystem.  Delivery is best-effort; a sink failure never fails a saga.
type EventSink interface {
	PublishPaymentCompleted(ctx context.Context, event q.PaymentCompletedEvent) error
}

// Releaser frees the admission permit once the reservation flow ends,
// letting the next queued user in.  Satisfied by AdmissionService.
type Releaser interface {
	Release(ctx context.Context, scheduleID, userID uint64) error
}

// ErrSagaInProgress is returned when a request reuses an idempotency
// key whose saga has started but not yet reached a terminal state.
var ErrSagaInProgress = errors.New("saga already in progress")

// ErrCompensationFailed is fatal: a compensation step itself failed and
// the saga is left in COMPENSATING for manual or asynchronous
// remediation.  It is logged distinctly and never auto-retried.
var ErrCompensationFailed = errors.New("compensation failed")

// ErrInvalidAmount is returned when the discount exceeds the payable amount.
var ErrInvalidAmount = errors.New("invalid amount")

// PayAndReserveRequest carries one reservation attempt through the saga.
type PayAndReserveRequest struct {
	IdempotencyKey string
	ScheduleID     uint64
	SeatIDs        []uint64
	UserID         uint64
	PayForCents    uint32
	DiscountCents  uint32
}

// SagaService drives the pay-and-reserve sequence: verify seat holds,
// debit the balance, consume the holds, create the reservation, credit
// reward points.  Each committed step has a defined inverse that runs
// in reverse order when a later step fails, so a partially executed
// saga always converges to either COMPLETED or COMPENSATED.  Sagas are
// keyed by the caller's idempotency key: a retry of a terminal saga
// replays the recorded result and never double-charges.
type SagaService struct {
	sagas        SagaStore
	holds        HoldManager
	balances     BalanceStore
	reservations ReservationStore
	events       EventSink
	admissions   Releaser
	cfg          config.SagaConfig
}

// NewSagaService wires the orchestrator to its collaborators.
func NewSagaService(sagas SagaStore, holds HoldManager, balances BalanceStore, reservations ReservationStore, events EventSink, admissions Releaser, cfg config.SagaConfig) *SagaService {
	return &SagaService{
		sagas:        sagas,
		holds:        holds,
		balances:     balances,
		reservations: reservations,
		events:       events,
		admissions:   admissions,
		cfg:          cfg,
	}
}

// PayAndReserve executes the saga for one request.  The returned result
// is terminal: either the reservation committed in full, or every
// committed effect was undone.  The error carries the step failure for
// callers that want to branch; replays of terminal sagas return the
// recorded result with a nil error.
func (s *SagaService) PayAndReserve(ctx context.Context, req PayAndReserveRequest) (*model.SagaResult, error) {
	if req.DiscountCents > req.PayForCents {
		return nil, fmt.Errorf("%w: discount %d exceeds amount %d", ErrInvalidAmount, req.DiscountCents, req.PayForCents)
	}
	payable := req.PayForCents - req.DiscountCents

	exec := &model.SagaExecution{
		SagaID:         uuid.NewString(),
		IdempotencyKey: req.IdempotencyKey,
		State:          model.SagaStarted,
		StartedAt:      time.Now().UTC(),
	}
	existing, created, err := s.sagas.Begin(ctx, exec)
	if err != nil {
		return nil, err
	}
	if !created {
		if existing.State.Terminal() {
			// Idempotent replay: hand back what the original run produced.
			result := existing.Result
			return &result, nil
		}
		return nil, fmt.Errorf("%w: key %s", ErrSagaInProgress, req.IdempotencyKey)
	}

	// Step (a): verify hold ownership and extend the holds so the seats
	// cannot expire underneath the payment steps.  Nothing external has
	// committed yet, so a failure here rejects without compensation.
	if _, err := s.holds.VerifyAndExtend(ctx, req.ScheduleID, req.SeatIDs, req.UserID, req.IdempotencyKey); err != nil {
		s.finishRejected(ctx, exec, err)
		return nil, err
	}
	exec.CompletedSteps = append(exec.CompletedSteps, model.StepVerifyHolds)
	exec.State = model.SagaSeatsHeld
	s.persist(ctx, exec)

	// Step (b): debit the balance.  An insufficient balance fails before
	// any external mutation, so it is also a plain reject; the holds stay
	// alive and the user may top up and retry with a new key.
	paymentID := uuid.NewString()
	if _, err := s.balances.Debit(ctx, req.UserID, payable, paymentID, "concert reservation"); err != nil {
		if errors.Is(err, repository.ErrInsufficientBalance) {
			s.finishRejected(ctx, exec, err)
			return nil, err
		}
		return s.compensate(ctx, exec, req, paymentID, 0, fmt.Errorf("payment step: %w", err))
	}
	exec.CompletedSteps = append(exec.CompletedSteps, model.StepDebit)
	exec.State = model.SagaPaid
	exec.Result.PaymentID = paymentID
	s.persist(ctx, exec)

	// The holds convert to their terminal consumed state atomically with
	// the successful payment: from here on only compensation can free the
	// seats.
	if err := s.holds.Confirm(ctx, req.ScheduleID, req.SeatIDs, req.UserID, req.IdempotencyKey); err != nil {
		return s.compensate(ctx, exec, req, paymentID, 0, fmt.Errorf("consume holds: %w", err))
	}

	// Step (c): create the reservation record referencing the payment.
	rec := &repository.ReservationRecord{
		UserID:           req.UserID,
		ScheduleID:       req.ScheduleID,
		PaymentID:        paymentID,
		Status:           "CONFIRMED",
		TotalAmountCents: payable,
	}
	if err := s.reservations.Create(ctx, rec, req.SeatIDs); err != nil {
		return s.compensate(ctx, exec, req, paymentID, 0, fmt.Errorf("reservation step: %w", err))
	}
	exec.CompletedSteps = append(exec.CompletedSteps, model.StepReserve)
	exec.State = model.SagaReserved
	exec.Result.ReservationID = rec.ID
	s.persist(ctx, exec)

	// Step (d): credit reward points proportional to the paid amount.
	reward := uint32(uint64(payable) * uint64(s.cfg.RewardPermil) / 1000)
	if reward > 0 {
		if _, err := s.balances.Credit(ctx, req.UserID, reward, paymentID, "reservation reward"); err != nil {
			return s.compensate(ctx, exec, req, paymentID, rec.ID, fmt.Errorf("reward step: %w", err))
		}
		exec.CompletedSteps = append(exec.CompletedSteps, model.StepReward)
	}

	exec.State = model.SagaCompleted
	exec.Result.Status = model.SagaCompleted
	s.persist(ctx, exec)

	// The flow is over: free the admission permit so the next queued
	// user gets in, and tell the ranking sink what sold.  Neither may
	// fail the now-committed saga.
	if err := s.admissions.Release(ctx, req.ScheduleID, req.UserID); err != nil {
		log.Printf("saga: release admission for user %d failed: %v", req.UserID, err)
	}
	event := q.PaymentCompletedEvent{
		PaymentID:     paymentID,
		ReservationID: rec.ID,
		UserID:        req.UserID,
		ScheduleID:    req.ScheduleID,
		SeatIDs:       req.SeatIDs,
		AmountCents:   payable,
		CompletedAt:   time.Now().UTC().Format(time.RFC3339),
	}
	if err := s.events.PublishPaymentCompleted(ctx, event); err != nil {
		log.Printf("saga: ranking event publish failed (ignored): %v", err)
	}

	result := exec.Result
	return &result, nil
}

// Result returns the recorded outcome for an idempotency key, or nil
// when no saga with that key exists.
func (s *SagaService) Result(ctx context.Context, idempotencyKey string) (*model.SagaResult, error) {
	exec, err := s.sagas.Get(ctx, idempotencyKey)
	if err != nil || exec == nil {
		return nil, err
	}
	result := exec.Result
	return &result, nil
}

// compensate runs the inverse of every committed step in reverse
// order.  reservationID is non-zero once the reservation row exists.
// A failure inside compensation is fatal: the saga stays COMPENSATING
// and the error is surfaced, loudly, for manual remediation.
func (s *SagaService) compensate(ctx context.Context, exec *model.SagaExecution, req PayAndReserveRequest, paymentID string, reservationID uint64, cause error) (*model.SagaResult, error) {
	exec.State = model.SagaCompensating
	exec.Result.FailureReason = cause.Error()
	s.persist(ctx, exec)

	payable := req.PayForCents - req.DiscountCents
	for i := len(exec.CompletedSteps) - 1; i >= 0; i-- {
		var stepErr error
		switch exec.CompletedSteps[i] {
		case model.StepReward:
			_, stepErr = s.balances.Debit(ctx, req.UserID, uint32(uint64(payable)*uint64(s.cfg.RewardPermil)/1000), paymentID, "reward reversal")
		case model.StepReserve:
			stepErr = s.reservations.Cancel(ctx, reservationID)
		case model.StepDebit:
			_, stepErr = s.balances.Refund(ctx, req.UserID, payable, paymentID)
		case model.StepVerifyHolds:
			_, stepErr = s.holds.Release(ctx, req.ScheduleID, req.SeatIDs, req.UserID)
		}
		if stepErr != nil {
			log.Printf("saga: COMPENSATION FAILED saga=%s key=%s step=%s: %v (manual remediation required)",
				exec.SagaID, exec.IdempotencyKey, exec.CompletedSteps[i], stepErr)
			s.persist(ctx, exec)
			return nil, fmt.Errorf("%w: step %s: %v (after: %v)", ErrCompensationFailed, exec.CompletedSteps[i], stepErr, cause)
		}
	}

	exec.State = model.SagaCompensated
	exec.Result.Status = model.SagaCompensated
	s.persist(ctx, exec)
	log.Printf("saga: compensated saga=%s key=%s cause=%v", exec.SagaID, exec.IdempotencyKey, cause)
	result := exec.Result
	return &result, cause
}

// finishRejected terminates a saga that failed before any external
// mutation committed.  There is nothing to undo, so it goes straight to
// COMPENSATED with the rejection recorded for idempotent replay.
func (s *SagaService) finishRejected(ctx context.Context, exec *model.SagaExecution, cause error) {
	exec.State = model.SagaCompensated
	exec.Result.Status = model.SagaCompensated
	exec.Result.FailureReason = cause.Error()
	s.persist(ctx, exec)
}

// persist saves the execution record, logging rather than failing on a
// store error: the in-flight saga itself is the source of truth and a
// lost snapshot only widens the crash-recovery window.
func (s *SagaService) persist(ctx context.Context, exec *model.SagaExecution) {
	if err := s.sagas.Save(ctx, exec); err != nil {
		log.Printf("saga: persist state %s for key %s failed: %v", exec.State, exec.IdempotencyKey, err)
	}
}
