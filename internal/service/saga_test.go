package service_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/concert-reservation/internal/config"
	"github.com/iliyamo/concert-reservation/internal/model"
	"github.com/iliyamo/concert-reservation/internal/queue"
	"github.com/iliyamo/concert-reservation/internal/repository"
	"github.com/iliyamo/concert-reservation/internal/service"
)

// fakeSagaStore keeps execution records in memory with the same
// first-writer-wins Begin semantics as the Redis record.
type fakeSagaStore struct {
	mu    sync.Mutex
	execs map[string]*model.SagaExecution
}

func newFakeSagaStore() *fakeSagaStore {
	return &fakeSagaStore{execs: make(map[string]*model.SagaExecution)}
}

func cloneExec(e *model.SagaExecution) *model.SagaExecution {
	cp := *e
	cp.CompletedSteps = append([]model.SagaStep(nil), e.CompletedSteps...)
	return &cp
}

func (f *fakeSagaStore) Begin(_ context.Context, exec *model.SagaExecution) (*model.SagaExecution, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if existing, ok := f.execs[exec.IdempotencyKey]; ok {
		return cloneExec(existing), false, nil
	}
	f.execs[exec.IdempotencyKey] = cloneExec(exec)
	return nil, true, nil
}

func (f *fakeSagaStore) Save(_ context.Context, exec *model.SagaExecution) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.execs[exec.IdempotencyKey] = cloneExec(exec)
	return nil
}

func (f *fakeSagaStore) Get(_ context.Context, key string) (*model.SagaExecution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if exec, ok := f.execs[key]; ok {
		return cloneExec(exec), nil
	}
	return nil, nil
}

// fakeHoldManager records hold lifecycle transitions per seat batch.
type fakeHoldManager struct {
	verifyErr  error
	confirmErr error

	verified  int
	confirmed int
	released  int
}

func (f *fakeHoldManager) VerifyAndExtend(_ context.Context, _ uint64, _ []uint64, _ uint64, _ string) (time.Duration, error) {
	if f.verifyErr != nil {
		return 0, f.verifyErr
	}
	f.verified++
	return 5 * time.Minute, nil
}

func (f *fakeHoldManager) Confirm(_ context.Context, _ uint64, _ []uint64, _ uint64, _ string) error {
	if f.confirmErr != nil {
		return f.confirmErr
	}
	f.confirmed++
	return nil
}

func (f *fakeHoldManager) Release(_ context.Context, _ uint64, seatIDs []uint64, _ uint64) (int64, error) {
	f.released++
	return int64(len(seatIDs)), nil
}

// fakeBalanceStore is a point ledger with per-call failure injection.
type fakeBalanceStore struct {
	balances  map[uint64]uint64
	creditErr error
	refundErr error

	debits  []uint32
	credits []uint32
	refunds []uint32
}

func newFakeBalanceStore(userID, opening uint64) *fakeBalanceStore {
	return &fakeBalanceStore{balances: map[uint64]uint64{userID: opening}}
}

func (f *fakeBalanceStore) Debit(_ context.Context, userID uint64, amountCents uint32, _, _ string) (uint64, error) {
	if f.balances[userID] < uint64(amountCents) {
		return 0, repository.ErrInsufficientBalance
	}
	f.balances[userID] -= uint64(amountCents)
	f.debits = append(f.debits, amountCents)
	return f.balances[userID], nil
}

func (f *fakeBalanceStore) Credit(_ context.Context, userID uint64, amountCents uint32, _, _ string) (uint64, error) {
	if f.creditErr != nil {
		return 0, f.creditErr
	}
	f.balances[userID] += uint64(amountCents)
	f.credits = append(f.credits, amountCents)
	return f.balances[userID], nil
}

func (f *fakeBalanceStore) Refund(_ context.Context, userID uint64, amountCents uint32, _ string) (uint64, error) {
	if f.refundErr != nil {
		return 0, f.refundErr
	}
	f.balances[userID] += uint64(amountCents)
	f.refunds = append(f.refunds, amountCents)
	return f.balances[userID], nil
}

// fakeReservationStore assigns sequential IDs and tracks cancellations.
type fakeReservationStore struct {
	createErr error
	nextID    uint64
	rows      map[uint64]string // id -> status
}

func newFakeReservationStore() *fakeReservationStore {
	return &fakeReservationStore{nextID: 1, rows: make(map[uint64]string)}
}

func (f *fakeReservationStore) Create(_ context.Context, rec *repository.ReservationRecord, _ []uint64) error {
	if f.createErr != nil {
		return f.createErr
	}
	rec.ID = f.nextID
	f.nextID++
	f.rows[rec.ID] = rec.Status
	return nil
}

func (f *fakeReservationStore) Cancel(_ context.Context, reservationID uint64) error {
	f.rows[reservationID] = "CANCELED"
	return nil
}

type captureSink struct {
	events []queue.PaymentCompletedEvent
}

func (c *captureSink) PublishPaymentCompleted(_ context.Context, event queue.PaymentCompletedEvent) error {
	c.events = append(c.events, event)
	return nil
}

type captureReleaser struct {
	released int
}

func (c *captureReleaser) Release(_ context.Context, _, _ uint64) error {
	c.released++
	return nil
}

type sagaFixture struct {
	svc     *service.SagaService
	sagas   *fakeSagaStore
	holds   *fakeHoldManager
	ledger  *fakeBalanceStore
	resvs   *fakeReservationStore
	sink    *captureSink
	permits *captureReleaser
}

func newSagaFixture(opening uint64) *sagaFixture {
	fx := &sagaFixture{
		sagas:   newFakeSagaStore(),
		holds:   &fakeHoldManager{},
		ledger:  newFakeBalanceStore(100, opening),
		resvs:   newFakeReservationStore(),
		sink:    &captureSink{},
		permits: &captureReleaser{},
	}
	cfg := config.SagaConfig{RecordTTL: time.Hour, RewardPermil: 10}
	fx.svc = service.NewSagaService(fx.sagas, fx.holds, fx.ledger, fx.resvs, fx.sink, fx.permits, cfg)
	return fx
}

func sampleRequest(key string) service.PayAndReserveRequest {
	return service.PayAndReserveRequest{
		IdempotencyKey: key,
		ScheduleID:     1,
		SeatIDs:        []uint64{5, 6},
		UserID:         100,
		PayForCents:    30000,
	}
}

func TestPayAndReserve_HappyPath(t *testing.T) {
	fx := newSagaFixture(50000)

	res, err := fx.svc.PayAndReserve(context.Background(), sampleRequest("K1"))
	require.NoError(t, err)
	assert.Equal(t, model.SagaCompleted, res.Status)
	assert.NotEmpty(t, res.PaymentID)
	assert.NotZero(t, res.ReservationID)

	assert.Equal(t, 1, fx.holds.confirmed, "holds consumed on payment")
	assert.Equal(t, 0, fx.holds.released)
	assert.Equal(t, "CONFIRMED", fx.resvs.rows[res.ReservationID])
	assert.Equal(t, 1, fx.permits.released, "admission slot freed")
	require.Len(t, fx.sink.events, 1)
	assert.Equal(t, res.PaymentID, fx.sink.events[0].PaymentID)

	// 30000 debited, 1% (10 permil) credited back as reward.
	assert.Equal(t, uint64(50000-30000+300), fx.ledger.balances[100])
}

func TestPayAndReserve_ReservationFailureCompensates(t *testing.T) {
	fx := newSagaFixture(50000)
	fx.resvs.createErr = errors.New("reservations table unavailable")

	res, err := fx.svc.PayAndReserve(context.Background(), sampleRequest("K1"))
	require.Error(t, err)
	require.NotNil(t, res)
	assert.Equal(t, model.SagaCompensated, res.Status)

	assert.Equal(t, uint64(50000), fx.ledger.balances[100], "debit refunded in full")
	assert.Equal(t, []uint32{30000}, fx.ledger.refunds)
	assert.Equal(t, 1, fx.holds.released, "seats freed for other buyers")
	assert.Empty(t, fx.resvs.rows, "no reservation row survives")
	assert.Equal(t, 0, fx.permits.released)
	assert.Empty(t, fx.sink.events)

	exec, err := fx.sagas.Get(context.Background(), "K1")
	require.NoError(t, err)
	assert.Equal(t, model.SagaCompensated, exec.State)
}

func TestPayAndReserve_RewardFailureUnwindsEverything(t *testing.T) {
	fx := newSagaFixture(50000)
	fx.ledger.creditErr = errors.New("ledger write refused")

	res, err := fx.svc.PayAndReserve(context.Background(), sampleRequest("K1"))
	require.Error(t, err)
	require.NotNil(t, res)
	assert.Equal(t, model.SagaCompensated, res.Status)

	assert.Equal(t, uint64(50000), fx.ledger.balances[100])
	assert.Equal(t, 1, fx.holds.released)
	require.Len(t, fx.resvs.rows, 1)
	for _, status := range fx.resvs.rows {
		assert.Equal(t, "CANCELED", status)
	}
}

func TestPayAndReserve_InsufficientBalanceRejectsWithoutCompensation(t *testing.T) {
	fx := newSagaFixture(100)

	res, err := fx.svc.PayAndReserve(context.Background(), sampleRequest("K1"))
	assert.ErrorIs(t, err, repository.ErrInsufficientBalance)
	assert.Nil(t, res)

	assert.Equal(t, uint64(100), fx.ledger.balances[100])
	assert.Equal(t, 0, fx.holds.released, "holds stay alive so the user can top up and retry")
	assert.Equal(t, 0, fx.holds.confirmed)

	exec, err := fx.sagas.Get(context.Background(), "K1")
	require.NoError(t, err)
	assert.Equal(t, model.SagaCompensated, exec.State)
	assert.NotEmpty(t, exec.Result.FailureReason)
}

func TestPayAndReserve_HoldVerificationFailureRejects(t *testing.T) {
	fx := newSagaFixture(50000)
	fx.holds.verifyErr = repository.ErrSeatHoldExpired

	res, err := fx.svc.PayAndReserve(context.Background(), sampleRequest("K1"))
	assert.ErrorIs(t, err, repository.ErrSeatHoldExpired)
	assert.Nil(t, res)
	assert.Equal(t, uint64(50000), fx.ledger.balances[100], "nothing was charged")
}

func TestPayAndReserve_TerminalReplayReturnsRecordedResult(t *testing.T) {
	fx := newSagaFixture(50000)

	first, err := fx.svc.PayAndReserve(context.Background(), sampleRequest("K1"))
	require.NoError(t, err)

	again, err := fx.svc.PayAndReserve(context.Background(), sampleRequest("K1"))
	require.NoError(t, err)
	assert.Equal(t, first.PaymentID, again.PaymentID)
	assert.Equal(t, first.ReservationID, again.ReservationID)
	assert.Equal(t, model.SagaCompleted, again.Status)

	assert.Equal(t, []uint32{30000}, fx.ledger.debits, "replay never charges twice")
	assert.Len(t, fx.sink.events, 1)
}

func TestPayAndReserve_InFlightKeyIsRejected(t *testing.T) {
	fx := newSagaFixture(50000)

	// Seed a non-terminal record as if another request were mid-saga.
	err := fx.sagas.Save(context.Background(), &model.SagaExecution{
		SagaID:         "other",
		IdempotencyKey: "K1",
		State:          model.SagaPaid,
	})
	require.NoError(t, err)

	_, err = fx.svc.PayAndReserve(context.Background(), sampleRequest("K1"))
	assert.ErrorIs(t, err, service.ErrSagaInProgress)
	assert.Empty(t, fx.ledger.debits)
}

func TestPayAndReserve_CompensationFailureIsFatal(t *testing.T) {
	fx := newSagaFixture(50000)
	fx.resvs.createErr = errors.New("reservations table unavailable")
	fx.ledger.refundErr = errors.New("ledger down")

	res, err := fx.svc.PayAndReserve(context.Background(), sampleRequest("K1"))
	assert.ErrorIs(t, err, service.ErrCompensationFailed)
	assert.Nil(t, res)

	exec, getErr := fx.sagas.Get(context.Background(), "K1")
	require.NoError(t, getErr)
	assert.Equal(t, model.SagaCompensating, exec.State, "left for manual remediation")
}

func TestPayAndReserve_DiscountOverAmountIsInvalid(t *testing.T) {
	fx := newSagaFixture(50000)

	req := sampleRequest("K1")
	req.DiscountCents = req.PayForCents + 1
	_, err := fx.svc.PayAndReserve(context.Background(), req)
	assert.ErrorIs(t, err, service.ErrInvalidAmount)
}
