package service_test

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/concert-reservation/internal/config"
	"github.com/iliyamo/concert-reservation/internal/repository"
	"github.com/iliyamo/concert-reservation/internal/service"
)

// fakeSeatHoldStore mirrors the Redis hold store's contracts in memory:
// batch operations are atomic (one mutex), expiry is native (an expired
// record reads as absent), and ownership is (user, idempotency key).
// The clock is injectable so expiry can be tested without sleeping.
type fakeSeatHoldStore struct {
	mu    sync.Mutex
	now   func() time.Time
	holds map[string]fakeHold // "schedule:seat" -> hold
}

type fakeHold struct {
	userID    uint64
	idemKey   string
	consumed  bool
	expiresAt time.Time
}

func newFakeSeatHoldStore() *fakeSeatHoldStore {
	return &fakeSeatHoldStore{now: time.Now, holds: make(map[string]fakeHold)}
}

func seatKey(scheduleID, seatID uint64) string {
	return strconv.FormatUint(scheduleID, 10) + ":" + strconv.FormatUint(seatID, 10)
}

func (f *fakeSeatHoldStore) get(scheduleID, seatID uint64) (fakeHold, bool) {
	h, ok := f.holds[seatKey(scheduleID, seatID)]
	if !ok || h.expiresAt.Before(f.now()) {
		return fakeHold{}, false
	}
	return h, true
}

func (f *fakeSeatHoldStore) HoldBatch(_ context.Context, scheduleID uint64, seatIDs []uint64, userID uint64, idemKey string, ttl time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	owned := 0
	for _, sid := range seatIDs {
		if h, ok := f.get(scheduleID, sid); ok {
			if h.userID != userID || h.idemKey != idemKey || h.consumed {
				return false, repository.ErrSeatAlreadyHeld
			}
			owned++
		}
	}
	if owned == len(seatIDs) {
		return true, nil
	}
	exp := f.now().Add(ttl)
	for _, sid := range seatIDs {
		f.holds[seatKey(scheduleID, sid)] = fakeHold{userID: userID, idemKey: idemKey, expiresAt: exp}
	}
	return false, nil
}

func (f *fakeSeatHoldStore) ConfirmBatch(_ context.Context, scheduleID uint64, seatIDs []uint64, userID uint64, idemKey string, keepFor time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, sid := range seatIDs {
		h, ok := f.get(scheduleID, sid)
		if !ok || h.userID != userID || h.idemKey != idemKey || h.consumed {
			return repository.ErrSeatHoldExpired
		}
	}
	for _, sid := range seatIDs {
		h := f.holds[seatKey(scheduleID, sid)]
		h.consumed = true
		h.expiresAt = f.now().Add(keepFor)
		f.holds[seatKey(scheduleID, sid)] = h
	}
	return nil
}

func (f *fakeSeatHoldStore) ReleaseBatch(_ context.Context, scheduleID uint64, seatIDs []uint64, userID uint64) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var released int64
	for _, sid := range seatIDs {
		if h, ok := f.get(scheduleID, sid); ok && h.userID == userID {
			delete(f.holds, seatKey(scheduleID, sid))
			released++
		}
	}
	return released, nil
}

func (f *fakeSeatHoldStore) VerifyBatch(_ context.Context, scheduleID uint64, seatIDs []uint64, userID uint64, idemKey string, extend time.Duration) (time.Duration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	minTTL := time.Duration(-1)
	for _, sid := range seatIDs {
		h, ok := f.get(scheduleID, sid)
		if !ok || h.userID != userID || h.idemKey != idemKey || h.consumed {
			return 0, repository.ErrSeatHoldExpired
		}
	}
	for _, sid := range seatIDs {
		h := f.holds[seatKey(scheduleID, sid)]
		if extend > 0 {
			h.expiresAt = f.now().Add(extend)
			f.holds[seatKey(scheduleID, sid)] = h
		}
		ttl := h.expiresAt.Sub(f.now())
		if minTTL < 0 || ttl < minTTL {
			minTTL = ttl
		}
	}
	return minTTL, nil
}

// flatPrices prices every known seat at a fixed amount.
type flatPrices struct {
	cents uint32
	known map[uint64]bool // nil = every seat exists
}

func (p flatPrices) SeatPrices(_ context.Context, _ uint64, seatIDs []uint64) (map[uint64]uint32, error) {
	out := make(map[uint64]uint32, len(seatIDs))
	for _, sid := range seatIDs {
		if p.known != nil && !p.known[sid] {
			continue
		}
		out[sid] = p.cents
	}
	return out, nil
}

func newSeatHoldService(store service.SeatHoldStore) *service.SeatHoldService {
	cfg := config.HoldConfig{TTL: 5 * time.Minute, ConfirmedKeep: time.Hour, MaxBatch: 10}
	return service.NewSeatHoldService(store, flatPrices{cents: 15000}, cfg)
}

func TestHold_BatchExclusivityIsAllOrNothing(t *testing.T) {
	store := newFakeSeatHoldStore()
	svc := newSeatHoldService(store)
	ctx := context.Background()

	res, err := svc.Hold(ctx, 1, []uint64{5, 6}, 100, "K1")
	require.NoError(t, err)
	assert.Equal(t, []uint64{5, 6}, res.SeatIDs)
	assert.Equal(t, uint32(30000), res.TotalPriceCents)
	assert.False(t, res.Replayed)

	// Overlapping batch from a different user fails entirely.
	_, err = svc.Hold(ctx, 1, []uint64{6, 7}, 200, "K2")
	assert.ErrorIs(t, err, repository.ErrSeatAlreadyHeld)

	// Seat 7 was not left partially held: a fresh request gets it.
	res, err = svc.Hold(ctx, 1, []uint64{7}, 200, "K3")
	require.NoError(t, err)
	assert.Equal(t, []uint64{7}, res.SeatIDs)
}

func TestHold_ConcurrentRacersYieldOneWinner(t *testing.T) {
	store := newFakeSeatHoldStore()
	svc := newSeatHoldService(store)

	const racers = 8
	var wg sync.WaitGroup
	errs := make([]error, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = svc.Hold(context.Background(), 2, []uint64{42}, uint64(i+1), "key-"+strconv.Itoa(i))
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, err := range errs {
		if err == nil {
			winners++
		} else {
			assert.ErrorIs(t, err, repository.ErrSeatAlreadyHeld)
		}
	}
	assert.Equal(t, 1, winners, "exactly one racer holds the seat")
}

func TestHold_IdempotentReplay(t *testing.T) {
	store := newFakeSeatHoldStore()
	svc := newSeatHoldService(store)
	ctx := context.Background()

	first, err := svc.Hold(ctx, 3, []uint64{1, 2, 2, 0}, 7, "K1")
	require.NoError(t, err)
	assert.Equal(t, []uint64{1, 2}, first.SeatIDs, "duplicates and zero ids dropped")

	again, err := svc.Hold(ctx, 3, []uint64{2, 1}, 7, "K1")
	require.NoError(t, err)
	assert.True(t, again.Replayed)
	assert.Equal(t, first.SeatIDs, again.SeatIDs)
	assert.Equal(t, first.TotalPriceCents, again.TotalPriceCents)
}

func TestHold_ExpiryReleasesSeats(t *testing.T) {
	store := newFakeSeatHoldStore()
	base := time.Now()
	current := base
	store.now = func() time.Time { return current }
	svc := newSeatHoldService(store)
	ctx := context.Background()

	_, err := svc.Hold(ctx, 4, []uint64{5}, 1, "K1")
	require.NoError(t, err)

	// One second before expiry the seat is still taken.
	current = base.Add(5*time.Minute - time.Second)
	_, err = svc.Hold(ctx, 4, []uint64{5}, 2, "K2")
	assert.ErrorIs(t, err, repository.ErrSeatAlreadyHeld)

	// Past expiry another user can take it.
	current = base.Add(5*time.Minute + time.Second)
	res, err := svc.Hold(ctx, 4, []uint64{5}, 2, "K2")
	require.NoError(t, err)
	assert.Equal(t, []uint64{5}, res.SeatIDs)
}

func TestConfirm_FailsOnceExpired(t *testing.T) {
	store := newFakeSeatHoldStore()
	base := time.Now()
	current := base
	store.now = func() time.Time { return current }
	svc := newSeatHoldService(store)
	ctx := context.Background()

	_, err := svc.Hold(ctx, 5, []uint64{9}, 1, "K1")
	require.NoError(t, err)

	current = base.Add(6 * time.Minute)
	err = svc.Confirm(ctx, 5, []uint64{9}, 1, "K1")
	assert.ErrorIs(t, err, repository.ErrSeatHoldExpired)
}

func TestRelease_IsIdempotent(t *testing.T) {
	store := newFakeSeatHoldStore()
	svc := newSeatHoldService(store)
	ctx := context.Background()

	_, err := svc.Hold(ctx, 6, []uint64{1, 2}, 1, "K1")
	require.NoError(t, err)

	released, err := svc.Release(ctx, 6, []uint64{1, 2}, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), released)

	released, err = svc.Release(ctx, 6, []uint64{1, 2}, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(0), released, "second release is a no-op")
}

func TestHold_RejectsUnknownSeatAndEmptyBatch(t *testing.T) {
	store := newFakeSeatHoldStore()
	cfg := config.HoldConfig{TTL: time.Minute, ConfirmedKeep: time.Hour, MaxBatch: 2}
	svc := service.NewSeatHoldService(store, flatPrices{cents: 100, known: map[uint64]bool{1: true}}, cfg)
	ctx := context.Background()

	_, err := svc.Hold(ctx, 7, []uint64{1, 99}, 1, "K1")
	assert.ErrorIs(t, err, service.ErrUnknownSeat)

	_, err = svc.Hold(ctx, 7, nil, 1, "K1")
	assert.ErrorIs(t, err, service.ErrEmptyBatch)

	_, err = svc.Hold(ctx, 7, []uint64{1, 2, 3}, 1, "K1")
	assert.Error(t, err, "batch over the limit is rejected")
}
