package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/iliyamo/concert-reservation/internal/config"
	"github.com/iliyamo/concert-reservation/internal/model"
)

// SeatHoldStore is the slice of the seat-hold repository the manager
// needs.  The production implementation is repository.SeatHoldRepo.
type SeatHoldStore interface {
	HoldBatch(ctx context.Context, scheduleID uint64, seatIDs []uint64, userID uint64, idempotencyKey string, ttl time.Duration) (replayed bool, err error)
	ConfirmBatch(ctx context.Context, scheduleID uint64, seatIDs []uint64, userID uint64, idempotencyKey string, keepFor time.Duration) error
	ReleaseBatch(ctx context.Context, scheduleID uint64, seatIDs []uint64, userID uint64) (int64, error)
	VerifyBatch(ctx context.Context, scheduleID uint64, seatIDs []uint64, userID uint64, idempotencyKey string, extend time.Duration) (time.Duration, error)
}

// PriceSource resolves seat prices for a schedule.  The production
// implementation is repository.ReservationRepo backed by MySQL.
type PriceSource interface {
	SeatPrices(ctx context.Context, scheduleID uint64, seatIDs []uint64) (map[uint64]uint32, error)
}

// ErrUnknownSeat is returned when a hold request names a seat that does
// not exist for the schedule.
var ErrUnknownSeat = errors.New("unknown seat")

// ErrEmptyBatch is returned when a hold request carries no valid seats.
var ErrEmptyBatch = errors.New("no seats requested")

// SeatHoldService grants short-lived exclusive holds on seats so that
// payment can proceed without two users buying the same seat.  The
// whole batch of a request is decided by one conditional write in the
// store; this service only shapes input, prices the batch and maps
// outcomes.
type SeatHoldService struct {
	store  SeatHoldStore
	prices PriceSource
	cfg    config.HoldConfig
}

// NewSeatHoldService constructs the manager.
func NewSeatHoldService(store SeatHoldStore, prices PriceSource, cfg config.HoldConfig) *SeatHoldService {
	return &SeatHoldService{store: store, prices: prices, cfg: cfg}
}

// Hold claims every seat in the batch for the user, or none of them.
// A replay with the same idempotency key and user returns the existing
// holds unchanged.  Duplicated seat IDs are collapsed; batches larger
// than the configured bound or naming unknown seats are rejected before
// touching the store.
func (s *SeatHoldService) Hold(ctx context.Context, scheduleID uint64, seatIDs []uint64, userID uint64, idempotencyKey string) (*model.HoldResult, error) {
	seats := normalizeSeats(seatIDs)
	if len(seats) == 0 {
		return nil, ErrEmptyBatch
	}
	if len(seats) > s.cfg.MaxBatch {
		return nil, fmt.Errorf("batch of %d exceeds limit of %d seats", len(seats), s.cfg.MaxBatch)
	}
	priceMap, err := s.prices.SeatPrices(ctx, scheduleID, seats)
	if err != nil {
		return nil, err
	}
	total := uint32(0)
	for _, sid := range seats {
		p, ok := priceMap[sid]
		if !ok {
			return nil, fmt.Errorf("%w: seat %d in schedule %d", ErrUnknownSeat, sid, scheduleID)
		}
		total += p
	}
	replayed, err := s.store.HoldBatch(ctx, scheduleID, seats, userID, idempotencyKey, s.cfg.TTL)
	if err != nil {
		return nil, err
	}
	// Read back the batch's remaining lifetime: on replay it is whatever
	// the original holds have left, not a fresh TTL.
	remaining, err := s.store.VerifyBatch(ctx, scheduleID, seats, userID, idempotencyKey, 0)
	if err != nil {
		return nil, err
	}
	return &model.HoldResult{
		SeatIDs:         seats,
		TotalPriceCents: total,
		TTLSeconds:      int64(remaining / time.Second),
		Replayed:        replayed,
	}, nil
}

// Release frees the caller's holds on the given seats.  Expired or
// absent holds are skipped, making release safe to repeat and safe to
// race against expiry.
func (s *SeatHoldService) Release(ctx context.Context, scheduleID uint64, seatIDs []uint64, userID uint64) (int64, error) {
	seats := normalizeSeats(seatIDs)
	if len(seats) == 0 {
		return 0, nil
	}
	return s.store.ReleaseBatch(ctx, scheduleID, seats, userID)
}

// Confirm converts the caller's holds into the terminal consumed state,
// atomically with respect to expiry.  repository.ErrSeatHoldExpired
// means at least one hold vanished and the caller must restart the flow
// from the hold step.
func (s *SeatHoldService) Confirm(ctx context.Context, scheduleID uint64, seatIDs []uint64, userID uint64, idempotencyKey string) error {
	seats := normalizeSeats(seatIDs)
	if len(seats) == 0 {
		return ErrEmptyBatch
	}
	return s.store.ConfirmBatch(ctx, scheduleID, seats, userID, idempotencyKey, s.cfg.ConfirmedKeep)
}

// VerifyAndExtend checks that every hold in the batch still belongs to
// the caller and pushes its expiry out by the configured hold TTL so
// the payment steps cannot lose the seats mid-saga.  Returns the
// remaining lifetime.
func (s *SeatHoldService) VerifyAndExtend(ctx context.Context, scheduleID uint64, seatIDs []uint64, userID uint64, idempotencyKey string) (time.Duration, error) {
	seats := normalizeSeats(seatIDs)
	if len(seats) == 0 {
		return 0, ErrEmptyBatch
	}
	return s.store.VerifyBatch(ctx, scheduleID, seats, userID, idempotencyKey, s.cfg.TTL)
}

// normalizeSeats deduplicates, drops zero IDs and sorts so equivalent
// requests touch the store with identical batches.
func normalizeSeats(seatIDs []uint64) []uint64 {
	seen := make(map[uint64]struct{}, len(seatIDs))
	out := make([]uint64, 0, len(seatIDs))
	for _, id := range seatIDs {
		if id == 0 {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
