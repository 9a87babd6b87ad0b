package repository

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// SeatHoldRepo provides data access to seat holds in Redis.  Each held
// seat is one key hold:{schedule}:{seat} whose value encodes the owner
// ("{userID}|{idempotencyKey}"), written with a PX expiry so the store
// enforces hold lifetime natively: an expired hold simply reads as
// absent and no sweeper is needed.
//
// Every batch operation runs as a single Lua script across all seat
// keys of the request, which is what makes the batch all-or-nothing:
// two buyers racing for overlapping seat sets can never both succeed on
// any overlapping seat.
type SeatHoldRepo struct {
	rdb *redis.Client
}

// NewSeatHoldRepo returns a new SeatHoldRepo bound to the provided client.
func NewSeatHoldRepo(rdb *redis.Client) *SeatHoldRepo { return &SeatHoldRepo{rdb: rdb} }

func holdKey(scheduleID, seatID uint64) string {
	return fmt.Sprintf("hold:%d:%d", scheduleID, seatID)
}

func ownerValue(userID uint64, idempotencyKey string) string {
	return strconv.FormatUint(userID, 10) + "|" + idempotencyKey
}

// holdBatchScript checks every seat key first and only then writes.
// ARGV[1] is the owner value, ARGV[2] the TTL in milliseconds.
// Result codes: 1 = all holds created (or completed for the same
// owner), 2 = full idempotent replay (every key already owned by this
// owner), 0 = at least one seat owned by a different key, nothing
// written.
var holdBatchScript = redis.NewScript(`
    local owned = 0
    for i = 1, #KEYS do
        local v = redis.call('GET', KEYS[i])
        if v then
            if v ~= ARGV[1] then
                return 0
            end
            owned = owned + 1
        end
    end
    if owned == #KEYS then
        return 2
    end
    for i = 1, #KEYS do
        redis.call('SET', KEYS[i], ARGV[1], 'PX', ARGV[2])
    end
    return 1
`)

// confirmBatchScript converts a verified batch of holds into the
// terminal consumed state.  ARGV[1] is the owner value, ARGV[2] the
// retention of the consumed marker in milliseconds.  Returns 0 without
// writing anything when any hold is missing or owned by someone else.
var confirmBatchScript = redis.NewScript(`
    for i = 1, #KEYS do
        if redis.call('GET', KEYS[i]) ~= ARGV[1] then
            return 0
        end
    end
    for i = 1, #KEYS do
        redis.call('SET', KEYS[i], 'consumed|' .. ARGV[1], 'PX', ARGV[2])
    end
    return 1
`)

// releaseBatchScript deletes only holds whose value starts with the
// caller's "{userID}|" prefix, plain or consumed, so a release can
// never free a seat held by someone else.  Releasing a consumed marker
// is what undoes a confirm during saga compensation.  Safe to repeat.
var releaseBatchScript = redis.NewScript(`
    local released = 0
    for i = 1, #KEYS do
        local v = redis.call('GET', KEYS[i])
        if v then
            local mine = string.sub(v, 1, string.len(ARGV[1])) == ARGV[1]
            local consumed = string.sub(v, 1, string.len(ARGV[2])) == ARGV[2]
            if mine or consumed then
                redis.call('DEL', KEYS[i])
                released = released + 1
            end
        end
    end
    return released
`)

// verifyBatchScript checks ownership and optionally extends the TTL of
// every hold in the batch.  ARGV[1] owner value, ARGV[2] new TTL in
// milliseconds (0 = verify only).  Returns the smallest remaining TTL
// in milliseconds, or -1 when any hold is missing or foreign.
var verifyBatchScript = redis.NewScript(`
    local minttl = -1
    for i = 1, #KEYS do
        if redis.call('GET', KEYS[i]) ~= ARGV[1] then
            return -1
        end
    end
    for i = 1, #KEYS do
        if tonumber(ARGV[2]) > 0 then
            redis.call('PEXPIRE', KEYS[i], ARGV[2])
        end
        local t = redis.call('PTTL', KEYS[i])
        if minttl < 0 or t < minttl then
            minttl = t
        end
    end
    return minttl
`)

// HoldBatch atomically creates holds on every seat in the batch, or on
// none of them.  A replay with the same user and idempotency key
// returns replayed=true and leaves the existing holds unchanged.
// ErrSeatAlreadyHeld is returned when any seat is held under a
// different key.
func (r *SeatHoldRepo) HoldBatch(ctx context.Context, scheduleID uint64, seatIDs []uint64, userID uint64, idempotencyKey string, ttl time.Duration) (replayed bool, err error) {
	keys := make([]string, len(seatIDs))
	for i, sid := range seatIDs {
		keys[i] = holdKey(scheduleID, sid)
	}
	res, err := holdBatchScript.Run(ctx, r.rdb, keys, ownerValue(userID, idempotencyKey), ttl.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("%w: hold batch: %v", ErrStoreUnavailable, err)
	}
	switch res {
	case 1:
		return false, nil
	case 2:
		return true, nil
	default:
		return false, ErrSeatAlreadyHeld
	}
}

// ConfirmBatch marks the whole batch consumed, atomically with respect
// to expiry: when any hold has already vanished nothing is written and
// ErrSeatHoldExpired is returned so the caller restarts the flow.  The
// consumed marker is retained for keepFor so late duplicate requests
// still see the seat as taken until persistence catches up.
func (r *SeatHoldRepo) ConfirmBatch(ctx context.Context, scheduleID uint64, seatIDs []uint64, userID uint64, idempotencyKey string, keepFor time.Duration) error {
	keys := make([]string, len(seatIDs))
	for i, sid := range seatIDs {
		keys[i] = holdKey(scheduleID, sid)
	}
	res, err := confirmBatchScript.Run(ctx, r.rdb, keys, ownerValue(userID, idempotencyKey), keepFor.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("%w: confirm batch: %v", ErrStoreUnavailable, err)
	}
	if res != 1 {
		return ErrSeatHoldExpired
	}
	return nil
}

// ReleaseBatch removes the caller's holds on the given seats.  Holds
// already expired, absent, or owned by another user are skipped, so the
// call is idempotent and safe to run concurrently with expiry.
func (r *SeatHoldRepo) ReleaseBatch(ctx context.Context, scheduleID uint64, seatIDs []uint64, userID uint64) (released int64, err error) {
	keys := make([]string, len(seatIDs))
	for i, sid := range seatIDs {
		keys[i] = holdKey(scheduleID, sid)
	}
	prefix := strconv.FormatUint(userID, 10) + "|"
	released, err = releaseBatchScript.Run(ctx, r.rdb, keys, prefix, "consumed|"+prefix).Int64()
	if err != nil {
		return 0, fmt.Errorf("%w: release batch: %v", ErrStoreUnavailable, err)
	}
	return released, nil
}

// VerifyBatch checks that every hold in the batch still belongs to the
// caller and, when extend > 0, pushes the expiry out to now+extend.  It
// returns the smallest remaining TTL.  ErrSeatHoldExpired is returned
// when any hold is gone or foreign.
func (r *SeatHoldRepo) VerifyBatch(ctx context.Context, scheduleID uint64, seatIDs []uint64, userID uint64, idempotencyKey string, extend time.Duration) (time.Duration, error) {
	keys := make([]string, len(seatIDs))
	for i, sid := range seatIDs {
		keys[i] = holdKey(scheduleID, sid)
	}
	res, err := verifyBatchScript.Run(ctx, r.rdb, keys, ownerValue(userID, idempotencyKey), extend.Milliseconds()).Int64()
	if err != nil {
		return 0, fmt.Errorf("%w: verify batch: %v", ErrStoreUnavailable, err)
	}
	if res < 0 {
		return 0, ErrSeatHoldExpired
	}
	return time.Duration(res) * time.Millisecond, nil
}
