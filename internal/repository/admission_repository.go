package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// AdmissionRepo provides data access to the per-schedule admission
// window and waiting queue in Redis.  The admitted set is a sorted set
// scored by session deadline, so a session abandoned without an
// explicit release simply ages out and stops counting against the
// window.  The waiting queue is a sorted set scored by a monotonically
// increasing insertion sequence taken from a per-schedule counter,
// which makes queue order strictly FIFO with no timestamp collisions.
//
// Every decision that depends on current occupancy runs as a single
// Lua script, so concurrent callers can never both observe spare
// capacity and both get admitted beyond the permit ceiling.
type AdmissionRepo struct {
	rdb *redis.Client
}

// NewAdmissionRepo returns a new AdmissionRepo bound to the provided client.
func NewAdmissionRepo(rdb *redis.Client) *AdmissionRepo { return &AdmissionRepo{rdb: rdb} }

// AdmitOutcome reports the result of a single atomic admission attempt.
type AdmitOutcome struct {
	Admitted     bool
	Rank         int64
	TotalWaiting int64
}

func activeKey(scheduleID uint64) string { return fmt.Sprintf("adm:active:%d", scheduleID) }
func queueKey(scheduleID uint64) string  { return fmt.Sprintf("adm:queue:%d", scheduleID) }
func seqKey(scheduleID uint64) string    { return fmt.Sprintf("adm:seq:%d", scheduleID) }
func keysKey(scheduleID uint64) string   { return fmt.Sprintf("adm:keys:%d", scheduleID) }
func userKeyKey(userKey string) string   { return "adm:user:" + userKey }
func tokenKey(userKey string) string     { return "adm:token:" + userKey }

// schedulesKey indexes schedules that currently have a live queue or
// admitted sessions, for the periodic rank broadcast job.
const schedulesKey = "adm:schedules"

// admitScript performs the whole enter-or-enqueue decision atomically.
// KEYS: active zset, queue zset, sequence counter.
// ARGV: member, maxPermits, now (unix ms), session deadline (unix ms).
// Returns {admitted, rank, totalWaiting}; rank is 1-based and only
// meaningful when admitted is 0.
var admitScript = redis.NewScript(`
    redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', ARGV[3])
    if redis.call('ZSCORE', KEYS[1], ARGV[1]) then
        redis.call('ZADD', KEYS[1], ARGV[4], ARGV[1])
        return {1, 0, 0}
    end
    local r = redis.call('ZRANK', KEYS[2], ARGV[1])
    if r then
        return {0, r + 1, redis.call('ZCARD', KEYS[2])}
    end
    if redis.call('ZCARD', KEYS[1]) < tonumber(ARGV[2]) then
        redis.call('ZADD', KEYS[1], ARGV[4], ARGV[1])
        return {1, 0, 0}
    end
    local seq = redis.call('INCR', KEYS[3])
    redis.call('ZADD', KEYS[2], seq, ARGV[1])
    return {0, redis.call('ZRANK', KEYS[2], ARGV[1]) + 1, redis.call('ZCARD', KEYS[2])}
`)

// promoteScript releases one admitted member (optional) and refills the
// window from the queue head, strictly in FIFO order.  The released
// member's entry in the key index is dropped too; promoted members keep
// theirs, since the admitted broadcast still needs to resolve them.
// KEYS: active zset, queue zset, key index hash.
// ARGV: member to release ("" to skip), maxPermits, now (unix ms),
// session deadline (unix ms).  Returns the promoted members in order.
var promoteScript = redis.NewScript(`
    if ARGV[1] ~= '' then
        redis.call('ZREM', KEYS[1], ARGV[1])
        redis.call('HDEL', KEYS[3], ARGV[1])
    end
    redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', ARGV[3])
    local promoted = {}
    while redis.call('ZCARD', KEYS[1]) < tonumber(ARGV[2]) do
        local head = redis.call('ZPOPMIN', KEYS[2])
        if #head == 0 then break end
        redis.call('ZADD', KEYS[1], ARGV[4], head[1])
        promoted[#promoted + 1] = head[1]
    end
    return promoted
`)

// Admit atomically attempts to take one permit from the schedule's
// admission window.  When the window is full the user is appended to
// the waiting queue instead and the returned outcome carries their
// 1-based rank.  Calling Admit again for an already admitted user
// extends the session deadline; for an already queued user it reports
// the current rank without creating a duplicate entry.
func (r *AdmissionRepo) Admit(ctx context.Context, scheduleID, userID uint64, maxPermits int, activeTTL time.Duration) (AdmitOutcome, error) {
	now := time.Now()
	member := strconv.FormatUint(userID, 10)
	vals, err := admitScript.Run(ctx, r.rdb,
		[]string{activeKey(scheduleID), queueKey(scheduleID), seqKey(scheduleID)},
		member, maxPermits, now.UnixMilli(), now.Add(activeTTL).UnixMilli(),
	).Int64Slice()
	if err != nil {
		return AdmitOutcome{}, fmt.Errorf("%w: admit: %v", ErrStoreUnavailable, err)
	}
	if len(vals) != 3 {
		return AdmitOutcome{}, fmt.Errorf("%w: admit: unexpected script result", ErrStoreUnavailable)
	}
	if err := r.rdb.SAdd(ctx, schedulesKey, scheduleID).Err(); err != nil {
		return AdmitOutcome{}, fmt.Errorf("%w: index schedule: %v", ErrStoreUnavailable, err)
	}
	return AdmitOutcome{Admitted: vals[0] == 1, Rank: vals[1], TotalWaiting: vals[2]}, nil
}

// ReleaseAndPromote removes the given user from the admitted set (a
// no-op if already expired or absent, so release is idempotent) and
// promotes queued users into any freed capacity.  It returns the user
// IDs promoted, in queue order.
func (r *AdmissionRepo) ReleaseAndPromote(ctx context.Context, scheduleID, userID uint64, maxPermits int, activeTTL time.Duration) ([]uint64, error) {
	member := ""
	if userID != 0 {
		member = strconv.FormatUint(userID, 10)
	}
	now := time.Now()
	vals, err := promoteScript.Run(ctx, r.rdb,
		[]string{activeKey(scheduleID), queueKey(scheduleID), keysKey(scheduleID)},
		member, maxPermits, now.UnixMilli(), now.Add(activeTTL).UnixMilli(),
	).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("%w: promote: %v", ErrStoreUnavailable, err)
	}
	promoted := make([]uint64, 0, len(vals))
	for _, v := range vals {
		id, convErr := strconv.ParseUint(v, 10, 64)
		if convErr != nil {
			continue
		}
		promoted = append(promoted, id)
	}
	return promoted, nil
}

// RemoveWaiting drops the user's queue entry and their key-index field
// without touching the admitted set.  Used when a queued user abandons
// the flow.
func (r *AdmissionRepo) RemoveWaiting(ctx context.Context, scheduleID, userID uint64) error {
	member := strconv.FormatUint(userID, 10)
	pipe := r.rdb.TxPipeline()
	pipe.ZRem(ctx, queueKey(scheduleID), member)
	pipe.HDel(ctx, keysKey(scheduleID), member)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: remove waiting: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// QueuePosition returns the user's 1-based rank and the total queue
// length for a schedule.  ErrNotQueued is returned when the user has no
// waiting entry.
func (r *AdmissionRepo) QueuePosition(ctx context.Context, scheduleID, userID uint64) (rank, total int64, err error) {
	member := strconv.FormatUint(userID, 10)
	pos, err := r.rdb.ZRank(ctx, queueKey(scheduleID), member).Result()
	if errors.Is(err, redis.Nil) {
		return 0, 0, ErrNotQueued
	}
	if err != nil {
		return 0, 0, fmt.Errorf("%w: queue position: %v", ErrStoreUnavailable, err)
	}
	total, err = r.rdb.ZCard(ctx, queueKey(scheduleID)).Result()
	if err != nil {
		return 0, 0, fmt.Errorf("%w: queue length: %v", ErrStoreUnavailable, err)
	}
	return pos + 1, total, nil
}

// QueueSnapshot returns all queued user IDs for a schedule in FIFO
// order.  Used by the periodic rank broadcast job.
func (r *AdmissionRepo) QueueSnapshot(ctx context.Context, scheduleID uint64) ([]uint64, error) {
	members, err := r.rdb.ZRange(ctx, queueKey(scheduleID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: queue snapshot: %v", ErrStoreUnavailable, err)
	}
	ids := make([]uint64, 0, len(members))
	for _, m := range members {
		id, convErr := strconv.ParseUint(m, 10, 64)
		if convErr != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// ActiveSchedules lists schedules known to have had queue activity.
func (r *AdmissionRepo) ActiveSchedules(ctx context.Context) ([]uint64, error) {
	members, err := r.rdb.SMembers(ctx, schedulesKey).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: active schedules: %v", ErrStoreUnavailable, err)
	}
	ids := make([]uint64, 0, len(members))
	for _, m := range members {
		id, convErr := strconv.ParseUint(m, 10, 64)
		if convErr != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// BindUserKey records the two-way mapping between an opaque user key
// and its (schedule, user) pair.  Both sides expire with the queue
// entry's lifetime so abandoned keys clean themselves up; the reverse
// index TTL is refreshed on every bind, keeping it alive exactly as
// long as the schedule sees traffic.
func (r *AdmissionRepo) BindUserKey(ctx context.Context, userKey string, scheduleID, userID uint64, ttl time.Duration) error {
	pipe := r.rdb.TxPipeline()
	pipe.HSet(ctx, userKeyKey(userKey), "schedule_id", scheduleID, "user_id", userID)
	pipe.Expire(ctx, userKeyKey(userKey), ttl)
	pipe.HSet(ctx, keysKey(scheduleID), strconv.FormatUint(userID, 10), userKey)
	pipe.Expire(ctx, keysKey(scheduleID), ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: bind user key: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// LookupUserKey resolves an opaque user key back to its (schedule,
// user) pair.  ErrNotQueued is returned for unknown or expired keys.
func (r *AdmissionRepo) LookupUserKey(ctx context.Context, userKey string) (scheduleID, userID uint64, err error) {
	fields, err := r.rdb.HGetAll(ctx, userKeyKey(userKey)).Result()
	if err != nil {
		return 0, 0, fmt.Errorf("%w: lookup user key: %v", ErrStoreUnavailable, err)
	}
	if len(fields) == 0 {
		return 0, 0, ErrNotQueued
	}
	scheduleID, _ = strconv.ParseUint(fields["schedule_id"], 10, 64)
	userID, _ = strconv.ParseUint(fields["user_id"], 10, 64)
	return scheduleID, userID, nil
}

// UserKeyFor returns the opaque key previously bound for a queued user,
// or an empty string when none is known.
func (r *AdmissionRepo) UserKeyFor(ctx context.Context, scheduleID, userID uint64) (string, error) {
	key, err := r.rdb.HGet(ctx, keysKey(scheduleID), strconv.FormatUint(userID, 10)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("%w: user key lookup: %v", ErrStoreUnavailable, err)
	}
	return key, nil
}

// StoreToken saves the signed admission token for an admitted user key
// with a TTL matching the reservation-flow time budget.
func (r *AdmissionRepo) StoreToken(ctx context.Context, userKey, token string, ttl time.Duration) error {
	if err := r.rdb.Set(ctx, tokenKey(userKey), token, ttl).Err(); err != nil {
		return fmt.Errorf("%w: store token: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// Token returns the stored admission token for a user key, or an empty
// string when the user has not been admitted (or the token expired).
func (r *AdmissionRepo) Token(ctx context.Context, userKey string) (string, error) {
	tok, err := r.rdb.Get(ctx, tokenKey(userKey)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("%w: token lookup: %v", ErrStoreUnavailable, err)
	}
	return tok, nil
}

// Reset deletes the schedule's admission window, queue and sequence
// counter.  Called when the schedule's sales window closes.
func (r *AdmissionRepo) Reset(ctx context.Context, scheduleID uint64) error {
	pipe := r.rdb.TxPipeline()
	pipe.Del(ctx, activeKey(scheduleID), queueKey(scheduleID), seqKey(scheduleID), keysKey(scheduleID))
	pipe.SRem(ctx, schedulesKey, scheduleID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: reset: %v", ErrStoreUnavailable, err)
	}
	return nil
}
