package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// LeaderLock is a Redis-backed lease ensuring that a periodic job runs
// on exactly one instance cluster-wide at a time.  The lease carries
// two durations: lockAtMost is the key TTL, so a crashed leader can
// block others for at most that long, and lockAtLeast is the minimum
// retention after acquisition, so near-simultaneous runs on different
// instances cannot thrash the job even when it finishes instantly.
type LeaderLock struct {
	rdb         *redis.Client
	name        string
	holder      string
	lockAtLeast time.Duration
	lockAtMost  time.Duration
}

// NewLeaderLock returns a lease named name.  holder identifies this
// instance and must be unique across the cluster (a random ID per
// process is fine).
func NewLeaderLock(rdb *redis.Client, name, holder string, lockAtLeast, lockAtMost time.Duration) *LeaderLock {
	if lockAtMost < lockAtLeast {
		lockAtMost = lockAtLeast
	}
	return &LeaderLock{rdb: rdb, name: name, holder: holder, lockAtLeast: lockAtLeast, lockAtMost: lockAtMost}
}

func (l *LeaderLock) key() string { return "lock:" + l.name }

// releaseScript deletes the lock only when this holder still owns it,
// or shortens the TTL to the remaining lockAtLeast window when the
// job finished before the minimum hold elapsed.
var releaseScript = redis.NewScript(`
    if redis.call('GET', KEYS[1]) ~= ARGV[1] then
        return 0
    end
    if tonumber(ARGV[2]) > 0 then
        redis.call('PEXPIRE', KEYS[1], ARGV[2])
        return 2
    end
    redis.call('DEL', KEYS[1])
    return 1
`)

// Acquire attempts to take the lease.  ErrLockNotAcquired is returned
// when another instance currently holds it.
func (l *LeaderLock) Acquire(ctx context.Context) (time.Time, error) {
	ok, err := l.rdb.SetNX(ctx, l.key(), l.holder, l.lockAtMost).Result()
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: acquire lock %s: %v", ErrStoreUnavailable, l.name, err)
	}
	if !ok {
		return time.Time{}, ErrLockNotAcquired
	}
	return time.Now(), nil
}

// Release gives the lease back.  When the job ran shorter than
// lockAtLeast the key is kept alive for the remainder of the minimum
// hold instead of being deleted.
func (l *LeaderLock) Release(ctx context.Context, acquiredAt time.Time) error {
	var keepMs int64
	if held := time.Since(acquiredAt); held < l.lockAtLeast {
		keepMs = (l.lockAtLeast - held).Milliseconds()
	}
	if err := releaseScript.Run(ctx, l.rdb, []string{l.key()}, l.holder, keepMs).Err(); err != nil {
		return fmt.Errorf("%w: release lock %s: %v", ErrStoreUnavailable, l.name, err)
	}
	return nil
}
