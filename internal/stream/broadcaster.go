package stream

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/iliyamo/concert-reservation/internal/repository"
)

// Broadcaster is the periodic job that recomputes and publishes the
// full rank snapshot for every schedule with an active queue.  Ranks
// also move on each admission, but pushing a cluster-wide snapshot on
// every single admission would not bound fan-out volume, so the
// snapshot runs on a timer instead — and on exactly one instance at a
// time, enforced by the leader lease.
type Broadcaster struct {
	admissions *repository.AdmissionRepo
	publisher  *Publisher
	lock       *repository.LeaderLock
	every      time.Duration
}

// NewBroadcaster wires the snapshot job.
func NewBroadcaster(admissions *repository.AdmissionRepo, publisher *Publisher, lock *repository.LeaderLock, every time.Duration) *Broadcaster {
	return &Broadcaster{admissions: admissions, publisher: publisher, lock: lock, every: every}
}

// Run ticks until ctx is cancelled.  Each tick tries to take the leader
// lease; instances that lose the race skip the round.
func (b *Broadcaster) Run(ctx context.Context) {
	ticker := time.NewTicker(b.every)
	defer ticker.Stop()

	log.Printf("broadcaster: publishing rank snapshots every %s", b.every)
	for {
		select {
		case <-ctx.Done():
			log.Printf("broadcaster: stopped")
			return
		case <-ticker.C:
			b.tick(ctx)
		}
	}
}

func (b *Broadcaster) tick(ctx context.Context) {
	acquiredAt, err := b.lock.Acquire(ctx)
	if errors.Is(err, repository.ErrLockNotAcquired) {
		return
	}
	if err != nil {
		log.Printf("broadcaster: lease acquire failed: %v", err)
		return
	}
	defer func() {
		if err := b.lock.Release(ctx, acquiredAt); err != nil {
			log.Printf("broadcaster: lease release failed: %v", err)
		}
	}()

	schedules, err := b.admissions.ActiveSchedules(ctx)
	if err != nil {
		log.Printf("broadcaster: list schedules failed: %v", err)
		return
	}
	for _, sid := range schedules {
		if err := b.broadcastSchedule(ctx, sid); err != nil {
			log.Printf("broadcaster: schedule %d: %v", sid, err)
		}
	}
}

func (b *Broadcaster) broadcastSchedule(ctx context.Context, scheduleID uint64) error {
	userIDs, err := b.admissions.QueueSnapshot(ctx, scheduleID)
	if err != nil {
		return err
	}
	if len(userIDs) == 0 {
		return nil
	}
	total := int64(len(userIDs))
	ranks := make([]RankUpdate, 0, len(userIDs))
	for i, uid := range userIDs {
		key, err := b.admissions.UserKeyFor(ctx, scheduleID, uid)
		if err != nil {
			return err
		}
		if key == "" {
			continue
		}
		ranks = append(ranks, RankUpdate{UserKey: key, Rank: int64(i) + 1, TotalWaiting: total})
	}
	if len(ranks) == 0 {
		return nil
	}
	return b.publisher.Publish(ctx, StatusMessage{
		Type:       MessageRank,
		ScheduleID: scheduleID,
		Ranks:      ranks,
	})
}
