package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/iliyamo/concert-reservation/internal/model"
)

// SagaRepo persists saga execution records in Redis, keyed by the
// caller's idempotency key.  The record tracks exactly which forward
// steps committed so that compensation after a crash resumes from the
// correct point, and so that a retried request against a terminal saga
// replays the recorded result instead of re-running steps.
type SagaRepo struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewSagaRepo returns a SagaRepo whose records live for ttl after their
// last write.  Terminal records must outlive the longest plausible
// client retry window.
func NewSagaRepo(rdb *redis.Client, ttl time.Duration) *SagaRepo {
	return &SagaRepo{rdb: rdb, ttl: ttl}
}

func sagaKey(idempotencyKey string) string { return "saga:" + idempotencyKey }

// Begin stores a fresh execution record if and only if no record exists
// for the idempotency key yet.  When a record already exists it is
// returned with created=false, letting the orchestrator decide between
// replaying a terminal result and rejecting a concurrent duplicate.
func (r *SagaRepo) Begin(ctx context.Context, exec *model.SagaExecution) (existing *model.SagaExecution, created bool, err error) {
	body, err := json.Marshal(exec)
	if err != nil {
		return nil, false, fmt.Errorf("marshal saga: %w", err)
	}
	ok, err := r.rdb.SetNX(ctx, sagaKey(exec.IdempotencyKey), body, r.ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("%w: begin saga: %v", ErrStoreUnavailable, err)
	}
	if ok {
		return nil, true, nil
	}
	existing, err = r.Get(ctx, exec.IdempotencyKey)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

// Save overwrites the execution record.  Called after every state
// transition and step commit so the record never lags the real world by
// more than one step.
func (r *SagaRepo) Save(ctx context.Context, exec *model.SagaExecution) error {
	body, err := json.Marshal(exec)
	if err != nil {
		return fmt.Errorf("marshal saga: %w", err)
	}
	if err := r.rdb.Set(ctx, sagaKey(exec.IdempotencyKey), body, r.ttl).Err(); err != nil {
		return fmt.Errorf("%w: save saga: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// Get loads the execution record for an idempotency key, or nil when
// none exists.
func (r *SagaRepo) Get(ctx context.Context, idempotencyKey string) (*model.SagaExecution, error) {
	body, err := r.rdb.Get(ctx, sagaKey(idempotencyKey)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get saga: %v", ErrStoreUnavailable, err)
	}
	var exec model.SagaExecution
	if err := json.Unmarshal(body, &exec); err != nil {
		return nil, fmt.Errorf("unmarshal saga: %w", err)
	}
	return &exec, nil
}
