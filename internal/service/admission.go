package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/iliyamo/concert-reservation/internal/config"
	"github.com/iliyamo/concert-reservation/internal/model"
	"github.com/iliyamo/concert-reservation/internal/repository"
	"github.com/iliyamo/concert-reservation/internal/stream"
	"github.com/iliyamo/concert-reservation/internal/utils"
)

// AdmissionStore is the slice of the admission repository the
// controller needs.  The production implementation is
// repository.AdmissionRepo; tests substitute an in-memory fake that
// honors the same atomic contracts.
type AdmissionStore interface {
	Admit(ctx context.Context, scheduleID, userID uint64, maxPermits int, activeTTL time.Duration) (repository.AdmitOutcome, error)
	ReleaseAndPromote(ctx context.Context, scheduleID, userID uint64, maxPermits int, activeTTL time.Duration) ([]uint64, error)
	RemoveWaiting(ctx context.Context, scheduleID, userID uint64) error
	QueuePosition(ctx context.Context, scheduleID, userID uint64) (rank, total int64, err error)
	BindUserKey(ctx context.Context, userKey string, scheduleID, userID uint64, ttl time.Duration) error
	LookupUserKey(ctx context.Context, userKey string) (scheduleID, userID uint64, err error)
	UserKeyFor(ctx context.Context, scheduleID, userID uint64) (string, error)
	StoreToken(ctx context.Context, userKey, token string, ttl time.Duration) error
	Token(ctx context.Context, userKey string) (string, error)
	Reset(ctx context.Context, scheduleID uint64) error
}

// StatusPublisher pushes status messages onto the shared broadcast
// channel.  The production implementation is stream.Publisher.
type StatusPublisher interface {
	Publish(ctx context.Context, msg stream.StatusMessage) error
}

// AdmissionService is the waiting-room controller.  It decides whether
// an arriving user enters the protected reservation flow immediately or
// is queued, promotes queued users as capacity frees up, and broadcasts
// admissions so whichever instance holds the user's connection can push
// the token.  All capacity decisions happen inside the store's atomic
// scripts; this service never does a read-then-write on occupancy.
type AdmissionService struct {
	store     AdmissionStore
	publisher StatusPublisher
	cfg       config.AdmissionConfig
	jwtSecret string
}

// NewAdmissionService constructs the controller.  publisher may not be
// nil: even single-instance deployments publish through the channel so
// the fan-out path stays exercised.
func NewAdmissionService(store AdmissionStore, publisher StatusPublisher, cfg config.AdmissionConfig, jwtSecret string) *AdmissionService {
	return &AdmissionService{store: store, publisher: publisher, cfg: cfg, jwtSecret: jwtSecret}
}

// EnterOrAdmit atomically attempts to take one permit for the schedule.
// On success an admission token is minted with the flow-budget TTL; on
// a full window the user is enqueued and their 1-based rank returned.
// Being queued is the normal branch under load, not an error.  A store
// failure surfaces as repository.ErrStoreUnavailable: the request fails
// closed, nobody is silently admitted.
func (s *AdmissionService) EnterOrAdmit(ctx context.Context, userID, scheduleID uint64) (*model.AdmissionResult, error) {
	outcome, err := s.store.Admit(ctx, scheduleID, userID, s.cfg.MaxPermits, s.cfg.ActiveTTL)
	if err != nil {
		return nil, err
	}
	userKey, err := s.ensureUserKey(ctx, scheduleID, userID)
	if err != nil {
		return nil, err
	}
	if !outcome.Admitted {
		return &model.AdmissionResult{
			Admitted:     false,
			UserKey:      userKey,
			Rank:         outcome.Rank,
			TotalWaiting: outcome.TotalWaiting,
		}, nil
	}
	token, err := s.mintToken(ctx, userKey, userID, scheduleID)
	if err != nil {
		return nil, err
	}
	return &model.AdmissionResult{Admitted: true, Token: token, UserKey: userKey}, nil
}

// Release ends an admitted session (success, timeout or abandonment),
// frees its permit and promotes queue heads into the spare capacity.
// Each promoted user gets a freshly minted token, stored for polling
// and broadcast for push delivery.  Safe to call repeatedly and
// concurrently with session expiry.
func (s *AdmissionService) Release(ctx context.Context, scheduleID, userID uint64) error {
	promoted, err := s.store.ReleaseAndPromote(ctx, scheduleID, userID, s.cfg.MaxPermits, s.cfg.ActiveTTL)
	if err != nil {
		return err
	}
	s.admitPromoted(ctx, scheduleID, promoted)
	return nil
}

// Leave handles a user abandoning the flow: their queue entry is
// removed and, if they were already admitted, the permit is released
// and the next user promoted.  Unknown or expired user keys are a
// no-op, so Leave is idempotent.
func (s *AdmissionService) Leave(ctx context.Context, userKey string) error {
	scheduleID, userID, err := s.store.LookupUserKey(ctx, userKey)
	if errors.Is(err, repository.ErrNotQueued) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := s.store.RemoveWaiting(ctx, scheduleID, userID); err != nil {
		return err
	}
	return s.Release(ctx, scheduleID, userID)
}

// PollStatus is the non-mutating status query.  For an admitted user it
// returns the stored token; otherwise the current rank and queue
// length.  repository.ErrNotQueued is returned when the key is unknown
// or the entry expired.
func (s *AdmissionService) PollStatus(ctx context.Context, userKey string) (*model.QueueStatus, string, error) {
	scheduleID, userID, err := s.store.LookupUserKey(ctx, userKey)
	if err != nil {
		return nil, "", err
	}
	token, err := s.store.Token(ctx, userKey)
	if err != nil {
		return nil, "", err
	}
	if token != "" {
		return nil, token, nil
	}
	rank, total, err := s.store.QueuePosition(ctx, scheduleID, userID)
	if err != nil {
		return nil, "", err
	}
	return &model.QueueStatus{ScheduleID: scheduleID, Rank: rank, TotalWaiting: total}, "", nil
}

// CloseSchedule resets the schedule's admission window and queue when
// its sales window closes.
func (s *AdmissionService) CloseSchedule(ctx context.Context, scheduleID uint64) error {
	return s.store.Reset(ctx, scheduleID)
}

// ensureUserKey returns the existing opaque key for the (schedule,
// user) pair or mints and binds a new one.
func (s *AdmissionService) ensureUserKey(ctx context.Context, scheduleID, userID uint64) (string, error) {
	key, err := s.store.UserKeyFor(ctx, scheduleID, userID)
	if err != nil {
		return "", err
	}
	if key != "" {
		return key, nil
	}
	key, err = utils.NewUserKey()
	if err != nil {
		return "", fmt.Errorf("mint user key: %w", err)
	}
	if err := s.store.BindUserKey(ctx, key, scheduleID, userID, s.cfg.EntryTTL); err != nil {
		return "", err
	}
	return key, nil
}

// mintToken signs an admission token and stores it under the user key
// with the flow-budget TTL.
func (s *AdmissionService) mintToken(ctx context.Context, userKey string, userID, scheduleID uint64) (string, error) {
	tok, err := utils.NewAdmissionToken(s.jwtSecret, userID, scheduleID, s.cfg.ActiveTTL)
	if err != nil {
		return "", fmt.Errorf("mint admission token: %w", err)
	}
	if err := s.store.StoreToken(ctx, userKey, tok.Token, s.cfg.ActiveTTL); err != nil {
		return "", err
	}
	return tok.Token, nil
}

// admitPromoted mints and broadcasts tokens for users the store just
// promoted.  A failure for one user is logged and does not block the
// rest: re-entering mints them a fresh token, since the store already
// counts them as admitted.
func (s *AdmissionService) admitPromoted(ctx context.Context, scheduleID uint64, promoted []uint64) {
	for _, uid := range promoted {
		userKey, err := s.store.UserKeyFor(ctx, scheduleID, uid)
		if err != nil || userKey == "" {
			log.Printf("admission: promoted user %d has no user key: %v", uid, err)
			continue
		}
		token, err := s.mintToken(ctx, userKey, uid, scheduleID)
		if err != nil {
			log.Printf("admission: mint token for promoted user %d failed: %v", uid, err)
			continue
		}
		msg := stream.StatusMessage{
			Type:       stream.MessageAdmitted,
			ScheduleID: scheduleID,
			UserKey:    userKey,
			Token:      token,
		}
		if err := s.publisher.Publish(ctx, msg); err != nil {
			log.Printf("admission: broadcast admitted user %d failed: %v", uid, err)
		}
	}
}
