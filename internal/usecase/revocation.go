package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/arklim/esign-sessions/internal/core/domain"
	"github.com/arklim/esign-sessions/internal/core/port"
	"github.com/arklim/esign-sessions/internal/infra/logger"
)

const defaultSessionRetention = 7 * 24 * time.Hour

// RevocationService terminates sessions and enforces retention. Revocation is
// terminal: a revoked session id is never reinstated.
type RevocationService struct {
	store     port.SessionStore
	events    port.EventPublisher
	retention time.Duration
	logger    *zap.Logger
	now       func() time.Time
}

// NewRevocationService constructs a RevocationService. retention <= 0 selects seven days.
func NewRevocationService(store port.SessionStore, events port.EventPublisher, retention time.Duration, logger *zap.Logger) *RevocationService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if retention <= 0 {
		retention = defaultSessionRetention
	}
	return &RevocationService{
		store:     store,
		events:    events,
		retention: retention,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the internal clock for deterministic tests.
func (s *RevocationService) WithClock(clock func() time.Time) *RevocationService {
	if clock != nil {
		s.now = clock
	}
	return s
}

// Logout revokes a single session. It is best effort and never blocks the caller's logout.
func (s *RevocationService) Logout(ctx context.Context, userID, sessionID string) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return
	}
	log := logger.WithContext(ctx, s.logger).With(zap.String("session_id", logger.MaskString(sessionID)), zap.String("user_id", userID))

	if err := s.store.Revoke(ctx, sessionID); err != nil {
		log.Warn("session revocation incomplete", zap.Error(err))
		return
	}

	s.publishRevoked(ctx, log, domain.SessionRevokedEvent{
		SessionID:       sessionID,
		UserID:          userID,
		Reason:          domain.RevokeReasonLogout,
		SessionsRevoked: 1,
	})
}

// RevokeAll revokes every session of the user and reports how many were removed.
func (s *RevocationService) RevokeAll(ctx context.Context, userID string) (int, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return 0, fmt.Errorf("user id is required")
	}
	log := logger.WithContext(ctx, s.logger).With(zap.String("user_id", userID))

	removed, err := s.store.RevokeAll(ctx, userID)
	if err != nil {
		if errors.Is(err, domain.ErrStorageUnavailable) {
			log.Error("revoke-all could not reach any session tier")
			return 0, nil
		}
		return 0, fmt.Errorf("revoke all sessions: %w", err)
	}

	log.Info("all sessions revoked", zap.Int("sessions_revoked", removed))
	s.publishRevoked(ctx, log, domain.SessionRevokedEvent{
		UserID:          userID,
		Reason:          domain.RevokeReasonRevokeAll,
		SessionsRevoked: removed,
	})

	return removed, nil
}

// Sweep removes sessions idle for longer than the retention window.
func (s *RevocationService) Sweep(ctx context.Context) (int, error) {
	start := s.now()
	cutoff := start.Add(-s.retention)

	removed, err := s.store.SweepExpired(ctx, s.retention)
	if err != nil {
		return 0, fmt.Errorf("sweep sessions: %w", err)
	}

	if s.events != nil && removed > 0 {
		event := domain.SessionsSweptEvent{
			EventID:  uuid.NewString(),
			SweptAt:  start,
			Cutoff:   cutoff,
			Removed:  removed,
			Duration: s.now().Sub(start),
		}
		if err := s.events.PublishSessionsSwept(ctx, event); err != nil {
			s.logger.Warn("failed to publish sweep event", zap.Error(err))
		}
	}

	return removed, nil
}

func (s *RevocationService) publishRevoked(ctx context.Context, log *zap.Logger, event domain.SessionRevokedEvent) {
	if s.events == nil {
		return
	}
	event.EventID = uuid.NewString()
	event.RevokedAt = s.now()
	if err := s.events.PublishSessionRevoked(ctx, event); err != nil {
		log.Warn("failed to publish session revoked event", zap.Error(err))
	}
}
