package kafka

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/arklim/esign-sessions/internal/core/domain"
	"github.com/arklim/esign-sessions/internal/core/port"
	"github.com/arklim/esign-sessions/internal/infra/logger"
)

// StubPublisher logs events instead of sending them to Kafka. Used when no brokers are configured.
type StubPublisher struct {
	logger *zap.Logger
}

// NewStubPublisher constructs a development-friendly event publisher.
func NewStubPublisher(logger *zap.Logger) *StubPublisher {
	return &StubPublisher{logger: logger}
}

func (p *StubPublisher) logEvent(eventType, userID string, at time.Time, fields ...zap.Field) {
	if at.IsZero() {
		at = time.Now().UTC()
	}

	p.logger.Info("Stub event published",
		append([]zap.Field{
			zap.String("event_type", eventType),
			zap.String("user_id", userID),
			zap.Time("timestamp", at.UTC()),
		}, fields...)...,
	)
}

// PublishSessionRevoked logs esign.session.revoked events.
func (p *StubPublisher) PublishSessionRevoked(_ context.Context, event domain.SessionRevokedEvent) error {
	p.logEvent(EventSessionRevoked, event.UserID, event.RevokedAt,
		zap.String("session_id", logger.MaskString(event.SessionID)),
		zap.String("reason", event.Reason),
		zap.Int("sessions_revoked", event.SessionsRevoked),
	)
	return nil
}

// PublishRefreshReuseDetected logs esign.session.refresh_reuse_detected events.
func (p *StubPublisher) PublishRefreshReuseDetected(_ context.Context, event domain.RefreshReuseDetectedEvent) error {
	p.logEvent(EventRefreshReuseDetected, event.UserID, event.DetectedAt,
		zap.String("session_id", logger.MaskString(event.SessionID)),
		zap.Bool("session_revoked", event.SessionRevoked),
	)
	return nil
}

// PublishSessionsSwept logs esign.session.swept events.
func (p *StubPublisher) PublishSessionsSwept(_ context.Context, event domain.SessionsSweptEvent) error {
	p.logEvent(EventSessionsSwept, "", event.SweptAt,
		zap.Int("removed", event.Removed),
		zap.Time("cutoff", event.Cutoff),
		zap.Duration("duration", event.Duration),
	)
	return nil
}

var _ port.EventPublisher = (*StubPublisher)(nil)
