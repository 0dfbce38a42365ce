package port

import (
	"context"

	"github.com/arklim/esign-sessions/internal/core/domain"
)

// EventPublisher publishes session lifecycle events to the message bus.
type EventPublisher interface {
	PublishSessionRevoked(ctx context.Context, event domain.SessionRevokedEvent) error
	PublishRefreshReuseDetected(ctx context.Context, event domain.RefreshReuseDetectedEvent) error
	PublishSessionsSwept(ctx context.Context, event domain.SessionsSweptEvent) error
}
