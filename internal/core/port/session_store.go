package port

import (
	"context"
	"time"

	"github.com/arklim/esign-sessions/internal/core/domain"
)

// SessionStore is the tier-agnostic session persistence contract consumed by
// the refresh, step-up and revocation services.
type SessionStore interface {
	Create(ctx context.Context, sessionID, userID, email, refreshToken string, meta domain.SessionMeta) error
	Get(ctx context.Context, sessionID string) (*domain.Session, error)
	RotateRefreshToken(ctx context.Context, sessionID, refreshToken string) error
	Revoke(ctx context.Context, sessionID string) error
	RevokeAll(ctx context.Context, userID string) (int, error)
	UpdateTOTPStatus(ctx context.Context, sessionID string, verified bool, totpCtx domain.TOTPContext) error
	SweepExpired(ctx context.Context, maxAge time.Duration) (int, error)
	ListByUser(ctx context.Context, userID string) ([]domain.Session, error)
}
