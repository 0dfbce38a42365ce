package port

import (
	"context"
	"time"

	"github.com/arklim/esign-sessions/internal/core/domain"
)

// SessionTier is one storage tier of the session store. Implementations
// return repository.ErrNotFound for a clean miss and any other error for an
// outage, so callers can tell "absent" from "unreachable".
type SessionTier interface {
	Name() string
	Put(ctx context.Context, session domain.Session, ttl time.Duration) error
	Get(ctx context.Context, sessionID string) (*domain.Session, error)
	UpdateRefreshHash(ctx context.Context, sessionID, hash string) error
	UpdateTOTP(ctx context.Context, sessionID string, verified bool, totpCtx domain.TOTPContext, verifiedAt *time.Time) error
	Touch(ctx context.Context, sessionID string, at time.Time) error
	Delete(ctx context.Context, sessionID string) error
	DeleteByUser(ctx context.Context, userID string) (int, error)
	ListByUser(ctx context.Context, userID string) ([]domain.Session, error)
}

// SweepableTier is a tier that can enumerate and remove idle sessions itself.
type SweepableTier interface {
	SessionTier
	DeleteIdleBefore(ctx context.Context, cutoff time.Time) ([]string, error)
}

// HealthChecker is implemented by tiers that can report reachability.
type HealthChecker interface {
	Ping(ctx context.Context) error
}
