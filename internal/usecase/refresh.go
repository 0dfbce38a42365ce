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

// Refresh outcomes reported to RefreshMetrics.
const (
	refreshResultRotated  = "rotated"
	refreshResultNotFound = "session_not_found"
	refreshResultInvalid  = "token_invalid"
	refreshResultExpired  = "token_expired"
	refreshResultMismatch = "rotation_mismatch"
	refreshResultError    = "error"
)

// RefreshService exchanges a refresh token for a new pair and rotates the
// stored digest so the presented token stops working.
type RefreshService struct {
	store   port.SessionStore
	codec   TokenCodec
	hasher  port.RefreshTokenHasher
	policy  domain.ReusePolicy
	events  port.EventPublisher
	metrics port.RefreshMetrics
	logger  *zap.Logger
	now     func() time.Time
}

// NewRefreshService constructs a RefreshService.
func NewRefreshService(store port.SessionStore, codec TokenCodec, hasher port.RefreshTokenHasher, logger *zap.Logger) *RefreshService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RefreshService{
		store:  store,
		codec:  codec,
		hasher: hasher,
		policy: domain.NewReusePolicy(domain.ReusePolicyModeLenient),
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the internal clock for deterministic tests.
func (s *RefreshService) WithClock(clock func() time.Time) *RefreshService {
	if clock != nil {
		s.now = clock
	}
	return s
}

// WithReusePolicy selects how a mismatching refresh token is handled.
func (s *RefreshService) WithReusePolicy(policy domain.ReusePolicy) *RefreshService {
	s.policy = policy
	return s
}

// WithEventPublisher injects the lifecycle event sink.
func (s *RefreshService) WithEventPublisher(events port.EventPublisher) *RefreshService {
	s.events = events
	return s
}

// WithMetrics injects refresh outcome counters.
func (s *RefreshService) WithMetrics(metrics port.RefreshMetrics) *RefreshService {
	s.metrics = metrics
	return s
}

// Refresh validates presented against the session and returns a fresh pair.
// When sessionID is empty it is taken from the token's sid claim.
func (s *RefreshService) Refresh(ctx context.Context, sessionID, presented string) (domain.TokenPair, error) {
	pair, result, err := s.refresh(ctx, sessionID, presented)
	if s.metrics != nil {
		s.metrics.IncRefresh(result)
	}
	return pair, err
}

func (s *RefreshService) refresh(ctx context.Context, sessionID, presented string) (domain.TokenPair, string, error) {
	presented = strings.TrimSpace(presented)
	if presented == "" {
		return domain.TokenPair{}, refreshResultInvalid, domain.ErrTokenInvalid
	}

	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		claims, err := s.codec.VerifyRefresh(presented)
		if err != nil {
			return domain.TokenPair{}, verifyResult(err), err
		}
		sessionID = claims.SessionID
	}
	log := logger.WithContext(ctx, s.logger).With(zap.String("session_id", logger.MaskString(sessionID)))

	session, err := s.store.Get(ctx, sessionID)
	if err != nil {
		log.Warn("session lookup failed during refresh", zap.Error(err))
		return domain.TokenPair{}, refreshResultNotFound, domain.ErrSessionNotFound
	}
	if session == nil {
		return domain.TokenPair{}, refreshResultNotFound, domain.ErrSessionNotFound
	}

	claims, err := s.codec.VerifyRefresh(presented)
	if err != nil {
		return domain.TokenPair{}, verifyResult(err), err
	}
	if claims.SessionID != session.ID || claims.UserID != session.UserID {
		return domain.TokenPair{}, refreshResultInvalid, domain.ErrTokenInvalid
	}

	if !s.hasher.Equal(presented, session.RefreshTokenHash) {
		s.handleMismatch(ctx, log, *session)
		return domain.TokenPair{}, refreshResultMismatch, domain.ErrReplayOrRotationMismatch
	}

	pair, err := s.codec.Issue(session.UserID, session.Email, session.ID, session.Role)
	if err != nil {
		return domain.TokenPair{}, refreshResultError, fmt.Errorf("issue token pair: %w", err)
	}

	if err := s.store.RotateRefreshToken(ctx, session.ID, pair.RefreshToken); err != nil {
		if errors.Is(err, domain.ErrSessionNotFound) || errors.Is(err, domain.ErrStorageUnavailable) {
			log.Warn("refresh rotation could not be persisted", zap.Error(err))
			return domain.TokenPair{}, refreshResultNotFound, domain.ErrSessionNotFound
		}
		return domain.TokenPair{}, refreshResultError, fmt.Errorf("rotate refresh token: %w", err)
	}

	return pair, refreshResultRotated, nil
}

func (s *RefreshService) handleMismatch(ctx context.Context, log *zap.Logger, session domain.Session) {
	revoked := false
	if s.policy.RevokesOnReuse() {
		if err := s.store.Revoke(ctx, session.ID); err != nil {
			log.Error("failed to revoke session after refresh reuse", zap.Error(err))
		} else {
			revoked = true
		}
	}

	log.Warn("refresh token mismatch", zap.String("user_id", session.UserID), zap.Bool("session_revoked", revoked))

	if s.events == nil {
		return
	}
	event := domain.RefreshReuseDetectedEvent{
		EventID:        uuid.NewString(),
		SessionID:      session.ID,
		UserID:         session.UserID,
		DetectedAt:     s.now(),
		SessionRevoked: revoked,
	}
	if err := s.events.PublishRefreshReuseDetected(ctx, event); err != nil {
		log.Warn("failed to publish refresh reuse event", zap.Error(err))
	}
}

func verifyResult(err error) string {
	if errors.Is(err, domain.ErrTokenExpired) {
		return refreshResultExpired
	}
	return refreshResultInvalid
}
