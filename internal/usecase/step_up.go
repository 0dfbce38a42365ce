package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/arklim/esign-sessions/internal/core/domain"
	"github.com/arklim/esign-sessions/internal/core/port"
	"github.com/arklim/esign-sessions/internal/infra/logger"
)

const defaultStepUpMaxAge = 5 * time.Minute

// StepUpService binds a recent TOTP verification to a session and answers
// freshness questions for sensitive actions such as signing.
type StepUpService struct {
	store    port.SessionStore
	verifier port.TOTPVerifier
	secrets  port.TOTPSecretSource
	guard    *RateGuard
	rule     RateRule
	maxAge   time.Duration
	logger   *zap.Logger
	now      func() time.Time
}

// NewStepUpService constructs a StepUpService. maxAge <= 0 selects five minutes.
func NewStepUpService(store port.SessionStore, maxAge time.Duration, logger *zap.Logger) *StepUpService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxAge <= 0 {
		maxAge = defaultStepUpMaxAge
	}
	return &StepUpService{
		store:  store,
		maxAge: maxAge,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the internal clock for deterministic tests.
func (s *StepUpService) WithClock(clock func() time.Time) *StepUpService {
	if clock != nil {
		s.now = clock
	}
	return s
}

// WithVerifier enables code verification against enrolled secrets.
func (s *StepUpService) WithVerifier(verifier port.TOTPVerifier, secrets port.TOTPSecretSource) *StepUpService {
	s.verifier = verifier
	s.secrets = secrets
	return s
}

// WithRateGuard limits verification attempts per session.
func (s *StepUpService) WithRateGuard(guard *RateGuard, rule RateRule) *StepUpService {
	s.guard = guard
	s.rule = rule
	return s
}

// MaxAge returns the default freshness window.
func (s *StepUpService) MaxAge() time.Duration {
	return s.maxAge
}

// MarkVerified records a successful verification for the session now.
func (s *StepUpService) MarkVerified(ctx context.Context, sessionID string, totpCtx domain.TOTPContext) error {
	if _, ok := domain.ParseTOTPContext(string(totpCtx)); !ok {
		return fmt.Errorf("unsupported step-up context %q", totpCtx)
	}
	if err := s.store.UpdateTOTPStatus(ctx, sessionID, true, totpCtx); err != nil {
		if errors.Is(err, domain.ErrStorageUnavailable) {
			return domain.ErrSessionNotFound
		}
		return err
	}
	return nil
}

// IsFresh reports whether session holds a verification covering required that
// is at most maxAge old. maxAge <= 0 selects the service default.
func (s *StepUpService) IsFresh(session *domain.Session, required domain.TOTPContext, maxAge time.Duration) bool {
	if session == nil {
		return false
	}
	if maxAge <= 0 {
		maxAge = s.maxAge
	}
	return session.StepUpFresh(required, maxAge, s.now())
}

// RequireFresh loads the session and fails with domain.ErrStepUpRequired unless
// it carries a fresh verification for required.
func (s *StepUpService) RequireFresh(ctx context.Context, sessionID string, required domain.TOTPContext, maxAge time.Duration) error {
	session, err := s.store.Get(ctx, sessionID)
	if err != nil || session == nil {
		return domain.ErrSessionNotFound
	}
	if !s.IsFresh(session, required, maxAge) {
		return domain.ErrStepUpRequired
	}
	return nil
}

// VerifyAndMark validates a TOTP code for the session owner and records the
// verification. Every verification failure is reported as domain.ErrStepUpFailed.
func (s *StepUpService) VerifyAndMark(ctx context.Context, sessionID, userID, code string, totpCtx domain.TOTPContext) error {
	if s.verifier == nil || s.secrets == nil {
		return fmt.Errorf("step-up verification not configured")
	}
	sessionID = strings.TrimSpace(sessionID)
	log := logger.WithContext(ctx, s.logger).With(zap.String("session_id", logger.MaskString(sessionID)), zap.String("user_id", userID))

	if s.guard != nil {
		decision, err := s.guard.Check(ctx, "stepup:session:"+sessionID, s.rule)
		if err != nil {
			return err
		}
		if !decision.Allowed {
			log.Info("step-up verification rate limited")
			return domain.ErrRateLimited
		}
	}

	session, err := s.store.Get(ctx, sessionID)
	if err != nil || session == nil || session.UserID != userID {
		return domain.ErrSessionNotFound
	}

	secret, err := s.secrets.TOTPSecret(ctx, userID)
	if err != nil {
		log.Info("no usable totp enrollment", zap.Error(err))
		return domain.ErrStepUpFailed
	}

	ok, err := s.verifier.Validate(code, secret)
	if err != nil {
		log.Warn("totp validation error", zap.Error(err))
		return domain.ErrStepUpFailed
	}
	if !ok {
		return domain.ErrStepUpFailed
	}

	if err := s.MarkVerified(ctx, sessionID, totpCtx); err != nil {
		return err
	}

	log.Info("step-up verified", zap.String("context", string(totpCtx)))
	return nil
}
