package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/arklim/esign-sessions/internal/core/domain"
	"github.com/arklim/esign-sessions/internal/core/port"
	"github.com/arklim/esign-sessions/internal/infra/logger"
	"github.com/arklim/esign-sessions/internal/infra/security"
)

// StartSessionInput carries the identity asserted by the upstream login flow.
type StartSessionInput struct {
	UserID      string
	Email       string
	Role        string
	AccountType string
	UserAgent   string
	IPAddress   string
}

// StartSessionResult is returned to the login collaborator.
type StartSessionResult struct {
	SessionID string
	Tokens    domain.TokenPair
}

// SessionService opens sessions after a successful login and lists them.
type SessionService struct {
	store     port.SessionStore
	codec     TokenCodec
	guard     *RateGuard
	loginRule RateRule
	logger    *zap.Logger
	newID     func() (string, error)
}

// NewSessionService constructs a SessionService.
func NewSessionService(store port.SessionStore, codec TokenCodec, logger *zap.Logger) *SessionService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SessionService{
		store:  store,
		codec:  codec,
		logger: logger,
		newID:  security.NewSessionID,
	}
}

// WithRateGuard limits session starts per email address.
func (s *SessionService) WithRateGuard(guard *RateGuard, rule RateRule) *SessionService {
	s.guard = guard
	s.loginRule = rule
	return s
}

// Start mints a token pair for a new session and persists it.
func (s *SessionService) Start(ctx context.Context, input StartSessionInput) (*StartSessionResult, error) {
	userID := strings.TrimSpace(input.UserID)
	if userID == "" {
		return nil, fmt.Errorf("user id is required")
	}
	email := strings.ToLower(strings.TrimSpace(input.Email))
	log := logger.WithContext(ctx, s.logger).With(zap.String("user_id", userID), zap.String("email", logger.MaskEmail(email)))

	if s.guard != nil && email != "" {
		decision, err := s.guard.Check(ctx, "login:email:"+email, s.loginRule)
		if err != nil {
			return nil, err
		}
		if !decision.Allowed {
			log.Info("session start rate limited")
			return nil, domain.ErrRateLimited
		}
	}

	sessionID, err := s.newID()
	if err != nil {
		return nil, fmt.Errorf("generate session id: %w", err)
	}

	pair, err := s.codec.Issue(userID, email, sessionID, input.Role)
	if err != nil {
		return nil, fmt.Errorf("issue token pair: %w", err)
	}

	meta := domain.SessionMeta{
		UserAgent:   strings.TrimSpace(input.UserAgent),
		IPAddress:   strings.TrimSpace(input.IPAddress),
		Role:        strings.TrimSpace(input.Role),
		AccountType: strings.TrimSpace(input.AccountType),
	}
	if err := s.store.Create(ctx, sessionID, userID, email, pair.RefreshToken, meta); err != nil {
		if errors.Is(err, domain.ErrStorageUnavailable) {
			log.Error("session could not be persisted in any tier")
		}
		return nil, fmt.Errorf("create session: %w", err)
	}

	log.Info("session started", zap.String("session_id", logger.MaskString(sessionID)), zap.String("ip", logger.MaskIP(meta.IPAddress)))

	return &StartSessionResult{SessionID: sessionID, Tokens: pair}, nil
}

// ListSessions returns the user's sessions. Storage outages yield an empty list.
func (s *SessionService) ListSessions(ctx context.Context, userID string) ([]domain.Session, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, fmt.Errorf("user id is required")
	}

	sessions, err := s.store.ListByUser(ctx, userID)
	if err != nil {
		if errors.Is(err, domain.ErrStorageUnavailable) {
			logger.WithContext(ctx, s.logger).Warn("session listing unavailable", zap.String("user_id", userID))
			return []domain.Session{}, nil
		}
		return nil, fmt.Errorf("list sessions: %w", err)
	}

	return sessions, nil
}
