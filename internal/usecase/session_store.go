package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/arklim/esign-sessions/internal/core/domain"
	"github.com/arklim/esign-sessions/internal/core/port"
	"github.com/arklim/esign-sessions/internal/infra/logger"
	"github.com/arklim/esign-sessions/internal/infra/security"
	"github.com/arklim/esign-sessions/internal/repository"
)

const (
	defaultSessionTTL        = 7 * 24 * time.Hour
	defaultBackgroundTimeout = 2 * time.Second

	tierResultOK    = "ok"
	tierResultMiss  = "miss"
	tierResultError = "error"
)

// SessionStoreOptions wires the tiers of a TieredSessionStore. Any tier may be nil.
type SessionStoreOptions struct {
	Fast              port.SessionTier
	Durable           port.SessionTier
	Local             port.SessionTier
	RefreshTTL        time.Duration
	Hasher            port.RefreshTokenHasher
	Metrics           port.SessionStoreMetrics
	Logger            *zap.Logger
	BackgroundTimeout time.Duration
}

// TieredSessionStore persists sessions across a fast tier, a durable tier and
// an in-process tier. Reads fall through in that order and writes degrade in
// that order; only the failure of every configured tier is surfaced.
type TieredSessionStore struct {
	fast       port.SessionTier
	durable    port.SessionTier
	local      port.SessionTier
	ttl        time.Duration
	hasher     port.RefreshTokenHasher
	metrics    port.SessionStoreMetrics
	logger     *zap.Logger
	tracer     trace.Tracer
	bgTimeout  time.Duration
	background func(func())
	now        func() time.Time
}

// NewTieredSessionStore constructs the store. At least one tier is required.
func NewTieredSessionStore(opts SessionStoreOptions) (*TieredSessionStore, error) {
	if opts.Fast == nil && opts.Durable == nil && opts.Local == nil {
		return nil, fmt.Errorf("session store: at least one tier is required")
	}

	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	hasher := opts.Hasher
	if hasher == nil {
		unkeyed, err := security.NewRefreshHasher(nil)
		if err != nil {
			return nil, err
		}
		hasher = unkeyed
	}
	ttl := opts.RefreshTTL
	if ttl <= 0 {
		ttl = defaultSessionTTL
	}
	bgTimeout := opts.BackgroundTimeout
	if bgTimeout <= 0 {
		bgTimeout = defaultBackgroundTimeout
	}

	return &TieredSessionStore{
		fast:       opts.Fast,
		durable:    opts.Durable,
		local:      opts.Local,
		ttl:        ttl,
		hasher:     hasher,
		metrics:    opts.Metrics,
		logger:     log,
		tracer:     otel.Tracer("github.com/arklim/esign-sessions/internal/usecase"),
		bgTimeout:  bgTimeout,
		background: func(fn func()) { go fn() },
		now:        func() time.Time { return time.Now().UTC() },
	}, nil
}

// WithClock overrides the internal clock for deterministic tests.
func (s *TieredSessionStore) WithClock(clock func() time.Time) *TieredSessionStore {
	if clock != nil {
		s.now = clock
	}
	return s
}

// WithBackground overrides how fire-and-forget work (activity bumps) is scheduled.
func (s *TieredSessionStore) WithBackground(run func(func())) *TieredSessionStore {
	if run != nil {
		s.background = run
	}
	return s
}

// Tiers returns the configured tiers in read order.
func (s *TieredSessionStore) Tiers() []port.SessionTier {
	tiers := make([]port.SessionTier, 0, 3)
	for _, tier := range []port.SessionTier{s.fast, s.durable, s.local} {
		if tier != nil {
			tiers = append(tiers, tier)
		}
	}
	return tiers
}

// Create hashes the refresh token and persists a new session.
func (s *TieredSessionStore) Create(ctx context.Context, sessionID, userID, email, refreshToken string, meta domain.SessionMeta) error {
	ctx, span := s.tracer.Start(ctx, "session_store.create", trace.WithAttributes(attribute.String("session.id", sessionID)))
	defer span.End()

	sessionID = strings.TrimSpace(sessionID)
	userID = strings.TrimSpace(userID)
	if sessionID == "" || userID == "" {
		return fmt.Errorf("session id and user id are required")
	}
	if refreshToken == "" {
		return fmt.Errorf("refresh token is required")
	}

	session := domain.NewSession(sessionID, userID, email, s.hasher.Hash(refreshToken), meta, s.now())
	log := logger.WithContext(ctx, s.logger).With(zap.String("session_id", sessionID))

	if s.fast != nil {
		err := s.put(ctx, s.fast, "create", session)
		if err == nil {
			if s.durable != nil {
				if err := s.put(ctx, s.durable, "create", session); err != nil {
					log.Warn("durable session backup failed", zap.Error(err))
				}
			}
			return nil
		}
		s.fallback(log, "create", s.fast, err)
	}

	if s.durable != nil {
		err := s.put(ctx, s.durable, "create", session)
		if err == nil {
			return nil
		}
		s.fallback(log, "create", s.durable, err)
	}

	if s.local != nil {
		if err := s.put(ctx, s.local, "create", session); err == nil {
			log.Warn("session held in process memory only; it will not survive a restart or be visible to other instances")
			return nil
		}
	}

	span.SetStatus(codes.Error, "all tiers failed")
	return domain.ErrStorageUnavailable
}

// Get looks the session up tier by tier. A miss in every tier returns (nil, nil).
func (s *TieredSessionStore) Get(ctx context.Context, sessionID string) (*domain.Session, error) {
	ctx, span := s.tracer.Start(ctx, "session_store.get", trace.WithAttributes(attribute.String("session.id", sessionID)))
	defer span.End()

	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil, nil
	}
	log := logger.WithContext(ctx, s.logger).With(zap.String("session_id", sessionID))

	consulted, failures := 0, 0
	fastMissed := false

	for _, tier := range s.Tiers() {
		consulted++
		session, err := s.get(ctx, tier, sessionID)
		switch {
		case err == nil:
			span.SetAttributes(attribute.String("session.tier", tier.Name()))
			if tier == s.durable && fastMissed {
				s.fillFast(ctx, *session)
			}
			s.touchAsync(ctx, sessionID)
			session.Touch(s.now())
			return session, nil
		case errors.Is(err, repository.ErrNotFound):
			if tier == s.fast {
				fastMissed = true
			}
		default:
			failures++
			s.fallback(log, "get", tier, err)
		}
	}

	if consulted > 0 && failures == consulted {
		span.SetStatus(codes.Error, "all tiers failed")
		return nil, domain.ErrStorageUnavailable
	}
	return nil, nil
}

// RotateRefreshToken replaces the stored refresh digest in every reachable tier.
// It does not require the previous token; concurrent rotations are last-write-wins.
func (s *TieredSessionStore) RotateRefreshToken(ctx context.Context, sessionID, refreshToken string) error {
	ctx, span := s.tracer.Start(ctx, "session_store.rotate", trace.WithAttributes(attribute.String("session.id", sessionID)))
	defer span.End()

	if refreshToken == "" {
		return fmt.Errorf("refresh token is required")
	}
	hash := s.hasher.Hash(refreshToken)
	return s.updateAll(ctx, "rotate", sessionID, func(tier port.SessionTier) error {
		return tier.UpdateRefreshHash(ctx, sessionID, hash)
	})
}

// UpdateTOTPStatus merges the step-up state into every reachable tier.
func (s *TieredSessionStore) UpdateTOTPStatus(ctx context.Context, sessionID string, verified bool, totpCtx domain.TOTPContext) error {
	ctx, span := s.tracer.Start(ctx, "session_store.update_totp", trace.WithAttributes(attribute.String("session.id", sessionID)))
	defer span.End()

	var verifiedAt *time.Time
	if verified {
		at := s.now()
		verifiedAt = &at
	}
	return s.updateAll(ctx, "update_totp", sessionID, func(tier port.SessionTier) error {
		return tier.UpdateTOTP(ctx, sessionID, verified, totpCtx, verifiedAt)
	})
}

// Revoke deletes the session from every reachable tier.
func (s *TieredSessionStore) Revoke(ctx context.Context, sessionID string) error {
	ctx, span := s.tracer.Start(ctx, "session_store.revoke", trace.WithAttributes(attribute.String("session.id", sessionID)))
	defer span.End()

	log := logger.WithContext(ctx, s.logger).With(zap.String("session_id", sessionID))
	tiers := s.Tiers()
	failures := 0
	for _, tier := range tiers {
		start := time.Now()
		err := tier.Delete(ctx, sessionID)
		s.observe(tier, "revoke", err, start)
		if err != nil {
			failures++
			s.fallback(log, "revoke", tier, err)
		}
	}

	if failures == len(tiers) {
		return domain.ErrStorageUnavailable
	}
	return nil
}

// RevokeAll deletes every session of the user from every reachable tier and
// reports the largest count removed by any single tier.
func (s *TieredSessionStore) RevokeAll(ctx context.Context, userID string) (int, error) {
	ctx, span := s.tracer.Start(ctx, "session_store.revoke_all")
	defer span.End()

	log := logger.WithContext(ctx, s.logger).With(zap.String("user_id", userID))
	tiers := s.Tiers()
	failures, removed := 0, 0
	for _, tier := range tiers {
		start := time.Now()
		count, err := tier.DeleteByUser(ctx, userID)
		s.observe(tier, "revoke_all", err, start)
		if err != nil {
			failures++
			s.fallback(log, "revoke_all", tier, err)
			continue
		}
		if count > removed {
			removed = count
		}
	}

	if failures == len(tiers) {
		return 0, domain.ErrStorageUnavailable
	}
	return removed, nil
}

// SweepExpired removes sessions idle for longer than maxAge. The durable tier
// decides what is stale; the fast tier is cleaned by id and otherwise relies on TTL.
func (s *TieredSessionStore) SweepExpired(ctx context.Context, maxAge time.Duration) (int, error) {
	ctx, span := s.tracer.Start(ctx, "session_store.sweep")
	defer span.End()

	if maxAge <= 0 {
		return 0, fmt.Errorf("max age must be positive")
	}
	cutoff := s.now().Add(-maxAge)
	log := logger.WithContext(ctx, s.logger)

	removed := make(map[string]struct{})
	sweepable, failures := 0, 0
	for _, tier := range []port.SessionTier{s.durable, s.local} {
		sweeper, ok := tier.(port.SweepableTier)
		if tier == nil || !ok {
			continue
		}
		sweepable++
		start := time.Now()
		ids, err := sweeper.DeleteIdleBefore(ctx, cutoff)
		s.observe(tier, "sweep", err, start)
		if err != nil {
			failures++
			log.Warn("session sweep failed", zap.String("tier", tier.Name()), zap.Error(err))
			continue
		}
		for _, id := range ids {
			removed[id] = struct{}{}
		}
	}

	if s.fast != nil {
		for id := range removed {
			if err := s.fast.Delete(ctx, id); err != nil {
				log.Debug("fast tier cleanup failed", zap.String("session_id", id), zap.Error(err))
			}
		}
	}

	span.SetAttributes(attribute.Int("sessions.removed", len(removed)))
	if sweepable > 0 && failures == sweepable {
		return 0, domain.ErrStorageUnavailable
	}
	return len(removed), nil
}

// ListByUser returns the user's sessions: durable first, fast as fallback, plus
// any sessions held only in process memory.
func (s *TieredSessionStore) ListByUser(ctx context.Context, userID string) ([]domain.Session, error) {
	ctx, span := s.tracer.Start(ctx, "session_store.list")
	defer span.End()

	log := logger.WithContext(ctx, s.logger).With(zap.String("user_id", userID))
	var (
		sessions []domain.Session
		answered bool
	)
	for _, tier := range []port.SessionTier{s.durable, s.fast} {
		if tier == nil {
			continue
		}
		start := time.Now()
		list, err := tier.ListByUser(ctx, userID)
		s.observe(tier, "list", err, start)
		if err != nil {
			s.fallback(log, "list", tier, err)
			continue
		}
		sessions, answered = list, true
		break
	}

	if s.local != nil {
		local, err := s.local.ListByUser(ctx, userID)
		if err == nil {
			answered = true
			seen := make(map[string]struct{}, len(sessions))
			for _, session := range sessions {
				seen[session.ID] = struct{}{}
			}
			for _, session := range local {
				if _, ok := seen[session.ID]; !ok {
					sessions = append(sessions, session)
				}
			}
		}
	}

	if !answered {
		return nil, domain.ErrStorageUnavailable
	}
	if sessions == nil {
		sessions = []domain.Session{}
	}
	return sessions, nil
}

func (s *TieredSessionStore) updateAll(ctx context.Context, op, sessionID string, fn func(port.SessionTier) error) error {
	log := logger.WithContext(ctx, s.logger).With(zap.String("session_id", sessionID))
	updated, failures := 0, 0
	for _, tier := range s.Tiers() {
		start := time.Now()
		err := fn(tier)
		s.observe(tier, op, err, start)
		switch {
		case err == nil:
			updated++
		case errors.Is(err, repository.ErrNotFound):
		default:
			failures++
			s.fallback(log, op, tier, err)
		}
	}

	if updated > 0 {
		return nil
	}
	if failures > 0 {
		return domain.ErrStorageUnavailable
	}
	return domain.ErrSessionNotFound
}

func (s *TieredSessionStore) put(ctx context.Context, tier port.SessionTier, op string, session domain.Session) error {
	start := time.Now()
	err := tier.Put(ctx, session, s.ttl)
	s.observe(tier, op, err, start)
	return err
}

func (s *TieredSessionStore) get(ctx context.Context, tier port.SessionTier, sessionID string) (*domain.Session, error) {
	start := time.Now()
	session, err := tier.Get(ctx, sessionID)
	if err == nil && session == nil {
		err = repository.ErrNotFound
	}
	s.observe(tier, "get", err, start)
	return session, err
}

// fillFast repopulates the fast tier before Get returns, so a later Revoke or
// RotateRefreshToken always finds the entry it has to delete or update.
func (s *TieredSessionStore) fillFast(ctx context.Context, session domain.Session) {
	remaining := s.ttl - s.now().Sub(session.CreatedAt)
	if remaining <= 0 {
		return
	}
	fillCtx, cancel := context.WithTimeout(ctx, s.bgTimeout)
	defer cancel()
	start := time.Now()
	err := s.fast.Put(fillCtx, session, remaining)
	s.observe(s.fast, "fill", err, start)
	if err != nil {
		s.logger.Debug("fast tier cache fill failed", zap.String("session_id", session.ID), zap.Error(err))
		return
	}
	if s.metrics != nil {
		s.metrics.IncCacheFill(s.fast.Name())
	}
}

func (s *TieredSessionStore) touchAsync(ctx context.Context, sessionID string) {
	at := s.now()
	tiers := s.Tiers()
	s.background(func() {
		bgCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.bgTimeout)
		defer cancel()
		for _, tier := range tiers {
			if err := tier.Touch(bgCtx, sessionID, at); err != nil && !errors.Is(err, repository.ErrNotFound) {
				s.logger.Debug("session activity bump failed", zap.String("tier", tier.Name()), zap.String("session_id", sessionID), zap.Error(err))
			}
		}
	})
}

func (s *TieredSessionStore) fallback(log *zap.Logger, op string, tier port.SessionTier, err error) {
	log.Warn("session tier unavailable, degrading", zap.String("operation", op), zap.String("tier", tier.Name()), zap.Error(err))
	if s.metrics != nil {
		s.metrics.IncFallback(op, tier.Name())
	}
}

func (s *TieredSessionStore) observe(tier port.SessionTier, op string, err error, start time.Time) {
	if s.metrics == nil {
		return
	}
	result := tierResultOK
	switch {
	case err == nil:
	case errors.Is(err, repository.ErrNotFound):
		result = tierResultMiss
	default:
		result = tierResultError
	}
	s.metrics.ObserveTierOperation(tier.Name(), op, result, time.Since(start))
}

var _ port.SessionStore = (*TieredSessionStore)(nil)
