package usecase

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/arklim/esign-sessions/internal/core/port"
	"github.com/arklim/esign-sessions/internal/infra/logger"
)

// RateRule bounds attempts for one identifier class within a sliding window.
type RateRule struct {
	Window      time.Duration
	MaxAttempts int
}

// Enabled reports whether the rule constrains anything.
func (r RateRule) Enabled() bool {
	return r.Window > 0 && r.MaxAttempts > 0
}

// RateDecision is the outcome of one guarded attempt.
type RateDecision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	Reset      time.Time
	RetryAfter time.Duration
	// Degraded is set when the backing store failed and the attempt was allowed without counting.
	Degraded bool
}

// RateGuard enforces sliding-window attempt limits on top of a RateLimitStore.
type RateGuard struct {
	store  port.RateLimitStore
	logger *zap.Logger
	now    func() time.Time
}

// NewRateGuard constructs a guard. A nil store disables limiting.
func NewRateGuard(store port.RateLimitStore, log *zap.Logger) *RateGuard {
	if log == nil {
		log = zap.NewNop()
	}
	return &RateGuard{store: store, logger: log, now: time.Now}
}

// WithClock overrides the internal clock for deterministic tests.
func (g *RateGuard) WithClock(clock func() time.Time) *RateGuard {
	if clock != nil {
		g.now = clock
	}
	return g
}

// CheckAndIncrement counts an attempt for identifier unless the window is
// already full. Store failures fail open and are logged.
func (g *RateGuard) CheckAndIncrement(ctx context.Context, identifier string, window time.Duration, maxAttempts int) (RateDecision, error) {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return RateDecision{}, fmt.Errorf("rate guard: identifier is required")
	}
	if window <= 0 || maxAttempts <= 0 {
		return RateDecision{}, fmt.Errorf("rate guard: window and max attempts must be positive")
	}

	now := g.now()
	open := RateDecision{Allowed: true, Limit: maxAttempts, Remaining: maxAttempts, Reset: now.Add(window), Degraded: true}
	if g.store == nil {
		return open, nil
	}

	decision, err := g.evaluate(ctx, identifier, window, maxAttempts, now)
	if err != nil {
		logger.WithContext(ctx, g.logger).Warn("rate limit check failed, allowing attempt",
			zap.String("identifier", maskIdentifier(identifier)),
			zap.Error(err),
		)
		return open, nil
	}

	return decision, nil
}

// Check applies rule to identifier; a disabled rule always allows.
func (g *RateGuard) Check(ctx context.Context, identifier string, rule RateRule) (RateDecision, error) {
	if !rule.Enabled() {
		return RateDecision{Allowed: true, Limit: rule.MaxAttempts, Remaining: rule.MaxAttempts}, nil
	}
	return g.CheckAndIncrement(ctx, identifier, rule.Window, rule.MaxAttempts)
}

func (g *RateGuard) evaluate(ctx context.Context, key string, window time.Duration, limit int, now time.Time) (RateDecision, error) {
	if err := g.store.TrimWindow(ctx, key, window, now); err != nil {
		return RateDecision{}, err
	}

	count, err := g.store.CountAttempts(ctx, key, window, now)
	if err != nil {
		return RateDecision{}, err
	}

	oldest, hasAttempts, err := g.store.OldestAttempt(ctx, key, window, now)
	if err != nil {
		return RateDecision{}, err
	}

	decision := RateDecision{
		Allowed: true,
		Limit:   limit,
		Reset:   now.Add(window),
	}
	if hasAttempts {
		decision.Reset = oldest.Add(window)
	}

	if count >= limit {
		decision.Allowed = false
		decision.RetryAfter = nonNegative(decision.Reset.Sub(now))
		return decision, nil
	}

	if err := g.store.RecordAttempt(ctx, key, now); err != nil {
		return RateDecision{}, err
	}

	decision.Remaining = limit - count - 1
	if decision.Remaining < 0 {
		decision.Remaining = 0
	}
	decision.RetryAfter = nonNegative(decision.Reset.Sub(now))

	return decision, nil
}

func nonNegative(d time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	return d
}

// maskIdentifier keeps the identifier class visible while masking the subject.
func maskIdentifier(identifier string) string {
	idx := strings.LastIndex(identifier, ":")
	if idx < 0 {
		return logger.MaskString(identifier)
	}
	return identifier[:idx+1] + logger.MaskString(identifier[idx+1:])
}
