package usecase

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/arklim/esign-sessions/internal/core/domain"
	"github.com/arklim/esign-sessions/internal/repository/memory"
)

var errTierDown = errors.New("tier unreachable")

// switchTier wraps an in-process tier and simulates outages on demand.
type switchTier struct {
	*memory.SessionStore
	name string

	mu   sync.Mutex
	down bool
	puts int
}

func newSwitchTier(name string) *switchTier {
	return &switchTier{SessionStore: memory.NewSessionStore(), name: name}
}

func (t *switchTier) Name() string { return t.name }

func (t *switchTier) setDown(down bool) {
	t.mu.Lock()
	t.down = down
	t.mu.Unlock()
}

func (t *switchTier) isDown() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.down
}

func (t *switchTier) putCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.puts
}

func (t *switchTier) Put(ctx context.Context, session domain.Session, ttl time.Duration) error {
	if t.isDown() {
		return errTierDown
	}
	t.mu.Lock()
	t.puts++
	t.mu.Unlock()
	return t.SessionStore.Put(ctx, session, ttl)
}

func (t *switchTier) Get(ctx context.Context, id string) (*domain.Session, error) {
	if t.isDown() {
		return nil, errTierDown
	}
	return t.SessionStore.Get(ctx, id)
}

func (t *switchTier) UpdateRefreshHash(ctx context.Context, id, hash string) error {
	if t.isDown() {
		return errTierDown
	}
	return t.SessionStore.UpdateRefreshHash(ctx, id, hash)
}

func (t *switchTier) UpdateTOTP(ctx context.Context, id string, verified bool, totpCtx domain.TOTPContext, at *time.Time) error {
	if t.isDown() {
		return errTierDown
	}
	return t.SessionStore.UpdateTOTP(ctx, id, verified, totpCtx, at)
}

func (t *switchTier) Touch(ctx context.Context, id string, at time.Time) error {
	if t.isDown() {
		return errTierDown
	}
	return t.SessionStore.Touch(ctx, id, at)
}

func (t *switchTier) Delete(ctx context.Context, id string) error {
	if t.isDown() {
		return errTierDown
	}
	return t.SessionStore.Delete(ctx, id)
}

func (t *switchTier) DeleteByUser(ctx context.Context, userID string) (int, error) {
	if t.isDown() {
		return 0, errTierDown
	}
	return t.SessionStore.DeleteByUser(ctx, userID)
}

func (t *switchTier) ListByUser(ctx context.Context, userID string) ([]domain.Session, error) {
	if t.isDown() {
		return nil, errTierDown
	}
	return t.SessionStore.ListByUser(ctx, userID)
}

func (t *switchTier) DeleteIdleBefore(ctx context.Context, cutoff time.Time) ([]string, error) {
	if t.isDown() {
		return nil, errTierDown
	}
	return t.SessionStore.DeleteIdleBefore(ctx, cutoff)
}

type recordingPublisher struct {
	mu      sync.Mutex
	revoked []domain.SessionRevokedEvent
	reuse   []domain.RefreshReuseDetectedEvent
	swept   []domain.SessionsSweptEvent
}

func (p *recordingPublisher) PublishSessionRevoked(_ context.Context, event domain.SessionRevokedEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.revoked = append(p.revoked, event)
	return nil
}

func (p *recordingPublisher) PublishRefreshReuseDetected(_ context.Context, event domain.RefreshReuseDetectedEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reuse = append(p.reuse, event)
	return nil
}

func (p *recordingPublisher) PublishSessionsSwept(_ context.Context, event domain.SessionsSweptEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.swept = append(p.swept, event)
	return nil
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func syncBackground(fn func()) { fn() }

// deferredBackground queues background work until drain is called.
type deferredBackground struct {
	mu    sync.Mutex
	queue []func()
}

func (b *deferredBackground) run(fn func()) {
	b.mu.Lock()
	b.queue = append(b.queue, fn)
	b.mu.Unlock()
}

func (b *deferredBackground) drain() {
	b.mu.Lock()
	queue := b.queue
	b.queue = nil
	b.mu.Unlock()
	for _, fn := range queue {
		fn()
	}
}
