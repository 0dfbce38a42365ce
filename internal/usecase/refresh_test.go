package usecase

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/arklim/esign-sessions/internal/core/domain"
	"github.com/arklim/esign-sessions/internal/core/port"
	"github.com/arklim/esign-sessions/internal/infra/security"
)

const testSecret = "0123456789abcdef0123456789abcdef"

type refreshFixture struct {
	set      *tierSet
	codec    *security.TokenCodec
	hasher   *security.RefreshHasher
	sessions *SessionService
	refresh  *RefreshService
	events   *recordingPublisher
	metrics  *countingRefreshMetrics
}

type countingRefreshMetrics struct {
	mu      sync.Mutex
	results map[string]int
}

func (m *countingRefreshMetrics) IncRefresh(result string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.results == nil {
		m.results = make(map[string]int)
	}
	m.results[result]++
}

func newRefreshFixture(t *testing.T) *refreshFixture {
	t.Helper()
	set := newTierSet(t)

	codec, err := security.NewTokenCodec(security.CodecOptions{
		Secret:   []byte(testSecret),
		Issuer:   "esign-sessions",
		Audience: "esign-api",
	})
	if err != nil {
		t.Fatalf("NewTokenCodec returned error: %v", err)
	}
	codec.WithClock(set.clock.Now)

	hasher, err := security.NewRefreshHasher(nil)
	if err != nil {
		t.Fatalf("NewRefreshHasher returned error: %v", err)
	}

	events := &recordingPublisher{}
	metrics := &countingRefreshMetrics{}
	log := zaptest.NewLogger(t)

	return &refreshFixture{
		set:      set,
		codec:    codec,
		hasher:   hasher,
		sessions: NewSessionService(set.store, codec, log),
		refresh: NewRefreshService(set.store, codec, hasher, log).
			WithClock(set.clock.Now).
			WithEventPublisher(events).
			WithMetrics(metrics),
		events:  events,
		metrics: metrics,
	}
}

func (f *refreshFixture) start(t *testing.T, userID string) *StartSessionResult {
	t.Helper()
	result, err := f.sessions.Start(context.Background(), StartSessionInput{
		UserID:    userID,
		Email:     userID + "@example.com",
		Role:      "signer",
		IPAddress: "203.0.113.7",
	})
	if err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	return result
}

func TestRefreshService_RotationInvalidatesPresentedToken(t *testing.T) {
	f := newRefreshFixture(t)
	ctx := context.Background()
	started := f.start(t, "user-1")

	f.set.clock.Advance(time.Minute)
	next, err := f.refresh.Refresh(ctx, started.SessionID, started.Tokens.RefreshToken)
	if err != nil {
		t.Fatalf("Refresh returned error: %v", err)
	}
	if next.RefreshToken == started.Tokens.RefreshToken {
		t.Fatalf("expected a new refresh token")
	}

	claims, err := f.codec.VerifyAccess(next.AccessToken)
	if err != nil {
		t.Fatalf("new access token does not verify: %v", err)
	}
	if claims.SessionID != started.SessionID || claims.Role != "signer" {
		t.Fatalf("unexpected access claims: %+v", claims)
	}

	if _, err := f.refresh.Refresh(ctx, started.SessionID, started.Tokens.RefreshToken); !errors.Is(err, domain.ErrReplayOrRotationMismatch) {
		t.Fatalf("expected ErrReplayOrRotationMismatch for the rotated token, got %v", err)
	}

	if _, err := f.refresh.Refresh(ctx, "", next.RefreshToken); err != nil {
		t.Fatalf("expected latest token to refresh using its sid claim, got %v", err)
	}

	if f.metrics.results[refreshResultRotated] != 2 || f.metrics.results[refreshResultMismatch] != 1 {
		t.Fatalf("unexpected refresh metrics: %v", f.metrics.results)
	}
	if len(f.events.reuse) != 1 || f.events.reuse[0].SessionRevoked {
		t.Fatalf("expected one reuse event without revocation, got %+v", f.events.reuse)
	}
}

func TestRefreshService_StrictPolicyRevokesOnReuse(t *testing.T) {
	f := newRefreshFixture(t)
	f.refresh.WithReusePolicy(domain.NewReusePolicy(domain.ReusePolicyModeStrict))
	ctx := context.Background()
	started := f.start(t, "user-1")

	next, err := f.refresh.Refresh(ctx, started.SessionID, started.Tokens.RefreshToken)
	if err != nil {
		t.Fatalf("Refresh returned error: %v", err)
	}
	if _, err := f.refresh.Refresh(ctx, started.SessionID, started.Tokens.RefreshToken); !errors.Is(err, domain.ErrReplayOrRotationMismatch) {
		t.Fatalf("expected mismatch, got %v", err)
	}
	if _, err := f.refresh.Refresh(ctx, started.SessionID, next.RefreshToken); !errors.Is(err, domain.ErrSessionNotFound) {
		t.Fatalf("expected session to be revoked, got %v", err)
	}
	if len(f.events.reuse) != 1 || !f.events.reuse[0].SessionRevoked {
		t.Fatalf("expected reuse event with revocation, got %+v", f.events.reuse)
	}
}

func TestRefreshService_Rejections(t *testing.T) {
	f := newRefreshFixture(t)
	ctx := context.Background()
	started := f.start(t, "user-1")
	other := f.start(t, "user-2")

	tests := []struct {
		name      string
		sessionID string
		token     string
		want      error
	}{
		{name: "empty token", sessionID: started.SessionID, token: "", want: domain.ErrTokenInvalid},
		{name: "unknown session", sessionID: "missing", token: started.Tokens.RefreshToken, want: domain.ErrSessionNotFound},
		{name: "access token", sessionID: started.SessionID, token: started.Tokens.AccessToken, want: domain.ErrWrongTokenType},
		{name: "foreign session token", sessionID: started.SessionID, token: other.Tokens.RefreshToken, want: domain.ErrTokenInvalid},
		{name: "garbage", sessionID: started.SessionID, token: "not-a-jwt", want: domain.ErrTokenInvalid},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.refresh.Refresh(ctx, tt.sessionID, tt.token)
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestRefreshService_ExpiredRefreshToken(t *testing.T) {
	f := newRefreshFixture(t)
	started := f.start(t, "user-1")

	f.set.clock.Advance(f.codec.RefreshTTL() + time.Second)
	if _, err := f.refresh.Refresh(context.Background(), started.SessionID, started.Tokens.RefreshToken); !errors.Is(err, domain.ErrTokenExpired) {
		t.Fatalf("expected ErrTokenExpired, got %v", err)
	}
}

func TestRefreshService_RevokedSessionCannotRefresh(t *testing.T) {
	f := newRefreshFixture(t)
	ctx := context.Background()
	started := f.start(t, "user-1")

	if err := f.set.store.Revoke(ctx, started.SessionID); err != nil {
		t.Fatalf("Revoke returned error: %v", err)
	}
	if _, err := f.refresh.Refresh(ctx, started.SessionID, started.Tokens.RefreshToken); !errors.Is(err, domain.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

// barrierStore holds the first two Get calls until both have read the session.
type barrierStore struct {
	port.SessionStore

	mu      sync.Mutex
	arrived int
	release chan struct{}
}

func (b *barrierStore) Get(ctx context.Context, id string) (*domain.Session, error) {
	session, err := b.SessionStore.Get(ctx, id)

	b.mu.Lock()
	b.arrived++
	n := b.arrived
	if n == 2 {
		close(b.release)
	}
	b.mu.Unlock()

	if n <= 2 {
		<-b.release
	}
	return session, err
}

func TestRefreshService_ConcurrentRefreshIsLastWriteWins(t *testing.T) {
	f := newRefreshFixture(t)
	ctx := context.Background()
	started := f.start(t, "user-1")

	racing := NewRefreshService(&barrierStore{SessionStore: f.set.store, release: make(chan struct{})}, f.codec, f.hasher, zaptest.NewLogger(t))

	var (
		wg    sync.WaitGroup
		pairs [2]domain.TokenPair
		errs  [2]error
	)
	for i := range 2 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			pairs[i], errs[i] = racing.Refresh(ctx, started.SessionID, started.Tokens.RefreshToken)
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("racing refresh %d returned error: %v", i, err)
		}
	}

	if pairs[0].RefreshToken == pairs[1].RefreshToken {
		t.Fatalf("racing refreshes must mint distinct refresh tokens")
	}

	stored, err := f.set.store.Get(ctx, started.SessionID)
	if err != nil || stored == nil {
		t.Fatalf("Get returned %v %v", stored, err)
	}
	winner, loser := -1, -1
	for i, pair := range pairs {
		if f.hasher.Equal(pair.RefreshToken, stored.RefreshTokenHash) {
			winner = i
		} else {
			loser = i
		}
	}
	if winner == -1 || loser == -1 {
		t.Fatalf("expected exactly one pair to match the last written hash, winner=%d loser=%d", winner, loser)
	}

	if _, err := f.refresh.Refresh(ctx, started.SessionID, pairs[loser].RefreshToken); !errors.Is(err, domain.ErrReplayOrRotationMismatch) {
		t.Fatalf("expected overwritten pair to be rejected as a replay, got %v", err)
	}
	if _, err := f.refresh.Refresh(ctx, started.SessionID, pairs[winner].RefreshToken); err != nil {
		t.Fatalf("expected last written pair to refresh, got %v", err)
	}
}
