package usecase

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/arklim/esign-sessions/internal/core/domain"
)

func TestRevocationService_LogoutPublishesEvent(t *testing.T) {
	set := newTierSet(t)
	events := &recordingPublisher{}
	svc := NewRevocationService(set.store, events, 0, zaptest.NewLogger(t)).WithClock(set.clock.Now)
	ctx := context.Background()

	if err := set.store.Create(ctx, "sess-1", "user-1", "", "refresh", domain.SessionMeta{}); err != nil {
		t.Fatalf("Create returned error: %v", err)
	}

	svc.Logout(ctx, "user-1", "sess-1")

	if session, _ := set.store.Get(ctx, "sess-1"); session != nil {
		t.Fatalf("expected session to be revoked")
	}
	if len(events.revoked) != 1 {
		t.Fatalf("expected one revoked event, got %d", len(events.revoked))
	}
	event := events.revoked[0]
	if event.Reason != domain.RevokeReasonLogout || event.SessionID != "sess-1" || event.EventID == "" {
		t.Fatalf("unexpected event: %+v", event)
	}
}

func TestRevocationService_LogoutIsBestEffort(t *testing.T) {
	set := newTierSet(t)
	events := &recordingPublisher{}
	svc := NewRevocationService(set.store, events, 0, zaptest.NewLogger(t))

	set.fast.setDown(true)
	set.durable.setDown(true)
	set.local.setDown(true)

	svc.Logout(context.Background(), "user-1", "sess-1")
	svc.Logout(context.Background(), "user-1", "")

	if len(events.revoked) != 0 {
		t.Fatalf("no event expected when nothing was revoked")
	}
}

func TestRevocationService_RevokeAll(t *testing.T) {
	set := newTierSet(t)
	events := &recordingPublisher{}
	svc := NewRevocationService(set.store, events, 0, zaptest.NewLogger(t))
	ctx := context.Background()

	for _, id := range []string{"a-1", "a-2"} {
		if err := set.store.Create(ctx, id, "user-a", "", "refresh", domain.SessionMeta{}); err != nil {
			t.Fatalf("Create returned error: %v", err)
		}
	}

	removed, err := svc.RevokeAll(ctx, "user-a")
	if err != nil {
		t.Fatalf("RevokeAll returned error: %v", err)
	}
	if removed != 2 {
		t.Fatalf("expected 2 sessions revoked, got %d", removed)
	}
	if len(events.revoked) != 1 || events.revoked[0].SessionsRevoked != 2 || events.revoked[0].Reason != domain.RevokeReasonRevokeAll {
		t.Fatalf("unexpected events: %+v", events.revoked)
	}

	if _, err := svc.RevokeAll(ctx, " "); err == nil {
		t.Fatalf("expected error for empty user id")
	}
}

func TestRevocationService_Sweep(t *testing.T) {
	set := newTierSet(t)
	events := &recordingPublisher{}
	svc := NewRevocationService(set.store, events, 24*time.Hour, zaptest.NewLogger(t)).WithClock(set.clock.Now)
	ctx := context.Background()

	if err := set.store.Create(ctx, "idle", "user-1", "", "refresh", domain.SessionMeta{}); err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	set.clock.Advance(25 * time.Hour)

	removed, err := svc.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep returned error: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected one session swept, got %d", removed)
	}
	if len(events.swept) != 1 || events.swept[0].Removed != 1 {
		t.Fatalf("unexpected sweep events: %+v", events.swept)
	}
	if !events.swept[0].Cutoff.Equal(set.clock.Now().Add(-24 * time.Hour)) {
		t.Fatalf("unexpected cutoff %v", events.swept[0].Cutoff)
	}
}

type countingRunner struct {
	calls int
	err   error
}

func (r *countingRunner) Sweep(context.Context) (int, error) {
	r.calls++
	return 3, r.err
}

func TestSweeper_RunOnceAndStop(t *testing.T) {
	runner := &countingRunner{}
	sweeper := NewSweeper(runner, time.Hour, zaptest.NewLogger(t))

	if removed := sweeper.RunOnce(context.Background()); removed != 3 {
		t.Fatalf("expected 3 removed, got %d", removed)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	done := make(chan struct{})
	go func() {
		sweeper.Run(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("sweeper did not stop after cancellation")
	}
	if runner.calls != 1 {
		t.Fatalf("expected no sweep before the first tick, got %d calls", runner.calls)
	}
}
