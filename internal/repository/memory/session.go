// Package memory provides the in-process session tier used when both shared
// tiers are unreachable. Sessions held here are visible only to this instance.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/arklim/esign-sessions/internal/core/domain"
	"github.com/arklim/esign-sessions/internal/core/port"
	"github.com/arklim/esign-sessions/internal/repository"
)

type entry struct {
	session   domain.Session
	expiresAt time.Time
}

// SessionStore is a mutex-guarded map of sessions with per-entry expiry.
type SessionStore struct {
	mu   sync.RWMutex
	m    map[string]entry
	nowF func() time.Time
}

// NewSessionStore returns an empty in-process tier.
func NewSessionStore() *SessionStore {
	return &SessionStore{
		m:    make(map[string]entry),
		nowF: time.Now,
	}
}

// WithClock overrides the time source (primarily for tests).
func (s *SessionStore) WithClock(now func() time.Time) *SessionStore {
	if now != nil {
		s.nowF = now
	}
	return s
}

// Name identifies the tier in logs and metrics.
func (s *SessionStore) Name() string {
	return "memory"
}

// Len reports how many entries are held, expired or not.
func (s *SessionStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.m)
}

// Put stores a copy of session until ttl elapses.
func (s *SessionStore) Put(_ context.Context, session domain.Session, ttl time.Duration) error {
	id := strings.TrimSpace(session.ID)
	if id == "" {
		return repository.ErrNotFound
	}
	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = s.nowF().Add(ttl)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[id] = entry{session: cloneSession(session), expiresAt: expiresAt}
	return nil
}

// Get returns a copy of the session if present and not expired.
func (s *SessionStore) Get(_ context.Context, sessionID string) (*domain.Session, error) {
	id := strings.TrimSpace(sessionID)

	s.mu.RLock()
	e, ok := s.m[id]
	s.mu.RUnlock()
	if !ok {
		return nil, repository.ErrNotFound
	}
	if s.expired(e) {
		s.evictExpired(id)
		return nil, repository.ErrNotFound
	}

	session := cloneSession(e.session)
	return &session, nil
}

// UpdateRefreshHash overwrites the stored refresh digest.
func (s *SessionStore) UpdateRefreshHash(_ context.Context, sessionID, hash string) error {
	return s.mutate(sessionID, func(session *domain.Session) {
		session.RefreshTokenHash = hash
	})
}

// UpdateTOTP merges the step-up state.
func (s *SessionStore) UpdateTOTP(_ context.Context, sessionID string, verified bool, totpCtx domain.TOTPContext, verifiedAt *time.Time) error {
	return s.mutate(sessionID, func(session *domain.Session) {
		session.TOTPVerified = verified
		session.TOTPContext = totpCtx
		session.TOTPVerifiedAt = copyTime(verifiedAt)
	})
}

// Touch records activity.
func (s *SessionStore) Touch(_ context.Context, sessionID string, at time.Time) error {
	return s.mutate(sessionID, func(session *domain.Session) {
		session.Touch(at)
	})
}

// Delete removes the session; deleting an absent id is not an error.
func (s *SessionStore) Delete(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.m, strings.TrimSpace(sessionID))
	return nil
}

// DeleteByUser removes every session owned by userID.
func (s *SessionStore) DeleteByUser(_ context.Context, userID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, e := range s.m {
		if e.session.UserID != userID {
			continue
		}
		delete(s.m, id)
		if !s.expired(e) {
			removed++
		}
	}
	return removed, nil
}

// ListByUser returns live sessions for userID, most recently used first.
func (s *SessionStore) ListByUser(_ context.Context, userID string) ([]domain.Session, error) {
	s.mu.RLock()
	sessions := make([]domain.Session, 0)
	for _, e := range s.m {
		if e.session.UserID == userID && !s.expired(e) {
			sessions = append(sessions, cloneSession(e.session))
		}
	}
	s.mu.RUnlock()

	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].LastUsedAt.After(sessions[j].LastUsedAt)
	})
	return sessions, nil
}

// DeleteIdleBefore removes sessions idle since cutoff along with expired entries.
func (s *SessionStore) DeleteIdleBefore(_ context.Context, cutoff time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0)
	for id, e := range s.m {
		if s.expired(e) {
			delete(s.m, id)
			continue
		}
		if e.session.IdleSince(cutoff) {
			delete(s.m, id)
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (s *SessionStore) mutate(sessionID string, fn func(*domain.Session)) error {
	id := strings.TrimSpace(sessionID)

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.m[id]
	if !ok || s.expired(e) {
		delete(s.m, id)
		return repository.ErrNotFound
	}
	fn(&e.session)
	s.m[id] = e
	return nil
}

// evictExpired deletes id only if the entry is still expired under the write
// lock; a Put that landed after the read keeps its fresh entry.
func (s *SessionStore) evictExpired(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.m[id]; ok && s.expired(e) {
		delete(s.m, id)
	}
}

func (s *SessionStore) expired(e entry) bool {
	return !e.expiresAt.IsZero() && !e.expiresAt.After(s.nowF())
}

func cloneSession(session domain.Session) domain.Session {
	session.TOTPVerifiedAt = copyTime(session.TOTPVerifiedAt)
	return session
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

var _ port.SweepableTier = (*SessionStore)(nil)
