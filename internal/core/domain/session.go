package domain

import (
	"strings"
	"time"
)

// TOTPContext names the action a step-up verification was performed for.
type TOTPContext string

const (
	TOTPContextLogin   TOTPContext = "login"
	TOTPContextSigning TOTPContext = "signing"
	TOTPContextBoth    TOTPContext = "both"
)

// ParseTOTPContext normalises textual input into a supported context.
func ParseTOTPContext(value string) (TOTPContext, bool) {
	switch TOTPContext(strings.ToLower(strings.TrimSpace(value))) {
	case TOTPContextLogin:
		return TOTPContextLogin, true
	case TOTPContextSigning:
		return TOTPContextSigning, true
	case TOTPContextBoth:
		return TOTPContextBoth, true
	default:
		return "", false
	}
}

// Covers reports whether a verification recorded under c satisfies the required context.
// A "both" verification satisfies either action; a "both" requirement needs a "both" verification.
func (c TOTPContext) Covers(required TOTPContext) bool {
	if c == "" {
		return false
	}
	if c == TOTPContextBoth {
		return true
	}
	return c == required
}

// SessionMeta carries the advisory request metadata and opaque passthrough
// claims captured when a session is created.
type SessionMeta struct {
	UserAgent   string
	IPAddress   string
	Role        string
	AccountType string
}

// Session is the server-side record of one login.
type Session struct {
	ID               string
	UserID           string
	Email            string
	RefreshTokenHash string
	Role             string
	AccountType      string
	CreatedAt        time.Time
	LastUsedAt       time.Time
	UserAgent        string
	IPAddress        string
	TOTPVerified     bool
	TOTPVerifiedAt   *time.Time
	TOTPContext      TOTPContext
}

// NewSession builds a fresh session record; the refresh hash is supplied by the caller.
func NewSession(id, userID, email, refreshHash string, meta SessionMeta, at time.Time) Session {
	return Session{
		ID:               id,
		UserID:           userID,
		Email:            email,
		RefreshTokenHash: refreshHash,
		Role:             meta.Role,
		AccountType:      meta.AccountType,
		CreatedAt:        at,
		LastUsedAt:       at,
		UserAgent:        meta.UserAgent,
		IPAddress:        meta.IPAddress,
	}
}

// Touch records activity on the session.
func (s *Session) Touch(at time.Time) {
	if at.After(s.LastUsedAt) {
		s.LastUsedAt = at
	}
}

// ApplyTOTP merges a step-up outcome into the session.
func (s *Session) ApplyTOTP(verified bool, ctx TOTPContext, at time.Time) {
	s.TOTPVerified = verified
	s.TOTPContext = ctx
	if verified {
		ts := at
		s.TOTPVerifiedAt = &ts
		return
	}
	s.TOTPVerifiedAt = nil
}

// StepUpFresh reports whether the session holds a verification covering the
// required context that is no older than maxAge at the supplied moment.
func (s Session) StepUpFresh(required TOTPContext, maxAge time.Duration, at time.Time) bool {
	if !s.TOTPVerified || s.TOTPVerifiedAt == nil {
		return false
	}
	if !s.TOTPContext.Covers(required) {
		return false
	}
	return at.Sub(*s.TOTPVerifiedAt) <= maxAge
}

// IdleSince reports whether the session has seen no activity since cutoff.
func (s Session) IdleSince(cutoff time.Time) bool {
	return s.LastUsedAt.Before(cutoff)
}
