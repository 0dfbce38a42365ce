package domain

import "time"

// Revocation reasons attached to SessionRevokedEvent.
const (
	RevokeReasonLogout       = "logout"
	RevokeReasonRevokeAll    = "revoke_all"
	RevokeReasonRefreshReuse = "refresh_reuse"
)

// SessionRevokedEvent represents the payload for esign.session.revoked messages.
type SessionRevokedEvent struct {
	EventID         string
	SessionID       string
	UserID          string
	RevokedAt       time.Time
	Reason          string
	SessionsRevoked int
	IPAddress       *string
	Metadata        map[string]any
}

// RefreshReuseDetectedEvent is emitted when a presented refresh token does not
// match the session's current hash.
type RefreshReuseDetectedEvent struct {
	EventID        string
	SessionID      string
	UserID         string
	DetectedAt     time.Time
	SessionRevoked bool
	IPAddress      *string
}

// SessionsSweptEvent summarises one retention sweep.
type SessionsSweptEvent struct {
	EventID  string
	SweptAt  time.Time
	Cutoff   time.Time
	Removed  int
	Duration time.Duration
}
