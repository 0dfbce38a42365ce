package domain

import "strings"

// ReusePolicyMode enumerates how refresh rotation reacts to a replayed or stale refresh token.
type ReusePolicyMode string

const (
	// ReusePolicyModeLenient rejects the presented token but keeps the session alive.
	ReusePolicyModeLenient ReusePolicyMode = "lenient"
	// ReusePolicyModeStrict rejects the presented token and revokes the whole session.
	ReusePolicyModeStrict ReusePolicyMode = "strict"
)

// ReusePolicy centralises the refresh reuse decision. Concurrent refreshes of the same
// token race under last-write-wins, so the losing client sees a mismatch that looks
// exactly like a replay; strict mode trades that client's session for theft containment.
type ReusePolicy struct {
	mode ReusePolicyMode
}

// NewReusePolicy constructs a policy with the provided mode, defaulting to lenient when unspecified.
func NewReusePolicy(mode ReusePolicyMode) ReusePolicy {
	if mode != ReusePolicyModeStrict {
		mode = ReusePolicyModeLenient
	}
	return ReusePolicy{mode: mode}
}

// ParseReusePolicyMode normalises textual input into a supported policy mode.
func ParseReusePolicyMode(value string) ReusePolicyMode {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case string(ReusePolicyModeStrict):
		return ReusePolicyModeStrict
	default:
		return ReusePolicyModeLenient
	}
}

// Mode returns the underlying policy mode.
func (p ReusePolicy) Mode() ReusePolicyMode {
	return p.mode
}

// RevokesOnReuse indicates whether a mismatch terminates the session.
func (p ReusePolicy) RevokesOnReuse() bool {
	return p.mode == ReusePolicyModeStrict
}
