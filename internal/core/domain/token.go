package domain

// TokenType distinguishes access from refresh tokens via the "typ" claim.
type TokenType string

const (
	TokenTypeAccess  TokenType = "access"
	TokenTypeRefresh TokenType = "refresh"
)

// TokenPair is the transient result of issuing tokens for a session.
type TokenPair struct {
	SessionID    string
	AccessToken  string
	RefreshToken string
	// ExpiresAt is the access token expiry as epoch seconds.
	ExpiresAt int64
}
