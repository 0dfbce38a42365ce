package port

import "context"

// RefreshTokenHasher derives the stored digest of a refresh token and compares
// presented tokens against it in constant time.
type RefreshTokenHasher interface {
	Hash(token string) string
	Equal(token, storedHash string) bool
}

// TOTPVerifier validates a time-based one-time code against a shared secret.
type TOTPVerifier interface {
	Validate(code, secret string) (bool, error)
}

// TOTPSecretSource resolves a user's enrolled TOTP secret. Enrollment itself is
// owned by the identity service.
type TOTPSecretSource interface {
	TOTPSecret(ctx context.Context, userID string) (string, error)
}
