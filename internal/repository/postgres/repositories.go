package postgres

import "github.com/jackc/pgx/v5/pgxpool"

// Repositories groups concrete PostgreSQL repository implementations.
type Repositories struct {
	Sessions    *SessionRepository
	TOTPSecrets *TOTPSecretRepository
}

// NewRepositories wires all repositories backed by the provided pool.
func NewRepositories(pool *pgxpool.Pool) *Repositories {
	return &Repositories{
		Sessions:    NewSessionRepository(pool),
		TOTPSecrets: NewTOTPSecretRepository(pool),
	}
}
