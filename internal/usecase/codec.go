package usecase

import (
	"github.com/arklim/esign-sessions/internal/core/domain"
	"github.com/arklim/esign-sessions/internal/infra/security"
)

// TokenCodec issues and verifies session token pairs.
type TokenCodec interface {
	Issue(userID, email, sessionID, role string) (domain.TokenPair, error)
	VerifyRefresh(raw string) (*security.SessionClaims, error)
}

var _ TokenCodec = (*security.TokenCodec)(nil)
