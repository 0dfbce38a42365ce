package handlers

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/arklim/esign-sessions/internal/core/domain"
	"github.com/arklim/esign-sessions/internal/transport/http/middleware"
)

// ErrorResponse is the uniform error payload.
type ErrorResponse struct {
	Error   string `json:"error"`
	TraceID string `json:"trace_id,omitempty"`
}

// NewErrorResponse creates an error response carrying the request trace ID.
func NewErrorResponse(c *gin.Context, message string) ErrorResponse {
	return ErrorResponse{
		Error:   message,
		TraceID: middleware.GetTraceID(c),
	}
}

// CreateSessionRequest is sent by the trusted login service after it has authenticated the user.
type CreateSessionRequest struct {
	UserID      string `json:"user_id" binding:"required"`
	Email       string `json:"email" binding:"omitempty,email"`
	Role        string `json:"role"`
	AccountType string `json:"account_type"`
	// Forwarded client metadata; the caller's own values are used when empty.
	UserAgent string `json:"user_agent"`
	IPAddress string `json:"ip_address"`
}

// TokenPairResponse carries a freshly minted token pair.
type TokenPairResponse struct {
	SessionID    string `json:"session_id,omitempty"`
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresAt    int64  `json:"expires_at"`
	ExpiresIn    int64  `json:"expires_in"`
}

// RefreshRequest exchanges a refresh token. SessionID defaults to the token's sid claim.
type RefreshRequest struct {
	SessionID    string `json:"session_id"`
	RefreshToken string `json:"refresh_token" binding:"required"`
}

// SessionPayload is the advisory view of one session.
type SessionPayload struct {
	ID             string     `json:"id"`
	CreatedAt      time.Time  `json:"created_at"`
	LastUsedAt     time.Time  `json:"last_used_at"`
	UserAgent      string     `json:"user_agent,omitempty"`
	IPAddress      string     `json:"ip_address,omitempty"`
	AccountType    string     `json:"account_type,omitempty"`
	TOTPVerified   bool       `json:"totp_verified"`
	TOTPVerifiedAt *time.Time `json:"totp_verified_at,omitempty"`
	TOTPContext    string     `json:"totp_context,omitempty"`
	IsCurrent      bool       `json:"is_current"`
}

// SessionListResponse lists the caller's sessions.
type SessionListResponse struct {
	Sessions []SessionPayload `json:"sessions"`
	Total    int              `json:"total"`
}

// RevokeAllResponse reports how many sessions were revoked.
type RevokeAllResponse struct {
	Revoked int `json:"revoked"`
}

// StepUpRequest submits a TOTP code for the current session.
type StepUpRequest struct {
	Code    string `json:"code" binding:"required"`
	Context string `json:"context" binding:"required"`
}

// StepUpStatusResponse reports step-up freshness for a context.
type StepUpStatusResponse struct {
	Fresh         bool   `json:"fresh"`
	Context       string `json:"context"`
	MaxAgeSeconds int64  `json:"max_age_seconds"`
}

// HealthResponse describes service health.
type HealthResponse struct {
	Status    string            `json:"status"`
	StartedAt time.Time         `json:"started_at"`
	Checks    map[string]string `json:"checks,omitempty"`
}

func newTokenPairResponse(sessionID string, pair domain.TokenPair, now time.Time) TokenPairResponse {
	expiresIn := pair.ExpiresAt - now.Unix()
	if expiresIn < 0 {
		expiresIn = 0
	}
	return TokenPairResponse{
		SessionID:    sessionID,
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		TokenType:    "Bearer",
		ExpiresAt:    pair.ExpiresAt,
		ExpiresIn:    expiresIn,
	}
}

func newSessionPayload(session domain.Session, currentID string) SessionPayload {
	return SessionPayload{
		ID:             session.ID,
		CreatedAt:      session.CreatedAt,
		LastUsedAt:     session.LastUsedAt,
		UserAgent:      session.UserAgent,
		IPAddress:      session.IPAddress,
		AccountType:    session.AccountType,
		TOTPVerified:   session.TOTPVerified,
		TOTPVerifiedAt: session.TOTPVerifiedAt,
		TOTPContext:    string(session.TOTPContext),
		IsCurrent:      currentID != "" && session.ID == currentID,
	}
}
