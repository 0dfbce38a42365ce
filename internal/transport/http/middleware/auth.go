package middleware

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/arklim/esign-sessions/internal/core/domain"
	"github.com/arklim/esign-sessions/internal/infra/security"
)

const (
	// SessionIDKey is the context key for the session bound to the access token.
	SessionIDKey = "session_id"
	// ClaimsKey is the context key for the verified access token claims.
	ClaimsKey = "claims"
	// InternalTokenHeader carries the shared secret of trusted upstream services.
	InternalTokenHeader = "X-Internal-Token"
)

// AccessVerifier validates access tokens. Only signature, expiry and token type are checked.
type AccessVerifier interface {
	VerifyAccess(raw string) (*security.SessionClaims, error)
}

// ErrorResponse matches the handlers.ErrorResponse structure
type ErrorResponse struct {
	Error   string `json:"error"`
	TraceID string `json:"trace_id,omitempty"`
}

func newErrorResponse(c *gin.Context, errorMsg string) ErrorResponse {
	return ErrorResponse{
		Error:   errorMsg,
		TraceID: GetTraceID(c),
	}
}

// RequireAuth validates the bearer access token and stores its claims on the context.
func RequireAuth(verifier AccessVerifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, msg := bearerToken(c.GetHeader("Authorization"))
		if msg != "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, newErrorResponse(c, msg))
			return
		}

		claims, err := verifier.VerifyAccess(token)
		if err != nil {
			switch {
			case errors.Is(err, domain.ErrTokenExpired):
				c.AbortWithStatusJSON(http.StatusUnauthorized, newErrorResponse(c, "access token expired"))
			case errors.Is(err, domain.ErrWrongTokenType):
				c.AbortWithStatusJSON(http.StatusUnauthorized, newErrorResponse(c, "access token required"))
			default:
				c.AbortWithStatusJSON(http.StatusUnauthorized, newErrorResponse(c, "invalid access token"))
			}
			return
		}

		c.Set(UserIDKey, claims.UserID)
		c.Set(SessionIDKey, claims.SessionID)
		c.Set(ClaimsKey, claims)

		if reqCtx := GetRequestContext(c); reqCtx != nil {
			reqCtx.UserID = claims.UserID
		}

		c.Next()
	}
}

// RequireInternalToken admits only callers presenting the shared internal token.
// An empty configured token rejects every request.
func RequireInternalToken(expected string) gin.HandlerFunc {
	want := []byte(expected)
	return func(c *gin.Context) {
		got := []byte(c.GetHeader(InternalTokenHeader))
		if len(want) == 0 || subtle.ConstantTimeCompare(got, want) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, newErrorResponse(c, "invalid internal token"))
			return
		}
		c.Next()
	}
}

func bearerToken(header string) (string, string) {
	if header == "" {
		return "", "missing authorization header"
	}

	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", "invalid authorization format: expected 'Bearer <token>'"
	}

	token := strings.TrimSpace(parts[1])
	if token == "" {
		return "", "missing access token"
	}
	return token, ""
}

// GetAuthenticatedUserID retrieves the user ID from context (helper for handlers)
func GetAuthenticatedUserID(c *gin.Context) (string, bool) {
	return contextString(c, UserIDKey)
}

// GetAuthenticatedSessionID returns the session the access token was issued for.
func GetAuthenticatedSessionID(c *gin.Context) (string, bool) {
	return contextString(c, SessionIDKey)
}

// GetAccessClaims returns the verified access token claims, if any.
func GetAccessClaims(c *gin.Context) *security.SessionClaims {
	if raw, ok := c.Get(ClaimsKey); ok {
		if claims, ok := raw.(*security.SessionClaims); ok {
			return claims
		}
	}
	return nil
}

func contextString(c *gin.Context, key string) (string, bool) {
	raw, exists := c.Get(key)
	if !exists {
		return "", false
	}
	value, ok := raw.(string)
	if !ok || value == "" {
		return "", false
	}
	return value, true
}
