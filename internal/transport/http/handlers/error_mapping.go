package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/arklim/esign-sessions/internal/core/domain"
)

// ErrorCase maps a sentinel error to an HTTP status code and response message.
type ErrorCase struct {
	Err     error
	Status  int
	Message string
}

// tokenErrorCases cover every failure that means the caller must log in again.
var tokenErrorCases = []ErrorCase{
	{Err: domain.ErrTokenExpired, Status: http.StatusUnauthorized, Message: "token expired"},
	{Err: domain.ErrWrongTokenType, Status: http.StatusUnauthorized, Message: "refresh token required"},
	{Err: domain.ErrTokenInvalid, Status: http.StatusUnauthorized, Message: "invalid token"},
	{Err: domain.ErrReplayOrRotationMismatch, Status: http.StatusUnauthorized, Message: "refresh token no longer valid"},
	{Err: domain.ErrSessionNotFound, Status: http.StatusUnauthorized, Message: "session not found"},
	{Err: domain.ErrStorageUnavailable, Status: http.StatusUnauthorized, Message: "session not found"},
	{Err: domain.ErrRateLimited, Status: http.StatusTooManyRequests, Message: "too many attempts"},
}

// RespondWithMappedError resolves the provided error against known cases or falls back to a generic response.
func RespondWithMappedError(c *gin.Context, err error, cases []ErrorCase, fallbackStatus int, fallbackMessage string) {
	if err == nil {
		c.Status(http.StatusOK)
		return
	}

	for _, cs := range cases {
		if cs.Err == nil {
			continue
		}
		if errors.Is(err, cs.Err) {
			c.JSON(cs.Status, NewErrorResponse(c, cs.Message))
			return
		}
	}

	_ = c.Error(err)
	c.JSON(fallbackStatus, NewErrorResponse(c, fallbackMessage))
}

// respondUnauthenticated maps err with the token cases first; anything unrecognised is a 401.
func respondUnauthenticated(c *gin.Context, err error, extra ...ErrorCase) {
	cases := append(append([]ErrorCase{}, extra...), tokenErrorCases...)
	RespondWithMappedError(c, err, cases, http.StatusUnauthorized, "authentication required")
}
