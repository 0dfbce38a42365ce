package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/arklim/esign-sessions/internal/core/domain"
	"github.com/arklim/esign-sessions/internal/transport/http/middleware"
	"github.com/arklim/esign-sessions/internal/usecase"
)

// SessionHandler exposes session lifecycle endpoints.
type SessionHandler struct {
	sessions   *usecase.SessionService
	refresh    *usecase.RefreshService
	revocation *usecase.RevocationService
	now        func() time.Time
}

// NewSessionHandler constructs a session handler.
func NewSessionHandler(sessions *usecase.SessionService, refresh *usecase.RefreshService, revocation *usecase.RevocationService) *SessionHandler {
	return &SessionHandler{
		sessions:   sessions,
		refresh:    refresh,
		revocation: revocation,
		now:        time.Now,
	}
}

// Create starts a session for a user already authenticated by the calling service.
// POST /api/v1/sessions (X-Internal-Token)
func (h *SessionHandler) Create(c *gin.Context) {
	var req CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, NewErrorResponse(c, "user_id is required and email must be valid"))
		return
	}

	reqCtx := middleware.GetRequestContext(c)
	input := usecase.StartSessionInput{
		UserID:      req.UserID,
		Email:       req.Email,
		Role:        req.Role,
		AccountType: req.AccountType,
		UserAgent:   firstNonEmpty(req.UserAgent, reqCtx.UserAgent),
		IPAddress:   firstNonEmpty(req.IPAddress, reqCtx.IP),
	}

	result, err := h.sessions.Start(c.Request.Context(), input)
	if err != nil {
		respondUnauthenticated(c, err)
		return
	}

	c.JSON(http.StatusCreated, newTokenPairResponse(result.SessionID, result.Tokens, h.now()))
}

// Refresh rotates the refresh token and returns a new pair.
// POST /api/v1/sessions/refresh
func (h *SessionHandler) Refresh(c *gin.Context) {
	var req RefreshRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, NewErrorResponse(c, "refresh_token is required"))
		return
	}

	pair, err := h.refresh.Refresh(c.Request.Context(), req.SessionID, req.RefreshToken)
	if err != nil {
		respondUnauthenticated(c, err)
		return
	}

	c.JSON(http.StatusOK, newTokenPairResponse(pair.SessionID, pair, h.now()))
}

// Logout revokes the session bound to the access token. It always answers 204.
// POST /api/v1/sessions/logout
func (h *SessionHandler) Logout(c *gin.Context) {
	userID, _ := middleware.GetAuthenticatedUserID(c)
	sessionID, _ := middleware.GetAuthenticatedSessionID(c)

	h.revocation.Logout(c.Request.Context(), userID, sessionID)
	c.Status(http.StatusNoContent)
}

// RevokeAll revokes every session of the authenticated user, including the current one.
// DELETE /api/v1/sessions
func (h *SessionHandler) RevokeAll(c *gin.Context) {
	userID, ok := middleware.GetAuthenticatedUserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, NewErrorResponse(c, "authentication required"))
		return
	}

	revoked, err := h.revocation.RevokeAll(c.Request.Context(), userID)
	if err != nil {
		RespondWithMappedError(c, err, nil, http.StatusInternalServerError, "failed to revoke sessions")
		return
	}

	c.JSON(http.StatusOK, RevokeAllResponse{Revoked: revoked})
}

// List returns the authenticated user's sessions.
// GET /api/v1/sessions
func (h *SessionHandler) List(c *gin.Context) {
	userID, ok := middleware.GetAuthenticatedUserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, NewErrorResponse(c, "authentication required"))
		return
	}
	currentID, _ := middleware.GetAuthenticatedSessionID(c)

	sessions, err := h.sessions.ListSessions(c.Request.Context(), userID)
	if err != nil {
		RespondWithMappedError(c, err, nil, http.StatusInternalServerError, "failed to list sessions")
		return
	}

	payload := make([]SessionPayload, 0, len(sessions))
	for _, session := range sessions {
		payload = append(payload, newSessionPayload(session, currentID))
	}

	c.JSON(http.StatusOK, SessionListResponse{Sessions: payload, Total: len(payload)})
}

// StepUpHandler exposes TOTP step-up verification for the current session.
type StepUpHandler struct {
	stepUp *usecase.StepUpService
}

// NewStepUpHandler constructs a step-up handler.
func NewStepUpHandler(stepUp *usecase.StepUpService) *StepUpHandler {
	return &StepUpHandler{stepUp: stepUp}
}

// Verify checks a TOTP code and marks the session as verified for the requested context.
// POST /api/v1/sessions/step-up
func (h *StepUpHandler) Verify(c *gin.Context) {
	var req StepUpRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, NewErrorResponse(c, "code and context are required"))
		return
	}
	totpCtx, ok := domain.ParseTOTPContext(req.Context)
	if !ok {
		c.JSON(http.StatusBadRequest, NewErrorResponse(c, "context must be one of login, signing, both"))
		return
	}

	userID, _ := middleware.GetAuthenticatedUserID(c)
	sessionID, _ := middleware.GetAuthenticatedSessionID(c)

	if err := h.stepUp.VerifyAndMark(c.Request.Context(), sessionID, userID, strings.TrimSpace(req.Code), totpCtx); err != nil {
		respondUnauthenticated(c, err, ErrorCase{Err: domain.ErrStepUpFailed, Status: http.StatusForbidden, Message: "invalid verification code"})
		return
	}

	c.Status(http.StatusNoContent)
}

// Status reports whether the session holds a fresh verification for a context.
// GET /api/v1/sessions/step-up/status?context=signing&max_age=300
func (h *StepUpHandler) Status(c *gin.Context) {
	totpCtx, ok := domain.ParseTOTPContext(c.DefaultQuery("context", string(domain.TOTPContextSigning)))
	if !ok {
		c.JSON(http.StatusBadRequest, NewErrorResponse(c, "context must be one of login, signing, both"))
		return
	}

	maxAge := h.stepUp.MaxAge()
	if raw := c.Query("max_age"); raw != "" {
		seconds, err := parsePositiveSeconds(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, NewErrorResponse(c, "max_age must be a positive number of seconds"))
			return
		}
		maxAge = seconds
	}

	sessionID, _ := middleware.GetAuthenticatedSessionID(c)
	err := h.stepUp.RequireFresh(c.Request.Context(), sessionID, totpCtx, maxAge)
	if err != nil && !errors.Is(err, domain.ErrStepUpRequired) {
		respondUnauthenticated(c, err)
		return
	}

	c.JSON(http.StatusOK, StepUpStatusResponse{
		Fresh:         err == nil,
		Context:       string(totpCtx),
		MaxAgeSeconds: int64(maxAge / time.Second),
	})
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

func parsePositiveSeconds(raw string) (time.Duration, error) {
	seconds, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0, err
	}
	if seconds <= 0 {
		return 0, fmt.Errorf("non-positive duration %d", seconds)
	}
	return time.Duration(seconds) * time.Second, nil
}
