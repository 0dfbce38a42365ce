package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/arklim/esign-sessions/internal/infra/security"
)

func newAuthCodec(t *testing.T, now time.Time) *security.TokenCodec {
	t.Helper()
	codec, err := security.NewTokenCodec(security.CodecOptions{
		Secret:     []byte("0123456789abcdef0123456789abcdef"),
		Issuer:     "esign-sessions",
		Audience:   "esign-sessions",
		AccessTTL:  15 * time.Minute,
		RefreshTTL: 24 * time.Hour,
	})
	if err != nil {
		t.Fatalf("NewTokenCodec: %v", err)
	}
	return codec.WithClock(func() time.Time { return now })
}

func newAuthRouter(verifier AccessVerifier) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(EnrichContext())
	router.GET("/me", RequireAuth(verifier), func(c *gin.Context) {
		userID, _ := GetAuthenticatedUserID(c)
		sessionID, _ := GetAuthenticatedSessionID(c)
		role := ""
		if claims := GetAccessClaims(c); claims != nil {
			role = claims.Role
		}
		c.JSON(http.StatusOK, gin.H{"user_id": userID, "session_id": sessionID, "role": role})
	})
	return router
}

func TestRequireAuthAcceptsAccessToken(t *testing.T) {
	codec := newAuthCodec(t, time.Now())
	pair, err := codec.Issue("user-1", "user@example.com", "sess-1", "signer")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("Authorization", "Bearer "+pair.AccessToken)
	rr := httptest.NewRecorder()
	newAuthRouter(codec).ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}

	var body map[string]string
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["user_id"] != "user-1" || body["session_id"] != "sess-1" || body["role"] != "signer" {
		t.Fatalf("unexpected claims on context: %v", body)
	}
}

func TestRequireAuthRejections(t *testing.T) {
	issuedAt := time.Now().Add(-time.Hour)
	stale := newAuthCodec(t, issuedAt)
	expired, err := stale.Issue("user-1", "", "sess-1", "")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	codec := newAuthCodec(t, time.Now())
	fresh, err := codec.Issue("user-1", "", "sess-1", "")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	cases := []struct {
		name    string
		header  string
		message string
	}{
		{name: "missing header", header: "", message: "missing authorization header"},
		{name: "wrong scheme", header: "Basic abc", message: "invalid authorization format: expected 'Bearer <token>'"},
		{name: "empty token", header: "Bearer   ", message: "missing access token"},
		{name: "garbage", header: "Bearer not-a-jwt", message: "invalid access token"},
		{name: "expired", header: "Bearer " + expired.AccessToken, message: "access token expired"},
		{name: "refresh token", header: "Bearer " + fresh.RefreshToken, message: "access token required"},
	}

	router := newAuthRouter(codec)
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/me", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			req.Header.Set(TraceIDHeader, "trace-auth")
			rr := httptest.NewRecorder()
			router.ServeHTTP(rr, req)

			if rr.Code != http.StatusUnauthorized {
				t.Fatalf("expected 401, got %d", rr.Code)
			}
			var resp ErrorResponse
			if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
				t.Fatalf("decode body: %v", err)
			}
			if resp.Error != tc.message {
				t.Fatalf("expected %q, got %q", tc.message, resp.Error)
			}
			if resp.TraceID != "trace-auth" {
				t.Fatalf("expected trace id on error, got %q", resp.TraceID)
			}
		})
	}
}

func TestRequireInternalToken(t *testing.T) {
	gin.SetMode(gin.TestMode)

	cases := []struct {
		name     string
		expected string
		sent     string
		status   int
	}{
		{name: "match", expected: "s3cret", sent: "s3cret", status: http.StatusOK},
		{name: "mismatch", expected: "s3cret", sent: "other", status: http.StatusUnauthorized},
		{name: "missing", expected: "s3cret", sent: "", status: http.StatusUnauthorized},
		{name: "unconfigured", expected: "", sent: "", status: http.StatusUnauthorized},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			router := gin.New()
			router.POST("/", RequireInternalToken(tc.expected), func(c *gin.Context) { c.Status(http.StatusOK) })

			req := httptest.NewRequest(http.MethodPost, "/", nil)
			if tc.sent != "" {
				req.Header.Set(InternalTokenHeader, tc.sent)
			}
			rr := httptest.NewRecorder()
			router.ServeHTTP(rr, req)

			if rr.Code != tc.status {
				t.Fatalf("expected %d, got %d", tc.status, rr.Code)
			}
		})
	}
}
