package middleware

import (
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/arklim/esign-sessions/internal/infra/logger"
	"github.com/arklim/esign-sessions/internal/usecase"
)

const (
	rateLimitProblemType  = "https://esign.example.com/errors/rate-limit-exceeded"
	rateLimitProblemTitle = "Rate Limit Exceeded"
)

// IdentifierFunc extracts the identifier used to scope rate limits (e.g., client IP).
type IdentifierFunc func(*gin.Context) (string, bool)

// RateLimitRule configures a sliding-window limit for a particular identifier.
type RateLimitRule struct {
	Name       string
	Limit      int
	Window     time.Duration
	Identifier IdentifierFunc
}

// RateLimiter turns RateGuard decisions into HTTP headers and 429 responses.
type RateLimiter struct {
	guard  *usecase.RateGuard
	logger *zap.Logger
}

// ProblemDetails represents an RFC 9457 compatible error payload for rate limits.
type ProblemDetails struct {
	Type       string `json:"type"`
	Title      string `json:"title"`
	Status     int    `json:"status"`
	Detail     string `json:"detail"`
	Instance   string `json:"instance"`
	RetryAfter int    `json:"retry_after"`
	TraceID    string `json:"trace_id,omitempty"`
}

// NewRateLimiter builds a reusable rate limiter middleware helper.
func NewRateLimiter(guard *usecase.RateGuard, log *zap.Logger) *RateLimiter {
	if log == nil {
		log = zap.NewNop()
	}
	return &RateLimiter{guard: guard, logger: log}
}

// ClientIPIdentifier builds an IdentifierFunc using the request's client IP.
func ClientIPIdentifier() IdentifierFunc {
	return func(c *gin.Context) (string, bool) {
		ip := c.ClientIP()
		return ip, ip != ""
	}
}

// SessionIdentifier scopes a rule to the authenticated session; it must run after RequireAuth.
func SessionIdentifier() IdentifierFunc {
	return GetAuthenticatedSessionID
}

// RateLimit returns a Gin middleware enforcing the provided rules in order.
// The first rule that denies the request short-circuits with 429.
func (rl *RateLimiter) RateLimit(rules ...RateLimitRule) gin.HandlerFunc {
	filtered := make([]RateLimitRule, 0, len(rules))
	for _, rule := range rules {
		if rule.Identifier == nil || rule.Limit <= 0 || rule.Window <= 0 {
			continue
		}
		if rule.Name == "" {
			rule.Name = "default"
		}
		filtered = append(filtered, rule)
	}

	return func(c *gin.Context) {
		if len(filtered) == 0 || rl == nil || rl.guard == nil {
			c.Next()
			return
		}

		var tightest *usecase.RateDecision

		for _, rule := range filtered {
			identifier, ok := rule.Identifier(c)
			if !ok || identifier == "" {
				continue
			}

			key := fmt.Sprintf("%s:%s", rule.Name, identifier)
			decision, err := rl.guard.CheckAndIncrement(c.Request.Context(), key, rule.Window, rule.Limit)
			if err != nil {
				rl.logger.Warn("rate limit rule skipped",
					zap.String("rule", rule.Name),
					zap.String("identifier", logger.MaskString(identifier)),
					zap.Error(err),
				)
				continue
			}
			if decision.Degraded {
				continue
			}

			if !decision.Allowed {
				applyRateHeaders(c, decision)
				respondRateLimited(c, decision)
				return
			}

			if tightest == nil || tighter(decision, *tightest) {
				snapshot := decision
				tightest = &snapshot
			}
		}

		if tightest != nil {
			applyRateHeaders(c, *tightest)
		}

		c.Next()
	}
}

func tighter(candidate, current usecase.RateDecision) bool {
	if candidate.Remaining != current.Remaining {
		return candidate.Remaining < current.Remaining
	}
	return candidate.Reset.Before(current.Reset)
}

func retrySeconds(d time.Duration) int {
	seconds := int(math.Ceil(d.Seconds()))
	if seconds < 0 {
		return 0
	}
	return seconds
}

func applyRateHeaders(c *gin.Context, decision usecase.RateDecision) {
	headers := c.Writer.Header()
	headers.Set("X-RateLimit-Limit", strconv.Itoa(decision.Limit))
	headers.Set("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
	headers.Set("X-RateLimit-Reset", strconv.FormatInt(decision.Reset.Unix(), 10))

	if !decision.Allowed {
		headers.Set("Retry-After", strconv.Itoa(retrySeconds(decision.RetryAfter)))
	}
}

func respondRateLimited(c *gin.Context, decision usecase.RateDecision) {
	seconds := retrySeconds(decision.RetryAfter)

	instance := c.FullPath()
	if instance == "" {
		instance = c.Request.URL.Path
	}

	c.AbortWithStatusJSON(http.StatusTooManyRequests, ProblemDetails{
		Type:       rateLimitProblemType,
		Title:      rateLimitProblemTitle,
		Status:     http.StatusTooManyRequests,
		Detail:     fmt.Sprintf("Too many requests. Try again in %d seconds.", seconds),
		Instance:   instance,
		RetryAfter: seconds,
		TraceID:    GetTraceID(c),
	})
}
