package routes

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/arklim/esign-sessions/internal/infra/config"
	"github.com/arklim/esign-sessions/internal/transport/http/handlers"
	"github.com/arklim/esign-sessions/internal/transport/http/middleware"
	"github.com/arklim/esign-sessions/internal/usecase"
)

// ServiceSet groups the services the HTTP layer depends on.
type ServiceSet struct {
	Sessions   *usecase.SessionService
	Refresh    *usecase.RefreshService
	Revocation *usecase.RevocationService
	StepUp     *usecase.StepUpService
}

// Dependencies encapsulates the objects required to register routes.
type Dependencies struct {
	Config      *config.AppConfig
	Logger      *zap.Logger
	RateLimiter *middleware.RateLimiter
	Services    ServiceSet
	Verifier    middleware.AccessVerifier
	Metrics     *middleware.HTTPMetrics
	// Gatherer backs /metrics; the default registry is used when nil.
	Gatherer prometheus.Gatherer
	Health   []handlers.HealthOption
}

// Register configures the Gin engine with routes and middleware.
func Register(deps Dependencies) *gin.Engine {
	if deps.Config.App.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.EnrichContext())
	r.Use(middleware.RequestID())
	r.Use(middleware.Logger(deps.Logger))
	r.Use(deps.Metrics.Handler())

	healthHandler := handlers.NewHealthHandler(deps.Health...)
	r.GET("/healthz", healthHandler.Status)
	r.GET("/readyz", healthHandler.Ready)

	if deps.Gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})))
	} else {
		r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}

	if deps.Services.Sessions == nil || deps.Verifier == nil {
		return r
	}

	sessionHandler := handlers.NewSessionHandler(deps.Services.Sessions, deps.Services.Refresh, deps.Services.Revocation)
	stepUpHandler := handlers.NewStepUpHandler(deps.Services.StepUp)
	authMiddleware := middleware.RequireAuth(deps.Verifier)

	sessions := r.Group("/api/v1/sessions")
	{
		sessions.POST("", middleware.RequireInternalToken(deps.Config.HTTP.InternalToken), sessionHandler.Create)
		sessions.POST("/refresh", withRateLimit(deps, refreshRule(deps.Config), sessionHandler.Refresh)...)

		authed := sessions.Group("")
		authed.Use(authMiddleware)
		authed.POST("/logout", sessionHandler.Logout)
		authed.DELETE("", sessionHandler.RevokeAll)
		authed.GET("", sessionHandler.List)

		if deps.Services.StepUp != nil {
			authed.POST("/step-up", withRateLimit(deps, stepUpIPRule(deps.Config), stepUpHandler.Verify)...)
			authed.GET("/step-up/status", stepUpHandler.Status)
		}
	}

	return r
}

func refreshRule(cfg *config.AppConfig) middleware.RateLimitRule {
	return middleware.RateLimitRule{
		Name:       "refresh:ip",
		Limit:      cfg.RateLimit.RefreshMaxAttempts,
		Window:     cfg.RateLimit.WindowDuration,
		Identifier: middleware.ClientIPIdentifier(),
	}
}

func stepUpIPRule(cfg *config.AppConfig) middleware.RateLimitRule {
	return middleware.RateLimitRule{
		Name:       "stepup:ip",
		Limit:      cfg.RateLimit.StepUpIPMaxAttempts,
		Window:     cfg.RateLimit.WindowDuration,
		Identifier: middleware.ClientIPIdentifier(),
	}
}

func withRateLimit(deps Dependencies, rule middleware.RateLimitRule, handler gin.HandlerFunc) []gin.HandlerFunc {
	if deps.RateLimiter == nil || rule.Limit <= 0 {
		return []gin.HandlerFunc{handler}
	}
	return []gin.HandlerFunc{deps.RateLimiter.RateLimit(rule), handler}
}
