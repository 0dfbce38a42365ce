package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"

	"github.com/arklim/esign-sessions/internal/core/domain"
	"github.com/arklim/esign-sessions/internal/core/port"
	"github.com/arklim/esign-sessions/internal/infra/config"
	"github.com/arklim/esign-sessions/internal/infra/database"
	kafkainfra "github.com/arklim/esign-sessions/internal/infra/kafka"
	"github.com/arklim/esign-sessions/internal/infra/logger"
	redisinfra "github.com/arklim/esign-sessions/internal/infra/redis"
	"github.com/arklim/esign-sessions/internal/infra/security"
	"github.com/arklim/esign-sessions/internal/infra/telemetry"
	"github.com/arklim/esign-sessions/internal/repository/memory"
	postgresrepo "github.com/arklim/esign-sessions/internal/repository/postgres"
	redisrepo "github.com/arklim/esign-sessions/internal/repository/redis"
	transportgrpc "github.com/arklim/esign-sessions/internal/transport/grpc"
	grpcinterceptors "github.com/arklim/esign-sessions/internal/transport/grpc/interceptors"
	"github.com/arklim/esign-sessions/internal/transport/http/handlers"
	"github.com/arklim/esign-sessions/internal/transport/http/middleware"
	"github.com/arklim/esign-sessions/internal/transport/http/routes"
	"github.com/arklim/esign-sessions/internal/usecase"
)

type Application struct {
	cfg            *config.AppConfig
	engine         *gin.Engine
	logger         *zap.Logger
	pool           *pgxpool.Pool
	redis          *redisinfra.Client
	producer       *kafkainfra.Producer
	tracer         *telemetry.TracerProvider
	grpcServer     *grpc.Server
	grpcHealth     *health.Server
	grpcAddr       string
	healthReporter *transportgrpc.HealthReporter
	sweeper        *usecase.Sweeper
}

func New(ctx context.Context, cfg *config.AppConfig) (*Application, error) {
	log, err := logger.New(cfg.App.Env)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	tracer, err := telemetry.NewTracerProvider(ctx, cfg.Telemetry, log)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	sessionMetrics, err := telemetry.NewSessionMetrics(telemetry.SessionMetricsOptions{})
	if err != nil {
		return nil, fmt.Errorf("init session metrics: %w", err)
	}
	httpMetrics, err := middleware.NewHTTPMetrics(middleware.HTTPMetricsOptions{})
	if err != nil {
		return nil, fmt.Errorf("init http metrics: %w", err)
	}
	grpcMetrics, err := grpcinterceptors.NewGRPCMetrics(grpcinterceptors.GRPCMetricsOptions{})
	if err != nil {
		return nil, fmt.Errorf("init grpc metrics: %w", err)
	}

	application := &Application{
		cfg:      cfg,
		logger:   log,
		tracer:   tracer,
		grpcAddr: fmt.Sprintf("%s:%d", cfg.GRPC.Host, cfg.GRPC.Port),
	}

	// Redis backs the rate limiter even when it is not a session tier.
	redisClient, err := redisinfra.NewClient(cfg.Redis, log)
	if err != nil {
		return nil, fmt.Errorf("init redis: %w", err)
	}
	application.redis = redisClient

	// Postgres holds TOTP enrollments, so the pool is opened even when the
	// durable tier is disabled.
	pool, err := database.NewPostgresPool(ctx, cfg.Postgres, log)
	if err != nil {
		application.closeResources()
		return nil, fmt.Errorf("init postgres: %w", err)
	}
	application.pool = pool
	repos := postgresrepo.NewRepositories(pool)

	var fast, durable, local port.SessionTier
	if cfg.SessionStore.HasTier("redis") {
		fast = redisrepo.NewSessionRepository(redisClient.Client(), cfg.Redis.SessionPrefix)
	}
	if cfg.SessionStore.HasTier("postgres") {
		durable = repos.Sessions
	}
	if cfg.SessionStore.HasTier("memory") {
		local = memory.NewSessionStore()
	}

	hasher, err := security.NewRefreshHasher([]byte(cfg.JWT.RefreshHashKey))
	if err != nil {
		application.closeResources()
		return nil, fmt.Errorf("init refresh hasher: %w", err)
	}
	if !hasher.Keyed() {
		log.Warn("refresh_hash_key not set, refresh tokens are stored as plain SHA-256 digests")
	}

	codec, err := security.NewTokenCodec(security.CodecOptions{
		Secret:     []byte(cfg.JWT.Secret),
		Issuer:     cfg.JWT.Issuer,
		Audience:   cfg.JWT.Audience,
		AccessTTL:  cfg.JWT.AccessTokenTTL,
		RefreshTTL: cfg.JWT.RefreshTokenTTL,
	})
	if err != nil {
		application.closeResources()
		return nil, fmt.Errorf("init token codec: %w", err)
	}

	store, err := usecase.NewTieredSessionStore(usecase.SessionStoreOptions{
		Fast:              fast,
		Durable:           durable,
		Local:             local,
		RefreshTTL:        codec.RefreshTTL(),
		Hasher:            hasher,
		Metrics:           sessionMetrics,
		Logger:            log,
		BackgroundTimeout: cfg.SessionStore.BackgroundTimeout,
	})
	if err != nil {
		application.closeResources()
		return nil, fmt.Errorf("init session store: %w", err)
	}
	tierNames := make([]string, 0, 3)
	for _, tier := range store.Tiers() {
		tierNames = append(tierNames, tier.Name())
	}
	log.Info("session store ready", zap.Strings("tiers", tierNames))

	var eventPublisher port.EventPublisher
	if len(cfg.Kafka.Brokers) > 0 {
		producer, err := kafkainfra.NewProducer(cfg.Kafka, log)
		if err != nil {
			log.Warn("failed to init kafka producer, using stub publisher", zap.Error(err))
			eventPublisher = kafkainfra.NewStubPublisher(log)
		} else {
			application.producer = producer
			eventPublisher = kafkainfra.NewEventPublisher(producer, cfg.App, log)
			log.Info("kafka event publisher initialized", zap.Strings("brokers", cfg.Kafka.Brokers))
		}
	} else {
		log.Info("kafka brokers not configured, using stub publisher")
		eventPublisher = kafkainfra.NewStubPublisher(log)
	}

	rateLimitWindow := cfg.RateLimit.WindowDuration
	if rateLimitWindow <= 0 {
		rateLimitWindow = time.Minute
	}
	rateLimitStore := redisrepo.NewRateLimitRepository(redisClient.Client(), redisrepo.SlidingWindowConfig{
		KeyPrefix: cfg.Redis.RateLimitPrefix,
		TTL:       rateLimitWindow * 2,
	})
	rateGuard := usecase.NewRateGuard(rateLimitStore, log)

	sessionService := usecase.NewSessionService(store, codec, log).
		WithRateGuard(rateGuard, usecase.RateRule{Window: rateLimitWindow, MaxAttempts: cfg.RateLimit.LoginMaxAttempts})
	refreshService := usecase.NewRefreshService(store, codec, hasher, log).
		WithReusePolicy(domain.NewReusePolicy(domain.ParseReusePolicyMode(cfg.Refresh.ReusePolicy))).
		WithEventPublisher(eventPublisher).
		WithMetrics(sessionMetrics)
	revocationService := usecase.NewRevocationService(store, eventPublisher, cfg.Sweep.Retention, log)
	stepUpService := usecase.NewStepUpService(store, cfg.StepUp.MaxAge, log).
		WithVerifier(security.NewTOTPVerifier(security.TOTPOptions{
			Period: cfg.StepUp.Period,
			Skew:   cfg.StepUp.Skew,
		}), repos.TOTPSecrets).
		WithRateGuard(rateGuard, usecase.RateRule{Window: rateLimitWindow, MaxAttempts: cfg.RateLimit.StepUpMaxAttempts})

	if cfg.Sweep.Enabled {
		application.sweeper = usecase.NewSweeper(revocationService, cfg.Sweep.Interval, log)
	}

	healthOptions, probes := tierProbes(store.Tiers())

	application.grpcHealth = health.NewServer()
	grpcSrv, err := transportgrpc.NewServer(transportgrpc.ServerDependencies{
		Verifier: codec,
		Logger:   log,
		Metrics:  grpcMetrics,
		Health:   application.grpcHealth,
	})
	if err != nil {
		application.closeResources()
		return nil, fmt.Errorf("init grpc server: %w", err)
	}
	application.grpcServer = grpcSrv
	application.healthReporter = transportgrpc.NewHealthReporter(application.grpcHealth, probes, 0, log)

	application.engine = routes.Register(routes.Dependencies{
		Config:      cfg,
		Logger:      log,
		RateLimiter: middleware.NewRateLimiter(rateGuard, log),
		Verifier:    codec,
		Metrics:     httpMetrics,
		Health:      healthOptions,
		Services: routes.ServiceSet{
			Sessions:   sessionService,
			Refresh:    refreshService,
			Revocation: revocationService,
			StepUp:     stepUpService,
		},
	})

	return application, nil
}

// tierProbes builds the readiness checks for /readyz and the gRPC health
// reporter. Tiers without a Ping are in-process and always ready.
func tierProbes(tiers []port.SessionTier) ([]handlers.HealthOption, []transportgrpc.TierProbe) {
	options := make([]handlers.HealthOption, 0, len(tiers))
	probes := make([]transportgrpc.TierProbe, 0, len(tiers))
	for _, tier := range tiers {
		check := func(context.Context) error { return nil }
		if checker, ok := tier.(port.HealthChecker); ok {
			check = checker.Ping
		}
		options = append(options, handlers.WithReadinessCheck(tier.Name(), check))
		probes = append(probes, transportgrpc.TierProbe{Name: tier.Name(), Check: check})
	}
	return options, probes
}

func (a *Application) Run(ctx context.Context) error {
	defer func() {
		_ = a.logger.Sync()
	}()
	defer a.closeResources()

	workersCtx, stopWorkers := context.WithCancel(ctx)
	var workers sync.WaitGroup
	defer func() {
		stopWorkers()
		workers.Wait()
	}()

	workers.Add(1)
	go func() {
		defer workers.Done()
		a.healthReporter.Run(workersCtx)
	}()

	if a.sweeper != nil {
		workers.Add(1)
		go func() {
			defer workers.Done()
			a.sweeper.Run(workersCtx)
		}()
	}

	grpcErrCh := make(chan error, 1)
	lis, err := net.Listen("tcp", a.grpcAddr)
	if err != nil {
		return fmt.Errorf("listen grpc: %w", err)
	}
	a.logger.Info("starting gRPC server", zap.String("address", a.grpcAddr))
	go func() {
		defer func() {
			if r := recover(); r != nil {
				a.logger.Error("gRPC server panicked", zap.Any("panic", r))
				grpcErrCh <- fmt.Errorf("grpc server panicked: %v", r)
			}
		}()
		if err := a.grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			a.logger.Error("gRPC server error", zap.Error(err))
			grpcErrCh <- fmt.Errorf("run grpc server: %w", err)
		} else {
			a.logger.Info("gRPC server stopped gracefully")
		}
	}()
	defer a.stopGRPC(a.shutdownTimeout())

	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", a.cfg.HTTP.Host, a.cfg.HTTP.Port),
		Handler:           a.engine,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	a.logger.Info("starting session service",
		zap.String("env", a.cfg.App.Env),
		zap.String("address", srv.Addr),
	)

	serverErrCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrCh <- fmt.Errorf("run server: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		a.grpcHealth.Shutdown()
		a.stopGRPC(a.shutdownTimeout())

		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout())
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown server: %w", err)
		}
		return nil
	case err := <-serverErrCh:
		return err
	case err := <-grpcErrCh:
		return err
	}
}

func (a *Application) shutdownTimeout() time.Duration {
	if a.cfg.HTTP.ShutdownTimeout > 0 {
		return a.cfg.HTTP.ShutdownTimeout
	}
	return 10 * time.Second
}

// stopGRPC drains in-flight calls, forcing the stop once timeout elapses so
// open health watch streams cannot hold shutdown.
func (a *Application) stopGRPC(timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		a.grpcServer.GracefulStop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		a.logger.Warn("gRPC graceful stop timed out, forcing stop")
		a.grpcServer.Stop()
	}
}

func (a *Application) closeResources() {
	if a.producer != nil {
		if err := a.producer.Close(); err != nil {
			a.logger.Warn("close kafka producer", zap.Error(err))
		}
		a.producer = nil
	}
	if a.tracer != nil {
		if err := a.tracer.Shutdown(context.Background()); err != nil {
			a.logger.Warn("shutdown tracer provider", zap.Error(err))
		}
		a.tracer = nil
	}
	if a.pool != nil {
		a.pool.Close()
		a.pool = nil
	}
	if a.redis != nil {
		_ = a.redis.Close()
		a.redis = nil
	}
}
