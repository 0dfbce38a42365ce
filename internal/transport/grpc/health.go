package transportgrpc

import (
	"context"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

const (
	defaultProbeInterval = 15 * time.Second
	defaultProbeTimeout  = 2 * time.Second
)

// TierProbe checks the reachability of one session tier.
type TierProbe struct {
	Name  string
	Check func(ctx context.Context) error
}

// HealthReporter publishes tier reachability on the gRPC health service.
// Each tier is reported as "esign.sessions.<tier>"; the service itself is
// SERVING while any tier answers.
type HealthReporter struct {
	server   *health.Server
	probes   []TierProbe
	interval time.Duration
	timeout  time.Duration
	logger   *zap.Logger
}

// NewHealthReporter constructs a reporter; interval <= 0 selects the default.
func NewHealthReporter(server *health.Server, probes []TierProbe, interval time.Duration, logger *zap.Logger) *HealthReporter {
	if interval <= 0 {
		interval = defaultProbeInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HealthReporter{
		server:   server,
		probes:   probes,
		interval: interval,
		timeout:  defaultProbeTimeout,
		logger:   logger,
	}
}

// Run probes immediately and then on every interval until ctx is done.
func (r *HealthReporter) Run(ctx context.Context) {
	r.Probe(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Probe(ctx)
		}
	}
}

// Probe checks every tier once and updates the health statuses.
func (r *HealthReporter) Probe(ctx context.Context) {
	anyUp := false
	for _, probe := range r.probes {
		status := healthpb.HealthCheckResponse_SERVING

		probeCtx, cancel := context.WithTimeout(ctx, r.timeout)
		err := probe.Check(probeCtx)
		cancel()

		if err != nil {
			status = healthpb.HealthCheckResponse_NOT_SERVING
			r.logger.Warn("session tier unhealthy", zap.String("tier", probe.Name), zap.Error(err))
		} else {
			anyUp = true
		}
		r.server.SetServingStatus(ServiceName+"."+probe.Name, status)
	}

	overall := healthpb.HealthCheckResponse_NOT_SERVING
	if anyUp || len(r.probes) == 0 {
		overall = healthpb.HealthCheckResponse_SERVING
	}
	r.server.SetServingStatus(ServiceName, overall)
	r.server.SetServingStatus("", overall)
}
