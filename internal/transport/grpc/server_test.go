package transportgrpc

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"

	"github.com/arklim/esign-sessions/internal/infra/security"
)

type rejectAll struct{}

func (rejectAll) VerifyAccess(string) (*security.SessionClaims, error) {
	return nil, errors.New("no tokens accepted")
}

func startServer(t *testing.T, healthServer *health.Server) healthpb.HealthClient {
	t.Helper()

	server, err := NewServer(ServerDependencies{
		Verifier: rejectAll{},
		Logger:   zaptest.NewLogger(t),
		Health:   healthServer,
	})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}

	listener := bufconn.Listen(1 << 20)
	go func() { _ = server.Serve(listener) }()
	t.Cleanup(server.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return listener.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	return healthpb.NewHealthClient(conn)
}

func TestNewServerRequiresDependencies(t *testing.T) {
	if _, err := NewServer(ServerDependencies{Health: health.NewServer()}); err == nil {
		t.Fatalf("expected error without verifier")
	}
	if _, err := NewServer(ServerDependencies{Verifier: rejectAll{}}); err == nil {
		t.Fatalf("expected error without health server")
	}
}

func TestHealthIsPublicAndReportsTiers(t *testing.T) {
	healthServer := health.NewServer()
	client := startServer(t, healthServer)

	reporter := NewHealthReporter(healthServer, []TierProbe{
		{Name: "redis", Check: func(context.Context) error { return errors.New("connection refused") }},
		{Name: "memory", Check: func(context.Context) error { return nil }},
	}, time.Minute, zaptest.NewLogger(t))
	reporter.Probe(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	cases := map[string]healthpb.HealthCheckResponse_ServingStatus{
		ServiceName:             healthpb.HealthCheckResponse_SERVING,
		"":                      healthpb.HealthCheckResponse_SERVING,
		ServiceName + ".redis":  healthpb.HealthCheckResponse_NOT_SERVING,
		ServiceName + ".memory": healthpb.HealthCheckResponse_SERVING,
	}
	for service, want := range cases {
		resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
		if err != nil {
			t.Fatalf("Check(%q): %v", service, err)
		}
		if resp.GetStatus() != want {
			t.Fatalf("Check(%q) = %v, want %v", service, resp.GetStatus(), want)
		}
	}
}

func TestHealthReporterAllTiersDown(t *testing.T) {
	healthServer := health.NewServer()
	reporter := NewHealthReporter(healthServer, []TierProbe{
		{Name: "redis", Check: func(context.Context) error { return errors.New("down") }},
		{Name: "postgres", Check: func(context.Context) error { return errors.New("down") }},
	}, 0, nil)
	reporter.Probe(context.Background())

	resp, err := healthServer.Check(context.Background(), &healthpb.HealthCheckRequest{Service: ServiceName})
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Fatalf("expected NOT_SERVING, got %v", resp.GetStatus())
	}
}

func TestHealthReporterRunStopsWithContext(t *testing.T) {
	healthServer := health.NewServer()
	reporter := NewHealthReporter(healthServer, nil, time.Millisecond, zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		reporter.Run(ctx)
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("reporter did not stop after cancellation")
	}
}
