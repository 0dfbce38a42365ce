package transportgrpc

import (
	"fmt"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	grpcinterceptors "github.com/arklim/esign-sessions/internal/transport/grpc/interceptors"
)

// ServiceName is the health-checked name of the session service as a whole.
const ServiceName = "esign.sessions"

var defaultPublicMethods = []string{
	"/grpc.health.v1.Health/",
	"/grpc.reflection.v1.ServerReflection/",
	"/grpc.reflection.v1alpha.ServerReflection/",
}

// ServerDependencies encapsulates services required by the gRPC server layer.
type ServerDependencies struct {
	Verifier       grpcinterceptors.AccessVerifier
	Logger         *zap.Logger
	Metrics        *grpcinterceptors.GRPCMetrics
	TracerProvider trace.TracerProvider
	Health         *health.Server
	PublicMethods  []string // methods that don't require authentication
}

// NewServer builds the gRPC server with health, reflection and the auth,
// metrics and tracing chain applied to every call.
func NewServer(deps ServerDependencies) (*grpc.Server, error) {
	if deps.Verifier == nil {
		return nil, fmt.Errorf("access verifier is required")
	}
	if deps.Health == nil {
		return nil, fmt.Errorf("health server is required")
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	public := append(append([]string{}, defaultPublicMethods...), deps.PublicMethods...)
	auth := grpcinterceptors.NewAuthInterceptor(deps.Verifier, grpcinterceptors.AuthOptions{
		Logger:       logger,
		AllowMethods: public,
	})

	server := grpc.NewServer(
		grpcinterceptors.TracingServerOption(grpcinterceptors.TracingOptions{
			TracerProvider: deps.TracerProvider,
			SkipMethods:    []string{healthpb.Health_Check_FullMethodName, healthpb.Health_Watch_FullMethodName},
		}),
		grpc.ChainUnaryInterceptor(deps.Metrics.UnaryServerInterceptor(), auth.UnaryServerInterceptor()),
		grpc.ChainStreamInterceptor(deps.Metrics.StreamServerInterceptor(), auth.StreamServerInterceptor()),
	)

	healthpb.RegisterHealthServer(server, deps.Health)

	// Register reflection service for tools like Postman, grpcurl, etc.
	reflection.Register(server)

	return server, nil
}
