package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Probes the session service and each storage tier over gRPC health.
// Exits non-zero when the service as a whole is not serving.
func main() {
	addr := flag.String("addr", "localhost:50051", "gRPC address of the session service")
	timeout := flag.Duration("timeout", 5*time.Second, "overall probe timeout")
	flag.Parse()

	conn, err := grpc.NewClient(*addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		log.Fatalf("did not connect: %v", err)
	}
	defer conn.Close()

	client := healthpb.NewHealthClient(conn)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	services := []string{
		"esign.sessions",
		"esign.sessions.redis",
		"esign.sessions.postgres",
		"esign.sessions.memory",
	}

	overall := healthpb.HealthCheckResponse_UNKNOWN
	for _, service := range services {
		resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
		if err != nil {
			fmt.Printf("%-26s %v\n", service, err)
			continue
		}
		fmt.Printf("%-26s %s\n", service, resp.GetStatus())
		if service == "esign.sessions" {
			overall = resp.GetStatus()
		}
	}

	if overall != healthpb.HealthCheckResponse_SERVING {
		os.Exit(1)
	}
}
