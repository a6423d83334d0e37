package httpapi

import (
	"context"
	"testing"

	"google.golang.org/grpc/codes"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
)

func TestGRPCHealthCheck(t *testing.T) {
	srv := NewGRPCServer(ReadyProbe{})

	resp, err := srv.Check(context.Background(), &healthpb.HealthCheckRequest{})
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if resp.Status != healthpb.HealthCheckResponse_SERVING {
		t.Fatalf("status = %v, want SERVING", resp.Status)
	}
}

func TestGRPCHealthWatchUnimplemented(t *testing.T) {
	srv := NewGRPCServer(ReadyProbe{})

	err := srv.Watch(&healthpb.HealthCheckRequest{}, nil)
	if status.Code(err) != codes.Unimplemented {
		t.Fatalf("watch: %v", err)
	}
}
