package httpapi

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"

	"starline.org/internal/obs"
)

// GRPCServer exposes the standard health service backed by the readiness
// probe, for load balancers that speak gRPC health checking.
type GRPCServer struct {
	healthpb.UnimplementedHealthServer

	readyProbe ReadyProbe
}

func NewGRPCServer(rp ReadyProbe) *GRPCServer {
	return &GRPCServer{readyProbe: rp}
}

// Register attaches the health service to a grpc.Server.
func (s *GRPCServer) Register(srv *grpc.Server) {
	healthpb.RegisterHealthServer(srv, s)
}

func (s *GRPCServer) Check(ctx context.Context, _ *healthpb.HealthCheckRequest) (*healthpb.HealthCheckResponse, error) {
	if err := s.readyProbe.Check(ctx); err != nil {
		obs.SetReady(false)
		return &healthpb.HealthCheckResponse{
			Status: healthpb.HealthCheckResponse_NOT_SERVING,
		}, nil
	}
	obs.SetReady(true)
	return &healthpb.HealthCheckResponse{
		Status: healthpb.HealthCheckResponse_SERVING,
	}, nil
}

func (s *GRPCServer) Watch(_ *healthpb.HealthCheckRequest, _ grpc.ServerStreamingServer[healthpb.HealthCheckResponse]) error {
	return status.Error(codes.Unimplemented, "watch is not supported")
}
