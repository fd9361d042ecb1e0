package api

import (
	"errors"
	"fmt"
	"net"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/vmware/mangle-sub000/pkg/log"
	"github.com/vmware/mangle-sub000/pkg/types"
)

// ServiceName is the health service name of the orchestration engine
const ServiceName = "mangle.Orchestrator"

// GRPCServer serves the standard gRPC health service. The engine reports
// SERVING only while the local node holds quorum.
type GRPCServer struct {
	grpc   *grpc.Server
	health *health.Server
	logger zerolog.Logger
}

// NewGRPCServer creates a server that starts out NOT_SERVING
func NewGRPCServer() *GRPCServer {
	logger := log.WithComponent("grpc")
	s := &GRPCServer{
		grpc:   grpc.NewServer(grpc.ChainUnaryInterceptor(LoggingInterceptor(logger))),
		health: health.NewServer(),
		logger: logger,
	}
	healthpb.RegisterHealthServer(s.grpc, s.health)
	s.SetQuorumStatus(types.QuorumNotPresent)
	return s
}

// SetQuorumStatus maps the quorum gate onto the serving status of both the
// engine service and the server as a whole
func (s *GRPCServer) SetQuorumStatus(status types.QuorumStatus) {
	serving := healthpb.HealthCheckResponse_NOT_SERVING
	if status == types.QuorumPresent {
		serving = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", serving)
	s.health.SetServingStatus(ServiceName, serving)
	s.logger.Debug().Str("status", serving.String()).Msg("health status updated")
}

// Start listens on addr and serves until Stop is called
func (s *GRPCServer) Start(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return s.Serve(lis)
}

// Serve serves on an existing listener. Serving after Stop is not an error.
func (s *GRPCServer) Serve(lis net.Listener) error {
	s.logger.Info().Str("addr", lis.Addr().String()).Msg("grpc server listening")
	if err := s.grpc.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return fmt.Errorf("failed to serve grpc: %w", err)
	}
	return nil
}

// Stop marks every service NOT_SERVING and drains in-flight calls
func (s *GRPCServer) Stop() {
	s.health.Shutdown()
	s.grpc.GracefulStop()
}
