package health

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// GRPCServer serves the standard grpc.health.v1 service. The overall
// status ("") follows readiness; each downstream service is exposed under
// its own name and is SERVING only while healthy.
type GRPCServer struct {
	port   int
	agg    *Aggregator
	health *grpchealth.Server
	server *grpc.Server
	logger zerolog.Logger

	syncMu sync.Mutex
}

// NewGRPCServer creates the server and subscribes it to aggregator changes.
func NewGRPCServer(port int, agg *Aggregator, logger zerolog.Logger) *GRPCServer {
	s := &GRPCServer{
		port:   port,
		agg:    agg,
		health: grpchealth.NewServer(),
		logger: logger.With().Str("component", "grpc").Logger(),
	}
	agg.OnChange(func(ServiceHealth) { s.sync() })
	s.sync()
	return s
}

// sync mirrors the aggregator into the health server.
func (s *GRPCServer) sync() {
	s.syncMu.Lock()
	defer s.syncMu.Unlock()
	snap := s.agg.Snapshot()
	for _, name := range s.agg.Services() {
		status := healthpb.HealthCheckResponse_NOT_SERVING
		if rec, ok := snap[name]; ok && rec.Status == StatusHealthy {
			status = healthpb.HealthCheckResponse_SERVING
		}
		s.health.SetServingStatus(name, status)
	}
	overall := healthpb.HealthCheckResponse_NOT_SERVING
	if s.agg.Ready() {
		overall = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", overall)
}

// ListenAndServe listens on the configured port and serves until ctx is done.
func (s *GRPCServer) ListenAndServe(ctx context.Context) error {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", s.port))
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}
	return s.Serve(ctx, lis)
}

// Serve serves on lis until ctx is done.
func (s *GRPCServer) Serve(ctx context.Context, lis net.Listener) error {
	s.server = grpc.NewServer()
	healthpb.RegisterHealthServer(s.server, s.health)

	s.logger.Info().Str("addr", lis.Addr().String()).Msg("grpc health server listening")

	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("grpc health server shutting down")
		s.health.Shutdown()
		s.server.GracefulStop()
	}()

	if err := s.server.Serve(lis); err != nil && err != grpc.ErrServerStopped {
		return fmt.Errorf("grpc serve: %w", err)
	}
	return nil
}
