// Package admin exposes operator endpoints: the gRPC health service and the
// HTTP room status listing.
package admin

import (
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/cory-johannsen/maprelay/internal/config"
)

// HealthServer serves grpc.health.v1.Health for the relay. It reports
// NOT_SERVING until SetServing(true) is called.
type HealthServer struct {
	cfg     config.AdminConfig
	service string
	logger  *zap.Logger

	grpc   *grpc.Server
	health *health.Server

	mu       sync.Mutex
	listener net.Listener
}

// NewHealthServer creates a health server reporting for the overall server ("")
// and for the named service.
//
// Precondition: service must be non-empty; logger must be non-nil.
// Postcondition: Both names report NOT_SERVING.
func NewHealthServer(cfg config.AdminConfig, service string, logger *zap.Logger) *HealthServer {
	hs := health.NewServer()
	gs := grpc.NewServer()
	healthpb.RegisterHealthServer(gs, hs)

	s := &HealthServer{
		cfg:     cfg,
		service: service,
		logger:  logger,
		grpc:    gs,
		health:  hs,
	}
	s.SetServing(false)
	return s
}

// SetServing flips the reported status of the server and the named service.
func (s *HealthServer) SetServing(serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(s.service, status)
	s.logger.Info("health status changed",
		zap.String("service", s.service),
		zap.Stringer("status", status),
	)
}

// ListenAndServe serves gRPC on cfg.Addr() until Stop is called.
//
// Postcondition: The listener is closed when this method returns.
func (s *HealthServer) ListenAndServe() error {
	start := time.Now()
	lis, err := net.Listen("tcp", s.cfg.Addr())
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.Addr(), err)
	}

	s.mu.Lock()
	s.listener = lis
	s.mu.Unlock()

	s.logger.Info("admin gRPC server listening",
		zap.String("addr", lis.Addr().String()),
		zap.Duration("startup", time.Since(start)),
	)
	if err := s.grpc.Serve(lis); err != nil {
		return fmt.Errorf("serving admin gRPC: %w", err)
	}
	return nil
}

// Stop marks every service NOT_SERVING and stops the gRPC server after in-flight calls finish.
func (s *HealthServer) Stop() {
	s.health.Shutdown()
	s.grpc.GracefulStop()
}

// Addr returns the actual listening address, or empty string if not yet listening.
func (s *HealthServer) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}
