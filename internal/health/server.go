// Package health exposes the grpc.health.v1 service on a Unix socket so a
// supervisor can ask whether the pipeline is serving live data.
package health

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Service is the name reported alongside the overall ("") status.
const Service = "pairspread"

// Prober reports whether the pipeline is serving. adapter.CircuitBreaker
// satisfies it.
type Prober interface {
	Serving() bool
}

// Server wraps the gRPC server and its Unix socket listener.
type Server struct {
	grpcServer *grpc.Server
	health     *grpchealth.Server
	listener   net.Listener
	socketPath string
	log        zerolog.Logger
}

// New creates a health server bound to socketPath. Both services start
// NOT_SERVING until Watch sees the Prober report healthy.
func New(socketPath string, log zerolog.Logger) (*Server, error) {
	if err := os.MkdirAll(filepath.Dir(socketPath), 0o700); err != nil {
		return nil, fmt.Errorf("create socket directory: %w", err)
	}

	// Remove any stale socket file from a previous run.
	if err := os.Remove(socketPath); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("remove stale socket: %w", err)
	}

	lis, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("listen on unix socket %s: %w", socketPath, err)
	}

	if err := os.Chmod(socketPath, 0o600); err != nil {
		lis.Close()
		return nil, fmt.Errorf("chmod socket: %w", err)
	}

	gs := grpc.NewServer()
	hs := grpchealth.NewServer()
	healthpb.RegisterHealthServer(gs, hs)
	hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	hs.SetServingStatus(Service, healthpb.HealthCheckResponse_NOT_SERVING)

	return &Server{
		grpcServer: gs,
		health:     hs,
		listener:   lis,
		socketPath: socketPath,
		log:        log.With().Str("component", "health").Logger(),
	}, nil
}

// Serve accepts connections until the server is stopped.
func (s *Server) Serve() error {
	return s.grpcServer.Serve(s.listener)
}

// Watch polls p every interval and publishes its result until ctx is done.
func (s *Server) Watch(ctx context.Context, p Prober, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	last := healthpb.HealthCheckResponse_UNKNOWN
	for {
		status := healthpb.HealthCheckResponse_NOT_SERVING
		if p.Serving() {
			status = healthpb.HealthCheckResponse_SERVING
		}
		if status != last {
			s.health.SetServingStatus("", status)
			s.health.SetServingStatus(Service, status)
			s.log.Info().Str("status", status.String()).Msg("health changed")
			last = status
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// GracefulStop marks every service NOT_SERVING, drains in-flight RPCs and
// removes the socket file.
func (s *Server) GracefulStop() {
	s.health.Shutdown()
	s.grpcServer.GracefulStop()
	os.Remove(s.socketPath)
}
