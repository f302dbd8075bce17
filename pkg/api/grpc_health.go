package api

import (
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/foamflask/foamflask/pkg/log"
	"github.com/foamflask/foamflask/pkg/metrics"
)

// ServiceName is the service reported by the gRPC health server next to
// the empty overall service
const ServiceName = "foamflask"

// GRPCHealth serves grpc.health.v1 from the readiness registry
type GRPCHealth struct {
	grpc   *grpc.Server
	health *health.Server
	logger zerolog.Logger
	stopCh chan struct{}
}

// NewGRPCHealth creates the gRPC health server
func NewGRPCHealth() *GRPCHealth {
	srv := grpc.NewServer(grpc.ChainUnaryInterceptor(MetricsInterceptor(), ReadOnlyInterceptor()))
	hs := health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)

	g := &GRPCHealth{
		grpc:   srv,
		health: hs,
		logger: log.WithComponent("grpc-health"),
		stopCh: make(chan struct{}),
	}
	g.Sync()
	return g
}

// Sync copies the current readiness into the serving status
func (g *GRPCHealth) Sync() {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if metrics.GetReadiness().Status == "ready" {
		st = healthpb.HealthCheckResponse_SERVING
	}
	g.health.SetServingStatus("", st)
	g.health.SetServingStatus(ServiceName, st)
}

// Start listens on addr and serves until Stop
func (g *GRPCHealth) Start(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	return g.Serve(lis, 5*time.Second)
}

// Serve serves on lis and re-syncs the status every interval
func (g *GRPCHealth) Serve(lis net.Listener, interval time.Duration) error {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				g.Sync()
			case <-g.stopCh:
				return
			}
		}
	}()

	g.logger.Info().Str("addr", lis.Addr().String()).Msg("gRPC health listening")
	return g.grpc.Serve(lis)
}

// Stop marks every service not serving and stops the server
func (g *GRPCHealth) Stop() {
	select {
	case <-g.stopCh:
		return
	default:
		close(g.stopCh)
	}
	g.health.Shutdown()
	g.grpc.GracefulStop()
}
