// ABOUTME: gRPC surface of the hub: standard health checking and reflection
// ABOUTME: The pool service reports SERVING only while at least one agent is registered

package hub

import (
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/reflection"
)

// PoolServiceName is the health service name that tracks pool readiness.
const PoolServiceName = "gridhub.Pool"

func newGRPCServer(logger *slog.Logger) (*grpc.Server, *health.Server) {
	server := grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    15 * time.Second,
			Timeout: 5 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
	)

	hs := health.NewServer()
	healthpb.RegisterHealthServer(server, hs)
	reflection.Register(server)

	logger.Debug("gRPC health and reflection registered", "service", PoolServiceName)
	return server, hs
}

// updateHealth publishes pool readiness to gRPC health watchers.
func (h *Hub) updateHealth() {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if h.registry.Stats().Agents > 0 {
		status = healthpb.HealthCheckResponse_SERVING
	}
	h.health.SetServingStatus(PoolServiceName, status)
}
