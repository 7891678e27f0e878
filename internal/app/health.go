package app

import (
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/nuetzliches/eventpipe/internal/connectivity"
)

// collectorService is the health service name that mirrors collector
// reachability. The empty service reports the agent process itself.
const collectorService = "eventpipe.collector"

type healthServer struct {
	grpc   *grpc.Server
	health *health.Server
}

func newHealthServer() *healthServer {
	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	hs.SetServingStatus(collectorService, healthpb.HealthCheckResponse_UNKNOWN)

	gs := grpc.NewServer()
	healthpb.RegisterHealthServer(gs, hs)
	return &healthServer{grpc: gs, health: hs}
}

func (h *healthServer) setCollector(s connectivity.Status) {
	if h == nil {
		return
	}
	h.health.SetServingStatus(collectorService, collectorServingStatus(s))
}

func collectorServingStatus(s connectivity.Status) healthpb.HealthCheckResponse_ServingStatus {
	switch s {
	case connectivity.Online:
		return healthpb.HealthCheckResponse_SERVING
	case connectivity.Offline:
		return healthpb.HealthCheckResponse_NOT_SERVING
	default:
		return healthpb.HealthCheckResponse_UNKNOWN
	}
}

// stop flips every service to NOT_SERVING before closing connections.
func (h *healthServer) stop() {
	if h == nil {
		return
	}
	h.health.Shutdown()
	h.grpc.GracefulStop()
}
