package handler

import (
	"context"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the name reported by the gRPC health service alongside the
// overall ("") status.
const ServiceName = "stockreservation.Pipeline"

// HealthServer exposes the standard gRPC health protocol. Status follows the
// reachability of the authoritative store.
type HealthServer struct {
	srv    *health.Server
	store  Pinger
	logger *zap.Logger
}

func NewHealthServer(store Pinger, log *zap.Logger) *HealthServer {
	return &HealthServer{
		srv:    health.NewServer(),
		store:  store,
		logger: log,
	}
}

func (h *HealthServer) Register(s grpc.ServiceRegistrar) {
	healthpb.RegisterHealthServer(s, h.srv)
}

func (h *HealthServer) SetServing(serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	h.srv.SetServingStatus("", status)
	h.srv.SetServingStatus(ServiceName, status)
}

// Watch pings the store every interval and updates the serving status until
// ctx is done. The status is left NOT_SERVING afterwards.
func (h *HealthServer) Watch(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	serving := h.check(ctx)
	h.SetServing(serving)
	for {
		select {
		case <-ctx.Done():
			h.srv.Shutdown()
			return
		case <-ticker.C:
			now := h.check(ctx)
			if now != serving {
				h.logger.Warn("Health status changed", zap.Bool("serving", now))
				serving = now
			}
			h.SetServing(serving)
		}
	}
}

func (h *HealthServer) check(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()
	return h.store.Ping(ctx) == nil
}
