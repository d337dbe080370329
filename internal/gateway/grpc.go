// ABOUTME: gRPC health service mirroring session readiness
// ABOUTME: SERVING only while the WhatsApp session is READY; calls pass the origin allowlist

package gateway

import (
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/reflection"

	"github.com/2389/wabridge/internal/access"
	"github.com/2389/wabridge/internal/session"
)

// SessionService is the health service name that tracks the session. The
// empty service name tracks the process itself.
const SessionService = "wabridge.Session"

// newHealthServer builds a gRPC server exposing grpc.health.v1 and
// reflection behind gate. Session state changes flip the SessionService
// status.
func newHealthServer(sessions *session.Manager, gate *access.Gate, logger *slog.Logger) (*grpc.Server, *health.Server) {
	srv := grpc.NewServer(
		grpc.ChainUnaryInterceptor(gate.UnaryInterceptor()),
		grpc.ChainStreamInterceptor(gate.StreamInterceptor()),
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
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	hs.SetServingStatus(SessionService, servingStatus(sessions.State()))
	healthpb.RegisterHealthServer(srv, hs)
	reflection.Register(srv)

	log := logger.With("component", "grpc_health")
	sessions.Watch(func(s session.State) {
		status := servingStatus(s)
		hs.SetServingStatus(SessionService, status)
		log.Debug("session health updated", "state", s, "status", status)
	})

	return srv, hs
}

func servingStatus(s session.State) healthpb.HealthCheckResponse_ServingStatus {
	if s == session.StateReady {
		return healthpb.HealthCheckResponse_SERVING
	}
	return healthpb.HealthCheckResponse_NOT_SERVING
}
