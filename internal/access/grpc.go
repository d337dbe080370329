// ABOUTME: gRPC interceptors applying the origin allowlist to health and reflection calls
// ABOUTME: Reads the caller address from the transport peer and rejects with PermissionDenied

package access

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
)

// checkPeer returns a PermissionDenied status unless the transport peer in
// ctx is allowlisted. Calls without a peer are rejected.
func (g *Gate) checkPeer(ctx context.Context, method string) error {
	addr := ""
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		addr = p.Addr.String()
	}
	if g.AllowedAddr(addr) {
		return nil
	}
	g.logger.Warn("access denied", "peer_addr", addr, "method", method)
	return status.Error(codes.PermissionDenied, DeniedMessage)
}

// UnaryInterceptor rejects unary calls from origins outside the allowlist.
func (g *Gate) UnaryInterceptor() grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req any,
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (any, error) {
		if err := g.checkPeer(ctx, info.FullMethod); err != nil {
			return nil, err
		}
		return handler(ctx, req)
	}
}

// StreamInterceptor rejects streams (health Watch, reflection) from origins
// outside the allowlist.
func (g *Gate) StreamInterceptor() grpc.StreamServerInterceptor {
	return func(
		srv any,
		ss grpc.ServerStream,
		info *grpc.StreamServerInfo,
		handler grpc.StreamHandler,
	) error {
		if err := g.checkPeer(ss.Context(), info.FullMethod); err != nil {
			return err
		}
		return handler(srv, ss)
	}
}
