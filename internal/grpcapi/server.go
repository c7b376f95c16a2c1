// Package grpcapi exposes token verification and health checks over gRPC so
// other services can authenticate larabbs bearer tokens without HTTP.
package grpcapi

import (
	"context"
	"errors"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"larabbs.org/internal/auth"
	"larabbs.org/internal/obs"
)

const (
	// ServiceName is the fully qualified verifier service.
	ServiceName = "larabbs.auth.v1.TokenVerifier"

	verifyMethod = "/" + ServiceName + "/Verify"
)

// TokenVerifier is satisfied by *auth.Tokens.
type TokenVerifier interface {
	Verify(ctx context.Context, value string) (auth.Identity, error)
}

// Readiness reports whether dependencies are reachable.
type Readiness interface {
	Check(ctx context.Context) error
}

// Server implements the TokenVerifier service and the standard health service.
type Server struct {
	verifier  TokenVerifier
	readiness Readiness
	health    *health.Server
}

// NewServer builds the gRPC services. readiness may be nil.
func NewServer(v TokenVerifier, readiness Readiness) *Server {
	return &Server{verifier: v, readiness: readiness, health: health.NewServer()}
}

// Register attaches both services to g.
func (s *Server) Register(g *grpc.Server) {
	g.RegisterService(&tokenVerifierDesc, s)
	healthpb.RegisterHealthServer(g, s.health)
}

// Verify checks a bearer token. The response carries user_id and roles.
func (s *Server) Verify(ctx context.Context, req *wrapperspb.StringValue) (*structpb.Struct, error) {
	token := strings.TrimSpace(req.GetValue())
	if token == "" {
		return nil, status.Error(codes.InvalidArgument, "token is required")
	}
	id, err := s.verifier.Verify(ctx, token)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrTokenNotFound),
			errors.Is(err, auth.ErrTokenExpired),
			errors.Is(err, auth.ErrTokenRevoked):
			return nil, status.Error(codes.Unauthenticated, err.Error())
		default:
			obs.Error("grpc_verify_failed", "error", err)
			return nil, status.Error(codes.Internal, "verification failed")
		}
	}
	roles := make([]any, 0, len(id.Roles))
	for _, r := range id.Roles {
		roles = append(roles, r)
	}
	out, err := structpb.NewStruct(map[string]any{
		"user_id": id.UserID,
		"roles":   roles,
	})
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return out, nil
}

// CheckReadiness probes readiness once and publishes the result on the
// health service (overall and per service name).
func (s *Server) CheckReadiness(ctx context.Context) error {
	st := healthpb.HealthCheckResponse_SERVING
	var err error
	if s.readiness != nil {
		err = s.readiness.Check(ctx)
	}
	if err != nil {
		st = healthpb.HealthCheckResponse_NOT_SERVING
	}
	obs.SetReady(err == nil)
	s.health.SetServingStatus("", st)
	s.health.SetServingStatus(ServiceName, st)
	return err
}

// WatchReadiness re-probes readiness every interval until ctx is done, then
// marks the server as shutting down.
func (s *Server) WatchReadiness(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		probeCtx, cancel := context.WithTimeout(ctx, interval)
		if err := s.CheckReadiness(probeCtx); err != nil && ctx.Err() == nil {
			obs.Warn("grpc_not_ready", "error", err)
		}
		cancel()
		select {
		case <-ctx.Done():
			s.health.Shutdown()
			return
		case <-ticker.C:
		}
	}
}

// UnaryLogging logs one line per unary call.
func UnaryLogging(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	level := "info"
	code := status.Code(err)
	if code == codes.Internal || code == codes.Unknown {
		level = "error"
	}
	obs.Log(level, "grpc_request_complete",
		"method", info.FullMethod,
		"code", code.String(),
		"duration_ms", float64(time.Since(start).Microseconds())/1000,
	)
	return resp, err
}

type tokenVerifierServer interface {
	Verify(context.Context, *wrapperspb.StringValue) (*structpb.Struct, error)
}

var tokenVerifierDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*tokenVerifierServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Verify", Handler: verifyHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "larabbs/auth/v1/verifier.proto",
}

func verifyHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.StringValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(tokenVerifierServer).Verify(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: verifyMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(tokenVerifierServer).Verify(ctx, req.(*wrapperspb.StringValue))
	}
	return interceptor(ctx, in, info, handler)
}
