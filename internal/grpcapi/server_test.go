package grpcapi

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"larabbs.org/internal/auth"
)

const bufSize = 1024 * 1024

func startBufGRPC(t *testing.T, srv *Server) *grpc.ClientConn {
	t.Helper()

	listener := bufconn.Listen(bufSize)
	server := grpc.NewServer(grpc.ChainUnaryInterceptor(UnaryLogging))
	srv.Register(server)

	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			t.Logf("grpc serve error: %v", err)
		}
	}()

	dialer := func(ctx context.Context, _ string) (net.Conn, error) {
		return listener.DialContext(ctx)
	}
	conn, err := grpc.NewClient(
		"passthrough:///bufnet",
		grpc.WithContextDialer(dialer),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("dial bufnet: %v", err)
	}

	t.Cleanup(func() {
		server.GracefulStop()
		_ = conn.Close()
		_ = listener.Close()
	})
	return conn
}

func newTokens(t *testing.T) *auth.Tokens {
	t.Helper()
	tokens, err := auth.NewTokens(auth.NewMemoryStore().Tokens(), []byte("grpc-test-secret-grpc-test-secret"))
	if err != nil {
		t.Fatalf("NewTokens: %v", err)
	}
	return tokens
}

func TestVerifyRoundTrip(t *testing.T) {
	tokens := newTokens(t)
	conn := startBufGRPC(t, NewServer(tokens, nil))
	client := NewClient(conn)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	tok, err := tokens.Issue(ctx, auth.Identity{UserID: "u1", Roles: []string{"admin"}})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	id, err := client.Verify(ctx, tok.Value)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if id.UserID != "u1" || len(id.Roles) != 1 || id.Roles[0] != "admin" {
		t.Fatalf("unexpected identity: %+v", id)
	}

	if err := tokens.Revoke(ctx, tok.Value); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	if _, err := client.Verify(ctx, tok.Value); !errors.Is(err, auth.ErrTokenRevoked) {
		t.Fatalf("expected ErrTokenRevoked, got %v", err)
	}
	if _, err := client.Verify(ctx, "garbage"); !errors.Is(err, auth.ErrTokenNotFound) {
		t.Fatalf("expected ErrTokenNotFound for garbage, got %v", err)
	}
}

func TestVerifyRequiresToken(t *testing.T) {
	conn := startBufGRPC(t, NewServer(newTokens(t), nil))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err := conn.Invoke(ctx, verifyMethod, wrapperspb.String(" "), new(structpb.Struct))
	if st, ok := status.FromError(err); !ok || st.Code() != codes.InvalidArgument {
		t.Fatalf("expected InvalidArgument, got %v", err)
	}
}

type failingReadiness struct{}

func (failingReadiness) Check(context.Context) error { return errors.New("db down") }

func TestHealthFollowsReadiness(t *testing.T) {
	ok := NewServer(newTokens(t), nil)
	down := NewServer(newTokens(t), failingReadiness{})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	cases := []struct {
		srv  *Server
		want healthpb.HealthCheckResponse_ServingStatus
	}{
		{ok, healthpb.HealthCheckResponse_SERVING},
		{down, healthpb.HealthCheckResponse_NOT_SERVING},
	}
	for _, tc := range cases {
		_ = tc.srv.CheckReadiness(ctx)
		conn := startBufGRPC(t, tc.srv)
		resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
		if err != nil {
			t.Fatalf("health check: %v", err)
		}
		if resp.GetStatus() != tc.want {
			t.Fatalf("expected %s, got %s", tc.want, resp.GetStatus())
		}
	}
}
