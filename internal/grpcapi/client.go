package grpcapi

import (
	"context"
	"fmt"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"larabbs.org/internal/auth"
)

// Client calls the TokenVerifier service.
type Client struct {
	cc grpc.ClientConnInterface
}

func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// Verify returns the identity bound to token. Rejections come back as the
// auth token errors so callers can use errors.Is as they would in-process.
func (c *Client) Verify(ctx context.Context, token string, opts ...grpc.CallOption) (auth.Identity, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, verifyMethod, wrapperspb.String(token), out, opts...); err != nil {
		return auth.Identity{}, fromStatus(err)
	}
	fields := out.AsMap()
	id := auth.Identity{}
	id.UserID, _ = fields["user_id"].(string)
	if roles, ok := fields["roles"].([]any); ok {
		for _, r := range roles {
			if s, ok := r.(string); ok {
				id.Roles = append(id.Roles, s)
			}
		}
	}
	if id.UserID == "" {
		return auth.Identity{}, fmt.Errorf("grpcapi: response without user_id")
	}
	return id, nil
}

func fromStatus(err error) error {
	st, ok := status.FromError(err)
	if !ok || st.Code() != codes.Unauthenticated {
		return fmt.Errorf("grpcapi: verify: %w", err)
	}
	msg := st.Message()
	for _, known := range []error{auth.ErrTokenExpired, auth.ErrTokenRevoked, auth.ErrTokenNotFound} {
		if strings.Contains(msg, known.Error()) {
			return known
		}
	}
	return fmt.Errorf("%w: %s", auth.ErrTokenNotFound, msg)
}
