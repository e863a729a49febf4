// Package adminclient calls the RoomAdmin gRPC service.
package adminclient

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const service = "/coderoom.admin.v1.RoomAdmin/"

type Options struct {
	Target  string
	Timeout time.Duration
	// DialOptions replace the default insecure transport when set.
	DialOptions []grpc.DialOption
}

type Client struct {
	conn    *grpc.ClientConn
	timeout time.Duration
}

func New(opts Options) (*Client, error) {
	if opts.Target == "" {
		return nil, fmt.Errorf("admin client: empty target")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	dialOpts := opts.DialOptions
	if len(dialOpts) == 0 {
		dialOpts = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}
	conn, err := grpc.NewClient(opts.Target, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("admin client: new client failed: %w", err)
	}
	return &Client{conn: conn, timeout: opts.Timeout}, nil
}

func (c *Client) Close() error { return c.conn.Close() }

// WithRequestID tags outgoing calls so server logs can be correlated.
func WithRequestID(ctx context.Context, id string) context.Context {
	return metadata.AppendToOutgoingContext(ctx, "x-request-id", id)
}

func (c *Client) invoke(ctx context.Context, method string, in any) (map[string]any, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, service+method, in, out); err != nil {
		return nil, err
	}
	return out.AsMap(), nil
}

// ListRooms returns the live rooms as plain maps, ordered by id.
func (c *Client) ListRooms(ctx context.Context) ([]map[string]any, error) {
	m, err := c.invoke(ctx, "ListRooms", &emptypb.Empty{})
	if err != nil {
		return nil, err
	}
	raw, _ := m["rooms"].([]any)
	rooms := make([]map[string]any, 0, len(raw))
	for _, r := range raw {
		if room, ok := r.(map[string]any); ok {
			rooms = append(rooms, room)
		}
	}
	return rooms, nil
}

func (c *Client) GetRoom(ctx context.Context, id string) (map[string]any, error) {
	return c.invoke(ctx, "GetRoom", wrapperspb.String(id))
}

func (c *Client) Stats(ctx context.Context) (rooms, sockets int, err error) {
	m, err := c.invoke(ctx, "Stats", &emptypb.Empty{})
	if err != nil {
		return 0, 0, err
	}
	r, _ := m["rooms"].(float64)
	s, _ := m["sockets"].(float64)
	return int(r), int(s), nil
}
