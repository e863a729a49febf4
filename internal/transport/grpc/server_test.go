package grpcx_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/cwrk-planet/coderoom/internal/domain"
	grpcx "github.com/cwrk-planet/coderoom/internal/transport/grpc"
	"github.com/cwrk-planet/coderoom/pkg/adminclient"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"),
		goleak.IgnoreTopFunction("google.golang.org/grpc/internal/transport.(*controlBuffer).get"),
	)
}

type fakeRooms struct {
	panicOnStats bool
}

func (f *fakeRooms) Rooms(context.Context) []domain.RoomInfo {
	return []domain.RoomInfo{
		{ID: "a", Members: []domain.Member{{SocketID: "s1", Username: "alice"}}, Revision: 3},
		{ID: "b"},
	}
}

func (f *fakeRooms) Room(_ context.Context, id string) (domain.RoomInfo, error) {
	if id == "a" {
		return domain.RoomInfo{ID: "a", CodeLength: 12, Revision: 3, MessageCount: 2}, nil
	}
	return domain.RoomInfo{}, domain.ErrRoomNotFound
}

func (f *fakeRooms) Stats() domain.GatewayStats {
	if f.panicOnStats {
		panic("boom")
	}
	return domain.GatewayStats{Rooms: 2, Sockets: 1}
}

func startServer(t *testing.T, rooms grpcx.Rooms) *adminclient.Client {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer(grpc.ChainUnaryInterceptor(grpcx.UnaryServerInterceptor(time.Second)))
	grpcx.Register(srv, grpcx.NewServer(rooms))
	go func() { _ = srv.Serve(lis) }()

	client, err := adminclient.New(adminclient.Options{
		Target:  "passthrough:///bufnet",
		Timeout: 2 * time.Second,
		DialOptions: []grpc.DialOption{
			grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
				return lis.DialContext(ctx)
			}),
			grpc.WithTransportCredentials(insecure.NewCredentials()),
		},
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = client.Close()
		srv.Stop()
	})
	return client
}

func TestAdmin_ListRooms(t *testing.T) {
	client := startServer(t, &fakeRooms{})
	ctx := adminclient.WithRequestID(context.Background(), "req-1")

	rooms, err := client.ListRooms(ctx)
	require.NoError(t, err)
	require.Len(t, rooms, 2)
	assert.Equal(t, "a", rooms[0]["id"])
	assert.Equal(t, float64(3), rooms[0]["revision"])
	members, ok := rooms[0]["members"].([]any)
	require.True(t, ok)
	assert.Equal(t, "alice", members[0].(map[string]any)["username"])
}

func TestAdmin_GetRoom(t *testing.T) {
	client := startServer(t, &fakeRooms{})
	ctx := context.Background()

	room, err := client.GetRoom(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, float64(12), room["codeLength"])
	assert.Equal(t, float64(2), room["messageCount"])

	_, err = client.GetRoom(ctx, "missing")
	assert.Equal(t, codes.NotFound, status.Code(err))

	_, err = client.GetRoom(ctx, "")
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestAdmin_Stats(t *testing.T) {
	client := startServer(t, &fakeRooms{})
	rooms, sockets, err := client.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, rooms)
	assert.Equal(t, 1, sockets)
}

func TestAdmin_PanicBecomesInternal(t *testing.T) {
	client := startServer(t, &fakeRooms{panicOnStats: true})
	_, _, err := client.Stats(context.Background())
	assert.Equal(t, codes.Internal, status.Code(err))
}

func TestInterceptor_AddsDeadline(t *testing.T) {
	icpt := grpcx.UnaryServerInterceptor(time.Second)
	var hasDeadline bool
	_, err := icpt(context.Background(), &emptypb.Empty{}, &grpc.UnaryServerInfo{FullMethod: grpcx.MethodStats},
		func(ctx context.Context, _ any) (any, error) {
			_, hasDeadline = ctx.Deadline()
			return &structpb.Struct{}, nil
		})
	require.NoError(t, err)
	assert.True(t, hasDeadline)
}
