package grpcx

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/cwrk-planet/coderoom/internal/domain"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const ServiceName = "coderoom.admin.v1.RoomAdmin"

// Full method names, shared with pkg/adminclient.
const (
	MethodListRooms = "/" + ServiceName + "/ListRooms"
	MethodGetRoom   = "/" + ServiceName + "/GetRoom"
	MethodStats     = "/" + ServiceName + "/Stats"
)

// Rooms is the read side of the room gateway.
type Rooms interface {
	Rooms(ctx context.Context) []domain.RoomInfo
	Room(ctx context.Context, roomID string) (domain.RoomInfo, error)
	Stats() domain.GatewayStats
}

// AdminServer is the handler type of the RoomAdmin service. Requests and
// responses are protobuf well-known types, so no generated code is needed.
type AdminServer interface {
	ListRooms(ctx context.Context, in *emptypb.Empty) (*structpb.Struct, error)
	GetRoom(ctx context.Context, in *wrapperspb.StringValue) (*structpb.Struct, error)
	Stats(ctx context.Context, in *emptypb.Empty) (*structpb.Struct, error)
}

type Server struct {
	rooms Rooms
}

func NewServer(rooms Rooms) *Server {
	return &Server{rooms: rooms}
}

func Register(s *grpc.Server, srv AdminServer) {
	s.RegisterService(&serviceDesc, srv)
}

func (s *Server) ListRooms(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	rooms := s.rooms.Rooms(ctx)
	items := make([]any, 0, len(rooms))
	for _, r := range rooms {
		items = append(items, roomMap(r))
	}
	out, err := structpb.NewStruct(map[string]any{
		"rooms": items,
		"count": len(items),
	})
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return out, nil
}

func (s *Server) GetRoom(ctx context.Context, in *wrapperspb.StringValue) (*structpb.Struct, error) {
	if in.GetValue() == "" {
		return nil, status.Error(codes.InvalidArgument, "room id is required")
	}
	info, err := s.rooms.Room(ctx, in.GetValue())
	if err != nil {
		return nil, mapErr(err)
	}
	out, err := structpb.NewStruct(roomMap(info))
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return out, nil
}

func (s *Server) Stats(_ context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	st := s.rooms.Stats()
	out, err := structpb.NewStruct(map[string]any{
		"rooms":   st.Rooms,
		"sockets": st.Sockets,
	})
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return out, nil
}

func roomMap(info domain.RoomInfo) map[string]any {
	members := make([]any, 0, len(info.Members))
	for _, m := range info.Members {
		members = append(members, map[string]any{
			"socketId": m.SocketID,
			"username": m.Username,
			"typing":   m.Typing,
			"joinedAt": m.JoinedAt.UTC().Format(time.RFC3339Nano),
		})
	}
	return map[string]any{
		"id":           info.ID,
		"members":      members,
		"codeLength":   info.CodeLength,
		"revision":     info.Revision,
		"messageCount": info.MessageCount,
		"createdAt":    info.CreatedAt.UTC().Format(time.RFC3339Nano),
		"updatedAt":    info.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
}

func mapErr(err error) error {
	switch {
	case errors.Is(err, domain.ErrRoomNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, domain.ErrMissingRoomID):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, domain.ErrGatewayStopped):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	default:
		return status.Error(codes.Internal, "internal server error")
	}
}

func listRoomsHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AdminServer).ListRooms(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: MethodListRooms}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return srv.(AdminServer).ListRooms(ctx, req.(*emptypb.Empty))
	})
}

func getRoomHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.StringValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AdminServer).GetRoom(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: MethodGetRoom}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return srv.(AdminServer).GetRoom(ctx, req.(*wrapperspb.StringValue))
	})
}

func statsHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AdminServer).Stats(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: MethodStats}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return srv.(AdminServer).Stats(ctx, req.(*emptypb.Empty))
	})
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*AdminServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "ListRooms", Handler: listRoomsHandler},
		{MethodName: "GetRoom", Handler: getRoomHandler},
		{MethodName: "Stats", Handler: statsHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "coderoom/admin/v1/admin.proto",
}

// Run serves the admin service on addr until ctx is done.
func Run(ctx context.Context, addr string, srv *grpc.Server) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("grpc listen %s: %w", addr, err)
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case <-ctx.Done():
		stopped := make(chan struct{})
		go func() {
			srv.GracefulStop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-time.After(10 * time.Second):
			srv.Stop()
		}
		return nil
	case err := <-errCh:
		return err
	}
}
