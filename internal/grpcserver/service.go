package grpcserver

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const (
	describeMethod = "/" + ServiceName + "/Describe"
	readTileMethod = "/" + ServiceName + "/ReadTile"
)

// TileIndexServiceDesc describes the TileIndex service for grpc.Server.RegisterService.
var TileIndexServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*TileIndexServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Describe", Handler: describeHandler},
		{MethodName: "ReadTile", Handler: readTileHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "tilescan/tile_index",
}

func describeHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(TileIndexServer).Describe(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: describeMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(TileIndexServer).Describe(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

func readTileHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(TileIndexServer).ReadTile(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: readTileMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(TileIndexServer).ReadTile(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// Client calls a remote TileIndex service.
type Client struct {
	cc grpc.ClientConnInterface
}

// Dial opens a plaintext connection to a TileIndex server. Tiles can be large, so the
// receive limit matches the server's.
func Dial(addr string) (*grpc.ClientConn, error) {
	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                30 * time.Second,
			Timeout:             5 * time.Second,
			PermitWithoutStream: true,
		}),
		grpc.WithDefaultCallOptions(grpc.MaxCallRecvMsgSize(maxMsgSize)),
	)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", addr, err)
	}
	return conn, nil
}

// NewClient wraps an established connection.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// Describe fetches the remote index summary.
func (c *Client) Describe(ctx context.Context, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, describeMethod, new(emptypb.Empty), out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// ReadTile fetches one tile encoded as format.
func (c *Client) ReadTile(ctx context.Context, seriesIdx, channel int, format string, opts ...grpc.CallOption) ([]byte, error) {
	req, err := structpb.NewStruct(map[string]any{
		"series":  seriesIdx,
		"channel": channel,
		"format":  format,
	})
	if err != nil {
		return nil, err
	}
	out := new(wrapperspb.BytesValue)
	if err := c.cc.Invoke(ctx, readTileMethod, req, out, opts...); err != nil {
		return nil, err
	}
	return out.GetValue(), nil
}
