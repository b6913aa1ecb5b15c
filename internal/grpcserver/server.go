// Package grpcserver serves the tile index over gRPC. Messages are protobuf well-known
// types, so the service needs no generated code: the index summary travels as a
// Struct and tile pixels as BytesValue.
package grpcserver

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net"
	"time"

	jsoniter "github.com/json-iterator/go"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"tilescan/internal/decode"
	"tilescan/internal/reader"
	"tilescan/internal/series"
)

const (
	ServiceName = "tilescan.TileIndex"

	maxMsgSize = 100 * 1024 * 1024 // 100MB
)

// Tile payload formats accepted by ReadTile.
const (
	FormatRaw = "raw"
	FormatPNG = "png"
)

// TileIndexServer is the service implementation registered under ServiceName.
type TileIndexServer interface {
	Describe(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	ReadTile(context.Context, *structpb.Struct) (*wrapperspb.BytesValue, error)
}

// ReaderSource yields the reader for the index currently served, or nil before the
// first successful build.
type ReaderSource interface {
	Reader() *reader.Reader
}

// Server answers TileIndex calls from a ReaderSource.
type Server struct {
	src ReaderSource
	log *slog.Logger
}

// New returns a Server reading through src.
func New(src ReaderSource, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{src: src, log: log}
}

// Register adds the service to grpcServer.
func (s *Server) Register(grpcServer *grpc.Server) {
	grpcServer.RegisterService(&TileIndexServiceDesc, s)
}

// Start listens on addr and serves until ctx ends.
func (s *Server) Start(ctx context.Context, addr string) error {
	listen, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return s.Serve(ctx, listen)
}

// Serve serves on lis until ctx ends, then stops gracefully.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	grpcServer := grpc.NewServer(
		grpc.MaxRecvMsgSize(maxMsgSize),
		grpc.MaxSendMsgSize(maxMsgSize),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             20 * time.Second,
			PermitWithoutStream: true,
		}),
	)
	s.Register(grpcServer)

	go func() {
		<-ctx.Done()
		grpcServer.GracefulStop()
	}()

	s.log.Info("grpc server starting", "addr", lis.Addr().String(), "service", ServiceName)
	err := grpcServer.Serve(lis)
	if errors.Is(err, grpc.ErrServerStopped) {
		return nil
	}
	return err
}

func (s *Server) reader() (*reader.Reader, error) {
	rd := s.src.Reader()
	if rd == nil {
		return nil, status.Error(codes.Unavailable, "no index has been built yet")
	}
	return rd, nil
}

// Describe returns the index summary, tiles included.
func (s *Server) Describe(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	rd, err := s.reader()
	if err != nil {
		return nil, err
	}
	out, err := summaryStruct(rd.Index().Summary())
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode summary: %v", err)
	}
	return out, nil
}

// ReadTile returns one tile. The request carries "series" and "channel" numbers and an
// optional "format" of "raw" (default, little-endian float64 row-major) or "png".
func (s *Server) ReadTile(ctx context.Context, req *structpb.Struct) (*wrapperspb.BytesValue, error) {
	rd, err := s.reader()
	if err != nil {
		return nil, err
	}
	fields := req.GetFields()
	si, err := intField(fields, "series")
	if err != nil {
		return nil, err
	}
	ci, err := intField(fields, "channel")
	if err != nil {
		return nil, err
	}
	format := fields["format"].GetStringValue()
	if format == "" {
		format = FormatRaw
	}

	plane, err := rd.Read(si, ci)
	if errors.Is(err, series.ErrOutOfRange) {
		return nil, status.Error(codes.NotFound, err.Error())
	}
	if err != nil {
		return nil, status.Errorf(codes.Internal, "read tile: %v", err)
	}

	var buf bytes.Buffer
	switch format {
	case FormatRaw:
		err = decode.WriteRaw(&buf, plane)
	case FormatPNG:
		err = decode.WritePNG(&buf, plane, rd.Index().PixelDType())
	default:
		return nil, status.Errorf(codes.InvalidArgument, "unknown format %q", format)
	}
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode tile: %v", err)
	}
	return wrapperspb.Bytes(buf.Bytes()), nil
}

func intField(fields map[string]*structpb.Value, name string) (int, error) {
	v, ok := fields[name]
	if !ok {
		return 0, status.Errorf(codes.InvalidArgument, "%s is required", name)
	}
	n, ok := v.GetKind().(*structpb.Value_NumberValue)
	if !ok || n.NumberValue != math.Trunc(n.NumberValue) {
		return 0, status.Errorf(codes.InvalidArgument, "%s must be an integer", name)
	}
	if n.NumberValue < math.MinInt32 || n.NumberValue > math.MaxInt32 {
		return 0, status.Errorf(codes.InvalidArgument, "%s %g is out of range", name, n.NumberValue)
	}
	return int(n.NumberValue), nil
}

func summaryStruct(sum series.Summary) (*structpb.Struct, error) {
	data, err := jsoniter.Marshal(sum)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := jsoniter.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return structpb.NewStruct(m)
}
