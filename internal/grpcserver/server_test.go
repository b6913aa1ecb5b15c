package grpcserver

import (
	"bytes"
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"

	"gonum.org/v1/gonum/mat"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"tilescan/internal/decode"
	"tilescan/internal/reader"
	"tilescan/internal/series"
)

// rgbDecoder gives every file three 2x2 planes filled with 1, 2, 3.
type rgbDecoder struct{}

func (rgbDecoder) Decode(path string) (*decode.Image, error) {
	im := &decode.Image{DType: decode.Uint8}
	for p := 1; p <= 3; p++ {
		v := float64(p)
		im.Planes = append(im.Planes, mat.NewDense(2, 2, []float64{v, v, v, v}))
	}
	return im, nil
}

func (d rgbDecoder) DecodePlane(path string, plane int) (*decode.Image, error) {
	im, _ := d.Decode(path)
	return im.Select(plane)
}

type staticSource struct{ rd *reader.Reader }

func (s staticSource) Reader() *reader.Reader { return s.rd }

func dial(t *testing.T, src ReaderSource) *Client {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- New(src, nil).Serve(ctx, lis) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return NewClient(conn)
}

func multiChannelSource(t *testing.T) staticSource {
	t.Helper()
	dir := t.TempDir()
	for _, n := range []string{"img_1.tif", "img_2.tif"} {
		if err := os.WriteFile(filepath.Join(dir, n), nil, 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	idx, err := series.New(dir, "img_{series}.tif", 0, 2, 1, rgbDecoder{})
	if err != nil {
		t.Fatalf("index: %v", err)
	}
	return staticSource{rd: reader.New(idx, rgbDecoder{})}
}

func TestDescribe(t *testing.T) {
	c := dial(t, multiChannelSource(t))
	sum, err := c.Describe(context.Background())
	if err != nil {
		t.Fatalf("describe: %v", err)
	}
	f := sum.GetFields()
	if f["num_images"].GetNumberValue() != 2 || f["num_channels"].GetNumberValue() != 3 {
		t.Fatalf("unexpected summary %v", sum)
	}
	if !f["multi_channel_tiles"].GetBoolValue() {
		t.Fatalf("expected multi-channel tiles")
	}
	if n := len(f["tiles"].GetListValue().GetValues()); n != 6 {
		t.Fatalf("expected 6 tiles, got %d", n)
	}
}

func TestReadTileRawAndPNG(t *testing.T) {
	c := dial(t, multiChannelSource(t))

	raw, err := c.ReadTile(context.Background(), 1, 2, FormatRaw)
	if err != nil {
		t.Fatalf("read raw: %v", err)
	}
	var want bytes.Buffer
	decode.WriteRaw(&want, mat.NewDense(2, 2, []float64{3, 3, 3, 3}))
	if !bytes.Equal(raw, want.Bytes()) {
		t.Fatalf("expected plane 2 samples")
	}

	png, err := c.ReadTile(context.Background(), 0, 0, FormatPNG)
	if err != nil {
		t.Fatalf("read png: %v", err)
	}
	if !bytes.HasPrefix(png, []byte("\x89PNG")) {
		t.Fatalf("expected PNG payload")
	}
}

func TestReadTileErrors(t *testing.T) {
	c := dial(t, multiChannelSource(t))
	cases := []struct {
		series, channel int
		format          string
		code            codes.Code
	}{
		{5, 0, FormatRaw, codes.NotFound},
		{0, 3, FormatRaw, codes.NotFound},
		{0, 0, "tiff", codes.InvalidArgument},
	}
	for _, tc := range cases {
		_, err := c.ReadTile(context.Background(), tc.series, tc.channel, tc.format)
		if status.Code(err) != tc.code {
			t.Fatalf("(%d,%d,%s): expected %v, got %v", tc.series, tc.channel, tc.format, tc.code, err)
		}
	}
}

func TestReadTileRejectsNonIntegerSelectors(t *testing.T) {
	srv := New(multiChannelSource(t), nil)
	cases := []map[string]any{
		{"series": 1e300, "channel": 0},
		{"series": 0, "channel": -1e12},
		{"series": 0.5, "channel": 0},
		{"channel": 0},
		{"series": "0", "channel": 0},
	}
	for _, fields := range cases {
		req, err := structpb.NewStruct(fields)
		if err != nil {
			t.Fatalf("build request %v: %v", fields, err)
		}
		if _, err := srv.ReadTile(context.Background(), req); status.Code(err) != codes.InvalidArgument {
			t.Fatalf("%v: expected InvalidArgument, got %v", fields, err)
		}
	}
}

func TestUnavailableWithoutIndex(t *testing.T) {
	c := dial(t, staticSource{})
	if _, err := c.Describe(context.Background()); status.Code(err) != codes.Unavailable {
		t.Fatalf("expected Unavailable, got %v", err)
	}
}
