package pipeline

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"gonum.org/v1/gonum/mat"

	"tilescan/internal/decode"
	"tilescan/internal/reader"
	"tilescan/internal/series"
)

// constDecoder returns a 2x2 uint8 plane filled with the tile's series number.
type constDecoder struct{}

func (constDecoder) Decode(path string) (*decode.Image, error) {
	v := map[string]float64{"img_1.tif": 10, "img_2.tif": 20, "img_3.tif": 30, "img_4.tif": 40}[filepath.Base(path)]
	return &decode.Image{DType: decode.Uint8, Planes: []*mat.Dense{mat.NewDense(2, 2, []float64{v, v, v, v + 2})}}, nil
}

func (d constDecoder) DecodePlane(path string, plane int) (*decode.Image, error) {
	im, _ := d.Decode(path)
	return im.Select(plane)
}

func newTestReader(t *testing.T) *reader.Reader {
	t.Helper()
	dir := t.TempDir()
	for _, n := range []string{"img_1.tif", "img_2.tif", "img_3.tif", "img_4.tif"} {
		if err := os.WriteFile(filepath.Join(dir, n), nil, 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	idx, err := series.New(dir, "img_{series}.tif", 0, 2, 2, constDecoder{})
	if err != nil {
		t.Fatalf("index: %v", err)
	}
	return reader.New(idx, constDecoder{})
}

func TestRouterExportWritesPNGByRowCol(t *testing.T) {
	r := NewRouter(slog.Default(), newTestReader(t))
	out := t.TempDir()

	res := r.Process(context.Background(), Job{ID: "e-3", Type: JobExport, Series: 3, Channel: 0, Output: out})
	if res.Error != nil {
		t.Fatalf("expected nil error, got %v", res.Error)
	}
	want := filepath.Join(out, ExportName(1, 1, 0))
	if res.Meta["file"] != want {
		t.Fatalf("expected %s, got %v", want, res.Meta["file"])
	}

	im, err := decode.NewNative().Decode(want)
	if err != nil {
		t.Fatalf("decode export: %v", err)
	}
	// uint8 40 scaled to 16 bits
	if v := im.Planes[0].At(0, 0); v != 40*257 {
		t.Fatalf("expected %d, got %v", 40*257, v)
	}
}

func TestRouterStats(t *testing.T) {
	r := NewRouter(nil, newTestReader(t))
	res := r.Process(context.Background(), Job{ID: "s-0", Type: JobStats, Series: 0})
	if res.Error != nil {
		t.Fatalf("expected nil error, got %v", res.Error)
	}
	if res.Meta["min"] != 10.0 || res.Meta["max"] != 12.0 || res.Meta["mean"] != 10.5 {
		t.Fatalf("unexpected stats %v", res.Meta)
	}
}

func TestRouterRejectsUnknownAndOutOfRange(t *testing.T) {
	r := NewRouter(nil, newTestReader(t))
	if res := r.Process(context.Background(), Job{ID: "x", Type: "bogus"}); res.Error == nil {
		t.Fatalf("expected unknown job type error")
	}
	if res := r.Process(context.Background(), Job{ID: "y", Type: JobExport, Series: 9, Output: t.TempDir()}); res.Error == nil {
		t.Fatalf("expected out of range error")
	}
}

func TestRouterHonorsCancelledContext(t *testing.T) {
	r := NewRouter(nil, newTestReader(t))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if res := r.Process(ctx, Job{ID: "c", Type: JobStats}); res.Error == nil {
		t.Fatalf("expected context error")
	}
}
