package decode

import (
	"bytes"
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"testing"

	"gonum.org/v1/gonum/mat"
)

func TestToGray16Scaling(t *testing.T) {
	cases := []struct {
		dt   DType
		in   float64
		want uint16
	}{
		{Uint8, 255, 65535},
		{Uint8, 1, 257},
		{Uint16, 1234, 1234},
		{Float32, 0.5, 32768},
		{Float64, 2, 65535},
		{Float64, -1, 0},
		{Float64, math.NaN(), 0},
	}
	for _, tc := range cases {
		img := ToGray16(mat.NewDense(1, 1, []float64{tc.in}), tc.dt)
		if got := img.Gray16At(0, 0).Y; got != tc.want {
			t.Fatalf("%s %v: expected %d, got %d", tc.dt, tc.in, tc.want, got)
		}
	}
}

func TestWritePNGDecodesBack(t *testing.T) {
	p := mat.NewDense(2, 3, []float64{0, 1, 2, 3, 4, 65535})
	path := filepath.Join(t.TempDir(), "out.png")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := WritePNG(f, p, Uint16); err != nil {
		t.Fatalf("write png: %v", err)
	}
	f.Close()

	im, err := NewNative().Decode(path)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !mat.Equal(im.Planes[0], p) {
		t.Fatalf("expected %v, got %v", mat.Formatted(p), mat.Formatted(im.Planes[0]))
	}
}

func TestWriteRaw(t *testing.T) {
	p := mat.NewDense(2, 2, []float64{1.5, 2, 3, -4})
	var buf bytes.Buffer
	if err := WriteRaw(&buf, p); err != nil {
		t.Fatalf("write raw: %v", err)
	}
	if buf.Len() != 32 {
		t.Fatalf("expected 32 bytes, got %d", buf.Len())
	}
	last := math.Float64frombits(binary.LittleEndian.Uint64(buf.Bytes()[24:]))
	if last != -4 {
		t.Fatalf("expected -4, got %v", last)
	}
}
