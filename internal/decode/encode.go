package decode

import (
	"encoding/binary"
	"image"
	"image/color"
	"image/png"
	"io"
	"math"

	"gonum.org/v1/gonum/mat"
)

// ToGray16 scales a plane stored as dt into a 16-bit grayscale image. Samples outside
// the datatype's range are clamped.
func ToGray16(p *mat.Dense, dt DType) *image.Gray16 {
	rows, cols := p.Dims()
	img := image.NewGray16(image.Rect(0, 0, cols, rows))
	scale := 65535 / dt.MaxValue()
	for y := 0; y < rows; y++ {
		for x := 0; x < cols; x++ {
			v := math.Round(p.At(y, x) * scale)
			switch {
			case math.IsNaN(v) || v < 0:
				v = 0
			case v > 65535:
				v = 65535
			}
			img.SetGray16(x, y, color.Gray16{Y: uint16(v)})
		}
	}
	return img
}

// WritePNG encodes a plane as a 16-bit grayscale PNG.
func WritePNG(w io.Writer, p *mat.Dense, dt DType) error {
	return png.Encode(w, ToGray16(p, dt))
}

// WriteRaw writes a plane as little-endian float64 samples in row-major order.
func WriteRaw(w io.Writer, p *mat.Dense) error {
	rows, cols := p.Dims()
	buf := make([]byte, 8*cols)
	for y := 0; y < rows; y++ {
		for x, v := range p.RawRowView(y) {
			binary.LittleEndian.PutUint64(buf[8*x:], math.Float64bits(v))
		}
		if _, err := w.Write(buf); err != nil {
			return err
		}
	}
	return nil
}
