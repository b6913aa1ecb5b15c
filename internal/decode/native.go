package decode

import (
	"fmt"
	"image"
	"image/color"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"strings"

	"gonum.org/v1/gonum/mat"
)

// Native decodes TIFF, PNG and JPEG without cgo. Grayscale images yield one plane and
// colour images are split into R, G and B planes. Every page of a multi-page TIFF
// contributes its planes in page order.
type Native struct{}

// NewNative returns a pure Go decoder.
func NewNative() *Native { return &Native{} }

func (n *Native) Decode(path string) (*Image, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".tif", ".tiff":
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		im, err := decodeTIFF(data)
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", path, err)
		}
		return im, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return fromImage(img)
}

func (n *Native) DecodePlane(path string, plane int) (*Image, error) {
	im, err := n.Decode(path)
	if err != nil {
		return nil, err
	}
	return im.Select(plane)
}

func fromImage(img image.Image) (*Image, error) {
	b := img.Bounds()
	h, w := b.Dy(), b.Dx()
	if h == 0 || w == 0 {
		return nil, fmt.Errorf("empty image %dx%d", w, h)
	}

	switch src := img.(type) {
	case *image.Gray:
		p := mat.NewDense(h, w, nil)
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				p.Set(y, x, float64(src.GrayAt(b.Min.X+x, b.Min.Y+y).Y))
			}
		}
		return &Image{Planes: []*mat.Dense{p}, DType: Uint8}, nil
	case *image.Gray16:
		p := mat.NewDense(h, w, nil)
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				p.Set(y, x, float64(src.Gray16At(b.Min.X+x, b.Min.Y+y).Y))
			}
		}
		return &Image{Planes: []*mat.Dense{p}, DType: Uint16}, nil
	}

	dt := Uint8
	switch img.ColorModel() {
	case color.RGBA64Model, color.NRGBA64Model:
		dt = Uint16
	}
	shift := uint32(8)
	if dt == Uint16 {
		shift = 0
	}
	planes := []*mat.Dense{mat.NewDense(h, w, nil), mat.NewDense(h, w, nil), mat.NewDense(h, w, nil)}
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			r, g, bl, _ := img.At(b.Min.X+x, b.Min.Y+y).RGBA()
			planes[0].Set(y, x, float64(r>>shift))
			planes[1].Set(y, x, float64(g>>shift))
			planes[2].Set(y, x, float64(bl>>shift))
		}
	}
	return &Image{Planes: planes, DType: dt}, nil
}
