package decode

import (
	"fmt"
	"math"
	"sync"

	"gonum.org/v1/gonum/mat"
	"gopkg.in/gographics/imagick.v3/imagick"
)

// Magick decodes through ImageMagick. Every image in the file (each TIFF page)
// contributes planes in page order: one for grayscale pages, R, G and B for colour
// pages, matching Native.
type Magick struct {
	mu          sync.RWMutex
	initOnce    sync.Once
	initialized bool
	closed      bool
}

// NewMagick returns an ImageMagick backed decoder. Call Close when done.
func NewMagick() *Magick { return &Magick{} }

// acquire initializes ImageMagick on first use and holds it open until release.
func (m *Magick) acquire() (func(), error) {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return nil, ErrDecoderClosed
	}
	m.initOnce.Do(func() {
		imagick.Initialize()
		m.initialized = true
	})
	return m.mu.RUnlock, nil
}

// Close releases the ImageMagick environment. Decoding after Close fails with
// ErrDecoderClosed.
func (m *Magick) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	if m.initialized {
		imagick.Terminate()
	}
	return nil
}

func (m *Magick) Decode(path string) (*Image, error) {
	release, err := m.acquire()
	if err != nil {
		return nil, err
	}
	defer release()

	mw := imagick.NewMagickWand()
	defer mw.Destroy()

	if err := mw.ReadImage(path); err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	out := &Image{}
	for i := 0; i < int(mw.GetNumberImages()); i++ {
		mw.SetIteratorIndex(i)
		for _, ch := range pageChannels(mw) {
			p, dt, err := exportPlane(mw, ch)
			if err != nil {
				return nil, fmt.Errorf("read %s page %d: %w", path, i, err)
			}
			out.Planes = append(out.Planes, p)
			out.DType = dt
		}
	}
	if len(out.Planes) == 0 {
		return nil, fmt.Errorf("read %s: no images in file", path)
	}
	return out, nil
}

func (m *Magick) DecodePlane(path string, plane int) (*Image, error) {
	if plane < 0 {
		return nil, fmt.Errorf("read %s: %w: %d", path, ErrPlaneOutOfRange, plane)
	}
	release, err := m.acquire()
	if err != nil {
		return nil, err
	}
	defer release()

	mw := imagick.NewMagickWand()
	defer mw.Destroy()

	if err := mw.ReadImage(path); err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	total := 0
	for i := 0; i < int(mw.GetNumberImages()); i++ {
		mw.SetIteratorIndex(i)
		chans := pageChannels(mw)
		if plane < total+len(chans) {
			p, dt, err := exportPlane(mw, chans[plane-total])
			if err != nil {
				return nil, fmt.Errorf("read %s plane %d: %w", path, plane, err)
			}
			return &Image{Planes: []*mat.Dense{p}, DType: dt}, nil
		}
		total += len(chans)
	}
	return nil, fmt.Errorf("read %s: %w: %d of %d", path, ErrPlaneOutOfRange, plane, total)
}

// pageChannels lists the export maps for the current wand image.
func pageChannels(mw *imagick.MagickWand) []string {
	if mw.GetImageColorspace() == imagick.COLORSPACE_GRAY {
		return []string{"I"}
	}
	return []string{"R", "G", "B"}
}

// exportPlane copies one channel of the current wand image into a plane of raw sample
// values.
func exportPlane(mw *imagick.MagickWand, channel string) (*mat.Dense, DType, error) {
	w := mw.GetImageWidth()
	h := mw.GetImageHeight()
	if w == 0 || h == 0 {
		return nil, Invalid, fmt.Errorf("empty image %dx%d", w, h)
	}
	raw, err := mw.ExportImagePixels(0, 0, w, h, channel, imagick.PIXEL_DOUBLE)
	if err != nil {
		return nil, Invalid, err
	}
	px, ok := raw.([]float64)
	if !ok {
		return nil, Invalid, fmt.Errorf("unexpected pixel buffer %T", raw)
	}

	dt := magickDType(mw.GetImageDepth(), mw.GetImageProperty("quantum:format"))
	scale := dt.MaxValue()
	data := make([]float64, len(px))
	for i, v := range px {
		if scale == 1 {
			data[i] = v
		} else {
			data[i] = math.Round(v * scale)
		}
	}
	return mat.NewDense(int(h), int(w), data), dt, nil
}

func magickDType(depth uint, format string) DType {
	if format == "floating-point" {
		if depth > 32 {
			return Float64
		}
		return Float32
	}
	switch {
	case depth <= 8:
		return Uint8
	case depth <= 16:
		return Uint16
	default:
		return Uint32
	}
}
