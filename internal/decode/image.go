// Package decode turns tile files into pixel planes. It is the only place in tilescan that
// knows about on-disk image formats; everything else sees an Image of one or more
// float64 planes plus the datatype the samples were stored with.
package decode

import (
	"errors"
	"fmt"
	"strings"

	"gonum.org/v1/gonum/mat"
)

var (
	// ErrPlaneOutOfRange is returned when a plane selector exceeds the planes in a file.
	ErrPlaneOutOfRange = errors.New("plane out of range")
	// ErrUnknownDecoder is returned by New for an unrecognized decoder name.
	ErrUnknownDecoder = errors.New("unknown decoder")
	// ErrDecoderClosed is returned by a decoder used after Close.
	ErrDecoderClosed = errors.New("decoder closed")
)

// DType is the sample datatype a tile was stored with.
type DType int

const (
	Invalid DType = iota
	Uint8
	Uint16
	Uint32
	Float32
	Float64
)

func (d DType) String() string {
	switch d {
	case Uint8:
		return "uint8"
	case Uint16:
		return "uint16"
	case Uint32:
		return "uint32"
	case Float32:
		return "float32"
	case Float64:
		return "float64"
	default:
		return "invalid"
	}
}

// MaxValue is the largest representable sample, used when scaling to 16-bit output.
// Float types report 1.
func (d DType) MaxValue() float64 {
	switch d {
	case Uint8:
		return 255
	case Uint16:
		return 65535
	case Uint32:
		return 4294967295
	default:
		return 1
	}
}

// Image is a decoded tile. Every plane has the same (height, width).
type Image struct {
	Planes []*mat.Dense
	DType  DType
}

// Shape returns (H, W) for a single-plane image and (H, W, planes) otherwise.
func (im *Image) Shape() []int {
	if len(im.Planes) == 0 {
		return nil
	}
	h, w := im.Planes[0].Dims()
	if len(im.Planes) == 1 {
		return []int{h, w}
	}
	return []int{h, w, len(im.Planes)}
}

// NDim is len(Shape()).
func (im *Image) NDim() int { return len(im.Shape()) }

// Plane returns plane i.
func (im *Image) Plane(i int) (*mat.Dense, error) {
	if i < 0 || i >= len(im.Planes) {
		return nil, fmt.Errorf("%w: %d of %d", ErrPlaneOutOfRange, i, len(im.Planes))
	}
	return im.Planes[i], nil
}

// Select returns a single-plane image holding plane i.
func (im *Image) Select(i int) (*Image, error) {
	p, err := im.Plane(i)
	if err != nil {
		return nil, err
	}
	return &Image{Planes: []*mat.Dense{p}, DType: im.DType}, nil
}

// Decoder reads tile files.
type Decoder interface {
	// Decode returns every plane in the file.
	Decode(path string) (*Image, error)
	// DecodePlane returns a single-plane image holding only the selected plane.
	DecodePlane(path string, plane int) (*Image, error)
}

// New returns the decoder registered under name ("magick" or "native").
func New(name string) (Decoder, error) {
	switch strings.ToLower(name) {
	case "", "native":
		return NewNative(), nil
	case "magick", "imagick", "imagemagick":
		return NewMagick(), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDecoder, name)
	}
}

// Names lists the decoder names accepted by New.
func Names() []string { return []string{"native", "magick"} }
