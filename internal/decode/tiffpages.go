package decode

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"golang.org/x/image/tiff"
)

// maxTIFFPages bounds the IFD walk so a corrupt chain cannot run away.
const maxTIFFPages = 4096

// tiffPageOffsets returns the offset of every IFD in a classic TIFF, in file order.
func tiffPageOffsets(data []byte) ([]uint32, binary.ByteOrder, error) {
	if len(data) < 8 {
		return nil, nil, errors.New("tiff: file too short")
	}
	var order binary.ByteOrder
	switch string(data[:4]) {
	case "II*\x00":
		order = binary.LittleEndian
	case "MM\x00*":
		order = binary.BigEndian
	default:
		return nil, nil, errors.New("tiff: malformed header")
	}

	var offsets []uint32
	seen := make(map[uint32]bool)
	next := order.Uint32(data[4:8])
	for next != 0 && !seen[next] {
		if len(offsets) == maxTIFFPages {
			return nil, nil, fmt.Errorf("tiff: more than %d pages", maxTIFFPages)
		}
		off := int(next)
		if off+2 > len(data) {
			return nil, nil, fmt.Errorf("tiff: IFD offset %d beyond end of file", off)
		}
		entries := int(order.Uint16(data[off : off+2]))
		tail := off + 2 + 12*entries
		if tail+4 > len(data) {
			// A truncated trailer still leaves a readable page.
			offsets = append(offsets, next)
			break
		}
		seen[next] = true
		offsets = append(offsets, next)
		next = order.Uint32(data[tail : tail+4])
	}
	if len(offsets) == 0 {
		return nil, nil, errors.New("tiff: no image directories")
	}
	return offsets, order, nil
}

// pageReader presents a TIFF whose header points at a chosen IFD, so the
// single-image decoder reads that page.
type pageReader struct {
	data   []byte
	header [8]byte
}

func newPageReader(data []byte, order binary.ByteOrder, ifd uint32) *pageReader {
	pr := &pageReader{data: data}
	copy(pr.header[:], data[:8])
	order.PutUint32(pr.header[4:], ifd)
	return pr
}

func (pr *pageReader) ReadAt(b []byte, off int64) (int, error) {
	if off < 0 {
		return 0, errors.New("tiff: negative offset")
	}
	if off >= int64(len(pr.data)) {
		return 0, io.EOF
	}
	n := copy(b, pr.data[off:])
	if off < int64(len(pr.header)) {
		copy(b, pr.header[off:])
	}
	if n < len(b) {
		return n, io.EOF
	}
	return n, nil
}

// decodeTIFF decodes every page of a TIFF. Each page contributes its planes in page
// order; all pages must share one shape and datatype.
func decodeTIFF(data []byte) (*Image, error) {
	offsets, order, err := tiffPageOffsets(data)
	if err != nil {
		return nil, err
	}

	out := &Image{}
	for i, ifd := range offsets {
		pr := newPageReader(data, order, ifd)
		img, err := tiff.Decode(io.NewSectionReader(pr, 0, int64(len(data))))
		if err != nil {
			return nil, fmt.Errorf("page %d: %w", i, err)
		}
		page, err := fromImage(img)
		if err != nil {
			return nil, fmt.Errorf("page %d: %w", i, err)
		}
		if i > 0 {
			r0, c0 := out.Planes[0].Dims()
			r, c := page.Planes[0].Dims()
			if r != r0 || c != c0 {
				return nil, fmt.Errorf("page %d is %dx%d, page 0 is %dx%d", i, r, c, r0, c0)
			}
			if page.DType != out.DType {
				return nil, fmt.Errorf("page %d is %s, page 0 is %s", i, page.DType, out.DType)
			}
		}
		out.Planes = append(out.Planes, page.Planes...)
		out.DType = page.DType
	}
	return out, nil
}
