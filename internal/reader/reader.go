// Package reader returns tile pixels for logical (series, channel) coordinates.
package reader

import (
	"fmt"
	"log/slog"
	"time"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"tilescan/internal/decode"
	"tilescan/internal/logging"
	"tilescan/internal/series"
)

// Reader decodes tiles resolved through a series index. It keeps no state between
// reads; every call decodes from disk.
type Reader struct {
	index *series.Index
	dec   decode.Decoder
	log   *slog.Logger
}

// New returns a Reader over idx. The index is shared, not owned.
func New(idx *series.Index, dec decode.Decoder) *Reader {
	return &Reader{index: idx, dec: dec, log: slog.Default()}
}

// WithLogger returns a copy of r that logs through l.
func (r *Reader) WithLogger(l *slog.Logger) *Reader {
	cp := *r
	if l != nil {
		cp.log = l
	}
	return &cp
}

// Index returns the index the reader resolves tiles through.
func (r *Reader) Index() *series.Index { return r.index }

// Read returns the pixels of one tile. When each file holds every channel, only the
// plane for channel is decoded.
func (r *Reader) Read(seriesIdx, channel int) (*mat.Dense, error) {
	path, err := r.index.FilePath(seriesIdx, channel)
	if err != nil {
		return nil, err
	}
	plane, selected, err := r.index.Plane(channel)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	var im *decode.Image
	if selected {
		im, err = r.dec.DecodePlane(path, plane)
	} else {
		im, err = r.dec.Decode(path)
	}
	if err != nil {
		return nil, fmt.Errorf("read series %d channel %d: %w", seriesIdx, channel, err)
	}
	if len(im.Planes) == 0 {
		return nil, fmt.Errorf("read series %d channel %d: %s has no pixel data", seriesIdx, channel, path)
	}

	logging.LogTileRead(r.log, seriesIdx, channel, path, time.Since(start))
	return im.Planes[0], nil
}

// Stats summarizes the intensities of one tile.
type Stats struct {
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	Mean   float64 `json:"mean"`
	StdDev float64 `json:"stddev"`
}

// Stats reads a tile and computes its intensity statistics.
func (r *Reader) Stats(seriesIdx, channel int) (Stats, error) {
	p, err := r.Read(seriesIdx, channel)
	if err != nil {
		return Stats{}, err
	}
	return PlaneStats(p), nil
}

// PlaneStats computes intensity statistics of a plane.
func PlaneStats(p *mat.Dense) Stats {
	rows, cols := p.Dims()
	values := make([]float64, 0, rows*cols)
	for y := 0; y < rows; y++ {
		values = append(values, p.RawRowView(y)...)
	}
	mean, std := stat.MeanStdDev(values, nil)
	if len(values) < 2 {
		std = 0
	}
	return Stats{
		Min:    mat.Min(p),
		Max:    mat.Max(p),
		Mean:   mean,
		StdDev: std,
	}
}
