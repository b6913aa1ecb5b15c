package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"gonum.org/v1/gonum/mat"

	"tilescan/internal/decode"
	"tilescan/internal/fsutil"
	"tilescan/internal/reader"
	"tilescan/internal/series"
)

// tileSource is the part of reader.Reader the router needs.
type tileSource interface {
	Index() *series.Index
	Read(seriesIdx, channel int) (*mat.Dense, error)
}

// router dispatches jobs by type. Workers share one read-only index through src.
type router struct {
	log *slog.Logger
	src tileSource
}

// NewRouter returns the Processor for export and stats jobs over r.
func NewRouter(logger *slog.Logger, r *reader.Reader) Processor {
	if logger == nil {
		logger = slog.Default()
	}
	return &router{log: logger, src: r}
}

func (r *router) Process(ctx context.Context, job Job) Result {
	if err := ctx.Err(); err != nil {
		return Result{Job: job, Error: err}
	}
	switch job.Type {
	case JobExport:
		return r.handleExport(ctx, job)
	case JobStats:
		return r.handleStats(ctx, job)
	default:
		return Result{Job: job, Error: fmt.Errorf("unknown job type: %s", job.Type)}
	}
}

// ExportName is the file a tile is exported to: its grid row and column plus the
// channel index.
func ExportName(row, col, channel int) string {
	return fmt.Sprintf("tile_r%03d_c%03d_ch%02d.png", row, col, channel)
}

func (r *router) handleExport(ctx context.Context, job Job) Result {
	idx := r.src.Index()
	row, col, err := idx.TileRC(job.Series)
	if err != nil {
		return Result{Job: job, Error: err}
	}
	plane, err := r.src.Read(job.Series, job.Channel)
	if err != nil {
		return Result{Job: job, Error: err}
	}

	if err := fsutil.EnsureDir(job.Output); err != nil {
		return Result{Job: job, Error: err}
	}
	out := filepath.Join(job.Output, ExportName(row, col, job.Channel))
	f, err := os.Create(out)
	if err != nil {
		return Result{Job: job, Error: err}
	}
	if err := decode.WritePNG(f, plane, idx.PixelDType()); err != nil {
		f.Close()
		return Result{Job: job, Error: fmt.Errorf("encode %s: %w", out, err)}
	}
	if err := f.Close(); err != nil {
		return Result{Job: job, Error: err}
	}

	pos, _ := idx.TilePosition(job.Series)
	return Result{Job: job, Meta: map[string]any{
		"file":     out,
		"row":      row,
		"col":      col,
		"position": []float64{pos[0], pos[1]},
	}}
}

func (r *router) handleStats(ctx context.Context, job Job) Result {
	plane, err := r.src.Read(job.Series, job.Channel)
	if err != nil {
		return Result{Job: job, Error: err}
	}
	s := reader.PlaneStats(plane)
	return Result{Job: job, Meta: map[string]any{
		"min":    s.Min,
		"max":    s.Max,
		"mean":   s.Mean,
		"stddev": s.StdDev,
	}}
}
