// Package series indexes a directory of tile files named by a filename pattern. The index
// is built once, eagerly, by New and is read-only afterwards, so one Index can be shared
// by any number of readers.
package series

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"tilescan/internal/decode"
	"tilescan/internal/pattern"
)

const (
	seriesField  = "series"
	channelField = "channel"
)

// channelKey is the raw channel capture of a filename. present is false when the
// pattern has no channel field.
type channelKey struct {
	name    string
	present bool
}

func (k channelKey) String() string {
	if !k.present {
		return "<none>"
	}
	return k.name
}

type tileKey struct {
	series  int
	channel channelKey
}

// Index maps logical (series, channel) coordinates to tile files and answers geometric
// queries about the tile grid.
type Index struct {
	path       string
	rule       *pattern.Rule
	overlap    float64
	gridWidth  int
	gridHeight int

	seriesOffset      int
	numImages         int
	channels          []channelKey
	multiChannelTiles bool
	tileSize          [2]int
	dtype             decode.DType
	components        map[tileKey]map[string]string

	log *slog.Logger
}

// Option customizes New.
type Option func(*Index)

// WithLogger sets the logger used while building the index.
func WithLogger(l *slog.Logger) Option {
	return func(ix *Index) {
		if l != nil {
			ix.log = l
		}
	}
}

// New scans dir for files matching pat and builds the index. overlap is the fractional
// overlap between neighbouring tiles; gridWidth is the number of columns in the row-major
// tile layout. gridHeight is recorded but does not affect layout.
func New(dir, pat string, overlap float64, gridWidth, gridHeight int, dec decode.Decoder, opts ...Option) (*Index, error) {
	ix := &Index{
		path:       dir,
		overlap:    overlap,
		gridWidth:  gridWidth,
		gridHeight: gridHeight,
		components: make(map[tileKey]map[string]string),
		log:        slog.Default(),
	}
	for _, opt := range opts {
		opt(ix)
	}

	rule, err := pattern.Compile(pat)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPattern, err)
	}
	if !rule.HasField(seriesField) {
		return nil, fmt.Errorf("%w: %q has no {%s} field", ErrInvalidPattern, pat, seriesField)
	}
	if gridWidth < 1 {
		return nil, fmt.Errorf("%w: width %d", ErrInvalidGrid, gridWidth)
	}
	ix.rule = rule

	start := time.Now()
	if err := ix.enumerate(); err != nil {
		return nil, err
	}
	if err := ix.loadReference(dec); err != nil {
		return nil, err
	}

	ix.log.Debug("series index built",
		"path", dir,
		"pattern", pat,
		"images", ix.numImages,
		"channels", len(ix.channels),
		"multi_channel_tiles", ix.multiChannelTiles,
		"tile_size", ix.tileSize,
		"dtype", ix.dtype.String(),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return ix, nil
}

// enumerate lists the directory, records every matching file and checks that the
// result is a complete series x channel grid.
func (ix *Index) enumerate() error {
	entries, err := os.ReadDir(ix.path)
	if err != nil {
		return fmt.Errorf("list tiles: %w", err)
	}

	series := map[int]struct{}{}
	channels := map[channelKey]struct{}{}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		comp, ok := ix.rule.Match(e.Name())
		if !ok {
			continue
		}
		s, err := strconv.Atoi(comp[seriesField])
		if err != nil {
			return fmt.Errorf("%w: %q in %s", ErrInvalidSeries, comp[seriesField], e.Name())
		}
		var c channelKey
		if v, ok := comp[channelField]; ok {
			c = channelKey{name: v, present: true}
		}
		key := tileKey{series: s, channel: c}
		if prev, dup := ix.components[key]; dup {
			prevName, _ := ix.rule.Render(prev)
			return fmt.Errorf("%w: %s and %s are both series %d channel %s",
				ErrDuplicateTile, prevName, e.Name(), s, c)
		}
		ix.components[key] = comp
		series[s] = struct{}{}
		channels[c] = struct{}{}
	}

	if len(ix.components) == 0 || len(ix.components) != len(series)*len(channels) {
		return fmt.Errorf("%w: found %d files for %d series x %d channels in %s",
			ErrMissingTiles, len(ix.components), len(series), len(channels), ix.path)
	}

	ix.numImages = len(series)
	ix.seriesOffset = minKey(series)
	ix.channels = make([]channelKey, 0, len(channels))
	for c := range channels {
		ix.channels = append(ix.channels, c)
	}
	sort.Slice(ix.channels, func(i, j int) bool { return ix.channels[i].name < ix.channels[j].name })
	return nil
}

func minKey(set map[int]struct{}) int {
	first := true
	min := 0
	for s := range set {
		if first || s < min {
			min = s
			first = false
		}
	}
	return min
}

// loadReference decodes the first tile of the first series for the tile size and dtype
// and decides whether channels live in separate files or as planes of one file.
func (ix *Index) loadReference(dec decode.Decoder) error {
	path, err := ix.FilePath(0, 0)
	if err != nil {
		return err
	}
	im, err := dec.Decode(path)
	if err != nil {
		return fmt.Errorf("decode reference tile: %w", err)
	}
	shape := im.Shape()
	if len(shape) < 2 {
		return fmt.Errorf("decode reference tile %s: no pixel data", path)
	}
	ix.tileSize = [2]int{shape[0], shape[1]}
	ix.dtype = im.DType

	if planes, ok := detectMultiChannel(len(ix.channels), shape); ok {
		raw := ix.channels[0]
		ix.channels = make([]channelKey, planes)
		for i := range ix.channels {
			ix.channels[i] = raw
		}
		ix.multiChannelTiles = true
	}
	return nil
}

// detectMultiChannel is the heuristic separating "one channel because files are
// single-channel" from "one channel because each file holds every channel as a plane".
// It reports the plane count when the scan found a single channel key and the reference
// tile has more than two dimensions.
func detectMultiChannel(channelKeys int, refShape []int) (int, bool) {
	if channelKeys != 1 || len(refShape) <= 2 {
		return 0, false
	}
	return refShape[2], true
}

func (ix *Index) checkSeries(i int) error {
	if i < 0 || i >= ix.numImages {
		return fmt.Errorf("%w: series %d not in [0, %d)", ErrOutOfRange, i, ix.numImages)
	}
	return nil
}

func (ix *Index) checkChannel(c int) error {
	if c < 0 || c >= len(ix.channels) {
		return fmt.Errorf("%w: channel %d not in [0, %d)", ErrOutOfRange, c, len(ix.channels))
	}
	return nil
}

// NumImages is the number of distinct series.
func (ix *Index) NumImages() int { return ix.numImages }

// NumChannels is the number of logical channels.
func (ix *Index) NumChannels() int { return len(ix.channels) }

// PixelSize is always 1: filenames carry no physical calibration.
func (ix *Index) PixelSize() float64 { return 1.0 }

// PixelDType is the sample datatype of the reference tile.
func (ix *Index) PixelDType() decode.DType { return ix.dtype }

// MultiChannelTiles reports whether each file holds every channel as a plane.
func (ix *Index) MultiChannelTiles() bool { return ix.multiChannelTiles }

// SeriesOffset is the smallest series number found on disk.
func (ix *Index) SeriesOffset() int { return ix.seriesOffset }

// Path returns the tile directory.
func (ix *Index) Path() string { return ix.path }

// Pattern returns the filename template the index was built with.
func (ix *Index) Pattern() string { return ix.rule.Pattern() }

// Overlap returns the fractional overlap between neighbouring tiles.
func (ix *Index) Overlap() float64 { return ix.overlap }

// GridWidth returns the number of tile columns.
func (ix *Index) GridWidth() int { return ix.gridWidth }

// GridHeight returns the declared number of tile rows. Layout never uses it.
func (ix *Index) GridHeight() int { return ix.gridHeight }

// TileSize returns the (height, width) of tile i. Every tile is assumed to match the
// reference tile.
func (ix *Index) TileSize(i int) ([2]int, error) {
	if err := ix.checkSeries(i); err != nil {
		return [2]int{}, err
	}
	return ix.tileSize, nil
}

// TileRC places tile i in a row-major grid GridWidth columns wide.
func (ix *Index) TileRC(i int) (row, col int, err error) {
	if err := ix.checkSeries(i); err != nil {
		return 0, 0, err
	}
	return i / ix.gridWidth, i % ix.gridWidth, nil
}

// TilePosition returns the nominal (y, x) pixel position of tile i: its grid cell scaled
// by the tile size reduced by the overlap fraction.
func (ix *Index) TilePosition(i int) ([2]float64, error) {
	row, col, err := ix.TileRC(i)
	if err != nil {
		return [2]float64{}, err
	}
	pitch := 1 - ix.overlap
	return [2]float64{
		float64(row) * float64(ix.tileSize[0]) * pitch,
		float64(col) * float64(ix.tileSize[1]) * pitch,
	}, nil
}

// Filename returns the name of the file holding (series, channel), rendered from the
// captures recorded during the scan.
func (ix *Index) Filename(series, channel int) (string, error) {
	if err := ix.checkSeries(series); err != nil {
		return "", err
	}
	if err := ix.checkChannel(channel); err != nil {
		return "", err
	}
	key := tileKey{series: series + ix.seriesOffset, channel: ix.channels[channel]}
	comp, ok := ix.components[key]
	if !ok {
		return "", fmt.Errorf("%w: no file for series %d channel %s", ErrOutOfRange, key.series, key.channel)
	}
	return ix.rule.Render(comp)
}

// FilePath is Filename joined to the indexed directory.
func (ix *Index) FilePath(series, channel int) (string, error) {
	name, err := ix.Filename(series, channel)
	if err != nil {
		return "", err
	}
	return filepath.Join(ix.path, name), nil
}

// Plane returns the plane selector for channel. ok is false when channels live in
// separate files and the whole decoded file is the channel.
func (ix *Index) Plane(channel int) (plane int, ok bool, err error) {
	if err := ix.checkChannel(channel); err != nil {
		return 0, false, err
	}
	if !ix.multiChannelTiles {
		return 0, false, nil
	}
	return channel, true, nil
}

// ChannelName returns the raw channel text for a logical channel, or "" when the pattern
// has no channel field.
func (ix *Index) ChannelName(channel int) (string, error) {
	if err := ix.checkChannel(channel); err != nil {
		return "", err
	}
	return ix.channels[channel].name, nil
}
