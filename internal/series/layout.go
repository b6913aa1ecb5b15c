package series

import (
	"gonum.org/v1/gonum/floats"
)

// Positions returns TilePosition for every tile in series order.
func (ix *Index) Positions() [][2]float64 {
	out := make([][2]float64, ix.numImages)
	for i := range out {
		out[i], _ = ix.TilePosition(i)
	}
	return out
}

// Centers returns the nominal centre of every tile.
func (ix *Index) Centers() [][2]float64 {
	out := ix.Positions()
	for i := range out {
		out[i][0] += float64(ix.tileSize[0]) / 2
		out[i][1] += float64(ix.tileSize[1]) / 2
	}
	return out
}

// Origin is the smallest (y, x) over all tile positions.
func (ix *Index) Origin() [2]float64 {
	ys, xs := ix.axes()
	return [2]float64{floats.Min(ys), floats.Min(xs)}
}

// Extent is the (height, width) of the area covered by all tiles, measured from Origin.
func (ix *Index) Extent() [2]float64 {
	ys, xs := ix.axes()
	origin := [2]float64{floats.Min(ys), floats.Min(xs)}
	return [2]float64{
		floats.Max(ys) + float64(ix.tileSize[0]) - origin[0],
		floats.Max(xs) + float64(ix.tileSize[1]) - origin[1],
	}
}

func (ix *Index) axes() (ys, xs []float64) {
	pos := ix.Positions()
	ys = make([]float64, len(pos))
	xs = make([]float64, len(pos))
	for i, p := range pos {
		ys[i], xs[i] = p[0], p[1]
	}
	return ys, xs
}

// Summary is a snapshot of the index for reporting.
type Summary struct {
	Path              string        `json:"path" yaml:"path"`
	Pattern           string        `json:"pattern" yaml:"pattern"`
	NumImages         int           `json:"num_images" yaml:"num_images"`
	NumChannels       int           `json:"num_channels" yaml:"num_channels"`
	SeriesOffset      int           `json:"series_offset" yaml:"series_offset"`
	MultiChannelTiles bool          `json:"multi_channel_tiles" yaml:"multi_channel_tiles"`
	TileHeight        int           `json:"tile_height" yaml:"tile_height"`
	TileWidth         int           `json:"tile_width" yaml:"tile_width"`
	PixelDType        string        `json:"pixel_dtype" yaml:"pixel_dtype"`
	PixelSize         float64       `json:"pixel_size" yaml:"pixel_size"`
	Overlap           float64       `json:"overlap" yaml:"overlap"`
	GridWidth         int           `json:"grid_width" yaml:"grid_width"`
	GridHeight        int           `json:"grid_height" yaml:"grid_height"`
	Extent            [2]float64    `json:"extent" yaml:"extent"`
	Tiles             []TileSummary `json:"tiles" yaml:"tiles"`
}

// TileSummary describes one (series, channel) tile.
type TileSummary struct {
	Series   int        `json:"series" yaml:"series"`
	Channel  int        `json:"channel" yaml:"channel"`
	Filename string     `json:"filename" yaml:"filename"`
	Plane    int        `json:"plane" yaml:"plane"`
	Row      int        `json:"row" yaml:"row"`
	Col      int        `json:"col" yaml:"col"`
	Position [2]float64 `json:"position" yaml:"position"`
}

// Summary describes the whole index, one TileSummary per (series, channel). Plane is -1
// when channels live in separate files.
func (ix *Index) Summary() Summary {
	s := Summary{
		Path:              ix.path,
		Pattern:           ix.rule.Pattern(),
		NumImages:         ix.numImages,
		NumChannels:       len(ix.channels),
		SeriesOffset:      ix.seriesOffset,
		MultiChannelTiles: ix.multiChannelTiles,
		TileHeight:        ix.tileSize[0],
		TileWidth:         ix.tileSize[1],
		PixelDType:        ix.dtype.String(),
		PixelSize:         ix.PixelSize(),
		Overlap:           ix.overlap,
		GridWidth:         ix.gridWidth,
		GridHeight:        ix.gridHeight,
		Extent:            ix.Extent(),
	}
	for i := 0; i < ix.numImages; i++ {
		row, col, _ := ix.TileRC(i)
		pos, _ := ix.TilePosition(i)
		for c := 0; c < len(ix.channels); c++ {
			name, err := ix.Filename(i, c)
			if err != nil {
				continue
			}
			plane, ok, _ := ix.Plane(c)
			if !ok {
				plane = -1
			}
			s.Tiles = append(s.Tiles, TileSummary{
				Series: i, Channel: c, Filename: name, Plane: plane,
				Row: row, Col: col, Position: pos,
			})
		}
	}
	return s
}
