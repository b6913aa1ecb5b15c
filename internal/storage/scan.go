package storage

import "tilescan/internal/series"

// Scan statuses.
const (
	ScanOK     = "ok"
	ScanFailed = "failed"
)

// ScanFromSummary converts a built index into catalog rows.
func ScanFromSummary(sum series.Summary) (ScanRecord, []TileRow) {
	rec := ScanRecord{
		Dir:          sum.Path,
		Pattern:      sum.Pattern,
		NumImages:    sum.NumImages,
		NumChannels:  sum.NumChannels,
		SeriesOffset: sum.SeriesOffset,
		MultiChannel: sum.MultiChannelTiles,
		TileHeight:   sum.TileHeight,
		TileWidth:    sum.TileWidth,
		PixelDType:   sum.PixelDType,
		Overlap:      sum.Overlap,
		GridWidth:    sum.GridWidth,
		GridHeight:   sum.GridHeight,
		Status:       ScanOK,
	}
	tiles := make([]TileRow, 0, len(sum.Tiles))
	for _, t := range sum.Tiles {
		tiles = append(tiles, TileRow{
			Series:   t.Series,
			Channel:  t.Channel,
			Filename: t.Filename,
			Plane:    t.Plane,
			Row:      t.Row,
			Col:      t.Col,
			PosY:     t.Position[0],
			PosX:     t.Position[1],
		})
	}
	return rec, tiles
}

// FailedScan records an index construction that did not succeed.
func FailedScan(dir, pattern string, overlap float64, gridWidth, gridHeight int, err error) ScanRecord {
	return ScanRecord{
		Dir:        dir,
		Pattern:    pattern,
		Overlap:    overlap,
		GridWidth:  gridWidth,
		GridHeight: gridHeight,
		Status:     ScanFailed,
		Error:      errString(err),
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
