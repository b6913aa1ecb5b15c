package cli

import (
	"fmt"
	"io"

	jsoniter "github.com/json-iterator/go"
	"gopkg.in/yaml.v3"

	"tilescan/internal/reader"
	"tilescan/internal/series"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	formatText = "text"
	formatJSON = "json"
	formatYAML = "yaml"
)

// tileStats is one row of the stats command.
type tileStats struct {
	Series       int    `json:"series" yaml:"series"`
	Channel      int    `json:"channel" yaml:"channel"`
	reader.Stats `yaml:",inline"`
	Error        string `json:"error,omitempty" yaml:"error,omitempty"`
}

func writeStructured(w io.Writer, format string, v any) error {
	switch format {
	case formatJSON:
		data, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(w, "%s\n", data)
		return err
	case formatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	default:
		return fmt.Errorf("unknown output format %q (want text, json or yaml)", format)
	}
}

func printSummary(w io.Writer, sum series.Summary) {
	fmt.Fprintf(w, "Directory: %s\n", sum.Path)
	fmt.Fprintf(w, "Pattern: %s\n", sum.Pattern)
	fmt.Fprintf(w, "Series: %d (offset %d)\n", sum.NumImages, sum.SeriesOffset)
	layout := "one file per channel"
	if sum.MultiChannelTiles {
		layout = "channels are planes of one file"
	}
	fmt.Fprintf(w, "Channels: %d (%s)\n", sum.NumChannels, layout)
	fmt.Fprintf(w, "Tile size: %dx%d %s\n", sum.TileHeight, sum.TileWidth, sum.PixelDType)
	fmt.Fprintf(w, "Grid: %d wide, overlap %.3g\n", sum.GridWidth, sum.Overlap)
	fmt.Fprintf(w, "Extent: %g x %g px\n", sum.Extent[0], sum.Extent[1])
}

func printTiles(w io.Writer, tiles []series.TileSummary) {
	fmt.Fprintf(w, "%-6s %-7s %-4s %-4s %-10s %-10s %-5s %s\n", "SERIES", "CHANNEL", "ROW", "COL", "Y", "X", "PLANE", "FILE")
	for _, t := range tiles {
		plane := "-"
		if t.Plane >= 0 {
			plane = fmt.Sprint(t.Plane)
		}
		fmt.Fprintf(w, "%-6d %-7d %-4d %-4d %-10.1f %-10.1f %-5s %s\n",
			t.Series, t.Channel, t.Row, t.Col, t.Position[0], t.Position[1], plane, t.Filename)
	}
}

func printStats(w io.Writer, rows []tileStats) {
	fmt.Fprintf(w, "%-6s %-7s %-12s %-12s %-12s %s\n", "SERIES", "CHANNEL", "MIN", "MAX", "MEAN", "STDDEV")
	for _, r := range rows {
		if r.Error != "" {
			fmt.Fprintf(w, "%-6d %-7d error: %s\n", r.Series, r.Channel, r.Error)
			continue
		}
		fmt.Fprintf(w, "%-6d %-7d %-12g %-12g %-12g %g\n", r.Series, r.Channel, r.Min, r.Max, r.Mean, r.StdDev)
	}
}
