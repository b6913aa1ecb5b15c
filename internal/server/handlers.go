package server

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/klauspost/compress/gzip"

	"tilescan/internal/decode"
	"tilescan/internal/reader"
	"tilescan/internal/series"
	"tilescan/internal/storage"
)

// IndexResponse is the index summary plus when it was last rebuilt.
type IndexResponse struct {
	series.Summary
	Updated string `json:"updated"`
}

// TileResponse describes one tile and its intensities.
type TileResponse struct {
	series.TileSummary
	Height int          `json:"height"`
	Width  int          `json:"width"`
	DType  string       `json:"dtype"`
	Stats  reader.Stats `json:"stats"`
}

// ScansResponse lists recent scans of any directory.
type ScansResponse struct {
	Scans []storage.ScanRecord `json:"scans"`
	Count int                  `json:"count"`
}

func (s *Server) currentReader(w http.ResponseWriter) *reader.Reader {
	rd := s.holder.Reader()
	if rd == nil {
		http.Error(w, "no index has been built yet", http.StatusServiceUnavailable)
	}
	return rd
}

// handleIndex returns the summary of the served index without the per-tile list.
func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	rd := s.currentReader(w)
	if rd == nil {
		return
	}
	sum := rd.Index().Summary()
	sum.Tiles = nil
	writeJSON(w, IndexResponse{Summary: sum, Updated: s.holder.Updated().UTC().Format(time.RFC3339)})
}

// handleTiles lists every (series, channel) tile. ?channel=N narrows the list.
func (s *Server) handleTiles(w http.ResponseWriter, r *http.Request) {
	rd := s.currentReader(w)
	if rd == nil {
		return
	}
	tiles := rd.Index().Summary().Tiles
	if cs := r.URL.Query().Get("channel"); cs != "" {
		c, err := strconv.Atoi(cs)
		if err != nil {
			http.Error(w, "channel must be an integer", http.StatusBadRequest)
			return
		}
		filtered := tiles[:0]
		for _, t := range tiles {
			if t.Channel == c {
				filtered = append(filtered, t)
			}
		}
		tiles = filtered
	}
	if tiles == nil {
		tiles = []series.TileSummary{}
	}
	writeJSON(w, tiles)
}

func tileCoords(r *http.Request) (int, int) {
	vars := mux.Vars(r)
	// The route only matches digits.
	si, _ := strconv.Atoi(vars["series"])
	ci, _ := strconv.Atoi(vars["channel"])
	return si, ci
}

func tileError(w http.ResponseWriter, err error) {
	if errors.Is(err, series.ErrOutOfRange) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	http.Error(w, err.Error(), http.StatusInternalServerError)
}

func (s *Server) handleTile(w http.ResponseWriter, r *http.Request) {
	rd := s.currentReader(w)
	if rd == nil {
		return
	}
	si, ci := tileCoords(r)
	idx := rd.Index()

	plane, err := rd.Read(si, ci)
	if err != nil {
		tileError(w, err)
		return
	}
	name, _ := idx.Filename(si, ci)
	row, col, _ := idx.TileRC(si)
	pos, _ := idx.TilePosition(si)
	p, ok, _ := idx.Plane(ci)
	if !ok {
		p = -1
	}
	height, width := plane.Dims()

	writeJSON(w, TileResponse{
		TileSummary: series.TileSummary{
			Series: si, Channel: ci, Filename: name, Plane: p,
			Row: row, Col: col, Position: pos,
		},
		Height: height,
		Width:  width,
		DType:  idx.PixelDType().String(),
		Stats:  reader.PlaneStats(plane),
	})
}

func (s *Server) handleTilePNG(w http.ResponseWriter, r *http.Request) {
	rd := s.currentReader(w)
	if rd == nil {
		return
	}
	si, ci := tileCoords(r)
	plane, err := rd.Read(si, ci)
	if err != nil {
		tileError(w, err)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	if err := decode.WritePNG(w, plane, rd.Index().PixelDType()); err != nil {
		s.log.Warn("png encode failed", "series", si, "channel", ci, "error", err)
	}
}

// handleTileRaw streams the plane as little-endian float64 samples, row-major, gzip
// compressed when the client accepts it. Dimensions travel in headers.
func (s *Server) handleTileRaw(w http.ResponseWriter, r *http.Request) {
	rd := s.currentReader(w)
	if rd == nil {
		return
	}
	si, ci := tileCoords(r)
	plane, err := rd.Read(si, ci)
	if err != nil {
		tileError(w, err)
		return
	}
	height, width := plane.Dims()
	h := w.Header()
	h.Set("Content-Type", "application/octet-stream")
	h.Set("X-Tile-Height", strconv.Itoa(height))
	h.Set("X-Tile-Width", strconv.Itoa(width))
	h.Set("X-Tile-DType", rd.Index().PixelDType().String())
	h.Set("Vary", "Accept-Encoding")

	if !strings.Contains(r.Header.Get("Accept-Encoding"), "gzip") {
		if err := decode.WriteRaw(w, plane); err != nil {
			s.log.Warn("raw write failed", "error", err)
		}
		return
	}
	h.Set("Content-Encoding", "gzip")
	gz := gzip.NewWriter(w)
	if err := decode.WriteRaw(gz, plane); err != nil {
		s.log.Warn("raw write failed", "error", err)
	}
	gz.Close()
}

func (s *Server) handleScans(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		http.Error(w, "scan history not available", http.StatusServiceUnavailable)
		return
	}
	limit := 50
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if parsed, err := strconv.Atoi(limitStr); err == nil && parsed > 0 && parsed <= 500 {
			limit = parsed
		}
	}
	scans, err := s.store.RecentScans(limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if scans == nil {
		scans = []storage.ScanRecord{}
	}
	writeJSON(w, ScansResponse{Scans: scans, Count: len(scans)})
}

func (s *Server) handleScanTiles(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		http.Error(w, "scan history not available", http.StatusServiceUnavailable)
		return
	}
	id, _ := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	tiles, err := s.store.ScanTiles(id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if tiles == nil {
		tiles = []storage.TileRow{}
	}
	writeJSON(w, tiles)
}
