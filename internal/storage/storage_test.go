package storage

import (
	"errors"
	"path/filepath"
	"testing"

	"tilescan/internal/series"
)

func openTemp(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "tilescan.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRecordScanAndTiles(t *testing.T) {
	s := openTemp(t)

	rec := ScanRecord{
		Dir: "/data/plate1", Pattern: "img_s{series}_w{channel}.tif",
		NumImages: 2, NumChannels: 1, SeriesOffset: 1,
		TileHeight: 512, TileWidth: 640, PixelDType: "uint16",
		Overlap: 0.1, GridWidth: 2, GridHeight: 1, Status: "ok",
	}
	tiles := []TileRow{
		{Series: 1, Channel: 0, Filename: "img_s2_w1.tif", Plane: -1, Row: 0, Col: 1, PosY: 0, PosX: 576},
		{Series: 0, Channel: 0, Filename: "img_s1_w1.tif", Plane: -1},
	}
	id, err := s.RecordScan(rec, tiles)
	if err != nil {
		t.Fatalf("record scan: %v", err)
	}
	if id == 0 {
		t.Fatalf("expected a scan id")
	}

	scans, err := s.RecentScans(10)
	if err != nil {
		t.Fatalf("recent scans: %v", err)
	}
	if len(scans) != 1 {
		t.Fatalf("expected 1 scan, got %d", len(scans))
	}
	got := scans[0]
	if got.ID != id || got.Dir != rec.Dir || got.TileWidth != 640 || got.PixelDType != "uint16" || got.SeriesOffset != 1 {
		t.Fatalf("unexpected scan %+v", got)
	}

	rows, err := s.ScanTiles(id)
	if err != nil {
		t.Fatalf("scan tiles: %v", err)
	}
	if len(rows) != 2 || rows[0].Series != 0 || rows[1].Filename != "img_s2_w1.tif" || rows[1].PosX != 576 {
		t.Fatalf("unexpected tiles %+v", rows)
	}
}

func TestRecordFailedScan(t *testing.T) {
	s := openTemp(t)
	if _, err := s.RecordScan(ScanRecord{Dir: "/a", Pattern: "x_{series}.tif", Status: "ok"}, nil); err != nil {
		t.Fatalf("record: %v", err)
	}
	if _, err := s.RecordScan(ScanRecord{Dir: "/b", Pattern: "x_{series}.tif", Status: "failed", Error: "missing tiles"}, nil); err != nil {
		t.Fatalf("record: %v", err)
	}
	scans, err := s.RecentScans(1)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(scans) != 1 || scans[0].Dir != "/b" || scans[0].Error != "missing tiles" {
		t.Fatalf("expected newest failed scan first, got %+v", scans)
	}
}

func TestRecordScanDuplicateTileRollsBack(t *testing.T) {
	s := openTemp(t)
	dup := []TileRow{{Series: 0, Channel: 0, Filename: "a"}, {Series: 0, Channel: 0, Filename: "b"}}
	if _, err := s.RecordScan(ScanRecord{Dir: "/a", Pattern: "p", Status: "ok"}, dup); err == nil {
		t.Fatalf("expected primary key violation")
	}
	scans, err := s.RecentScans(10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(scans) != 0 {
		t.Fatalf("expected rollback, got %d scans", len(scans))
	}
}

func TestJobLifecycle(t *testing.T) {
	s := openTemp(t)
	if err := s.RecordJobQueued(JobRecord{ID: "job-1", JobType: "export", Status: "queued", InputPath: "/in", OutputPath: "/out"}); err != nil {
		t.Fatalf("queue: %v", err)
	}
	if err := s.RecordJobStart("job-1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := s.RecordJobResult("job-1", "done", map[string]any{"files": 3}, ""); err != nil {
		t.Fatalf("result: %v", err)
	}

	jobs, err := s.RecentJobs(5)
	if err != nil {
		t.Fatalf("recent jobs: %v", err)
	}
	if len(jobs) != 1 || jobs[0].Status != "done" || jobs[0].StartedAt == nil || jobs[0].CompletedAt == nil {
		t.Fatalf("unexpected jobs %+v", jobs)
	}
	meta, err := s.JobMeta("job-1")
	if err != nil {
		t.Fatalf("meta: %v", err)
	}
	if meta["files"] != float64(3) {
		t.Fatalf("expected files=3, got %v", meta["files"])
	}
}

func TestNilStoreIsNoop(t *testing.T) {
	var s *Store
	if _, err := s.RecordScan(ScanRecord{}, nil); err != nil {
		t.Fatalf("expected nil store to ignore writes, got %v", err)
	}
	if err := s.RecordJobStart("x"); err != nil {
		t.Fatalf("expected nil store to ignore writes, got %v", err)
	}
	if _, err := s.RecentScans(1); err == nil {
		t.Fatalf("expected read from nil store to fail")
	}
}

func TestScanFromSummary(t *testing.T) {
	sum := series.Summary{
		Path: "/d", Pattern: "img_{series}.tif", NumImages: 1, NumChannels: 2,
		MultiChannelTiles: true, PixelDType: "uint8",
		Tiles: []series.TileSummary{
			{Series: 0, Channel: 1, Filename: "img_1.tif", Plane: 1, Position: [2]float64{3, 4}},
		},
	}
	rec, tiles := ScanFromSummary(sum)
	if rec.Status != ScanOK || !rec.MultiChannel || rec.NumChannels != 2 {
		t.Fatalf("unexpected record %+v", rec)
	}
	if len(tiles) != 1 || tiles[0].Plane != 1 || tiles[0].PosY != 3 || tiles[0].PosX != 4 {
		t.Fatalf("unexpected tiles %+v", tiles)
	}

	failed := FailedScan("/d", "p", 0.1, 2, 1, errors.New("missing tiles"))
	if failed.Status != ScanFailed || failed.Error != "missing tiles" {
		t.Fatalf("unexpected failed scan %+v", failed)
	}
}
