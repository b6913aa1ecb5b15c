package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	jsoniter "github.com/json-iterator/go"
	_ "modernc.org/sqlite"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Store wraps SQLite-backed persistence for scans and export jobs.
type Store struct {
	DB *sql.DB // Export for direct database access
}

// New opens (or creates) the database at path and ensures schema.
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// Export workers write concurrently; keep them on one connection.
	db.SetMaxOpenConns(1)
	s := &Store{DB: db}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS scans (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            dir TEXT NOT NULL,
            pattern TEXT NOT NULL,
            num_images INTEGER NOT NULL,
            num_channels INTEGER NOT NULL,
            series_offset INTEGER NOT NULL,
            multi_channel BOOLEAN DEFAULT FALSE,
            tile_height INTEGER,
            tile_width INTEGER,
            pixel_dtype TEXT,
            overlap REAL,
            grid_width INTEGER,
            grid_height INTEGER,
            status TEXT NOT NULL,
            error_message TEXT,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
        );`,
		`CREATE TABLE IF NOT EXISTS scan_tiles (
            scan_id INTEGER NOT NULL,
            series INTEGER NOT NULL,
            channel INTEGER NOT NULL,
            filename TEXT NOT NULL,
            plane INTEGER,
            row INTEGER,
            col INTEGER,
            pos_y REAL,
            pos_x REAL,
            PRIMARY KEY (scan_id, series, channel)
        );`,
		`CREATE TABLE IF NOT EXISTS export_jobs (
            id TEXT PRIMARY KEY,
            job_type TEXT NOT NULL,
            status TEXT NOT NULL,
            input_path TEXT,
            output_path TEXT,
            options_json TEXT,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
            started_at TIMESTAMP,
            completed_at TIMESTAMP,
            error_message TEXT
        );`,
		`CREATE TABLE IF NOT EXISTS job_results (
            job_id TEXT,
            meta_json TEXT,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
        );`,
		`CREATE INDEX IF NOT EXISTS idx_scans_dir ON scans(dir);`,
	}
	for _, stmt := range stmts {
		if _, err := s.DB.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the underlying DB.
func (s *Store) Close() error {
	if s == nil || s.DB == nil {
		return nil
	}
	return s.DB.Close()
}

// ScanRecord is one attempt to index a directory. Failed attempts are kept with
// Status "failed" and the construction error.
type ScanRecord struct {
	ID           int64     `json:"id"`
	Dir          string    `json:"dir"`
	Pattern      string    `json:"pattern"`
	NumImages    int       `json:"num_images"`
	NumChannels  int       `json:"num_channels"`
	SeriesOffset int       `json:"series_offset"`
	MultiChannel bool      `json:"multi_channel_tiles"`
	TileHeight   int       `json:"tile_height"`
	TileWidth    int       `json:"tile_width"`
	PixelDType   string    `json:"pixel_dtype"`
	Overlap      float64   `json:"overlap"`
	GridWidth    int       `json:"grid_width"`
	GridHeight   int       `json:"grid_height"`
	Status       string    `json:"status"`
	Error        string    `json:"error,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// TileRow is one resolved tile of a scan.
type TileRow struct {
	Series   int     `json:"series"`
	Channel  int     `json:"channel"`
	Filename string  `json:"filename"`
	Plane    int     `json:"plane"`
	Row      int     `json:"row"`
	Col      int     `json:"col"`
	PosY     float64 `json:"pos_y"`
	PosX     float64 `json:"pos_x"`
}

// JobRecord captures persisted job info.
type JobRecord struct {
	ID          string
	JobType     string
	Status      string
	InputPath   string
	OutputPath  string
	OptionsJSON string
	Error       string
	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// RecordScan stores a scan and its tiles in one transaction and returns the scan id.
func (s *Store) RecordScan(rec ScanRecord, tiles []TileRow) (int64, error) {
	if s == nil {
		return 0, nil
	}
	tx, err := s.DB.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	res, err := tx.Exec(`INSERT INTO scans (dir, pattern, num_images, num_channels, series_offset, multi_channel, tile_height, tile_width, pixel_dtype, overlap, grid_width, grid_height, status, error_message)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		rec.Dir, rec.Pattern, rec.NumImages, rec.NumChannels, rec.SeriesOffset, rec.MultiChannel,
		rec.TileHeight, rec.TileWidth, rec.PixelDType, rec.Overlap, rec.GridWidth, rec.GridHeight,
		rec.Status, rec.Error)
	if err != nil {
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}

	stmt, err := tx.Prepare(`INSERT INTO scan_tiles (scan_id, series, channel, filename, plane, row, col, pos_y, pos_x) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?);`)
	if err != nil {
		return 0, err
	}
	defer stmt.Close()
	for _, t := range tiles {
		if _, err := stmt.Exec(id, t.Series, t.Channel, t.Filename, t.Plane, t.Row, t.Col, t.PosY, t.PosX); err != nil {
			return 0, fmt.Errorf("tile %d/%d: %w", t.Series, t.Channel, err)
		}
	}
	return id, tx.Commit()
}

// RecentScans returns the latest scans up to limit, newest first.
func (s *Store) RecentScans(limit int) ([]ScanRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT id, dir, pattern, num_images, num_channels, series_offset, multi_channel, tile_height, tile_width, pixel_dtype, overlap, grid_width, grid_height, status, error_message, created_at FROM scans ORDER BY id DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []ScanRecord
	for rows.Next() {
		var rec ScanRecord
		var errorMsg, dtype sql.NullString
		var height, width sql.NullInt64
		if err := rows.Scan(&rec.ID, &rec.Dir, &rec.Pattern, &rec.NumImages, &rec.NumChannels, &rec.SeriesOffset, &rec.MultiChannel,
			&height, &width, &dtype, &rec.Overlap, &rec.GridWidth, &rec.GridHeight, &rec.Status, &errorMsg, &rec.CreatedAt); err != nil {
			return nil, err
		}
		rec.TileHeight = int(height.Int64)
		rec.TileWidth = int(width.Int64)
		rec.PixelDType = dtype.String
		rec.Error = errorMsg.String
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// ScanTiles returns the tiles recorded for a scan in (series, channel) order.
func (s *Store) ScanTiles(scanID int64) ([]TileRow, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT series, channel, filename, plane, row, col, pos_y, pos_x FROM scan_tiles WHERE scan_id=? ORDER BY series, channel;`, scanID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tiles []TileRow
	for rows.Next() {
		var t TileRow
		if err := rows.Scan(&t.Series, &t.Channel, &t.Filename, &t.Plane, &t.Row, &t.Col, &t.PosY, &t.PosX); err != nil {
			return nil, err
		}
		tiles = append(tiles, t)
	}
	return tiles, rows.Err()
}

// RecordJobQueued inserts a pending job.
func (s *Store) RecordJobQueued(rec JobRecord) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`INSERT OR REPLACE INTO export_jobs (id, job_type, status, input_path, output_path, options_json) VALUES (?, ?, ?, ?, ?, ?);`,
		rec.ID, rec.JobType, rec.Status, rec.InputPath, rec.OutputPath, rec.OptionsJSON)
	return err
}

// RecordJobStart marks a job as running.
func (s *Store) RecordJobStart(id string) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`UPDATE export_jobs SET status='running', started_at=CURRENT_TIMESTAMP WHERE id=?;`, id)
	return err
}

// RecordJobResult finalizes a job with status and meta.
func (s *Store) RecordJobResult(id string, status string, meta map[string]any, errMsg string) error {
	if s == nil {
		return nil
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal meta: %w", err)
	}
	if _, err := s.DB.Exec(`UPDATE export_jobs SET status=?, completed_at=CURRENT_TIMESTAMP, error_message=? WHERE id=?;`, status, errMsg, id); err != nil {
		return err
	}
	_, err = s.DB.Exec(`INSERT INTO job_results (job_id, meta_json) VALUES (?, ?);`, id, string(metaJSON))
	return err
}

// RecentJobs returns the latest jobs up to limit.
func (s *Store) RecentJobs(limit int) ([]JobRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT id, job_type, status, input_path, output_path, options_json, created_at, started_at, completed_at, error_message FROM export_jobs ORDER BY created_at DESC, rowid DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []JobRecord
	for rows.Next() {
		var rec JobRecord
		var started, completed sql.NullTime
		var errorMsg sql.NullString
		if err := rows.Scan(&rec.ID, &rec.JobType, &rec.Status, &rec.InputPath, &rec.OutputPath, &rec.OptionsJSON, &rec.CreatedAt, &started, &completed, &errorMsg); err != nil {
			return nil, err
		}
		if started.Valid {
			rec.StartedAt = &started.Time
		}
		if completed.Valid {
			rec.CompletedAt = &completed.Time
		}
		rec.Error = errorMsg.String
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// JobMeta fetches the last meta blob for a job.
func (s *Store) JobMeta(id string) (map[string]any, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	var metaJSON string
	err := s.DB.QueryRow(`SELECT meta_json FROM job_results WHERE job_id=? ORDER BY rowid DESC LIMIT 1;`, id).Scan(&metaJSON)
	if err != nil {
		return nil, err
	}
	var meta map[string]any
	if err := json.Unmarshal([]byte(metaJSON), &meta); err != nil {
		return nil, fmt.Errorf("unmarshal meta: %w", err)
	}
	return meta, nil
}
