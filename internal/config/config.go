package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"tilescan/internal/fsutil"
)

const (
	defaultConfigPath = "~/.config/tilescan/config.json"
	defaultParallel   = 4
)

// Config holds user-editable settings.
type Config struct {
	Processing Processing `json:"processing" yaml:"processing"`
	Logging    Logging    `json:"logging" yaml:"logging"`
	Paths      Paths      `json:"paths" yaml:"paths"`
	Series     Series     `json:"series" yaml:"series"`
	Decoder    Decoder    `json:"decoder" yaml:"decoder"`
	Server     Server     `json:"server" yaml:"server"`
}

// Processing captures execution preferences.
type Processing struct {
	ParallelJobs int `json:"parallel_jobs" yaml:"parallel_jobs"`
}

// Logging controls logging verbosity and destinations.
type Logging struct {
	Level      string `json:"level" yaml:"level"`             // debug, info, warn, error
	Format     string `json:"format" yaml:"format"`           // text, json
	FileOutput bool   `json:"file_output" yaml:"file_output"` // Enable file logging
	LogDir     string `json:"log_dir" yaml:"log_dir"`         // Directory for log files
}

// Paths configures default locations.
type Paths struct {
	DefaultOutput string `json:"default_output" yaml:"default_output"`
	DatabasePath  string `json:"database_path" yaml:"database_path"`
}

// Series holds the defaults for building a tile index. Command line flags override
// them.
type Series struct {
	Pattern    string  `json:"pattern" yaml:"pattern"`         // e.g. img_s{series}_w{channel}.tif
	Overlap    float64 `json:"overlap" yaml:"overlap"`         // fraction in [0, 1)
	GridWidth  int     `json:"grid_width" yaml:"grid_width"`   // columns in the tile grid
	GridHeight int     `json:"grid_height" yaml:"grid_height"` // recorded, not used for layout
}

// Decoder selects the image decoder.
type Decoder struct {
	Name string `json:"name" yaml:"name"` // native, magick
}

// Server configures the query surfaces.
type Server struct {
	Addr     string `json:"addr" yaml:"addr"`
	GRPCAddr string `json:"grpc_addr" yaml:"grpc_addr"`
}

// Path returns the config file location: $TILESCAN_CONFIG, else an existing
// config.yaml or config.yml beside the default, else the default JSON path.
func Path() string {
	if p := os.Getenv("TILESCAN_CONFIG"); p != "" {
		return p
	}
	def, err := expandUser(defaultConfigPath)
	if err != nil {
		return defaultConfigPath
	}
	dir := filepath.Dir(def)
	if p := fsutil.FirstExisting(def, filepath.Join(dir, "config.yaml"), filepath.Join(dir, "config.yml")); p != "" {
		return p
	}
	return defaultConfigPath
}

// Load reads configuration from disk, falling back to sensible defaults.
func Load() (*Config, error) {
	return LoadFile(Path())
}

// LoadFile reads the config at path over the defaults. A missing file yields the
// defaults. Files ending in .yaml or .yml are decoded as YAML, anything else as JSON.
func LoadFile(path string) (*Config, error) {
	cfg := defaultConfig()

	expanded, err := expandUser(path)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(expanded)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}

	switch strings.ToLower(filepath.Ext(expanded)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", expanded, err)
		}
	default:
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", expanded, err)
		}
	}
	return cfg, nil
}

// Save writes cfg to path, as YAML or JSON by extension.
func Save(cfg *Config, path string) error {
	expanded, err := expandUser(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(expanded), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	var data []byte
	switch strings.ToLower(filepath.Ext(expanded)) {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(cfg)
	default:
		data, err = json.MarshalIndent(cfg, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return os.WriteFile(expanded, data, 0o644)
}

// Validate checks values that would otherwise fail deep inside index construction.
func (c *Config) Validate() error {
	var errs []error
	if c.Series.Overlap < 0 || c.Series.Overlap >= 1 {
		errs = append(errs, fmt.Errorf("series.overlap must be in [0, 1), got %v", c.Series.Overlap))
	}
	if c.Series.GridWidth < 1 {
		errs = append(errs, fmt.Errorf("series.grid_width must be at least 1, got %d", c.Series.GridWidth))
	}
	if c.Series.GridHeight < 0 {
		errs = append(errs, fmt.Errorf("series.grid_height must not be negative, got %d", c.Series.GridHeight))
	}
	switch strings.ToLower(c.Decoder.Name) {
	case "native", "magick", "imagick", "imagemagick":
	default:
		errs = append(errs, fmt.Errorf("decoder.name %q is not one of native, magick", c.Decoder.Name))
	}
	if c.Processing.ParallelJobs < 1 {
		errs = append(errs, fmt.Errorf("processing.parallel_jobs must be at least 1, got %d", c.Processing.ParallelJobs))
	}
	return errors.Join(errs...)
}

// Default returns the built-in configuration.
func Default() *Config { return defaultConfig() }

func defaultConfig() *Config {
	return &Config{
		Processing: Processing{
			ParallelJobs: defaultParallel,
		},
		Logging: Logging{
			Level:      "info",
			Format:     "text",
			FileOutput: false,
			LogDir:     "./logs",
		},
		Paths: Paths{
			DefaultOutput: "./output",
			DatabasePath:  filepath.Join(os.TempDir(), "tilescan.db"),
		},
		Series: Series{
			Pattern:    "img_s{series}_w{channel}.tif",
			Overlap:    0.1,
			GridWidth:  1,
			GridHeight: 1,
		},
		Decoder: Decoder{Name: "native"},
		Server: Server{
			Addr:     ":8080",
			GRPCAddr: ":9090",
		},
	}
}

func expandUser(path string) (string, error) {
	if path == "" || path[0] != '~' {
		return path, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	if path == "~" {
		return home, nil
	}

	return filepath.Join(home, path[2:]), nil
}
