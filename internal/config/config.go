// Package config loads and validates h5serve configuration from a YAML
// file plus environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/goccy/go-yaml"
)

// Storage mode selects the backing object store.
const (
	ModeS3    = "s3"
	ModeLocal = "local"
)

// ErrNotFound indicates the referenced config file does not exist.
var ErrNotFound = errors.New("config: file not found")

// Config is the full service configuration.
type Config struct {
	Listen      string   `yaml:"listen"`
	CORSOrigins []string `yaml:"cors_origins"`
	Storage     Storage  `yaml:"storage"`
	Cache       Cache    `yaml:"cache"`
	Readers     Readers  `yaml:"readers"`
	Limits      Limits   `yaml:"limits"`
}

// Storage configures the object store adapter.
type Storage struct {
	Mode           string `yaml:"mode"`
	BaseDir        string `yaml:"base_dir"`
	Endpoint       string `yaml:"endpoint"`
	AccessKey      string `yaml:"access_key"`
	SecretKey      string `yaml:"secret_key"`
	Bucket         string `yaml:"bucket"`
	Region         string `yaml:"region"`
	ForcePathStyle bool   `yaml:"force_path_style"`
	BlockCacheMB   int    `yaml:"block_cache_mb"`
}

// Cache configures result cache TTLs in seconds.
type Cache struct {
	ListingTTLSeconds int `yaml:"listing_ttl_seconds"`
	MetaTTLSeconds    int `yaml:"meta_ttl_seconds"`
	DataTTLSeconds    int `yaml:"data_ttl_seconds"`
}

// Readers configures the container reader pool.
type Readers struct {
	MaxOpen int `yaml:"max_open"`
}

// Limits bounds extraction work and request concurrency.
type Limits struct {
	MaxExtractElements int64 `yaml:"max_extract_elements"`
	ExactLinePoints    int   `yaml:"exact_line_points"`
	HeatmapMaxSide     int   `yaml:"heatmap_max_side"`
	HeatmapCellBudget  int64 `yaml:"heatmap_cell_budget"`
	ConcurrentRequests int64 `yaml:"concurrent_requests"`
	QueueWaitMS        int   `yaml:"queue_wait_ms"`
}

// Default returns the configuration used when no file or overrides are given.
func Default() Config {
	return Config{
		Listen:      ":8080",
		CORSOrigins: []string{"*"},
		Storage: Storage{
			Mode:           ModeS3,
			Region:         "us-east-1",
			ForcePathStyle: true,
			BlockCacheMB:   64,
		},
		Cache: Cache{
			ListingTTLSeconds: 30,
			MetaTTLSeconds:    300,
			DataTTLSeconds:    120,
		},
		Readers: Readers{
			MaxOpen: 16,
		},
		Limits: Limits{
			MaxExtractElements: 25_000_000,
			ExactLinePoints:    20_000,
			HeatmapMaxSide:     1024,
			HeatmapCellBudget:  500_000,
			ConcurrentRequests: 32,
			QueueWaitMS:        2000,
		},
	}
}

// Load reads path (when non-empty), applies environment overrides, and
// validates the result. A missing explicit path is an error; path == ""
// loads defaults plus environment only.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
			}
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnv overrides file values with H5SERVE_* environment variables.
func (c *Config) applyEnv() {
	setString := func(dst *string, key string) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}
	setString(&c.Listen, "H5SERVE_LISTEN")
	setString(&c.Storage.Mode, "H5SERVE_STORAGE_MODE")
	setString(&c.Storage.BaseDir, "H5SERVE_BASE_DIR")
	setString(&c.Storage.Endpoint, "H5SERVE_S3_ENDPOINT")
	setString(&c.Storage.AccessKey, "H5SERVE_S3_ACCESS_KEY")
	setString(&c.Storage.SecretKey, "H5SERVE_S3_SECRET_KEY")
	setString(&c.Storage.Bucket, "H5SERVE_S3_BUCKET")
	setString(&c.Storage.Region, "H5SERVE_S3_REGION")
}

// Validate checks invariants that would otherwise surface as runtime faults.
func (c *Config) Validate() error {
	if c.Listen == "" {
		return errors.New("config: listen address is empty")
	}
	switch c.Storage.Mode {
	case ModeS3:
		if c.Storage.Bucket == "" {
			return errors.New("config: storage.bucket is required in s3 mode")
		}
	case ModeLocal:
		if c.Storage.BaseDir == "" {
			return errors.New("config: storage.base_dir is required in local mode")
		}
	default:
		return fmt.Errorf("config: unknown storage.mode %q", c.Storage.Mode)
	}
	if c.Storage.BlockCacheMB < 0 {
		return errors.New("config: storage.block_cache_mb must be >= 0")
	}
	if c.Cache.ListingTTLSeconds < 0 || c.Cache.MetaTTLSeconds < 0 || c.Cache.DataTTLSeconds < 0 {
		return errors.New("config: cache TTLs must be >= 0")
	}
	if c.Readers.MaxOpen <= 0 {
		return errors.New("config: readers.max_open must be > 0")
	}
	if c.Limits.MaxExtractElements <= 0 {
		return errors.New("config: limits.max_extract_elements must be > 0")
	}
	if c.Limits.ExactLinePoints <= 0 {
		return errors.New("config: limits.exact_line_points must be > 0")
	}
	if c.Limits.HeatmapMaxSide <= 0 {
		return errors.New("config: limits.heatmap_max_side must be > 0")
	}
	if c.Limits.HeatmapCellBudget <= 0 {
		return errors.New("config: limits.heatmap_cell_budget must be > 0")
	}
	if c.Limits.ConcurrentRequests <= 0 {
		return errors.New("config: limits.concurrent_requests must be > 0")
	}
	if c.Limits.QueueWaitMS < 0 {
		return errors.New("config: limits.queue_wait_ms must be >= 0")
	}
	return nil
}
