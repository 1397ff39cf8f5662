package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/xtxerr/peebot/config"
)

// Config represents the complete Reading Store configuration.
type Config struct {
	// Path is the DuckDB file holding hot readings. Empty means in-memory.
	Path string `yaml:"path"`

	// ChunkDir is the directory holding compressed Parquet chunks.
	ChunkDir string `yaml:"chunk_dir"`

	// MemoryLimit is the DuckDB memory limit (e.g. "1GB").
	MemoryLimit string `yaml:"memory_limit"`

	// QueryTimeout bounds a single store call.
	QueryTimeout Duration `yaml:"query_timeout"`

	// Retention is the time-partitioning policy.
	Retention RetentionConfig `yaml:"retention"`

	// Compression configures Parquet compression of old chunks.
	Compression CompressionConfig `yaml:"compression"`

	// Percentile configures DDSketch summaries.
	Percentile PercentileConfig `yaml:"percentile"`
}

// RetentionConfig is the {chunkInterval, compressAfter, dropAfter} policy.
// Durations accept Go syntax ("24h") or ISO-8601 ("P30D").
type RetentionConfig struct {
	// ChunkInterval is the width of one time partition.
	ChunkInterval Duration `yaml:"chunk_interval"`

	// CompressAfter moves chunks older than this into Parquet files.
	CompressAfter Duration `yaml:"compress_after"`

	// DropAfter deletes chunks older than this.
	DropAfter Duration `yaml:"drop_after"`

	// RunInterval is how often the background worker applies the policy.
	// Zero disables the worker; the policy can still be run on demand.
	RunInterval Duration `yaml:"run_interval"`
}

// CompressionConfig configures Parquet compression.
type CompressionConfig struct {
	// Algorithm is the compression algorithm: snappy, zstd, gzip, lz4, none.
	Algorithm string `yaml:"algorithm"`
}

// PercentileConfig configures DDSketch percentile calculation.
type PercentileConfig struct {
	// Accuracy is the relative accuracy (0.01 = 1% error).
	Accuracy float64 `yaml:"accuracy"`
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Path:         config.DefaultReadingsPath,
		ChunkDir:     config.DefaultChunkDir,
		MemoryLimit:  "1GB",
		QueryTimeout: Duration(config.DefaultQueryTimeout),
		Retention: RetentionConfig{
			ChunkInterval: Duration(config.DefaultChunkInterval),
			CompressAfter: Duration(config.DefaultCompressAfter),
			DropAfter:     Duration(config.DefaultDropAfter),
			RunInterval:   Duration(config.DefaultRetentionInterval),
		},
		Compression: CompressionConfig{
			Algorithm: "zstd",
		},
		Percentile: PercentileConfig{
			Accuracy: 0.01,
		},
	}
}

// ChunkInterval returns the partition width as a time.Duration.
func (c *Config) ChunkInterval() time.Duration { return c.Retention.ChunkInterval.Std() }

// CompressAfter returns the compression age as a time.Duration.
func (c *Config) CompressAfter() time.Duration { return c.Retention.CompressAfter.Std() }

// DropAfter returns the drop age as a time.Duration.
func (c *Config) DropAfter() time.Duration { return c.Retention.DropAfter.Std() }
