package config

import (
	"errors"
	"fmt"
)

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.ChunkDir == "" {
		errs = append(errs, errors.New("chunk_dir is required"))
	}

	if c.QueryTimeout <= 0 {
		errs = append(errs, errors.New("query_timeout must be positive"))
	}

	if err := c.Retention.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("retention: %w", err))
	}

	if err := c.Compression.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("compression: %w", err))
	}

	if c.Percentile.Accuracy <= 0 || c.Percentile.Accuracy >= 1 {
		errs = append(errs, fmt.Errorf("percentile: accuracy must be in (0, 1), got %v", c.Percentile.Accuracy))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Validate checks the retention policy.
func (c *RetentionConfig) Validate() error {
	var errs []error

	if c.ChunkInterval <= 0 {
		errs = append(errs, errors.New("chunk_interval must be positive"))
	}
	if c.CompressAfter <= 0 {
		errs = append(errs, errors.New("compress_after must be positive"))
	}
	if c.DropAfter <= 0 {
		errs = append(errs, errors.New("drop_after must be positive"))
	}
	if c.CompressAfter > 0 && c.DropAfter > 0 && c.CompressAfter >= c.DropAfter {
		errs = append(errs, fmt.Errorf("compress_after (%s) must be less than drop_after (%s)",
			c.CompressAfter, c.DropAfter))
	}
	if c.ChunkInterval > 0 && c.CompressAfter > 0 && c.ChunkInterval > c.CompressAfter {
		errs = append(errs, fmt.Errorf("chunk_interval (%s) must not exceed compress_after (%s)",
			c.ChunkInterval, c.CompressAfter))
	}
	if c.RunInterval < 0 {
		errs = append(errs, errors.New("run_interval cannot be negative"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Validate checks the compression configuration.
func (c *CompressionConfig) Validate() error {
	switch c.Algorithm {
	case "snappy", "zstd", "gzip", "lz4", "none", "":
		return nil
	default:
		return fmt.Errorf("unknown algorithm %q", c.Algorithm)
	}
}
