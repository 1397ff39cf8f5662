package config

import (
	"fmt"
	"time"
)

// Requirements is a sizing estimate for a given sustained ingestion rate.
type Requirements struct {
	ReadingsPerSecond float64
	ReadingsPerDay    int64

	// Hot rows live in DuckDB until compress_after
	HotRows  int64
	HotBytes int64

	// Compressed rows live in Parquet until drop_after
	CompressedRows  int64
	CompressedBytes int64

	Chunks         int64
	TotalDiskBytes int64
}

const (
	// Bytes per hot row including indexes and a small metadata map
	bytesPerHotRow = 120

	// Bytes per Parquet row after compression
	bytesPerCompressedRow = 18
)

// CalculateRequirements estimates storage for ratePerSec readings per second.
func (c *Config) CalculateRequirements(ratePerSec float64) Requirements {
	r := Requirements{ReadingsPerSecond: ratePerSec}
	r.ReadingsPerDay = int64(ratePerSec * 86400)

	hotDays := float64(c.CompressAfter()) / float64(24*time.Hour)
	coldDays := float64(c.DropAfter()-c.CompressAfter()) / float64(24*time.Hour)
	if coldDays < 0 {
		coldDays = 0
	}

	r.HotRows = int64(float64(r.ReadingsPerDay) * hotDays)
	r.HotBytes = r.HotRows * bytesPerHotRow
	r.CompressedRows = int64(float64(r.ReadingsPerDay) * coldDays)
	r.CompressedBytes = r.CompressedRows * bytesPerCompressedRow

	if iv := c.ChunkInterval(); iv > 0 {
		r.Chunks = int64(c.DropAfter()/iv) + 1
	}
	r.TotalDiskBytes = r.HotBytes + r.CompressedBytes

	return r
}

// FormatRequirements returns a human-readable summary of requirements.
func (r *Requirements) FormatRequirements() string {
	return fmt.Sprintf(`Storage Estimate
================

Throughput:
  Readings/sec:      %.1f
  Readings/day:      %s

Hot (DuckDB):
  Rows:              %s
  Size:              %s

Compressed (Parquet):
  Rows:              %s
  Size:              %s

Chunks retained:     %d
Total disk:          %s
`,
		r.ReadingsPerSecond,
		formatNumber(r.ReadingsPerDay),
		formatNumber(r.HotRows),
		FormatBytes(r.HotBytes),
		formatNumber(r.CompressedRows),
		FormatBytes(r.CompressedBytes),
		r.Chunks,
		FormatBytes(r.TotalDiskBytes),
	)
}

// FormatBytes formats bytes as a human-readable string.
func FormatBytes(b int64) string {
	const (
		KB = 1024
		MB = 1024 * KB
		GB = 1024 * MB
		TB = 1024 * GB
	)

	switch {
	case b >= TB:
		return fmt.Sprintf("%.2f TB", float64(b)/float64(TB))
	case b >= GB:
		return fmt.Sprintf("%.2f GB", float64(b)/float64(GB))
	case b >= MB:
		return fmt.Sprintf("%.2f MB", float64(b)/float64(MB))
	case b >= KB:
		return fmt.Sprintf("%.2f KB", float64(b)/float64(KB))
	default:
		return fmt.Sprintf("%d B", b)
	}
}

// formatNumber formats a number with a magnitude suffix.
func formatNumber(n int64) string {
	if n < 1000 {
		return fmt.Sprintf("%d", n)
	}
	if n < 1000000 {
		return fmt.Sprintf("%.1fK", float64(n)/1000)
	}
	if n < 1000000000 {
		return fmt.Sprintf("%.1fM", float64(n)/1000000)
	}
	return fmt.Sprintf("%.1fB", float64(n)/1000000000)
}
