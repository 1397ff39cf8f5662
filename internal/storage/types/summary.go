package types

import "time"

// Summary holds window statistics for one channel, as served to the
// dashboard query boundary.
type Summary struct {
	Channel string
	From    time.Time
	To      time.Time

	Count int64
	Min   float64
	Max   float64
	Sum   float64

	// Percentiles from a DDSketch (1% relative accuracy)
	P50 float64
	P90 float64
	P99 float64
}

// Avg returns the mean value, or zero for an empty window.
func (s *Summary) Avg() float64 {
	if s.Count == 0 {
		return 0
	}
	return s.Sum / float64(s.Count)
}

// Chunk is one time partition of the reading history.
type Chunk struct {
	Start time.Time
	End   time.Time

	// Compressed chunks live in Parquet files; hot chunks live in DuckDB.
	Compressed bool
	Path       string

	Rows  int64
	Bytes int64
}

// ChunkStart returns the start of the partition containing t.
func ChunkStart(t time.Time, interval time.Duration) time.Time {
	return t.UTC().Truncate(interval)
}
