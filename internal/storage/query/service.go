// Package query answers window queries over both hot rows and compressed
// chunk files.
package query

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/xtxerr/peebot/internal/storage/aggregate"
	"github.com/xtxerr/peebot/internal/storage/parquet"
	"github.com/xtxerr/peebot/internal/storage/types"
	"github.com/xtxerr/peebot/internal/store"
)

// Service provides query capabilities over stored data.
// Hot rows come from DuckDB; older rows are read from the Parquet files
// catalogued for the window.
type Service struct {
	mu sync.Mutex

	store    *store.Store
	accuracy float64

	// Statistics
	stats ServiceStats
}

// ServiceStats holds query statistics.
type ServiceStats struct {
	QueriesExecuted int64
	RowsReturned    int64
	FilesScanned    int64
	Errors          int64
}

// New creates a new query service. accuracy is the DDSketch relative
// accuracy used by Summary.
func New(st *store.Store, accuracy float64) *Service {
	if accuracy <= 0 {
		accuracy = aggregate.DefaultAccuracy
	}
	return &Service{store: st, accuracy: accuracy}
}

// Window returns readings of channel with from <= ts <= to, ascending by
// timestamp. A row present both hot and compressed (possible while a
// compaction commits) is returned once.
func (s *Service) Window(ctx context.Context, channel string, from, to time.Time) ([]types.Reading, error) {
	if to.Before(from) {
		return nil, fmt.Errorf("window end %s before start %s", to.Format(time.RFC3339), from.Format(time.RFC3339))
	}

	// Files first: a chunk compacted between the two reads then shows up in
	// the hot table or the file, never in neither.
	cold, scanned, err := s.readFiles(ctx, channel, from, to)
	if err != nil {
		s.recordError()
		return nil, err
	}

	hot, err := s.store.QueryWindow(ctx, channel, from, to)
	if err != nil {
		s.recordError()
		return nil, err
	}

	if len(cold) == 0 {
		s.record(len(hot), scanned)
		return hot, nil
	}

	readings := mergeReadings(hot, cold)

	s.record(len(readings), scanned)
	return readings, nil
}

// Summary returns count, extrema and percentiles of the effective values
// of channel over [from, to].
func (s *Service) Summary(ctx context.Context, channel string, from, to time.Time) (types.Summary, error) {
	readings, err := s.Window(ctx, channel, from, to)
	if err != nil {
		return types.Summary{}, err
	}

	agg := aggregate.New(channel, from, to, s.accuracy)
	for _, r := range readings {
		agg.AddReading(r)
	}
	return agg.Result(), nil
}

func (s *Service) readFiles(ctx context.Context, channel string, from, to time.Time) ([]types.Reading, int, error) {
	files, err := s.store.ChunkFiles(ctx, from, to)
	if err != nil {
		return nil, 0, err
	}

	var readings []types.Reading
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return nil, 0, err
		}
		rs, err := readFile(f.Path, channel, from, to)
		if err != nil {
			return nil, 0, err
		}
		readings = append(readings, rs...)
	}
	return readings, len(files), nil
}

func readFile(path, channel string, from, to time.Time) ([]types.Reading, error) {
	r, err := parquet.NewReadingReader(path)
	if err != nil {
		return nil, fmt.Errorf("open chunk %s: %w", path, err)
	}
	defer r.Close()

	rs, err := r.ReadWindow(channel, from, to)
	if err != nil {
		return nil, fmt.Errorf("read chunk %s: %w", path, err)
	}
	return rs, nil
}

// mergeReadings concatenates both sources, drops repeated idempotency keys
// and sorts by timestamp.
func mergeReadings(hot, cold []types.Reading) []types.Reading {
	seen := make(map[string]struct{}, len(hot)+len(cold))
	out := make([]types.Reading, 0, len(hot)+len(cold))

	for _, src := range [][]types.Reading{hot, cold} {
		for _, r := range src {
			if _, dup := seen[r.IdempotencyKey]; dup {
				continue
			}
			seen[r.IdempotencyKey] = struct{}{}
			out = append(out, r)
		}
	}

	sort.Stable(types.ByTimestamp(out))
	return out
}

func (s *Service) record(rows, files int) {
	s.mu.Lock()
	s.stats.QueriesExecuted++
	s.stats.RowsReturned += int64(rows)
	s.stats.FilesScanned += int64(files)
	s.mu.Unlock()
}

func (s *Service) recordError() {
	s.mu.Lock()
	s.stats.Errors++
	s.mu.Unlock()
}

// Stats returns query statistics.
func (s *Service) Stats() ServiceStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}
