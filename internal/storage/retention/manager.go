// Package retention applies the time-partitioning policy to the reading
// history: chunks older than compress_after move into Parquet files, and
// chunks older than drop_after are deleted.
package retention

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/xtxerr/peebot/internal/logging"
	"github.com/xtxerr/peebot/internal/storage/config"
	"github.com/xtxerr/peebot/internal/storage/parquet"
	"github.com/xtxerr/peebot/internal/storage/types"
	"github.com/xtxerr/peebot/internal/store"
)

var log = logging.Component("retention")

// orphanGrace protects files of an in-flight compaction from the orphan sweep.
const orphanGrace = 15 * time.Minute

// Manager handles compaction and cleanup of expired chunks.
type Manager struct {
	mu     sync.Mutex
	store  *store.Store
	config *config.Config
	opts   parquet.Options
	now    func() time.Time
	stats  Stats
}

// Stats holds cumulative retention statistics.
type Stats struct {
	LastRunTime     time.Time
	ChunksCompacted int64
	RowsCompacted   int64
	FilesDeleted    int64
	HotRowsDropped  int64
	BytesFreed      int64
	OrphansRemoved  int64
	Errors          int64
}

// CompactionResult holds the result of one compaction pass.
type CompactionResult struct {
	Cutoff  time.Time
	Chunks  int
	Rows    int64
	Bytes   int64
	Errors  []error
	Pending []types.Chunk // populated by DryRun only
}

// CleanupResult holds the result of one drop pass.
type CleanupResult struct {
	Cutoff         time.Time
	FilesDeleted   int
	BytesFreed     int64
	HotRowsDropped int64
	OrphansRemoved int
	Errors         []error
}

// New creates a new retention manager.
func New(st *store.Store, cfg *config.Config) *Manager {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}

	return &Manager{
		store:  st,
		config: cfg,
		opts:   parquet.Options{Compression: parquet.ParseCompressionType(cfg.Compression.Algorithm)},
		now:    time.Now,
	}
}

// SetClock replaces the time source. Used by tests and backfills.
func (m *Manager) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// Run applies compaction, then cleanup.
func (m *Manager) Run(ctx context.Context) (CompactionResult, CleanupResult) {
	c := m.RunCompaction(ctx)
	d := m.RunCleanup(ctx)
	return c, d
}

// RunCompaction moves every hot chunk older than compress_after into a
// Parquet file.
func (m *Manager) RunCompaction(ctx context.Context) CompactionResult {
	m.mu.Lock()
	defer m.mu.Unlock()

	result := m.compact(ctx, false)

	m.stats.LastRunTime = m.now()
	m.stats.ChunksCompacted += int64(result.Chunks)
	m.stats.RowsCompacted += result.Rows
	m.stats.Errors += int64(len(result.Errors))

	return result
}

// RunCleanup deletes chunk files and hot rows older than drop_after and
// removes orphaned files left by failed compactions.
func (m *Manager) RunCleanup(ctx context.Context) CleanupResult {
	m.mu.Lock()
	defer m.mu.Unlock()

	result := m.cleanup(ctx, false)

	m.stats.LastRunTime = m.now()
	m.stats.FilesDeleted += int64(result.FilesDeleted)
	m.stats.BytesFreed += result.BytesFreed
	m.stats.HotRowsDropped += result.HotRowsDropped
	m.stats.OrphansRemoved += int64(result.OrphansRemoved)
	m.stats.Errors += int64(len(result.Errors))

	return result
}

// DryRun reports what Run would do without changing anything.
func (m *Manager) DryRun(ctx context.Context) (CompactionResult, CleanupResult) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.compact(ctx, true), m.cleanup(ctx, true)
}

func (m *Manager) compact(ctx context.Context, dryRun bool) CompactionResult {
	result := CompactionResult{Cutoff: m.now().Add(-m.config.CompressAfter())}

	chunks, err := m.store.HotChunks(ctx, result.Cutoff)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Errorf("list hot chunks: %w", err))
		return result
	}

	if dryRun {
		result.Pending = chunks
		for _, c := range chunks {
			result.Rows += c.Rows
		}
		result.Chunks = len(chunks)
		return result
	}

	for _, chunk := range chunks {
		if ctx.Err() != nil {
			result.Errors = append(result.Errors, ctx.Err())
			break
		}

		var size int64
		rows, orphan, err := m.store.CompactChunk(ctx, chunk, func(c types.Chunk, rs []types.Reading) (string, int64, error) {
			path, n, err := parquet.WriteChunk(m.config.ChunkDir, c, rs, m.opts)
			size = n
			return path, n, err
		})
		if err != nil {
			if orphan != "" {
				os.Remove(orphan)
			}
			log.Warn("compaction failed", "chunk", chunk.Start, "error", err)
			result.Errors = append(result.Errors, fmt.Errorf("compact chunk %s: %w", chunk.Start.Format(time.RFC3339), err))
			continue
		}
		if rows == 0 {
			continue
		}

		result.Chunks++
		result.Rows += rows
		result.Bytes += size
		log.Info("chunk compacted", "chunk", chunk.Start, "rows", rows, "bytes", size)
	}

	return result
}

func (m *Manager) cleanup(ctx context.Context, dryRun bool) CleanupResult {
	result := CleanupResult{Cutoff: m.now().Add(-m.config.DropAfter())}

	expired, err := m.store.ExpiredChunkFiles(ctx, result.Cutoff)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Errorf("list expired chunks: %w", err))
	}
	for _, c := range expired {
		if !dryRun {
			// Catalog first: a file without a catalog row is an orphan and
			// gets swept; a catalog row without a file breaks queries.
			if err := m.store.ForgetChunkFile(ctx, c.Path); err != nil {
				result.Errors = append(result.Errors, err)
				continue
			}
			if err := os.Remove(c.Path); err != nil && !os.IsNotExist(err) {
				result.Errors = append(result.Errors, fmt.Errorf("delete %s: %w", c.Path, err))
			}
		}
		result.FilesDeleted++
		result.BytesFreed += c.Bytes
	}

	if dryRun {
		n, err := m.store.CountHotBefore(ctx, result.Cutoff)
		if err != nil {
			result.Errors = append(result.Errors, err)
		}
		result.HotRowsDropped = n
	} else {
		n, err := m.store.DropHotBefore(ctx, result.Cutoff)
		if err != nil {
			result.Errors = append(result.Errors, err)
		}
		result.HotRowsDropped = n
	}

	orphans, err := m.findOrphans(ctx)
	if err != nil {
		result.Errors = append(result.Errors, err)
	}
	for _, f := range orphans {
		if !dryRun {
			if err := os.Remove(f.path); err != nil && !os.IsNotExist(err) {
				result.Errors = append(result.Errors, fmt.Errorf("delete orphan %s: %w", f.path, err))
				continue
			}
		}
		result.OrphansRemoved++
		result.BytesFreed += f.size
	}

	return result
}

// fileInfo holds information about a file.
type fileInfo struct {
	name    string
	path    string
	size    int64
	modTime time.Time
}

// findOrphans lists chunk files on disk that the catalog does not know.
func (m *Manager) findOrphans(ctx context.Context) ([]fileInfo, error) {
	files, err := m.listFiles(m.config.ChunkDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list files: %w", err)
	}

	known, err := m.store.ChunkFiles(ctx, time.Time{}, time.Time{})
	if err != nil {
		return nil, err
	}
	catalog := make(map[string]bool, len(known))
	for _, c := range known {
		catalog[filepath.Clean(c.Path)] = true
	}

	graceCutoff := m.now().Add(-orphanGrace)
	var orphans []fileInfo
	for _, f := range files {
		if catalog[filepath.Clean(f.path)] {
			continue
		}
		if f.modTime.After(graceCutoff) {
			continue
		}
		orphans = append(orphans, f)
	}
	return orphans, nil
}

// listFiles lists Parquet and temporary chunk files in a directory.
func (m *Manager) listFiles(dir string) ([]fileInfo, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var files []fileInfo

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		name := entry.Name()
		if !strings.HasSuffix(name, ".parquet") && !strings.HasSuffix(name, ".parquet.tmp") {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			continue
		}

		files = append(files, fileInfo{
			name:    name,
			path:    filepath.Join(dir, name),
			size:    info.Size(),
			modTime: info.ModTime(),
		})
	}

	// Sort by name (oldest chunk first)
	sort.Slice(files, func(i, j int) bool {
		return files[i].name < files[j].name
	})

	return files, nil
}

// parseFileTime extracts the chunk start from a chunk file name.
func parseFileTime(name string) (time.Time, error) {
	layout := parquet.ChunkFileLayout
	if len(name) < len(layout) {
		return time.Time{}, fmt.Errorf("file name %q too short", name)
	}
	return time.Parse(layout, name[:len(layout)])
}

// Stats returns cumulative statistics.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

// DiskUsage holds disk usage information.
type DiskUsage struct {
	FileCount int
	TotalSize int64
	Oldest    time.Time
	Newest    time.Time
}

// GetDiskUsage returns usage of the chunk directory.
func (m *Manager) GetDiskUsage() DiskUsage {
	var u DiskUsage

	files, err := m.listFiles(m.config.ChunkDir)
	if err != nil {
		return u
	}

	for _, f := range files {
		u.FileCount++
		u.TotalSize += f.size
		if ts, err := parseFileTime(f.name); err == nil {
			if u.Oldest.IsZero() || ts.Before(u.Oldest) {
				u.Oldest = ts
			}
			if ts.After(u.Newest) {
				u.Newest = ts
			}
		}
	}
	return u
}

// FormatDiskUsage returns a formatted string of disk usage.
func (m *Manager) FormatDiskUsage() string {
	u := m.GetDiskUsage()
	if u.FileCount == 0 {
		return "Disk Usage:\n  no compressed chunks\n"
	}
	return fmt.Sprintf("Disk Usage:\n  %d files, %s\n  chunks %s .. %s\n",
		u.FileCount, config.FormatBytes(u.TotalSize),
		u.Oldest.Format(time.DateOnly), u.Newest.Format(time.DateOnly))
}
