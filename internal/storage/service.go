package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xtxerr/peebot/internal/errors"
	"github.com/xtxerr/peebot/internal/logging"
	"github.com/xtxerr/peebot/internal/storage/config"
	"github.com/xtxerr/peebot/internal/storage/parquet"
	"github.com/xtxerr/peebot/internal/storage/query"
	"github.com/xtxerr/peebot/internal/storage/retention"
	"github.com/xtxerr/peebot/internal/storage/types"
	"github.com/xtxerr/peebot/internal/store"
)

var log = logging.Component("storage")

// Service is the Reading Store. It owns the readings database, the query
// path over hot and compressed chunks, and the retention worker.
type Service struct {
	mu sync.RWMutex

	// compactMu orders inserts into chunks at or near the compaction cutoff
	// against retention runs, which move those chunks out of the hot table.
	compactMu sync.RWMutex

	config *config.Config

	// Components
	store     *store.Store
	query     *query.Service
	retention *retention.Manager

	// State
	running atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	// Statistics
	startTime  time.Time
	inserted   atomic.Int64
	duplicates atomic.Int64
}

// New opens the Reading Store.
func New(cfg *config.Config) (*Service, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	// Ensure directories exist
	if cfg.Path != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}
	if err := os.MkdirAll(cfg.ChunkDir, 0755); err != nil {
		return nil, fmt.Errorf("create chunk directory: %w", err)
	}

	scfg := store.DefaultConfig()
	scfg.DSN = cfg.Path
	scfg.MemoryLimit = cfg.MemoryLimit
	scfg.ChunkInterval = cfg.ChunkInterval()
	scfg.QueryTimeout = cfg.QueryTimeout.Std()

	st, err := store.New(scfg)
	if err != nil {
		return nil, fmt.Errorf("open readings store: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Service{
		config:    cfg,
		store:     st,
		query:     query.New(st, cfg.Percentile.Accuracy),
		retention: retention.New(st, cfg),
		ctx:       ctx,
		cancel:    cancel,
	}, nil
}

// Start starts the retention worker when a run interval is configured.
func (s *Service) Start() error {
	if !s.running.CompareAndSwap(false, true) {
		return errors.ErrAlreadyRunning
	}
	s.startTime = time.Now()

	if iv := s.config.Retention.RunInterval.Std(); iv > 0 {
		s.wg.Add(1)
		go s.retentionWorker(iv)
	}

	log.Info("reading store started",
		"chunk_interval", s.config.ChunkInterval(),
		"compress_after", s.config.CompressAfter(),
		"drop_after", s.config.DropAfter())
	return nil
}

// Stop stops the worker and closes the database.
func (s *Service) Stop() error {
	s.running.Store(false)
	s.cancel()

	// Wait for background workers
	s.wg.Wait()

	return s.store.Close()
}

// InsertIfAbsent stores r unless its idempotency key is already present,
// either hot or in a compressed file of the reading's chunk.
func (s *Service) InsertIfAbsent(ctx context.Context, r *types.Reading) (types.InsertResult, error) {
	if s.nearCompaction(r.Timestamp) {
		s.compactMu.RLock()
		defer s.compactMu.RUnlock()

		found, err := s.compressedKey(ctx, r)
		if err != nil {
			return 0, err
		}
		if found {
			s.duplicates.Add(1)
			return types.Duplicate, nil
		}
	}

	res, err := s.store.InsertReading(ctx, r)
	if err != nil {
		return res, err
	}
	if res == types.Inserted {
		s.inserted.Add(1)
	} else {
		s.duplicates.Add(1)
	}
	return res, nil
}

// nearCompaction reports whether the chunk of ts is compacted or becomes
// eligible within one chunk interval.
func (s *Service) nearCompaction(ts time.Time) bool {
	iv := s.config.ChunkInterval()
	end := types.ChunkStart(ts, iv).Add(iv)
	return !end.After(time.Now().Add(iv - s.config.CompressAfter()))
}

// compressedKey reports whether r's idempotency key is stored in a
// compressed file of r's chunk.
func (s *Service) compressedKey(ctx context.Context, r *types.Reading) (bool, error) {
	paths, err := s.store.ChunkFilesAt(ctx, types.ChunkStart(r.Timestamp, s.config.ChunkInterval()))
	if err != nil {
		return false, err
	}
	for _, path := range paths {
		rd, err := parquet.NewReadingReader(path)
		if err != nil {
			return false, fmt.Errorf("open chunk %s: %w", path, err)
		}
		rows, err := rd.ReadAll()
		rd.Close()
		if err != nil {
			return false, fmt.Errorf("read chunk %s: %w", path, err)
		}
		for i := range rows {
			if rows[i].IdempotencyKey == r.IdempotencyKey {
				return true, nil
			}
		}
	}
	return false, nil
}

// QueryWindow returns readings of channel with from <= ts <= to, ascending
// by source timestamp, across hot and compressed chunks.
func (s *Service) QueryWindow(ctx context.Context, channel string, from, to time.Time) ([]types.Reading, error) {
	return s.query.Window(ctx, channel, from, to)
}

// Latest returns up to limit hot readings of channel, newest first.
func (s *Service) Latest(ctx context.Context, channel string, limit int) ([]types.Reading, error) {
	return s.store.LatestReadings(ctx, channel, limit)
}

// Summary returns window statistics for channel.
func (s *Service) Summary(ctx context.Context, channel string, from, to time.Time) (types.Summary, error) {
	return s.query.Summary(ctx, channel, from, to)
}

// retentionWorker periodically applies the retention policy.
func (s *Service) retentionWorker(interval time.Duration) {
	defer s.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			comp, clean := s.RunRetention(s.ctx)
			for _, err := range append(comp.Errors, clean.Errors...) {
				log.Warn("retention error", "error", err)
			}
			if comp.Chunks > 0 || clean.FilesDeleted > 0 || clean.HotRowsDropped > 0 {
				log.Info("retention applied",
					"chunks_compacted", comp.Chunks,
					"rows_compacted", comp.Rows,
					"files_deleted", clean.FilesDeleted,
					"hot_rows_dropped", clean.HotRowsDropped)
			}
		}
	}
}

// Stats returns combined statistics.
func (s *Service) Stats() ServiceStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var uptime time.Duration
	if !s.startTime.IsZero() {
		uptime = time.Since(s.startTime)
	}

	return ServiceStats{
		Running:    s.running.Load(),
		Uptime:     uptime,
		Inserted:   s.inserted.Load(),
		Duplicates: s.duplicates.Load(),
		Query:      s.query.Stats(),
		Retention:  s.retention.Stats(),
	}
}

// ServiceStats holds combined statistics.
type ServiceStats struct {
	Running    bool
	Uptime     time.Duration
	Inserted   int64
	Duplicates int64
	Query      query.ServiceStats
	Retention  retention.Stats
}

// Store returns the underlying readings database.
func (s *Service) Store() *store.Store {
	return s.store
}

// Config returns the current configuration.
func (s *Service) Config() *config.Config {
	return s.config
}

// IsRunning returns whether the service is running.
func (s *Service) IsRunning() bool {
	return s.running.Load()
}

// RunRetention applies compaction and cleanup once.
func (s *Service) RunRetention(ctx context.Context) (retention.CompactionResult, retention.CleanupResult) {
	s.compactMu.Lock()
	defer s.compactMu.Unlock()
	return s.retention.Run(ctx)
}

// DryRunRetention reports what RunRetention would do.
func (s *Service) DryRunRetention(ctx context.Context) (retention.CompactionResult, retention.CleanupResult) {
	return s.retention.DryRun(ctx)
}

// FormatDiskUsage describes the compressed chunk directory.
func (s *Service) FormatDiskUsage() string {
	return s.retention.FormatDiskUsage()
}

// Health pings the readings database.
func (s *Service) Health(ctx context.Context) error {
	return s.store.Health(ctx)
}
