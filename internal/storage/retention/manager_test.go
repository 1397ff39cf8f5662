package retention

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/xtxerr/peebot/internal/storage/config"
	"github.com/xtxerr/peebot/internal/storage/types"
	"github.com/xtxerr/peebot/internal/store"
)

var base = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

func newTestManager(t *testing.T) (*Manager, *store.Store, *config.Config) {
	t.Helper()

	dir := t.TempDir()

	scfg := store.DefaultConfig()
	scfg.DSN = filepath.Join(dir, "readings.duckdb")
	scfg.ChunkInterval = time.Hour
	st, err := store.New(scfg)
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	cfg := config.DefaultConfig()
	cfg.ChunkDir = filepath.Join(dir, "chunks")
	cfg.Retention.ChunkInterval = config.Duration(time.Hour)
	cfg.Retention.CompressAfter = config.Duration(2 * time.Hour)
	cfg.Retention.DropAfter = config.Duration(6 * time.Hour)

	m := New(st, cfg)
	m.SetClock(func() time.Time { return base.Add(10 * time.Hour) })
	return m, st, cfg
}

func insert(t *testing.T, st *store.Store, ts time.Time, v float64) {
	t.Helper()
	r := &types.Reading{
		Channel:        "NODE3000004",
		Timestamp:      ts,
		Value:          v,
		IdempotencyKey: types.DeriveKey("NODE3000004", ts, v),
		IngestedAt:     ts,
	}
	if _, err := st.InsertReading(context.Background(), r); err != nil {
		t.Fatalf("insert: %v", err)
	}
}

func TestManager_CompactionAndCleanup(t *testing.T) {
	m, st, cfg := newTestManager(t)
	ctx := context.Background()

	insert(t, st, base.Add(30*time.Minute), 1)             // chunk 0, expires
	insert(t, st, base.Add(5*time.Hour+30*time.Minute), 2) // chunk 5, compressed
	insert(t, st, base.Add(9*time.Hour), 3)                // chunk 9, hot

	comp := m.RunCompaction(ctx)
	if len(comp.Errors) != 0 {
		t.Fatalf("compaction errors: %v", comp.Errors)
	}
	if comp.Chunks != 2 || comp.Rows != 2 {
		t.Errorf("compacted %d chunks / %d rows, want 2 / 2", comp.Chunks, comp.Rows)
	}

	hot, _ := st.CountReadings(ctx, "")
	if hot != 1 {
		t.Errorf("hot rows = %d, want 1", hot)
	}

	files, _ := st.ChunkFiles(ctx, time.Time{}, time.Time{})
	if len(files) != 2 {
		t.Fatalf("catalogued files = %d, want 2", len(files))
	}

	clean := m.RunCleanup(ctx)
	if len(clean.Errors) != 0 {
		t.Fatalf("cleanup errors: %v", clean.Errors)
	}
	if clean.FilesDeleted != 1 {
		t.Errorf("FilesDeleted = %d, want 1", clean.FilesDeleted)
	}
	if _, err := os.Stat(files[0].Path); !os.IsNotExist(err) {
		t.Errorf("expired file %s still present", files[0].Path)
	}
	if _, err := os.Stat(files[1].Path); err != nil {
		t.Errorf("retained file missing: %v", err)
	}

	usage := m.GetDiskUsage()
	if usage.FileCount != 1 {
		t.Errorf("FileCount = %d, want 1", usage.FileCount)
	}
	if want := base.Add(5 * time.Hour); !usage.Oldest.Equal(want) {
		t.Errorf("Oldest = %v, want %v", usage.Oldest, want)
	}

	stats := m.Stats()
	if stats.ChunksCompacted != 2 || stats.FilesDeleted != 1 {
		t.Errorf("stats = %+v", stats)
	}

	if entries, _ := os.ReadDir(cfg.ChunkDir); len(entries) != 1 {
		t.Errorf("chunk dir has %d entries, want 1", len(entries))
	}
}

func TestManager_DryRunChangesNothing(t *testing.T) {
	m, st, _ := newTestManager(t)
	ctx := context.Background()

	insert(t, st, base.Add(30*time.Minute), 1)
	insert(t, st, base.Add(9*time.Hour), 3)

	comp, clean := m.DryRun(ctx)
	if comp.Chunks != 1 || len(comp.Pending) != 1 {
		t.Errorf("dry run compaction = %+v, want one pending chunk", comp)
	}
	if clean.HotRowsDropped != 1 {
		t.Errorf("dry run would drop %d hot rows, want 1", clean.HotRowsDropped)
	}

	n, _ := st.CountReadings(ctx, "")
	if n != 2 {
		t.Errorf("hot rows after dry run = %d, want 2", n)
	}
	if files, _ := st.ChunkFiles(ctx, time.Time{}, time.Time{}); len(files) != 0 {
		t.Errorf("dry run wrote %d files", len(files))
	}
}

func TestManager_OrphanSweep(t *testing.T) {
	m, _, cfg := newTestManager(t)
	ctx := context.Background()

	if err := os.MkdirAll(cfg.ChunkDir, 0755); err != nil {
		t.Fatal(err)
	}

	old := filepath.Join(cfg.ChunkDir, "2026-02-20_00-00_deadbeef.parquet")
	fresh := filepath.Join(cfg.ChunkDir, "2026-03-01_09-00_cafebabe.parquet.tmp")
	for _, p := range []string{old, fresh} {
		if err := os.WriteFile(p, []byte("x"), 0644); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.Chtimes(old, base, base); err != nil {
		t.Fatal(err)
	}
	// Inside the grace period of the fake clock
	recent := base.Add(10*time.Hour - time.Minute)
	if err := os.Chtimes(fresh, recent, recent); err != nil {
		t.Fatal(err)
	}

	res := m.RunCleanup(ctx)
	if res.OrphansRemoved != 1 {
		t.Errorf("OrphansRemoved = %d, want 1", res.OrphansRemoved)
	}
	if _, err := os.Stat(old); !os.IsNotExist(err) {
		t.Error("old orphan should be removed")
	}
	if _, err := os.Stat(fresh); err != nil {
		t.Error("file inside grace period should be kept")
	}
}

func TestManager_ParseFileTime(t *testing.T) {
	tests := []struct {
		name     string
		filename string
		expected time.Time
		hasError bool
	}{
		{
			name:     "chunk file",
			filename: "2026-01-15_10-30_1a2b3c4d.parquet",
			expected: time.Date(2026, 1, 15, 10, 30, 0, 0, time.UTC),
		},
		{
			name:     "temp file",
			filename: "2026-01-15_00-00_1a2b3c4d.parquet.tmp",
			expected: time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC),
		},
		{
			name:     "too short",
			filename: "2026.parquet",
			hasError: true,
		},
		{
			name:     "invalid format",
			filename: "invalid-file-name.parquet",
			hasError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := parseFileTime(tt.filename)

			if tt.hasError {
				if err == nil {
					t.Error("expected error")
				}
				return
			}

			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}

			if !result.Equal(tt.expected) {
				t.Errorf("expected %v, got %v", tt.expected, result)
			}
		})
	}
}

func TestManager_FormatDiskUsageEmpty(t *testing.T) {
	m, _, _ := newTestManager(t)
	if got := m.FormatDiskUsage(); got != "Disk Usage:\n  no compressed chunks\n" {
		t.Errorf("FormatDiskUsage = %q", got)
	}
}
