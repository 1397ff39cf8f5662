package storage

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/xtxerr/peebot/internal/errors"
	"github.com/xtxerr/peebot/internal/storage/config"
	"github.com/xtxerr/peebot/internal/storage/types"
)

func newTestService(t *testing.T) *Service {
	t.Helper()

	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.Path = filepath.Join(dir, "db", "readings.duckdb")
	cfg.ChunkDir = filepath.Join(dir, "chunks")
	cfg.Retention.ChunkInterval = config.Duration(time.Hour)
	cfg.Retention.CompressAfter = config.Duration(2 * time.Hour)
	cfg.Retention.DropAfter = config.Duration(48 * time.Hour)
	cfg.Retention.RunInterval = 0

	svc, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := svc.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { svc.Stop() })
	return svc
}

func TestService_StartTwice(t *testing.T) {
	svc := newTestService(t)
	if err := svc.Start(); !errors.Is(err, errors.ErrAlreadyRunning) {
		t.Errorf("second Start = %v, want ErrAlreadyRunning", err)
	}
}

func TestService_InvalidConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Retention.CompressAfter = cfg.Retention.DropAfter
	if _, err := New(cfg); err == nil {
		t.Error("expected validation error")
	}
}

func TestService_ConcurrentInsertSameKey(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	ts := time.Now().UTC().Truncate(time.Second)
	r := types.Reading{
		Channel:        "NODE3000004",
		Timestamp:      ts,
		Value:          12,
		IdempotencyKey: types.DeriveKey("NODE3000004", ts, 12),
		IngestedAt:     ts,
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rr := r
			for {
				_, err := svc.InsertIfAbsent(ctx, &rr)
				if !errors.IsTransient(err) {
					return
				}
			}
		}()
	}
	wg.Wait()

	got, err := svc.QueryWindow(ctx, "NODE3000004", ts.Add(-time.Minute), ts.Add(time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Errorf("stored %d rows, want 1", len(got))
	}

	stats := svc.Stats()
	if stats.Inserted != 1 {
		t.Errorf("Inserted = %d, want 1", stats.Inserted)
	}
}

func TestService_QueryAcrossCompaction(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	now := time.Now().UTC()
	old := now.Add(-5 * time.Hour).Truncate(time.Hour)
	values := []float64{12, 25, 40}
	for i, v := range values {
		ts := old.Add(time.Duration(i) * 2 * time.Minute)
		r := &types.Reading{
			Channel:        "NODE3000004",
			Timestamp:      ts,
			Value:          v,
			IdempotencyKey: types.DeriveKey("NODE3000004", ts, v),
			IngestedAt:     now,
		}
		if _, err := svc.InsertIfAbsent(ctx, r); err != nil {
			t.Fatal(err)
		}
	}

	comp, _ := svc.RunRetention(ctx)
	if comp.Chunks != 1 || len(comp.Errors) != 0 {
		t.Fatalf("compaction = %+v", comp)
	}
	if n, _ := svc.Store().CountReadings(ctx, ""); n != 0 {
		t.Errorf("hot rows after compaction = %d, want 0", n)
	}

	got, err := svc.QueryWindow(ctx, "NODE3000004", old, now)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != len(values) {
		t.Fatalf("got %d readings, want %d", len(got), len(values))
	}
	for i, r := range got {
		if r.Value != values[i] {
			t.Errorf("position %d: value %v, want %v", i, r.Value, values[i])
		}
	}

	sum, err := svc.Summary(ctx, "NODE3000004", old, now)
	if err != nil {
		t.Fatal(err)
	}
	if sum.Count != 3 || sum.Max != 40 {
		t.Errorf("summary = %+v", sum)
	}
}

func TestService_InsertAfterCompactionIsDuplicate(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	now := time.Now().UTC()
	ts := now.Add(-5 * time.Hour).Truncate(time.Hour).Add(10 * time.Minute)
	reading := func(v float64) *types.Reading {
		return &types.Reading{
			Channel:        "NODE3000004",
			Timestamp:      ts,
			Value:          v,
			IdempotencyKey: types.DeriveKey("NODE3000004", ts, v),
			IngestedAt:     now,
		}
	}

	if res, err := svc.InsertIfAbsent(ctx, reading(12)); err != nil || res != types.Inserted {
		t.Fatalf("first insert = %v, %v", res, err)
	}
	if comp, _ := svc.RunRetention(ctx); comp.Chunks != 1 || len(comp.Errors) != 0 {
		t.Fatalf("compaction = %+v", comp)
	}

	res, err := svc.InsertIfAbsent(ctx, reading(12))
	if err != nil {
		t.Fatal(err)
	}
	if res != types.Duplicate {
		t.Errorf("redelivered compacted reading = %v, want duplicate", res)
	}
	if n, _ := svc.Store().CountReadings(ctx, ""); n != 0 {
		t.Errorf("hot rows = %d, want 0", n)
	}

	// A new key in the same compacted chunk is still stored.
	if res, err := svc.InsertIfAbsent(ctx, reading(13)); err != nil || res != types.Inserted {
		t.Errorf("new key in compacted chunk = %v, %v", res, err)
	}

	got, err := svc.QueryWindow(ctx, "NODE3000004", ts.Add(-time.Minute), now)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Errorf("got %d readings, want 2", len(got))
	}
	if st := svc.Stats(); st.Inserted != 2 || st.Duplicates != 1 {
		t.Errorf("stats inserted=%d duplicates=%d, want 2 and 1", st.Inserted, st.Duplicates)
	}
}
