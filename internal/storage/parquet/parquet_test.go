package parquet

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/xtxerr/peebot/internal/storage/types"
)

func testReadings(base time.Time) []types.Reading {
	cal := 11.5
	return []types.Reading{
		{
			IdempotencyKey: "k1",
			Channel:        "NODE3000004",
			Timestamp:      base,
			Value:          12,
			Calibrated:     &cal,
			Metadata:       map[string]string{"rssi": "-71"},
			IngestedAt:     base.Add(time.Second),
		},
		{
			IdempotencyKey: "k2",
			Channel:        "NODE3000004",
			Timestamp:      base.Add(2 * time.Minute),
			Value:          25,
			IngestedAt:     base.Add(2*time.Minute + time.Second),
		},
		{
			IdempotencyKey: "k3",
			Channel:        "NODE3000005",
			Timestamp:      base.Add(time.Minute),
			Value:          7,
			IngestedAt:     base.Add(time.Minute + time.Second),
		},
	}
}

func TestReadingWriteAndRead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "readings.parquet")
	base := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

	w, err := NewReadingWriter(path, DefaultOptions())
	if err != nil {
		t.Fatalf("NewReadingWriter: %v", err)
	}
	if err := w.Write(testReadings(base)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if w.RowCount() != 3 {
		t.Errorf("RowCount = %d, want 3", w.RowCount())
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := w.Write(testReadings(base)); err != ErrWriterClosed {
		t.Errorf("write after close = %v, want ErrWriterClosed", err)
	}

	r, err := NewReadingReader(path)
	if err != nil {
		t.Fatalf("NewReadingReader: %v", err)
	}
	defer r.Close()

	if r.NumRows() != 3 {
		t.Errorf("NumRows = %d, want 3", r.NumRows())
	}

	all, err := r.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("got %d readings, want 3", len(all))
	}

	first := all[0]
	if first.IdempotencyKey != "k1" || first.Value != 12 {
		t.Errorf("first = %+v", first)
	}
	if first.Calibrated == nil || *first.Calibrated != 11.5 {
		t.Errorf("calibrated = %v, want 11.5", first.Calibrated)
	}
	if first.Metadata["rssi"] != "-71" {
		t.Errorf("metadata = %v", first.Metadata)
	}
	if !first.Timestamp.Equal(base) {
		t.Errorf("timestamp = %v, want %v", first.Timestamp, base)
	}
	if all[1].Calibrated != nil {
		t.Errorf("second reading should have no calibrated value")
	}
}

func TestReadWindow(t *testing.T) {
	dir := t.TempDir()
	base := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	chunk := types.Chunk{Start: base.Truncate(time.Hour), End: base.Truncate(time.Hour).Add(time.Hour)}

	path, size, err := WriteChunk(dir, chunk, testReadings(base), Options{Compression: CompressionSnappy})
	if err != nil {
		t.Fatalf("WriteChunk: %v", err)
	}
	if size <= 0 {
		t.Error("chunk file should not be empty")
	}

	r, err := NewReadingReader(path)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	got, err := r.ReadWindow("NODE3000004", base.Add(time.Minute), base.Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].IdempotencyKey != "k2" {
		t.Errorf("ReadWindow = %+v, want only k2", got)
	}
}

func TestWriteChunkNaming(t *testing.T) {
	dir := t.TempDir()
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	chunk := types.Chunk{Start: start, End: start.Add(24 * time.Hour)}

	p1, _, err := WriteChunk(dir, chunk, testReadings(start), DefaultOptions())
	if err != nil {
		t.Fatal(err)
	}
	p2, _, err := WriteChunk(dir, chunk, testReadings(start), DefaultOptions())
	if err != nil {
		t.Fatal(err)
	}

	if p1 == p2 {
		t.Error("two passes over one chunk must not share a file")
	}
	if !strings.HasPrefix(filepath.Base(p1), "2026-03-01_00-00_") {
		t.Errorf("unexpected file name %s", filepath.Base(p1))
	}

	entries, _ := os.ReadDir(dir)
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".tmp") {
			t.Errorf("temp file left behind: %s", e.Name())
		}
	}

	info, err := GetFileInfo(p1)
	if err != nil {
		t.Fatal(err)
	}
	if info.NumRows != 3 {
		t.Errorf("NumRows = %d, want 3", info.NumRows)
	}
}

func TestParseCompressionType(t *testing.T) {
	tests := []struct {
		in   string
		want CompressionType
	}{
		{"snappy", CompressionSnappy},
		{"zstd", CompressionZstd},
		{"lz4", CompressionLZ4},
		{"gzip", CompressionGzip},
		{"none", CompressionNone},
		{"", CompressionNone},
		{"unknown", CompressionZstd},
	}
	for _, tt := range tests {
		if got := ParseCompressionType(tt.in); got != tt.want {
			t.Errorf("ParseCompressionType(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
