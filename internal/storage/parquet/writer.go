package parquet

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/parquet-go/parquet-go"
	"github.com/parquet-go/parquet-go/compress"

	"github.com/xtxerr/peebot/internal/storage/types"
)

// Options configures the Parquet writer.
type Options struct {
	// Compression algorithm
	Compression CompressionType
}

// CompressionType represents a Parquet compression algorithm.
type CompressionType int

const (
	CompressionNone CompressionType = iota
	CompressionSnappy
	CompressionZstd
	CompressionLZ4
	CompressionGzip
)

// DefaultOptions returns default Parquet options.
func DefaultOptions() Options {
	return Options{
		Compression: CompressionZstd,
	}
}

// ParseCompressionType parses a compression type string.
func ParseCompressionType(s string) CompressionType {
	switch s {
	case "snappy":
		return CompressionSnappy
	case "zstd":
		return CompressionZstd
	case "lz4":
		return CompressionLZ4
	case "gzip":
		return CompressionGzip
	case "none", "":
		return CompressionNone
	default:
		return CompressionZstd
	}
}

// getCompression returns the parquet-go compression codec.
func getCompression(ct CompressionType) compress.Codec {
	switch ct {
	case CompressionSnappy:
		return &parquet.Snappy
	case CompressionZstd:
		return &parquet.Zstd
	case CompressionLZ4:
		return &parquet.Lz4Raw
	case CompressionGzip:
		return &parquet.Gzip
	default:
		return &parquet.Uncompressed
	}
}

// ReadingRow represents a reading in Parquet format.
type ReadingRow struct {
	IdempotencyKey string            `parquet:"idempotency_key"`
	Channel        string            `parquet:"channel,dict"`
	TimestampNs    int64             `parquet:"ts_ns"`
	Value          float64           `parquet:"value"`
	Calibrated     *float64          `parquet:"calibrated,optional"`
	Metadata       map[string]string `parquet:"metadata"`
	IngestedAtNs   int64             `parquet:"ingested_at_ns"`
}

// ReadingToRow converts a Reading to a ReadingRow.
func ReadingToRow(r *types.Reading) ReadingRow {
	return ReadingRow{
		IdempotencyKey: r.IdempotencyKey,
		Channel:        r.Channel,
		TimestampNs:    r.Timestamp.UnixNano(),
		Value:          r.Value,
		Calibrated:     r.Calibrated,
		Metadata:       r.Metadata,
		IngestedAtNs:   r.IngestedAt.UnixNano(),
	}
}

// RowToReading converts a ReadingRow to a Reading.
func RowToReading(row *ReadingRow) types.Reading {
	r := types.Reading{
		IdempotencyKey: row.IdempotencyKey,
		Channel:        row.Channel,
		Timestamp:      time.Unix(0, row.TimestampNs).UTC(),
		Value:          row.Value,
		IngestedAt:     time.Unix(0, row.IngestedAtNs).UTC(),
	}
	if row.Calibrated != nil {
		v := *row.Calibrated
		r.Calibrated = &v
	}
	if len(row.Metadata) > 0 {
		r.Metadata = row.Metadata
	}
	return r
}

// ReadingWriter writes readings to a Parquet file.
type ReadingWriter struct {
	mu       sync.Mutex
	path     string
	file     *os.File
	writer   *parquet.GenericWriter[ReadingRow]
	rowCount int64
	closed   bool
}

// NewReadingWriter creates a new reading Parquet writer.
func NewReadingWriter(path string, opts Options) (*ReadingWriter, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create file: %w", err)
	}

	writer := parquet.NewGenericWriter[ReadingRow](f,
		parquet.Compression(getCompression(opts.Compression)),
	)

	return &ReadingWriter{
		path:   path,
		file:   f,
		writer: writer,
	}, nil
}

// Write writes readings to the Parquet file.
func (w *ReadingWriter) Write(readings []types.Reading) error {
	if len(readings) == 0 {
		return nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWriterClosed
	}

	rows := make([]ReadingRow, len(readings))
	for i := range readings {
		rows[i] = ReadingToRow(&readings[i])
	}

	n, err := w.writer.Write(rows)
	if err != nil {
		return fmt.Errorf("write rows: %w", err)
	}

	w.rowCount += int64(n)
	return nil
}

// Close flushes and closes the writer. The file is synced to disk.
func (w *ReadingWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true

	if err := w.writer.Close(); err != nil {
		w.file.Close()
		return fmt.Errorf("close writer: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		w.file.Close()
		return fmt.Errorf("sync file: %w", err)
	}

	return w.file.Close()
}

// RowCount returns the number of rows written.
func (w *ReadingWriter) RowCount() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.rowCount
}

// Path returns the file path.
func (w *ReadingWriter) Path() string {
	return w.path
}

// ErrWriterClosed is returned when writing to a closed writer.
var ErrWriterClosed = fmt.Errorf("parquet writer is closed")

// ChunkFileLayout is the time layout prefixing chunk file names.
const ChunkFileLayout = "2006-01-02_15-04"

// ChunkFileName returns a unique file name for one compaction pass of chunk.
func ChunkFileName(chunk types.Chunk) string {
	id := uuid.New().String()[:8]
	return chunk.Start.UTC().Format(ChunkFileLayout) + "_" + id + ".parquet"
}

// WriteChunk writes readings of one chunk into dir and returns the final
// path and its size. The file appears under its final name only once it is
// complete.
func WriteChunk(dir string, chunk types.Chunk, readings []types.Reading, opts Options) (string, int64, error) {
	final := filepath.Join(dir, ChunkFileName(chunk))
	tmp := final + ".tmp"

	w, err := NewReadingWriter(tmp, opts)
	if err != nil {
		return "", 0, err
	}
	if err := w.Write(readings); err != nil {
		w.Close()
		os.Remove(tmp)
		return "", 0, err
	}
	if err := w.Close(); err != nil {
		os.Remove(tmp)
		return "", 0, err
	}

	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return "", 0, fmt.Errorf("rename chunk file: %w", err)
	}

	info, err := os.Stat(final)
	if err != nil {
		return "", 0, fmt.Errorf("stat chunk file: %w", err)
	}
	return final, info.Size(), nil
}
