package parquet

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/parquet-go/parquet-go"

	"github.com/xtxerr/peebot/internal/storage/types"
)

// ReadingReader reads readings from a Parquet file.
type ReadingReader struct {
	file   *os.File
	reader *parquet.GenericReader[ReadingRow]
	path   string
}

// NewReadingReader creates a new reading Parquet reader.
func NewReadingReader(path string) (*ReadingReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}

	reader := parquet.NewGenericReader[ReadingRow](f, parquet.ReadBufferSize(1024*1024))

	return &ReadingReader{
		file:   f,
		reader: reader,
		path:   path,
	}, nil
}

// Read reads up to n readings from the file. It returns io.EOF once the
// file is exhausted.
func (r *ReadingReader) Read(n int) ([]types.Reading, error) {
	rows := make([]ReadingRow, n)
	count, err := r.reader.Read(rows)
	if err != nil && !(err == io.EOF && count > 0) {
		return nil, err
	}

	readings := make([]types.Reading, count)
	for i := 0; i < count; i++ {
		readings[i] = RowToReading(&rows[i])
	}

	return readings, nil
}

// ReadAll reads all readings from the file.
func (r *ReadingReader) ReadAll() ([]types.Reading, error) {
	return r.ReadWindow("", time.Time{}, time.Time{})
}

// ReadWindow reads readings of channel with from <= ts <= to. An empty
// channel matches all channels; zero bounds are open.
func (r *ReadingReader) ReadWindow(channel string, from, to time.Time) ([]types.Reading, error) {
	const batch = 4096

	var out []types.Reading
	rows := make([]ReadingRow, batch)

	for {
		n, err := r.reader.Read(rows)
		for i := 0; i < n; i++ {
			row := &rows[i]
			if channel != "" && row.Channel != channel {
				continue
			}
			if !from.IsZero() && row.TimestampNs < from.UnixNano() {
				continue
			}
			if !to.IsZero() && row.TimestampNs > to.UnixNano() {
				continue
			}
			out = append(out, RowToReading(row))
		}
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", r.path, err)
		}
	}
}

// NumRows returns the total number of rows in the file.
func (r *ReadingReader) NumRows() int64 {
	return r.reader.NumRows()
}

// Close closes the reader.
func (r *ReadingReader) Close() error {
	if err := r.reader.Close(); err != nil {
		r.file.Close()
		return err
	}
	return r.file.Close()
}

// Path returns the file path.
func (r *ReadingReader) Path() string {
	return r.path
}

// FileInfo holds information about a Parquet file.
type FileInfo struct {
	Path    string
	Size    int64
	NumRows int64
}

// GetFileInfo returns information about a Parquet file.
func GetFileInfo(path string) (*FileInfo, error) {
	stat, err := os.Stat(path)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	reader := parquet.NewGenericReader[ReadingRow](f)
	defer reader.Close()

	return &FileInfo{
		Path:    path,
		Size:    stat.Size(),
		NumRows: reader.NumRows(),
	}, nil
}
