// Package parquet implements Parquet file reading and writing for compressed
// reading chunks.
//
// The package provides:
//   - ReadingWriter/ReadingReader for reading rows
//   - WriteChunk, which writes one chunk atomically (temp file + rename)
//   - Support for multiple compression algorithms (snappy, zstd, lz4, gzip)
package parquet
