// Package storage implements the Reading Store: idempotent insert and
// time-ordered window queries over a time-partitioned history.
//
// Architecture:
//
//	┌─────────────┐     ┌─────────────┐     ┌─────────────┐
//	│  Ingestion  │────▶│   DuckDB    │────▶│   Parquet   │
//	│  Pipeline   │     │ (hot chunks)│     │  (chunks)   │
//	└─────────────┘     └─────────────┘     └─────────────┘
//	                           │                   │
//	                           ▼                   ▼
//	                    ┌─────────────────────────────┐
//	                    │  Query (merge, DDSketch)    │
//	                    └─────────────────────────────┘
//
// The store provides:
//   - Insert-if-absent keyed by idempotency key
//   - Window queries ascending by source timestamp
//   - Chunked retention: {chunk_interval, compress_after, drop_after}
//   - DDSketch-based window summaries
package storage
