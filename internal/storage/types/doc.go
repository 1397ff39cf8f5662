// Package types defines the core data types used throughout the storage system.
//
// Key types:
//   - Channel: a named, unit-bearing measured source
//   - Reading: one timestamped sample from a channel
//   - Summary: window statistics for one channel
//   - Chunk: one time partition of the reading history
package types
