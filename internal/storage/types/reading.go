package types

import (
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Channel is a named, unit-bearing measured source. Only Active and
// Description change after the registry loads it.
type Channel struct {
	Identity    string // Stable feed identity (e.g., "NODE3000004")
	Description string
	Group       string // Grouping tag (e.g., "bathroom")
	Unit        string // Measurement unit (e.g., "cm")
	Active      bool
}

// Reading is one timestamped sample from a channel.
// Readings are immutable once stored.
type Reading struct {
	Channel string

	// Source-feed time
	Timestamp time.Time

	Value float64

	// Calibrated is nil when no calibration is registered for the channel.
	Calibrated *float64

	Metadata map[string]string

	// IdempotencyKey is unique across all readings.
	IdempotencyKey string

	// Server-side ingestion time
	IngestedAt time.Time
}

// Effective returns the calibrated value when present, otherwise the raw value.
func (r *Reading) Effective() float64 {
	if r.Calibrated != nil {
		return *r.Calibrated
	}
	return r.Value
}

// TimestampMs returns the source timestamp in Unix milliseconds.
func (r *Reading) TimestampMs() int64 {
	return r.Timestamp.UnixMilli()
}

// keyNamespace scopes derived idempotency keys.
var keyNamespace = uuid.MustParse("4f6c2f0e-9a3b-5d1e-8c47-2b7a1e9d0c55")

// DeriveKey builds the deterministic idempotency key for a reading that
// arrived without one. The same channel, source time and value always map
// to the same key, so redeliveries collapse onto one row.
func DeriveKey(channel string, ts time.Time, value float64) string {
	data := channel + "|" +
		strconv.FormatInt(ts.UTC().UnixNano(), 10) + "|" +
		strconv.FormatFloat(value, 'g', -1, 64)
	return uuid.NewSHA1(keyNamespace, []byte(data)).String()
}

// InsertResult is the outcome of an idempotent insert.
type InsertResult int

const (
	// Inserted means a new row was created.
	Inserted InsertResult = iota
	// Duplicate means the idempotency key was already present.
	Duplicate
)

// String returns a human-readable representation of the InsertResult.
func (r InsertResult) String() string {
	switch r {
	case Inserted:
		return "inserted"
	case Duplicate:
		return "duplicate"
	default:
		return "unknown"
	}
}

// ByTimestamp sorts readings ascending by source time, then by key so the
// order is total.
type ByTimestamp []Reading

func (s ByTimestamp) Len() int      { return len(s) }
func (s ByTimestamp) Swap(i, j int) { s[i], s[j] = s[j], s[i] }
func (s ByTimestamp) Less(i, j int) bool {
	if !s[i].Timestamp.Equal(s[j].Timestamp) {
		return s[i].Timestamp.Before(s[j].Timestamp)
	}
	return s[i].IdempotencyKey < s[j].IdempotencyKey
}
