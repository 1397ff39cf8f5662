// Package aggregate computes streaming window statistics with DDSketch
// percentiles.
package aggregate

import (
	"math"
	"sync"
	"time"

	"github.com/DataDog/sketches-go/ddsketch"

	"github.com/xtxerr/peebot/internal/storage/types"
)

// DefaultAccuracy is the relative accuracy of percentile estimates.
const DefaultAccuracy = 0.01

// StreamingAggregate maintains running statistics for one channel window.
type StreamingAggregate struct {
	mu sync.Mutex

	channel  string
	from     time.Time
	to       time.Time
	accuracy float64

	count   int64
	sum     float64
	min     float64
	max     float64
	firstTs time.Time
	lastTs  time.Time

	// nil if the sketch could not be created
	sketch *ddsketch.DDSketch
}

// New creates a StreamingAggregate for channel over [from, to].
func New(channel string, from, to time.Time, accuracy float64) *StreamingAggregate {
	if accuracy <= 0 || accuracy >= 1 {
		accuracy = DefaultAccuracy
	}
	agg := &StreamingAggregate{
		channel:  channel,
		from:     from,
		to:       to,
		accuracy: accuracy,
		min:      math.MaxFloat64,
		max:      -math.MaxFloat64,
	}
	if sketch, err := ddsketch.NewDefaultDDSketch(accuracy); err == nil {
		agg.sketch = sketch
	}
	return agg
}

// Add adds a value observed at ts.
func (a *StreamingAggregate) Add(value float64, ts time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.count++
	a.sum += value

	if value < a.min {
		a.min = value
	}
	if value > a.max {
		a.max = value
	}

	if a.firstTs.IsZero() || ts.Before(a.firstTs) {
		a.firstTs = ts
	}
	if ts.After(a.lastTs) {
		a.lastTs = ts
	}

	if a.sketch != nil {
		a.sketch.Add(value)
	}
}

// AddReading adds the effective (calibrated when available) value of r.
func (a *StreamingAggregate) AddReading(r types.Reading) {
	a.Add(r.Effective(), r.Timestamp)
}

// Count returns the number of values added.
func (a *StreamingAggregate) Count() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.count
}

// Span returns the first and last timestamps seen.
func (a *StreamingAggregate) Span() (first, last time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.firstTs, a.lastTs
}

// Result returns the window summary.
func (a *StreamingAggregate) Result() types.Summary {
	a.mu.Lock()
	defer a.mu.Unlock()

	s := types.Summary{
		Channel: a.channel,
		From:    a.from,
		To:      a.to,
		Count:   a.count,
		Sum:     a.sum,
	}
	if a.count == 0 {
		return s
	}

	s.Min = a.min
	s.Max = a.max

	if a.sketch != nil {
		s.P50, _ = a.sketch.GetValueAtQuantile(0.50)
		s.P90, _ = a.sketch.GetValueAtQuantile(0.90)
		s.P99, _ = a.sketch.GetValueAtQuantile(0.99)
	}
	return s
}

// Merge combines another aggregate into this one.
func (a *StreamingAggregate) Merge(other *StreamingAggregate) {
	if other == nil || other == a {
		return
	}

	a.mu.Lock()
	other.mu.Lock()
	defer a.mu.Unlock()
	defer other.mu.Unlock()

	if other.count == 0 {
		return
	}

	a.count += other.count
	a.sum += other.sum

	if other.min < a.min {
		a.min = other.min
	}
	if other.max > a.max {
		a.max = other.max
	}
	if a.firstTs.IsZero() || (!other.firstTs.IsZero() && other.firstTs.Before(a.firstTs)) {
		a.firstTs = other.firstTs
	}
	if other.lastTs.After(a.lastTs) {
		a.lastTs = other.lastTs
	}

	if a.sketch != nil && other.sketch != nil {
		a.sketch.MergeWith(other.sketch)
	}
}

// Quantiles is a concurrency-safe DDSketch for a single metric, such as
// ingestion lag in seconds.
type Quantiles struct {
	mu       sync.Mutex
	accuracy float64
	sketch   *ddsketch.DDSketch
	count    int64
}

// NewQuantiles creates an empty Quantiles.
func NewQuantiles(accuracy float64) *Quantiles {
	if accuracy <= 0 || accuracy >= 1 {
		accuracy = DefaultAccuracy
	}
	q := &Quantiles{accuracy: accuracy}
	q.sketch, _ = ddsketch.NewDefaultDDSketch(accuracy)
	return q
}

// Add records one observation.
func (q *Quantiles) Add(v float64) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.sketch == nil {
		return
	}
	if err := q.sketch.Add(v); err == nil {
		q.count++
	}
}

// Quantile returns the estimated value at quantile p, or zero when empty.
func (q *Quantiles) Quantile(p float64) float64 {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.sketch == nil || q.count == 0 {
		return 0
	}
	v, err := q.sketch.GetValueAtQuantile(p)
	if err != nil {
		return 0
	}
	return v
}

// Count returns the number of observations.
func (q *Quantiles) Count() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

// Reset discards all observations.
func (q *Quantiles) Reset() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.sketch, _ = ddsketch.NewDefaultDDSketch(q.accuracy)
	q.count = 0
}
