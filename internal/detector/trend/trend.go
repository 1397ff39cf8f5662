// Package trend implements the tank-level trend detector: a sustained
// monotonic rise of the calibrated value across at least K consecutive
// samples whose total exceeds a threshold.
package trend

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/xtxerr/peebot/internal/detector"
	"github.com/xtxerr/peebot/internal/errors"
	"github.com/xtxerr/peebot/internal/storage/types"
)

// Kind is the registry kind of this detector.
const Kind = "trend"

// State is the continuation blob. LastFired is the occurrence bucket of the
// most recent emitted event.
type State struct {
	LastFired time.Time `json:"last_fired,omitempty"`
}

// Detector is the trend detector.
type Detector struct {
	name       string
	eventType  string
	minSamples int
	threshold  float64
	lookback   time.Duration
	cooldown   time.Duration
}

// New builds a trend detector. It satisfies detector.Factory.
func New(spec detector.Spec) (detector.Detector, error) {
	spec = spec.WithDefaults()
	if spec.MinSamples < 2 {
		return nil, fmt.Errorf("min_samples must be at least 2: %w", errors.ErrInvalidConfig)
	}
	if spec.Threshold <= 0 {
		return nil, fmt.Errorf("threshold must be positive: %w", errors.ErrInvalidConfig)
	}
	return &Detector{
		name:       spec.Name,
		eventType:  spec.EventType,
		minSamples: spec.MinSamples,
		threshold:  spec.Threshold,
		lookback:   spec.Lookback,
		cooldown:   spec.Cooldown,
	}, nil
}

func (d *Detector) Name() string { return d.name }
func (d *Detector) Lookback() time.Duration { return d.lookback }
func (d *Detector) Cooldown() time.Duration { return d.cooldown }

// Detect scans w for rises. A corrupt prior state is treated as empty; the
// event store's occurrence key still guards against re-emission.
func (d *Detector) Detect(w detector.Window, prior []byte) ([]detector.Candidate, []byte, error) {
	st := decodeState(prior)

	var (
		out      []detector.Candidate
		runStart int
	)

	for i := 1; i < len(w.Readings); i++ {
		if level(w.Readings[i]) <= level(w.Readings[i-1]) {
			runStart = i
			continue
		}

		samples := i - runStart + 1
		rise := level(w.Readings[i]) - level(w.Readings[runStart])
		if samples < d.minSamples || rise <= d.threshold {
			continue
		}

		at := w.Readings[i].Timestamp.UTC()
		bucket := Bucket(at, d.cooldown)

		// The run is consumed either way so a continuing rise does not
		// fire again on the next sample.
		first := w.Readings[runStart]
		runStart = i

		if !st.LastFired.IsZero() && bucket.Before(st.LastFired.Add(d.cooldown)) {
			continue
		}

		out = append(out, detector.Candidate{
			Type:          d.eventType,
			OccurrenceKey: OccurrenceKey(bucket),
			DetectedAt:    at,
			Confidence:    rise / (rise + d.threshold),
			Metadata: map[string]string{
				"rise":       strconv.FormatFloat(rise, 'f', -1, 64),
				"samples":    strconv.Itoa(samples),
				"started_at": first.Timestamp.UTC().Format(time.RFC3339),
			},
		})
		st.LastFired = bucket
	}

	next, err := json.Marshal(st)
	if err != nil {
		return nil, nil, fmt.Errorf("encode state: %w", err)
	}
	return out, next, nil
}

// Bucket truncates t to the cooldown interval.
func Bucket(t time.Time, cooldown time.Duration) time.Time {
	if cooldown <= 0 {
		return t.UTC()
	}
	return t.UTC().Truncate(cooldown)
}

// OccurrenceKey formats a bucket as an occurrence key.
func OccurrenceKey(bucket time.Time) string {
	return bucket.UTC().Format(time.RFC3339)
}

func level(r types.Reading) float64 {
	if r.Calibrated != nil {
		return *r.Calibrated
	}
	return r.Value
}

func decodeState(b []byte) State {
	var st State
	if len(b) == 0 {
		return st
	}
	if err := json.Unmarshal(b, &st); err != nil {
		return State{}
	}
	return st
}
