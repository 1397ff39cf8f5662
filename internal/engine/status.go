package engine

import (
	"context"
	"time"
)

// staleFactor is how many cadences may pass without a run attempt before a
// detector is reported stale.
const staleFactor = 3

// DetectorStatus is the health view of one detector.
type DetectorStatus struct {
	Name    string
	Channel string
	Cadence time.Duration

	LastProcessedAt     time.Time
	LastRunAt           time.Time
	LastSuccessAt       time.Time
	ConsecutiveFailures int
	LastError           string

	NextRun time.Time

	// Stale is set when no tick was attempted within three cadences.
	Stale bool
}

// Status reports every registered detector, merged with its checkpoint.
// A detector that never ran has zero times and is stale once three
// cadences have passed since the engine started.
func (e *Engine) Status(ctx context.Context) ([]DetectorStatus, error) {
	cps, err := e.state.ListCheckpoints(ctx)
	if err != nil {
		return nil, err
	}
	byName := make(map[string]int, len(cps))
	for i, cp := range cps {
		byName[cp.Detector] = i
	}

	now := e.now()
	var out []DetectorStatus
	for _, reg := range e.detectors.List() {
		st := DetectorStatus{
			Name:    reg.Spec.Name,
			Channel: reg.Spec.Channel,
			Cadence: reg.Spec.Cadence,
		}
		if i, ok := byName[reg.Spec.Name]; ok {
			cp := cps[i]
			st.LastProcessedAt = cp.LastProcessedAt
			st.LastRunAt = cp.LastRunAt
			st.LastSuccessAt = cp.LastSuccessAt
			st.ConsecutiveFailures = cp.ConsecutiveFailures
			st.LastError = cp.LastError
		}
		st.NextRun, _ = e.sched.NextRun(reg.Spec.Name)

		last := st.LastRunAt
		if last.IsZero() {
			last = e.start
		}
		st.Stale = now.Sub(last) > staleFactor*reg.Spec.Cadence

		out = append(out, st)
	}
	return out, nil
}

// StatsSnapshot is a point-in-time copy of the engine counters.
type StatsSnapshot struct {
	Ticks    int64
	Skipped  int64
	Failures int64
	Events   int64
}

// Stats returns the engine counters.
func (e *Engine) Stats() StatsSnapshot {
	return StatsSnapshot{
		Ticks:    e.stats.Ticks.Load(),
		Skipped:  e.stats.Skipped.Load(),
		Failures: e.stats.Failures.Load(),
		Events:   e.stats.Events.Load(),
	}
}
