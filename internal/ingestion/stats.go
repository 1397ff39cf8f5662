package ingestion

import (
	"sync"
	"sync/atomic"

	"github.com/xtxerr/peebot/internal/storage/aggregate"
)

// Stats holds ingestion counters consumed by external observability.
type Stats struct {
	received   atomic.Int64
	accepted   atomic.Int64
	duplicates atomic.Int64
	failed     atomic.Int64
	retries    atomic.Int64

	mu       sync.Mutex
	rejected map[string]int64

	// lag is source-to-server delay in seconds
	lag *aggregate.Quantiles
}

func newStats() *Stats {
	return &Stats{
		rejected: make(map[string]int64),
		lag:      aggregate.NewQuantiles(aggregate.DefaultAccuracy),
	}
}

func (s *Stats) reject(reason string) {
	s.mu.Lock()
	s.rejected[reason]++
	s.mu.Unlock()
}

// StatsSnapshot is a point-in-time copy of the counters.
type StatsSnapshot struct {
	Received   int64
	Accepted   int64
	Duplicates int64
	Rejected   int64
	Failed     int64
	Retries    int64

	RejectedByReason map[string]int64

	LagP50 float64
	LagP90 float64
	LagP99 float64
}

func (s *Stats) snapshot() StatsSnapshot {
	snap := StatsSnapshot{
		Received:         s.received.Load(),
		Accepted:         s.accepted.Load(),
		Duplicates:       s.duplicates.Load(),
		Failed:           s.failed.Load(),
		Retries:          s.retries.Load(),
		RejectedByReason: make(map[string]int64),
		LagP50:           s.lag.Quantile(0.50),
		LagP90:           s.lag.Quantile(0.90),
		LagP99:           s.lag.Quantile(0.99),
	}

	s.mu.Lock()
	for reason, n := range s.rejected {
		snap.RejectedByReason[reason] = n
		snap.Rejected += n
	}
	s.mu.Unlock()

	return snap
}
