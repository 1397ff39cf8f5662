// Package engine implements the Polling Engine: one independently scheduled
// tick per detector that scans a sliding window and commits events and
// checkpoint together.
//
// A tick moves through Acquiring, Loading, Detecting and Committing. Any
// failure returns to Idle through the release path without advancing the
// checkpoint, so the next tick re-scans the same overlapping window.
package engine

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/xtxerr/peebot/config"
	"github.com/xtxerr/peebot/internal/detector"
	"github.com/xtxerr/peebot/internal/errors"
	"github.com/xtxerr/peebot/internal/logging"
	"github.com/xtxerr/peebot/internal/scheduler"
	"github.com/xtxerr/peebot/internal/state"
	"github.com/xtxerr/peebot/internal/storage/types"
)

var log = logging.Component("engine")

// ReadingSource is the read path of the Reading Store.
type ReadingSource interface {
	QueryWindow(ctx context.Context, channel string, from, to time.Time) ([]types.Reading, error)
}

// StateStore is the checkpoint, event and lease owner.
type StateStore interface {
	EnsureCheckpoint(ctx context.Context, detector string, start time.Time) (*state.Checkpoint, error)
	ListCheckpoints(ctx context.Context) ([]*state.Checkpoint, error)
	RecordFailure(ctx context.Context, detector string, at time.Time, cause error) error
	AcquireLease(ctx context.Context, name, holder string, ttl time.Duration, now time.Time) (state.Lease, error)
	ReleaseLease(ctx context.Context, l state.Lease) error
	Commit(ctx context.Context, lease state.Lease, detector string, events []*state.Event, cp state.CheckpointUpdate) ([]*state.Event, error)
}

// Sink receives events that were newly created by a commit. Duplicates
// absorbed by the event store are never passed on.
type Sink interface {
	Submit(events []*state.Event)
}

// Phase is a step of the tick state machine.
type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseAcquiring  Phase = "acquiring"
	PhaseLoading    Phase = "loading"
	PhaseDetecting  Phase = "detecting"
	PhaseCommitting Phase = "committing"
)

// Config holds engine options.
type Config struct {
	// Holder identifies this process in run-lock leases. Empty generates
	// hostname/uuid.
	Holder string

	// Start is the initial last_processed_at of a detector's first run.
	// Zero means the engine's creation time.
	Start time.Time

	// LeaseGrace is added to a detector's budget to form its lease TTL.
	LeaseGrace time.Duration

	Scheduler *scheduler.Config
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		LeaseGrace: config.DefaultLeaseGrace,
		Scheduler:  scheduler.DefaultConfig(),
	}
}

// TickResult describes one tick.
type TickResult struct {
	Detector string
	Phase    Phase // last phase reached
	Skipped  bool  // run-lock held elsewhere
	From     time.Time
	To       time.Time
	Readings int
	Detected int
	Inserted []*state.Event
	Err      error
}

// Engine runs detectors.
type Engine struct {
	cfg       Config
	readings  ReadingSource
	state     StateStore
	detectors *detector.Registry
	sink      Sink
	sched     *scheduler.Scheduler
	holder    string
	start     time.Time
	now       func() time.Time

	mu      sync.Mutex
	running bool
	done    chan struct{}

	stats Stats
}

// Stats holds engine counters.
type Stats struct {
	Ticks    atomic.Int64
	Skipped  atomic.Int64
	Failures atomic.Int64
	Events   atomic.Int64
}

// New creates an engine. sink may be nil.
func New(cfg Config, readings ReadingSource, st StateStore, detectors *detector.Registry, sink Sink) *Engine {
	if cfg.LeaseGrace <= 0 {
		cfg.LeaseGrace = config.DefaultLeaseGrace
	}
	holder := cfg.Holder
	if holder == "" {
		host, _ := os.Hostname()
		holder = host + "/" + uuid.NewString()
	}
	start := cfg.Start
	if start.IsZero() {
		start = time.Now().UTC()
	}

	e := &Engine{
		cfg:       cfg,
		readings:  readings,
		state:     st,
		detectors: detectors,
		sink:      sink,
		holder:    holder,
		start:     start,
		now:       time.Now,
	}
	e.sched = scheduler.New(cfg.Scheduler)
	e.sched.SetTickFunc(e.scheduledTick)
	return e
}

// SetClock replaces the time source used for windows, leases and
// checkpoints.
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
}

// Holder returns the lease holder id of this engine.
func (e *Engine) Holder() string {
	return e.holder
}

// Start schedules every registered detector on its cadence.
func (e *Engine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.running {
		return errors.ErrAlreadyRunning
	}

	for _, reg := range e.detectors.List() {
		e.sched.Add(reg.Spec.Name, reg.Spec.Cadence, reg.Spec.Budget)
	}

	e.done = make(chan struct{})
	e.sched.Start()
	go e.consumeResults()

	e.running = true
	log.Info("engine started", "holder", e.holder, "detectors", e.sched.Count())
	return nil
}

// Stop stops scheduling and waits for in-flight ticks up to the drain
// timeout.
func (e *Engine) Stop(ctx context.Context) {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	e.mu.Unlock()

	e.sched.StopWithContext(ctx)
	<-e.done
	log.Info("engine stopped")
}

// Trigger runs a detector's tick as soon as a worker is free.
func (e *Engine) Trigger(name string) error {
	if _, err := e.detectors.Get(name); err != nil {
		return err
	}
	if !e.sched.Trigger(name) {
		return fmt.Errorf("%s: tick already running or not scheduled", name)
	}
	return nil
}

func (e *Engine) scheduledTick(ctx context.Context, name string) scheduler.Result {
	res := e.Tick(ctx, name)
	return scheduler.Result{Skipped: res.Skipped, Err: res.Err}
}

func (e *Engine) consumeResults() {
	defer close(e.done)
	for res := range e.sched.Results() {
		switch {
		case res.Skipped:
			log.Debug("tick skipped", "detector", res.Key)
		case res.Err != nil:
			log.Warn("tick failed", "detector", res.Key, "duration", res.Duration, "error", res.Err)
		default:
			log.Debug("tick done", "detector", res.Key, "duration", res.Duration)
		}
	}
}

// Tick runs one tick of the named detector. A held run-lock yields a
// skipped result with no error.
func (e *Engine) Tick(ctx context.Context, name string) TickResult {
	res := TickResult{Detector: name, Phase: PhaseIdle}
	e.stats.Ticks.Add(1)

	reg, err := e.detectors.Get(name)
	if err != nil {
		res.Err = err
		e.stats.Failures.Add(1)
		return res
	}
	spec := reg.Spec

	// Acquiring
	res.Phase = PhaseAcquiring
	lease, err := e.state.AcquireLease(ctx, leaseName(name), e.holder, spec.Budget+e.cfg.LeaseGrace, e.now())
	if errors.Is(err, errors.ErrLockHeld) {
		res.Skipped = true
		e.stats.Skipped.Add(1)
		return res
	}
	if err != nil {
		res.Err = err
		e.stats.Failures.Add(1)
		return res
	}
	defer e.release(ctx, lease)

	tickCtx, cancel := context.WithTimeout(ctx, spec.Budget)
	defer cancel()

	if err := e.run(tickCtx, reg, lease, &res); err != nil {
		res.Err = err
		e.stats.Failures.Add(1)
		e.recordFailure(ctx, name, err)
		return res
	}

	res.Phase = PhaseIdle
	e.stats.Events.Add(int64(len(res.Inserted)))
	if len(res.Inserted) > 0 {
		log.Info("events detected", "detector", name, "channel", spec.Channel, "inserted", len(res.Inserted), "detected", res.Detected)
		if e.sink != nil {
			e.sink.Submit(res.Inserted)
		}
	}
	return res
}

func (e *Engine) run(ctx context.Context, reg *detector.Registered, lease state.Lease, res *TickResult) error {
	spec := reg.Spec
	det := reg.Detector

	// Loading
	res.Phase = PhaseLoading
	cp, err := e.state.EnsureCheckpoint(ctx, spec.Name, e.start)
	if err != nil {
		return err
	}

	to := e.now().UTC()
	from := cp.LastProcessedAt.Add(-det.Lookback())
	res.From, res.To = from, to

	readings, err := e.readings.QueryWindow(ctx, spec.Channel, from, to)
	if err != nil {
		return fmt.Errorf("load window: %w", err)
	}
	res.Readings = len(readings)

	// Detecting
	res.Phase = PhaseDetecting
	candidates, next, err := detect(det, detector.Window{Channel: spec.Channel, From: from, To: to, Readings: readings}, cp.State)
	if err != nil {
		return err
	}
	res.Detected = len(candidates)

	events := make([]*state.Event, 0, len(candidates))
	for _, c := range candidates {
		typ := c.Type
		if typ == "" {
			typ = spec.EventType
		}
		events = append(events, &state.Event{
			Type:          typ,
			Channel:       spec.Channel,
			OccurrenceKey: c.OccurrenceKey,
			DetectedAt:    c.DetectedAt,
			Confidence:    c.Confidence,
			Metadata:      c.Metadata,
		})
	}

	// Committing
	res.Phase = PhaseCommitting
	inserted, err := e.state.Commit(ctx, lease, spec.Name, events, state.CheckpointUpdate{
		LastProcessedAt: to,
		RunAt:           e.now().UTC(),
		State:           next,
	})
	if err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	res.Inserted = inserted
	return nil
}

// detect invokes the detector, converting errors and panics into
// detector failures.
func detect(d detector.Detector, w detector.Window, prior []byte) (candidates []detector.Candidate, next []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s: panic: %v: %w", d.Name(), r, errors.ErrDetector)
		}
	}()

	candidates, next, err = d.Detect(w, prior)
	if err != nil {
		return nil, nil, errors.Mark(fmt.Errorf("%s: %w", d.Name(), err), errors.ErrDetector)
	}
	for _, c := range candidates {
		if c.OccurrenceKey == "" {
			return nil, nil, fmt.Errorf("%s: candidate without occurrence key: %w", d.Name(), errors.ErrDetector)
		}
		if c.Confidence < 0 || c.Confidence > 1 {
			return nil, nil, fmt.Errorf("%s: confidence %v outside [0,1]: %w", d.Name(), c.Confidence, errors.ErrDetector)
		}
	}
	return candidates, next, nil
}

func (e *Engine) release(ctx context.Context, lease state.Lease) {
	if err := e.state.ReleaseLease(context.WithoutCancel(ctx), lease); err != nil {
		// The lease expires on its own.
		log.Warn("release lease failed", "lease", lease.Name, "error", err)
	}
}

func (e *Engine) recordFailure(ctx context.Context, name string, cause error) {
	log.Warn("tick aborted", "detector", name, "error", cause)
	if err := e.state.RecordFailure(context.WithoutCancel(ctx), name, e.now().UTC(), cause); err != nil {
		log.Error("record failure", "detector", name, "error", err)
	}
}

func leaseName(detector string) string {
	return "detector/" + detector
}
