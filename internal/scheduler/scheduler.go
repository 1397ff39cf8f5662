// Package scheduler provides heap-based tick scheduling.
//
// The scheduler uses a min-heap to track when each detector is due. Workers
// execute ticks concurrently and results are sent to a channel for
// processing.
//
// Key features:
//   - O(log n) add/remove/update operations
//   - Jitter on the first tick to prevent thundering herd
//   - Backpressure handling when workers are busy
//   - Per-item execution budget
//   - Graceful shutdown with drain timeout
//
// An item is never queued twice: it leaves the heap while its tick runs and
// is pushed back by MarkComplete. Cross-process exclusion is the engine's
// run-lock, not the scheduler's concern.
package scheduler

import (
	"container/heap"
	"context"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xtxerr/peebot/config"
	"github.com/xtxerr/peebot/internal/logging"
)

var log = logging.Component("scheduler")

// =============================================================================
// Types
// =============================================================================

// Job is a tick to be executed.
type Job struct {
	Key    string
	Budget time.Duration
}

// Result is the outcome of one tick.
type Result struct {
	Key      string
	Start    time.Time
	Duration time.Duration

	// Skipped means the tick found nothing to do, e.g. the run-lock was
	// held elsewhere. It is not a failure.
	Skipped bool
	Err     error
}

// Success reports whether the tick completed without error.
func (r Result) Success() bool {
	return r.Err == nil
}

// Item is an entry in the scheduler heap.
type Item struct {
	Key      string
	NextRun  time.Time
	Interval time.Duration
	Budget   time.Duration
	Running  bool
	deleted  bool
	index    int
}

// =============================================================================
// Heap Implementation
// =============================================================================

// Heap implements heap.Interface for Items.
type Heap []*Item

func (h Heap) Len() int { return len(h) }

func (h Heap) Less(i, j int) bool {
	return h[i].NextRun.Before(h[j].NextRun)
}

func (h Heap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *Heap) Push(x interface{}) {
	n := len(*h)
	item := x.(*Item)
	item.index = n
	*h = append(*h, item)
}

func (h *Heap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[0 : n-1]
	return item
}

// Peek returns the top item without removing it.
func (h Heap) Peek() *Item {
	if len(h) == 0 {
		return nil
	}
	return h[0]
}

// =============================================================================
// Scheduler Configuration
// =============================================================================

// BackpressureDelay is the delay applied when the job queue is full.
const BackpressureDelay = time.Second

// Config holds scheduler configuration.
type Config struct {
	// Workers is the number of concurrent tick workers.
	Workers int

	// QueueSize is the job queue capacity.
	QueueSize int

	// ResultsSize is the results channel capacity.
	ResultsSize int

	// TickInterval is how often the scheduler checks for due items.
	TickInterval time.Duration

	// DrainTimeout is how long to wait for in-flight ticks during shutdown.
	DrainTimeout time.Duration

	// NoJitter schedules the first tick immediately.
	NoJitter bool
}

// DefaultConfig returns default scheduler configuration.
func DefaultConfig() *Config {
	return &Config{
		Workers:      config.DefaultSchedulerWorkers,
		QueueSize:    config.DefaultSchedulerQueueSize,
		ResultsSize:  config.DefaultSchedulerQueueSize,
		TickInterval: config.DefaultSchedulerTickInterval,
		DrainTimeout: config.DefaultDrainTimeout,
	}
}

// TickFunc executes one tick. ctx carries the item's budget.
type TickFunc func(ctx context.Context, key string) Result

// =============================================================================
// Scheduler
// =============================================================================

// Scheduler manages tick scheduling using a min-heap.
//
// Scheduler is safe for concurrent use.
type Scheduler struct {
	mu      sync.Mutex
	heap    Heap
	heapIdx map[string]*Item

	jobs    chan Job
	results chan Result

	tickFunc TickFunc

	ctx      context.Context
	cancel   context.CancelFunc
	shutdown chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	activeWorkers atomic.Int32

	wakeup chan struct{}

	workers      int
	tickInterval time.Duration
	drainTimeout time.Duration
	noJitter     bool

	backpressure atomic.Int64
	ticksQueued  atomic.Int64
	ticksActive  atomic.Int64
}

// New creates a new Scheduler.
func New(cfg *Config) *Scheduler {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = config.DefaultSchedulerTickInterval
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = config.DefaultDrainTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Scheduler{
		heap:         make(Heap, 0),
		heapIdx:      make(map[string]*Item),
		jobs:         make(chan Job, cfg.QueueSize),
		results:      make(chan Result, cfg.ResultsSize),
		ctx:          ctx,
		cancel:       cancel,
		shutdown:     make(chan struct{}),
		wakeup:       make(chan struct{}, 1),
		workers:      cfg.Workers,
		tickInterval: cfg.TickInterval,
		drainTimeout: cfg.DrainTimeout,
		noJitter:     cfg.NoJitter,
	}
}

// SetTickFunc sets the function that executes ticks.
func (s *Scheduler) SetTickFunc(fn TickFunc) {
	s.tickFunc = fn
}

// Results returns the results channel. It is closed by Stop.
func (s *Scheduler) Results() <-chan Result {
	return s.results
}

// =============================================================================
// Lifecycle
// =============================================================================

// Start starts the workers and the schedule loop.
func (s *Scheduler) Start() {
	for i := 0; i < s.workers; i++ {
		s.wg.Add(1)
		go s.worker()
	}

	s.wg.Add(1)
	go s.scheduleLoop()

	log.Info("scheduler started", "workers", s.workers)
}

// Stop stops the scheduler gracefully, waiting for in-flight ticks.
func (s *Scheduler) Stop() {
	s.StopWithContext(context.Background())
}

// StopWithContext stops the scheduler. The drain timeout is a maximum;
// after it, in-flight ticks are cancelled and abandoned. Their run-locks
// expire on their own.
func (s *Scheduler) StopWithContext(ctx context.Context) {
	s.stopOnce.Do(func() {
		log.Info("scheduler stopping")

		close(s.shutdown)

		drainCtx, cancel := context.WithTimeout(ctx, s.drainTimeout)
		defer cancel()

		done := make(chan struct{})
		go func() {
			s.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
			log.Info("scheduler stopped gracefully")
		case <-drainCtx.Done():
			s.cancel()
			log.Warn("scheduler drain timeout", "active_workers", s.activeWorkers.Load())
			<-done
		}
		s.cancel()

		close(s.results)
	})
}

// =============================================================================
// Item Management
// =============================================================================

// Add schedules key every interval. The first tick is jittered across one
// interval unless NoJitter is set.
func (s *Scheduler) Add(key string, interval, budget time.Duration) {
	if interval <= 0 {
		return
	}

	var jitter time.Duration
	if !s.noJitter {
		jitter = time.Duration(rand.Int63n(int64(interval)))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.heapIdx[key]; ok {
		return
	}

	item := &Item{
		Key:      key,
		NextRun:  time.Now().Add(jitter),
		Interval: interval,
		Budget:   budget,
	}

	heap.Push(&s.heap, item)
	s.heapIdx[key] = item
	s.signalWakeup()

	log.Debug("item added", "key", key, "interval", interval)
}

// Remove unschedules key. A running item is marked deleted and dropped by
// MarkComplete.
func (s *Scheduler) Remove(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.heapIdx[key]
	if !ok {
		return
	}

	item.deleted = true

	if !item.Running {
		if item.index >= 0 {
			heap.Remove(&s.heap, item.index)
		}
		delete(s.heapIdx, key)
	}

	log.Debug("item removed", "key", key, "was_running", item.Running)
}

// UpdateInterval changes the interval of key from its next completion on.
func (s *Scheduler) UpdateInterval(key string, interval time.Duration) {
	if interval <= 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.heapIdx[key]
	if !ok {
		return
	}

	item.Interval = interval
	if !item.Running && item.index >= 0 {
		if next := time.Now().Add(interval); next.Before(item.NextRun) {
			item.NextRun = next
			heap.Fix(&s.heap, item.index)
			s.signalWakeup()
		}
	}

	log.Debug("item interval updated", "key", key, "interval", interval)
}

// Trigger makes key due immediately unless it is running.
func (s *Scheduler) Trigger(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.heapIdx[key]
	if !ok || item.deleted || item.Running || item.index < 0 {
		return false
	}
	item.NextRun = time.Now()
	heap.Fix(&s.heap, item.index)
	s.signalWakeup()
	return true
}

// Contains returns true if key is scheduled.
func (s *Scheduler) Contains(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.heapIdx[key]
	return ok && !item.deleted
}

// =============================================================================
// Schedule Loop
// =============================================================================

func (s *Scheduler) scheduleLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.processDueItems()
		case <-s.wakeup:
			s.processDueItems()
		case <-s.shutdown:
			return
		}
	}
}

func (s *Scheduler) processDueItems() {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	for s.heap.Len() > 0 {
		next := s.heap.Peek()
		if next.NextRun.After(now) {
			break
		}

		item := heap.Pop(&s.heap).(*Item)

		if item.deleted {
			delete(s.heapIdx, item.Key)
			continue
		}

		item.Running = true

		select {
		case s.jobs <- Job{Key: item.Key, Budget: item.Budget}:
			s.ticksQueued.Add(1)
		default:
			// Queue full - reschedule with backpressure delay
			item.NextRun = now.Add(BackpressureDelay)
			item.Running = false
			heap.Push(&s.heap, item)
			s.backpressure.Add(1)
		}
	}
}

// MarkComplete reschedules key one interval from now.
func (s *Scheduler) MarkComplete(key string) {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.heapIdx[key]
	if !ok {
		return
	}

	if item.deleted {
		delete(s.heapIdx, key)
		return
	}

	item.NextRun = now.Add(item.Interval)
	item.Running = false

	if item.index < 0 {
		heap.Push(&s.heap, item)
	} else {
		heap.Fix(&s.heap, item.index)
	}

	s.signalWakeup()
}

// =============================================================================
// Worker
// =============================================================================

func (s *Scheduler) worker() {
	defer s.wg.Done()

	for {
		select {
		case job := <-s.jobs:
			result := s.executeWithRecovery(job)

			s.MarkComplete(job.Key)

			select {
			case s.results <- result:
			case <-s.shutdown:
				return
			}

		case <-s.shutdown:
			return
		}
	}
}

// executeWithRecovery runs one tick under its budget and converts a panic
// into an error result.
func (s *Scheduler) executeWithRecovery(job Job) (result Result) {
	s.activeWorkers.Add(1)
	s.ticksActive.Add(1)
	start := time.Now()

	defer func() {
		s.ticksActive.Add(-1)
		s.activeWorkers.Add(-1)

		if r := recover(); r != nil {
			log.Error("panic in tick execution", "key", job.Key, "panic", r)
			result = Result{Key: job.Key, Start: start, Err: fmt.Errorf("panic: %v", r)}
		}
		result.Duration = time.Since(start)
	}()

	ctx := s.ctx
	if job.Budget > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, job.Budget)
		defer cancel()
	}

	if s.tickFunc == nil {
		return Result{Key: job.Key, Start: start, Err: fmt.Errorf("no tick function configured")}
	}

	result = s.tickFunc(ctx, job.Key)
	result.Key = job.Key
	result.Start = start
	return result
}

// =============================================================================
// Utility Methods
// =============================================================================

func (s *Scheduler) signalWakeup() {
	select {
	case s.wakeup <- struct{}{}:
	default:
	}
}

// Stats is a snapshot of scheduler counters.
type Stats struct {
	HeapSize     int
	QueueUsed    int
	Active       int
	Queued       int64
	Backpressure int64
}

// Stats returns scheduler statistics.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	heapSize := s.heap.Len()
	s.mu.Unlock()

	return Stats{
		HeapSize:     heapSize,
		QueueUsed:    len(s.jobs),
		Active:       int(s.ticksActive.Load()),
		Queued:       s.ticksQueued.Load(),
		Backpressure: s.backpressure.Load(),
	}
}

// Scheduled returns all scheduled keys.
func (s *Scheduler) Scheduled() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := make([]string, 0, len(s.heapIdx))
	for key, item := range s.heapIdx {
		if !item.deleted {
			keys = append(keys, key)
		}
	}
	return keys
}

// NextRun returns when key is next due.
func (s *Scheduler) NextRun(key string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.heapIdx[key]
	if !ok || item.deleted {
		return time.Time{}, false
	}
	return item.NextRun, true
}

// ActiveWorkerCount returns the number of currently active workers.
func (s *Scheduler) ActiveWorkerCount() int {
	return int(s.activeWorkers.Load())
}

// Count returns the number of scheduled items.
func (s *Scheduler) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for _, item := range s.heapIdx {
		if !item.deleted {
			count++
		}
	}
	return count
}
