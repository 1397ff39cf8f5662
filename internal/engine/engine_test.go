package engine

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/xtxerr/peebot/internal/detector"
	"github.com/xtxerr/peebot/internal/detector/trend"
	"github.com/xtxerr/peebot/internal/errors"
	"github.com/xtxerr/peebot/internal/state"
	"github.com/xtxerr/peebot/internal/storage/types"
)

var t0 = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

type memReadings struct {
	mu   sync.Mutex
	rows []types.Reading
}

func (m *memReadings) add(channel string, ts time.Time, v float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows = append(m.rows, types.Reading{Channel: channel, Timestamp: ts, Value: v, IdempotencyKey: types.DeriveKey(channel, ts, v)})
}

func (m *memReadings) QueryWindow(_ context.Context, channel string, from, to time.Time) ([]types.Reading, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []types.Reading
	for _, r := range m.rows {
		if r.Channel == channel && !r.Timestamp.Before(from) && !r.Timestamp.After(to) {
			out = append(out, r)
		}
	}
	sort.Stable(types.ByTimestamp(out))
	return out, nil
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type collectSink struct {
	mu     sync.Mutex
	events []*state.Event
}

func (s *collectSink) Submit(events []*state.Event) {
	s.mu.Lock()
	s.events = append(s.events, events...)
	s.mu.Unlock()
}

func (s *collectSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

type stubDetector struct {
	name   string
	detect func(detector.Window, []byte) ([]detector.Candidate, []byte, error)
}

func (d *stubDetector) Name() string { return d.name }
func (d *stubDetector) Lookback() time.Duration { return 10 * time.Minute }
func (d *stubDetector) Cooldown() time.Duration { return 30 * time.Minute }
func (d *stubDetector) Detect(w detector.Window, prior []byte) ([]detector.Candidate, []byte, error) {
	return d.detect(w, prior)
}

func stubKind(fn func(detector.Window, []byte) ([]detector.Candidate, []byte, error)) detector.Factory {
	return func(spec detector.Spec) (detector.Detector, error) {
		return &stubDetector{name: spec.Name, detect: fn}, nil
	}
}

func fixedCandidate(key string) func(detector.Window, []byte) ([]detector.Candidate, []byte, error) {
	return func(w detector.Window, _ []byte) ([]detector.Candidate, []byte, error) {
		return []detector.Candidate{{OccurrenceKey: key, DetectedAt: w.To, Confidence: 0.5}}, nil, nil
	}
}

func newStateStore(t *testing.T) *state.Store {
	t.Helper()
	cfg := state.DefaultConfig()
	cfg.Path = filepath.Join(t.TempDir(), "state.db")
	st, err := state.Open(cfg)
	if err != nil {
		t.Fatalf("state.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

type fixture struct {
	engine    *Engine
	state     *state.Store
	readings  *memReadings
	clock     *clock
	sink      *collectSink
	detectors *detector.Registry
}

func newFixture(t *testing.T, st StateStore, specs ...detector.Spec) *fixture {
	t.Helper()

	reg := detector.NewRegistry()
	reg.RegisterKind(trend.Kind, trend.New)
	reg.RegisterKind("fixed", stubKind(fixedCandidate("bucket-1")))
	reg.RegisterKind("failing", stubKind(func(detector.Window, []byte) ([]detector.Candidate, []byte, error) {
		return nil, nil, fmt.Errorf("model diverged")
	}))
	reg.RegisterKind("panicking", stubKind(func(detector.Window, []byte) ([]detector.Candidate, []byte, error) {
		panic("nil map")
	}))
	for _, s := range specs {
		if _, err := reg.Build(s); err != nil {
			t.Fatalf("Build: %v", err)
		}
	}

	f := &fixture{
		readings:  &memReadings{},
		clock:     &clock{now: t0.Add(5 * time.Minute)},
		sink:      &collectSink{},
		detectors: reg,
	}
	if s, ok := st.(*state.Store); ok {
		f.state = s
	}

	cfg := DefaultConfig()
	cfg.Holder = "test"
	cfg.Start = t0
	f.engine = New(cfg, f.readings, st, reg, f.sink)
	f.engine.SetClock(f.clock.Now)
	return f
}

func trendSpec() detector.Spec {
	return detector.Spec{
		Name:       "tank-trend",
		Kind:       trend.Kind,
		Channel:    "NODE3000004",
		Cadence:    30 * time.Second,
		Lookback:   10 * time.Minute,
		Cooldown:   30 * time.Minute,
		MinSamples: 3,
		Threshold:  10,
	}
}

func TestTickScenario(t *testing.T) {
	st := newStateStore(t)
	f := newFixture(t, st, trendSpec())
	ctx := context.Background()

	f.readings.add("NODE3000004", t0, 12)
	f.readings.add("NODE3000004", t0.Add(2*time.Minute), 25)
	f.readings.add("NODE3000004", t0.Add(4*time.Minute), 40)

	res := f.engine.Tick(ctx, "tank-trend")
	if res.Err != nil {
		t.Fatalf("tick: %v", res.Err)
	}
	if len(res.Inserted) != 1 || res.Readings != 3 {
		t.Fatalf("inserted %d from %d readings, want 1 from 3", len(res.Inserted), res.Readings)
	}
	ev := res.Inserted[0]
	if ev.Type != "urination" || ev.Confidence <= 0 || ev.ID == "" {
		t.Errorf("event = %+v", ev)
	}
	if !res.From.Equal(t0.Add(-10 * time.Minute)) {
		t.Errorf("window starts at %v, want checkpoint minus lookback", res.From)
	}

	// Second tick 30s later over an overlapping window.
	f.clock.Advance(30 * time.Second)
	res = f.engine.Tick(ctx, "tank-trend")
	if res.Err != nil {
		t.Fatalf("second tick: %v", res.Err)
	}
	if len(res.Inserted) != 0 {
		t.Errorf("second tick inserted %d, want 0", len(res.Inserted))
	}

	if n, _ := st.CountEvents(ctx); n != 1 {
		t.Errorf("events = %d, want 1", n)
	}
	if f.sink.count() != 1 {
		t.Errorf("sink received %d events, want 1", f.sink.count())
	}

	cp, _ := st.GetCheckpoint(ctx, "tank-trend")
	if !cp.LastProcessedAt.Equal(t0.Add(5*time.Minute + 30*time.Second)) {
		t.Errorf("LastProcessedAt = %v", cp.LastProcessedAt)
	}
}

func TestTickOverlappingWindowsOneEvent(t *testing.T) {
	st := newStateStore(t)
	f := newFixture(t, st, detector.Spec{Name: "fixed", Kind: "fixed", Channel: "NODE1"})
	ctx := context.Background()

	// The detector ignores its state, so only the occurrence key guards.
	total := 0
	for i := 0; i < 5; i++ {
		res := f.engine.Tick(ctx, "fixed")
		if res.Err != nil {
			t.Fatalf("tick %d: %v", i, res.Err)
		}
		total += len(res.Inserted)
		f.clock.Advance(30 * time.Second)
	}

	if total != 1 {
		t.Errorf("inserted %d events over 5 ticks, want 1", total)
	}
	if n, _ := st.CountEvents(ctx); n != 1 {
		t.Errorf("stored events = %d, want 1", n)
	}
}

type failingCommit struct {
	*state.Store
	fail atomic.Bool
}

func (f *failingCommit) Commit(ctx context.Context, l state.Lease, d string, events []*state.Event, cp state.CheckpointUpdate) ([]*state.Event, error) {
	if f.fail.Load() {
		return nil, fmt.Errorf("disk I/O: %w", errors.ErrStoreUnavailable)
	}
	return f.Store.Commit(ctx, l, d, events, cp)
}

func TestTickPersistenceFailureKeepsCheckpoint(t *testing.T) {
	st := newStateStore(t)
	fc := &failingCommit{Store: st}
	fc.fail.Store(true)

	f := newFixture(t, fc, detector.Spec{Name: "fixed", Kind: "fixed", Channel: "NODE1"})
	ctx := context.Background()

	res := f.engine.Tick(ctx, "fixed")
	if !errors.IsTransient(res.Err) {
		t.Fatalf("tick err = %v, want transient", res.Err)
	}
	if res.Phase != PhaseCommitting {
		t.Errorf("failed in phase %s, want committing", res.Phase)
	}

	cp, _ := st.GetCheckpoint(ctx, "fixed")
	if !cp.LastProcessedAt.Equal(t0) {
		t.Errorf("LastProcessedAt = %v, want unchanged %v", cp.LastProcessedAt, t0)
	}
	if cp.ConsecutiveFailures != 1 || cp.LastError == "" {
		t.Errorf("failure not recorded: %+v", cp)
	}
	if f.sink.count() != 0 {
		t.Error("sink received events from a failed commit")
	}

	// Lock was released: the retry runs at once and commits the event.
	fc.fail.Store(false)
	res = f.engine.Tick(ctx, "fixed")
	if res.Err != nil || res.Skipped {
		t.Fatalf("retry tick: skipped=%v err=%v", res.Skipped, res.Err)
	}
	if len(res.Inserted) != 1 {
		t.Errorf("retry inserted %d, want 1", len(res.Inserted))
	}
	cp, _ = st.GetCheckpoint(ctx, "fixed")
	if cp.ConsecutiveFailures != 0 || !cp.LastProcessedAt.Equal(f.clock.Now()) {
		t.Errorf("checkpoint after retry = %+v", cp)
	}
}

func TestTickDetectorFailure(t *testing.T) {
	tests := []struct {
		name string
		kind string
	}{
		{"error", "failing"},
		{"panic", "panicking"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := newStateStore(t)
			f := newFixture(t, st, detector.Spec{Name: "d", Kind: tt.kind, Channel: "NODE1"})
			ctx := context.Background()

			res := f.engine.Tick(ctx, "d")
			if !errors.IsDetector(res.Err) {
				t.Fatalf("err = %v, want detector failure", res.Err)
			}
			if res.Phase != PhaseDetecting {
				t.Errorf("phase = %s", res.Phase)
			}

			cp, _ := st.GetCheckpoint(ctx, "d")
			if !cp.LastProcessedAt.Equal(t0) || cp.ConsecutiveFailures != 1 {
				t.Errorf("checkpoint = %+v", cp)
			}
		})
	}
}

func TestTickSkipsHeldLock(t *testing.T) {
	st := newStateStore(t)
	f := newFixture(t, st, detector.Spec{Name: "fixed", Kind: "fixed", Channel: "NODE1"})
	ctx := context.Background()

	if _, err := st.AcquireLease(ctx, leaseName("fixed"), "other-process", time.Hour, f.clock.Now()); err != nil {
		t.Fatal(err)
	}

	res := f.engine.Tick(ctx, "fixed")
	if !res.Skipped || res.Err != nil {
		t.Fatalf("skipped=%v err=%v, want skipped without error", res.Skipped, res.Err)
	}
	if n, _ := st.CountEvents(ctx); n != 0 {
		t.Errorf("events = %d", n)
	}
	if f.engine.Stats().Skipped != 1 {
		t.Errorf("stats = %+v", f.engine.Stats())
	}

	// A crashed holder's lease is reclaimed after it expires.
	f.clock.Advance(2 * time.Hour)
	if res := f.engine.Tick(ctx, "fixed"); res.Skipped || res.Err != nil {
		t.Errorf("after expiry: skipped=%v err=%v", res.Skipped, res.Err)
	}
}

func TestTickUnknownDetector(t *testing.T) {
	f := newFixture(t, newStateStore(t))
	if res := f.engine.Tick(context.Background(), "missing"); !errors.IsNotFound(res.Err) {
		t.Errorf("err = %v, want not found", res.Err)
	}
}

func TestConcurrentTicksMutualExclusion(t *testing.T) {
	st := newStateStore(t)

	var active, maxActive, ran atomic.Int32
	slow := func(w detector.Window, _ []byte) ([]detector.Candidate, []byte, error) {
		n := active.Add(1)
		for {
			m := maxActive.Load()
			if n <= m || maxActive.CompareAndSwap(m, n) {
				break
			}
		}
		time.Sleep(50 * time.Millisecond)
		active.Add(-1)
		ran.Add(1)
		return nil, nil, nil
	}

	// Two engines with distinct holders share one state store, as two
	// processes would.
	engines := make([]*Engine, 2)
	for i := range engines {
		reg := detector.NewRegistry()
		reg.RegisterKind("slow", stubKind(slow))
		if _, err := reg.Build(detector.Spec{Name: "shared", Kind: "slow", Channel: "NODE1"}); err != nil {
			t.Fatal(err)
		}
		cfg := DefaultConfig()
		cfg.Holder = fmt.Sprintf("proc-%d", i)
		cfg.Start = t0
		engines[i] = New(cfg, &memReadings{}, st, reg, nil)
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(e *Engine) {
			defer wg.Done()
			if res := e.Tick(context.Background(), "shared"); res.Err != nil {
				t.Errorf("tick: %v", res.Err)
			}
		}(engines[i%2])
	}
	wg.Wait()

	if maxActive.Load() != 1 {
		t.Errorf("max concurrent executions = %d, want 1", maxActive.Load())
	}
	if ran.Load() < 1 {
		t.Error("no tick ran")
	}
}

func TestStatus(t *testing.T) {
	st := newStateStore(t)
	f := newFixture(t, st,
		detector.Spec{Name: "fixed", Kind: "fixed", Channel: "NODE1", Cadence: time.Minute, Lookback: 10 * time.Minute},
		detector.Spec{Name: "never", Kind: "fixed", Channel: "NODE2", Cadence: time.Minute, Lookback: 10 * time.Minute},
	)
	ctx := context.Background()

	f.engine.Tick(ctx, "fixed")

	status, err := f.engine.Status(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(status) != 2 {
		t.Fatalf("status has %d entries", len(status))
	}
	if status[0].Name != "fixed" || status[0].Stale || status[0].LastSuccessAt.IsZero() {
		t.Errorf("fixed = %+v", status[0])
	}
	// Engine started at t0, clock is at t0+5m: more than three cadences.
	if status[1].Name != "never" || !status[1].Stale {
		t.Errorf("never = %+v", status[1])
	}
}

func TestStartStop(t *testing.T) {
	st := newStateStore(t)
	f := newFixture(t, st, detector.Spec{Name: "fixed", Kind: "fixed", Channel: "NODE1", Cadence: 20 * time.Millisecond, Lookback: time.Minute})
	f.engine.SetClock(time.Now)

	if err := f.engine.Start(); err != nil {
		t.Fatal(err)
	}
	if err := f.engine.Start(); !errors.Is(err, errors.ErrAlreadyRunning) {
		t.Errorf("second Start = %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for f.sink.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	f.engine.Stop(context.Background())

	if f.sink.count() != 1 {
		t.Errorf("sink received %d events, want 1", f.sink.count())
	}
	if f.engine.Stats().Ticks == 0 {
		t.Error("no ticks recorded")
	}
}
