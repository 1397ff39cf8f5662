// Package dispatcher posts one action per newly detected event and records
// the outcome on the event row.
//
// Dispatch is idempotent: the event is re-read before posting, and an event
// that already carries an action id is left alone. Failed posts are retried
// with exponential backoff; when the limit is reached the event stays in the
// store un-actioned and the periodic sweep picks it up again later.
package dispatcher

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"text/template"
	"time"

	"github.com/xtxerr/peebot/config"
	"github.com/xtxerr/peebot/internal/action"
	"github.com/xtxerr/peebot/internal/constants"
	"github.com/xtxerr/peebot/internal/errors"
	"github.com/xtxerr/peebot/internal/logging"
	"github.com/xtxerr/peebot/internal/state"
)

var log = logging.Component("dispatcher")

// Store is the part of the Event Store the dispatcher mutates.
type Store interface {
	GetEvent(ctx context.Context, id string) (*state.Event, error)
	LastPosted(ctx context.Context, eventType, channel string) (time.Time, bool, error)
	RecordActionResult(ctx context.Context, id, actionID string, postedAt time.Time) error
	RecordActionFailure(ctx context.Context, id string, cause error) error
	MarkSuppressed(ctx context.Context, id, reason string) error
	PendingActions(ctx context.Context, olderThan time.Time, maxAttempts, limit int) ([]*state.Event, error)
}

// Config holds dispatcher options.
type Config struct {
	// MaxAttempts is the number of posts tried by one Dispatch call.
	MaxAttempts int

	// Backoff is the delay after the first failure; it doubles per attempt.
	Backoff time.Duration

	// Timeout bounds one outbound post.
	Timeout time.Duration

	// Cooldown allows at most one posted action per (event type, channel)
	// within the window. Zero disables it.
	Cooldown time.Duration

	// Template renders the message from the event.
	Template string

	// SweepInterval is how often RetryPending runs. Zero disables the sweep.
	SweepInterval time.Duration

	// MaxTotalAttempts caps attempts recorded on one event across sweeps.
	MaxTotalAttempts int

	// QueueSize bounds events waiting for dispatch.
	QueueSize int
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:      config.DefaultDispatchAttempts,
		Backoff:          config.DefaultDispatchBackoff,
		Timeout:          config.DefaultDispatchTimeout,
		Cooldown:         config.DefaultDispatchCooldown,
		Template:         config.DefaultMessageTemplate,
		SweepInterval:    config.DefaultSweepInterval,
		MaxTotalAttempts: config.DefaultMaxTotalAttempts,
		QueueSize:        256,
	}
}

// Outcome is the result of one Dispatch call.
type Outcome struct {
	EventID  string
	Status   string
	ActionID string
	Attempts int
	Err      error
}

// Dispatcher posts actions for events.
type Dispatcher struct {
	cfg    Config
	store  Store
	client action.Client
	tmpl   *template.Template
	now    func() time.Time

	// locks serializes dispatches per (event type, channel) so the cooldown
	// check and the post it guards are not interleaved with another event of
	// the same key.
	locks keyLocks

	queue   chan string
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running atomic.Bool

	posted     atomic.Int64
	failed     atomic.Int64
	suppressed atomic.Int64
	dropped    atomic.Int64
}

// New creates a dispatcher. It fails if the message template does not parse.
func New(cfg Config, store Store, client action.Client) (*Dispatcher, error) {
	def := DefaultConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = def.Backoff
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.Template == "" {
		cfg.Template = def.Template
	}
	if cfg.MaxTotalAttempts < cfg.MaxAttempts {
		cfg.MaxTotalAttempts = cfg.MaxAttempts
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}

	tmpl, err := template.New("message").Option("missingkey=zero").Parse(cfg.Template)
	if err != nil {
		return nil, fmt.Errorf("parse message template: %v: %w", err, errors.ErrInvalidConfig)
	}

	return &Dispatcher{
		cfg:    cfg,
		store:  store,
		client: client,
		tmpl:   tmpl,
		now:    time.Now,
		queue:  make(chan string, cfg.QueueSize),
	}, nil
}

// SetClock replaces the time source.
func (d *Dispatcher) SetClock(now func() time.Time) {
	d.now = now
}

// Submit queues newly created events for dispatch. It never blocks; when
// the queue is full the event is left for the sweep.
func (d *Dispatcher) Submit(events []*state.Event) {
	for _, ev := range events {
		select {
		case d.queue <- ev.ID:
		default:
			d.dropped.Add(1)
			log.Warn("dispatch queue full, deferring to sweep", "event_id", ev.ID)
		}
	}
}

// Start runs the queue worker and, if configured, the sweep.
func (d *Dispatcher) Start(ctx context.Context) error {
	if !d.running.CompareAndSwap(false, true) {
		return errors.ErrAlreadyRunning
	}

	ctx, d.cancel = context.WithCancel(ctx)

	d.wg.Add(1)
	go d.worker(ctx)

	if d.cfg.SweepInterval > 0 {
		d.wg.Add(1)
		go d.sweeper(ctx)
	}

	log.Info("dispatcher started", "cooldown", d.cfg.Cooldown, "sweep_interval", d.cfg.SweepInterval)
	return nil
}

// Stop cancels the workers and waits for them or for ctx.
func (d *Dispatcher) Stop(ctx context.Context) error {
	if !d.running.CompareAndSwap(true, false) {
		return errors.ErrNotRunning
	}
	d.cancel()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info("dispatcher stopped")
		return nil
	case <-ctx.Done():
		return errors.Mark(fmt.Errorf("dispatcher drain: %w", ctx.Err()), errors.ErrTimeout)
	}
}

func (d *Dispatcher) worker(ctx context.Context) {
	defer d.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-d.queue:
			d.Dispatch(ctx, id)
		}
	}
}

func (d *Dispatcher) sweeper(ctx context.Context) {
	defer d.wg.Done()

	ticker := time.NewTicker(d.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := d.RetryPending(ctx); err != nil {
				log.Warn("sweep failed", "error", err)
			} else if n > 0 {
				log.Info("sweep retried events", "count", n)
			}
		}
	}
}

// RetryPending dispatches un-actioned events created more than one cooldown
// ago whose attempt count is below the total cap. It returns how many events
// were dispatched.
func (d *Dispatcher) RetryPending(ctx context.Context) (int, error) {
	events, err := d.store.PendingActions(ctx, d.now().Add(-d.cfg.Cooldown), d.cfg.MaxTotalAttempts, 100)
	if err != nil {
		return 0, err
	}
	for _, ev := range events {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		d.Dispatch(ctx, ev.ID)
	}
	return len(events), nil
}

// Dispatch posts the action for one event and records the outcome.
func (d *Dispatcher) Dispatch(ctx context.Context, id string) Outcome {
	ctx = logging.ContextWithEventID(ctx, id)
	logger := logging.WithContext(ctx)

	ev, err := d.store.GetEvent(ctx, id)
	if err != nil {
		return Outcome{EventID: id, Status: constants.ActionFailed, Err: err}
	}

	unlock := d.locks.lock(ev.Type + "\x00" + ev.Channel)
	defer unlock()

	// Another dispatch of this event may have finished while we waited.
	if ev, err = d.store.GetEvent(ctx, id); err != nil {
		return Outcome{EventID: id, Status: constants.ActionFailed, Err: err}
	}

	if ev.Actioned() {
		return Outcome{EventID: id, Status: constants.ActionPosted, ActionID: ev.ActionID, Attempts: ev.ActionAttempts}
	}
	if ev.ActionStatus == constants.ActionSuppressed {
		return Outcome{EventID: id, Status: constants.ActionSuppressed, Attempts: ev.ActionAttempts, Err: errors.ErrActionSuppressed}
	}
	if ev.ActionAttempts >= d.cfg.MaxTotalAttempts {
		return Outcome{EventID: id, Status: constants.ActionFailed, Attempts: ev.ActionAttempts,
			Err: fmt.Errorf("%s: attempt cap %d reached: %w", id, d.cfg.MaxTotalAttempts, errors.ErrAction)}
	}

	if out, suppressed := d.checkCooldown(ctx, ev); suppressed {
		return out
	}

	msg, err := d.render(ev)
	if err != nil {
		d.recordFailure(ctx, ev.ID, err)
		d.failed.Add(1)
		return Outcome{EventID: id, Status: constants.ActionFailed, Attempts: ev.ActionAttempts + 1, Err: err}
	}

	req := action.Request{EventID: ev.ID, Type: ev.Type, Channel: ev.Channel, Message: msg}
	attempts := ev.ActionAttempts
	backoff := d.cfg.Backoff

	var lastErr error
retry:
	for i := 1; i <= d.cfg.MaxAttempts; i++ {
		attempts++

		actionID, err := d.post(ctx, req)
		if err == nil {
			return d.recordSuccess(ctx, ev, actionID, attempts)
		}

		lastErr = err
		d.recordFailure(ctx, ev.ID, err)
		logger.Warn("action failed", "attempt", i, "max_attempts", d.cfg.MaxAttempts, "error", err)

		if i == d.cfg.MaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			lastErr = errors.Mark(fmt.Errorf("%w (last error: %v)", ctx.Err(), lastErr), errors.ErrTimeout)
			break retry
		case <-time.After(backoff):
			backoff *= 2
		}
	}

	d.failed.Add(1)
	logger.Error("action retries exhausted, event left un-actioned", "attempts", attempts, "error", lastErr)
	return Outcome{
		EventID:  id,
		Status:   constants.ActionFailed,
		Attempts: attempts,
		Err:      errors.Mark(fmt.Errorf("dispatch %s: %w", id, lastErr), errors.ErrAction),
	}
}

// checkCooldown marks ev suppressed if an action for its type and channel
// was posted within the cooldown.
func (d *Dispatcher) checkCooldown(ctx context.Context, ev *state.Event) (Outcome, bool) {
	if d.cfg.Cooldown <= 0 {
		return Outcome{}, false
	}

	last, ok, err := d.store.LastPosted(ctx, ev.Type, ev.Channel)
	if err != nil {
		return Outcome{EventID: ev.ID, Status: constants.ActionFailed, Attempts: ev.ActionAttempts, Err: err}, true
	}
	if !ok || d.now().Sub(last) >= d.cfg.Cooldown {
		return Outcome{}, false
	}

	reason := fmt.Sprintf("last %s on %s posted at %s", ev.Type, ev.Channel, last.Format(time.RFC3339))
	if err := d.store.MarkSuppressed(context.WithoutCancel(ctx), ev.ID, reason); err != nil && !errors.Is(err, errors.ErrAlreadyActioned) {
		return Outcome{EventID: ev.ID, Status: constants.ActionFailed, Attempts: ev.ActionAttempts, Err: err}, true
	}

	d.suppressed.Add(1)
	logging.WithContext(ctx).Info("action suppressed by cooldown", "channel", ev.Channel, "last_posted", last)
	return Outcome{EventID: ev.ID, Status: constants.ActionSuppressed, Attempts: ev.ActionAttempts, Err: errors.ErrActionSuppressed}, true
}

func (d *Dispatcher) post(ctx context.Context, req action.Request) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()

	id, err := d.client.Post(ctx, req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = errors.Mark(err, errors.ErrTimeout)
		}
		return "", err
	}
	if id == "" {
		return "", fmt.Errorf("action client returned no identifier: %w", errors.ErrAction)
	}
	return id, nil
}

func (d *Dispatcher) recordSuccess(ctx context.Context, ev *state.Event, actionID string, attempts int) Outcome {
	err := d.store.RecordActionResult(context.WithoutCancel(ctx), ev.ID, actionID, d.now().UTC())
	if err != nil && !errors.Is(err, errors.ErrAlreadyActioned) {
		logging.WithContext(ctx).Error("action posted but not recorded", "action_id", actionID, "error", err)
		return Outcome{EventID: ev.ID, Status: constants.ActionFailed, ActionID: actionID, Attempts: attempts, Err: err}
	}

	d.posted.Add(1)
	logging.WithContext(ctx).Info("action posted", "channel", ev.Channel, "action_id", actionID, "attempts", attempts)
	return Outcome{EventID: ev.ID, Status: constants.ActionPosted, ActionID: actionID, Attempts: attempts}
}

func (d *Dispatcher) recordFailure(ctx context.Context, id string, cause error) {
	if err := d.store.RecordActionFailure(context.WithoutCancel(ctx), id, cause); err != nil {
		log.Warn("record action failure", "event_id", id, "error", err)
	}
}

func (d *Dispatcher) render(ev *state.Event) (string, error) {
	var buf bytes.Buffer
	if err := d.tmpl.Execute(&buf, ev); err != nil {
		return "", fmt.Errorf("render message: %w", err)
	}
	return buf.String(), nil
}

// keyLocks is a set of mutexes created on first use and dropped when the
// last holder or waiter releases.
type keyLocks struct {
	mu sync.Mutex
	m  map[string]*keyLock
}

type keyLock struct {
	sync.Mutex
	refs int
}

func (k *keyLocks) lock(key string) (unlock func()) {
	k.mu.Lock()
	if k.m == nil {
		k.m = make(map[string]*keyLock)
	}
	l := k.m[key]
	if l == nil {
		l = &keyLock{}
		k.m[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		k.mu.Lock()
		if l.refs--; l.refs == 0 {
			delete(k.m, key)
		}
		k.mu.Unlock()
	}
}

func (k *keyLocks) size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.m)
}

// Stats is a snapshot of dispatcher counters.
type Stats struct {
	Posted     int64
	Failed     int64
	Suppressed int64
	Deferred   int64
	Queued     int
}

// Stats returns current counters.
func (d *Dispatcher) Stats() Stats {
	return Stats{
		Posted:     d.posted.Load(),
		Failed:     d.failed.Load(),
		Suppressed: d.suppressed.Load(),
		Deferred:   d.dropped.Load(),
		Queued:     len(d.queue),
	}
}
