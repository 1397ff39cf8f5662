// Package ingestion implements the Ingestion Pipeline: validate, enrich and
// persist raw feed messages.
//
// The pipeline holds no queue. A message either ends in the store, is
// rejected, or is reported back to the caller as a delivery failure after
// bounded retries.
package ingestion

import (
	"context"
	"fmt"
	"time"

	"github.com/relvacode/iso8601"
	"golang.org/x/time/rate"

	"github.com/xtxerr/peebot/config"
	"github.com/xtxerr/peebot/internal/constants"
	"github.com/xtxerr/peebot/internal/errors"
	"github.com/xtxerr/peebot/internal/logging"
	"github.com/xtxerr/peebot/internal/registry"
	"github.com/xtxerr/peebot/internal/storage/types"
	"github.com/xtxerr/peebot/internal/validation"
)

var log = logging.Component("ingestion")

// Resolver resolves channel identities.
type Resolver interface {
	Lookup(ctx context.Context, identity string) (*registry.Entry, error)
}

// Writer is the Reading Store's idempotent insert.
type Writer interface {
	InsertIfAbsent(ctx context.Context, r *types.Reading) (types.InsertResult, error)
}

// Config holds pipeline options.
type Config struct {
	// RatePerSec and Burst bound admission. Zero rate disables the limiter.
	RatePerSec float64
	Burst      int

	// StoreTimeout bounds one insert attempt.
	StoreTimeout time.Duration

	// MaxRetries is the number of retries after the first failed insert.
	MaxRetries int
	Backoff    time.Duration
	MaxBackoff time.Duration

	// MaxAge rejects readings older than now-MaxAge. Zero disables.
	MaxAge time.Duration

	// MaxFutureSkew rejects readings later than now+MaxFutureSkew.
	MaxFutureSkew time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		RatePerSec:    config.DefaultIngestRate,
		Burst:         config.DefaultIngestBurst,
		StoreTimeout:  config.DefaultQueryTimeout,
		MaxRetries:    config.DefaultIngestMaxRetries,
		Backoff:       config.DefaultIngestBackoff,
		MaxBackoff:    config.DefaultIngestMaxBackoff,
		MaxAge:        config.DefaultCompressAfter,
		MaxFutureSkew: config.DefaultMaxFutureSkew,
	}
}

// Pipeline ingests messages. It is safe for concurrent use; there is no
// lock across messages.
type Pipeline struct {
	cfg      Config
	resolver Resolver
	writer   Writer
	limiter  *rate.Limiter
	now      func() time.Time
	stats    *Stats
}

// New creates a pipeline.
func New(cfg Config, resolver Resolver, writer Writer) *Pipeline {
	limit := rate.Inf
	if cfg.RatePerSec > 0 {
		limit = rate.Limit(cfg.RatePerSec)
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = config.DefaultIngestBackoff
	}
	if cfg.MaxBackoff < cfg.Backoff {
		cfg.MaxBackoff = cfg.Backoff
	}

	return &Pipeline{
		cfg:      cfg,
		resolver: resolver,
		writer:   writer,
		limiter:  rate.NewLimiter(limit, cfg.Burst),
		now:      time.Now,
		stats:    newStats(),
	}
}

// SetClock replaces the time source.
func (p *Pipeline) SetClock(now func() time.Time) {
	p.now = now
}

// Ingest validates, enriches and persists one message.
func (p *Pipeline) Ingest(ctx context.Context, msg Message) Outcome {
	p.stats.received.Add(1)

	if err := p.limiter.Wait(ctx); err != nil {
		return p.fail(msg, fmt.Errorf("admission: %w", errors.Mark(err, errors.ErrTimeout)))
	}

	reading, err := p.validate(ctx, msg)
	if err != nil {
		if errors.IsValidation(err) {
			return p.reject(msg, err)
		}
		// Registry lookup could not reach the store.
		return p.fail(msg, err)
	}

	p.enrich(reading, msg)

	res, err := p.persist(ctx, reading)
	if err != nil {
		return p.fail(msg, err)
	}

	if res == types.Duplicate {
		p.stats.duplicates.Add(1)
		return Outcome{Status: constants.OutcomeDuplicate, Key: reading.IdempotencyKey}
	}

	p.stats.accepted.Add(1)
	p.stats.lag.Add(reading.IngestedAt.Sub(reading.Timestamp).Seconds())
	return Outcome{Status: constants.OutcomeAccepted, Key: reading.IdempotencyKey}
}

// IngestBatch ingests messages in order and returns one outcome per message.
// A failure of one message does not stop the others.
func (p *Pipeline) IngestBatch(ctx context.Context, msgs []Message) []Outcome {
	out := make([]Outcome, len(msgs))
	for i, m := range msgs {
		out[i] = p.Ingest(ctx, m)
	}
	return out
}

// validate resolves the channel and checks the message. Validation errors
// carry a validation sentinel.
func (p *Pipeline) validate(ctx context.Context, msg Message) (*types.Reading, error) {
	entry, err := p.resolver.Lookup(ctx, msg.Channel)
	if err != nil {
		return nil, err
	}
	if !entry.Channel.Active {
		return nil, fmt.Errorf("%s: %w", msg.Channel, errors.ErrInactiveChannel)
	}

	ts := msg.Time
	if ts.IsZero() {
		if msg.Timestamp == "" {
			return nil, fmt.Errorf("timestamp missing: %w", errors.ErrMalformedTimestamp)
		}
		ts, err = iso8601.ParseString(msg.Timestamp)
		if err != nil {
			return nil, fmt.Errorf("%q: %v: %w", msg.Timestamp, err, errors.ErrMalformedTimestamp)
		}
	}
	ts = ts.UTC()

	now := p.now()
	if p.cfg.MaxAge > 0 && ts.Before(now.Add(-p.cfg.MaxAge)) {
		return nil, fmt.Errorf("%s older than %s: %w", ts.Format(time.RFC3339), p.cfg.MaxAge, errors.ErrStaleReading)
	}
	if p.cfg.MaxFutureSkew > 0 && ts.After(now.Add(p.cfg.MaxFutureSkew)) {
		return nil, fmt.Errorf("%s ahead of server time: %w", ts.Format(time.RFC3339), errors.ErrFutureReading)
	}

	if err := validation.ValidateValue(msg.Value, entry.Range); err != nil {
		return nil, fmt.Errorf("%s: %v: %w", msg.Channel, err, errors.ErrValueOutOfRange)
	}
	if err := validation.ValidateMetadata(msg.Metadata); err != nil {
		return nil, fmt.Errorf("metadata: %v: %w", err, errors.ErrInvalidConfig)
	}
	if msg.IdempotencyKey != "" {
		if err := validation.ValidateIdempotencyKey(msg.IdempotencyKey); err != nil {
			return nil, fmt.Errorf("idempotency key: %v: %w", err, errors.ErrInvalidConfig)
		}
	}

	return &types.Reading{
		Channel:    entry.Channel.Identity,
		Timestamp:  ts,
		Value:      msg.Value,
		Calibrated: entry.Calibrated(msg.Value),
		Metadata:   msg.Metadata,
	}, nil
}

func (p *Pipeline) enrich(r *types.Reading, msg Message) {
	r.IdempotencyKey = msg.IdempotencyKey
	if r.IdempotencyKey == "" {
		r.IdempotencyKey = types.DeriveKey(r.Channel, r.Timestamp, r.Value)
	}
	r.IngestedAt = p.now().UTC()
}

// persist inserts r, retrying transient store errors with bounded
// exponential backoff.
func (p *Pipeline) persist(ctx context.Context, r *types.Reading) (types.InsertResult, error) {
	backoff := p.cfg.Backoff

	var lastErr error
	for attempt := 0; attempt <= p.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			p.stats.retries.Add(1)
			select {
			case <-ctx.Done():
				return 0, errors.Mark(fmt.Errorf("insert %s: %w (last error: %v)", r.IdempotencyKey, ctx.Err(), lastErr), errors.ErrTimeout)
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > p.cfg.MaxBackoff {
				backoff = p.cfg.MaxBackoff
			}
		}

		res, err := p.insert(ctx, r)
		if err == nil {
			return res, nil
		}
		if errors.IsDuplicate(err) {
			return types.Duplicate, nil
		}
		if !errors.IsTransient(err) {
			return 0, err
		}
		lastErr = err
		log.Debug("insert retry", "channel", r.Channel, "attempt", attempt+1, "error", err)
	}

	return 0, errors.Mark(fmt.Errorf("insert %s: retries exhausted: %w", r.IdempotencyKey, lastErr), errors.ErrStoreUnavailable)
}

func (p *Pipeline) insert(ctx context.Context, r *types.Reading) (types.InsertResult, error) {
	if p.cfg.StoreTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.StoreTimeout)
		defer cancel()
	}

	res, err := p.writer.InsertIfAbsent(ctx, r)
	if err != nil && errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, errors.ErrTimeout) {
		err = errors.Mark(err, errors.ErrTimeout)
	}
	return res, err
}

func (p *Pipeline) reject(msg Message, err error) Outcome {
	reason := reasonFor(err)
	p.stats.reject(reason)
	log.Debug("message rejected", "channel", msg.Channel, "reason", reason, "error", err)
	return Outcome{Status: constants.OutcomeRejected, Reason: reason}
}

// RejectUndecodable counts a feed payload that could not be decoded into a
// Message as received and rejected.
func (p *Pipeline) RejectUndecodable(cause error) Outcome {
	p.stats.received.Add(1)
	p.stats.reject(ReasonUndecodable)
	log.Debug("message rejected", "reason", ReasonUndecodable, "error", cause)
	return Outcome{Status: constants.OutcomeRejected, Reason: ReasonUndecodable}
}

func (p *Pipeline) fail(msg Message, err error) Outcome {
	p.stats.failed.Add(1)
	log.Warn("delivery failed", "channel", msg.Channel, "error", err)
	return Outcome{Status: constants.OutcomeFailed, Err: err}
}

// Stats returns a snapshot of the pipeline counters.
func (p *Pipeline) Stats() StatsSnapshot {
	return p.stats.snapshot()
}
