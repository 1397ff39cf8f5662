// Package config provides configuration defaults for the peebot daemon.
//
// This package defines all configurable constants with documented defaults.
// Users can override these values via peebot.yaml or environment variables
// referenced from it.
package config

import "time"

// =============================================================================
// Storage Defaults
// =============================================================================

const (
	// DefaultReadingsPath is the DuckDB file holding hot readings.
	// An empty path means an in-memory database.
	// Override via config: readings.path
	DefaultReadingsPath = "data/readings.duckdb"

	// DefaultChunkDir holds compressed Parquet chunks.
	// Override via config: readings.chunk_dir
	DefaultChunkDir = "data/chunks"

	// DefaultStatePath is the SQLite file holding checkpoints, events and leases.
	// Override via config: state.path
	DefaultStatePath = "data/state.db"

	// DefaultBusyTimeout is how long SQLite waits on a locked database
	// before the caller's retry loop takes over.
	// Override via config: state.busy_timeout
	DefaultBusyTimeout = 5 * time.Second

	// DefaultQueryTimeout bounds a single store call.
	// A timeout is a retryable failure, never a success.
	// Override via config: readings.query_timeout
	DefaultQueryTimeout = 10 * time.Second

	// DefaultRegistryCacheTTL is how long a channel lookup is served from
	// memory before the channels table is consulted again.
	// Override via config: channels_cache_ttl
	DefaultRegistryCacheTTL = 30 * time.Second
)

// =============================================================================
// Retention Defaults
// =============================================================================

const (
	// DefaultChunkInterval is the width of one time partition.
	// Override via config: retention.chunk_interval
	DefaultChunkInterval = 24 * time.Hour

	// DefaultCompressAfter is the age after which a chunk is moved from the
	// hot table into a compressed Parquet file. It is also the dedup window:
	// readings older than this are rejected at ingestion.
	// Override via config: retention.compress_after
	DefaultCompressAfter = 7 * 24 * time.Hour

	// DefaultDropAfter is the age after which a chunk is deleted.
	// Design target is 30 days of history.
	// Override via config: retention.drop_after
	DefaultDropAfter = 30 * 24 * time.Hour

	// DefaultRetentionInterval is how often compaction and drop run.
	// Override via config: retention.run_interval
	DefaultRetentionInterval = time.Hour
)

// =============================================================================
// Ingestion Defaults
// =============================================================================

const (
	// DefaultIngestRate is the sustained admission rate in messages per second.
	// Nominal load is about 70/s.
	// Override via config: ingestion.rate_per_sec
	DefaultIngestRate = 2000

	// DefaultIngestBurst absorbs short bursts above the sustained rate.
	// Override via config: ingestion.burst
	DefaultIngestBurst = 10000

	// DefaultIngestMaxRetries is how many times a store-unavailable insert
	// is retried before the message is reported as a delivery failure.
	// Override via config: ingestion.max_retries
	DefaultIngestMaxRetries = 4

	// DefaultIngestBackoff is the first retry delay; it doubles per attempt.
	// Override via config: ingestion.backoff
	DefaultIngestBackoff = 50 * time.Millisecond

	// DefaultIngestMaxBackoff caps the retry delay.
	// Override via config: ingestion.max_backoff
	DefaultIngestMaxBackoff = 2 * time.Second

	// DefaultMaxFutureSkew rejects readings stamped too far ahead of the
	// server clock.
	// Override via config: ingestion.max_future_skew
	DefaultMaxFutureSkew = 5 * time.Minute
)

// =============================================================================
// Detector Defaults
// =============================================================================

const (
	// DefaultCadenceSeconds is how often a detector ticks.
	// Override via config: detectors[].cadence_seconds
	DefaultCadenceSeconds = 60

	// DefaultLookbackSeconds is the trailing span re-scanned on every tick.
	// Must cover the detector's continuity interval so windows overlap.
	// Override via config: detectors[].lookback_seconds
	DefaultLookbackSeconds = 600

	// DefaultCooldownSeconds is the detector-local cooldown and the width of
	// the occurrence-key bucket.
	// Override via config: detectors[].cooldown_seconds
	DefaultCooldownSeconds = 1800

	// DefaultMinSamples is K, the number of consecutive increasing samples
	// the trend detector requires.
	// Override via config: detectors[].min_samples
	DefaultMinSamples = 3

	// DefaultTickBudget bounds one tick. The run-lock lease is the budget
	// plus DefaultLeaseGrace, so a crashed holder is reclaimed.
	// Override via config: detectors[].budget_seconds
	DefaultTickBudget = 30 * time.Second

	// DefaultLeaseGrace is added to the tick budget to form the lease TTL.
	DefaultLeaseGrace = 10 * time.Second

	// DefaultEventType is what the reference trend detector emits.
	DefaultEventType = "urination"
)

// =============================================================================
// Scheduler Defaults
// =============================================================================

const (
	// DefaultSchedulerWorkers is the number of concurrent tick workers.
	// Override via config: scheduler.workers
	DefaultSchedulerWorkers = 8

	// DefaultSchedulerQueueSize is the job queue capacity.
	// When full, ticks are delayed (backpressure).
	// Override via config: scheduler.queue_size
	DefaultSchedulerQueueSize = 256

	// DefaultSchedulerTickInterval is how often the scheduler checks for due ticks.
	// Override via config: scheduler.tick_interval
	DefaultSchedulerTickInterval = 100 * time.Millisecond
)

// =============================================================================
// Dispatcher Defaults
// =============================================================================

const (
	// DefaultDispatchAttempts is the retry limit for one dispatch.
	// Override via config: dispatcher.max_attempts
	DefaultDispatchAttempts = 3

	// DefaultDispatchBackoff is the first retry delay; it doubles per attempt.
	// Override via config: dispatcher.backoff
	DefaultDispatchBackoff = 2 * time.Second

	// DefaultDispatchTimeout bounds one outbound action call.
	// Override via config: dispatcher.timeout
	DefaultDispatchTimeout = 10 * time.Second

	// DefaultDispatchCooldown is the dispatcher-local cooldown: at most one
	// action per event type and channel inside this window.
	// Override via config: dispatcher.cooldown
	DefaultDispatchCooldown = 30 * time.Minute

	// DefaultSweepInterval is how often un-actioned events are retried.
	// Zero disables the sweep.
	// Override via config: dispatcher.sweep_interval
	DefaultSweepInterval = 10 * time.Minute

	// DefaultMaxTotalAttempts caps attempts across all sweeps.
	// Override via config: dispatcher.max_total_attempts
	DefaultMaxTotalAttempts = 12

	// DefaultMessageTemplate renders the action text.
	// Override via config: dispatcher.template
	DefaultMessageTemplate = "{{.Channel}}: {{.Type}} detected at {{.DetectedAt.Format \"15:04\"}} (confidence {{printf \"%.2f\" .Confidence}})"
)

// =============================================================================
// Transport Defaults
// =============================================================================

const (
	// DefaultAdminListen is the admin injection listener.
	// Override via config: admin.listen
	DefaultAdminListen = "127.0.0.1:9270"

	// DefaultMaxMessageSize limits a framed admin message.
	// Override via config: admin.max_message_size
	DefaultMaxMessageSize = 4 * 1024 * 1024

	// DefaultAdminRate limits admin frames per connection per second.
	// Override via config: admin.rate_per_sec
	DefaultAdminRate = 50

	// DefaultAdminReadTimeout closes an admin connection idle for this long.
	DefaultAdminReadTimeout = 2 * time.Minute

	// DefaultAuthFailureLimit is the number of failed token checks per
	// remote IP and minute before the IP is refused.
	DefaultAuthFailureLimit = 5

	// DefaultFeedTopic is the MQTT topic carrying sensor samples.
	// Override via config: mqtt.feed_topic
	DefaultFeedTopic = "peebot/readings"

	// DefaultActionTopic is where rendered action messages are published.
	// Override via config: mqtt.action_topic
	DefaultActionTopic = "peebot/actions"

	// DefaultMQTTKeepAlive is the MQTT keepalive in seconds.
	DefaultMQTTKeepAlive = 30
)

// =============================================================================
// Shutdown Defaults
// =============================================================================

const (
	// DefaultDrainTimeout is how long to wait for in-flight ticks during shutdown.
	// After this timeout, remaining jobs are abandoned and their leases expire.
	// Override via config: scheduler.drain_timeout
	DefaultDrainTimeout = 30 * time.Second
)
