// Package loader - Configuration Types
//
// Defines the YAML configuration structure for peebotd.
//
// ARCHITECTURE:
//
//   ┌──────────────────────────────────────────────────────────────────┐
//   │                          peebot.yaml                             │
//   ├──────────────────────────────────────────────────────────────────┤
//   │                                                                  │
//   │  readings:    DuckDB hot table + Parquet chunk directory         │
//   │  retention:   {chunk_interval, compress_after, drop_after}       │
//   │  state:       SQLite checkpoints, events, run-lock leases        │
//   │                                                                  │
//   │  ingestion:   admission rate, store retries, age window          │
//   │  channels:    registry entries (range, calibration)              │
//   │  detectors:   per-detector cadence / lookback / cooldown         │
//   │  scheduler:   tick worker pool                                   │
//   │  dispatcher:  action retries, cooldown, follow-up sweep          │
//   │                                                                  │
//   │  mqtt:        feed subscriber + action publisher                 │
//   │  admin:       injection listener                                 │
//   │  logging:     level, format                                      │
//   │                                                                  │
//   └──────────────────────────────────────────────────────────────────┘

package loader

import (
	"github.com/xtxerr/peebot/internal/registry"
	storageconfig "github.com/xtxerr/peebot/internal/storage/config"
)

// Duration accepts Go ("90s"), ISO-8601 ("PT90S") or bare-second values.
type Duration = storageconfig.Duration

// =============================================================================
// Root Configuration
// =============================================================================

// Config is the root configuration structure for peebotd.
type Config struct {
	// -------------------------------------------------------------------------
	// Storage
	// -------------------------------------------------------------------------

	// Readings is the Reading Store (DuckDB + Parquet).
	Readings ReadingsConfig `yaml:"readings"`

	// Retention is the time-partitioning policy of the Reading Store.
	Retention storageconfig.RetentionConfig `yaml:"retention"`

	// State holds checkpoints, detected events and run-lock leases (SQLite).
	State StateConfig `yaml:"state"`

	// -------------------------------------------------------------------------
	// Pipeline
	// -------------------------------------------------------------------------

	Ingestion IngestionConfig `yaml:"ingestion"`

	// ChannelsCacheTTL is how long a registry lookup is served from memory.
	ChannelsCacheTTL Duration `yaml:"channels_cache_ttl"`

	// Channels are registered at startup. Included files append to this list.
	Channels []ChannelConfig `yaml:"channels"`

	// Detectors are built at startup. Included files append to this list.
	Detectors []DetectorConfig `yaml:"detectors"`

	Engine     EngineConfig     `yaml:"engine"`
	Scheduler  SchedulerConfig  `yaml:"scheduler"`
	Dispatcher DispatcherConfig `yaml:"dispatcher"`

	// -------------------------------------------------------------------------
	// Transport
	// -------------------------------------------------------------------------

	MQTT  MQTTConfig  `yaml:"mqtt"`
	Admin AdminConfig `yaml:"admin"`

	Logging LoggingConfig `yaml:"logging"`

	// Include lists additional files holding channels and detectors.
	// Supports glob patterns. Relative to this file's directory.
	Include []string `yaml:"include"`
}

// =============================================================================
// Storage Configuration
// =============================================================================

// ReadingsConfig configures the Reading Store.
type ReadingsConfig struct {
	// Path is the DuckDB file. Empty means an in-memory database.
	Path string `yaml:"path"`

	// ChunkDir holds compressed Parquet chunks.
	ChunkDir string `yaml:"chunk_dir"`

	// MemoryLimit is DuckDB's memory_limit (e.g. "1GB").
	MemoryLimit string `yaml:"memory_limit"`

	QueryTimeout Duration `yaml:"query_timeout"`

	// Compression is the Parquet codec: snappy, zstd, gzip, lz4, none.
	Compression string `yaml:"compression"`

	// PercentileAccuracy is the DDSketch relative accuracy of summaries.
	PercentileAccuracy float64 `yaml:"percentile_accuracy"`
}

// StateConfig configures the SQLite state store.
type StateConfig struct {
	// Path is the SQLite file. ":memory:" opens a shared in-memory database.
	Path string `yaml:"path"`

	BusyTimeout  Duration `yaml:"busy_timeout"`
	MaxRetries   int      `yaml:"max_retries"`
	QueryTimeout Duration `yaml:"query_timeout"`
}

// =============================================================================
// Pipeline Configuration
// =============================================================================

// IngestionConfig configures the Ingestion Pipeline.
type IngestionConfig struct {
	// RatePerSec and Burst bound admission. A zero rate disables the limiter.
	RatePerSec float64 `yaml:"rate_per_sec"`
	Burst      int     `yaml:"burst"`

	StoreTimeout Duration `yaml:"store_timeout"`
	MaxRetries   int      `yaml:"max_retries"`
	Backoff      Duration `yaml:"backoff"`
	MaxBackoff   Duration `yaml:"max_backoff"`

	// MaxAge rejects readings older than the dedup window. Zero means
	// retention.compress_after.
	MaxAge        Duration `yaml:"max_age"`
	MaxFutureSkew Duration `yaml:"max_future_skew"`
}

// ChannelConfig declares one channel.
type ChannelConfig struct {
	Identity    string `yaml:"identity"`
	Description string `yaml:"description"`
	Group       string `yaml:"group"`
	Unit        string `yaml:"unit"`

	// Active defaults to true.
	Active *bool `yaml:"active"`

	// Min and Max bound accepted raw values. Unset bounds are open.
	Min *float64 `yaml:"min"`
	Max *float64 `yaml:"max"`

	Calibration *registry.Linear `yaml:"calibration"`
}

// DetectorConfig declares one detector instance.
type DetectorConfig struct {
	Name    string `yaml:"name"`
	Kind    string `yaml:"kind"`
	Channel string `yaml:"channel"`

	CadenceSeconds  int `yaml:"cadence_seconds"`
	LookbackSeconds int `yaml:"lookback_seconds"`
	CooldownSeconds int `yaml:"cooldown_seconds"`
	BudgetSeconds   int `yaml:"budget_seconds"`

	MinSamples int     `yaml:"min_samples"`
	Threshold  float64 `yaml:"threshold"`
	EventType  string  `yaml:"event_type"`
}

// EngineConfig configures the Polling Engine.
type EngineConfig struct {
	// Holder names this process in leases. Empty generates hostname/uuid.
	Holder string `yaml:"holder"`

	// LeaseGrace is added to a detector's budget to form the lease TTL.
	LeaseGrace Duration `yaml:"lease_grace"`
}

// SchedulerConfig configures the tick worker pool.
type SchedulerConfig struct {
	Workers      int      `yaml:"workers"`
	QueueSize    int      `yaml:"queue_size"`
	TickInterval Duration `yaml:"tick_interval"`
	DrainTimeout Duration `yaml:"drain_timeout"`
}

// DispatcherConfig configures the Action Dispatcher.
type DispatcherConfig struct {
	// Client selects the action client: "mqtt" or "log". Empty picks mqtt
	// when a broker is configured and log otherwise.
	Client string `yaml:"client"`

	MaxAttempts      int      `yaml:"max_attempts"`
	Backoff          Duration `yaml:"backoff"`
	Timeout          Duration `yaml:"timeout"`
	Cooldown         Duration `yaml:"cooldown"`
	Template         string   `yaml:"template"`
	SweepInterval    Duration `yaml:"sweep_interval"`
	MaxTotalAttempts int      `yaml:"max_total_attempts"`
	QueueSize        int      `yaml:"queue_size"`
}

// =============================================================================
// Transport Configuration
// =============================================================================

// MQTTConfig configures the broker used by the feed and the action client.
// An empty broker disables both.
type MQTTConfig struct {
	Broker   string `yaml:"broker"`
	ClientID string `yaml:"client_id"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`

	FeedTopic   string `yaml:"feed_topic"`
	ActionTopic string `yaml:"action_topic"`

	KeepAlive         Duration `yaml:"keep_alive"`
	SessionExpiry     Duration `yaml:"session_expiry"`
	ReconnectDelay    Duration `yaml:"reconnect_delay"`
	MaxReconnectDelay Duration `yaml:"max_reconnect_delay"`
}

// Enabled reports whether a broker is configured.
func (c *MQTTConfig) Enabled() bool {
	return c.Broker != ""
}

// AdminConfig configures the injection listener. No tokens disables it.
type AdminConfig struct {
	Listen string    `yaml:"listen"`
	Tokens []string  `yaml:"tokens"`
	TLS    TLSConfig `yaml:"tls"`

	RatePerSec       float64  `yaml:"rate_per_sec"`
	Burst            int      `yaml:"burst"`
	MaxMessageSize   int64    `yaml:"max_message_size"`
	ReadTimeout      Duration `yaml:"read_timeout"`
	AuthFailureLimit int      `yaml:"auth_failure_limit"`
}

// Enabled reports whether the admin listener should run.
func (c *AdminConfig) Enabled() bool {
	return len(c.Tokens) > 0
}

// TLSConfig configures transport layer security.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// LoggingConfig configures the global logger.
type LoggingConfig struct {
	// Level is debug, info, warn or error.
	Level string `yaml:"level"`

	// JSON switches from colored text to JSON lines.
	JSON bool `yaml:"json"`
}
