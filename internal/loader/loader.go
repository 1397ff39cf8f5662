// Package loader handles configuration file loading, validation, and
// conversion into the component configurations of peebotd.
//
// This package is responsible for:
//   - Loading YAML configuration files
//   - Expanding environment variables
//   - Processing include directives (extra channel and detector files)
//   - Converting between YAML and internal representations
package loader

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/xtxerr/peebot/config"
	"github.com/xtxerr/peebot/internal/detector"
	"github.com/xtxerr/peebot/internal/dispatcher"
	"github.com/xtxerr/peebot/internal/engine"
	"github.com/xtxerr/peebot/internal/errors"
	"github.com/xtxerr/peebot/internal/feed"
	"github.com/xtxerr/peebot/internal/ingestion"
	"github.com/xtxerr/peebot/internal/mqtt"
	"github.com/xtxerr/peebot/internal/registry"
	"github.com/xtxerr/peebot/internal/scheduler"
	"github.com/xtxerr/peebot/internal/server"
	"github.com/xtxerr/peebot/internal/state"
	storageconfig "github.com/xtxerr/peebot/internal/storage/config"
	"github.com/xtxerr/peebot/internal/storage/types"
	"github.com/xtxerr/peebot/internal/validation"
)

// Action client names.
const (
	ClientMQTT = "mqtt"
	ClientLog  = "log"
)

// =============================================================================
// Load
// =============================================================================

// DefaultConfig returns a configuration with every default filled in.
func DefaultConfig() *Config {
	storage := storageconfig.DefaultConfig()
	st := state.DefaultConfig()
	ing := ingestion.DefaultConfig()
	sched := scheduler.DefaultConfig()
	disp := dispatcher.DefaultConfig()

	return &Config{
		Readings: ReadingsConfig{
			Path:               storage.Path,
			ChunkDir:           storage.ChunkDir,
			MemoryLimit:        storage.MemoryLimit,
			QueryTimeout:       storage.QueryTimeout,
			Compression:        storage.Compression.Algorithm,
			PercentileAccuracy: storage.Percentile.Accuracy,
		},
		Retention: storage.Retention,
		State: StateConfig{
			Path:         st.Path,
			BusyTimeout:  Duration(st.BusyTimeout),
			MaxRetries:   st.MaxRetries,
			QueryTimeout: Duration(st.QueryTimeout),
		},
		Ingestion: IngestionConfig{
			RatePerSec:    ing.RatePerSec,
			Burst:         ing.Burst,
			StoreTimeout:  Duration(ing.StoreTimeout),
			MaxRetries:    ing.MaxRetries,
			Backoff:       Duration(ing.Backoff),
			MaxBackoff:    Duration(ing.MaxBackoff),
			MaxFutureSkew: Duration(ing.MaxFutureSkew),
		},
		ChannelsCacheTTL: Duration(config.DefaultRegistryCacheTTL),
		Engine: EngineConfig{
			LeaseGrace: Duration(config.DefaultLeaseGrace),
		},
		Scheduler: SchedulerConfig{
			Workers:      sched.Workers,
			QueueSize:    sched.QueueSize,
			TickInterval: Duration(sched.TickInterval),
			DrainTimeout: Duration(sched.DrainTimeout),
		},
		Dispatcher: DispatcherConfig{
			MaxAttempts:      disp.MaxAttempts,
			Backoff:          Duration(disp.Backoff),
			Timeout:          Duration(disp.Timeout),
			Cooldown:         Duration(disp.Cooldown),
			Template:         disp.Template,
			SweepInterval:    Duration(disp.SweepInterval),
			MaxTotalAttempts: disp.MaxTotalAttempts,
			QueueSize:        disp.QueueSize,
		},
		MQTT: MQTTConfig{
			ClientID:          "peebotd",
			FeedTopic:         config.DefaultFeedTopic,
			ActionTopic:       config.DefaultActionTopic,
			KeepAlive:         Duration(config.DefaultMQTTKeepAlive * time.Second),
			SessionExpiry:     Duration(time.Hour),
			ReconnectDelay:    Duration(time.Second),
			MaxReconnectDelay: Duration(30 * time.Second),
		},
		Admin: AdminConfig{
			Listen:           config.DefaultAdminListen,
			RatePerSec:       config.DefaultAdminRate,
			MaxMessageSize:   config.DefaultMaxMessageSize,
			ReadTimeout:      Duration(config.DefaultAdminReadTimeout),
			AuthFailureLimit: config.DefaultAuthFailureLimit,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	// Start with defaults
	cfg := DefaultConfig()

	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	// Process includes (additional channel and detector files)
	baseDir := filepath.Dir(path)
	if err := processIncludes(cfg, baseDir); err != nil {
		return nil, err
	}

	return cfg, nil
}

// processIncludes loads and merges included configuration files.
func processIncludes(cfg *Config, baseDir string) error {
	for _, pattern := range cfg.Include {
		// Resolve relative paths
		if !filepath.IsAbs(pattern) {
			pattern = filepath.Join(baseDir, pattern)
		}

		// Expand glob pattern
		matches, err := filepath.Glob(pattern)
		if err != nil {
			return fmt.Errorf("invalid include pattern %q: %w", pattern, err)
		}

		for _, match := range matches {
			if err := loadInclude(cfg, match); err != nil {
				return fmt.Errorf("load include %q: %w", match, err)
			}
		}
	}

	return nil
}

// includeFile is the subset of Config an included file may carry.
type includeFile struct {
	Channels  []ChannelConfig  `yaml:"channels"`
	Detectors []DetectorConfig `yaml:"detectors"`
}

// loadInclude loads a single include file and appends its entries.
func loadInclude(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	expanded := os.ExpandEnv(string(data))

	var partial includeFile
	if err := yaml.Unmarshal([]byte(expanded), &partial); err != nil {
		return fmt.Errorf("parse: %w", err)
	}

	cfg.Channels = append(cfg.Channels, partial.Channels...)
	cfg.Detectors = append(cfg.Detectors, partial.Detectors...)
	return nil
}

// =============================================================================
// Validate
// =============================================================================

// Validate validates the configuration.
func Validate(cfg *Config) error {
	errs := errors.NewValidationErrors()

	// Storage
	if cfg.Readings.ChunkDir == "" {
		errs.AddMissing("readings.chunk_dir")
	}
	if cfg.Readings.QueryTimeout <= 0 {
		errs.AddField("readings.query_timeout", "must be positive")
	}
	if err := cfg.Retention.Validate(); err != nil {
		errs.AddField("retention", err.Error())
	}
	if cfg.State.Path == "" {
		errs.AddMissing("state.path")
	}

	// Ingestion
	if cfg.Ingestion.RatePerSec < 0 {
		errs.AddField("ingestion.rate_per_sec", "cannot be negative")
	}
	if cfg.Ingestion.MaxRetries < 0 {
		errs.AddField("ingestion.max_retries", "cannot be negative")
	}
	if cfg.Ingestion.MaxAge < 0 {
		errs.AddField("ingestion.max_age", "cannot be negative")
	}
	// Idempotency keys are unique only among hot rows.
	if cfg.Ingestion.MaxAge > cfg.Retention.CompressAfter {
		errs.AddField("ingestion.max_age", fmt.Sprintf("%s exceeds retention.compress_after %s",
			cfg.Ingestion.MaxAge.Std(), cfg.Retention.CompressAfter.Std()))
	}

	// Channels
	channels := make(map[string]bool, len(cfg.Channels))
	for i, ch := range cfg.Channels {
		field := fmt.Sprintf("channels[%d]", i)
		if err := validation.ValidateChannelIdentity(ch.Identity); err != nil {
			errs.AddField(field+".identity", err.Error())
			continue
		}
		if channels[ch.Identity] {
			errs.AddField(field+".identity", fmt.Sprintf("duplicate channel %q", ch.Identity))
		}
		channels[ch.Identity] = true
		if ch.Min != nil && ch.Max != nil && *ch.Min > *ch.Max {
			errs.AddField(field, fmt.Sprintf("min %g exceeds max %g", *ch.Min, *ch.Max))
		}
		if ch.Calibration != nil && ch.Calibration.Scale == 0 {
			errs.AddField(field+".calibration.scale", "cannot be zero")
		}
	}

	// Detectors
	detectors := make(map[string]bool, len(cfg.Detectors))
	for i, spec := range ToDetectorSpecs(cfg) {
		field := fmt.Sprintf("detectors[%d]", i)
		if err := spec.Validate(); err != nil {
			errs.AddField(field, err.Error())
			continue
		}
		if detectors[spec.Name] {
			errs.AddField(field+".name", fmt.Sprintf("duplicate detector %q", spec.Name))
		}
		detectors[spec.Name] = true
		if !channels[spec.Channel] {
			errs.AddField(field+".channel", fmt.Sprintf("channel %q is not declared", spec.Channel))
		}
	}

	// Dispatcher
	switch cfg.Dispatcher.Client {
	case "", ClientLog:
	case ClientMQTT:
		if !cfg.MQTT.Enabled() {
			errs.AddField("dispatcher.client", "mqtt requires mqtt.broker")
		}
	default:
		errs.AddField("dispatcher.client", fmt.Sprintf("unknown client %q", cfg.Dispatcher.Client))
	}
	if cfg.Dispatcher.MaxAttempts < 1 {
		errs.AddField("dispatcher.max_attempts", "must be at least 1")
	}
	if cfg.Dispatcher.Cooldown < 0 {
		errs.AddField("dispatcher.cooldown", "cannot be negative")
	}

	// MQTT
	if cfg.MQTT.Enabled() {
		if cfg.MQTT.FeedTopic == "" {
			errs.AddMissing("mqtt.feed_topic")
		}
		if cfg.MQTT.ActionTopic == "" {
			errs.AddMissing("mqtt.action_topic")
		}
		if cfg.MQTT.ClientID == "" {
			errs.AddMissing("mqtt.client_id")
		}
	}

	// Admin
	for i, t := range cfg.Admin.Tokens {
		if t == "" {
			errs.AddField(fmt.Sprintf("admin.tokens[%d]", i), "cannot be empty")
		}
	}
	if (cfg.Admin.TLS.CertFile == "") != (cfg.Admin.TLS.KeyFile == "") {
		errs.AddField("admin.tls", "cert_file and key_file must be set together")
	}

	// Logging
	switch strings.ToLower(cfg.Logging.Level) {
	case "", "debug", "info", "warn", "error":
	default:
		errs.AddField("logging.level", fmt.Sprintf("unknown level %q", cfg.Logging.Level))
	}

	return errs.Err()
}

// =============================================================================
// Conversion: Config → Component Configs
// =============================================================================

// ToStorageConfig converts the readings and retention sections to the
// Reading Store configuration.
func ToStorageConfig(cfg *Config) *storageconfig.Config {
	return &storageconfig.Config{
		Path:         cfg.Readings.Path,
		ChunkDir:     cfg.Readings.ChunkDir,
		MemoryLimit:  cfg.Readings.MemoryLimit,
		QueryTimeout: cfg.Readings.QueryTimeout,
		Retention:    cfg.Retention,
		Compression: storageconfig.CompressionConfig{
			Algorithm: cfg.Readings.Compression,
		},
		Percentile: storageconfig.PercentileConfig{
			Accuracy: cfg.Readings.PercentileAccuracy,
		},
	}
}

// ToStateConfig converts the state section.
func ToStateConfig(cfg *Config) state.Config {
	return state.Config{
		Path:         cfg.State.Path,
		BusyTimeout:  cfg.State.BusyTimeout.Std(),
		MaxRetries:   cfg.State.MaxRetries,
		QueryTimeout: cfg.State.QueryTimeout.Std(),
	}
}

// ToIngestionConfig converts the ingestion section. An unset max_age
// follows retention.compress_after, the dedup window.
func ToIngestionConfig(cfg *Config) ingestion.Config {
	maxAge := cfg.Ingestion.MaxAge.Std()
	if maxAge == 0 {
		maxAge = cfg.Retention.CompressAfter.Std()
	}
	return ingestion.Config{
		RatePerSec:    cfg.Ingestion.RatePerSec,
		Burst:         cfg.Ingestion.Burst,
		StoreTimeout:  cfg.Ingestion.StoreTimeout.Std(),
		MaxRetries:    cfg.Ingestion.MaxRetries,
		Backoff:       cfg.Ingestion.Backoff.Std(),
		MaxBackoff:    cfg.Ingestion.MaxBackoff.Std(),
		MaxAge:        maxAge,
		MaxFutureSkew: cfg.Ingestion.MaxFutureSkew.Std(),
	}
}

// ToChannelSpecs converts the channels section to registry specs.
func ToChannelSpecs(cfg *Config) []registry.ChannelSpec {
	specs := make([]registry.ChannelSpec, 0, len(cfg.Channels))
	for _, ch := range cfg.Channels {
		active := true
		if ch.Active != nil {
			active = *ch.Active
		}
		specs = append(specs, registry.ChannelSpec{
			Channel: types.Channel{
				Identity:    ch.Identity,
				Description: ch.Description,
				Group:       ch.Group,
				Unit:        ch.Unit,
				Active:      active,
			},
			Range:       validation.Range{Min: ch.Min, Max: ch.Max},
			Calibration: ch.Calibration,
		})
	}
	return specs
}

// ToDetectorSpecs converts the detectors section. Unset fields take the
// detector defaults.
func ToDetectorSpecs(cfg *Config) []detector.Spec {
	specs := make([]detector.Spec, 0, len(cfg.Detectors))
	for _, d := range cfg.Detectors {
		spec := detector.Spec{
			Name:       d.Name,
			Kind:       d.Kind,
			Channel:    d.Channel,
			Cadence:    seconds(d.CadenceSeconds),
			Lookback:   seconds(d.LookbackSeconds),
			Cooldown:   seconds(d.CooldownSeconds),
			Budget:     seconds(d.BudgetSeconds),
			MinSamples: d.MinSamples,
			Threshold:  d.Threshold,
			EventType:  d.EventType,
		}
		specs = append(specs, spec.WithDefaults())
	}
	return specs
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// ToEngineConfig converts the engine and scheduler sections.
func ToEngineConfig(cfg *Config) engine.Config {
	sched := scheduler.DefaultConfig()
	sched.Workers = cfg.Scheduler.Workers
	sched.QueueSize = cfg.Scheduler.QueueSize
	sched.ResultsSize = cfg.Scheduler.QueueSize
	sched.TickInterval = cfg.Scheduler.TickInterval.Std()
	sched.DrainTimeout = cfg.Scheduler.DrainTimeout.Std()

	return engine.Config{
		Holder:     cfg.Engine.Holder,
		LeaseGrace: cfg.Engine.LeaseGrace.Std(),
		Scheduler:  sched,
	}
}

// ToDispatcherConfig converts the dispatcher section.
func ToDispatcherConfig(cfg *Config) dispatcher.Config {
	return dispatcher.Config{
		MaxAttempts:      cfg.Dispatcher.MaxAttempts,
		Backoff:          cfg.Dispatcher.Backoff.Std(),
		Timeout:          cfg.Dispatcher.Timeout.Std(),
		Cooldown:         cfg.Dispatcher.Cooldown.Std(),
		Template:         cfg.Dispatcher.Template,
		SweepInterval:    cfg.Dispatcher.SweepInterval.Std(),
		MaxTotalAttempts: cfg.Dispatcher.MaxTotalAttempts,
		QueueSize:        cfg.Dispatcher.QueueSize,
	}
}

// ActionClient returns the effective action client name.
func ActionClient(cfg *Config) string {
	if cfg.Dispatcher.Client != "" {
		return cfg.Dispatcher.Client
	}
	if cfg.MQTT.Enabled() {
		return ClientMQTT
	}
	return ClientLog
}

// ToMQTTConfig converts the mqtt section for a connection whose client id
// carries suffix. The feed and the action client use separate connections.
func ToMQTTConfig(cfg *Config, suffix string) mqtt.Config {
	id := cfg.MQTT.ClientID
	if suffix != "" {
		id += "-" + suffix
	}
	return mqtt.Config{
		Broker:        cfg.MQTT.Broker,
		ClientID:      id,
		Username:      cfg.MQTT.Username,
		Password:      cfg.MQTT.Password,
		KeepAlive:     cfg.MQTT.KeepAlive.Std(),
		SessionExpiry: cfg.MQTT.SessionExpiry.Std(),
	}
}

// ToFeedConfig converts the mqtt section to the feed subscriber config.
func ToFeedConfig(cfg *Config) feed.Config {
	return feed.Config{
		MQTT:              ToMQTTConfig(cfg, "feed"),
		Topic:             cfg.MQTT.FeedTopic,
		ReconnectDelay:    cfg.MQTT.ReconnectDelay.Std(),
		MaxReconnectDelay: cfg.MQTT.MaxReconnectDelay.Std(),
	}
}

// ToServerConfig converts the admin section.
func ToServerConfig(cfg *Config) server.Config {
	return server.Config{
		Listen:           cfg.Admin.Listen,
		TLSCertFile:      cfg.Admin.TLS.CertFile,
		TLSKeyFile:       cfg.Admin.TLS.KeyFile,
		Tokens:           cfg.Admin.Tokens,
		RatePerSec:       cfg.Admin.RatePerSec,
		Burst:            cfg.Admin.Burst,
		MaxMessageSize:   cfg.Admin.MaxMessageSize,
		ReadTimeout:      cfg.Admin.ReadTimeout.Std(),
		AuthFailureLimit: cfg.Admin.AuthFailureLimit,
	}
}
