package loader

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/xtxerr/peebot/config"
	"github.com/xtxerr/peebot/internal/errors"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

const baseConfig = `
readings:
  path: ${PEEBOT_TEST_DIR}/readings.duckdb
  chunk_dir: ${PEEBOT_TEST_DIR}/chunks
retention:
  chunk_interval: 12h
  compress_after: P3D
  drop_after: P30D
state:
  path: ${PEEBOT_TEST_DIR}/state.db
channels:
  - identity: NODE3000004
    description: bathroom tank
    unit: cm
    min: 0
    max: 200
    calibration: {scale: 0.5, offset: 1}
detectors:
  - name: tank-trend
    kind: trend
    channel: NODE3000004
    cadence_seconds: 30
    threshold: 10
admin:
  tokens: ["${PEEBOT_TEST_TOKEN}"]
include:
  - conf.d/*.yaml
`

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("PEEBOT_TEST_DIR", dir)
	t.Setenv("PEEBOT_TEST_TOKEN", "s3cret")

	if err := os.Mkdir(filepath.Join(dir, "conf.d"), 0755); err != nil {
		t.Fatal(err)
	}
	writeFile(t, filepath.Join(dir, "conf.d"), "kitchen.yaml", `
channels:
  - identity: NODE3000007
    active: false
detectors:
  - name: kitchen-trend
    kind: trend
    channel: NODE3000007
`)
	path := writeFile(t, dir, "peebot.yaml", baseConfig)

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := Validate(cfg); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	if cfg.Readings.Path != filepath.Join(dir, "readings.duckdb") {
		t.Errorf("readings.path = %q", cfg.Readings.Path)
	}
	if len(cfg.Admin.Tokens) != 1 || cfg.Admin.Tokens[0] != "s3cret" {
		t.Errorf("admin.tokens = %v", cfg.Admin.Tokens)
	}
	if got := cfg.Retention.CompressAfter.Std(); got != 72*time.Hour {
		t.Errorf("compress_after = %v, want 72h", got)
	}
	if got := cfg.Retention.DropAfter.Std(); got != 30*24*time.Hour {
		t.Errorf("drop_after = %v, want 720h", got)
	}

	// Defaults survive a partial file.
	if cfg.Dispatcher.MaxAttempts != config.DefaultDispatchAttempts {
		t.Errorf("dispatcher.max_attempts = %d", cfg.Dispatcher.MaxAttempts)
	}
	if cfg.MQTT.FeedTopic != config.DefaultFeedTopic {
		t.Errorf("mqtt.feed_topic = %q", cfg.MQTT.FeedTopic)
	}

	specs := ToChannelSpecs(cfg)
	if len(specs) != 2 {
		t.Fatalf("got %d channels, want 2 (one included)", len(specs))
	}
	if !specs[0].Channel.Active || specs[1].Channel.Active {
		t.Errorf("active flags = %v, %v", specs[0].Channel.Active, specs[1].Channel.Active)
	}
	if specs[0].Calibration == nil || specs[0].Calibration.Func()(10) != 6 {
		t.Errorf("calibration = %+v", specs[0].Calibration)
	}
	if specs[0].Range.Contains(201) || !specs[0].Range.Contains(0) {
		t.Errorf("range = %s", specs[0].Range)
	}

	dets := ToDetectorSpecs(cfg)
	if len(dets) != 2 {
		t.Fatalf("got %d detectors, want 2", len(dets))
	}
	if dets[0].Cadence != 30*time.Second {
		t.Errorf("cadence = %v", dets[0].Cadence)
	}
	if dets[1].Lookback != config.DefaultLookbackSeconds*time.Second {
		t.Errorf("included detector lookback = %v, want default", dets[1].Lookback)
	}
	if dets[1].EventType != config.DefaultEventType {
		t.Errorf("event_type = %q", dets[1].EventType)
	}
}

func TestLoadErrors(t *testing.T) {
	dir := t.TempDir()

	if _, err := Load(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}

	bad := writeFile(t, dir, "bad.yaml", "retention:\n  drop_after: forever\n")
	if _, err := Load(bad); err == nil {
		t.Error("expected error for bad duration")
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := DefaultConfig()
		cfg.Channels = []ChannelConfig{{Identity: "NODE3000004"}}
		cfg.Detectors = []DetectorConfig{{Name: "tank-trend", Kind: "trend", Channel: "NODE3000004"}}
		return cfg
	}
	f := func(v float64) *float64 { return &v }

	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"valid", func(*Config) {}, ""},
		{"undeclared channel", func(c *Config) { c.Detectors[0].Channel = "NODE9" }, "detectors[0].channel"},
		{"duplicate channel", func(c *Config) { c.Channels = append(c.Channels, c.Channels[0]) }, "duplicate channel"},
		{"duplicate detector", func(c *Config) { c.Detectors = append(c.Detectors, c.Detectors[0]) }, "duplicate detector"},
		{"bad identity", func(c *Config) { c.Channels[0].Identity = "node 1" }, "channels[0].identity"},
		{"inverted range", func(c *Config) { c.Channels[0].Min, c.Channels[0].Max = f(10), f(1) }, "exceeds max"},
		{"lookback below cadence", func(c *Config) {
			c.Detectors[0].CadenceSeconds = 120
			c.Detectors[0].LookbackSeconds = 60
		}, "lookback"},
		{"retention order", func(c *Config) { c.Retention.CompressAfter = c.Retention.DropAfter }, "retention"},
		{"mqtt client without broker", func(c *Config) { c.Dispatcher.Client = ClientMQTT }, "dispatcher.client"},
		{"unknown client", func(c *Config) { c.Dispatcher.Client = "smtp" }, "dispatcher.client"},
		{"half tls", func(c *Config) { c.Admin.TLS.CertFile = "cert.pem" }, "admin.tls"},
		{"empty token", func(c *Config) { c.Admin.Tokens = []string{""} }, "admin.tokens[0]"},
		{"log level", func(c *Config) { c.Logging.Level = "loud" }, "logging.level"},
		{"missing state path", func(c *Config) { c.State.Path = "" }, "state.path"},
		{"max age beyond compression", func(c *Config) {
			c.Ingestion.MaxAge = c.Retention.CompressAfter + Duration(time.Hour)
		}, "ingestion.max_age"},
		{"max age at compression", func(c *Config) { c.Ingestion.MaxAge = c.Retention.CompressAfter }, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := Validate(cfg)
			if tt.field == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("expected error mentioning %q", tt.field)
			}
			if !errors.IsValidation(err) {
				t.Errorf("error is not a validation error: %v", err)
			}
			if !strings.Contains(err.Error(), tt.field) {
				t.Errorf("error %q does not mention %q", err, tt.field)
			}
		})
	}
}

func TestConversions(t *testing.T) {
	cfg := DefaultConfig()

	ing := ToIngestionConfig(cfg)
	if ing.MaxAge != cfg.Retention.CompressAfter.Std() {
		t.Errorf("ingestion max_age = %v, want compress_after %v", ing.MaxAge, cfg.Retention.CompressAfter)
	}
	cfg.Ingestion.MaxAge = Duration(time.Hour)
	if got := ToIngestionConfig(cfg).MaxAge; got != time.Hour {
		t.Errorf("explicit max_age = %v", got)
	}

	if got := ActionClient(cfg); got != ClientLog {
		t.Errorf("ActionClient without broker = %q, want log", got)
	}
	cfg.MQTT.Broker = "127.0.0.1:1883"
	if got := ActionClient(cfg); got != ClientMQTT {
		t.Errorf("ActionClient with broker = %q, want mqtt", got)
	}

	fc := ToFeedConfig(cfg)
	if fc.MQTT.ClientID != "peebotd-feed" || fc.Topic != config.DefaultFeedTopic {
		t.Errorf("feed config = %+v", fc)
	}
	if mc := ToMQTTConfig(cfg, "action"); mc.ClientID != "peebotd-action" || mc.SessionExpiry != time.Hour {
		t.Errorf("action mqtt config = %+v", mc)
	}

	sc := ToStorageConfig(cfg)
	if err := sc.Validate(); err != nil {
		t.Errorf("default storage config invalid: %v", err)
	}

	ec := ToEngineConfig(cfg)
	if ec.Scheduler == nil || ec.Scheduler.Workers != config.DefaultSchedulerWorkers {
		t.Errorf("scheduler = %+v", ec.Scheduler)
	}

	cfg.Admin.Tokens = []string{"t"}
	if srv := ToServerConfig(cfg); srv.Listen != config.DefaultAdminListen || len(srv.Tokens) != 1 {
		t.Errorf("server config = %+v", srv)
	}
	if !cfg.Admin.Enabled() {
		t.Error("admin should be enabled with a token")
	}
}
