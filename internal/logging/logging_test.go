package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"
)

func TestComponentFollowsLaterInit(t *testing.T) {
	log := Component("engine")

	var buf bytes.Buffer
	InitWithHandler(slog.NewJSONHandler(&buf, nil))
	defer Init(slog.LevelInfo, false)

	log.Info("tick committed", "events", 1)

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("output is not JSON: %v (%q)", err, buf.String())
	}
	if rec["component"] != "engine" {
		t.Errorf("component = %v, want engine", rec["component"])
	}
	if rec["msg"] != "tick committed" {
		t.Errorf("msg = %v", rec["msg"])
	}
}

func TestWithContext(t *testing.T) {
	var buf bytes.Buffer
	InitWithHandler(slog.NewJSONHandler(&buf, nil))
	defer Init(slog.LevelInfo, false)

	ctx := ContextWithDetector(context.Background(), "tank-trend")
	ctx = ContextWithChannel(ctx, "NODE3000004")
	WithContext(ctx).Warn("tick skipped")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("output is not JSON: %v", err)
	}
	if rec["detector"] != "tank-trend" || rec["channel"] != "NODE3000004" {
		t.Errorf("context attributes missing: %v", rec)
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"WARN", slog.LevelWarn},
		{"error", slog.LevelError},
		{"nonsense", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
