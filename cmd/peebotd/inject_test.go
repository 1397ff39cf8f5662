package main

import (
	"strings"
	"testing"
)

func TestReadMessages(t *testing.T) {
	in := strings.NewReader(`{"channel":"NODE3000004","timestamp":"2026-03-01T08:00:00Z","value":12}

{"channel":"NODE3000004","timestamp":"2026-03-01T08:02:00Z","value":25,"idempotency_key":"k2"}
`)
	msgs, err := readMessages(in, "-")
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2", len(msgs))
	}
	if msgs[1].Value != 25 || msgs[1].IdempotencyKey != "k2" {
		t.Errorf("second message = %+v", msgs[1])
	}

	_, err = readMessages(strings.NewReader("{\"channel\":\"x\"}\n"), "-")
	if err == nil || !strings.Contains(err.Error(), "-:1") {
		t.Errorf("expected error with line number, got %v", err)
	}
}

func TestParseMetadata(t *testing.T) {
	md, err := parseMetadata([]string{"gw=eui-1", "rssi=-71"})
	if err != nil {
		t.Fatal(err)
	}
	if md["gw"] != "eui-1" || md["rssi"] != "-71" {
		t.Errorf("metadata = %v", md)
	}

	if _, err := parseMetadata([]string{"novalue"}); err == nil {
		t.Error("expected error for missing '='")
	}
	if md, _ := parseMetadata(nil); md != nil {
		t.Errorf("nil input = %v, want nil", md)
	}
}
