package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"
)

func TestNewLoggerJSONWithComponent(t *testing.T) {
	var buf bytes.Buffer
	log := NewComponentLogger(NewLogger(&buf, "info", "json"), "engine")
	log.Debug("hidden")
	log.Info("conversation_started", "conversation_id", "c1")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("expected one json record, got %q: %v", buf.String(), err)
	}
	if rec["msg"] != "conversation_started" || rec["component"] != "engine" {
		t.Fatalf("unexpected record %v", rec)
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{"debug": slog.LevelDebug, "WARN": slog.LevelWarn, "error": slog.LevelError, "": slog.LevelInfo}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Fatalf("%q: expected %v, got %v", in, want, got)
		}
	}
}
