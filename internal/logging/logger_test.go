package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestLoggerFiltersByLevel(t *testing.T) {
	var buf bytes.Buffer
	log, err := New(&buf, "warn")
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	log.Info("hidden", "k", 1)
	log.With("network", "mainnet").Warn("pausing all borrowable assets", "index", 3)
	log.Sync()

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected one log line, got %d: %s", len(lines), buf.String())
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	if entry["msg"] != "pausing all borrowable assets" || entry["level"] != "warn" {
		t.Fatalf("unexpected entry: %v", entry)
	}
	if entry["network"] != "mainnet" || entry["index"].(float64) != 3 {
		t.Fatalf("expected structured fields, got %v", entry)
	}
}

func TestParseLevel(t *testing.T) {
	if _, err := ParseLevel("debug"); err != nil {
		t.Fatalf("expected debug to parse: %v", err)
	}
	if lvl, err := ParseLevel(""); err != nil || lvl.String() != "warn" {
		t.Fatalf("expected empty level to default to warn, got %v %v", lvl, err)
	}
	if _, err := ParseLevel("loud"); err == nil {
		t.Fatal("expected invalid level error")
	}
}
