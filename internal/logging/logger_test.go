package logging

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func readEntries(t *testing.T, dir string) []map[string]any {
	t.Helper()

	data, err := os.ReadFile(filepath.Join(dir, "loom.log"))
	if err != nil {
		t.Fatalf("failed to read log file: %v", err)
	}

	var entries []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		if line == "" {
			continue
		}
		var entry map[string]any
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			t.Fatalf("log line is not JSON: %q: %v", line, err)
		}
		entries = append(entries, entry)
	}
	return entries
}

func TestLogger_WritesJSONToFile(t *testing.T) {
	dir := t.TempDir()

	log, err := New(dir, "debug")
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	log.Info("session provisioned", "config_id", "session-1")
	if err := log.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}

	entries := readEntries(t, dir)
	if len(entries) != 1 {
		t.Fatalf("entries = %d, want 1", len(entries))
	}
	if entries[0]["msg"] != "session provisioned" {
		t.Errorf("msg = %v, want 'session provisioned'", entries[0]["msg"])
	}
	if entries[0]["config_id"] != "session-1" {
		t.Errorf("config_id = %v, want session-1", entries[0]["config_id"])
	}
}

func TestLogger_LevelFiltering(t *testing.T) {
	dir := t.TempDir()

	log, err := New(dir, "warn")
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	log.Debug("dropped")
	log.Info("dropped too")
	log.Warn("kept")
	log.Error("also kept")
	if err := log.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}

	entries := readEntries(t, dir)
	if len(entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(entries))
	}
}

func TestLogger_ChildContext(t *testing.T) {
	dir := t.TempDir()

	log, err := New(dir, "info")
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	log.WithWorkspace("/repo").WithSession("session-1").WithStep("provision").Info("starting")
	// The parent logger carries none of the child's context.
	log.Info("plain")
	if err := log.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}

	entries := readEntries(t, dir)
	if len(entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(entries))
	}
	child := entries[0]
	if child["workspace"] != "/repo" || child["session"] != "session-1" || child["step"] != "provision" {
		t.Errorf("child context = %v", child)
	}
	if _, ok := entries[1]["session"]; ok {
		t.Errorf("parent logger leaked child context: %v", entries[1])
	}
}

func TestLogger_CloseIsIdempotent(t *testing.T) {
	log, err := New(t.TempDir(), "info")
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if err := log.Close(); err != nil {
		t.Fatalf("first Close() error: %v", err)
	}
	if err := log.Close(); err != nil {
		t.Errorf("second Close() error: %v", err)
	}
}

func TestNop(t *testing.T) {
	log := Nop()
	log.WithSession("session-1").Info("discarded")
	if err := log.Close(); err != nil {
		t.Errorf("Close() error: %v", err)
	}
}
