package logging

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"bogus", slog.LevelInfo},
		{"", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := parseLevel(tt.input); got != tt.want {
			t.Errorf("parseLevel(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

func TestInitJSONFileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "swarm.log")
	err := Init(&Config{Level: "info", Format: "json", Output: path})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = Init(DefaultConfig()) })

	WithComponent("poller").Info("tick complete", "issues", 4)

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(string(data))), &entry); err != nil {
		t.Fatalf("log line is not JSON: %v\n%s", err, data)
	}
	if entry["component"] != "poller" || entry["msg"] != "tick complete" {
		t.Errorf("entry = %v", entry)
	}
	if entry["issues"].(float64) != 4 {
		t.Errorf("issues = %v, want 4", entry["issues"])
	}
}

func TestInitLevelFilter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "swarm.log")
	if err := Init(&Config{Level: "warn", Format: "text", Output: path}); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = Init(DefaultConfig()) })

	Info("should be filtered")
	Warn("should appear")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(data), "should be filtered") {
		t.Error("info line written despite warn level")
	}
	if !strings.Contains(string(data), "should appear") {
		t.Error("warn line missing")
	}
}

func TestWithAgentAddsAttribute(t *testing.T) {
	path := filepath.Join(t.TempDir(), "swarm.log")
	if err := Init(&Config{Level: "info", Format: "json", Output: path}); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = Init(DefaultConfig()) })

	WithAgent("agent-issue-7").Info("spawned")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `"agent_id":"agent-issue-7"`) {
		t.Errorf("agent_id attribute missing: %s", data)
	}
}

func TestInitNilConfigUsesDefaults(t *testing.T) {
	if err := Init(nil); err != nil {
		t.Fatal(err)
	}
	if Logger() == nil {
		t.Fatal("logger not set")
	}
}
