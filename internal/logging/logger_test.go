package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/tomyedwab/iotguard/internal/config"
)

func TestNew(t *testing.T) {
	for _, cfg := range []config.LoggingConfig{
		{Level: "info", Format: "json", Output: "stdout"},
		{Level: "debug", Format: "text", Output: "stderr"},
	} {
		if New(cfg, "iotguardctl", "1.0.0") == nil {
			t.Fatalf("expected non-nil logger for %+v", cfg)
		}
	}
}

func TestDefault(t *testing.T) {
	logger := Default("mockapi", "1.0.0")
	if logger == nil {
		t.Fatal("expected non-nil logger")
	}
	ctx := t.Context()
	if logger.Enabled(ctx, slog.LevelDebug) {
		t.Error("default logger should not emit debug records")
	}
	if !logger.Enabled(ctx, slog.LevelInfo) {
		t.Error("default logger should emit info records")
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"WARNING", slog.LevelWarn},
		{"error", slog.LevelError},
		{"unknown", slog.LevelInfo},
		{"", slog.LevelInfo},
	}

	for _, tt := range tests {
		if got := parseLevel(tt.input); got != tt.expected {
			t.Errorf("parseLevel(%q) = %v, want %v", tt.input, got, tt.expected)
		}
	}
}

func TestJSONOutputIncludesDefaultFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(config.LoggingConfig{Level: "info", Format: "json"}, "mockapi", "1.2.3", &buf)

	logger.With("component", "gateway").Info("renewed", "user_id", 7)

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log line is not JSON: %v (%q)", err, buf.String())
	}
	for key, want := range map[string]any{
		"msg":       "renewed",
		"service":   "mockapi",
		"version":   "1.2.3",
		"component": "gateway",
		"user_id":   float64(7),
	} {
		if entry[key] != want {
			t.Errorf("entry[%q] = %v, want %v", key, entry[key], want)
		}
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(config.LoggingConfig{Level: "warn", Format: "text"}, "iotguardctl", "dev", &buf)

	logger.Info("hidden")
	logger.Warn("shown")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("info message logged at warn level: %q", out)
	}
	if !strings.Contains(out, "shown") {
		t.Errorf("warn message missing: %q", out)
	}
}
