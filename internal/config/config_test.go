package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

func TestLoad_ValidConfig(t *testing.T) {
	path := writeConfig(t, `
api:
  base_url: "https://api.iotguard.localhost"
  renewal_timeout: 5
session:
  path: "/tmp/session.json"
audit:
  enabled: false
logging:
  level: "debug"
  format: "json"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.API.BaseURL != "https://api.iotguard.localhost" {
		t.Errorf("API.BaseURL = %q", cfg.API.BaseURL)
	}
	if cfg.GetRenewalTimeout() != 5*time.Second {
		t.Errorf("GetRenewalTimeout() = %v, want 5s", cfg.GetRenewalTimeout())
	}
	// Unset keys keep their defaults.
	if cfg.GetTimeout() != 30*time.Second {
		t.Errorf("GetTimeout() = %v, want 30s", cfg.GetTimeout())
	}
	if cfg.Session.Path != "/tmp/session.json" {
		t.Errorf("Session.Path = %q", cfg.Session.Path)
	}
	if cfg.Audit.Enabled {
		t.Error("Audit.Enabled = true, want false")
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %q", cfg.Logging.Level)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/path/config.yaml"); err == nil {
		t.Error("Load() expected error for missing file, got nil")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := writeConfig(t, "api: [unclosed")
	if _, err := Load(path); err == nil {
		t.Error("Load() expected error for invalid YAML, got nil")
	}
}

func TestLoadOptional_FallsBackToDefaults(t *testing.T) {
	cfg, err := LoadOptional(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("LoadOptional() error = %v", err)
	}
	if cfg.API.BaseURL != Default().API.BaseURL {
		t.Errorf("API.BaseURL = %q, want default", cfg.API.BaseURL)
	}

	if _, err := LoadOptional(writeConfig(t, "api: [unclosed")); err == nil {
		t.Error("LoadOptional() must still report a broken file")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("IOTGUARD_API_BASE_URL", "http://127.0.0.1:9000/api")
	t.Setenv("IOTGUARD_SESSION_PATH", "/run/session.json")
	t.Setenv("IOTGUARD_AUDIT_ENABLED", "false")
	t.Setenv("IOTGUARD_LOGGING_LEVEL", "debug")
	t.Setenv("IOTGUARD_MOCKAPI_JWT_SECRET", "from-env")

	cfg, err := Load(writeConfig(t, `
api:
  base_url: "https://ignored.example.com"
`))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.API.BaseURL != "http://127.0.0.1:9000/api" {
		t.Errorf("API.BaseURL = %q", cfg.API.BaseURL)
	}
	if cfg.Session.Path != "/run/session.json" {
		t.Errorf("Session.Path = %q", cfg.Session.Path)
	}
	if cfg.Audit.Enabled {
		t.Error("Audit.Enabled = true, want false")
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %q", cfg.Logging.Level)
	}
	if cfg.MockAPI.JWTSecret != "from-env" {
		t.Errorf("MockAPI.JWTSecret = %q", cfg.MockAPI.JWTSecret)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "defaults are valid", mutate: func(*Config) {}},
		{name: "missing base URL", mutate: func(c *Config) { c.API.BaseURL = "" }, wantErr: "api.base_url is required"},
		{name: "relative base URL", mutate: func(c *Config) { c.API.BaseURL = "/api" }, wantErr: "absolute http or https"},
		{name: "zero renewal timeout", mutate: func(c *Config) { c.API.RenewalTimeout = 0 }, wantErr: "renewal_timeout"},
		{name: "audit without path", mutate: func(c *Config) { c.Audit.Path = "" }, wantErr: "audit.path"},
		{name: "audit disabled without path", mutate: func(c *Config) { c.Audit.Enabled = false; c.Audit.Path = "" }},
		{name: "bad log format", mutate: func(c *Config) { c.Logging.Format = "xml" }, wantErr: "logging.format"},
		{name: "metrics without listen", mutate: func(c *Config) { c.Metrics.Enabled = true; c.Metrics.Listen = "" }, wantErr: "metrics.listen"},
		{name: "bad prefix", mutate: func(c *Config) { c.MockAPI.PathPrefix = "api" }, wantErr: "path_prefix"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() error = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want it to mention %q", err, tt.wantErr)
			}
		})
	}
}
