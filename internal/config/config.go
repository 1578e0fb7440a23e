package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration shared by iotguardctl and mockapi.
type Config struct {
	API     APIConfig     `yaml:"api"`
	Session SessionConfig `yaml:"session"`
	Audit   AuditConfig   `yaml:"audit"`
	Logging LoggingConfig `yaml:"logging"`
	Metrics MetricsConfig `yaml:"metrics"`
	MockAPI MockAPIConfig `yaml:"mockapi"`
}

// APIConfig describes the backend the gateway talks to.
type APIConfig struct {
	BaseURL        string `yaml:"base_url"`
	Timeout        int    `yaml:"timeout"`         // seconds
	RenewalTimeout int    `yaml:"renewal_timeout"` // seconds
	CertsDir       string `yaml:"certs_dir"`
}

// SessionConfig locates the persisted session.
type SessionConfig struct {
	Path string `yaml:"path"`
}

// AuditConfig controls the session audit trail.
type AuditConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// MockAPIConfig configures the standalone mock backend.
type MockAPIConfig struct {
	Listen          string `yaml:"listen"`
	PathPrefix      string `yaml:"path_prefix"`
	DatabasePath    string `yaml:"database_path"`
	EvidenceDir     string `yaml:"evidence_dir"`
	JWTSecret       string `yaml:"jwt_secret"`
	AccessTokenTTL  int    `yaml:"access_token_ttl"`  // minutes
	RefreshTokenTTL int    `yaml:"refresh_token_ttl"` // minutes

	// AllowedOrigins lists browser origins granted CORS access. Empty
	// selects the local development frontends.
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// Load reads the configuration file at path, applies environment overrides
// and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	return finish(cfg)
}

// LoadOptional behaves like Load but falls back to the defaults when path is
// empty or does not exist.
func LoadOptional(path string) (*Config, error) {
	if path != "" {
		cfg, err := Load(path)
		if err == nil || !errors.Is(err, os.ErrNotExist) {
			return cfg, err
		}
	}
	return finish(Default())
}

func finish(cfg *Config) (*Config, error) {
	applyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

// Dir is the per-user directory holding the session, audit database and
// default config file.
func Dir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".iotguard"
	}
	return filepath.Join(home, ".iotguard")
}

// DefaultPath is the config file consulted when none is given.
func DefaultPath() string {
	return filepath.Join(Dir(), "config.yaml")
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		API: APIConfig{
			BaseURL:        "http://localhost:5000/api",
			Timeout:        30,
			RenewalTimeout: 15,
		},
		Session: SessionConfig{
			Path: filepath.Join(Dir(), "session.json"),
		},
		Audit: AuditConfig{
			Enabled: true,
			Path:    filepath.Join(Dir(), "audit.db"),
		},
		Logging: LoggingConfig{
			Level:  "warn",
			Format: "text",
			Output: "stderr",
		},
		Metrics: MetricsConfig{
			Listen: "127.0.0.1:9464",
		},
		MockAPI: MockAPIConfig{
			Listen:          ":5000",
			PathPrefix:      "/api",
			DatabasePath:    "./data/mockapi.db",
			AccessTokenTTL:  60,
			RefreshTokenTTL: 30 * 24 * 60,
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the
// configuration. Variables follow the pattern IOTGUARD_SECTION_KEY.
func applyEnvOverrides(cfg *Config) {
	// API
	if v := os.Getenv("IOTGUARD_API_BASE_URL"); v != "" {
		cfg.API.BaseURL = v
	}
	if v := os.Getenv("IOTGUARD_API_CERTS_DIR"); v != "" {
		cfg.API.CertsDir = v
	}

	// Session and audit
	if v := os.Getenv("IOTGUARD_SESSION_PATH"); v != "" {
		cfg.Session.Path = v
	}
	if v := os.Getenv("IOTGUARD_AUDIT_PATH"); v != "" {
		cfg.Audit.Path = v
	}
	if v := os.Getenv("IOTGUARD_AUDIT_ENABLED"); v != "" {
		if enabled, err := strconv.ParseBool(v); err == nil {
			cfg.Audit.Enabled = enabled
		}
	}

	// Logging
	if v := os.Getenv("IOTGUARD_LOGGING_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	// Mock API
	if v := os.Getenv("IOTGUARD_MOCKAPI_JWT_SECRET"); v != "" {
		cfg.MockAPI.JWTSecret = v
	}
	if v := os.Getenv("IOTGUARD_MOCKAPI_EVIDENCE_DIR"); v != "" {
		cfg.MockAPI.EvidenceDir = v
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []string

	if c.API.BaseURL == "" {
		errs = append(errs, "api.base_url is required")
	} else if u, err := url.Parse(c.API.BaseURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, "api.base_url must be an absolute http or https URL")
	}
	if c.API.Timeout < 0 {
		errs = append(errs, "api.timeout must not be negative")
	}
	if c.API.RenewalTimeout <= 0 {
		errs = append(errs, "api.renewal_timeout must be positive")
	}

	if c.Session.Path == "" {
		errs = append(errs, "session.path is required")
	}
	if c.Audit.Enabled && c.Audit.Path == "" {
		errs = append(errs, "audit.path is required when audit is enabled")
	}

	switch strings.ToLower(c.Logging.Format) {
	case "", "json", "text":
	default:
		errs = append(errs, "logging.format must be json or text")
	}

	if c.Metrics.Enabled && c.Metrics.Listen == "" {
		errs = append(errs, "metrics.listen is required when metrics are enabled")
	}

	if c.MockAPI.AccessTokenTTL <= 0 || c.MockAPI.RefreshTokenTTL <= 0 {
		errs = append(errs, "mockapi token TTLs must be positive")
	}
	if c.MockAPI.PathPrefix != "" && !strings.HasPrefix(c.MockAPI.PathPrefix, "/") {
		errs = append(errs, "mockapi.path_prefix must start with /")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

// GetTimeout returns the API request timeout as a Duration.
func (c *Config) GetTimeout() time.Duration {
	return time.Duration(c.API.Timeout) * time.Second
}

// GetRenewalTimeout returns the renewal timeout as a Duration.
func (c *Config) GetRenewalTimeout() time.Duration {
	return time.Duration(c.API.RenewalTimeout) * time.Second
}

// GetAccessTokenTTL returns the mock API access token lifetime.
func (c *Config) GetAccessTokenTTL() time.Duration {
	return time.Duration(c.MockAPI.AccessTokenTTL) * time.Minute
}

// GetRefreshTokenTTL returns the mock API refresh token lifetime.
func (c *Config) GetRefreshTokenTTL() time.Duration {
	return time.Duration(c.MockAPI.RefreshTokenTTL) * time.Minute
}
