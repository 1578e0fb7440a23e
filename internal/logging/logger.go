// Package logging builds the structured loggers used by the iotguard
// commands.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/tomyedwab/iotguard/internal/config"
)

// Logger wraps slog.Logger with iotguard's default fields.
//
// All methods are safe for concurrent use.
type Logger struct {
	*slog.Logger
}

// New creates a Logger for cfg writing to the configured output.
func New(cfg config.LoggingConfig, service, version string) *Logger {
	var output io.Writer
	switch strings.ToLower(cfg.Output) {
	case "stdout":
		output = os.Stdout
	default:
		output = os.Stderr
	}
	return NewWithWriter(cfg, service, version, output)
}

// NewWithWriter creates a Logger writing to w.
func NewWithWriter(cfg config.LoggingConfig, service, version string, w io.Writer) *Logger {
	opts := &slog.HandlerOptions{
		Level: parseLevel(cfg.Level),
	}

	var handler slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
	}

	handler = handler.WithAttrs([]slog.Attr{
		slog.String("service", service),
		slog.String("version", version),
	})

	return &Logger{Logger: slog.New(handler)}
}

// parseLevel converts a string log level to slog.Level, defaulting to info.
func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// With returns a new Logger with additional default attributes.
//
//	gatewayLogger := logger.With("component", "gateway")
func (l *Logger) With(args ...any) *Logger {
	return &Logger{Logger: l.Logger.With(args...)}
}

// Default creates a logger for use before configuration is loaded, or when
// loading it failed.
func Default(service, version string) *Logger {
	return New(config.LoggingConfig{Level: "info", Format: "text", Output: "stderr"}, service, version)
}
