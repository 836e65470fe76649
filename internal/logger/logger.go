// Package logger builds the structured slog logger shared by every Kestrel component.
package logger

import (
	"io"
	"log/slog"
	"os"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// New returns a logger writing to stdout.
func New(cfg domain.LoggingConfig, service, version string) *slog.Logger {
	return NewWithWriter(cfg, service, version, os.Stdout)
}

// NewWithWriter returns a logger writing to w. Unknown formats fall back to JSON.
func NewWithWriter(cfg domain.LoggingConfig, service, version string, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:     parseLevel(cfg.Level),
		AddSource: parseLevel(cfg.Level) == slog.LevelDebug,
	}

	var handler slog.Handler
	switch cfg.Format {
	case "text":
		handler = slog.NewTextHandler(w, opts)
	default:
		handler = slog.NewJSONHandler(w, opts)
	}

	return slog.New(handler).With(
		slog.String("service", service),
		slog.String("version", version),
	)
}

// parseLevel converts a level name to slog.Level, defaulting to INFO.
func parseLevel(s string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return level
}
