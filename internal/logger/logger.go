package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// EnvLevel names the environment variable that enables logging
const EnvLevel = "QUANTRELAY_LOG_LEVEL"

var defaultLogger *slog.Logger

func init() {
	lvlStr := os.Getenv(EnvLevel)
	if lvlStr == "" {
		// silent by default, enabled via flag or env var
		defaultLogger = slog.New(slog.NewTextHandler(io.Discard, nil))
		return
	}

	defaultLogger = New(os.Stderr, ParseLevel(lvlStr), "json")
}

// New builds a logger writing to w. format is "json" or "text".
func New(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(format, "text") {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

// L returns the shared application logger.
func L() *slog.Logger {
	return defaultLogger
}

// Set replaces the global logger (useful in tests).
func Set(l *slog.Logger) {
	if l != nil {
		defaultLogger = l
	}
}

// Discard returns a logger that drops everything
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// Component returns the shared logger tagged with a component name
func Component(name string) *slog.Logger {
	return defaultLogger.With("component", name)
}

// ParseLevel converts a textual level ("debug", "info", "warn", "error") to a slog.Level.
// Unknown strings fall back to slog.LevelInfo.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
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

// Configure installs a logger for level and format on stderr
func Configure(level, format string) {
	Set(New(os.Stderr, ParseLevel(level), format))
}
