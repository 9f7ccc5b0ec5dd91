package server

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
)

// logLevel is shared by every logger built with NewLogger so a config reload
// can change verbosity without rebuilding handlers.
var logLevel slog.LevelVar

// NewLogger builds the process logger for cfg.LogFormat. Its level follows
// the active configuration.
func NewLogger(w io.Writer, cfg Config) *slog.Logger {
	setLogLevel(cfg.LogLevel)
	opts := &slog.HandlerOptions{Level: &logLevel}
	if cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func setLogLevel(level string) {
	if l, err := parseLogLevel(level); err == nil {
		logLevel.Set(l)
	}
}

func parseLogLevel(level string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("log_level %q unknown: want debug|info|warn|error", level)
	}
}
