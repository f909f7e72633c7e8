package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
)

// ConfigureLogger installs the process-wide slog handler. Valid levels are
// "none", "error", "warn", "info" and "debug". With no logFile, output is
// coloured text on stderr; otherwise JSON lines go to logFile.
//
// The returned file, if any, should be closed on shutdown.
func ConfigureLogger(logLevel, logFile string) (*os.File, error) {
	var level slog.Level
	switch logLevel {
	case "none":
		slog.SetDefault(slog.New(slog.NewTextHandler(io.Discard, nil)))
		return nil, nil
	case "error":
		level = slog.LevelError
	case "warn":
		level = slog.LevelWarn
	case "info":
		level = slog.LevelInfo
	case "debug":
		level = slog.LevelDebug
	default:
		return nil, fmt.Errorf("unexpected log level %q", logLevel)
	}

	if logFile == "" {
		slog.SetDefault(slog.New(tint.NewHandler(os.Stderr, &tint.Options{
			Level:      level,
			TimeFormat: time.Kitchen,
		})))
		return nil, nil
	}

	f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(f, &slog.HandlerOptions{Level: level})))
	return f, nil
}
