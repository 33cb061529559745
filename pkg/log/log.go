// Package log configures the process-wide slog default logger.
package log

import (
	"log/slog"
	"os"
)

// Setup installs the default logger for one of the engage binaries. Output
// is text for local runs and JSON when LOG_FORMAT=json, with the service
// name attached to every record.
func Setup(service, logLevel string) {
	var level slog.Level

	switch logLevel {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	options := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if os.Getenv("LOG_FORMAT") == "json" {
		handler = slog.NewJSONHandler(os.Stderr, options)
	} else {
		handler = slog.NewTextHandler(os.Stderr, options)
	}

	slog.SetDefault(slog.New(handler).With("service", service))
}

func WithModule(module string) *slog.Logger {
	return slog.With("module", module)
}
