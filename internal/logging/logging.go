// Package logging builds the structured logger shared by the CLI and the registry
// clients.
package logging

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"github.com/scottbass3/ghcr-cleaner/internal/registry"
)

func New(w io.Writer, level, format string) (*log.Logger, error) {
	lvl := log.InfoLevel
	if strings.TrimSpace(level) != "" {
		parsed, err := log.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
		if err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", level, err)
		}
		lvl = parsed
	}

	opts := log.Options{
		Level:           lvl,
		ReportTimestamp: true,
		TimeFormat:      time.RFC3339,
	}
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "text":
		opts.Formatter = log.TextFormatter
	case "json":
		opts.Formatter = log.JSONFormatter
	default:
		return nil, fmt.Errorf("invalid log format %q", format)
	}
	return log.NewWithOptions(w, opts), nil
}

// RequestLogger reports registry HTTP calls at debug level. Authorization headers
// are already redacted by the registry package.
func RequestLogger(logger *log.Logger) registry.RequestLogger {
	return func(entry registry.RequestLog) {
		logger.Debug("registry request",
			"method", entry.Method,
			"url", entry.URL,
			"status", entry.Status,
			"duration", entry.Duration.Round(time.Millisecond))
	}
}

// RetryNotifier logs every retried registry call.
func RetryNotifier(logger *log.Logger) func(op string, attempt int, err error, wait time.Duration) {
	return func(op string, attempt int, err error, wait time.Duration) {
		logger.Warn("retrying registry call", "op", op, "attempt", attempt, "wait", wait.Round(time.Millisecond), "err", err)
	}
}
