// Package logging configures the zerolog logger shared by batchfetch components.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LogLevel is the minimum level a logger emits.
type LogLevel string

const (
	// LevelDebug adds per-task completion and discard events.
	LevelDebug LogLevel = "debug"

	// LevelInfo logs batch lifecycle events.
	LevelInfo LogLevel = "info"

	// LevelWarn logs failed fetches and timeouts.
	LevelWarn LogLevel = "warn"

	// LevelError logs recovered panics and setup failures.
	LevelError LogLevel = "error"

	// LevelDisabled silences all output.
	LevelDisabled LogLevel = "disabled"
)

// Config holds logger configuration.
type Config struct {
	// Level is the minimum log level to output.
	Level LogLevel

	// Pretty switches from JSON lines to console output.
	Pretty bool

	// Output defaults to os.Stderr so reports on stdout stay clean.
	Output io.Writer
}

// DefaultConfig returns JSON logging at info level on stderr.
func DefaultConfig() Config {
	return Config{
		Level:  LevelInfo,
		Pretty: false,
		Output: os.Stderr,
	}
}

// Setup configures the global zerolog logger and returns it.
func Setup(cfg Config) zerolog.Logger {
	level, err := ParseLevel(string(cfg.Level))
	if err != nil {
		level = LevelInfo
	}
	zerolog.SetGlobalLevel(zerologLevel(level))

	output := cfg.Output
	if output == nil {
		output = os.Stderr
	}
	if cfg.Pretty {
		output = zerolog.ConsoleWriter{Out: output, TimeFormat: "15:04:05.000"}
	}

	logger := zerolog.New(output).With().Timestamp().Logger()
	log.Logger = logger

	return logger
}

// ParseLevel validates a level name. "warning" is accepted as an alias for
// warn; the empty string means info.
func ParseLevel(s string) (LogLevel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug, nil
	case "", "info":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	case "disabled", "off":
		return LevelDisabled, nil
	default:
		return "", fmt.Errorf("unknown log level %q", s)
	}
}

func zerologLevel(level LogLevel) zerolog.Level {
	switch level {
	case LevelDebug:
		return zerolog.DebugLevel
	case LevelWarn:
		return zerolog.WarnLevel
	case LevelError:
		return zerolog.ErrorLevel
	case LevelDisabled:
		return zerolog.Disabled
	default:
		return zerolog.InfoLevel
	}
}

// NewLogger creates a child of the global logger tagged with component.
func NewLogger(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}

// Log Level Guidelines:
//
// Debug: per-task detail
//   - fetch complete (identifier, size, duration)
//   - task abandoned while waiting for a slot
//   - results discarded after the deadline
//
// Info: batch lifecycle
//   - batch started (batch_id, items, capacity, deadline)
//   - progress every 50 settled tasks
//   - batch finished (outcomes, failures, incomplete, span)
//
// Warn: degraded but handled
//   - failed fetch (error_class, status_code)
//   - batch timed out (incomplete)
//   - redis limiter release failures
//
// Error: needs attention
//   - recovered fetcher panic (correlation_id, stack)
//   - configuration or startup failures
//
// Context Fields:
//   - component: batch, fetch, limiter, config
//   - batch_id: UUID of the batch
//   - identifier: work item URL or key
//   - duration: fetch duration
//   - error_class: client, server, network, cancelled
