// Package logging provides structured logging configuration using zerolog.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LogLevel represents the logging level.
type LogLevel string

const (
	// LevelDebug logs debug messages and above.
	LevelDebug LogLevel = "debug"

	// LevelInfo logs info messages and above.
	LevelInfo LogLevel = "info"

	// LevelWarn logs warning messages and above.
	LevelWarn LogLevel = "warn"

	// LevelError logs error messages only.
	LevelError LogLevel = "error"
)

// Config holds logger configuration.
type Config struct {
	// Level is the minimum log level to output.
	Level LogLevel

	// Pretty enables human-readable console output (default: false for JSON).
	Pretty bool

	// Output is the writer to output logs to (default: os.Stderr).
	Output io.Writer
}

// DefaultConfig returns a default logger configuration.
func DefaultConfig() Config {
	return Config{
		Level:  LevelInfo,
		Pretty: false,
		Output: os.Stderr,
	}
}

// Setup configures the global zerolog logger from cfg and returns it.
// Components derive their own loggers from it via NewLogger.
func Setup(cfg Config) zerolog.Logger {
	zerolog.SetGlobalLevel(parseLevel(cfg.Level))

	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	if cfg.Pretty {
		out = zerolog.ConsoleWriter{Out: out}
	}

	log.Logger = zerolog.New(out).With().Timestamp().Logger()
	return log.Logger
}

// parseLevel maps a configured level name onto zerolog's scale.
// Unrecognized values fall back to info rather than failing setup.
func parseLevel(level LogLevel) zerolog.Level {
	switch LogLevel(strings.ToLower(string(level))) {
	case LevelDebug:
		return zerolog.DebugLevel
	case LevelWarn, "warning":
		return zerolog.WarnLevel
	case LevelError:
		return zerolog.ErrorLevel
	case LevelInfo:
		return zerolog.InfoLevel
	}
	return zerolog.InfoLevel
}

// NewLogger derives a child of the global logger tagged with the
// component name.
func NewLogger(component string) zerolog.Logger {
	return log.Logger.With().Str("component", component).Logger()
}

// Log Level Guidelines:
//
// Debug: Detailed information for debugging
//   - Take/submit flow per worker
//   - Per-date completion details
//   - Writer dispatch and completion
//
// Info: Normal operation events
//   - Sync run start/finish
//   - Per-date progress
//   - Token refreshes
//
// Warn: Warning conditions that don't prevent operation
//   - Quota usage crossing the warning threshold
//   - Retry attempts and rate-limit waits
//   - Run halts
//
// Error: Error conditions requiring attention
//   - Failed sub-requests (after retries)
//   - Writer and dead-letter failures
//   - Credential refresh failures
//
// Context Fields:
//   - run_id: Sync run identifier
//   - account / site: Quota bucket identity
//   - date / offset: Work unit identity
//   - worker_id: Fetch loop index
//   - status_code: HTTP status of a failed call
//   - wait: Rate-limit or backoff wait duration
