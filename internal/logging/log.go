// Package logging provides the worker's structured logger. Unlike
// stateful package-level loggers, callers get back a *log.Logger value
// they pass explicitly to every collaborator that needs one (§9 design
// notes: a logger is constructed once and never reassigned).
package logging

import (
	"os"

	"github.com/charmbracelet/log"
)

// Config controls how New builds the logger.
type Config struct {
	// Level is one of debug, info, warn, error.
	Level string
	// Prefix is included on every log line (typically the worker's
	// instance ID, so interleaved output from several workers on the
	// same host can be told apart).
	Prefix string
}

// New builds a leveled, prefixed logger writing to stdout.
func New(cfg Config) *log.Logger {
	logger := log.NewWithOptions(os.Stdout, log.Options{
		Level:           parseLevel(cfg.Level),
		Prefix:          cfg.Prefix,
		ReportTimestamp: true,
		ReportCaller:    false,
	})
	return logger
}

func parseLevel(level string) log.Level {
	switch level {
	case "debug":
		return log.DebugLevel
	case "warn":
		return log.WarnLevel
	case "error":
		return log.ErrorLevel
	default:
		return log.InfoLevel
	}
}
