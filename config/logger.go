package config

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// NewLogger builds the structured logger for cfg, writing JSON lines to w
// (stdout when nil).
func NewLogger(cfg Config, w io.Writer) zerolog.Logger {
	if w == nil {
		w = os.Stdout
	}
	level := cfg.LogLevel
	if level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.TimeFieldFormat = time.RFC3339Nano
	return zerolog.New(w).
		With().
		Timestamp().
		Logger().
		Level(level)
}

// NewConsoleLogger builds a human-readable logger for interactive programs.
func NewConsoleLogger(cfg Config) zerolog.Logger {
	return NewLogger(cfg, zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
}
