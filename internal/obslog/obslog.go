// Package obslog centralizes construction of the server's structured
// logger on top of github.com/rs/zerolog, the way cuemby-warren's
// pkg/log wraps zerolog for its own binaries: one Init-style
// constructor, a level switch, and an optional JSON/console format
// toggle.
package obslog

import (
	"io"
	"os"

	"github.com/rs/zerolog"
)

// Level mirrors the handful of levels the rest of the server cares
// about; it avoids spreading zerolog.Level literals through config and
// flag-parsing code.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Config configures the root logger.
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer // defaults to os.Stderr
}

// New builds the root logger. Component loggers are derived from it with
// log.With().Str("component", "...").Logger(), as used throughout
// internal/protocol, internal/storage/sqlite, and internal/storage/postgres.
func New(cfg Config) zerolog.Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	if !cfg.JSONOutput {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: "15:04:05.000"}
	}

	level := zerolog.InfoLevel
	switch cfg.Level {
	case LevelDebug:
		level = zerolog.DebugLevel
	case LevelWarn:
		level = zerolog.WarnLevel
	case LevelError:
		level = zerolog.ErrorLevel
	}

	return zerolog.New(out).Level(level).With().Timestamp().Logger()
}
