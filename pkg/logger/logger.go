// Package logger builds the structured zerolog logger used across the collector.
//
//	TRACE (-1) → DEBUG (0) → INFO (1) → WARN (2) → ERROR (3)
package logger

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options controls logger behaviour.
type Options struct {
	// Level is the minimum log level: trace, debug, info, warn, error.
	// Defaults to "info" when empty or unrecognised.
	Level string
	// Pretty enables human-friendly console output on Output.
	Pretty bool
	// Output is the console writer. Defaults to os.Stdout.
	Output io.Writer
	// File, when set, additionally writes JSON logs to a rotating file.
	File string
	// FileMaxAgeDays bounds how long rotated files are kept.
	FileMaxAgeDays int
}

// New builds a logger and returns a closer for the file sink, if any.
func New(opts Options) (zerolog.Logger, io.Closer) {
	zerolog.TimeFieldFormat = time.RFC3339Nano

	out := opts.Output
	if out == nil {
		out = os.Stdout
	}
	if opts.Pretty {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}

	var closer io.Closer = nopCloser{}
	if opts.File != "" {
		rotating := &lumberjack.Logger{
			Filename: opts.File,
			MaxSize:  100,
			MaxAge:   opts.FileMaxAgeDays,
			Compress: true,
		}
		out = zerolog.MultiLevelWriter(out, rotating)
		closer = rotating
	}

	lvl := ParseLevel(opts.Level)
	log := zerolog.New(out).
		Level(lvl).
		With().
		Timestamp().
		Str("service", "brt-gps-collector").
		Logger()
	return log, closer
}

// ParseLevel converts a string to a zerolog.Level.
//
//	"trace" → TraceLevel (-1)
//	"debug" → DebugLevel ( 0)
//	"info"  → InfoLevel  ( 1)  ← default
//	"warn"  → WarnLevel  ( 2)
//	"error" → ErrorLevel ( 3)
func ParseLevel(s string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
