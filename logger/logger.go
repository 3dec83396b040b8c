// Package logger provides the structured logging interface used by every
// component of the ingest server, with zerolog-backed implementations that
// write to the console, JSON on stdout, or daily-rotated files.
package logger

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// Field represents a key-value pair for structured log output.
type Field struct {
	Key   string
	Value any
}

// Logger is an interface for structured logging. Components derive scoped
// loggers with With (for example per connection handle) and log through
// them without knowing the backend.
type Logger interface {
	// Debug logs a message at debug level with optional structured fields.
	Debug(msg string, fields ...Field)

	// Info logs a message at info level with optional structured fields.
	Info(msg string, fields ...Field)

	// Warn logs a message at warn level with optional structured fields.
	Warn(msg string, fields ...Field)

	// Error logs a message at error level with optional structured fields.
	Error(msg string, fields ...Field)

	// With returns a Logger that adds fields to every entry. The receiver
	// is unchanged.
	//
	// Parameters:
	//   - fields: Key-value pairs to attach to the derived logger
	//
	// Returns:
	//   - A new Logger with the specified fields
	With(fields ...Field) Logger

	// Close releases resources held by the logger (e.g. file handles).
	// Derived loggers never close the parent's resources.
	//
	// Returns:
	//   - An error if closing resources fails
	Close() error
}

// Config selects the logger backend.
type Config struct {
	// Service is added as the "service" field of every entry.
	Service string
	// Level is the minimum level written.
	Level zerolog.Level
	// Format is "console" (human readable) or "json".
	Format string
	// Dir, when set, additionally writes JSON entries to daily files in Dir.
	Dir string
}

// New builds a Logger from cfg.
//
// Parameters:
//   - cfg: Backend selection; an empty Format means "console"
//
// Returns:
//   - The configured Logger
//   - An error if the format is unknown or the log directory cannot be used
func New(cfg Config) (Logger, error) {
	var out io.Writer
	switch strings.ToLower(cfg.Format) {
	case "", "console":
		out = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: "15:04:05.000"}
	case "json":
		out = os.Stdout
	default:
		return nil, fmt.Errorf("unknown log format %q", cfg.Format)
	}

	if cfg.Dir == "" {
		return NewZerologLogger(zerolog.New(out), cfg.Service, cfg.Level), nil
	}

	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	fileWriter, err := NewDailyFileWriter(cfg.Service, cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("failed to create file writer: %w", err)
	}

	return &zerologLogger{
		logger:         newBase(zerolog.New(io.MultiWriter(out, fileWriter)), cfg.Service, cfg.Level),
		fileWriter:     fileWriter,
		ownsFileWriter: true,
	}, nil
}

// zerologLogger is the zerolog-based implementation of Logger.
type zerologLogger struct {
	logger         zerolog.Logger
	fileWriter     *DailyFileWriter
	ownsFileWriter bool
}

func newBase(l zerolog.Logger, serviceName string, level zerolog.Level) zerolog.Logger {
	return l.With().Str("service", serviceName).Timestamp().Logger().Level(level)
}

// NewZerologLogger wraps l, adding the service name and a timestamp to every
// entry and filtering below level.
//
// Parameters:
//   - l: The zerolog.Logger to wrap
//   - serviceName: Name of the service, added to every log entry
//   - level: Minimum level to log
//
// Returns:
//   - A Logger that writes through the given zerolog instance
func NewZerologLogger(l zerolog.Logger, serviceName string, level zerolog.Level) Logger {
	return &zerologLogger{logger: newBase(l, serviceName, level)}
}

// NewNopLogger returns a Logger that discards everything.
func NewNopLogger() Logger {
	return &zerologLogger{logger: zerolog.Nop()}
}

// Debug implements Logger.
func (z *zerologLogger) Debug(msg string, fields ...Field) {
	z.logger.Debug().Fields(toMap(fields)).Msg(msg)
}

// Info implements Logger.
func (z *zerologLogger) Info(msg string, fields ...Field) {
	z.logger.Info().Fields(toMap(fields)).Msg(msg)
}

// Warn implements Logger.
func (z *zerologLogger) Warn(msg string, fields ...Field) {
	z.logger.Warn().Fields(toMap(fields)).Msg(msg)
}

// Error implements Logger.
func (z *zerologLogger) Error(msg string, fields ...Field) {
	z.logger.Error().Fields(toMap(fields)).Msg(msg)
}

// With implements Logger.
func (z *zerologLogger) With(fields ...Field) Logger {
	return &zerologLogger{
		logger:     z.logger.With().Fields(toMap(fields)).Logger(),
		fileWriter: z.fileWriter,
	}
}

// Close implements Logger.
func (z *zerologLogger) Close() error {
	if z.fileWriter != nil && z.ownsFileWriter {
		return z.fileWriter.Close()
	}

	return nil
}

func toMap(fields []Field) map[string]any {
	if len(fields) == 0 {
		return nil
	}

	m := make(map[string]any, len(fields))
	for _, f := range fields {
		m[f.Key] = f.Value
	}

	return m
}
