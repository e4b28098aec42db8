// Package logging wraps log/slog with the daemon's conventions: a console
// handler matching the classic syslog-ish line format, an optional JSON
// mode, remote syslog fan-out, and component-scoped child loggers. The
// daemon and every plugin binary build their loggers here so interleaved
// output stays uniform.
package logging

import (
	"io"
	"log/slog"
	"os"
	"sync"
	"time"
)

// Level aliases slog's levels so callers need only this package.
type Level = slog.Level

const (
	LevelDebug = slog.LevelDebug
	LevelInfo  = slog.LevelInfo
	LevelWarn  = slog.LevelWarn
	LevelError = slog.LevelError
)

var (
	defaultLogger *Logger
	once          sync.Once
)

// Logger is a slog.Logger plus a shared level var so verbosity can be
// changed at runtime across every derived component logger.
type Logger struct {
	*slog.Logger
	level  *slog.LevelVar
	output io.Writer
}

// Config selects output, format and verbosity.
type Config struct {
	Level      Level
	Output     io.Writer
	JSON       bool
	AddSource  bool
	TimeFormat string
}

// DefaultConfig logs info and above to stderr in console format.
func DefaultConfig() Config {
	return Config{
		Level:      LevelInfo,
		Output:     os.Stderr,
		TimeFormat: time.RFC3339,
	}
}

// New builds a logger from cfg.
func New(cfg Config) *Logger {
	if cfg.Output == nil {
		cfg.Output = os.Stderr
	}

	levelVar := &slog.LevelVar{}
	levelVar.Set(cfg.Level)

	opts := &slog.HandlerOptions{
		Level:     levelVar,
		AddSource: cfg.AddSource,
	}

	var handler slog.Handler
	if cfg.JSON {
		handler = slog.NewJSONHandler(cfg.Output, opts)
	} else {
		handler = NewConsoleHandler(cfg.Output, opts)
	}

	return &Logger{
		Logger: slog.New(handler),
		level:  levelVar,
		output: cfg.Output,
	}
}

// Default returns the process-wide logger, creating it lazily.
func Default() *Logger {
	once.Do(func() {
		if defaultLogger == nil {
			defaultLogger = New(DefaultConfig())
		}
	})
	return defaultLogger
}

// SetDefault replaces the process-wide logger. The daemon calls this once
// after configuration is loaded.
func SetDefault(l *Logger) {
	defaultLogger = l
}

// SetLevel changes verbosity for this logger and all loggers derived from it.
func (l *Logger) SetLevel(level Level) {
	l.level.Set(level)
}

// GetLevel reports the current verbosity.
func (l *Logger) GetLevel() Level {
	return l.level.Level()
}

// WithComponent tags every record with a component name. The console
// handler promotes it into the line header.
func (l *Logger) WithComponent(name string) *Logger {
	return &Logger{
		Logger: l.Logger.With("component", name),
		level:  l.level,
		output: l.output,
	}
}

// Package-level shortcuts on the default logger.

func Debug(msg string, args ...any) {
	Default().Debug(msg, args...)
}

func Info(msg string, args ...any) {
	Default().Info(msg, args...)
}

func Warn(msg string, args ...any) {
	Default().Warn(msg, args...)
}

func Error(msg string, args ...any) {
	Default().Error(msg, args...)
}

// WithComponent returns a component-scoped child of the default logger.
func WithComponent(name string) *Logger {
	return Default().WithComponent(name)
}
