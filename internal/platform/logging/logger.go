// Package logging provides structured logging for the netting and settlement engine.
package logging

import (
	"io"
	"log/slog"
	"os"
	"time"
)

// LogLevel represents the logging level.
type LogLevel string

const (
	DebugLevel LogLevel = "debug"
	InfoLevel  LogLevel = "info"
	WarnLevel  LogLevel = "warn"
	ErrorLevel LogLevel = "error"
)

// Logger wraps slog.Logger with chainable field helpers.
type Logger struct {
	*slog.Logger
}

// Config holds logger construction options.
type Config struct {
	Level       LogLevel
	Output      io.Writer
	ServiceName string
	Environment string
}

// DefaultConfig returns the default logger configuration.
func DefaultConfig() Config {
	return Config{
		Level:       InfoLevel,
		Output:      os.Stdout,
		ServiceName: "netsettled",
		Environment: "development",
	}
}

// New builds a JSON structured logger from cfg.
func New(cfg Config) *Logger {
	var level slog.Level
	switch cfg.Level {
	case DebugLevel:
		level = slog.LevelDebug
	case InfoLevel:
		level = slog.LevelInfo
	case WarnLevel:
		level = slog.LevelWarn
	case ErrorLevel:
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(cfg.Output, &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				if t, ok := a.Value.Any().(time.Time); ok {
					return slog.String(slog.TimeKey, t.Format(time.RFC3339))
				}
			}
			return a
		},
	})

	logger := slog.New(handler).With(
		slog.String("service", cfg.ServiceName),
		slog.String("environment", cfg.Environment),
	)

	return &Logger{Logger: logger}
}

// WithField returns a derived logger carrying one extra attribute.
func (l *Logger) WithField(key string, value interface{}) *Logger {
	return &Logger{Logger: l.With(slog.Any(key, value))}
}

// WithFields returns a derived logger carrying several extra attributes.
func (l *Logger) WithFields(fields map[string]interface{}) *Logger {
	logger := l.Logger
	for k, v := range fields {
		logger = logger.With(slog.Any(k, v))
	}
	return &Logger{Logger: logger}
}

// WithError returns a derived logger carrying the error's message.
func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}
	return &Logger{Logger: l.With(slog.String("error", err.Error()))}
}

func (l *Logger) Debug(msg string, args ...interface{}) { l.Logger.Debug(msg, toSlogArgs(args)...) }
func (l *Logger) Info(msg string, args ...interface{})  { l.Logger.Info(msg, toSlogArgs(args)...) }
func (l *Logger) Warn(msg string, args ...interface{})  { l.Logger.Warn(msg, toSlogArgs(args)...) }
func (l *Logger) Error(msg string, args ...interface{}) { l.Logger.Error(msg, toSlogArgs(args)...) }

func toSlogArgs(args []interface{}) []any {
	if len(args) == 0 {
		return nil
	}
	if len(args)%2 != 0 {
		args = append(args, "")
	}
	out := make([]any, 0, len(args)/2)
	for i := 0; i < len(args); i += 2 {
		key, ok := args[i].(string)
		if !ok {
			key = "unknown"
		}
		out = append(out, slog.Any(key, args[i+1]))
	}
	return out
}
