// Package logger provides module-scoped structured logging on top of log/slog.
//
// Callers obtain a Logger for their subsystem from the central logger:
//
//	log := logger.Global().Module("analysis")
//	log.Info("recording processed",
//	    logger.String("recording_id", id),
//	    logger.Int("detections", n))
//
// Console output is human readable text; file output is JSON lines.
package logger

import (
	"context"
	"time"
	"unique"
)

// LogLevel is the textual log level used in configuration.
type LogLevel string

const (
	LogLevelTrace LogLevel = "trace"
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// Field is a single structured key/value pair.
type Field struct {
	Key   string
	Value any
}

// Keys repeat across millions of log calls; intern them.
func internKey(key string) string {
	return unique.Make(key).Value()
}

// Logger is the logging interface used across the service.
type Logger interface {
	// Module returns a child logger named "<parent>.<name>".
	Module(name string) Logger

	Trace(msg string, fields ...Field)
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)

	// With returns a logger that adds fields to every entry.
	With(fields ...Field) Logger

	// WithContext attaches request scoped values such as the trace id.
	WithContext(ctx context.Context) Logger

	Log(level LogLevel, msg string, fields ...Field)
	Flush() error
}

func String(key, value string) Field { return Field{Key: internKey(key), Value: value} }

func Int(key string, value int) Field { return Field{Key: internKey(key), Value: value} }

func Int64(key string, value int64) Field { return Field{Key: internKey(key), Value: value} }

func Uint64(key string, value uint64) Field { return Field{Key: internKey(key), Value: value} }

func Float32(key string, value float32) Field { return Field{Key: internKey(key), Value: value} }

func Float64(key string, value float64) Field { return Field{Key: internKey(key), Value: value} }

func Bool(key string, value bool) Field { return Field{Key: internKey(key), Value: value} }

// Error creates an "error" field. A nil error yields a nil value.
func Error(err error) Field {
	if err == nil {
		return Field{Key: "error", Value: nil}
	}
	return Field{Key: "error", Value: err.Error()}
}

func Duration(key string, value time.Duration) Field {
	return Field{Key: internKey(key), Value: value}
}

func Time(key string, value time.Time) Field { return Field{Key: internKey(key), Value: value} }

func Any(key string, value any) Field { return Field{Key: internKey(key), Value: value} }
