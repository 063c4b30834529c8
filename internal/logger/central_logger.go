package logger

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	_ "time/tzdata" // timezone names must resolve on hosts without zoneinfo
)

const (
	traceLevelValue     = slog.Level(-8)
	floatPrecisionRatio = 1000.0
	moduleKey           = "module"
	traceIDKey          = "trace_id"
)

var (
	globalLogger   *CentralLogger
	globalLoggerMu sync.Mutex
)

// SetGlobal installs cl as the process wide logger.
func SetGlobal(cl *CentralLogger) {
	globalLoggerMu.Lock()
	defer globalLoggerMu.Unlock()
	globalLogger = cl
}

// Global returns the process wide logger, falling back to an info level
// console logger when none has been configured.
func Global() *CentralLogger {
	globalLoggerMu.Lock()
	defer globalLoggerMu.Unlock()

	if globalLogger == nil {
		globalLogger = &CentralLogger{
			config:        &LoggingConfig{DefaultLevel: DefaultLogLevel},
			timezone:      time.Local,
			moduleWriters: make(map[string]*BufferedFileWriter),
			moduleLevels:  make(map[string]slog.Level),
			baseHandler:   newTextHandler(os.Stdout, slog.LevelInfo, time.Local),
		}
	}
	return globalLogger
}

type loggerContextKey struct{ name string }

// TraceIDKey is the context key under which request ids are stored.
var TraceIDKey = loggerContextKey{traceIDKey}

func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceIDKey, traceID)
}

// CentralLogger owns the output handlers and hands out module loggers.
type CentralLogger struct {
	config        *LoggingConfig
	timezone      *time.Location
	baseHandler   slog.Handler
	mainWriter    *BufferedFileWriter
	moduleWriters map[string]*BufferedFileWriter
	moduleLevels  map[string]slog.Level
	mu            sync.RWMutex
}

// NewCentralLogger builds the console, main file and per module outputs
// described by cfg.
func NewCentralLogger(cfg *LoggingConfig) (*CentralLogger, error) {
	if cfg == nil {
		return nil, fmt.Errorf("logging config cannot be nil")
	}
	applyConfigDefaults(cfg)

	tz := time.Local
	if cfg.Timezone != "" && cfg.Timezone != "Local" {
		loc, err := time.LoadLocation(cfg.Timezone)
		if err != nil {
			return nil, fmt.Errorf("invalid timezone %s: %w", cfg.Timezone, err)
		}
		tz = loc
	}

	cl := &CentralLogger{
		config:        cfg,
		timezone:      tz,
		moduleWriters: make(map[string]*BufferedFileWriter),
		moduleLevels:  make(map[string]slog.Level),
	}
	for module, level := range cfg.ModuleLevels {
		cl.moduleLevels[module] = parseLogLevel(level)
	}

	if err := cl.createBaseHandler(); err != nil {
		return nil, err
	}

	for module, out := range cfg.ModuleOutputs {
		if !out.Enabled || out.FilePath == "" {
			continue
		}
		if err := ensureFileDirectory(out.FilePath); err != nil {
			_ = cl.Close()
			return nil, fmt.Errorf("failed to create directory for module %s: %w", module, err)
		}
		w, err := NewBufferedFileWriter(out.FilePath, WithMaxSizeMB(cfg.FileOutput.MaxSize))
		if err != nil {
			_ = cl.Close()
			return nil, fmt.Errorf("failed to create log writer for module %s: %w", module, err)
		}
		cl.moduleWriters[module] = w
	}

	return cl, nil
}

func (cl *CentralLogger) createBaseHandler() error {
	var handlers []slog.Handler

	if cl.config.Console != nil && cl.config.Console.Enabled {
		handlers = append(handlers, newTextHandler(os.Stdout, parseLogLevel(cl.config.Console.Level), cl.timezone))
	}

	if fo := cl.config.FileOutput; fo != nil && fo.Enabled {
		if err := ensureFileDirectory(fo.Path); err != nil {
			return fmt.Errorf("failed to create log directory: %w", err)
		}
		w, err := NewBufferedFileWriter(fo.Path, WithMaxSizeMB(fo.MaxSize))
		if err != nil {
			return fmt.Errorf("failed to create log writer: %w", err)
		}
		cl.mainWriter = w
		handlers = append(handlers, newJSONHandler(w, parseLogLevel(fo.Level), cl.timezone))
	}

	switch len(handlers) {
	case 0:
		cl.baseHandler = newTextHandler(os.Stdout, parseLogLevel(cl.config.DefaultLevel), cl.timezone)
	case 1:
		cl.baseHandler = handlers[0]
	default:
		cl.baseHandler = &fanoutHandler{handlers: handlers}
	}
	return nil
}

// Module returns a logger scoped to name.
func (cl *CentralLogger) Module(name string) Logger {
	if cl == nil {
		return nil
	}

	cl.mu.RLock()
	defer cl.mu.RUnlock()

	level := parseLogLevel(cl.config.DefaultLevel)
	if l, ok := cl.moduleLevels[name]; ok {
		level = l
	}

	handler := cl.baseHandler
	if out, ok := cl.config.ModuleOutputs[name]; ok && out.Enabled {
		if out.Level != "" {
			level = parseLogLevel(out.Level)
		}
		var handlers []slog.Handler
		if w, ok := cl.moduleWriters[name]; ok {
			handlers = append(handlers, newJSONHandler(w, level, cl.timezone))
		}
		if out.ConsoleAlso && cl.config.Console != nil && cl.config.Console.Enabled {
			handlers = append(handlers, newTextHandler(os.Stdout, level, cl.timezone))
		}
		switch len(handlers) {
		case 0:
		case 1:
			handler = handlers[0]
		default:
			handler = &fanoutHandler{handlers: handlers}
		}
	}

	return &moduleLogger{module: name, logger: slog.New(handler), level: level}
}

// Flush pushes buffered file output to the OS.
func (cl *CentralLogger) Flush() error {
	if cl == nil {
		return nil
	}
	cl.mu.RLock()
	defer cl.mu.RUnlock()

	var errs []error
	if cl.mainWriter != nil {
		errs = append(errs, cl.mainWriter.Flush())
	}
	for _, w := range cl.moduleWriters {
		errs = append(errs, w.Flush())
	}
	return errors.Join(errs...)
}

// Close flushes and closes every file output.
func (cl *CentralLogger) Close() error {
	if cl == nil {
		return nil
	}
	cl.mu.Lock()
	defer cl.mu.Unlock()

	var errs []error
	if cl.mainWriter != nil {
		errs = append(errs, cl.mainWriter.Close())
		cl.mainWriter = nil
	}
	for module, w := range cl.moduleWriters {
		if err := w.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close log writer for module %s: %w", module, err))
		}
	}
	cl.moduleWriters = map[string]*BufferedFileWriter{}
	return errors.Join(errs...)
}

// NewSlogLogger returns a standalone Logger writing text to w. A nil writer
// means stdout and a nil tz means local time.
func NewSlogLogger(w io.Writer, level LogLevel, tz *time.Location) Logger {
	if w == nil {
		w = os.Stdout
	}
	if tz == nil {
		tz = time.Local
	}
	lvl := parseLogLevel(string(level))
	return &moduleLogger{logger: slog.New(newTextHandler(w, lvl, tz)), level: lvl}
}

func ensureFileDirectory(filePath string) error {
	dir := filepath.Dir(filePath)
	if filePath == "" || dir == "." {
		return nil
	}
	return os.MkdirAll(dir, 0o750)
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "trace":
		return traceLevelValue
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func replaceAttr(tz *time.Location) func([]string, slog.Attr) slog.Attr {
	return func(groups []string, a slog.Attr) slog.Attr {
		if len(groups) > 0 {
			return a
		}
		switch a.Key {
		case slog.TimeKey:
			if t, ok := a.Value.Any().(time.Time); ok {
				return slog.String(slog.TimeKey, t.In(tz).Format("2006-01-02T15:04:05.000Z07:00"))
			}
		case slog.LevelKey:
			if l, ok := a.Value.Any().(slog.Level); ok && l <= traceLevelValue {
				return slog.String(slog.LevelKey, "TRACE")
			}
		}
		return a
	}
}

func newTextHandler(w io.Writer, level slog.Level, tz *time.Location) slog.Handler {
	return slog.NewTextHandler(w, &slog.HandlerOptions{Level: level, ReplaceAttr: replaceAttr(tz)})
}

func newJSONHandler(w io.Writer, level slog.Level, tz *time.Location) slog.Handler {
	return slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level, ReplaceAttr: replaceAttr(tz)})
}

// fanoutHandler sends each record to several handlers.
type fanoutHandler struct {
	handlers []slog.Handler
}

func (h *fanoutHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return slices.ContainsFunc(h.handlers, func(x slog.Handler) bool { return x.Enabled(ctx, level) })
}

//nolint:gocritic // slog.Handler requires the record by value
func (h *fanoutHandler) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	for _, x := range h.handlers {
		if x.Enabled(ctx, r.Level) {
			errs = append(errs, x.Handle(ctx, r.Clone()))
		}
	}
	return errors.Join(errs...)
}

func (h *fanoutHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make([]slog.Handler, len(h.handlers))
	for i, x := range h.handlers {
		out[i] = x.WithAttrs(attrs)
	}
	return &fanoutHandler{handlers: out}
}

func (h *fanoutHandler) WithGroup(name string) slog.Handler {
	out := make([]slog.Handler, len(h.handlers))
	for i, x := range h.handlers {
		out[i] = x.WithGroup(name)
	}
	return &fanoutHandler{handlers: out}
}

type moduleLogger struct {
	module string
	logger *slog.Logger
	level  slog.Level
	fields []Field
}

func (m *moduleLogger) Module(name string) Logger {
	child := name
	if m.module != "" {
		child = m.module + "." + name
	}
	return &moduleLogger{module: child, logger: m.logger, level: m.level, fields: slices.Clone(m.fields)}
}

func (m *moduleLogger) Trace(msg string, fields ...Field) { m.log(traceLevelValue, msg, fields) }
func (m *moduleLogger) Debug(msg string, fields ...Field) { m.log(slog.LevelDebug, msg, fields) }
func (m *moduleLogger) Info(msg string, fields ...Field)  { m.log(slog.LevelInfo, msg, fields) }
func (m *moduleLogger) Warn(msg string, fields ...Field)  { m.log(slog.LevelWarn, msg, fields) }
func (m *moduleLogger) Error(msg string, fields ...Field) { m.log(slog.LevelError, msg, fields) }

func (m *moduleLogger) Log(level LogLevel, msg string, fields ...Field) {
	m.log(parseLogLevel(string(level)), msg, fields)
}

func (m *moduleLogger) With(fields ...Field) Logger {
	return &moduleLogger{module: m.module, logger: m.logger, level: m.level, fields: slices.Concat(m.fields, fields)}
}

func (m *moduleLogger) WithContext(ctx context.Context) Logger {
	if ctx == nil {
		return m
	}
	if traceID, ok := ctx.Value(TraceIDKey).(string); ok && traceID != "" {
		return m.With(String(traceIDKey, traceID))
	}
	return m
}

func (m *moduleLogger) Flush() error { return nil }

func (m *moduleLogger) log(level slog.Level, msg string, fields []Field) {
	if m == nil || level < m.level {
		return
	}
	attrs := make([]slog.Attr, 0, 1+len(m.fields)+len(fields))
	if m.module != "" {
		attrs = append(attrs, slog.String(moduleKey, m.module))
	}
	for i := range m.fields {
		attrs = append(attrs, fieldToAttr(m.fields[i]))
	}
	for i := range fields {
		attrs = append(attrs, fieldToAttr(fields[i]))
	}
	m.logger.LogAttrs(context.Background(), level, msg, attrs...)
}

func roundFloat(v float64) float64 {
	return math.Round(v*floatPrecisionRatio) / floatPrecisionRatio
}

func fieldToAttr(f Field) slog.Attr {
	switch v := f.Value.(type) {
	case string:
		if isSensitiveKey(f.Key) {
			return slog.String(f.Key, "[REDACTED]")
		}
		return slog.String(f.Key, RedactSensitiveData(v))
	case int:
		return slog.Int(f.Key, v)
	case int64:
		return slog.Int64(f.Key, v)
	case uint64:
		return slog.Uint64(f.Key, v)
	case float32:
		return slog.Float64(f.Key, roundFloat(float64(v)))
	case float64:
		return slog.Float64(f.Key, roundFloat(v))
	case bool:
		return slog.Bool(f.Key, v)
	case time.Time:
		return slog.Time(f.Key, v)
	case time.Duration:
		return slog.String(f.Key, v.Round(time.Millisecond).String())
	default:
		return slog.Any(f.Key, v)
	}
}
