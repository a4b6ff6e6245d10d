// Package observability defines the engine's structured logging primitives.
package observability

import "sync"

// Logger is the structured logger handed to every engine component.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)
}

// Field represents a key/value pair for structured logging.
type Field struct {
	Key   string
	Value any
}

// F builds a Field.
func F(key string, value any) Field {
	return Field{Key: key, Value: value}
}

var (
	loggerMu      sync.RWMutex
	defaultLogger Logger = noopLogger{}
)

// SetLogger overrides the global logger used by the system.
func SetLogger(logger Logger) {
	loggerMu.Lock()
	defer loggerMu.Unlock()
	if logger == nil {
		defaultLogger = noopLogger{}
		return
	}
	defaultLogger = logger
}

// Log returns the current global logger instance.
func Log() Logger {
	loggerMu.RLock()
	defer loggerMu.RUnlock()
	return defaultLogger
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...Field) {}
func (noopLogger) Info(string, ...Field)  {}
func (noopLogger) Warn(string, ...Field)  {}
func (noopLogger) Error(string, ...Field) {}

// With returns a logger that prepends fields to every entry, e.g. the owning component.
func With(logger Logger, fields ...Field) Logger {
	if logger == nil {
		logger = Log()
	}
	if len(fields) == 0 {
		return logger
	}
	if inner, ok := logger.(fieldLogger); ok {
		merged := make([]Field, 0, len(inner.fields)+len(fields))
		merged = append(merged, inner.fields...)
		return fieldLogger{base: inner.base, fields: append(merged, fields...)}
	}
	return fieldLogger{base: logger, fields: append([]Field(nil), fields...)}
}

type fieldLogger struct {
	base   Logger
	fields []Field
}

func (l fieldLogger) merge(fields []Field) []Field {
	out := make([]Field, 0, len(l.fields)+len(fields))
	out = append(out, l.fields...)
	return append(out, fields...)
}

func (l fieldLogger) Debug(msg string, fields ...Field) { l.base.Debug(msg, l.merge(fields)...) }
func (l fieldLogger) Info(msg string, fields ...Field)  { l.base.Info(msg, l.merge(fields)...) }
func (l fieldLogger) Warn(msg string, fields ...Field)  { l.base.Warn(msg, l.merge(fields)...) }
func (l fieldLogger) Error(msg string, fields ...Field) { l.base.Error(msg, l.merge(fields)...) }
