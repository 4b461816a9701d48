package logging

import (
	"context"
	"log/slog"
	"os"
	"strings"
)

// LogFields represents structured logging key/value pairs used across strut.
type LogFields map[string]any

// ServiceLogger is the minimal logging contract required by strut components.
// Applications can adapt their existing loggers instead of depending on slog.
type ServiceLogger interface {
	With(fields LogFields) ServiceLogger
	Debug(msg string, fields LogFields)
	Info(msg string, fields LogFields)
	Warn(msg string, fields LogFields)
	Error(msg string, err error, fields LogFields)
}

// EntryLoggerAdapter captures the capabilities required by
// NewEntryServiceLogger: entry-style loggers (for example a logrus.Entry)
// whose With* methods return their own concrete type.
type EntryLoggerAdapter[T any] interface {
	Error(args ...any)
	Warn(args ...any)
	Info(args ...any)
	Debug(args ...any)
	WithError(err error) T
	WithField(key string, value any) T
}

// NewSlogServiceLogger wraps a slog.Logger so it satisfies the ServiceLogger
// interface.
func NewSlogServiceLogger(log *slog.Logger) ServiceLogger {
	if log == nil {
		panic("strut: slog logger cannot be nil")
	}
	return &slogServiceLogger{inner: log}
}

// NewServiceLogger constructs the default ServiceLogger from the app's
// logging config. Format "json" emits JSON lines; anything else emits text.
func NewServiceLogger(level, format string) ServiceLogger {
	opts := &slog.HandlerOptions{Level: parseLevel(level)}

	var handler slog.Handler
	if strings.EqualFold(format, "json") {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return &slogServiceLogger{inner: slog.New(handler)}
}

// NewEntryServiceLogger wraps an entry-style logger so it can be consumed by
// strut without additional adapters.
func NewEntryServiceLogger[T EntryLoggerAdapter[T]](entry T) ServiceLogger {
	if any(entry) == nil {
		panic("strut: entry logger cannot be nil")
	}
	return &entryServiceLogger[T]{entry: entry}
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

type slogServiceLogger struct {
	inner *slog.Logger
}

func (s *slogServiceLogger) With(fields LogFields) ServiceLogger {
	if len(fields) == 0 {
		return s
	}
	return &slogServiceLogger{inner: s.inner.With(toAttrs(fields)...)}
}

func (s *slogServiceLogger) Debug(msg string, fields LogFields) {
	s.inner.LogAttrs(context.Background(), slog.LevelDebug, msg, attrSlice(fields)...)
}

func (s *slogServiceLogger) Info(msg string, fields LogFields) {
	s.inner.LogAttrs(context.Background(), slog.LevelInfo, msg, attrSlice(fields)...)
}

func (s *slogServiceLogger) Warn(msg string, fields LogFields) {
	s.inner.LogAttrs(context.Background(), slog.LevelWarn, msg, attrSlice(fields)...)
}

func (s *slogServiceLogger) Error(msg string, err error, fields LogFields) {
	attrs := attrSlice(fields)
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
	}
	s.inner.LogAttrs(context.Background(), slog.LevelError, msg, attrs...)
}

type entryServiceLogger[T EntryLoggerAdapter[T]] struct {
	entry T
}

func (e *entryServiceLogger[T]) With(fields LogFields) ServiceLogger {
	if len(fields) == 0 {
		return e
	}
	return &entryServiceLogger[T]{entry: applyEntryFields(e.entry, fields)}
}

func (e *entryServiceLogger[T]) Debug(msg string, fields LogFields) {
	applyEntryFields(e.entry, fields).Debug(msg)
}

func (e *entryServiceLogger[T]) Info(msg string, fields LogFields) {
	applyEntryFields(e.entry, fields).Info(msg)
}

func (e *entryServiceLogger[T]) Warn(msg string, fields LogFields) {
	applyEntryFields(e.entry, fields).Warn(msg)
}

func (e *entryServiceLogger[T]) Error(msg string, err error, fields LogFields) {
	logger := applyEntryFields(e.entry, fields)
	if err != nil {
		logger = logger.WithError(err)
	}
	logger.Error(msg)
}

func applyEntryFields[T EntryLoggerAdapter[T]](entry T, fields LogFields) T {
	if len(fields) == 0 || any(entry) == nil {
		return entry
	}
	enriched := entry
	for key, value := range fields {
		enriched = enriched.WithField(key, value)
	}
	return enriched
}

func toAttrs(fields LogFields) []any {
	attrs := make([]any, 0, len(fields)*2)
	for k, v := range fields {
		attrs = append(attrs, k, v)
	}
	return attrs
}

func attrSlice(fields LogFields) []slog.Attr {
	attrs := make([]slog.Attr, 0, len(fields))
	for k, v := range fields {
		attrs = append(attrs, slog.Any(k, v))
	}
	return attrs
}
