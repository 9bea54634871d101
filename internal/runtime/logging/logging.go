// Package logging defines the logger contract every natsflow component takes
// and adapters from slog, Watermill and logrus-style entry loggers.
package logging

import (
	"log/slog"
	"maps"

	"github.com/ThreeDotsLabs/watermill"
)

// Field keys shared by the components so log lines can be correlated.
const (
	FieldSource      = "source"
	FieldKind        = "kind"
	FieldSubject     = "subject"
	FieldMessageType = "message_type"
	FieldTraceID     = "trace_id"
)

// LogFields represents structured logging key/value pairs used by natsflow.
type LogFields map[string]any

// Add returns a copy of f extended with key/value.
func (f LogFields) Add(key string, value any) LogFields {
	return f.Merge(LogFields{key: value})
}

// Merge returns a copy of f overlaid with other.
func (f LogFields) Merge(other LogFields) LogFields {
	out := make(LogFields, len(f)+len(other))
	maps.Copy(out, f)
	maps.Copy(out, other)
	return out
}

// ServiceLogger is the logging contract of natsflow. It maps onto Watermill's
// LoggerAdapter so existing loggers can be plugged in without slog.
type ServiceLogger interface {
	With(fields LogFields) ServiceLogger
	Debug(msg string, fields LogFields)
	Info(msg string, fields LogFields)
	Error(msg string, err error, fields LogFields)
	Trace(msg string, fields LogFields)
}

// EntryLogger is the non-generic form of EntryLoggerAdapter.
type EntryLogger interface {
	EntryLoggerAdapter[EntryLogger]
}

// EntryLoggerAdapter captures what NewEntryServiceLogger needs from a
// logrus.Entry-like logger whose methods return its own concrete type.
type EntryLoggerAdapter[T any] interface {
	Error(args ...any)
	Info(args ...any)
	Debug(args ...any)
	Trace(args ...any)
	WithError(err error) T
	WithField(key string, value any) T
}

// slogTraceLevel is the level Watermill's slog adapter uses for Trace.
const slogTraceLevel = slog.LevelDebug - 4

// NewSlogServiceLogger wraps a slog.Logger. Trace entries are emitted at debug
// level; lock renewals and keep-alives log there.
func NewSlogServiceLogger(log *slog.Logger) ServiceLogger {
	if log == nil {
		panic("natsflow: slog logger cannot be nil")
	}
	mapping := map[slog.Level]slog.Level{slogTraceLevel: slog.LevelDebug}
	return NewWatermillServiceLogger(watermill.NewSlogLoggerWithLevelMapping(log, mapping))
}

// NewWatermillServiceLogger wraps an existing Watermill LoggerAdapter.
func NewWatermillServiceLogger(logger watermill.LoggerAdapter) ServiceLogger {
	if logger == nil {
		panic("natsflow: watermill logger cannot be nil")
	}
	return &adapterLogger{inner: logger}
}

// NewEntryServiceLogger wraps an entry logger such as logrus.Entry.
func NewEntryServiceLogger[T EntryLoggerAdapter[T]](entry T) ServiceLogger {
	if any(entry) == nil {
		panic("natsflow: entry logger cannot be nil")
	}
	return &entryLogger[T]{entry: entry}
}

// NewNopLogger returns a ServiceLogger that discards everything.
func NewNopLogger() ServiceLogger {
	return &adapterLogger{inner: watermill.NopLogger{}}
}

// OrNop returns log, or a discarding logger when log is nil.
func OrNop(log ServiceLogger) ServiceLogger {
	if log == nil {
		return NewNopLogger()
	}
	return log
}

// NewWatermillAdapter exposes a ServiceLogger as a Watermill LoggerAdapter,
// the form broker builders receive.
func NewWatermillAdapter(log ServiceLogger) watermill.LoggerAdapter {
	if log == nil {
		panic("natsflow: ServiceLogger cannot be nil")
	}
	return &watermillBridge{base: log}
}

type adapterLogger struct {
	inner watermill.LoggerAdapter
}

func (a *adapterLogger) With(fields LogFields) ServiceLogger {
	return &adapterLogger{inner: a.inner.With(toWatermillFields(fields))}
}

func (a *adapterLogger) Debug(msg string, fields LogFields) {
	a.inner.Debug(msg, toWatermillFields(fields))
}

func (a *adapterLogger) Info(msg string, fields LogFields) {
	a.inner.Info(msg, toWatermillFields(fields))
}

func (a *adapterLogger) Error(msg string, err error, fields LogFields) {
	a.inner.Error(msg, err, toWatermillFields(fields))
}

func (a *adapterLogger) Trace(msg string, fields LogFields) {
	a.inner.Trace(msg, toWatermillFields(fields))
}

type entryLogger[T EntryLoggerAdapter[T]] struct {
	entry T
}

func (e *entryLogger[T]) With(fields LogFields) ServiceLogger {
	if len(fields) == 0 {
		return e
	}
	return &entryLogger[T]{entry: applyEntryFields(e.entry, fields)}
}

func (e *entryLogger[T]) Debug(msg string, fields LogFields) {
	applyEntryFields(e.entry, fields).Debug(msg)
}

func (e *entryLogger[T]) Info(msg string, fields LogFields) {
	applyEntryFields(e.entry, fields).Info(msg)
}

func (e *entryLogger[T]) Error(msg string, err error, fields LogFields) {
	logger := applyEntryFields(e.entry, fields)
	if err != nil {
		logger = logger.WithError(err)
	}
	logger.Error(msg)
}

func (e *entryLogger[T]) Trace(msg string, fields LogFields) {
	applyEntryFields(e.entry, fields).Trace(msg)
}

func applyEntryFields[T EntryLoggerAdapter[T]](entry T, fields LogFields) T {
	if len(fields) == 0 || any(entry) == nil {
		return entry
	}
	for key, value := range fields {
		entry = entry.WithField(key, value)
	}
	return entry
}

type watermillBridge struct {
	base ServiceLogger
}

func (b *watermillBridge) Error(msg string, err error, fields watermill.LogFields) {
	b.base.Error(msg, err, fromWatermillFields(fields))
}

func (b *watermillBridge) Info(msg string, fields watermill.LogFields) {
	b.base.Info(msg, fromWatermillFields(fields))
}

func (b *watermillBridge) Debug(msg string, fields watermill.LogFields) {
	b.base.Debug(msg, fromWatermillFields(fields))
}

func (b *watermillBridge) Trace(msg string, fields watermill.LogFields) {
	b.base.Trace(msg, fromWatermillFields(fields))
}

func (b *watermillBridge) With(fields watermill.LogFields) watermill.LoggerAdapter {
	return &watermillBridge{base: b.base.With(fromWatermillFields(fields))}
}

func toWatermillFields(fields LogFields) watermill.LogFields {
	if len(fields) == 0 {
		return nil
	}
	return watermill.LogFields(fields)
}

func fromWatermillFields(fields watermill.LogFields) LogFields {
	if len(fields) == 0 {
		return nil
	}
	return LogFields(fields)
}
