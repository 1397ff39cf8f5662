// Package logging provides structured logging for the peebot daemon.
//
// This package wraps the standard library's log/slog package so every
// component logs the same way. Text output goes through tint for readable
// terminal logs; JSON output is meant for production collectors.
//
// Usage:
//
//	// Initialize at startup
//	logging.Init(slog.LevelInfo, false) // Text format
//	logging.Init(slog.LevelDebug, true) // JSON format for production
//
//	// Get a component logger
//	log := logging.Component("engine")
//	log.Info("tick committed", "detector", name, "events", n)
//
// Component loggers may be created at package init time: they resolve the
// handler installed by Init on every record, so a later Init still applies.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"github.com/lmittmann/tint"
)

// Logger is the global logger instance.
var Logger *slog.Logger

var current atomic.Pointer[slog.Logger]

func init() {
	Init(slog.LevelInfo, false)
}

// Init initializes the global logger with the specified level and format.
// If jsonFormat is true, logs are output as JSON; otherwise, colored text.
func Init(level slog.Level, jsonFormat bool) {
	InitWithHandler(newHandler(os.Stdout, level, jsonFormat))
}

func newHandler(w io.Writer, level slog.Level, jsonFormat bool) slog.Handler {
	if jsonFormat {
		return slog.NewJSONHandler(w, &slog.HandlerOptions{
			Level:     level,
			AddSource: level == slog.LevelDebug,
		})
	}
	return tint.NewHandler(w, &tint.Options{
		Level:      level,
		AddSource:  level == slog.LevelDebug,
		TimeFormat: time.DateTime,
	})
}

// InitWithHandler initializes the global logger with a custom handler.
// This is useful for testing or custom output destinations.
func InitWithHandler(handler slog.Handler) {
	Logger = slog.New(handler)
	current.Store(Logger)
	slog.SetDefault(Logger)
}

// ParseLevel converts a config string into a slog level. Unknown values
// fall back to info.
func ParseLevel(s string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return level
}

// With returns a new logger with additional attributes.
func With(args ...any) *slog.Logger {
	return slog.New(deferred{}).With(args...)
}

// Component returns a logger for a specific component.
// The component name is added as an attribute to all log entries.
//
// Example:
//
//	log := logging.Component("ingestion")
//	log.Info("started") // Output: ... INF started component=ingestion
func Component(name string) *slog.Logger {
	return With("component", name)
}

// deferred forwards records to whichever handler Init installed last.
type deferred struct {
	ops []func(slog.Handler) slog.Handler
}

func (d deferred) handler() slog.Handler {
	h := current.Load().Handler()
	for _, op := range d.ops {
		h = op(h)
	}
	return h
}

func (d deferred) Enabled(ctx context.Context, level slog.Level) bool {
	return current.Load().Handler().Enabled(ctx, level)
}

func (d deferred) Handle(ctx context.Context, r slog.Record) error {
	return d.handler().Handle(ctx, r)
}

func (d deferred) WithAttrs(attrs []slog.Attr) slog.Handler {
	return d.push(func(h slog.Handler) slog.Handler { return h.WithAttrs(attrs) })
}

func (d deferred) WithGroup(name string) slog.Handler {
	return d.push(func(h slog.Handler) slog.Handler { return h.WithGroup(name) })
}

func (d deferred) push(op func(slog.Handler) slog.Handler) deferred {
	ops := make([]func(slog.Handler) slog.Handler, len(d.ops), len(d.ops)+1)
	copy(ops, d.ops)
	return deferred{ops: append(ops, op)}
}

// WithContext returns a logger that includes context values.
func WithContext(ctx context.Context) *slog.Logger {
	logger := current.Load()

	if detector, ok := ctx.Value(contextKeyDetector).(string); ok {
		logger = logger.With("detector", detector)
	}
	if channel, ok := ctx.Value(contextKeyChannel).(string); ok {
		logger = logger.With("channel", channel)
	}
	if eventID, ok := ctx.Value(contextKeyEventID).(string); ok {
		logger = logger.With("event_id", eventID)
	}

	return logger
}

// Context key types for type-safe context value extraction.
type contextKey int

const (
	contextKeyDetector contextKey = iota
	contextKeyChannel
	contextKeyEventID
)

// ContextWithDetector adds a detector name to the context for logging.
func ContextWithDetector(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, contextKeyDetector, name)
}

// ContextWithChannel adds a channel identity to the context for logging.
func ContextWithChannel(ctx context.Context, channel string) context.Context {
	return context.WithValue(ctx, contextKeyChannel, channel)
}

// ContextWithEventID adds an event ID to the context for logging.
func ContextWithEventID(ctx context.Context, eventID string) context.Context {
	return context.WithValue(ctx, contextKeyEventID, eventID)
}

// =============================================================================
// Convenience Functions
// =============================================================================

// Debug logs at debug level.
func Debug(msg string, args ...any) {
	current.Load().Debug(msg, args...)
}

// Info logs at info level.
func Info(msg string, args ...any) {
	current.Load().Info(msg, args...)
}

// Warn logs at warning level.
func Warn(msg string, args ...any) {
	current.Load().Warn(msg, args...)
}

// Error logs at error level.
func Error(msg string, args ...any) {
	current.Load().Error(msg, args...)
}
