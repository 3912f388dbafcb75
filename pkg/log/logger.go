// Package log provides structured logging utilities for the eHash services.
// It wraps the standard library's slog package with additional convenience methods.
package log

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"
)

// Logger wraps slog.Logger with additional context and convenience methods
type Logger struct {
	*slog.Logger
	service string
	version string
}

// New creates a new logger with the specified configuration
func New(service, version, level, format string) *Logger {
	return NewWithWriter(os.Stdout, service, version, level, format)
}

// NewWithWriter is New with an explicit destination.
func NewWithWriter(w io.Writer, service, version, level, format string) *Logger {
	var handler slog.Handler

	logLevel := ParseLevel(level)

	opts := &slog.HandlerOptions{
		Level:     logLevel,
		AddSource: logLevel == slog.LevelDebug,
	}

	switch strings.ToLower(format) {
	case "text":
		handler = slog.NewTextHandler(w, opts)
	default:
		handler = slog.NewJSONHandler(w, opts)
	}

	baseLogger := slog.New(handler).With(
		"service", service,
		"version", version,
	)

	return &Logger{
		Logger:  baseLogger,
		service: service,
		version: version,
	}
}

// Nop returns a logger that discards everything. Useful in tests.
func Nop() *Logger {
	return NewWithWriter(io.Discard, "test", "dev", "error", "json")
}

// ParseLevel maps a level name to a slog level, defaulting to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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

type contextKey string

// RequestIDKey is the context key carrying a request correlation id.
const RequestIDKey contextKey = "request_id"

// WithContext returns a logger with additional context fields
func (l *Logger) WithContext(ctx context.Context) *Logger {
	if reqID := ctx.Value(RequestIDKey); reqID != nil {
		return l.WithFields("request_id", reqID)
	}
	return l
}

// WithFields returns a logger with additional fields
func (l *Logger) WithFields(fields ...any) *Logger {
	return &Logger{
		Logger:  l.With(fields...),
		service: l.service,
		version: l.version,
	}
}

// WithComponent returns a logger with a component field
func (l *Logger) WithComponent(component string) *Logger {
	return l.WithFields("component", component)
}

// WithShare returns a logger with share-specific fields
func (l *Logger) WithShare(fingerprint string, channelID uint32, sequence uint32) *Logger {
	return l.WithFields("share_fingerprint", fingerprint, "channel_id", channelID, "sequence_number", sequence)
}

// WithKeyset returns a logger with keyset-specific fields
func (l *Logger) WithKeyset(keysetID, state string) *Logger {
	return l.WithFields("keyset_id", keysetID, "keyset_state", state)
}

// WithError returns a logger with error context
func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}
	return l.WithFields("error", err.Error())
}

// LogDuration logs the duration of an operation
func (l *Logger) LogDuration(operation string, duration time.Duration) {
	l.Debug("operation completed",
		"operation", operation,
		"duration_ms", float64(duration)/float64(time.Millisecond),
	)
}

// LogQuoteIssued logs a freshly issued mint quote
func (l *Logger) LogQuoteIssued(quoteID, keysetID string, amount uint64, unit string) {
	l.Info("mint quote issued",
		"quote_id", quoteID,
		"keyset_id", keysetID,
		"amount", amount,
		"unit", unit,
	)
}

// LogKeysetTransition logs a keyset lifecycle transition
func (l *Logger) LogKeysetTransition(keysetID, from, to string) {
	l.Info("keyset transition",
		"keyset_id", keysetID,
		"from", from,
		"to", to,
	)
}

// LogDrop logs an event that was dropped instead of being delivered
func (l *Logger) LogDrop(destination, reason string) {
	l.Warn("event dropped",
		"destination", destination,
		"reason", reason,
	)
}

// LogBlockFound logs when a block-finding share is seen
func (l *Logger) LogBlockFound(fingerprint string, channelID uint32) {
	l.Info("block found",
		"share_fingerprint", fingerprint,
		"channel_id", channelID,
	)
}
