// Package log provides structured logging utilities for blockseal services.
// It wraps the standard library's slog package with additional convenience methods.
package log

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/bardlex/blockseal/pkg/errors"
)

// Logger wraps slog.Logger with additional context and convenience methods
type Logger struct {
	*slog.Logger
	service string
	version string
}

// New creates a new logger writing to stdout with the specified configuration
func New(service, version, level, format string) *Logger {
	return NewWithWriter(os.Stdout, service, version, level, format)
}

// NewWithWriter creates a new logger writing to w
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

// ParseLevel maps a level name to a slog level, defaulting to info
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

// Service returns the service name attached to every record
func (l *Logger) Service() string {
	return l.service
}

// WithContext returns a logger with additional context fields
func (l *Logger) WithContext(ctx context.Context) *Logger {
	logger := l.Logger

	if reqID := ctx.Value("request_id"); reqID != nil {
		logger = logger.With("request_id", reqID)
	}

	if traceID := ctx.Value("trace_id"); traceID != nil {
		logger = logger.With("trace_id", traceID)
	}

	return &Logger{
		Logger:  logger,
		service: l.service,
		version: l.version,
	}
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

// WithBlock returns a logger with block sealing parameters
func (l *Logger) WithBlock(algorithm string, difficulty int) *Logger {
	return l.WithFields("algorithm", algorithm, "difficulty", difficulty)
}

// WithRequest returns a logger with a request identifier
func (l *Logger) WithRequest(requestID string) *Logger {
	return l.WithFields("request_id", requestID)
}

// WithError returns a logger with error context
func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}
	fields := []any{"error", err.Error()}
	if se := errors.Find(err); se != nil {
		fields = append(fields, "error_type", string(se.Type), "retryable", se.Retryable)
		fields = append(fields, errors.Fields(err)...)
	}
	return l.WithFields(fields...)
}

// Performance logging helpers

// LogDuration logs the duration of an operation
func (l *Logger) LogDuration(operation string, duration int64) {
	l.Info("operation completed",
		"operation", operation,
		"duration_ns", duration,
		"duration_ms", float64(duration)/1e6,
	)
}

// LogThroughput logs throughput metrics
func (l *Logger) LogThroughput(operation string, count int64, duration int64) {
	if duration <= 0 {
		return
	}
	throughput := float64(count) / (float64(duration) / 1e9)
	l.Info("throughput metrics",
		"operation", operation,
		"count", count,
		"duration_ns", duration,
		"throughput_ops_sec", throughput,
	)
}

// Connection logging helpers

// LogConnection logs connection events
func (l *Logger) LogConnection(event, remoteAddr string) {
	l.Info("connection event",
		"event", event,
		"remote_addr", remoteAddr,
	)
}

// LogRPCMessage logs raw RPC lines (debug level)
func (l *Logger) LogRPCMessage(direction, message string) {
	l.Debug("rpc message",
		"direction", direction,
		"message", message,
	)
}

// Sealing helpers

// LogBlockSealed logs a successful seal
func (l *Logger) LogBlockSealed(nonce string, attempts uint64, elapsed time.Duration, cached bool) {
	l.Info("block sealed",
		"nonce", nonce,
		"attempts", attempts,
		"elapsed_ms", float64(elapsed.Nanoseconds())/1e6,
		"cached", cached,
	)
}

// LogSealCheck logs the outcome of a validation
func (l *Logger) LogSealCheck(valid bool, state string) {
	l.Info("seal checked",
		"valid", valid,
		"state", state,
	)
}

// LogSearchProgress logs a nonce search heartbeat (debug level)
func (l *Logger) LogSearchProgress(workerID int, attempts uint64, nonce string) {
	l.Debug("nonce search progress",
		"worker_id", workerID,
		"attempts", attempts,
		"nonce", nonce,
	)
}
