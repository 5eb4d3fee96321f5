package logger

import (
	"context"
	"log/slog"
	"os"
)

// contextKey is an unexported type for context keys.
type contextKey string

// TraceIDKey is the context key (and canonical header name) for the Trace ID.
const TraceIDKey contextKey = "X-Trace-ID"

// InstanceIDKey scopes log lines to a single simulation environment.
const InstanceIDKey contextKey = "instance_id"

var defaultLogger = slog.New(slog.NewTextHandler(os.Stdout, nil))

// SetDefault replaces the base logger used by NewContextLogger.
func SetDefault(l *slog.Logger) {
	if l != nil {
		defaultLogger = l
	}
}

// NewContextLogger creates a logger that always includes the trace_id (and the
// instance_id, when an environment is in scope) from the context.
func NewContextLogger(ctx context.Context) *slog.Logger {
	lg := defaultLogger
	if traceID, ok := ctx.Value(TraceIDKey).(string); ok && traceID != "" {
		lg = lg.With("trace_id", traceID)
	}
	if instanceID, ok := ctx.Value(InstanceIDKey).(string); ok && instanceID != "" {
		lg = lg.With("instance_id", instanceID)
	}
	return lg
}

// WithInstanceID returns a context whose loggers carry instance_id.
func WithInstanceID(ctx context.Context, instanceID string) context.Context {
	return context.WithValue(ctx, InstanceIDKey, instanceID)
}

// TraceID returns the trace ID stored in ctx, or "".
func TraceID(ctx context.Context) string {
	traceID, _ := ctx.Value(TraceIDKey).(string)
	return traceID
}

// Fatalf logs an error message and exits the program with status code 1.
// This provides Fatalf-like functionality for slog.Logger.
func Fatalf(logger *slog.Logger, msg string, args ...any) {
	logger.Error(msg, args...)
	os.Exit(1)
}

// LogCircuitBreakerStateChange logs a structured event whenever a circuit breaker
// transitions between states.
//
// Typical transitions: closed -> open, open -> half-open, half-open -> closed.
func LogCircuitBreakerStateChange(logger *slog.Logger, breakerName string, fromState string, toState string) {
	if logger == nil {
		logger = defaultLogger
	}
	logger.Warn(
		"circuit_breaker_state_change",
		"breaker", breakerName,
		"from", fromState,
		"to", toState,
	)
}
