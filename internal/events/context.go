package events

import (
	"context"
	"os"
)

type contextKey int

const (
	loggerKey contextKey = iota
	operationIDKey
	resourceIDKey
)

// FromContext extracts logger from context.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerKey).(*Logger); ok {
		return l
	}
	return defaultLogger
}

// WithLogger adds logger to context.
func WithLogger(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// WithOperationID tags ctx with the ID of the queued operation it runs.
func WithOperationID(ctx context.Context, id string) context.Context {
	logger := FromContext(ctx).WithField("op_id", id)
	ctx = context.WithValue(ctx, operationIDKey, id)
	return WithLogger(ctx, logger)
}

// WithResourceID adds resource ID to context.
func WithResourceID(ctx context.Context, id string) context.Context {
	logger := FromContext(ctx).WithField("resource_id", id)
	ctx = context.WithValue(ctx, resourceIDKey, id)
	return WithLogger(ctx, logger)
}

// GetOperationID retrieves the operation ID from context.
func GetOperationID(ctx context.Context) string {
	if id, ok := ctx.Value(operationIDKey).(string); ok {
		return id
	}
	return ""
}

// GetResourceID retrieves resource ID from context.
func GetResourceID(ctx context.Context) string {
	if id, ok := ctx.Value(resourceIDKey).(string); ok {
		return id
	}
	return ""
}

// Scoped returns l with the operation and resource IDs carried by ctx.
func (l *Logger) Scoped(ctx context.Context) *Logger {
	out := l
	if id := GetOperationID(ctx); id != "" {
		out = out.WithField("op_id", id)
	}
	if id := GetResourceID(ctx); id != "" {
		out = out.WithField("resource_id", id)
	}
	return out
}

var defaultLogger = build(InfoLevel, "text", false, os.Stderr)

// SetDefault sets the default logger.
func SetDefault(logger *Logger) {
	defaultLogger = logger
}
