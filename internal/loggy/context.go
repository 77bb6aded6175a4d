package loggy

import (
	"context"

	"github.com/tildaslashalef/anchorsync/internal/ulid"
)

type contextKey string

const (
	loggerKey    contextKey = "logger"
	requestIDKey contextKey = "request_id"
)

// FromContext retrieves the logger from the context, falling back to the
// global logger
func FromContext(ctx context.Context) *Logger {
	if ctx != nil {
		if logger, ok := ctx.Value(loggerKey).(*Logger); ok && logger != nil {
			return logger
		}
	}
	return GetGlobalLogger()
}

// WithLogger returns a new context with the logger attached
func WithLogger(ctx context.Context, logger *Logger) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, loggerKey, logger)
}

// GetRequestID retrieves the request ID from the context
func GetRequestID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

// WithRequestID returns a new context with the request ID attached
func WithRequestID(ctx context.Context, requestID string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

// NewRequestID generates a new request ID using ULID
func NewRequestID() string {
	return ulid.RequestID()
}
