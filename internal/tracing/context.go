package tracing

import (
	"context"

	"github.com/google/uuid"
)

// ContextKey is the type for context keys
type ContextKey string

const (
	// TraceIDKey is the context key for trace ID
	TraceIDKey ContextKey = "trace_id"
	// RequestIDKey is the context key for request ID
	RequestIDKey ContextKey = "request_id"
	// SessionIDKey is the context key for the session being operated on
	SessionIDKey ContextKey = "session_id"
	// BackendKey is the context key for the active backend name
	BackendKey ContextKey = "backend"
	// MigrationIDKey is the context key for a running migration
	MigrationIDKey ContextKey = "migration_id"
)

// TraceContext holds tracing information
type TraceContext struct {
	TraceID     string
	RequestID   string
	SessionID   string
	Backend     string
	MigrationID string
}

// NewTraceID generates a new trace ID
func NewTraceID() string {
	return uuid.New().String()
}

// NewMigrationID generates a new migration ID
func NewMigrationID() string {
	return uuid.New().String()
}

// WithTraceID adds a trace ID to the context
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceIDKey, traceID)
}

// WithRequestID adds a request ID to the context
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// WithSessionID adds a session ID to the context
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, SessionIDKey, sessionID)
}

// WithBackend adds the backend name to the context
func WithBackend(ctx context.Context, backend string) context.Context {
	return context.WithValue(ctx, BackendKey, backend)
}

// WithMigrationID adds a migration ID to the context
func WithMigrationID(ctx context.Context, migrationID string) context.Context {
	return context.WithValue(ctx, MigrationIDKey, migrationID)
}

func getString(ctx context.Context, key ContextKey) string {
	if v, ok := ctx.Value(key).(string); ok {
		return v
	}
	return ""
}

// GetTraceID retrieves the trace ID from the context
func GetTraceID(ctx context.Context) string {
	return getString(ctx, TraceIDKey)
}

// GetRequestID retrieves the request ID from the context
func GetRequestID(ctx context.Context) string {
	return getString(ctx, RequestIDKey)
}

// GetSessionID retrieves the session ID from the context
func GetSessionID(ctx context.Context) string {
	return getString(ctx, SessionIDKey)
}

// GetBackend retrieves the backend name from the context
func GetBackend(ctx context.Context) string {
	return getString(ctx, BackendKey)
}

// GetMigrationID retrieves the migration ID from the context
func GetMigrationID(ctx context.Context) string {
	return getString(ctx, MigrationIDKey)
}

// FromContext extracts all tracing information from the context
func FromContext(ctx context.Context) *TraceContext {
	return &TraceContext{
		TraceID:     GetTraceID(ctx),
		RequestID:   GetRequestID(ctx),
		SessionID:   GetSessionID(ctx),
		Backend:     GetBackend(ctx),
		MigrationID: GetMigrationID(ctx),
	}
}

// NewContext creates a new context with tracing information
func NewContext(ctx context.Context, tc *TraceContext) context.Context {
	if tc.TraceID != "" {
		ctx = WithTraceID(ctx, tc.TraceID)
	}
	if tc.RequestID != "" {
		ctx = WithRequestID(ctx, tc.RequestID)
	}
	if tc.SessionID != "" {
		ctx = WithSessionID(ctx, tc.SessionID)
	}
	if tc.Backend != "" {
		ctx = WithBackend(ctx, tc.Backend)
	}
	if tc.MigrationID != "" {
		ctx = WithMigrationID(ctx, tc.MigrationID)
	}
	return ctx
}

// NewRequestContext creates a new context for a request with a new trace ID
func NewRequestContext(ctx context.Context) context.Context {
	return WithTraceID(ctx, NewTraceID())
}

// NewMigrationContext tags ctx with a fresh migration ID, keeping any trace
// ID already present.
func NewMigrationContext(ctx context.Context) context.Context {
	if GetTraceID(ctx) == "" {
		ctx = WithTraceID(ctx, NewTraceID())
	}
	return WithMigrationID(ctx, NewMigrationID())
}
