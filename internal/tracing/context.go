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
	// ExecutionIDKey is the context key for the tool execution ID
	ExecutionIDKey ContextKey = "execution_id"
	// ToolIDKey is the context key for the executing tool
	ToolIDKey ContextKey = "tool_id"
	// AgentIDKey is the context key for agent ID
	AgentIDKey ContextKey = "agent_id"
	// SessionIDKey is the context key for session ID
	SessionIDKey ContextKey = "session_id"
	// RequestIDKey is the context key for the transport request ID
	RequestIDKey ContextKey = "request_id"
)

// TraceContext holds tracing information
type TraceContext struct {
	TraceID     string
	ExecutionID string
	ToolID      string
	AgentID     string
	SessionID   string
	RequestID   string
}

// NewTraceID generates a new trace ID
func NewTraceID() string {
	return uuid.New().String()
}

// NewExecutionID generates a new execution ID
func NewExecutionID() string {
	return uuid.New().String()
}

// WithTraceID adds a trace ID to the context
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceIDKey, traceID)
}

// WithExecutionID adds an execution ID to the context
func WithExecutionID(ctx context.Context, executionID string) context.Context {
	return context.WithValue(ctx, ExecutionIDKey, executionID)
}

// WithToolID adds a tool ID to the context
func WithToolID(ctx context.Context, toolID string) context.Context {
	return context.WithValue(ctx, ToolIDKey, toolID)
}

// WithAgentID adds an agent ID to the context
func WithAgentID(ctx context.Context, agentID string) context.Context {
	return context.WithValue(ctx, AgentIDKey, agentID)
}

// WithSessionID adds a session ID to the context
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, SessionIDKey, sessionID)
}

// WithRequestID adds a request ID to the context
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

func getString(ctx context.Context, key ContextKey) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(key).(string); ok {
		return v
	}
	return ""
}

// GetTraceID retrieves the trace ID from the context
func GetTraceID(ctx context.Context) string { return getString(ctx, TraceIDKey) }

// GetExecutionID retrieves the execution ID from the context
func GetExecutionID(ctx context.Context) string { return getString(ctx, ExecutionIDKey) }

// GetToolID retrieves the tool ID from the context
func GetToolID(ctx context.Context) string { return getString(ctx, ToolIDKey) }

// GetAgentID retrieves the agent ID from the context
func GetAgentID(ctx context.Context) string { return getString(ctx, AgentIDKey) }

// GetSessionID retrieves the session ID from the context
func GetSessionID(ctx context.Context) string { return getString(ctx, SessionIDKey) }

// GetRequestID retrieves the request ID from the context
func GetRequestID(ctx context.Context) string { return getString(ctx, RequestIDKey) }

// FromContext extracts all tracing information from the context
func FromContext(ctx context.Context) *TraceContext {
	return &TraceContext{
		TraceID:     GetTraceID(ctx),
		ExecutionID: GetExecutionID(ctx),
		ToolID:      GetToolID(ctx),
		AgentID:     GetAgentID(ctx),
		SessionID:   GetSessionID(ctx),
		RequestID:   GetRequestID(ctx),
	}
}

// NewContext creates a new context with tracing information
func NewContext(ctx context.Context, tc *TraceContext) context.Context {
	if tc.TraceID != "" {
		ctx = WithTraceID(ctx, tc.TraceID)
	}
	if tc.ExecutionID != "" {
		ctx = WithExecutionID(ctx, tc.ExecutionID)
	}
	if tc.ToolID != "" {
		ctx = WithToolID(ctx, tc.ToolID)
	}
	if tc.AgentID != "" {
		ctx = WithAgentID(ctx, tc.AgentID)
	}
	if tc.SessionID != "" {
		ctx = WithSessionID(ctx, tc.SessionID)
	}
	if tc.RequestID != "" {
		ctx = WithRequestID(ctx, tc.RequestID)
	}
	return ctx
}

// NewRequestContext creates a new context for a request with a new trace ID
func NewRequestContext(ctx context.Context) context.Context {
	return WithTraceID(ctx, NewTraceID())
}

// NewExecutionContext tags ctx with an execution and its caller. A trace ID
// is created when the context has none.
func NewExecutionContext(ctx context.Context, executionID, toolID, agentID, sessionID string) context.Context {
	if GetTraceID(ctx) == "" {
		ctx = WithTraceID(ctx, NewTraceID())
	}
	return NewContext(ctx, &TraceContext{
		ExecutionID: executionID,
		ToolID:      toolID,
		AgentID:     agentID,
		SessionID:   sessionID,
	})
}
