package tracing

import (
	"context"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
)

// PropagateToLogger adds tracing context to a zerolog logger
func PropagateToLogger(ctx context.Context, logger zerolog.Logger) zerolog.Logger {
	tc := FromContext(ctx)

	fields := logger.With()
	if tc.TraceID != "" {
		fields = fields.Str("trace_id", tc.TraceID)
	}
	if tc.ExecutionID != "" {
		fields = fields.Str("execution_id", tc.ExecutionID)
	}
	if tc.ToolID != "" {
		fields = fields.Str("tool", tc.ToolID)
	}
	if tc.AgentID != "" {
		fields = fields.Str("agent_id", tc.AgentID)
	}
	if tc.SessionID != "" {
		fields = fields.Str("session_id", tc.SessionID)
	}
	if tc.RequestID != "" {
		fields = fields.Str("request_id", tc.RequestID)
	}
	return fields.Logger()
}

// LoggerFromContext creates a logger with tracing context from the given context
func LoggerFromContext(ctx context.Context, baseLogger zerolog.Logger) zerolog.Logger {
	return PropagateToLogger(ctx, baseLogger)
}

// Detach returns a context that keeps the tracing values and active span of
// ctx but is never cancelled with it. Used for executions that outlive their
// request.
func Detach(ctx context.Context) context.Context {
	detached := NewContext(context.Background(), FromContext(ctx))
	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		detached = trace.ContextWithSpan(detached, span)
	}
	return detached
}

// MergeContext copies tracing values missing from target out of source.
func MergeContext(target, source context.Context) context.Context {
	src := FromContext(source)
	dst := FromContext(target)

	if dst.TraceID == "" {
		dst.TraceID = src.TraceID
	}
	if dst.AgentID == "" {
		dst.AgentID = src.AgentID
	}
	if dst.SessionID == "" {
		dst.SessionID = src.SessionID
	}
	if dst.RequestID == "" {
		dst.RequestID = src.RequestID
	}
	return NewContext(target, dst)
}
