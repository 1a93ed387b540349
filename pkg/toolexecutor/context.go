package toolexecutor

import "context"

type execContextKey struct{}

type executionIDKey struct{}

// ContextWithExecContext attaches the caller's execution context to a context.Context for backends.
func ContextWithExecContext(ctx context.Context, execCtx *ExecutionContext) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	if execCtx == nil {
		return ctx
	}
	return context.WithValue(ctx, execContextKey{}, execCtx)
}

// ExecContextFromContext extracts the execution context from a context.Context.
func ExecContextFromContext(ctx context.Context) *ExecutionContext {
	if ctx == nil {
		return nil
	}
	if execCtx, ok := ctx.Value(execContextKey{}).(*ExecutionContext); ok {
		return execCtx
	}
	return nil
}

// ContextWithExecutionID tags ctx with the id of the running execution.
func ContextWithExecutionID(ctx context.Context, executionID string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, executionIDKey{}, executionID)
}

// ExecutionIDFromContext returns the execution id set by ContextWithExecutionID.
func ExecutionIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(executionIDKey{}).(string)
	return id
}
