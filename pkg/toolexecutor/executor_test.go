package toolexecutor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_RequiresCatalog(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}

func TestToolExecutor_Execute_Success(t *testing.T) {
	backend := &fakeBackend{name: "echo", kind: KindHTTP, execute: func(ctx context.Context, call *Call) (*ExecutionOutput, error) {
		assert.Equal(t, call.ExecutionID, ExecutionIDFromContext(ctx))
		assert.Equal(t, "agent-1", ExecContextFromContext(ctx).AgentID)
		return TextOutput(call.Parameters["message"].(string)), nil
	}}
	te := newTestExecutor(t, echoTool("echo"), backend)

	var callbackStatus atomic.Value
	req := echoRequest("echo")
	req.Callback = func(r *ToolResult) { callbackStatus.Store(r.Status) }

	result, err := te.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, result.Status)
	assert.Equal(t, "hi", result.Output.Text)
	assert.NotEmpty(t, result.ExecutionID)
	assert.NotNil(t, result.CompletedAt)
	assert.Equal(t, 0, result.Metrics.RetryCount)
	assert.Equal(t, StatusSuccess, callbackStatus.Load())

	status, err := te.GetExecutionStatus(result.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, status)

	tool, err := te.catalog.GetTool(context.Background(), "echo")
	require.NoError(t, err)
	assert.Equal(t, int64(1), tool.Usage.TotalExecutions)
	assert.Equal(t, int64(1), tool.Usage.SuccessCount)
	assert.NotNil(t, tool.Usage.LastUsedAt)
}

func TestToolExecutor_Execute_ToolNotFound(t *testing.T) {
	backend := &fakeBackend{name: "echo", kind: KindHTTP}
	te := newTestExecutor(t, echoTool("echo"), backend)

	result, err := te.Execute(context.Background(), echoRequest("missing"))
	assert.True(t, errors.Is(err, ErrToolNotFound))
	require.NotNil(t, result)
	assert.Equal(t, StatusFailed, result.Status)
	assert.Equal(t, OutputError, result.Output.Kind)
	assert.Equal(t, int32(0), backend.calls.Load())
}

func TestToolExecutor_Execute_InvalidParametersNeverReachBackend(t *testing.T) {
	backend := &fakeBackend{name: "echo", kind: KindHTTP}
	te := newTestExecutor(t, echoTool("echo"), backend)

	tests := []struct {
		name   string
		params map[string]interface{}
		want   *ExecutorError
	}{
		{"missing", map[string]interface{}{}, ErrMissingParameter},
		{"type mismatch", map[string]interface{}{"message": 12}, ErrInvalidParameters},
		{"out of range", map[string]interface{}{"message": "x", "count": 99}, ErrValidation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := echoRequest("echo")
			req.Parameters = tt.params
			result, err := te.Execute(context.Background(), req)
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
			assert.Equal(t, StatusFailed, result.Status)
			assert.True(t, result.HasErrors())
		})
	}
	assert.Equal(t, int32(0), backend.calls.Load())
}

func TestToolExecutor_Execute_BackendValidation(t *testing.T) {
	backend := &fakeBackend{name: "echo", kind: KindHTTP, validate: func(tool *Tool, params map[string]interface{}) []ValidationIssue {
		if params["message"] == "bad" {
			return []ValidationIssue{{Parameter: "message", Code: CodeOutOfRange, Message: "bad message"}}
		}
		return nil
	}}
	te := newTestExecutor(t, echoTool("echo"), backend)

	req := echoRequest("echo")
	req.Parameters["message"] = "bad"
	_, err := te.Execute(context.Background(), req)
	assert.True(t, errors.Is(err, ErrValidation))
	assert.Equal(t, int32(0), backend.calls.Load())
}

func TestToolExecutor_Execute_PermissionDenied(t *testing.T) {
	backend := &fakeBackend{name: "echo", kind: KindHTTP, perms: []string{"network:http"}}
	te := newTestExecutor(t, echoTool("echo"), backend)

	_, err := te.Execute(context.Background(), echoRequest("echo"))
	assert.True(t, errors.Is(err, ErrPermissionDenied))
	assert.Equal(t, int32(0), backend.calls.Load())

	req := echoRequest("echo")
	req.Context.Security.Permissions = []string{"network:*"}
	result, err := te.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, result.Status)
}

func TestToolExecutor_Execute_DisabledAndDeprecated(t *testing.T) {
	tool := echoTool("echo")
	tool.Status = ToolDisabled
	te := newTestExecutor(t, tool, &fakeBackend{name: "echo", kind: KindHTTP})

	_, err := te.Execute(context.Background(), echoRequest("echo"))
	assert.True(t, errors.Is(err, ErrToolUnavailable))

	tool = echoTool("old")
	tool.Status = ToolDeprecated
	te = newTestExecutor(t, tool, &fakeBackend{name: "old", kind: KindHTTP})

	result, err := te.Execute(context.Background(), echoRequest("old"))
	require.NoError(t, err)
	require.NotEmpty(t, result.Diagnostics)
	assert.Equal(t, "deprecated", result.Diagnostics[0].Code)
}

func TestToolExecutor_Execute_BackendKindMismatch(t *testing.T) {
	te := newTestExecutor(t, echoTool("echo"), &fakeBackend{name: "echo", kind: KindMQTT})

	_, err := te.Execute(context.Background(), echoRequest("echo"))
	assert.True(t, errors.Is(err, ErrToolUnavailable))
}

func TestToolExecutor_Execute_RetriesTransientFailures(t *testing.T) {
	tool := echoTool("flaky")
	tool.Execution.Retry = FixedRetry(3, time.Millisecond)

	backend := &fakeBackend{name: "flaky", kind: KindHTTP}
	backend.execute = func(ctx context.Context, call *Call) (*ExecutionOutput, error) {
		if call.Attempt < 3 {
			return nil, NewError(KindNetworkError, "connection reset")
		}
		return TextOutput("ok"), nil
	}
	te := newTestExecutor(t, tool, backend)

	result, err := te.Execute(context.Background(), echoRequest("flaky"))
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, result.Status)
	assert.Equal(t, 2, result.Metrics.RetryCount)
	assert.Equal(t, int32(3), backend.calls.Load())
}

func TestToolExecutor_Execute_RetriesExhausted(t *testing.T) {
	tool := echoTool("down")
	tool.Execution.Retry = FixedRetry(4, 0)

	backend := &fakeBackend{name: "down", kind: KindHTTP, execute: func(ctx context.Context, call *Call) (*ExecutionOutput, error) {
		return nil, NewError(KindNetworkError, "unreachable")
	}}
	te := newTestExecutor(t, tool, backend)

	result, err := te.Execute(context.Background(), echoRequest("down"))
	assert.True(t, errors.Is(err, ErrExecutionFailed))
	assert.True(t, errors.Is(err, ErrNetwork))
	assert.Equal(t, StatusFailed, result.Status)
	assert.Equal(t, 3, result.Metrics.RetryCount)
	assert.Equal(t, int32(4), backend.calls.Load())
}

func TestToolExecutor_Execute_RequestRetryOverridesTool(t *testing.T) {
	tool := echoTool("flaky")
	tool.Execution.Retry = FixedRetry(5, 0)

	backend := &fakeBackend{name: "flaky", kind: KindHTTP, execute: func(ctx context.Context, call *Call) (*ExecutionOutput, error) {
		return nil, NewError(KindNetworkError, "unreachable")
	}}
	te := newTestExecutor(t, tool, backend)

	req := echoRequest("flaky")
	req.Options.Retry = FixedRetry(2, 0)
	result, _ := te.Execute(context.Background(), req)
	assert.Equal(t, 1, result.Metrics.RetryCount)
	assert.Equal(t, int32(2), backend.calls.Load())
}

func TestToolExecutor_Execute_Timeout(t *testing.T) {
	tool := echoTool("slow")
	tool.Execution.TimeoutMS = 20

	backend := &fakeBackend{name: "slow", kind: KindHTTP, execute: func(ctx context.Context, call *Call) (*ExecutionOutput, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	te := newTestExecutor(t, tool, backend)

	result, err := te.Execute(context.Background(), echoRequest("slow"))
	assert.True(t, errors.Is(err, ErrTimeout))
	assert.Equal(t, StatusTimeout, result.Status)
	assert.GreaterOrEqual(t, result.Metrics.DurationMS, int64(20))
}

func TestToolExecutor_Execute_OutputLimit(t *testing.T) {
	tool := echoTool("big")
	tool.Execution.Limits.OutputBytes = 3
	te := newTestExecutor(t, tool, &fakeBackend{name: "big", kind: KindHTTP, execute: func(ctx context.Context, call *Call) (*ExecutionOutput, error) {
		return TextOutput("too long"), nil
	}})

	result, err := te.Execute(context.Background(), echoRequest("big"))
	require.Error(t, err)
	var execErr *ExecutorError
	require.True(t, errors.As(err, &execErr))
	assert.Equal(t, KindResourceLimitExceeded, execErr.Kind)
	assert.Equal(t, ResourceOutput, execErr.Resource)
	assert.Equal(t, StatusFailed, result.Status)
}

func TestToolExecutor_Execute_CPUBudget(t *testing.T) {
	tool := echoTool("spin")
	tool.Execution.Limits.CPUTimeMS = 20
	te := newTestExecutor(t, tool, &fakeBackend{name: "spin", kind: KindHTTP, execute: func(ctx context.Context, call *Call) (*ExecutionOutput, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}})

	result, err := te.Execute(context.Background(), echoRequest("spin"))
	assert.True(t, errors.Is(err, ErrResourceLimitExceeded))
	assert.Equal(t, StatusFailed, result.Status)
	require.NotNil(t, result.Metrics.CPUTimeMS)
}

func TestToolExecutor_Execute_PartialSuccess(t *testing.T) {
	te := newTestExecutor(t, echoTool("part"), &fakeBackend{name: "part", kind: KindHTTP, execute: func(ctx context.Context, call *Call) (*ExecutionOutput, error) {
		call.Diagnose(LevelWarning, "http_status", "server answered %d", 404)
		out := TextOutput("not found")
		out.Partial = true
		return out, nil
	}})

	result, err := te.Execute(context.Background(), echoRequest("part"))
	require.NoError(t, err)
	assert.Equal(t, StatusPartialSuccess, result.Status)
	require.Len(t, result.Diagnostics, 1)
	assert.Equal(t, "http_status", result.Diagnostics[0].Code)
}

func TestToolExecutor_Execute_ConcurrencyLimit(t *testing.T) {
	tool := echoTool("lane")
	tool.Execution.MaxConcurrent = 1

	started := make(chan struct{})
	release := make(chan struct{})
	backend := &fakeBackend{name: "lane", kind: KindHTTP, execute: func(ctx context.Context, call *Call) (*ExecutionOutput, error) {
		started <- struct{}{}
		<-release
		return TextOutput("done"), nil
	}}
	te := newTestExecutor(t, tool, backend)

	first := echoRequest("lane")
	first.Options.WaitForCompletion = boolPtr(false)
	_, err := te.Execute(context.Background(), first)
	require.NoError(t, err)
	<-started

	_, err = te.Execute(context.Background(), echoRequest("lane"))
	assert.True(t, errors.Is(err, ErrConcurrencyLimitReached))

	close(release)
	result, err := te.Wait(context.Background(), first.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, result.Status)
	assert.Equal(t, int32(1), backend.calls.Load())
}

func TestToolExecutor_Execute_RateLimit(t *testing.T) {
	tool := echoTool("rl")
	tool.Execution.RateLimitPerMinute = 1
	te := newTestExecutor(t, tool, &fakeBackend{name: "rl", kind: KindHTTP})

	_, err := te.Execute(context.Background(), echoRequest("rl"))
	require.NoError(t, err)

	_, err = te.Execute(context.Background(), echoRequest("rl"))
	assert.True(t, errors.Is(err, ErrRateLimitExceeded))
}

func TestToolExecutor_Execute_CircuitBreaker(t *testing.T) {
	tool := echoTool("cb")
	catalog, err := NewMemoryCatalog(tool)
	require.NoError(t, err)

	backend := &fakeBackend{name: "cb", kind: KindHTTP, execute: func(ctx context.Context, call *Call) (*ExecutionOutput, error) {
		return nil, NewError(KindNetworkError, "down")
	}}
	registry := NewRegistry()
	require.NoError(t, registry.Register("cb", backend))

	te, err := New(Config{
		Catalog:  catalog,
		Registry: registry,
		Logger:   zerolog.Nop(),
		Breaker:  BreakerSettings{FailureThreshold: 2, OpenTimeout: time.Minute},
	})
	require.NoError(t, err)
	defer te.Close()

	for i := 0; i < 2; i++ {
		_, err := te.Execute(context.Background(), echoRequest("cb"))
		assert.True(t, errors.Is(err, ErrNetwork))
	}

	_, err = te.Execute(context.Background(), echoRequest("cb"))
	assert.True(t, errors.Is(err, ErrToolUnavailable))
	assert.Equal(t, int32(2), backend.calls.Load())
}

func TestToolExecutor_Execute_DuplicateActiveID(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	te := newTestExecutor(t, echoTool("echo"), &fakeBackend{name: "echo", kind: KindHTTP, execute: func(ctx context.Context, call *Call) (*ExecutionOutput, error) {
		close(started)
		<-release
		return TextOutput("ok"), nil
	}})

	first := echoRequest("echo")
	first.ExecutionID = "exec-1"
	first.Options.WaitForCompletion = boolPtr(false)
	_, err := te.Execute(context.Background(), first)
	require.NoError(t, err)
	<-started

	second := echoRequest("echo")
	second.ExecutionID = "exec-1"
	_, err = te.Execute(context.Background(), second)
	assert.True(t, errors.Is(err, ErrExecutionActive))

	close(release)
	_, err = te.Wait(context.Background(), "exec-1")
	require.NoError(t, err)
}

func TestToolExecutor_CancelRunning(t *testing.T) {
	started := make(chan struct{})
	backend := &fakeBackend{name: "echo", kind: KindHTTP, execute: func(ctx context.Context, call *Call) (*ExecutionOutput, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	te := newTestExecutor(t, echoTool("echo"), backend)

	req := echoRequest("echo")
	req.Options.WaitForCompletion = boolPtr(false)
	snapshot, err := te.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, snapshot.Status.IsTerminal())
	<-started

	require.NoError(t, te.CancelExecution(req.ExecutionID))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	result, err := te.Wait(ctx, req.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, result.Status)
	assert.Equal(t, OutputNone, result.Output.Kind)

	require.NoError(t, te.CancelExecution(req.ExecutionID), "cancelling a terminal execution is a no-op")
	status, _ := te.GetExecutionStatus(req.ExecutionID)
	assert.Equal(t, StatusCancelled, status)
}

func TestToolExecutor_CancelPending(t *testing.T) {
	tool := echoTool("lane")
	tool.Execution.MaxConcurrent = 1
	tool.Execution.QueueSize = 1

	started := make(chan struct{}, 1)
	release := make(chan struct{})
	backend := &fakeBackend{name: "lane", kind: KindHTTP, execute: func(ctx context.Context, call *Call) (*ExecutionOutput, error) {
		started <- struct{}{}
		<-release
		return TextOutput("done"), nil
	}}
	te := newTestExecutor(t, tool, backend)

	first := echoRequest("lane")
	first.Options.WaitForCompletion = boolPtr(false)
	_, err := te.Execute(context.Background(), first)
	require.NoError(t, err)
	<-started

	queued := echoRequest("lane")
	queued.Options.WaitForCompletion = boolPtr(false)
	_, err = te.Execute(context.Background(), queued)
	require.NoError(t, err)

	require.NoError(t, te.CancelExecution(queued.ExecutionID))
	status, err := te.GetExecutionStatus(queued.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, status)

	close(release)
	_, err = te.Wait(context.Background(), first.ExecutionID)
	require.NoError(t, err)
	result, err := te.Wait(context.Background(), queued.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, result.Status)
	assert.Equal(t, int32(1), backend.calls.Load())
}

func TestToolExecutor_UnknownExecution(t *testing.T) {
	te := newTestExecutor(t, echoTool("echo"), &fakeBackend{name: "echo", kind: KindHTTP})

	_, err := te.GetExecutionStatus("nope")
	assert.True(t, errors.Is(err, ErrExecutionNotFound))
	assert.True(t, errors.Is(te.CancelExecution("nope"), ErrExecutionNotFound))
	_, err = te.GetExecutionResult("nope")
	assert.True(t, errors.Is(err, ErrExecutionNotFound))
}

func TestToolExecutor_ValidateParameters(t *testing.T) {
	backend := &fakeBackend{name: "echo", kind: KindHTTP}
	te := newTestExecutor(t, echoTool("echo"), backend)

	vr, err := te.ValidateParameters(context.Background(), "echo", map[string]interface{}{"count": 0})
	require.NoError(t, err)
	assert.False(t, vr.Valid)
	assert.True(t, vr.HasError("message"))
	assert.True(t, vr.HasError("count"))

	vr, err = te.ValidateParameters(context.Background(), "echo", map[string]interface{}{"message": "x"})
	require.NoError(t, err)
	assert.True(t, vr.Valid)

	_, err = te.ValidateParameters(context.Background(), "missing", nil)
	assert.True(t, errors.Is(err, ErrToolNotFound))
	assert.Equal(t, int32(0), backend.calls.Load())
}

func TestToolExecutor_CanExecuteAndList(t *testing.T) {
	open := echoTool("open")
	guarded := echoTool("guarded")
	guarded.Security.RequiredPermissions = []string{"admin"}
	private := echoTool("private")
	private.Security.AllowedAgents = []string{"agent-2"}

	catalog, err := NewMemoryCatalog(open, guarded, private)
	require.NoError(t, err)
	registry := NewRegistry()
	for _, id := range []string{"open", "guarded", "private"} {
		require.NoError(t, registry.Register(id, &fakeBackend{name: id, kind: KindHTTP}))
	}
	te, err := New(Config{Catalog: catalog, Registry: registry, Logger: zerolog.Nop()})
	require.NoError(t, err)
	defer te.Close()

	execCtx := &ExecutionContext{AgentID: "agent-1"}

	ok, err := te.CanExecute(context.Background(), "open", execCtx)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = te.CanExecute(context.Background(), "guarded", execCtx)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = te.CanExecute(context.Background(), "missing", execCtx)
	assert.True(t, errors.Is(err, ErrToolNotFound))

	tools, err := te.ListAvailableTools(context.Background(), execCtx)
	require.NoError(t, err)
	require.Len(t, tools, 1)
	assert.Equal(t, "open", tools[0].ID)

	execCtx.Security.Permissions = []string{"admin"}
	execCtx.AgentID = "agent-2"
	tools, err = te.ListAvailableTools(context.Background(), execCtx)
	require.NoError(t, err)
	assert.Len(t, tools, 3)
}

func TestToolExecutor_UsesFactory(t *testing.T) {
	catalog, err := NewMemoryCatalog(echoTool("made"))
	require.NoError(t, err)

	created := 0
	te, err := New(Config{
		Catalog: catalog,
		Logger:  zerolog.Nop(),
		Factory: BackendFactoryFunc(func(tool *Tool) (Backend, error) {
			created++
			return &fakeBackend{name: tool.ID, kind: tool.Type.Kind}, nil
		}),
	})
	require.NoError(t, err)
	defer te.Close()

	for i := 0; i < 3; i++ {
		_, err := te.Execute(context.Background(), echoRequest("made"))
		require.NoError(t, err)
	}
	assert.Equal(t, 1, created)
	assert.Equal(t, []string{"made"}, te.Registry().List())
}

func TestToolExecutor_PruneExecutions(t *testing.T) {
	te := newTestExecutor(t, echoTool("echo"), &fakeBackend{name: "echo", kind: KindHTTP})

	result, err := te.Execute(context.Background(), echoRequest("echo"))
	require.NoError(t, err)

	assert.Equal(t, 0, te.PruneExecutions(time.Now()))
	assert.Equal(t, 1, te.PruneExecutions(time.Now().Add(2*time.Hour)))

	_, err = te.GetExecutionStatus(result.ExecutionID)
	assert.True(t, errors.Is(err, ErrExecutionNotFound))
}

func TestToolExecutor_Janitor(t *testing.T) {
	te := newTestExecutor(t, echoTool("echo"), &fakeBackend{name: "echo", kind: KindHTTP})

	assert.Error(t, te.StartJanitor("not a schedule"))
	require.NoError(t, te.StartJanitor("@every 1h"))
	require.NoError(t, te.StartJanitor(""))
	te.StopJanitor()
	te.StopJanitor()
}
