package toolexecutor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/harun/toolengine/internal/observability"
	"github.com/harun/toolengine/internal/tracing"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

const (
	// DefaultTimeout applies when neither the request nor the tool sets one.
	DefaultTimeout = 30 * time.Second

	tracerName = "toolengine.toolexecutor"
)

var errExecutionDeadline = errors.New("execution timeout elapsed")

// Config configures a ToolExecutor.
type Config struct {
	Catalog  Catalog
	Factory  BackendFactory // optional when every backend is registered up front
	Registry *Registry
	Logger   zerolog.Logger

	DefaultTimeout time.Duration
	DefaultRetry   *RetryConfig
	Breaker        BreakerSettings
	StreamBuffer   int
	Retention      time.Duration // how long terminal records stay queryable
}

// ToolExecutor is the lifecycle manager. It validates, authorizes, admits,
// dispatches and retries executions over any registered backend.
type ToolExecutor struct {
	catalog   Catalog
	factory   BackendFactory
	registry  *Registry
	validator *Validator
	admission *admission
	tracker   *tracker
	logger    zerolog.Logger

	defaultTimeout time.Duration
	defaultRetry   *RetryConfig
	streamBuffer   int
	retention      time.Duration
	active         atomic.Int64

	janitorMu sync.Mutex
	janitor   *cron.Cron
}

var _ Executor = (*ToolExecutor)(nil)

// New creates a ToolExecutor
func New(cfg Config) (*ToolExecutor, error) {
	if cfg.Catalog == nil {
		return nil, fmt.Errorf("catalog is required")
	}
	if cfg.Registry == nil {
		cfg.Registry = NewRegistry()
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = DefaultTimeout
	}
	if cfg.StreamBuffer <= 0 {
		cfg.StreamBuffer = 64
	}
	if cfg.Retention <= 0 {
		cfg.Retention = time.Hour
	}

	observability.EnsureRegistered()

	te := &ToolExecutor{
		catalog:        cfg.Catalog,
		factory:        cfg.Factory,
		registry:       cfg.Registry,
		validator:      NewValidator(),
		admission:      newAdmission(cfg.Breaker),
		tracker:        newTracker(),
		logger:         cfg.Logger.With().Str("component", "toolexecutor").Logger(),
		defaultTimeout: cfg.DefaultTimeout,
		defaultRetry:   cfg.DefaultRetry,
		streamBuffer:   cfg.StreamBuffer,
		retention:      cfg.Retention,
	}

	log.Info().Dur("default_timeout", cfg.DefaultTimeout).Msg("Tool executor initialized")
	return te, nil
}

// Registry exposes the backend registry.
func (te *ToolExecutor) Registry() *Registry {
	return te.registry
}

// prepared is a request that passed lookup, validation and permission checks.
type prepared struct {
	tool        *Tool
	backend     Backend
	params      map[string]interface{}
	diagnostics []Diagnostic
}

// Execute runs a request to completion, or detaches it when the request
// sets wait_for_completion to false. Failures return the terminal result
// together with an *ExecutorError; cancellation is reported only through
// the Cancelled status.
func (te *ToolExecutor) Execute(ctx context.Context, req *ExecutionRequest) (*ToolResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if req == nil {
		return nil, NewError(KindInvalidParameters, "request is nil")
	}
	if req.ExecutionID == "" {
		req.ExecutionID = tracing.NewExecutionID()
	}

	ctx = tracing.NewExecutionContext(ctx, req.ExecutionID, req.ToolID, req.Context.AgentID, req.Context.SessionID)
	ctx, span := tracing.StartSpan(ctx, tracerName, "toolexecutor.execute", attribute.String("tool.id", req.ToolID))

	failed, started, err := te.begin(ctx, req)
	if err != nil {
		tracing.EndSpan(span, err)
		return failed, err
	}

	if !req.Options.waits() {
		detached := tracing.Detach(ctx)
		go func() {
			_, runErr := te.run(detached, started.record, req, started.prepared, nil)
			tracing.EndSpan(span, runErr)
		}()
		return started.record.snapshot(), nil
	}

	result, err := te.run(ctx, started.record, req, started.prepared, nil)
	tracing.EndSpan(span, err)
	return result, err
}

type begun struct {
	record   *executionRecord
	prepared *prepared
}

// begin tracks the request and runs the synchronous preflight. On failure
// it returns the terminal result and error.
func (te *ToolExecutor) begin(ctx context.Context, req *ExecutionRequest) (*ToolResult, *begun, error) {
	rec, err := te.tracker.begin(req)
	if err != nil {
		execErr := WrapError(KindOther, err, "execution %s", req.ExecutionID)
		now := time.Now()
		return &ToolResult{
			ExecutionID: req.ExecutionID,
			ToolID:      req.ToolID,
			Status:      StatusFailed,
			Output:      execErr.Output(),
			Diagnostics: []Diagnostic{errorDiagnostic(execErr, now)},
			StartedAt:   now,
			CompletedAt: &now,
		}, nil, execErr
	}
	observability.SetActiveExecutions(int(te.active.Add(1)))

	prep, err := te.prepare(ctx, req)
	if err != nil {
		result, err := te.finishEarly(ctx, rec, req, nil, err)
		return result, nil, err
	}
	return nil, &begun{record: rec, prepared: prep}, nil
}

// prepare resolves the tool and backend, validates parameters and checks
// permissions. It performs no backend I/O.
func (te *ToolExecutor) prepare(ctx context.Context, req *ExecutionRequest) (*prepared, error) {
	tool, err := te.catalog.GetTool(ctx, req.ToolID)
	if err != nil {
		return nil, AsExecutorError(err)
	}

	var diags []Diagnostic
	switch tool.Status {
	case ToolDisabled:
		return nil, NewError(KindToolUnavailable, "tool %s is disabled", tool.ID)
	case ToolDeprecated:
		diags = append(diags, Diagnostic{
			Level: LevelWarning, Code: "deprecated", Message: fmt.Sprintf("tool %s is deprecated", tool.ID),
			Source: "catalog", Timestamp: time.Now(),
		})
	}

	backend, err := te.resolveBackend(tool)
	if err != nil {
		return nil, err
	}

	vr := te.validate(tool, backend, req.Parameters)
	for _, w := range vr.Warnings {
		diags = append(diags, Diagnostic{
			Level: LevelWarning, Code: w.Code, Message: w.Message, Source: "validation", Timestamp: time.Now(),
		})
	}
	if !vr.Valid {
		return nil, validationError(tool.ID, vr)
	}

	required := RequiredPermissions(tool, backend.Permissions())
	if auth, ok := backend.(OperationAuthorizer); ok {
		required = RequiredPermissions(tool, backend.Permissions(), auth.OperationPermissions(vr.NormalizedParameters))
	}
	decision := EvaluateAccess(tool, &req.Context, required)
	if !decision.Allowed {
		observability.RecordSecurityAudit(ctx, "permission_check", req.Context.AgentID, "denied", map[string]interface{}{
			"tool":    tool.ID,
			"missing": decision.Missing,
			"reason":  decision.Reason,
		})
		return nil, decision.Err(tool.ID)
	}

	return &prepared{tool: tool, backend: backend, params: vr.NormalizedParameters, diagnostics: diags}, nil
}

func validationError(toolID string, vr *ValidationResult) *ExecutorError {
	kind := KindValidationError
	allMissing := true
	for _, issue := range vr.Errors {
		if issue.Code != CodeMissingParameter {
			allMissing = false
		}
		if issue.Code == CodeTypeMismatch {
			kind = KindInvalidParameters
		}
	}
	if allMissing {
		kind = KindMissingParameter
	}

	msgs := make([]string, 0, len(vr.Errors))
	for _, issue := range vr.Errors {
		msgs = append(msgs, issue.Message)
	}
	err := NewError(kind, "%s: %s", toolID, strings.Join(msgs, "; "))
	err.Details = map[string]interface{}{"errors": vr.Errors}
	return err
}

func (te *ToolExecutor) resolveBackend(tool *Tool) (Backend, error) {
	name := tool.BackendName()

	var (
		backend Backend
		err     error
	)
	if te.factory == nil {
		backend, err = te.registry.Get(name)
	} else {
		backend, err = te.registry.Ensure(name, tool.Type.Fingerprint(), func() (Backend, error) {
			return te.factory.Create(tool)
		})
	}
	if err != nil {
		return nil, WrapError(KindToolUnavailable, err, "no backend for tool %s", tool.ID)
	}
	if backend.Kind() != tool.Type.Kind {
		return nil, NewError(KindToolUnavailable, "backend %s serves %s, tool %s needs %s",
			name, backend.Kind(), tool.ID, tool.Type.Kind)
	}
	return backend, nil
}

func (te *ToolExecutor) validate(tool *Tool, backend Backend, params map[string]interface{}) *ValidationResult {
	vr := te.validator.Validate(tool, params)
	if backend != nil {
		vr.Errors = append(vr.Errors, backend.Validate(tool, vr.NormalizedParameters)...)
	}
	vr.Valid = len(vr.Errors) == 0
	return vr
}

// run admits and dispatches a prepared execution and terminalizes it.
func (te *ToolExecutor) run(ctx context.Context, rec *executionRecord, req *ExecutionRequest, prep *prepared, sink *chunkSink) (*ToolResult, error) {
	tool := prep.tool

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	if !rec.bindCancel(cancel) {
		return rec.snapshot(), nil
	}
	if sink != nil {
		sink.bind(runCtx)
	}

	if err := te.admission.allow(tool); err != nil {
		return te.finishEarly(ctx, rec, req, prep, err)
	}
	if err := te.admission.checkBreaker(tool.BackendName()); err != nil {
		return te.finishEarly(ctx, rec, req, prep, err)
	}

	release, err := te.admission.lane(tool.ID).acquire(runCtx, req.ExecutionID, req.Options.Priority,
		tool.Execution.MaxConcurrent, tool.Execution.QueueSize)
	if err != nil {
		if runCtx.Err() != nil {
			return te.complete(ctx, rec, req, prep, outcome{runCtx: runCtx, execCtx: runCtx, err: err})
		}
		return te.finishEarly(ctx, rec, req, prep, err)
	}
	defer release()

	if !rec.transition(StatusRunning) {
		return rec.snapshot(), nil
	}
	if sink != nil {
		_ = sink.Write(ProgressChunk(0, "running"))
	}

	timeout := te.timeoutFor(tool, req.Options)
	execCtx, stop := context.WithTimeoutCause(runCtx, timeout, errExecutionDeadline)
	defer stop()
	execCtx = ContextWithExecContext(execCtx, &req.Context)
	execCtx = ContextWithExecutionID(execCtx, req.ExecutionID)

	logger := tracing.LoggerFromContext(execCtx, te.logger)
	limits := tool.Execution.Limits.Merge(req.Options.Limits)
	usage := NewUsageTracker(limits)
	policy := te.retryPolicy(tool, prep.backend, req.Options)

	var (
		diags   []Diagnostic
		cpuUsed time.Duration
	)
	out, attempts, err := runWithRetry(execCtx, policy, logger, func(ctx context.Context, attempt int) (*ExecutionOutput, error) {
		call := &Call{
			ExecutionID: req.ExecutionID,
			Tool:        tool,
			Parameters:  prep.params,
			Context:     &req.Context,
			Options:     req.Options,
			Limits:      limits,
			Usage:       usage,
			Attempt:     attempt,
			Logger:      logger.With().Int("attempt", attempt).Logger(),
		}
		began := time.Now()
		out, err := te.invoke(ctx, prep.backend, call, limits, cpuUsed, sink)
		cpuUsed += time.Since(began)
		diags = append(diags, call.takeDiagnostics()...)
		if err != nil {
			call.Logger.Debug().Err(err).Str("kind", string(KindOf(err))).Msg("Tool attempt failed")
		}
		return out, err
	})
	if err == nil {
		if limitErr := usage.CheckOutput(out.Size()); limitErr != nil {
			out, err = nil, limitErr
		}
	}

	return te.complete(ctx, rec, req, prep, outcome{
		runCtx:   runCtx,
		execCtx:  execCtx,
		timeout:  timeout,
		out:      out,
		err:      err,
		attempts: attempts,
		usage:    usage,
		diags:    diags,
		cpuUsed:  cpuUsed,
	})
}

// invoke performs one backend call inside the circuit breaker, bounded by
// the remaining CPU-time budget.
func (te *ToolExecutor) invoke(ctx context.Context, backend Backend, call *Call, limits ResourceLimits, cpuUsed time.Duration, sink *chunkSink) (*ExecutionOutput, error) {
	callCtx := ctx
	if limits.CPUTimeMS > 0 {
		budget := time.Duration(limits.CPUTimeMS)*time.Millisecond - cpuUsed
		limitErr := &ExecutorError{
			Kind:     KindResourceLimitExceeded,
			Message:  fmt.Sprintf("%s budget of %dms exhausted", ResourceCPUTime, limits.CPUTimeMS),
			Resource: ResourceCPUTime,
			Details:  map[string]interface{}{"limit": limits.CPUTimeMS},
		}
		if budget <= 0 {
			return nil, limitErr
		}
		var stop context.CancelFunc
		callCtx, stop = context.WithTimeoutCause(ctx, budget, limitErr)
		defer stop()
	}

	out, err := te.admission.guard(call.Tool.BackendName(), func() (*ExecutionOutput, error) {
		if sink != nil {
			if sb, ok := backend.(StreamingBackend); ok {
				return sb.ExecuteStream(callCtx, call, sink)
			}
		}
		return backend.Execute(callCtx, call)
	})
	if err != nil && callCtx.Err() != nil && ctx.Err() == nil {
		if cause := context.Cause(callCtx); KindOf(cause) == KindResourceLimitExceeded {
			return nil, cause
		}
	}
	return out, err
}

type outcome struct {
	runCtx   context.Context
	execCtx  context.Context
	timeout  time.Duration
	out      *ExecutionOutput
	err      error
	attempts int
	usage    *UsageTracker
	diags    []Diagnostic
	cpuUsed  time.Duration
}

// classify maps an outcome to its terminal status and boundary error.
func (o outcome) classify() (ExecutionStatus, *ExecutorError) {
	switch {
	case o.err == nil && o.out != nil && o.out.Partial:
		return StatusPartialSuccess, nil
	case o.err == nil:
		return StatusSuccess, nil
	case o.runCtx.Err() != nil:
		if errors.Is(context.Cause(o.runCtx), context.DeadlineExceeded) {
			return StatusTimeout, WrapError(KindTimeout, o.err, "caller deadline exceeded")
		}
		return StatusCancelled, nil
	case o.execCtx.Err() != nil && errors.Is(context.Cause(o.execCtx), errExecutionDeadline):
		return StatusTimeout, WrapError(KindTimeout, o.err, "execution exceeded %s", o.timeout)
	default:
		return StatusFailed, AsExecutorError(o.err)
	}
}

func (te *ToolExecutor) complete(ctx context.Context, rec *executionRecord, req *ExecutionRequest, prep *prepared, o outcome) (*ToolResult, error) {
	status, execErr := o.classify()
	now := time.Now()

	result := &ToolResult{
		ExecutionID: req.ExecutionID,
		ToolID:      req.ToolID,
		Status:      status,
		Output:      o.out,
		Metrics:     ExecutionMetrics{DurationMS: now.Sub(rec.startedAt).Milliseconds()},
		Diagnostics: append(append([]Diagnostic(nil), prep.diagnostics...), o.diags...),
		StartedAt:   rec.startedAt,
		CompletedAt: &now,
	}
	if o.attempts > 1 {
		result.Metrics.RetryCount = o.attempts - 1
	}
	o.usage.applyTo(&result.Metrics)
	if prep.tool.Execution.Limits.Merge(req.Options.Limits).CPUTimeMS > 0 {
		cpu := o.cpuUsed.Milliseconds()
		result.Metrics.CPUTimeMS = &cpu
	}

	switch {
	case execErr != nil:
		result.Output = execErr.Output()
		result.Diagnostics = append(result.Diagnostics, errorDiagnostic(execErr, now))
	case status == StatusCancelled:
		result.Output = &ExecutionOutput{Kind: OutputNone}
		result.Diagnostics = append(result.Diagnostics, Diagnostic{
			Level: LevelInfo, Code: "cancelled", Message: "execution cancelled", Timestamp: now,
		})
	case result.Output == nil:
		result.Output = &ExecutionOutput{Kind: OutputNone}
	}

	final, won := rec.finish(result)
	if !won {
		return final, nil
	}
	te.afterTerminal(ctx, req, final, execErr)
	if execErr != nil {
		return final, execErr
	}
	return final, nil
}

// finishEarly terminalizes an execution that failed before dispatch.
func (te *ToolExecutor) finishEarly(ctx context.Context, rec *executionRecord, req *ExecutionRequest, prep *prepared, cause error) (*ToolResult, error) {
	execErr := AsExecutorError(cause)
	now := time.Now()

	var diags []Diagnostic
	if prep != nil {
		diags = append(diags, prep.diagnostics...)
	}
	result := &ToolResult{
		ExecutionID: req.ExecutionID,
		ToolID:      req.ToolID,
		Status:      StatusFailed,
		Output:      execErr.Output(),
		Metrics:     ExecutionMetrics{DurationMS: now.Sub(rec.startedAt).Milliseconds()},
		Diagnostics: append(diags, errorDiagnostic(execErr, now)),
		StartedAt:   rec.startedAt,
		CompletedAt: &now,
	}

	final, won := rec.finish(result)
	if !won {
		return final, nil
	}
	te.afterTerminal(ctx, req, final, execErr)
	return final, execErr
}

// afterTerminal runs once per execution: metrics, usage stats, audit,
// logging and the request callback.
func (te *ToolExecutor) afterTerminal(ctx context.Context, req *ExecutionRequest, result *ToolResult, execErr *ExecutorError) {
	observability.SetActiveExecutions(int(te.active.Add(-1)))

	duration := time.Duration(result.Metrics.DurationMS) * time.Millisecond
	kind := ""
	if execErr != nil {
		kind = string(execErr.Kind)
	}
	observability.RecordToolExecution(req.ToolID, string(result.Status), kind, duration, result.Metrics.RetryCount)

	if kind != string(KindToolNotFound) {
		success := result.Status == StatusSuccess || result.Status == StatusPartialSuccess
		if err := te.catalog.RecordUsage(tracing.Detach(ctx), req.ToolID, duration, success); err != nil {
			te.logger.Debug().Err(err).Str("tool", req.ToolID).Msg("Failed to record tool usage")
		}
	}

	observability.RecordToolAudit(ctx, req.ToolID, req.Context.AgentID, string(result.Status), map[string]interface{}{
		"execution_id": req.ExecutionID,
		"duration_ms":  result.Metrics.DurationMS,
		"retry_count":  result.Metrics.RetryCount,
	})

	logger := tracing.LoggerFromContext(ctx, te.logger)
	if execErr != nil {
		logger.Error().
			Str("tool", req.ToolID).
			Str("status", string(result.Status)).
			Str("kind", kind).
			Dur("duration", duration).
			Err(execErr).
			Msg("Tool execution failed")
	} else {
		logger.Info().
			Str("tool", req.ToolID).
			Str("status", string(result.Status)).
			Dur("duration", duration).
			Int("retries", result.Metrics.RetryCount).
			Msg("Tool execution completed")
	}

	if req.Callback != nil {
		req.Callback(result)
	}
}

func errorDiagnostic(err *ExecutorError, at time.Time) Diagnostic {
	return Diagnostic{
		Level:     LevelError,
		Code:      string(err.Kind),
		Message:   err.Error(),
		Source:    "executor",
		Timestamp: at,
	}
}

func (te *ToolExecutor) timeoutFor(tool *Tool, opts ExecutionOptions) time.Duration {
	if opts.TimeoutMS > 0 {
		return time.Duration(opts.TimeoutMS) * time.Millisecond
	}
	if tool.Execution.TimeoutMS > 0 {
		return time.Duration(tool.Execution.TimeoutMS) * time.Millisecond
	}
	return te.defaultTimeout
}

// retryPolicy resolves request override, tool config, backend default and
// engine default, in that order.
func (te *ToolExecutor) retryPolicy(tool *Tool, backend Backend, opts ExecutionOptions) *RetryConfig {
	if opts.Retry != nil {
		return opts.Retry
	}
	if tool.Execution.Retry != nil {
		return tool.Execution.Retry
	}
	if provider, ok := backend.(RetryPolicyProvider); ok {
		if policy := provider.DefaultRetryPolicy(tool); policy != nil {
			return policy
		}
	}
	return te.defaultRetry
}

// ValidateParameters checks params against the tool schema and its
// backend's rules without executing anything.
func (te *ToolExecutor) ValidateParameters(ctx context.Context, toolID string, params map[string]interface{}) (*ValidationResult, error) {
	tool, err := te.catalog.GetTool(ctx, toolID)
	if err != nil {
		return nil, AsExecutorError(err)
	}

	backend, err := te.resolveBackend(tool)
	if err != nil {
		vr := te.validate(tool, nil, params)
		vr.Warnings = append(vr.Warnings, ValidationIssue{
			Code:    "backend_unavailable",
			Message: err.Error(),
		})
		return vr, nil
	}
	return te.validate(tool, backend, params), nil
}

// CanExecute reports whether the caller may run the tool at all. Operation
// specific permissions are checked at execution time.
func (te *ToolExecutor) CanExecute(ctx context.Context, toolID string, execCtx *ExecutionContext) (bool, error) {
	tool, err := te.catalog.GetTool(ctx, toolID)
	if err != nil {
		return false, AsExecutorError(err)
	}
	return te.canExecuteTool(tool, execCtx)
}

func (te *ToolExecutor) canExecuteTool(tool *Tool, execCtx *ExecutionContext) (bool, error) {
	if tool.Status == ToolDisabled {
		return false, nil
	}
	backend, err := te.resolveBackend(tool)
	if err != nil {
		return false, err
	}
	return EvaluateAccess(tool, execCtx, RequiredPermissions(tool, backend.Permissions())).Allowed, nil
}

// ListAvailableTools returns the tools the caller may execute.
func (te *ToolExecutor) ListAvailableTools(ctx context.Context, execCtx *ExecutionContext) ([]*Tool, error) {
	tools, err := te.catalog.ListTools(ctx)
	if err != nil {
		return nil, err
	}

	available := make([]*Tool, 0, len(tools))
	for _, tool := range tools {
		ok, err := te.canExecuteTool(tool, execCtx)
		if err != nil {
			te.logger.Debug().Err(err).Str("tool", tool.ID).Msg("Skipping tool without backend")
			continue
		}
		if ok {
			available = append(available, tool)
		}
	}
	return available, nil
}

// GetExecutionStatus returns the current status of an execution.
func (te *ToolExecutor) GetExecutionStatus(executionID string) (ExecutionStatus, error) {
	rec, ok := te.tracker.get(executionID)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrExecutionNotFound, executionID)
	}
	return rec.Status(), nil
}

// GetExecutionResult returns the terminal result, or an in-flight view.
func (te *ToolExecutor) GetExecutionResult(executionID string) (*ToolResult, error) {
	rec, ok := te.tracker.get(executionID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrExecutionNotFound, executionID)
	}
	return rec.snapshot(), nil
}

// Wait blocks until the execution is terminal or ctx is done.
func (te *ToolExecutor) Wait(ctx context.Context, executionID string) (*ToolResult, error) {
	rec, ok := te.tracker.get(executionID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrExecutionNotFound, executionID)
	}
	select {
	case <-rec.done:
		return rec.snapshot(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// CancelExecution requests cancellation. A pending execution becomes
// Cancelled at once; a running one is signalled and resolves to Cancelled
// at its next checkpoint. Cancelling a terminal execution is a no-op.
func (te *ToolExecutor) CancelExecution(executionID string) error {
	rec, ok := te.tracker.get(executionID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrExecutionNotFound, executionID)
	}

	status := rec.Status()
	if rec.requestCancel() {
		te.afterTerminal(context.Background(), rec.request, rec.snapshot(), nil)
	}
	te.logger.Info().Str("execution_id", executionID).Str("status", string(status)).Msg("Execution cancellation requested")
	return nil
}

// Close stops the janitor and closes every registered backend.
func (te *ToolExecutor) Close() error {
	te.StopJanitor()
	return te.registry.Close()
}
