package toolexecutor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/rs/zerolog"
)

// Executor is the contract exposed to orchestration.
type Executor interface {
	Execute(ctx context.Context, req *ExecutionRequest) (*ToolResult, error)
	ExecuteStreaming(ctx context.Context, req *ExecutionRequest) (<-chan ExecutionChunk, error)
	ValidateParameters(ctx context.Context, toolID string, params map[string]interface{}) (*ValidationResult, error)
	CanExecute(ctx context.Context, toolID string, execCtx *ExecutionContext) (bool, error)
	GetExecutionStatus(executionID string) (ExecutionStatus, error)
	CancelExecution(executionID string) error
	ListAvailableTools(ctx context.Context, execCtx *ExecutionContext) ([]*Tool, error)
}

// Backend executes calls for one protocol family. Implementations must
// observe ctx at every blocking point.
type Backend interface {
	Name() string
	Kind() ToolKind
	// Permissions lists the permissions every call to this backend requires.
	Permissions() []string
	// Validate performs backend-specific parameter checks on normalized
	// parameters. It must not perform I/O.
	Validate(tool *Tool, params map[string]interface{}) []ValidationIssue
	Execute(ctx context.Context, call *Call) (*ExecutionOutput, error)
}

// StreamingBackend emits partial output while executing.
type StreamingBackend interface {
	Backend
	ExecuteStream(ctx context.Context, call *Call, w ChunkWriter) (*ExecutionOutput, error)
}

// OperationAuthorizer is implemented by backends whose operations need
// permissions beyond Permissions(), e.g. write versus read.
type OperationAuthorizer interface {
	OperationPermissions(params map[string]interface{}) []string
}

// RetryPolicyProvider supplies a backend default retry policy used when
// neither the request nor the tool configures one.
type RetryPolicyProvider interface {
	DefaultRetryPolicy(tool *Tool) *RetryConfig
}

// BackendFactory builds the backend serving a tool. Construction must not
// perform I/O; connections are established on first use.
type BackendFactory interface {
	Create(tool *Tool) (Backend, error)
}

// BackendFactoryFunc adapts a function to BackendFactory.
type BackendFactoryFunc func(tool *Tool) (Backend, error)

func (f BackendFactoryFunc) Create(tool *Tool) (Backend, error) {
	return f(tool)
}

// Call is one backend invocation attempt.
type Call struct {
	ExecutionID string
	Tool        *Tool
	Parameters  map[string]interface{}
	Context     *ExecutionContext
	Options     ExecutionOptions
	Limits      ResourceLimits
	Usage       *UsageTracker
	Attempt     int
	Logger      zerolog.Logger

	diagMu      sync.Mutex
	diagnostics []Diagnostic
}

// Decode copies the normalized parameters into a struct using mapstructure tags.
func (c *Call) Decode(out interface{}) error {
	return DecodeParams(c.Parameters, out)
}

// Diagnose attaches a diagnostic to the execution result.
func (c *Call) Diagnose(level DiagnosticLevel, code, format string, args ...interface{}) {
	c.diagMu.Lock()
	defer c.diagMu.Unlock()
	c.diagnostics = append(c.diagnostics, Diagnostic{
		Level:     level,
		Code:      code,
		Message:   fmt.Sprintf(format, args...),
		Source:    string(c.Tool.Type.Kind),
		Timestamp: time.Now(),
	})
}

func (c *Call) takeDiagnostics() []Diagnostic {
	c.diagMu.Lock()
	defer c.diagMu.Unlock()
	out := c.diagnostics
	c.diagnostics = nil
	return out
}

// DecodeParams decodes a parameter map into a struct. Weak typing lets
// integral JSON numbers land in integer fields.
func DecodeParams(params map[string]interface{}, out interface{}) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		TagName:          "mapstructure",
		WeaklyTypedInput: true,
	})
	if err != nil {
		return err
	}
	if err := decoder.Decode(params); err != nil {
		return WrapError(KindInvalidParameters, err, "decode parameters")
	}
	return nil
}
