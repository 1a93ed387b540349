package toolexecutor

import (
	"encoding/json"
	"time"
)

// ExecutionStatus is the lifecycle state of one execution.
type ExecutionStatus string

const (
	StatusPending        ExecutionStatus = "pending"
	StatusRunning        ExecutionStatus = "running"
	StatusSuccess        ExecutionStatus = "success"
	StatusFailed         ExecutionStatus = "failed"
	StatusCancelled      ExecutionStatus = "cancelled"
	StatusTimeout        ExecutionStatus = "timeout"
	StatusPartialSuccess ExecutionStatus = "partial_success"
)

// IsTerminal reports whether no further transition is possible.
func (s ExecutionStatus) IsTerminal() bool {
	return s != StatusPending && s != StatusRunning
}

// CanTransition reports whether s -> next is a legal move. Transitions are
// monotonic: nothing re-enters Pending and terminal states are final.
func (s ExecutionStatus) CanTransition(next ExecutionStatus) bool {
	switch s {
	case StatusPending:
		return next != StatusPending
	case StatusRunning:
		return next.IsTerminal()
	default:
		return false
	}
}

// OutputKind tags the variant held by ExecutionOutput.
type OutputKind string

const (
	OutputText   OutputKind = "text"
	OutputJSON   OutputKind = "json"
	OutputBinary OutputKind = "binary"
	OutputError  OutputKind = "error"
	OutputNone   OutputKind = "none"
)

// ErrorOutput is the structured error payload of a failed execution.
type ErrorOutput struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// ExecutionOutput holds exactly one of Text, JSON, Binary or Error according to Kind.
type ExecutionOutput struct {
	Kind     OutputKind   `json:"kind"`
	Text     string       `json:"text,omitempty"`
	JSON     interface{}  `json:"json,omitempty"`
	Binary   []byte       `json:"binary,omitempty"`
	MimeType string       `json:"mime_type,omitempty"`
	Error    *ErrorOutput `json:"error,omitempty"`

	// Partial marks output produced by a call that completed with a
	// non-fatal problem; the execution ends as PartialSuccess.
	Partial bool `json:"partial,omitempty"`
}

func TextOutput(text string) *ExecutionOutput {
	return &ExecutionOutput{Kind: OutputText, Text: text}
}

func JSONOutput(v interface{}) *ExecutionOutput {
	return &ExecutionOutput{Kind: OutputJSON, JSON: v}
}

func BinaryOutput(data []byte, mimeType string) *ExecutionOutput {
	return &ExecutionOutput{Kind: OutputBinary, Binary: data, MimeType: mimeType}
}

// Size is the number of bytes the output occupies when delivered.
func (o *ExecutionOutput) Size() int64 {
	if o == nil {
		return 0
	}
	switch o.Kind {
	case OutputText:
		return int64(len(o.Text))
	case OutputBinary:
		return int64(len(o.Binary))
	case OutputJSON:
		data, err := json.Marshal(o.JSON)
		if err != nil {
			return 0
		}
		return int64(len(data))
	default:
		return 0
	}
}

// ExecutionMetrics are recorded for every terminal execution. Byte and
// resource figures are nil when the backend did not report them.
type ExecutionMetrics struct {
	DurationMS   int64  `json:"duration_ms"`
	MemoryBytes  *int64 `json:"memory_bytes,omitempty"`
	CPUTimeMS    *int64 `json:"cpu_time_ms,omitempty"`
	NetworkBytes *int64 `json:"network_bytes,omitempty"`
	BytesRead    *int64 `json:"bytes_read,omitempty"`
	BytesWritten *int64 `json:"bytes_written,omitempty"`
	FileCount    *int64 `json:"file_count,omitempty"`
	RetryCount   int    `json:"retry_count"`
}

// DiagnosticLevel is the severity of a diagnostic.
type DiagnosticLevel string

const (
	LevelDebug   DiagnosticLevel = "debug"
	LevelInfo    DiagnosticLevel = "info"
	LevelWarning DiagnosticLevel = "warning"
	LevelError   DiagnosticLevel = "error"
)

// Diagnostic is a leveled note attached to a result.
type Diagnostic struct {
	Level     DiagnosticLevel `json:"level"`
	Code      string          `json:"code,omitempty"`
	Message   string          `json:"message"`
	Source    string          `json:"source,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// ToolResult represents the result of a tool execution
type ToolResult struct {
	ExecutionID string           `json:"execution_id"`
	ToolID      string           `json:"tool_id"`
	Status      ExecutionStatus  `json:"status"`
	Output      *ExecutionOutput `json:"output,omitempty"`
	Metrics     ExecutionMetrics `json:"metrics"`
	Diagnostics []Diagnostic     `json:"diagnostics,omitempty"`
	StartedAt   time.Time        `json:"started_at"`
	CompletedAt *time.Time       `json:"completed_at,omitempty"`
}

// HasErrors reports whether any error-level diagnostic was recorded.
func (r *ToolResult) HasErrors() bool {
	for _, d := range r.Diagnostics {
		if d.Level == LevelError {
			return true
		}
	}
	return false
}

// ValidationIssue describes one problem with one parameter.
type ValidationIssue struct {
	Parameter string `json:"parameter"`
	Code      string `json:"code"`
	Message   string `json:"message"`
	Expected  string `json:"expected,omitempty"`
	Actual    string `json:"actual,omitempty"`
}

// ValidationResult is the outcome of checking parameters against a tool schema.
type ValidationResult struct {
	Valid                bool                   `json:"valid"`
	Errors               []ValidationIssue      `json:"errors,omitempty"`
	Warnings             []ValidationIssue      `json:"warnings,omitempty"`
	NormalizedParameters map[string]interface{} `json:"normalized_parameters"`
}

// HasError reports whether an error was recorded for the named parameter.
func (v *ValidationResult) HasError(parameter string) bool {
	for _, issue := range v.Errors {
		if issue.Parameter == parameter {
			return true
		}
	}
	return false
}
