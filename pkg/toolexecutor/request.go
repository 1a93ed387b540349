package toolexecutor

// SecurityContext is the caller's identity and permission bundle.
type SecurityContext struct {
	AuthToken   string            `json:"auth_token,omitempty"`
	Permissions []string          `json:"permissions,omitempty"`
	IP          string            `json:"ip,omitempty"`
	Labels      map[string]string `json:"labels,omitempty"`
}

// HasPermission reports whether any granted permission satisfies required.
func (s SecurityContext) HasPermission(required string) bool {
	for _, granted := range s.Permissions {
		if MatchPermission(granted, required) {
			return true
		}
	}
	return false
}

// ExecutionContext describes who is calling and from where.
type ExecutionContext struct {
	AgentID        string                 `json:"agent_id,omitempty"`
	UserID         string                 `json:"user_id,omitempty"`
	ConversationID string                 `json:"conversation_id,omitempty"`
	SessionID      string                 `json:"session_id,omitempty"`
	Security       SecurityContext        `json:"security"`
	Environment    map[string]string      `json:"environment,omitempty"`
	WorkingDir     string                 `json:"working_dir,omitempty"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
}

// Priority orders requests waiting for a free execution slot.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

func (p Priority) rank() int {
	switch p {
	case PriorityLow:
		return 0
	case PriorityHigh:
		return 2
	case PriorityCritical:
		return 3
	default:
		return 1
	}
}

// OutputFormat is the caller's preferred rendering of backend output.
type OutputFormat string

const (
	FormatAuto OutputFormat = "auto"
	FormatText OutputFormat = "text"
	FormatJSON OutputFormat = "json"
)

// OutputPreferences tune how results and chunks are produced.
type OutputPreferences struct {
	Format    OutputFormat `json:"format,omitempty"`
	ChunkSize int          `json:"chunk_size,omitempty"`
}

// ExecutionOptions are per-request overrides of tool defaults.
type ExecutionOptions struct {
	TimeoutMS         int               `json:"timeout_ms,omitempty"`
	Priority          Priority          `json:"priority,omitempty"`
	WaitForCompletion *bool             `json:"wait_for_completion,omitempty"` // nil means true
	Limits            *ResourceLimits   `json:"resource_limits,omitempty"`
	Retry             *RetryConfig      `json:"retry,omitempty"`
	Output            OutputPreferences `json:"output,omitempty"`
}

func (o ExecutionOptions) waits() bool {
	return o.WaitForCompletion == nil || *o.WaitForCompletion
}

// ExecutionRequest is one invocation of a tool.
type ExecutionRequest struct {
	ExecutionID string                 `json:"execution_id,omitempty"`
	ToolID      string                 `json:"tool_id"`
	Parameters  map[string]interface{} `json:"parameters"`
	Context     ExecutionContext       `json:"context"`
	Options     ExecutionOptions       `json:"options,omitempty"`

	// Callback receives the terminal result. It runs on the executing goroutine.
	Callback func(*ToolResult) `json:"-"`
}
