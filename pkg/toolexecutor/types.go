package toolexecutor

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ParameterKind is the declared runtime type of a tool parameter.
type ParameterKind string

const (
	ParamString   ParameterKind = "string"
	ParamInteger  ParameterKind = "integer"
	ParamFloat    ParameterKind = "float"
	ParamBoolean  ParameterKind = "boolean"
	ParamArray    ParameterKind = "array"
	ParamObject   ParameterKind = "object"
	ParamFilePath ParameterKind = "file_path"
	ParamURL      ParameterKind = "url"
	ParamJSON     ParameterKind = "json"
	ParamEnum     ParameterKind = "enum"
)

// ParameterType describes a parameter type. Items is set for arrays, Schema
// for objects and json values, Values for enums.
type ParameterType struct {
	Kind   ParameterKind          `json:"kind" mapstructure:"kind"`
	Items  *ParameterType         `json:"items,omitempty" mapstructure:"items"`
	Schema map[string]interface{} `json:"schema,omitempty" mapstructure:"schema"`
	Values []string               `json:"values,omitempty" mapstructure:"values"`
}

// UnmarshalJSON accepts either the full object form or a bare kind string
// such as "integer".
func (p *ParameterType) UnmarshalJSON(data []byte) error {
	var kind string
	if err := json.Unmarshal(data, &kind); err == nil {
		*p = ParameterType{Kind: ParameterKind(strings.ToLower(kind))}
		return nil
	}

	type plain ParameterType
	var decoded plain
	if err := json.Unmarshal(data, &decoded); err != nil {
		return fmt.Errorf("invalid parameter type: %w", err)
	}
	*p = ParameterType(decoded)
	return nil
}

func (p ParameterType) String() string {
	switch p.Kind {
	case ParamArray:
		if p.Items != nil {
			return "array<" + p.Items.String() + ">"
		}
		return "array"
	case ParamEnum:
		return "enum(" + strings.Join(p.Values, "|") + ")"
	default:
		return string(p.Kind)
	}
}

// ValidationRules are optional constraints applied after the type check.
type ValidationRules struct {
	Min       *float64 `json:"min,omitempty" mapstructure:"min"`
	Max       *float64 `json:"max,omitempty" mapstructure:"max"`
	MinLength *int     `json:"min_length,omitempty" mapstructure:"min_length"`
	MaxLength *int     `json:"max_length,omitempty" mapstructure:"max_length"`
	Pattern   string   `json:"pattern,omitempty" mapstructure:"pattern"`
}

// ToolParameter defines a parameter for a tool
type ToolParameter struct {
	Name        string           `json:"name"`
	Description string           `json:"description,omitempty"`
	Type        ParameterType    `json:"type"`
	Required    bool             `json:"required"`
	Default     interface{}      `json:"default,omitempty"`
	Rules       *ValidationRules `json:"validation,omitempty"`
}

// ToolKind selects the backend family that executes a tool.
type ToolKind string

const (
	KindFile      ToolKind = "file"
	KindHTTP      ToolKind = "http"
	KindModbus    ToolKind = "modbus"
	KindMQTT      ToolKind = "mqtt"
	KindTwinQuery ToolKind = "twin_query"
)

// AllToolKinds returns every backend family the engine can dispatch to.
func AllToolKinds() []ToolKind {
	return []ToolKind{KindFile, KindHTTP, KindModbus, KindMQTT, KindTwinQuery}
}

// FileConfig configures a file tool.
type FileConfig struct {
	BaseDir           string   `json:"base_dir" validate:"required"`
	AllowedExtensions []string `json:"allowed_extensions,omitempty"`
	DeniedPatterns    []string `json:"denied_patterns,omitempty"`
	MaxFileSize       int64    `json:"max_file_size,omitempty" validate:"gte=0"`
}

// HTTPConfig configures an HTTP tool.
type HTTPConfig struct {
	BaseURL         string            `json:"base_url,omitempty" validate:"omitempty,url"`
	AllowedDomains  []string          `json:"allowed_domains,omitempty"`
	MaxResponseSize int64             `json:"max_response_size,omitempty" validate:"gte=0"`
	DefaultHeaders  map[string]string `json:"default_headers,omitempty"`
	UserAgent       string            `json:"user_agent,omitempty"`
}

// ModbusConfig configures a Modbus tool. Address is host:port for tcp and a
// serial device for rtu.
type ModbusConfig struct {
	Transport    string `json:"transport" validate:"oneof=tcp rtu"`
	Address      string `json:"address" validate:"required"`
	SlaveID      uint8  `json:"slave_id"`
	BaudRate     int    `json:"baud_rate,omitempty" validate:"gte=0"`
	DataBits     int    `json:"data_bits,omitempty" validate:"omitempty,oneof=5 6 7 8"`
	Parity       string `json:"parity,omitempty" validate:"omitempty,oneof=N E O"`
	StopBits     int    `json:"stop_bits,omitempty" validate:"omitempty,oneof=1 2"`
	TimeoutMS    int    `json:"timeout_ms,omitempty" validate:"gte=0"`
	MaxRetries   int    `json:"max_retries" validate:"gte=0,lte=10"`
	RetryDelayMS int    `json:"retry_delay_ms" validate:"gte=0"`
}

// MQTTConfig configures an MQTT tool.
type MQTTConfig struct {
	BrokerURL        string `json:"broker_url" validate:"required"`
	ClientID         string `json:"client_id,omitempty"`
	Username         string `json:"username,omitempty"`
	Password         string `json:"password,omitempty"`
	KeepAliveSec     int    `json:"keep_alive_sec,omitempty" validate:"gte=0"`
	ConnectTimeoutMS int    `json:"connect_timeout_ms,omitempty" validate:"gte=0"`
	CleanSession     bool   `json:"clean_session"`
	BufferSize       int    `json:"buffer_size,omitempty" validate:"gte=0"`
}

// TwinQueryConfig configures a digital twin query tool.
type TwinQueryConfig struct {
	TwinID string `json:"twin_id" validate:"required"`
}

// ToolType is the tool kind together with the configuration of that kind.
// Exactly the config matching Kind is expected to be set.
type ToolType struct {
	Kind   ToolKind         `json:"kind"`
	File   *FileConfig      `json:"file,omitempty"`
	HTTP   *HTTPConfig      `json:"http,omitempty"`
	Modbus *ModbusConfig    `json:"modbus,omitempty"`
	MQTT   *MQTTConfig      `json:"mqtt,omitempty"`
	Twin   *TwinQueryConfig `json:"twin,omitempty"`
}

// Fingerprint identifies the backend configuration. Two tool types with
// equal fingerprints build equivalent backends.
func (t ToolType) Fingerprint() string {
	data, _ := json.Marshal(t)
	return string(data)
}

// SecurityConfig declares who may run a tool.
type SecurityConfig struct {
	RequiredPermissions []string `json:"required_permissions,omitempty"`
	AllowedAgents       []string `json:"allowed_agents,omitempty"` // empty allows every agent
	DeniedAgents        []string `json:"denied_agents,omitempty"`  // overrides allowed
	IsolationLevel      string   `json:"isolation_level,omitempty"`
}

// ExecutionConfig holds per-tool execution defaults.
type ExecutionConfig struct {
	TimeoutMS          int            `json:"timeout_ms,omitempty"`
	MaxConcurrent      int            `json:"max_concurrent,omitempty"`
	QueueSize          int            `json:"queue_size,omitempty"`
	RateLimitPerMinute int            `json:"rate_limit_per_minute,omitempty"`
	Retry              *RetryConfig   `json:"retry,omitempty"`
	Limits             ResourceLimits `json:"resource_limits,omitempty"`
	Backend            string         `json:"backend,omitempty"`
}

// ToolStatus is the lifecycle state of a tool definition.
type ToolStatus string

const (
	ToolActive     ToolStatus = "active"
	ToolDeprecated ToolStatus = "deprecated"
	ToolDisabled   ToolStatus = "disabled"
)

// UsageStats aggregates outcomes of terminal executions of a tool.
type UsageStats struct {
	TotalExecutions   int64      `json:"total_executions"`
	SuccessCount      int64      `json:"success_count"`
	FailureCount      int64      `json:"failure_count"`
	AverageDurationMS float64    `json:"average_duration_ms"`
	LastUsedAt        *time.Time `json:"last_used_at,omitempty"`
}

// Tool is a declared capability with a typed parameter schema.
type Tool struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Version     string          `json:"version,omitempty"`
	Parameters  []ToolParameter `json:"parameters"`
	Type        ToolType        `json:"tool_type"`
	Security    SecurityConfig  `json:"security,omitempty"`
	Execution   ExecutionConfig `json:"execution,omitempty"`
	Status      ToolStatus      `json:"status,omitempty"`
	Usage       UsageStats      `json:"usage_stats"`
}

// BackendName is the registry key of the backend serving this tool.
func (t *Tool) BackendName() string {
	if t.Execution.Backend != "" {
		return t.Execution.Backend
	}
	return t.ID
}

// Parameter returns the declared parameter with the given name.
func (t *Tool) Parameter(name string) (ToolParameter, bool) {
	for _, p := range t.Parameters {
		if p.Name == name {
			return p, true
		}
	}
	return ToolParameter{}, false
}

// Clone returns a copy that callers may read without holding catalog locks.
func (t *Tool) Clone() *Tool {
	if t == nil {
		return nil
	}
	c := *t
	c.Parameters = append([]ToolParameter(nil), t.Parameters...)
	c.Security.RequiredPermissions = append([]string(nil), t.Security.RequiredPermissions...)
	c.Security.AllowedAgents = append([]string(nil), t.Security.AllowedAgents...)
	c.Security.DeniedAgents = append([]string(nil), t.Security.DeniedAgents...)
	if t.Usage.LastUsedAt != nil {
		ts := *t.Usage.LastUsedAt
		c.Usage.LastUsedAt = &ts
	}
	return &c
}
