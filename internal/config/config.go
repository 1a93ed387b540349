package config

import (
	"encoding/json"
	"time"

	"github.com/harun/toolengine/pkg/toolexecutor"
)

// Config represents the main toolengine configuration
type Config struct {
	// Logging
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`

	// Gateway configuration
	Gateway GatewayConfig `json:"gateway" mapstructure:"gateway"`

	// Executor tuning
	Executor ExecutorConfig `json:"executor" mapstructure:"executor"`

	// Tool catalog source
	Catalog CatalogConfig `json:"catalog" mapstructure:"catalog"`

	// Backend resources shared by all tools
	Backends BackendsConfig `json:"backends" mapstructure:"backends"`

	// Tracing
	Tracing TracingConfig `json:"tracing" mapstructure:"tracing"`

	// Data directory
	DataDir string `json:"data_dir" mapstructure:"data_dir"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level      string   `json:"level" mapstructure:"level" validate:"omitempty,oneof=trace debug info warn error"`
	File       string   `json:"file" mapstructure:"file"`
	MaxSize    int      `json:"max_size" mapstructure:"max_size" validate:"gte=0"` // MB
	MaxAge     int      `json:"max_age" mapstructure:"max_age" validate:"gte=0"`   // days
	MaxBackups int      `json:"max_backups" mapstructure:"max_backups" validate:"gte=0"`
	Compress   bool     `json:"compress" mapstructure:"compress"`
	Redaction  bool     `json:"redaction" mapstructure:"redaction"`
	RedactKeys []string `json:"redact_keys" mapstructure:"redact_keys"` // extra sensitive JSON keys
	Pretty     bool     `json:"pretty" mapstructure:"pretty"`
	AuditFile  string   `json:"audit_file" mapstructure:"audit_file"`
}

// GatewayConfig holds JSON-RPC gateway configuration
type GatewayConfig struct {
	Enabled           bool   `json:"enabled" mapstructure:"enabled"`
	Host              string `json:"host" mapstructure:"host"`
	Port              int    `json:"port" mapstructure:"port" validate:"gte=0,lte=65535"`
	SharedSecret      string `json:"shared_secret" mapstructure:"shared_secret" validate:"required_if=Enabled true"`
	RequestsPerMinute int    `json:"requests_per_minute" mapstructure:"requests_per_minute" validate:"gte=0"`
	MaxConcurrent     int    `json:"max_concurrent" mapstructure:"max_concurrent" validate:"gte=0"`
	TickInterval      int    `json:"tick_interval" mapstructure:"tick_interval" validate:"gte=0"` // ms
}

// ExecutorConfig tunes the execution lifecycle manager
type ExecutorConfig struct {
	DefaultTimeoutMS int                       `json:"default_timeout_ms" mapstructure:"default_timeout_ms" validate:"gte=0"`
	StreamBuffer     int                       `json:"stream_buffer" mapstructure:"stream_buffer" validate:"gte=0"`
	RetentionMinutes int                       `json:"retention_minutes" mapstructure:"retention_minutes" validate:"gte=0"`
	JanitorSchedule  string                    `json:"janitor_schedule" mapstructure:"janitor_schedule"`
	Retry            *toolexecutor.RetryConfig `json:"retry,omitempty" mapstructure:"retry"`
	Breaker          BreakerConfig             `json:"breaker" mapstructure:"breaker"`
}

// BreakerConfig holds per-backend circuit breaker settings
type BreakerConfig struct {
	FailureThreshold uint32 `json:"failure_threshold" mapstructure:"failure_threshold"`
	OpenTimeoutMS    int    `json:"open_timeout_ms" mapstructure:"open_timeout_ms" validate:"gte=0"`
}

// CatalogConfig points at the JSON tool catalog
type CatalogConfig struct {
	Path  string `json:"path" mapstructure:"path"`
	Watch bool   `json:"watch" mapstructure:"watch"`
}

// BackendsConfig holds resources handed to the backend factory
type BackendsConfig struct {
	// FileRoot confines file tools to a directory tree. Empty means the
	// whole filesystem, still bounded by each tool's base_dir.
	FileRoot string `json:"file_root" mapstructure:"file_root"`
	// TwinDatabase is the SQLite database behind twin_query tools. Empty
	// selects an in-memory store.
	TwinDatabase string `json:"twin_database" mapstructure:"twin_database"`
}

// TracingConfig holds OpenTelemetry settings
type TracingConfig struct {
	Enabled     bool    `json:"enabled" mapstructure:"enabled"`
	ServiceName string  `json:"service_name" mapstructure:"service_name"`
	SampleRatio float64 `json:"sample_ratio" mapstructure:"sample_ratio" validate:"gte=0,lte=1"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:     "info",
			MaxSize:   100,
			MaxAge:    7,
			Compress:  true,
			Redaction: true,
			Pretty:    true,
		},
		Gateway: GatewayConfig{
			Enabled:           true,
			Host:              "127.0.0.1",
			Port:              18790,
			RequestsPerMinute: 120,
			MaxConcurrent:     10,
			TickInterval:      30000,
		},
		Executor: ExecutorConfig{
			DefaultTimeoutMS: 30000,
			StreamBuffer:     64,
			RetentionMinutes: 60,
			JanitorSchedule:  toolexecutor.DefaultJanitorSchedule,
			Breaker: BreakerConfig{
				FailureThreshold: 5,
				OpenTimeoutMS:    30000,
			},
		},
		Catalog: CatalogConfig{
			Watch: true,
		},
		Tracing: TracingConfig{
			ServiceName: "toolengine",
			SampleRatio: 1.0,
		},
	}
}

// String returns a JSON representation of the config
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	errs := NewValidator().ValidateConfig(c)
	if len(errs) == 0 {
		return nil
	}
	return errs[0]
}

// ExecutorSettings converts the executor section into engine settings.
func (c *Config) ExecutorSettings() (timeout, retention time.Duration, breaker toolexecutor.BreakerSettings) {
	timeout = time.Duration(c.Executor.DefaultTimeoutMS) * time.Millisecond
	retention = time.Duration(c.Executor.RetentionMinutes) * time.Minute
	breaker = toolexecutor.BreakerSettings{
		FailureThreshold: c.Executor.Breaker.FailureThreshold,
		OpenTimeout:      time.Duration(c.Executor.Breaker.OpenTimeoutMS) * time.Millisecond,
	}
	return timeout, retention, breaker
}
