package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

const (
	envPrefix      = "TOOLENGINE"
	configDirName  = ".toolengine"
	configFileName = "toolengine.json"
)

var envKeyReplacer = strings.NewReplacer(".", "_")

// envKeys are the settings that may be overridden from the environment.
var envKeys = []string{
	"logging.level",
	"logging.file",
	"logging.pretty",
	"logging.audit_file",
	"gateway.enabled",
	"gateway.host",
	"gateway.port",
	"gateway.shared_secret",
	"executor.default_timeout_ms",
	"executor.retention_minutes",
	"catalog.path",
	"catalog.watch",
	"backends.file_root",
	"backends.twin_database",
	"tracing.enabled",
	"tracing.sample_ratio",
	"data_dir",
}

func bindEnv(v *viper.Viper) {
	for _, key := range envKeys {
		_ = v.BindEnv(key)
	}
}

// useJSONTags decodes through json tags so nested engine types such as
// RetryConfig share the catalog's field names.
func useJSONTags(dc *mapstructure.DecoderConfig) {
	dc.TagName = "json"
}

// Loader handles configuration loading
type Loader struct {
	configPath string
}

// NewLoader creates a new config loader
func NewLoader(configPath string) *Loader {
	return &Loader{
		configPath: configPath,
	}
}

// Load loads the configuration from file. A missing file yields the
// defaults; environment variables such as TOOLENGINE_GATEWAY_PORT
// override file values either way.
func (l *Loader) Load() (*Config, error) {
	configPath := l.GetConfigPath()
	if configPath == "" {
		return nil, fmt.Errorf("failed to resolve config path")
	}

	v := viper.New()
	v.SetConfigType("json")
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(envKeyReplacer)
	v.AutomaticEnv()
	bindEnv(v)

	if _, err := os.Stat(configPath); err == nil {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg, useJSONTags); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if cfg.DataDir == "" {
		cfg.DataDir = filepath.Dir(configPath)
	}
	if cfg.Catalog.Path == "" {
		cfg.Catalog.Path = filepath.Join(cfg.DataDir, "tools.json")
	}

	return cfg, nil
}

// Save saves the configuration to file
func (l *Loader) Save(cfg *Config) error {
	configPath := l.GetConfigPath()
	if configPath == "" {
		return fmt.Errorf("failed to resolve config path")
	}

	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("json")

	v.Set("logging", cfg.Logging)
	v.Set("gateway", cfg.Gateway)
	v.Set("executor", cfg.Executor)
	v.Set("catalog", cfg.Catalog)
	v.Set("backends", cfg.Backends)
	v.Set("tracing", cfg.Tracing)
	v.Set("data_dir", cfg.DataDir)

	if err := v.WriteConfig(); err != nil {
		if os.IsNotExist(err) {
			if err := v.SafeWriteConfig(); err != nil {
				return fmt.Errorf("failed to write config file: %w", err)
			}
		} else {
			return fmt.Errorf("failed to write config file: %w", err)
		}
	}

	return nil
}

// GetConfigPath returns the config file path
func (l *Loader) GetConfigPath() string {
	if l.configPath != "" {
		return l.configPath
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, configDirName, configFileName)
}

// Load is a convenience function that creates a loader and loads the config
func Load(configPath string) (*Config, error) {
	loader := NewLoader(configPath)
	return loader.Load()
}
