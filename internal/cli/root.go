package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/harun/toolengine/internal/config"
	"github.com/harun/toolengine/internal/logger"
)

const version = "0.1.0"

var (
	cfgFile  string
	logLevel string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "toolengine",
	Short: "toolengine - tool execution engine",
	Long: `toolengine validates, authorizes and executes declared tools over file,
HTTP, Modbus, MQTT and digital twin backends. It runs as a daemon behind a
JSON-RPC gateway or executes tools directly from the command line.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.toolengine/toolengine.json)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")

	// Version template
	rootCmd.SetVersionTemplate(`{{with .Name}}{{printf "%s " .}}{{end}}{{printf "version %s" .Version}}
`)
}

// loadConfig loads the config file; an explicit --log-level wins over it.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if f := cmd.Flags().Lookup("log-level"); f != nil && f.Changed {
		cfg.Logging.Level = logLevel
	}
	return cfg, nil
}

// newLogger builds the process logger. Console output goes to stderr so
// command results on stdout stay machine readable.
func newLogger(cmd *cobra.Command, cfg *config.Config, withFile bool) (*logger.Logger, error) {
	logCfg := logger.Config{
		Level:      cfg.Logging.Level,
		Console:    true,
		Pretty:     cfg.Logging.Pretty,
		Redaction:  cfg.Logging.Redaction,
		RedactKeys: cfg.Logging.RedactKeys,
		MaxSize:    cfg.Logging.MaxSize,
		MaxAge:     cfg.Logging.MaxAge,
		MaxBackups: cfg.Logging.MaxBackups,
		Compress:   cfg.Logging.Compress,
		Output:     cmd.ErrOrStderr(),
	}
	if withFile {
		logCfg.File = cfg.Logging.File
	}
	return logger.New(logCfg)
}

// GetRootCmd returns the root command for testing
func GetRootCmd() *cobra.Command {
	return rootCmd
}

// GetVersion returns the current version
func GetVersion() string {
	return version
}
