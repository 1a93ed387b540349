package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/harun/toolengine/internal/daemon"
)

var serveCmd = &cobra.Command{
	Use:     "serve",
	Aliases: []string{"start"},
	Short:   "Run the toolengine daemon in the foreground",
	Long: `Run the toolengine daemon in the foreground. The daemon loads the tool
catalog, starts the JSON-RPC gateway and runs until SIGINT or SIGTERM.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	log, err := newLogger(cmd, cfg, true)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer log.Close()

	d, err := daemon.New(cfg, log)
	if err != nil {
		return err
	}
	if err := d.Start(); err != nil {
		_ = d.Stop()
		return err
	}

	return d.Wait(cmd.Context())
}
