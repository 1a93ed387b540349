package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/harun/toolengine/internal/config"
)

var configForce bool

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage the toolengine configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), cfg.String())
		return nil
	},
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the configuration and the tool catalog",
	Args:  cobra.NoArgs,
	RunE:  runConfigValidate,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default configuration file",
	Args:  cobra.NoArgs,
	RunE:  runConfigInit,
}

func init() {
	configInitCmd.Flags().BoolVar(&configForce, "force", false, "overwrite an existing config file")

	configCmd.AddCommand(configShowCmd, configValidateCmd, configInitCmd)
	rootCmd.AddCommand(configCmd)
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	errs := config.NewValidator().ValidateConfig(cfg)
	for _, e := range errs {
		fmt.Fprintf(out, "config: %v\n", e)
	}

	tools := 0
	if _, statErr := os.Stat(cfg.Catalog.Path); statErr == nil {
		loaded, err := config.LoadTools(cfg.Catalog.Path)
		if err != nil {
			fmt.Fprintf(out, "catalog: %v\n", err)
			errs = append(errs, err)
		}
		tools = len(loaded)
	}

	if len(errs) > 0 {
		return fmt.Errorf("%d problem(s) found", len(errs))
	}
	fmt.Fprintf(out, "Configuration OK (%d tools in %s)\n", tools, cfg.Catalog.Path)
	return nil
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	loader := config.NewLoader(cfgFile)
	path := loader.GetConfigPath()

	if _, err := os.Stat(path); err == nil && !configForce {
		return fmt.Errorf("config file %s already exists (use --force to overwrite)", path)
	}

	cfg := config.DefaultConfig()
	if err := loader.Save(cfg); err != nil {
		return fmt.Errorf("failed to save configuration: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Configuration saved to: %s\n", path)
	fmt.Fprintln(cmd.OutOrStdout(), "Set gateway.shared_secret, then start with: toolengine serve")
	return nil
}
