package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/harun/toolengine/internal/config"
	"github.com/harun/toolengine/pkg/toolexecutor"
	"github.com/harun/toolengine/pkg/toolschema"
)

var (
	toolsValidateParams string
	toolsSchemaFormat   string
)

var toolsCmd = &cobra.Command{
	Use:   "tools",
	Short: "Inspect the tool catalog",
}

var toolsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List catalog tools",
	Args:  cobra.NoArgs,
	RunE:  runToolsList,
}

var toolsValidateCmd = &cobra.Command{
	Use:   "validate <tool-id>",
	Short: "Validate parameters against a tool without executing it",
	Args:  cobra.ExactArgs(1),
	RunE:  runToolsValidate,
}

var toolsSchemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Print catalog tools as model provider tool definitions",
	Args:  cobra.NoArgs,
	RunE:  runToolsSchema,
}

func init() {
	toolsValidateCmd.Flags().StringVar(&toolsValidateParams, "params", "{}", "tool parameters as a JSON object")
	toolsSchemaCmd.Flags().StringVar(&toolsSchemaFormat, "format", "anthropic", "provider format (anthropic, openai)")

	toolsCmd.AddCommand(toolsListCmd, toolsValidateCmd, toolsSchemaCmd)
	rootCmd.AddCommand(toolsCmd)
}

func catalogTools(cmd *cobra.Command) ([]*toolexecutor.Tool, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	catalog, err := config.LoadCatalog(cfg.Catalog.Path)
	if err != nil {
		return nil, err
	}
	return catalog.ListTools(context.Background())
}

func runToolsList(cmd *cobra.Command, args []string) error {
	tools, err := catalogTools(cmd)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tKIND\tSTATUS\tPERMISSIONS\tNAME")
	for _, tool := range tools {
		fmt.Fprintf(w, "%s\t%s\t%s\t%v\t%s\n",
			tool.ID, tool.Type.Kind, tool.Status, tool.Security.RequiredPermissions, tool.Name)
	}
	return w.Flush()
}

func runToolsValidate(cmd *cobra.Command, args []string) error {
	var params map[string]interface{}
	if err := json.Unmarshal([]byte(toolsValidateParams), &params); err != nil {
		return fmt.Errorf("invalid --params: %w", err)
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	return withLocalEngine(cmd, cfg, func(executor *toolexecutor.ToolExecutor) error {
		result, err := executor.ValidateParameters(cmd.Context(), args[0], params)
		if err != nil {
			return err
		}
		if err := printJSON(cmd.OutOrStdout(), result); err != nil {
			return err
		}
		if !result.Valid {
			return fmt.Errorf("parameters are invalid")
		}
		return nil
	})
}

func runToolsSchema(cmd *cobra.Command, args []string) error {
	tools, err := catalogTools(cmd)
	if err != nil {
		return err
	}
	set, err := toolschema.NewSet(tools)
	if err != nil {
		return err
	}

	switch toolsSchemaFormat {
	case "anthropic":
		return printJSON(cmd.OutOrStdout(), set.Anthropic())
	case "openai":
		return printJSON(cmd.OutOrStdout(), set.OpenAI())
	default:
		return fmt.Errorf("unknown format %q (must be: anthropic, openai)", toolsSchemaFormat)
	}
}
