package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/harun/toolengine/internal/config"
	"github.com/harun/toolengine/internal/daemon"
	"github.com/harun/toolengine/pkg/gateway"
	"github.com/harun/toolengine/pkg/toolexecutor"
)

var (
	execParams      string
	execPermissions []string
	execAgent       string
	execTimeoutMS   int
	execStream      bool
	execRemote      string
	execBatch       string
	execParallel    int
)

var execCmd = &cobra.Command{
	Use:   "exec [tool-id]",
	Short: "Execute a tool and print its result",
	Long: `Execute a tool from the catalog and print the result as JSON.

By default the tool runs in-process against the configured catalog and
backends. With --remote the call goes to a running gateway instead. With
--batch a JSON file of requests is executed concurrently.`,
	Example: `  toolengine exec notes --params '{"operation":"read","path":"today.txt"}' --perm file:read
  toolengine exec notes --stream --params '{"operation":"read","path":"big.log"}' --perm file:read
  toolengine exec --batch calls.json --parallel 4`,
	Args: cobra.MaximumNArgs(1),
	RunE: runExec,
}

func init() {
	execCmd.Flags().StringVar(&execParams, "params", "{}", "tool parameters as a JSON object")
	execCmd.Flags().StringSliceVar(&execPermissions, "perm", nil, "permission granted to the call (repeatable)")
	execCmd.Flags().StringVar(&execAgent, "agent", "cli", "agent id the call runs as")
	execCmd.Flags().IntVar(&execTimeoutMS, "timeout-ms", 0, "execution timeout override in milliseconds")
	execCmd.Flags().BoolVar(&execStream, "stream", false, "stream text output as it is produced")
	execCmd.Flags().StringVar(&execRemote, "remote", "", "gateway base URL, e.g. http://127.0.0.1:18790")
	execCmd.Flags().StringVar(&execBatch, "batch", "", "JSON file holding an array of execution requests")
	execCmd.Flags().IntVar(&execParallel, "parallel", 4, "concurrent executions for --batch")
	rootCmd.AddCommand(execCmd)
}

func runExec(cmd *cobra.Command, args []string) error {
	if execBatch == "" && len(args) == 0 {
		return fmt.Errorf("a tool id or --batch is required")
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	if execBatch != "" {
		requests, err := readBatch(execBatch)
		if err != nil {
			return err
		}
		return withLocalEngine(cmd, cfg, func(executor *toolexecutor.ToolExecutor) error {
			return runBatch(cmd.Context(), cmd.OutOrStdout(), executor, requests, execParallel)
		})
	}

	req, err := buildRequest(args[0])
	if err != nil {
		return err
	}

	if execRemote != "" {
		return execViaGateway(cmd.OutOrStdout(), execRemote, cfg.Gateway.SharedSecret, req)
	}

	return withLocalEngine(cmd, cfg, func(executor *toolexecutor.ToolExecutor) error {
		if execStream {
			return streamLocal(cmd.Context(), cmd.OutOrStdout(), executor, req)
		}
		result, err := executor.Execute(cmd.Context(), req)
		if result == nil {
			return err
		}
		if perr := printJSON(cmd.OutOrStdout(), result); perr != nil {
			return perr
		}
		return resultError(result)
	})
}

func buildRequest(toolID string) (*toolexecutor.ExecutionRequest, error) {
	var params map[string]interface{}
	if err := json.Unmarshal([]byte(execParams), &params); err != nil {
		return nil, fmt.Errorf("invalid --params: %w", err)
	}
	return &toolexecutor.ExecutionRequest{
		ToolID:     toolID,
		Parameters: params,
		Context: toolexecutor.ExecutionContext{
			AgentID:  execAgent,
			Security: toolexecutor.SecurityContext{Permissions: execPermissions},
		},
		Options: toolexecutor.ExecutionOptions{TimeoutMS: execTimeoutMS},
	}, nil
}

// withLocalEngine builds an in-process engine without gateway or catalog
// watching and releases it when fn returns.
func withLocalEngine(cmd *cobra.Command, cfg *config.Config, fn func(*toolexecutor.ToolExecutor) error) error {
	local := *cfg
	local.Gateway.Enabled = false
	local.Catalog.Watch = false

	log, err := newLogger(cmd, &local, false)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer log.Close()

	d, err := daemon.New(&local, log)
	if err != nil {
		return err
	}
	defer d.Close()

	return fn(d.GetExecutor())
}

// resultError turns a non-successful result into a command error so the
// process exit code reflects it.
func resultError(result *toolexecutor.ToolResult) error {
	if result.Status == toolexecutor.StatusSuccess {
		return nil
	}
	if result.Output != nil && result.Output.Error != nil {
		return fmt.Errorf("execution %s: %s", result.Status, result.Output.Error.Message)
	}
	return fmt.Errorf("execution %s", result.Status)
}

func streamLocal(ctx context.Context, out io.Writer, executor *toolexecutor.ToolExecutor, req *toolexecutor.ExecutionRequest) error {
	chunks, err := executor.ExecuteStreaming(ctx, req)
	if err != nil {
		return err
	}

	var final *toolexecutor.ToolResult
	for chunk := range chunks {
		switch {
		case chunk.IsFinal:
			final = chunk.Result
		case chunk.Kind == toolexecutor.ChunkText:
			fmt.Fprint(out, chunk.Text)
		}
	}
	fmt.Fprintln(out)

	if final == nil {
		return fmt.Errorf("stream ended without a result")
	}
	return resultError(final)
}

func execViaGateway(out io.Writer, baseURL, secret string, req *toolexecutor.ExecutionRequest) error {
	params := map[string]interface{}{
		"tool_id":    req.ToolID,
		"parameters": req.Parameters,
		"context":    req.Context,
		"options":    req.Options,
	}

	var response gateway.RPCResponse
	resp, err := resty.New().
		SetTimeout(5*time.Minute).
		R().
		SetHeader(gateway.SecretHeader, secret).
		SetBody(gateway.RPCRequest{
			ID:      fmt.Sprintf("cli-%d", time.Now().UnixNano()),
			Method:  "tools.execute",
			Params:  params,
			JSONRPC: "2.0",
		}).
		SetResult(&response).
		SetError(&response).
		Post(strings.TrimRight(baseURL, "/") + "/rpc")
	if err != nil {
		return fmt.Errorf("gateway request failed: %w", err)
	}
	if response.Error != nil {
		return fmt.Errorf("gateway error %d: %s", response.Error.Code, response.Error.Message)
	}
	if resp.IsError() {
		return fmt.Errorf("gateway returned %s", resp.Status())
	}

	if err := printJSON(out, response.Result); err != nil {
		return err
	}
	if result, ok := response.Result.(map[string]interface{}); ok && result["status"] != string(toolexecutor.StatusSuccess) {
		return fmt.Errorf("execution %v", result["status"])
	}
	return nil
}

func readBatch(path string) ([]*toolexecutor.ExecutionRequest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read batch file: %w", err)
	}
	var requests []*toolexecutor.ExecutionRequest
	if err := json.Unmarshal(data, &requests); err != nil {
		return nil, fmt.Errorf("invalid batch file: %w", err)
	}
	for i, req := range requests {
		if req == nil || req.ToolID == "" {
			return nil, fmt.Errorf("batch entry %d: tool_id is required", i)
		}
	}
	return requests, nil
}

// runBatch executes requests with at most parallel in flight and prints
// the results in request order. Failed executions do not stop the batch.
func runBatch(ctx context.Context, out io.Writer, executor *toolexecutor.ToolExecutor, requests []*toolexecutor.ExecutionRequest, parallel int) error {
	if parallel < 1 {
		parallel = 1
	}
	results := make([]*toolexecutor.ToolResult, len(requests))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(parallel)
	for i, req := range requests {
		g.Go(func() error {
			result, err := executor.Execute(gctx, req)
			if result == nil {
				return fmt.Errorf("batch entry %d: %w", i, err)
			}
			results[i] = result
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	failed := 0
	for _, result := range results {
		if result.Status != toolexecutor.StatusSuccess {
			failed++
		}
	}
	if err := printJSON(out, results); err != nil {
		return err
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d executions did not succeed", failed, len(results))
	}
	return nil
}

func printJSON(out io.Writer, v interface{}) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
