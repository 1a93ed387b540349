// Package toolexecutor validates, authorizes and runs tool calls for agents
// over pluggable backends.
//
// Invariants:
// - Invalid or unauthorized requests never reach a backend.
// - Every execution ends in exactly one terminal status.
// - Deterministic failures are never retried.
// - Streamed chunks carry gap-free sequence numbers starting at 1.
//
// Usage:
//
//	catalog, _ := toolexecutor.NewMemoryCatalog(tool)
//	exec, _ := toolexecutor.New(toolexecutor.Config{Catalog: catalog, Factory: backends.NewFactory(backends.Options{})})
//	result, err := exec.Execute(ctx, &toolexecutor.ExecutionRequest{
//		ToolID:     "read-config",
//		Parameters: map[string]interface{}{"operation": "read", "path": "app.yaml"},
//		Context:    toolexecutor.ExecutionContext{AgentID: "agent-1"},
//	})
package toolexecutor
