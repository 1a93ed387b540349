package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/harun/toolengine/internal/tracing"
	"github.com/harun/toolengine/pkg/toolexecutor"
)

// ToolService is the executor surface the gateway exposes.
type ToolService interface {
	toolexecutor.Executor
	GetExecutionResult(executionID string) (*toolexecutor.ToolResult, error)
	Wait(ctx context.Context, executionID string) (*toolexecutor.ToolResult, error)
}

// registerBuiltinMethods registers all built-in RPC methods
func (s *Server) registerBuiltinMethods() {
	_ = s.RegisterMethod("tools.execute", s.handleExecute)
	_ = s.RegisterMethod("tools.stream", s.handleStream)
	_ = s.RegisterMethod("tools.validate", s.handleValidate)
	_ = s.RegisterMethod("tools.can_execute", s.handleCanExecute)
	_ = s.RegisterMethod("tools.status", s.handleStatus)
	_ = s.RegisterMethod("tools.result", s.handleResult)
	_ = s.RegisterMethod("tools.cancel", s.handleCancel)
	_ = s.RegisterMethod("tools.list", s.handleList)
}

// decodeParams maps RPC params onto a request struct through its json tags.
func decodeParams(params map[string]interface{}, out interface{}) error {
	raw, err := json.Marshal(params)
	if err != nil {
		return &RPCError{Code: InvalidParams, Message: "Invalid params", Data: err.Error()}
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return &RPCError{Code: InvalidParams, Message: "Invalid params", Data: err.Error()}
	}
	return nil
}

func missingParam(name string) error {
	return &RPCError{Code: InvalidParams, Message: fmt.Sprintf("%s parameter is required", name)}
}

// executionRequest decodes tools.execute and tools.stream params. The
// caller's address fills in an empty security IP.
func (s *Server) executionRequest(ctx context.Context, params map[string]interface{}) (*toolexecutor.ExecutionRequest, error) {
	var req toolexecutor.ExecutionRequest
	if err := decodeParams(params, &req); err != nil {
		return nil, err
	}
	if req.ToolID == "" {
		return nil, missingParam("tool_id")
	}
	if client := clientFromContext(ctx); client != nil && req.Context.Security.IP == "" {
		req.Context.Security.IP = client.IPAddress
	}
	req.Callback = s.notifyCompleted
	return &req, nil
}

// handleExecute handles tools.execute. Failed executions are results, not
// RPC errors: the result carries the error output and diagnostics.
func (s *Server) handleExecute(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	req, err := s.executionRequest(ctx, params)
	if err != nil {
		return nil, err
	}

	result, err := s.executor.Execute(ctx, req)
	if result != nil {
		return result, nil
	}
	return nil, err
}

// handleStream handles tools.stream. Chunks are pushed to the calling
// client as tool.chunk events and may arrive before this response.
func (s *Server) handleStream(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	client := clientFromContext(ctx)
	if client == nil {
		return nil, &RPCError{Code: InvalidRequest, Message: "tools.stream requires a WebSocket connection"}
	}

	req, err := s.executionRequest(ctx, params)
	if err != nil {
		return nil, err
	}

	// The stream outlives this request; it ends with the server or the client.
	streamCtx, cancel := context.WithCancel(s.baseCtx)
	chunks, err := s.executor.ExecuteStreaming(streamCtx, req)
	if err != nil {
		cancel()
		return nil, err
	}
	client.trackStream(req.ExecutionID, cancel)

	s.streams.Add(1)
	go s.forwardChunks(client, req, tracing.GetTraceID(ctx), chunks, cancel)

	return map[string]interface{}{
		"execution_id": req.ExecutionID,
		"tool_id":      req.ToolID,
		"streaming":    true,
	}, nil
}

func (s *Server) forwardChunks(client *Client, req *toolexecutor.ExecutionRequest, traceID string, chunks <-chan toolexecutor.ExecutionChunk, cancel context.CancelFunc) {
	defer s.streams.Done()
	defer client.untrackStream(req.ExecutionID)
	defer cancel()

	delivered := true
	for chunk := range chunks {
		if !delivered {
			continue
		}
		phase := string(chunk.Kind)
		if chunk.IsFinal {
			phase = "final"
		}
		err := s.broadcaster.SendTo(client, EventMessage{
			Event:       "tool.chunk",
			Stream:      StreamTypeTool,
			Phase:       phase,
			Data:        chunk,
			TraceID:     traceID,
			ExecutionID: req.ExecutionID,
			ToolID:      req.ToolID,
		})
		if err != nil {
			s.logger.Warn().
				Err(err).
				Str("clientId", client.ID).
				Str("execution_id", req.ExecutionID).
				Msg("Stream consumer gone, cancelling execution")
			delivered = false
			cancel()
		}
	}
}

// notifyCompleted tells every authenticated client that an execution ended.
func (s *Server) notifyCompleted(result *toolexecutor.ToolResult) {
	s.broadcaster.BroadcastTyped(EventMessage{
		Event:       "tool.completed",
		Stream:      StreamTypeLifecycle,
		Phase:       string(result.Status),
		ExecutionID: result.ExecutionID,
		ToolID:      result.ToolID,
		Data: map[string]interface{}{
			"status":      result.Status,
			"duration_ms": result.Metrics.DurationMS,
			"retry_count": result.Metrics.RetryCount,
		},
	})
}

type validateParams struct {
	ToolID     string                 `json:"tool_id"`
	Parameters map[string]interface{} `json:"parameters"`
}

// handleValidate handles tools.validate
func (s *Server) handleValidate(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	var p validateParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.ToolID == "" {
		return nil, missingParam("tool_id")
	}
	return s.executor.ValidateParameters(ctx, p.ToolID, p.Parameters)
}

type contextParams struct {
	ToolID  string                        `json:"tool_id"`
	Context toolexecutor.ExecutionContext `json:"context"`
}

// handleCanExecute handles tools.can_execute
func (s *Server) handleCanExecute(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	var p contextParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.ToolID == "" {
		return nil, missingParam("tool_id")
	}
	allowed, err := s.executor.CanExecute(ctx, p.ToolID, &p.Context)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"tool_id": p.ToolID, "allowed": allowed}, nil
}

type executionParams struct {
	ExecutionID string `json:"execution_id"`
	WaitMS      int    `json:"wait_ms,omitempty"`
}

func decodeExecutionParams(params map[string]interface{}) (executionParams, error) {
	var p executionParams
	if err := decodeParams(params, &p); err != nil {
		return p, err
	}
	if p.ExecutionID == "" {
		return p, missingParam("execution_id")
	}
	return p, nil
}

// handleStatus handles tools.status
func (s *Server) handleStatus(_ context.Context, params map[string]interface{}) (interface{}, error) {
	p, err := decodeExecutionParams(params)
	if err != nil {
		return nil, err
	}
	status, err := s.executor.GetExecutionStatus(p.ExecutionID)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"execution_id": p.ExecutionID, "status": status}, nil
}

// handleResult handles tools.result. With wait_ms set it blocks until the
// execution is terminal or the wait elapses, then returns the latest view.
func (s *Server) handleResult(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	p, err := decodeExecutionParams(params)
	if err != nil {
		return nil, err
	}
	if p.WaitMS > 0 {
		waitCtx, cancel := context.WithTimeout(ctx, time.Duration(p.WaitMS)*time.Millisecond)
		defer cancel()
		if result, err := s.executor.Wait(waitCtx, p.ExecutionID); err == nil {
			return result, nil
		}
	}
	return s.executor.GetExecutionResult(p.ExecutionID)
}

// handleCancel handles tools.cancel
func (s *Server) handleCancel(_ context.Context, params map[string]interface{}) (interface{}, error) {
	p, err := decodeExecutionParams(params)
	if err != nil {
		return nil, err
	}
	if err := s.executor.CancelExecution(p.ExecutionID); err != nil {
		return nil, err
	}
	status, _ := s.executor.GetExecutionStatus(p.ExecutionID)
	return map[string]interface{}{"execution_id": p.ExecutionID, "status": status}, nil
}

// handleList handles tools.list
func (s *Server) handleList(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	var p contextParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	tools, err := s.executor.ListAvailableTools(ctx, &p.Context)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"tools": tools, "count": len(tools)}, nil
}
