package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/harun/toolengine/pkg/toolexecutor"
)

const (
	jsonRPCVersion = "2.0"

	idempotencyTTL     = 5 * time.Minute
	idempotencyEntries = 4096
)

// RPCRouter dispatches JSON-RPC requests to registered handlers. Requests
// carrying an idempotency key get the first response replayed for
// idempotencyTTL.
type RPCRouter struct {
	mu      sync.RWMutex
	methods map[string]RequestHandler

	replays *expirable.LRU[string, RPCResponse]
}

// NewRPCRouter creates a new RPC router
func NewRPCRouter() *RPCRouter {
	return &RPCRouter{
		methods: make(map[string]RequestHandler),
		replays: expirable.NewLRU[string, RPCResponse](idempotencyEntries, nil, idempotencyTTL),
	}
}

// RegisterMethod registers or replaces an RPC method handler
func (r *RPCRouter) RegisterMethod(name string, handler RequestHandler) error {
	if handler == nil {
		return fmt.Errorf("handler cannot be nil")
	}

	r.mu.Lock()
	r.methods[name] = handler
	r.mu.Unlock()
	return nil
}

// UnregisterMethod removes an RPC method handler
func (r *RPCRouter) UnregisterMethod(name string) {
	r.mu.Lock()
	delete(r.methods, name)
	r.mu.Unlock()
}

// HasMethod checks if a method is registered
func (r *RPCRouter) HasMethod(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.methods[name]
	return ok
}

// GetMethods returns all registered method names, sorted
func (r *RPCRouter) GetMethods() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.methods))
	for name := range r.methods {
		names = append(names, name)
	}
	r.mu.RUnlock()

	sort.Strings(names)
	return names
}

// ParseRequest decodes a JSON-RPC request. Errors are *RPCError values
// ready to send back.
func (r *RPCRouter) ParseRequest(data []byte) (*RPCRequest, error) {
	var req RPCRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, &RPCError{Code: ParseError, Message: "Parse error", Data: err.Error()}
	}

	switch {
	case req.ID == "":
		return nil, &RPCError{Code: InvalidRequest, Message: "Invalid request: missing id field"}
	case req.Method == "":
		return nil, &RPCError{Code: InvalidRequest, Message: "Invalid request: missing method field"}
	case req.JSONRPC == "":
		req.JSONRPC = jsonRPCVersion
	case req.JSONRPC != jsonRPCVersion:
		return nil, &RPCError{
			Code:    InvalidRequest,
			Message: fmt.Sprintf("Invalid request: unsupported jsonrpc version %q", req.JSONRPC),
		}
	}

	return &req, nil
}

// RouteRequest runs the handler for req.Method and wraps its outcome.
func (r *RPCRouter) RouteRequest(ctx context.Context, req *RPCRequest) *RPCResponse {
	if req == nil {
		return errorResponse("", &RPCError{Code: InvalidRequest, Message: "invalid request"})
	}

	key := replayKey(req)
	if key != "" {
		if cached, ok := r.replays.Get(key); ok {
			replay := cached.withID(req.ID)
			return &replay
		}
	}

	r.mu.RLock()
	handler, ok := r.methods[req.Method]
	r.mu.RUnlock()
	if !ok {
		return errorResponse(req.ID, &RPCError{
			Code:    MethodNotFound,
			Message: fmt.Sprintf("Method not found: %s", req.Method),
		})
	}

	var resp *RPCResponse
	if result, err := handler(ctx, req.Params); err != nil {
		resp = errorResponse(req.ID, toRPCError(err))
	} else {
		resp = &RPCResponse{ID: req.ID, JSONRPC: jsonRPCVersion, Result: result}
	}

	if key != "" {
		r.replays.Add(key, resp.withID(""))
	}
	return resp
}

func replayKey(req *RPCRequest) string {
	if req.IdempotencyKey == "" {
		return ""
	}
	return req.Method + ":" + req.IdempotencyKey
}

func errorResponse(id string, rpcErr *RPCError) *RPCResponse {
	return &RPCResponse{ID: id, JSONRPC: jsonRPCVersion, Error: rpcErr}
}

// withID copies the response under another request id. The error is
// copied so callers cannot mutate a cached entry.
func (resp RPCResponse) withID(id string) RPCResponse {
	out := resp
	out.ID = id
	if resp.Error != nil {
		errCopy := *resp.Error
		out.Error = &errCopy
	}
	return out
}

// toRPCError maps handler errors onto JSON-RPC codes. Executor errors keep
// their kind and details in Data.
func toRPCError(err error) *RPCError {
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		return rpcErr
	}
	if errors.Is(err, toolexecutor.ErrExecutionNotFound) {
		return &RPCError{Code: ExecutionNotFound, Message: err.Error()}
	}

	var execErr *toolexecutor.ExecutorError
	if !errors.As(err, &execErr) {
		return &RPCError{Code: InternalError, Message: err.Error()}
	}

	code := ExecutionError
	switch execErr.Kind {
	case toolexecutor.KindToolNotFound:
		code = ToolNotFound
	case toolexecutor.KindInvalidParameters, toolexecutor.KindMissingParameter, toolexecutor.KindValidationError:
		code = InvalidParams
	case toolexecutor.KindPermissionDenied:
		code = PermissionDenied
	case toolexecutor.KindRateLimitExceeded:
		code = RateLimitExceeded
	case toolexecutor.KindConcurrencyLimitReached:
		code = TooManyConcurrent
	}
	return &RPCError{Code: code, Message: err.Error(), Data: execErr.Output().Error}
}
