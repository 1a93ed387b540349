package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// StreamType identifies the kind of event delivered to gateway clients.
type StreamType string

const (
	StreamTypeTool      StreamType = "tool"
	StreamTypeLifecycle StreamType = "lifecycle"
)

// RPCRequest represents a JSON-RPC 2.0 request
type RPCRequest struct {
	ID             string                 `json:"id"`
	Method         string                 `json:"method"`
	Params         map[string]interface{} `json:"params,omitempty"`
	JSONRPC        string                 `json:"jsonrpc"`
	IdempotencyKey string                 `json:"idempotencyKey,omitempty"`
}

// RPCResponse represents a JSON-RPC 2.0 response
type RPCResponse struct {
	ID      string      `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
	JSONRPC string      `json:"jsonrpc"`
}

// RPCError represents a JSON-RPC 2.0 error
type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// Error implements the error interface
func (e *RPCError) Error() string {
	return e.Message
}

// EventMessage represents a server-initiated event
type EventMessage struct {
	Type        string      `json:"type,omitempty"`
	Event       string      `json:"event"`
	Stream      StreamType  `json:"stream,omitempty"`
	Phase       string      `json:"phase,omitempty"`
	Seq         int64       `json:"seq,omitempty"`
	Data        interface{} `json:"data"`
	Timestamp   int64       `json:"timestamp"`
	TraceID     string      `json:"trace_id,omitempty"`
	ExecutionID string      `json:"execution_id,omitempty"`
	ToolID      string      `json:"tool_id,omitempty"`
}

// AuthChallenge represents an authentication challenge message
type AuthChallenge struct {
	Event     string `json:"event"`
	Challenge string `json:"challenge"`
}

// AuthResponse represents a client's authentication response
type AuthResponse struct {
	Method    string `json:"method"`
	Signature string `json:"signature"`
}

// AuthResult represents the result of authentication
type AuthResult struct {
	Event   string `json:"event"`
	Success bool   `json:"success,omitempty"`
	Message string `json:"message,omitempty"`
}

// ClientInfo represents information about a connected client
type ClientInfo struct {
	ID            string    `json:"id"`
	Authenticated bool      `json:"authenticated"`
	ConnectedAt   time.Time `json:"connectedAt"`
	LastActivity  time.Time `json:"lastActivity"`
	IPAddress     string    `json:"ipAddress"`
	Idle          bool      `json:"idle"`
	Streams       int       `json:"streams"`
}

// ClientState represents the state of a client connection
type ClientState int

const (
	StateConnecting ClientState = iota
	StateAuthenticating
	StateAuthenticated
	StateDisconnected
)

// RequestHandler handles one RPC call. ctx carries the calling client for
// WebSocket requests and is cancelled when the server stops.
type RequestHandler func(ctx context.Context, params map[string]interface{}) (interface{}, error)

// RPC error codes
const (
	ParseError             = -32700
	InvalidRequest         = -32600
	MethodNotFound         = -32601
	InvalidParams          = -32602
	InternalError          = -32603
	AuthenticationRequired = -32001
	PermissionDenied       = -32002
	ToolNotFound           = -32003
	ExecutionNotFound      = -32004
	RateLimitExceeded      = -32005
	TooManyConcurrent      = -32006
	ExecutionError         = -32010
)

// Client represents a connected WebSocket client
type Client struct {
	ID            string
	Conn          *websocket.Conn
	Authenticated bool
	Challenge     string
	ConnectedAt   time.Time
	LastActivity  time.Time
	IPAddress     string
	AuthAttempts  int
	RateLimiter   *ClientRateLimiter
	State         ClientState

	writeMu sync.Mutex
	mu      sync.Mutex
	streams map[string]context.CancelFunc
}

// WriteJSON serializes writes; gorilla connections allow one writer at a time.
func (c *Client) WriteJSON(v interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.Conn.WriteJSON(v)
}

// WriteMessage writes a raw frame.
func (c *Client) WriteMessage(messageType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.Conn.WriteMessage(messageType, data)
}

func (c *Client) isAuthenticated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Authenticated
}

// trackStream remembers the cancel func of a stream the client started.
func (c *Client) trackStream(executionID string, cancel context.CancelFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.streams == nil {
		c.streams = make(map[string]context.CancelFunc)
	}
	c.streams[executionID] = cancel
}

func (c *Client) untrackStream(executionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.streams, executionID)
}

// cancelStreams stops every stream still feeding this client.
func (c *Client) cancelStreams() {
	c.mu.Lock()
	streams := c.streams
	c.streams = nil
	c.mu.Unlock()

	for _, cancel := range streams {
		cancel()
	}
}

func (c *Client) streamCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.streams)
}
