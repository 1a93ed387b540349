// Package gateway exposes the tool executor over JSON-RPC 2.0. Single
// calls go to POST /rpc; /ws carries authenticated WebSocket sessions that
// can also stream tool output.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harun/toolengine/internal/observability"
	"github.com/harun/toolengine/internal/tracing"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
)

const maxRPCBody = 4 << 20

// Config configures the gateway server.
type Config struct {
	Host         string // empty binds every interface
	Port         int
	SharedSecret string
	Executor     ToolService
	Logger       zerolog.Logger
	TickInterval time.Duration

	RequestsPerMinute int // per client; zero means DefaultRequestsPerMinute
	MaxConcurrent     int // per client; zero means DefaultMaxConcurrent
	ShutdownTimeout   time.Duration
}

// Server is the gateway.
type Server struct {
	host              string
	port              int
	sharedSecret      string
	tickInterval      time.Duration
	requestsPerMinute int
	maxConcurrent     int
	shutdownTimeout   time.Duration

	server      *http.Server
	listener    net.Listener
	upgrader    websocket.Upgrader
	clients     *ClientRegistry
	router      *RPCRouter
	authHandler *AuthHandler
	broadcaster *EventBroadcaster
	executor    ToolService
	logger      zerolog.Logger

	baseCtx    context.Context
	baseCancel context.CancelFunc

	isShuttingDown bool
	shutdownMu     sync.RWMutex
	inFlightReqs   sync.WaitGroup
	streams        sync.WaitGroup
	tickCancel     context.CancelFunc
	tickWG         sync.WaitGroup
}

// NewServer creates a new gateway server
func NewServer(cfg Config) (*Server, error) {
	if cfg.Port < 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("invalid port: %d", cfg.Port)
	}
	if cfg.SharedSecret == "" {
		return nil, fmt.Errorf("shared secret is required")
	}
	if cfg.Executor == nil {
		return nil, fmt.Errorf("executor is required")
	}
	if cfg.RequestsPerMinute == 0 {
		cfg.RequestsPerMinute = DefaultRequestsPerMinute
	}
	if cfg.MaxConcurrent == 0 {
		cfg.MaxConcurrent = DefaultMaxConcurrent
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}

	logger := cfg.Logger.With().Str("component", "gateway").Logger()
	clients := NewClientRegistry()
	baseCtx, baseCancel := context.WithCancel(context.Background())

	s := &Server{
		host:              cfg.Host,
		port:              cfg.Port,
		sharedSecret:      cfg.SharedSecret,
		tickInterval:      cfg.TickInterval,
		requestsPerMinute: cfg.RequestsPerMinute,
		maxConcurrent:     cfg.MaxConcurrent,
		shutdownTimeout:   cfg.ShutdownTimeout,
		clients:           clients,
		router:            NewRPCRouter(),
		authHandler:       NewAuthHandler(cfg.SharedSecret),
		broadcaster:       NewEventBroadcaster(clients, logger),
		executor:          cfg.Executor,
		logger:            logger,
		baseCtx:           baseCtx,
		baseCancel:        baseCancel,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}

	s.registerBuiltinMethods()

	return s, nil
}

// Handler returns the HTTP routes of the gateway.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/rpc", s.handleRPC)
	mux.Handle("/metrics", observability.MetricsHandler())
	mux.HandleFunc("/healthz", s.handleHealth)
	return mux
}

// Start binds the port and serves in the background.
func (s *Server) Start() error {
	addr := net.JoinHostPort(s.host, strconv.Itoa(s.port))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info().Str("addr", listener.Addr().String()).Msg("Starting Gateway Server")

	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("Gateway server error")
		}
	}()

	s.startTickEmitter()
	return nil
}

// Addr returns the bound address once Start succeeded.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop gracefully stops the gateway. In-flight requests get the shutdown
// timeout to finish; running streams are cancelled.
func (s *Server) Stop() error {
	s.shutdownMu.Lock()
	s.isShuttingDown = true
	s.shutdownMu.Unlock()

	s.logger.Info().Msg("Shutting down Gateway Server")
	s.stopTickEmitter()

	s.broadcaster.Broadcast("server.shutdown", map[string]interface{}{
		"message": "Server is shutting down",
	})

	done := make(chan struct{})
	go func() {
		s.inFlightReqs.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info().Msg("All in-flight requests completed")
	case <-time.After(s.shutdownTimeout):
		s.logger.Warn().Msg("Shutdown timeout reached, forcing close")
	}

	s.baseCancel()
	s.streams.Wait()

	for _, client := range s.clients.GetAll() {
		client.Conn.Close()
	}

	if s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}

	s.logger.Info().Msg("Gateway Server stopped")
	return nil
}

func (s *Server) shuttingDown() bool {
	s.shutdownMu.RLock()
	defer s.shutdownMu.RUnlock()
	return s.isShuttingDown
}

func (s *Server) startTickEmitter() {
	if s.tickInterval <= 0 {
		return
	}

	tickCtx, cancel := context.WithCancel(context.Background())
	s.tickCancel = cancel
	s.tickWG.Add(1)

	go func() {
		defer s.tickWG.Done()

		ticker := time.NewTicker(s.tickInterval)
		defer ticker.Stop()

		for {
			select {
			case <-tickCtx.Done():
				return
			case <-ticker.C:
				s.broadcaster.BroadcastTyped(EventMessage{
					Event:  "tick",
					Stream: StreamTypeLifecycle,
					Phase:  "tick",
					Data: map[string]interface{}{
						"status":  "alive",
						"streams": s.clients.ActiveStreams(),
					},
				})
			}
		}
	}()
}

func (s *Server) stopTickEmitter() {
	if s.tickCancel != nil {
		s.tickCancel()
		s.tickCancel = nil
	}
	s.tickWG.Wait()
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	status, code := "ok", http.StatusOK
	if s.shuttingDown() {
		status, code = "shutting_down", http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"status":  status,
		"clients": s.clients.Count(),
		"streams": s.clients.ActiveStreams(),
	})
}

// handleWebSocket handles WebSocket connections
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.shuttingDown() {
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to upgrade connection")
		return
	}

	clientID, _ := gonanoid.New()
	client := &Client{
		ID:           clientID,
		Conn:         conn,
		ConnectedAt:  time.Now(),
		LastActivity: time.Now(),
		IPAddress:    r.RemoteAddr,
		RateLimiter:  NewClientRateLimiterWithLimits(s.requestsPerMinute, s.maxConcurrent),
		State:        StateConnecting,
	}

	s.clients.Add(client)

	s.logger.Info().
		Str("clientId", clientID).
		Str("ip", r.RemoteAddr).
		Msg("Client connected")

	if err := s.sendAuthChallenge(client); err != nil {
		s.logger.Error().Err(err).Str("clientId", clientID).Msg("Failed to send auth challenge")
		conn.Close()
		s.clients.Remove(clientID)
		return
	}

	go s.handleClient(client)
}

// sendAuthChallenge sends an authentication challenge to a client
func (s *Server) sendAuthChallenge(client *Client) error {
	challenge, err := s.authHandler.GenerateChallenge()
	if err != nil {
		return err
	}

	client.Challenge = challenge
	client.State = StateAuthenticating

	return client.WriteJSON(AuthChallenge{
		Event:     "auth.challenge",
		Challenge: challenge,
	})
}

// handleClient reads messages until the connection closes.
func (s *Server) handleClient(client *Client) {
	defer func() {
		client.Conn.Close()
		s.clients.Remove(client.ID)
		s.logger.Info().Str("clientId", client.ID).Msg("Client disconnected")
	}()

	for {
		_, message, err := client.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				s.logger.Error().Err(err).Str("clientId", client.ID).Msg("WebSocket error")
			}
			return
		}

		s.clients.UpdateActivity(client.ID)
		if !s.handleMessage(client, message) {
			return
		}
	}
}

// handleMessage handles a single message. It returns false when the
// connection should be closed.
func (s *Server) handleMessage(client *Client, message []byte) bool {
	var authResp AuthResponse
	if err := json.Unmarshal(message, &authResp); err == nil && authResp.Method == "auth.response" {
		return s.handleAuthMessage(client, authResp)
	}

	if !client.Authenticated {
		s.sendError(client, "", AuthenticationRequired, "Authentication required")
		return true
	}

	req, err := s.router.ParseRequest(message)
	if err != nil {
		if rpcErr, ok := err.(*RPCError); ok {
			s.sendError(client, "", rpcErr.Code, rpcErr.Message)
		} else {
			s.sendError(client, "", ParseError, err.Error())
		}
		return true
	}

	allowed, reason := client.RateLimiter.CheckRequestAllowed()
	if !allowed {
		code := RateLimitExceeded
		if reason == "too many concurrent requests" {
			code = TooManyConcurrent
		}
		s.sendError(client, req.ID, code, reason)
		return true
	}

	client.RateLimiter.RecordRequestStart()
	s.inFlightReqs.Add(1)

	ctx := s.requestContext(s.baseCtx, req, "")
	ctx = withClient(ctx, client)

	go func() {
		defer client.RateLimiter.RecordRequestEnd()
		defer s.inFlightReqs.Done()

		response := s.router.RouteRequest(ctx, req)
		if err := client.WriteJSON(response); err != nil {
			s.logger.Error().
				Err(err).
				Str("clientId", client.ID).
				Str("requestId", req.ID).
				Msg("Failed to send response")
		}
	}()
	return true
}

// requestContext attaches trace and request ids and logs the call.
func (s *Server) requestContext(parent context.Context, req *RPCRequest, traceID string) context.Context {
	if traceID == "" {
		traceID = tracing.NewTraceID()
	}
	ctx := tracing.WithTraceID(parent, traceID)
	ctx = tracing.WithRequestID(ctx, req.ID)

	logger := tracing.LoggerFromContext(ctx, s.logger)
	logger.Info().Str("method", req.Method).Msg("Gateway received RPC request")
	return ctx
}

// handleRPC handles single-shot HTTP JSON-RPC requests.
func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.shuttingDown() {
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}
	if !s.authHandler.VerifySecret(r.Header.Get(SecretHeader)) {
		observability.RecordSecurityAudit(r.Context(), "rpc_auth", r.RemoteAddr, "denied", nil)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRPCBody))
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}

	req, err := s.router.ParseRequest(body)
	if err != nil {
		rpcErr, ok := err.(*RPCError)
		if !ok {
			rpcErr = &RPCError{Code: ParseError, Message: err.Error()}
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(RPCResponse{JSONRPC: "2.0", Error: rpcErr})
		return
	}

	s.inFlightReqs.Add(1)
	defer s.inFlightReqs.Done()

	ctx := s.requestContext(r.Context(), req, r.Header.Get("X-Trace-Id"))
	resp := s.router.RouteRequest(ctx, req)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		logger := tracing.LoggerFromContext(ctx, s.logger)
		logger.Error().Err(err).Msg("Failed to encode RPC response")
	}
}

// handleAuthMessage handles authentication messages. It returns false when
// the client exhausted its attempts.
func (s *Server) handleAuthMessage(client *Client, authResp AuthResponse) bool {
	result := s.authHandler.HandleAuthResponse(client, authResp.Signature)

	if err := client.WriteJSON(result); err != nil {
		s.logger.Error().Err(err).Str("clientId", client.ID).Msg("Failed to send auth result")
		return false
	}

	if result.Success {
		s.logger.Info().Str("clientId", client.ID).Msg("Client authenticated")
		return true
	}

	s.logger.Warn().
		Str("clientId", client.ID).
		Str("reason", result.Message).
		Msg("Authentication failed")
	observability.RecordSecurityAudit(context.Background(), "ws_auth", client.IPAddress, "denied", map[string]interface{}{
		"client_id": client.ID,
		"attempts":  client.AuthAttempts,
	})
	return client.AuthAttempts < maxAuthAttempts
}

// sendError sends an error response to a client
func (s *Server) sendError(client *Client, requestID string, code int, message string) {
	response := RPCResponse{
		ID:      requestID,
		JSONRPC: "2.0",
		Error: &RPCError{
			Code:    code,
			Message: message,
		},
	}

	if err := client.WriteJSON(response); err != nil {
		s.logger.Error().
			Err(err).
			Str("clientId", client.ID).
			Msg("Failed to send error response")
	}
}

// Broadcast broadcasts an event to all authenticated clients
func (s *Server) Broadcast(event string, data interface{}) {
	s.broadcaster.Broadcast(event, data)
}

// RegisterMethod registers an RPC method handler
func (s *Server) RegisterMethod(name string, handler RequestHandler) error {
	return s.router.RegisterMethod(name, handler)
}

// Methods lists the registered RPC methods.
func (s *Server) Methods() []string {
	return s.router.GetMethods()
}

// GetConnectedClients returns information about all connected clients
func (s *Server) GetConnectedClients() []ClientInfo {
	return s.clients.GetConnectedClients()
}
