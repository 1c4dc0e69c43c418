package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harun/otaku/internal/observability"
	"github.com/harun/otaku/internal/tracing"
	"github.com/harun/otaku/pkg/orchestrator"
	"github.com/harun/otaku/pkg/transcript"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
)

const maxBodyBytes = 64 << 10

// Querier answers user queries
type Querier interface {
	Run(ctx context.Context, query string) (*orchestrator.Result, error)
}

// Server is the gateway: HTTP and websocket access to the orchestrator
type Server struct {
	host           string
	port           int
	tickInterval   time.Duration
	queryTimeout   time.Duration
	server         *http.Server
	listener       net.Listener
	upgrader       websocket.Upgrader
	clients        *ClientRegistry
	router         *RPCRouter
	authHandler    *AuthHandler
	broadcaster    *EventBroadcaster
	httpLimiter    *ClientRateLimiter
	querier        Querier
	transcripts    transcript.Reader
	logger         zerolog.Logger
	startedAt      time.Time
	isShuttingDown bool
	shutdownMu     sync.RWMutex
	inFlightReqs   sync.WaitGroup
	baseCtx        context.Context
	cancelBase     context.CancelFunc
	tickWG         sync.WaitGroup

	runsMu sync.Mutex
	runs   map[string]context.CancelFunc
}

// Config holds server configuration
type Config struct {
	Host         string
	Port         int
	SharedSecret string
	TickInterval time.Duration
	// QueryTimeout bounds one query; zero means no limit beyond the caller's
	QueryTimeout time.Duration
	// HTTPRequestsPerMinute and HTTPMaxConcurrent bound POST /v1/ask
	HTTPRequestsPerMinute int
	HTTPMaxConcurrent     int
	Querier               Querier
	// Transcripts enables the runs.* methods when set
	Transcripts transcript.Reader
	Logger      zerolog.Logger
}

// NewServer creates a new gateway server
func NewServer(cfg Config) (*Server, error) {
	if cfg.Port <= 0 {
		return nil, fmt.Errorf("invalid port: %d", cfg.Port)
	}
	if cfg.SharedSecret == "" {
		return nil, fmt.Errorf("shared secret is required")
	}
	if cfg.Querier == nil {
		return nil, fmt.Errorf("querier is required")
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 30 * time.Second
	}
	if cfg.HTTPRequestsPerMinute <= 0 {
		cfg.HTTPRequestsPerMinute = 60
	}
	if cfg.HTTPMaxConcurrent <= 0 {
		cfg.HTTPMaxConcurrent = 8
	}

	clients := NewClientRegistry()
	baseCtx, cancel := context.WithCancel(context.Background())

	s := &Server{
		host:         cfg.Host,
		port:         cfg.Port,
		tickInterval: cfg.TickInterval,
		queryTimeout: cfg.QueryTimeout,
		clients:      clients,
		router:       NewRPCRouter(),
		authHandler:  NewAuthHandler(cfg.SharedSecret),
		broadcaster:  NewEventBroadcaster(clients, cfg.Logger),
		httpLimiter:  NewClientRateLimiterWithLimits(cfg.HTTPRequestsPerMinute, cfg.HTTPMaxConcurrent),
		querier:      cfg.Querier,
		transcripts:  cfg.Transcripts,
		logger:       cfg.Logger,
		startedAt:    time.Now(),
		baseCtx:      baseCtx,
		cancelBase:   cancel,
		runs:         make(map[string]context.CancelFunc),
		upgrader: websocket.Upgrader{
			// the shared secret challenge gates every connection
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}

	s.registerBuiltinMethods()

	return s, nil
}

// Observe forwards orchestrator events to the websocket client that asked
// the query. It is safe to install before the server exists.
func (s *Server) Observe(evt orchestrator.Event) {
	if s == nil {
		return
	}
	s.broadcaster.Observe(evt)
}

// Handler returns the HTTP handler serving every gateway route
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/ask", s.handleAsk)
	mux.HandleFunc("/rpc", s.handleRPC)
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.Handle("/metrics", observability.MetricsHandler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	return mux
}

// Start listens on the configured address and serves in the background
func (s *Server) Start() error {
	addr := net.JoinHostPort(s.host, strconv.Itoa(s.port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = ln
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info().Str("addr", ln.Addr().String()).Msg("Starting gateway server")

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Gateway server error")
		}
	}()

	s.startTickEmitter()
	return nil
}

// Addr returns the listening address once started
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop drains in-flight requests until ctx expires, then closes every
// connection and cancels queries still running
func (s *Server) Stop(ctx context.Context) error {
	s.shutdownMu.Lock()
	s.isShuttingDown = true
	s.shutdownMu.Unlock()

	s.logger.Info().Msg("Shutting down gateway server")

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
	case <-ctx.Done():
		s.logger.Warn().Msg("Shutdown timeout reached, cancelling running queries")
	}

	s.cancelBase()
	s.tickWG.Wait()

	for _, client := range s.clients.GetAll() {
		_ = client.Conn.Close()
	}

	if s.server == nil {
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}

	s.logger.Info().Msg("Gateway server stopped")
	return nil
}

func (s *Server) shuttingDown() bool {
	s.shutdownMu.RLock()
	defer s.shutdownMu.RUnlock()
	return s.isShuttingDown
}

func (s *Server) startTickEmitter() {
	s.tickWG.Add(1)
	go func() {
		defer s.tickWG.Done()

		ticker := time.NewTicker(s.tickInterval)
		defer ticker.Stop()

		for {
			select {
			case <-s.baseCtx.Done():
				return
			case <-ticker.C:
				s.broadcaster.BroadcastTyped(EventMessage{
					Event:  "tick",
					Stream: StreamTypeLifecycle,
					Phase:  "tick",
					Data: map[string]interface{}{
						"status":  "alive",
						"clients": s.clients.Count(),
					},
				})
			}
		}
	}()
}

// runQuery runs one query under the server's lifetime, registering it so
// it can be cancelled by run ID
func (s *Server) runQuery(ctx context.Context, runID, query string) (*orchestrator.Result, error) {
	ctx = tracing.WithRunID(ctx, runID)
	if s.queryTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.queryTimeout)
		defer cancel()
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// server shutdown cancels the query too
	stop := context.AfterFunc(s.baseCtx, cancel)
	defer stop()

	s.runsMu.Lock()
	s.runs[runID] = cancel
	s.runsMu.Unlock()
	defer func() {
		s.runsMu.Lock()
		delete(s.runs, runID)
		s.runsMu.Unlock()
	}()

	return s.querier.Run(ctx, query)
}

// cancelRun cancels a running query, reporting whether it was found
func (s *Server) cancelRun(runID string) bool {
	s.runsMu.Lock()
	cancel, ok := s.runs[runID]
	s.runsMu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// handleAsk serves POST /v1/ask
func (s *Server) handleAsk(w http.ResponseWriter, r *http.Request) {
	const route = "/v1/ask"

	if r.Method != http.MethodPost {
		s.fail(w, route, http.StatusMethodNotAllowed, ErrorResponse{Error: "method not allowed"})
		return
	}
	if s.shuttingDown() {
		s.fail(w, route, http.StatusServiceUnavailable, ErrorResponse{Error: "server is shutting down"})
		return
	}
	if !s.authHandler.CheckRequest(r) {
		s.fail(w, route, http.StatusUnauthorized, ErrorResponse{Error: "unauthorized"})
		return
	}

	allowed, reason := s.httpLimiter.Begin()
	if !allowed {
		s.fail(w, route, http.StatusTooManyRequests, ErrorResponse{Error: reason})
		return
	}
	defer s.httpLimiter.End()
	s.inFlightReqs.Add(1)
	defer s.inFlightReqs.Done()

	var req AskRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		s.fail(w, route, http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
		return
	}
	if req.Query == "" {
		s.fail(w, route, http.StatusBadRequest, ErrorResponse{Error: "query is required"})
		return
	}

	ctx := s.requestContext(r)
	runID := tracing.NewRunID()
	logger := tracing.LoggerFromContext(tracing.WithRunID(ctx, runID), s.logger)
	logger.Info().Msg("Gateway received query")

	w.Header().Set("X-Run-Id", runID)
	result, err := s.runQuery(ctx, runID, req.Query)
	if err != nil {
		status := statusForError(err)
		logger.Warn().Err(err).Int("status", status).Msg("Query failed")
		s.fail(w, route, status, ErrorResponse{Error: err.Error(), RunID: runID})
		return
	}

	observability.RecordGatewayRequest(route, strconv.Itoa(http.StatusOK))
	writeJSON(w, http.StatusOK, AskResponse{
		RunID:  result.RunID,
		Answer: result.Answer.Content,
		Steps:  result.Steps,
	})
}

// handleRPC handles single-shot HTTP JSON-RPC requests
func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	const route = "/rpc"

	if r.Method != http.MethodPost {
		s.fail(w, route, http.StatusMethodNotAllowed, ErrorResponse{Error: "method not allowed"})
		return
	}
	if !s.authHandler.CheckRequest(r) {
		s.fail(w, route, http.StatusUnauthorized, ErrorResponse{Error: "unauthorized"})
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		s.fail(w, route, http.StatusBadRequest, ErrorResponse{Error: "failed to read request body"})
		return
	}

	req, err := s.router.ParseRequest(body)
	if err != nil {
		rpcErr := &RPCError{Code: ParseError, Message: err.Error()}
		errors.As(err, &rpcErr)
		observability.RecordGatewayRequest(route, strconv.Itoa(http.StatusBadRequest))
		writeJSON(w, http.StatusBadRequest, RPCResponse{JSONRPC: "2.0", Error: rpcErr})
		return
	}

	s.inFlightReqs.Add(1)
	defer s.inFlightReqs.Done()

	ctx := tracing.WithRequestID(s.requestContext(r), req.ID)
	logger := tracing.LoggerFromContext(ctx, s.logger)
	logger.Info().Str("method", req.Method).Msg("Gateway received HTTP RPC request")

	resp := s.router.RouteRequest(ctx, req)
	observability.RecordGatewayRequest(route, rpcStatus(resp))
	writeJSON(w, http.StatusOK, resp)
}

// requestContext derives a request context that also ends with the server,
// carrying the caller's trace ID when one was sent
func (s *Server) requestContext(r *http.Request) context.Context {
	ctx := r.Context()
	if traceID := r.Header.Get("X-Trace-Id"); traceID != "" {
		return tracing.WithTraceID(ctx, traceID)
	}
	return tracing.NewRequestContext(ctx)
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

	clientID, err := gonanoid.New()
	if err != nil {
		_ = conn.Close()
		return
	}
	now := time.Now()
	client := &Client{
		ID:           clientID,
		Conn:         conn,
		ConnectedAt:  now,
		LastActivity: now,
		IPAddress:    r.RemoteAddr,
		RateLimiter:  NewClientRateLimiter(),
		State:        StateConnecting,
	}
	s.clients.Add(client)

	s.logger.Info().
		Str("clientId", clientID).
		Str("ip", r.RemoteAddr).
		Msg("Client connected")

	if err := s.sendAuthChallenge(client); err != nil {
		s.logger.Error().Err(err).Str("clientId", clientID).Msg("Failed to send auth challenge")
		_ = conn.Close()
		s.clients.Remove(clientID)
		return
	}

	go s.handleClient(client)
}

func (s *Server) sendAuthChallenge(client *Client) error {
	challenge, err := s.authHandler.GenerateChallenge()
	if err != nil {
		return err
	}

	s.clients.Update(client.ID, func(c *Client) {
		c.Challenge = challenge
		c.State = StateAuthenticating
	})

	return client.WriteJSON(AuthChallenge{
		Event:     "auth.challenge",
		Challenge: challenge,
	})
}

func (s *Server) handleClient(client *Client) {
	defer func() {
		_ = client.Conn.Close()
		s.clients.Remove(client.ID)
		s.logger.Info().Str("clientId", client.ID).Msg("Client disconnected")
	}()

	for {
		_, message, err := client.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.logger.Error().Err(err).Str("clientId", client.ID).Msg("WebSocket error")
			}
			return
		}

		s.clients.UpdateActivity(client.ID)
		s.handleMessage(client, message)
	}
}

func (s *Server) handleMessage(client *Client, message []byte) {
	var authResp AuthResponse
	if err := json.Unmarshal(message, &authResp); err == nil && authResp.Method == "auth.response" {
		s.handleAuthMessage(client, authResp)
		return
	}

	if !s.clients.IsAuthenticated(client.ID) {
		s.sendError(client, "", AuthenticationRequired, "Authentication required")
		return
	}

	req, err := s.router.ParseRequest(message)
	if err != nil {
		var rpcErr *RPCError
		if errors.As(err, &rpcErr) {
			s.sendError(client, "", rpcErr.Code, rpcErr.Message)
		} else {
			s.sendError(client, "", ParseError, err.Error())
		}
		return
	}

	allowed, reason := client.RateLimiter.Begin()
	if !allowed {
		code := RateLimitExceeded
		if reason == ReasonTooConcurrent {
			code = TooManyConcurrent
		}
		s.sendError(client, req.ID, code, reason)
		return
	}
	s.inFlightReqs.Add(1)

	go func() {
		defer client.RateLimiter.End()
		defer s.inFlightReqs.Done()

		ctx := withClientID(tracing.NewRequestContext(s.baseCtx), client.ID)
		ctx = tracing.WithRequestID(ctx, req.ID)

		response := s.router.RouteRequest(ctx, req)
		observability.RecordGatewayRequest("/ws", rpcStatus(response))
		if err := client.WriteJSON(response); err != nil {
			s.logger.Error().
				Err(err).
				Str("clientId", client.ID).
				Str("requestId", req.ID).
				Msg("Failed to send response")
		}
	}()
}

func (s *Server) handleAuthMessage(client *Client, authResp AuthResponse) {
	var result AuthResult
	s.clients.Update(client.ID, func(c *Client) {
		result = s.authHandler.HandleAuthResponse(c, authResp.Signature)
	})

	if err := client.WriteJSON(result); err != nil {
		s.logger.Error().Err(err).Str("clientId", client.ID).Msg("Failed to send auth result")
		return
	}

	if result.Success {
		s.logger.Info().Str("clientId", client.ID).Msg("Client authenticated")
		return
	}

	s.logger.Warn().
		Str("clientId", client.ID).
		Str("reason", result.Message).
		Msg("Authentication failed")

	if result.Message == "Too many failed attempts" {
		_ = client.Conn.Close()
	}
}

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

// GetConnectedClients returns information about all connected clients
func (s *Server) GetConnectedClients() []ClientInfo {
	return s.clients.GetConnectedClients()
}

func (s *Server) fail(w http.ResponseWriter, route string, status int, body ErrorResponse) {
	observability.RecordGatewayRequest(route, strconv.Itoa(status))
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func rpcStatus(resp *RPCResponse) string {
	if resp.Error != nil {
		return strconv.Itoa(resp.Error.Code)
	}
	return "ok"
}
