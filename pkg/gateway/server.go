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
	"github.com/harun/kirogate/internal/observability"
	"github.com/harun/kirogate/internal/tracing"
	"github.com/harun/kirogate/pkg/channels"
	"github.com/harun/kirogate/pkg/session"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const tracerName = "github.com/harun/kirogate/pkg/gateway"

// SessionController is the part of the session manager the gateway exposes
// over RPC.
type SessionController interface {
	Cancel(ctx context.Context, platform, conversationID string) (session.CancelOutcome, error)
	List() []session.SessionInfo
}

// Config holds server configuration
type Config struct {
	Host string
	// Port to listen on; 0 picks an ephemeral port.
	Port         int
	SharedSecret string
	// Sessions backs chat.cancel and sessions.list. Optional.
	Sessions          SessionController
	TickInterval      time.Duration
	RequestsPerMinute int
	MaxConcurrent     int
	ShutdownTimeout   time.Duration
	Logger            zerolog.Logger
}

// Server is the WebSocket chat adapter. It implements channels.Channel.
type Server struct {
	cfg         Config
	upgrader    websocket.Upgrader
	clients     *ClientRegistry
	router      *RPCRouter
	authHandler *AuthHandler
	broadcaster *EventBroadcaster
	logger      zerolog.Logger

	mu             sync.RWMutex
	dispatch       channels.DispatchFunc
	server         *http.Server
	listener       net.Listener
	ctx            context.Context
	cancel         context.CancelFunc
	isShuttingDown bool

	inFlightReqs sync.WaitGroup
	tickWG       sync.WaitGroup
}

var _ channels.Channel = (*Server)(nil)

// NewServer creates a new Gateway Server
func NewServer(cfg Config) (*Server, error) {
	if cfg.Port < 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("invalid port: %d", cfg.Port)
	}
	if cfg.SharedSecret == "" {
		return nil, fmt.Errorf("shared secret is required")
	}
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.TickInterval == 0 {
		cfg.TickInterval = 30 * time.Second
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}

	logger := cfg.Logger.With().Str("component", "gateway").Logger()
	clients := NewClientRegistry()

	s := &Server{
		cfg:         cfg,
		clients:     clients,
		router:      NewRPCRouter(),
		authHandler: NewAuthHandler(cfg.SharedSecret),
		broadcaster: NewEventBroadcaster(clients, logger),
		logger:      logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}

	s.registerBuiltinMethods()

	return s, nil
}

// Name implements channels.Channel.
func (s *Server) Name() string {
	return Platform
}

// Handler returns the HTTP handler serving /ws, /rpc, /healthz and /metrics.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/rpc", s.handleRPC)
	mux.Handle("/metrics", observability.MetricsHandler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	return mux
}

// Start binds the listener and serves in the background. Inbound chat
// messages are handed to dispatch.
func (s *Server) Start(ctx context.Context, dispatch channels.DispatchFunc) error {
	if dispatch == nil {
		return fmt.Errorf("dispatch function is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.server != nil {
		return fmt.Errorf("gateway already started")
	}

	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	s.dispatch = dispatch
	s.listener = listener
	s.ctx, s.cancel = context.WithCancel(tracing.Detach(ctx))
	s.isShuttingDown = false
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	server := s.server
	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Gateway server error")
		}
	}()

	s.startTickEmitter(s.ctx)

	s.logger.Info().Str("addr", listener.Addr().String()).Msg("Gateway server started")
	return nil
}

// Addr returns the bound address, or "" before Start.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop gracefully stops the Gateway Server. It is a no-op when not started.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.server == nil {
		s.mu.Unlock()
		return nil
	}
	s.isShuttingDown = true
	server := s.server
	cancel := s.cancel
	s.mu.Unlock()

	s.logger.Info().Msg("Shutting down Gateway Server")

	s.broadcaster.Broadcast("server.shutdown", map[string]interface{}{
		"message": "Server is shutting down",
	})

	waitCtx, waitCancel := context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
	defer waitCancel()

	done := make(chan struct{})
	go func() {
		s.inFlightReqs.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Debug().Msg("All in-flight requests completed")
	case <-waitCtx.Done():
		s.logger.Warn().Msg("Shutdown timeout reached, forcing close")
	}

	cancel()
	s.tickWG.Wait()

	for _, client := range s.clients.GetAll() {
		_ = client.Conn.Close()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	err := server.Shutdown(shutdownCtx)

	s.mu.Lock()
	s.server = nil
	s.listener = nil
	s.dispatch = nil
	s.mu.Unlock()

	if err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}

	s.logger.Info().Msg("Gateway Server stopped")
	return nil
}

// Deliver implements channels.Channel. Events for a conversation nobody is
// subscribed to are dropped.
func (s *Server) Deliver(ctx context.Context, conversationID string, ev channels.OutboundEvent) error {
	s.broadcaster.Publish(ctx, conversationID, ev)
	return nil
}

func (s *Server) startTickEmitter(ctx context.Context) {
	if s.cfg.TickInterval <= 0 {
		return
	}

	s.tickWG.Add(1)
	go func() {
		defer s.tickWG.Done()

		ticker := time.NewTicker(s.cfg.TickInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.broadcaster.Broadcast("tick", map[string]interface{}{
					"status":  "alive",
					"clients": s.clients.Count(),
				})
			}
		}
	}()
}

func (s *Server) shuttingDown() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isShuttingDown
}

func (s *Server) baseContext() context.Context {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.ctx == nil {
		return context.Background()
	}
	return s.ctx
}

func (s *Server) dispatchFunc() channels.DispatchFunc {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dispatch
}

// presentedSecret returns the secret sent with the upgrade request and how it
// was sent.
func presentedSecret(r *http.Request) (string, string) {
	if secret := r.Header.Get(SecretHeader); secret != "" {
		return secret, "header"
	}
	if secret := r.URL.Query().Get("secret"); secret != "" {
		return secret, "query"
	}
	return "", ""
}

// handleWebSocket handles WebSocket connections
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.shuttingDown() {
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}

	secret, method := presentedSecret(r)
	if method != "" && !s.authHandler.VerifySecret(secret) {
		observability.RecordGatewayAuth(method, "failure")
		s.logger.Warn().Str("ip", r.RemoteAddr).Str("method", method).Msg("Rejected connection with invalid secret")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to upgrade connection")
		return
	}

	clientID, err := gonanoid.New()
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to generate client id")
		_ = conn.Close()
		return
	}

	limiter := NewClientRateLimiterWithLimits(s.cfg.RequestsPerMinute, s.cfg.MaxConcurrent)
	client := newClient(clientID, conn, r.RemoteAddr, limiter)

	s.clients.Add(client)
	observability.SetGatewayClients(s.clients.Count())

	s.logger.Info().
		Str("client_id", clientID).
		Str("ip", r.RemoteAddr).
		Msg("Client connected")

	if method != "" {
		client.markAuthenticated()
		observability.RecordGatewayAuth(method, "success")
		err = client.WriteJSON(AuthResult{Event: "auth.success", Success: true, ClientID: clientID})
	} else {
		err = s.sendAuthChallenge(client)
	}
	if err != nil {
		s.logger.Error().Err(err).Str("client_id", clientID).Msg("Failed to send auth message")
		s.dropClient(client)
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

func (s *Server) dropClient(client *Client) {
	_ = client.Conn.Close()
	client.State = StateDisconnected
	s.clients.Remove(client.ID)
	observability.SetGatewayClients(s.clients.Count())
}

// handleClient runs the read loop of one client plus its keepalive pings.
func (s *Server) handleClient(client *Client) {
	done := make(chan struct{})
	defer func() {
		close(done)
		s.dropClient(client)
		s.logger.Info().Str("client_id", client.ID).Msg("Client disconnected")
	}()

	client.Conn.SetReadLimit(maxMessage)
	_ = client.Conn.SetReadDeadline(time.Now().Add(pongWait))
	client.Conn.SetPongHandler(func(string) error {
		return client.Conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := client.ping(); err != nil {
					return
				}
			}
		}
	}()

	for {
		_, message, err := client.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.logger.Warn().Err(err).Str("client_id", client.ID).Msg("WebSocket error")
			}
			return
		}
		_ = client.Conn.SetReadDeadline(time.Now().Add(pongWait))

		s.clients.UpdateActivity(client.ID)

		if !s.handleMessage(client, message) {
			return
		}
	}
}

// handleMessage handles a single message from a client. It returns false
// when the connection should be closed.
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
		var rpcErr *RPCError
		if errors.As(err, &rpcErr) {
			s.sendError(client, "", rpcErr.Code, rpcErr.Message)
		} else {
			s.sendError(client, "", ParseError, err.Error())
		}
		return true
	}

	release, rpcErr := client.RateLimiter.Acquire()
	if rpcErr != nil {
		s.sendError(client, req.ID, rpcErr.Code, rpcErr.Message)
		return true
	}

	s.inFlightReqs.Add(1)
	go func() {
		defer release()
		defer s.inFlightReqs.Done()

		response := s.route(withClientID(s.baseContext(), client.ID), req)
		if err := client.WriteJSON(response); err != nil {
			s.logger.Warn().
				Err(err).
				Str("client_id", client.ID).
				Str("request_id", req.ID).
				Msg("Failed to send response")
		}
	}()
	return true
}

func (s *Server) route(ctx context.Context, req *RPCRequest) *RPCResponse {
	ctx = tracing.NewRequestContext(ctx)
	ctx = tracing.WithPlatform(ctx, Platform)
	ctx, span := tracing.StartSpan(ctx, tracerName, "gateway.rpc",
		attribute.String("method", req.Method),
		attribute.String("request_id", req.ID),
	)
	defer span.End()

	logger := tracing.LoggerFromContext(ctx, s.logger)
	logger.Debug().
		Str("request_id", req.ID).
		Str("method", req.Method).
		Str("client_id", clientIDFromContext(ctx)).
		Msg("Gateway received RPC request")

	response := s.router.RouteRequest(ctx, req)
	if response.Error != nil {
		span.SetStatus(codes.Error, response.Error.Message)
	}
	return response
}

// handleRPC handles single-shot HTTP JSON-RPC requests.
func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if !s.authHandler.VerifySecret(r.Header.Get(SecretHeader)) {
		observability.RecordGatewayAuth("http", "failure")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	observability.RecordGatewayAuth("http", "success")

	body, err := io.ReadAll(io.LimitReader(r.Body, maxMessage))
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/json")

	req, err := s.router.ParseRequest(body)
	if err != nil {
		resp := errorResponse("", ParseError, err.Error())
		var rpcErr *RPCError
		if errors.As(err, &rpcErr) {
			resp.Error = rpcErr
		}
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(resp)
		return
	}

	ctx := s.baseContext()
	if traceID := r.Header.Get("X-Trace-Id"); traceID != "" {
		ctx = tracing.WithTraceID(ctx, traceID)
	}

	resp := s.route(ctx, req)

	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Error().Err(err).Msg("Failed to encode RPC response")
	}
}

// handleAuthMessage handles authentication messages
func (s *Server) handleAuthMessage(client *Client, authResp AuthResponse) bool {
	if client.Authenticated {
		return true
	}

	result := s.authHandler.HandleAuthResponse(client, authResp.Signature)

	if err := client.WriteJSON(result); err != nil {
		s.logger.Warn().Err(err).Str("client_id", client.ID).Msg("Failed to send auth result")
		return false
	}

	if result.Success {
		observability.RecordGatewayAuth("challenge", "success")
		s.logger.Info().Str("client_id", client.ID).Msg("Client authenticated")
		return true
	}

	observability.RecordGatewayAuth("challenge", "failure")
	s.logger.Warn().
		Str("client_id", client.ID).
		Str("reason", result.Message).
		Msg("Authentication failed")

	return client.AuthAttempts < maxAuthAttempts
}

// sendError sends an error response to a client
func (s *Server) sendError(client *Client, requestID string, code int, message string) {
	if err := client.WriteJSON(errorResponse(requestID, code, message)); err != nil {
		s.logger.Warn().
			Err(err).
			Str("client_id", client.ID).
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

// UnregisterMethod unregisters an RPC method handler
func (s *Server) UnregisterMethod(name string) {
	s.router.UnregisterMethod(name)
}

// GetConnectedClients returns information about all connected clients
func (s *Server) GetConnectedClients() []ClientInfo {
	return s.clients.GetConnectedClients()
}
