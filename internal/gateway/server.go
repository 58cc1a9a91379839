// Package gateway hosts client WebSocket connections. It authenticates the
// connect handshake, feeds client actions to the session router and serves
// health and metrics over HTTP.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/soyeahso/tutorchat/internal/config"
	"github.com/soyeahso/tutorchat/internal/hooks"
	"github.com/soyeahso/tutorchat/internal/logging"
	"github.com/soyeahso/tutorchat/internal/metrics"
	"github.com/soyeahso/tutorchat/internal/protocol"
	"github.com/soyeahso/tutorchat/internal/push"
	"github.com/soyeahso/tutorchat/internal/ratelimit"
	"github.com/soyeahso/tutorchat/internal/session"
	"github.com/soyeahso/tutorchat/internal/version"
)

// errConnectRejected marks a handshake that authenticated but was refused
// by the router. It does not count against the client's IP.
var errConnectRejected = errors.New("connect rejected")

const (
	maxPayload       = 1 << 20 // 1MB
	handshakeTimeout = 10 * time.Second
	disconnectGrace  = 5 * time.Second
)

// Server is the tutorchat gateway HTTP + WebSocket server.
type Server struct {
	cfg     config.Config
	auth    ResolvedAuth
	log     *logging.Logger
	hub     *Hub
	router  *session.Router
	limiter *ratelimit.Limiter
	relay   *push.Relay
	hooks   *hooks.Manager
	version string

	startedAt  time.Time
	httpServer *http.Server
	upgrader   websocket.Upgrader
}

// ServerOption configures the gateway server.
type ServerOption func(*Server)

// WithLimiter rate limits failed handshakes per client IP.
func WithLimiter(l *ratelimit.Limiter) ServerOption {
	return func(s *Server) { s.limiter = l }
}

// WithRelay subscribes each local connection to pushes published by other
// instances.
func WithRelay(r *push.Relay) ServerOption {
	return func(s *Server) { s.relay = r }
}

// WithHooks emits gateway_start and gateway_stop.
func WithHooks(m *hooks.Manager) ServerOption {
	return func(s *Server) { s.hooks = m }
}

// New creates a gateway server. hub must be the push channel the router's
// broadcaster reaches local connections through.
func New(cfg config.Config, router *session.Router, hub *Hub, log *logging.Logger, opts ...ServerOption) *Server {
	s := &Server{
		cfg:     cfg,
		auth:    ResolveAuth(cfg.Gateway.Auth),
		log:     log.Sub("gateway"),
		hub:     hub,
		router:  router,
		version: version.Version,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     checkWebSocketOrigin(cfg.Gateway.AllowedOrigins),
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// checkWebSocketOrigin allows requests without an Origin header (non-browser
// clients) and browser origins on the allow list.
func checkWebSocketOrigin(allowed []string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, a := range allowed {
			if a == "*" || a == origin {
				return true
			}
		}
		return false
	}
}

// resolveBindAddr computes the listen address from config.
func resolveBindAddr(cfg config.GatewayConfig) string {
	switch cfg.Bind {
	case "lan":
		return fmt.Sprintf("0.0.0.0:%d", cfg.Port)
	case "custom":
		host := cfg.CustomBindHost
		if host == "" {
			host = "0.0.0.0"
		}
		return net.JoinHostPort(host, fmt.Sprint(cfg.Port))
	default:
		return fmt.Sprintf("127.0.0.1:%d", cfg.Port)
	}
}

// Start listens for HTTP and WebSocket connections. It blocks until ctx is
// cancelled or the listener fails.
func (s *Server) Start(ctx context.Context) error {
	addr := resolveBindAddr(s.cfg.Gateway)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.httpServer = &http.Server{
		Handler:     s.Handler(),
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 120 * time.Second,
		BaseContext: func(net.Listener) context.Context { return ctx },
	}
	s.startedAt = time.Now()

	if s.relay != nil {
		go func() {
			if err := s.relay.Run(ctx); err != nil {
				s.log.Warn().Err(err).Msg("push relay stopped")
			}
		}()
	}

	s.log.Info().
		Str("addr", ln.Addr().String()).
		Str("bind", s.cfg.Gateway.Bind).
		Str("auth", s.auth.Mode).
		Bool("relay", s.relay != nil).
		Msg("gateway server ready")
	s.hooks.Emit(ctx, hooks.EventGatewayStart, map[string]any{"addr": ln.Addr().String()})

	go func() {
		<-ctx.Done()
		s.log.Info().Msg("shutting down gateway server")
		s.hooks.Emit(context.WithoutCancel(ctx), hooks.EventGatewayStop, nil)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.hub.CloseAll()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func clientIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}

// handleWebSocket upgrades HTTP to WebSocket and runs the connection loop.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ip := clientIP(r.RemoteAddr)
	if s.handshakeBlocked(r.Context(), ip) {
		metrics.RateLimitHits.WithLabelValues(ratelimit.ScopeHandshake).Inc()
		s.log.Warn().Str("remote", ip).Msg("rate limited: too many failed handshakes")
		http.Error(w, "too many requests", http.StatusTooManyRequests)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error().Err(err).Msg("websocket upgrade failed")
		return
	}
	conn.SetReadLimit(maxPayload)

	client, err := s.handshake(r.Context(), conn)
	if errors.Is(err, errConnectRejected) {
		s.log.Warn().Err(err).Str("remote", ip).Msg("connect rejected")
		return
	}
	if err != nil {
		s.log.Warn().Err(err).Str("remote", ip).Msg("handshake failed")
		s.recordHandshakeFailure(r.Context(), ip)
		conn.Close()
		return
	}

	defer s.teardown(r.Context(), client)
	s.readLoop(r.Context(), client)
}

func (s *Server) handshakeBlocked(ctx context.Context, ip string) bool {
	if s.limiter == nil {
		return false
	}
	blocked, err := s.limiter.Exceeded(ctx, ratelimit.ScopeHandshake, ip)
	if err != nil {
		s.log.Warn().Err(err).Msg("handshake limiter unavailable")
		return false
	}
	return blocked
}

func (s *Server) recordHandshakeFailure(ctx context.Context, ip string) {
	if s.limiter == nil {
		return
	}
	if _, err := s.limiter.Hit(ctx, ratelimit.ScopeHandshake, ip); err != nil {
		s.log.Warn().Err(err).Msg("recording handshake failure")
	}
}

// handshake authenticates a new socket and registers it.
// Flow: server sends challenge, client sends connect, server validates,
// registers the connection and replies hello.
func (s *Server) handshake(ctx context.Context, conn *websocket.Conn) (*Client, error) {
	conn.SetReadDeadline(time.Now().Add(handshakeTimeout))

	challenge, err := protocol.NewEvent(protocol.EventChallenge, Challenge{
		Nonce: uuid.New().String(),
		TS:    time.Now().UnixMilli(),
	})
	if err != nil {
		return nil, fmt.Errorf("creating challenge: %w", err)
	}
	if err := conn.WriteJSON(challenge); err != nil {
		return nil, fmt.Errorf("sending challenge: %w", err)
	}

	_, msg, err := conn.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("reading connect: %w", err)
	}
	frame, err := protocol.Decode(msg)
	if err != nil {
		sendErrorAndClose(conn, "", "protocol_error", "malformed connect frame")
		return nil, fmt.Errorf("parsing connect frame: %w", err)
	}
	if frame.Type != protocol.FrameTypeRequest || frame.Method != MethodConnect {
		sendErrorAndClose(conn, frame.ID, "protocol_error", "expected connect request")
		return nil, fmt.Errorf("expected connect request, got type=%s method=%s", frame.Type, frame.Method)
	}

	var params ConnectParams
	if err := json.Unmarshal(frame.Params, &params); err != nil || params.UserID == "" {
		sendErrorAndClose(conn, frame.ID, session.CodeInvalidParams, "connect requires userId")
		return nil, errors.New("invalid connect params")
	}

	authResult := Authorize(s.auth, params.Auth)
	if !authResult.OK {
		sendErrorAndClose(conn, frame.ID, "unauthorized", authResult.Reason)
		return nil, fmt.Errorf("auth failed: %s", authResult.Reason)
	}
	conn.SetReadDeadline(time.Time{})

	client := NewClient(conn, params.UserID, params.Client)
	s.hub.Add(client)
	if s.relay != nil {
		if err := s.relay.Attach(ctx, client.ConnID); err != nil {
			s.log.Warn().Err(err).Str("connId", client.ConnID).Msg("relay attach failed")
		}
	}

	if err := s.router.Connect(ctx, client.ConnID, params.UserID, params.SessionID, params.Metadata); err != nil {
		client.RespondError(frame.ID, session.Shape(err))
		s.teardown(ctx, client)
		return nil, fmt.Errorf("%w: %w", errConnectRejected, err)
	}

	hello := HelloOK{
		Protocol: protocol.Version,
		Server: ServerInfo{
			Version: s.version,
			Commit:  version.Current().Commit,
			ConnID:  client.ConnID,
		},
		Features: Features{
			Actions: session.Actions,
			Events:  protocol.Events,
		},
		Policy: ServerPolicy{
			MaxPayload:      maxPayload,
			MaxMessageBytes: s.cfg.Chat.MaxMessageBytes,
		},
	}
	// A failed write surfaces in the read loop.
	client.Respond(frame.ID, hello)

	s.log.Info().
		Str("connId", client.ConnID).
		Str("userId", params.UserID).
		Str("sessionId", params.SessionID).
		Str("authMethod", authResult.Method).
		Msg("client authenticated")
	return client, nil
}

// readLoop feeds request frames to the session router until the socket
// closes.
func (s *Server) readLoop(ctx context.Context, client *Client) {
	for {
		frame, err := client.ReadFrame()
		if errors.Is(err, ErrMalformedFrame) {
			s.router.ReportError(ctx, client.ConnID, &session.ProtocolError{
				Code:    session.CodeInvalidParams,
				Message: "malformed frame",
			})
			continue
		}
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Debug().Str("connId", client.ConnID).Msg("client closed connection")
			} else {
				s.log.Debug().Err(err).Str("connId", client.ConnID).Msg("connection lost")
			}
			return
		}

		if frame.Type != protocol.FrameTypeRequest {
			s.log.Debug().Str("type", frame.Type).Msg("ignoring non-request frame")
			continue
		}
		s.dispatch(ctx, client, frame)
	}
}

// dispatch runs one client action and answers the request.
func (s *Server) dispatch(ctx context.Context, client *Client, frame Frame) {
	out, err := s.router.Dispatch(ctx, client.ConnID, frame.Method, frame.Params)
	if err != nil {
		client.RespondError(frame.ID, session.Shape(err))
		return
	}
	if out == nil {
		out = map[string]bool{"ok": true}
	}
	if err := client.Respond(frame.ID, out); err != nil {
		s.log.Warn().Err(err).Str("method", frame.Method).Msg("failed to send response")
	}
}

// teardown disconnects a client from the router and releases it locally.
// It runs with its own deadline so server shutdown still cleans the
// registry.
func (s *Server) teardown(ctx context.Context, client *Client) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), disconnectGrace)
	defer cancel()

	if err := s.router.Disconnect(ctx, client.ConnID); err != nil {
		s.log.Warn().Err(err).Str("connId", client.ConnID).Msg("disconnect failed")
	}
	if s.relay != nil {
		if err := s.relay.Detach(ctx, client.ConnID); err != nil {
			s.log.Debug().Err(err).Str("connId", client.ConnID).Msg("relay detach failed")
		}
	}
	s.hub.Remove(client.ConnID)
	client.Close()
}

// sendErrorAndClose sends an error response and closes the connection.
func sendErrorAndClose(conn *websocket.Conn, reqID, code, message string) {
	conn.WriteJSON(protocol.NewErrorResponse(reqID, ErrorShape{Code: code, Message: message}))
	conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, message))
}
