// Package transport serves face mesh sessions over WebSocket and exposes the
// HTTP status surface.
//
// Endpoints:
//
//	GET /           service info (backend, device, resolution)
//	GET /health     liveness (always 200)
//	GET /readiness  readiness (503 while a component is down)
//	GET /sessions   live session summaries
//	GET /metrics    aggregated metrics of live sessions
//	GET /ws         session WebSocket (query string = per-session overrides)
//
// Each connection runs three goroutines:
//
//	read loop   decode client messages → Session (this goroutine)
//	write loop  Outbox.Next → encode → WriteMessage
//	ping loop   periodic WriteControl(ping); pongs extend the read deadline
//
// A read or write failure tears the session down.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/e7canasta/orion-care-sensor/modules/facemesh/internal/config"
	"github.com/e7canasta/orion-care-sensor/modules/facemesh/internal/health"
	"github.com/e7canasta/orion-care-sensor/modules/facemesh/internal/protocol"
	"github.com/e7canasta/orion-care-sensor/modules/facemesh/internal/session"
	"github.com/e7canasta/orion-care-sensor/modules/facemesh/internal/types"
)

// Config holds transport settings
type Config struct {
	BinaryFormat   bool
	MaxMessageSize int64
	PingInterval   time.Duration
	PingTimeout    time.Duration
	WriteTimeout   time.Duration
	OutboxSize     int

	// Service info reported by / and connected
	Device     string
	Resolution int
	TargetFPS  int
}

// ConfigFrom derives transport settings from the service configuration
func ConfigFrom(c *config.Config) Config {
	return Config{
		BinaryFormat:   c.Socket.BinaryFormat,
		MaxMessageSize: c.Socket.MaxMessageSize,
		PingInterval:   c.PingInterval(),
		PingTimeout:    c.PingTimeout(),
		WriteTimeout:   5 * time.Second,
		OutboxSize:     c.Socket.OutboxSize,
		Device:         c.Model.Device,
		Resolution:     c.Performance.InputResolution,
		TargetFPS:      c.Performance.MaxFPS,
	}
}

// Server is the WebSocket and status HTTP handler
type Server struct {
	cfg      Config
	manager  *session.Manager
	checker  *health.Checker
	codec    protocol.Codec
	upgrader websocket.Upgrader

	mu       sync.Mutex
	conns    map[*websocket.Conn]struct{}
	wg       sync.WaitGroup
	stopping bool
}

// NewServer creates a Server
func NewServer(cfg Config, manager *session.Manager, checker *health.Checker) *Server {
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 25 * time.Second
	}
	if cfg.PingTimeout <= cfg.PingInterval {
		cfg.PingTimeout = 2 * cfg.PingInterval
	}
	return &Server{
		cfg:     cfg,
		manager: manager,
		checker: checker,
		codec:   protocol.Codec{Binary: cfg.BinaryFormat},
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			// Browser clients are served from other origins (local dev servers)
			CheckOrigin: func(*http.Request) bool { return true },
		},
		conns: make(map[*websocket.Conn]struct{}),
	}
}

// Handler returns the HTTP routes
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleIndex)
	mux.HandleFunc("GET /health", s.checker.LivenessHandler)
	mux.HandleFunc("GET /readiness", s.checker.ReadinessHandler)
	mux.HandleFunc("GET /sessions", s.handleSessions)
	mux.HandleFunc("GET /metrics", s.handleMetrics)
	mux.HandleFunc("GET /ws", s.handleWS)
	return mux
}

type indexResponse struct {
	Status    string      `json:"status"`
	ModelInfo modelInfo   `json:"model_info"`
	Config    indexConfig `json:"config"`
	Sessions  int         `json:"sessions"`
}

type modelInfo struct {
	Backend string `json:"backend"`
	Device  string `json:"device"`
}

type indexConfig struct {
	Device     string `json:"device"`
	Resolution int    `json:"resolution"`
	MaxFPS     int    `json:"max_fps"`
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	base := s.manager.Base()
	writeJSON(w, http.StatusOK, indexResponse{
		Status:    "running",
		ModelInfo: modelInfo{Backend: base.Backend, Device: s.cfg.Device},
		Config: indexConfig{
			Device:     s.cfg.Device,
			Resolution: s.cfg.Resolution,
			MaxFPS:     s.cfg.TargetFPS,
		},
		Sessions: s.manager.Count(),
	})
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.manager.List())
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.manager.Aggregate())
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	stopping := s.stopping
	s.mu.Unlock()
	if stopping {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}
	if report := s.checker.Check(r.Context()); !report.Ready() {
		slog.Warn("transport: refusing session, pipeline not ready",
			"remote_addr", r.RemoteAddr,
			"model", report.Components.Model,
			"preprocessor", report.Components.Preprocessor,
			"detector", report.Components.Detector,
		)
		http.Error(w, "model not ready", http.StatusServiceUnavailable)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied with an HTTP error
		slog.Debug("transport: upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}
	if !s.track(ws) {
		closeWith(ws, websocket.CloseGoingAway, "server shutting down")
		return
	}
	defer s.untrack(ws)

	s.serveConn(ws, r.URL.Query())
}

// serveConn runs one session until the connection ends
func (s *Server) serveConn(ws *websocket.Conn, query url.Values) {
	defer ws.Close()

	out := NewOutbox(s.cfg.OutboxSize)
	sess, err := s.manager.Open(query, out)
	if err != nil {
		s.reject(ws, err)
		return
	}
	defer s.manager.Close(sess.ID())

	p := sess.Pipeline()
	out.Emit(protocol.NewConnected(protocol.Connected{
		SessionID:  sess.ID(),
		Device:     p.Device,
		Backend:    p.Backend,
		Resolution: p.InputResolution,
		TargetFPS:  p.TargetFPS,
	}))

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.writeLoop(ws, out, sess.ID())
	}()
	go func() {
		defer wg.Done()
		s.pingLoop(ws, done)
	}()

	if err := s.readLoop(ws, sess, out); err != nil {
		slog.Info("transport: connection lost", "session_id", sess.ID(), "error", err)
	} else {
		slog.Debug("transport: client closed connection", "session_id", sess.ID())
	}

	close(done)
	out.Close()
	wg.Wait()

	if n := out.Superseded(); n > 0 {
		slog.Debug("transport: mesh updates superseded before send", "session_id", sess.ID(), "count", n)
	}
}

// reject reports a ConfigError to the client and closes the connection
func (s *Server) reject(ws *websocket.Conn, err error) {
	slog.Warn("transport: session rejected", "remote_addr", ws.RemoteAddr().String(), "error", err)

	if data, isBinary, encErr := s.codec.Encode(protocol.NewNotice(protocol.TypeError, err.Error())); encErr == nil {
		_ = ws.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
		_ = ws.WriteMessage(messageType(isBinary), data)
	}
	reason := "invalid session configuration"
	if !errors.Is(err, types.ErrConfig) {
		reason = "session setup failed"
	}
	closeWith(ws, websocket.ClosePolicyViolation, reason)
}

// readLoop decodes client messages until the connection fails or closes.
// A clean close returns nil; anything else is a TransportFailure.
func (s *Server) readLoop(ws *websocket.Conn, sess *session.Session, out *Outbox) error {
	if s.cfg.MaxMessageSize > 0 {
		ws.SetReadLimit(s.cfg.MaxMessageSize)
	}
	_ = ws.SetReadDeadline(time.Now().Add(s.cfg.PingTimeout))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(s.cfg.PingTimeout))
	})

	for {
		mt, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return types.NewError(types.KindTransportFailure, "transport.read", err)
		}
		receivedAt := time.Now()
		_ = ws.SetReadDeadline(receivedAt.Add(s.cfg.PingTimeout))

		var in protocol.Inbound
		switch mt {
		case websocket.TextMessage:
			in, err = protocol.DecodeText(data)
		case websocket.BinaryMessage:
			in, err = protocol.DecodeBinary(data)
		default:
			continue
		}
		if err != nil {
			slog.Debug("transport: malformed message", "session_id", sess.ID(), "error", err)
			out.Emit(protocol.NewNotice(protocol.TypeError, fmt.Sprintf("invalid message: %v", err)))
			continue
		}

		switch in.Type {
		case protocol.TypeFrame:
			sess.HandleFrame(in.Frame, receivedAt)
		case protocol.TypeRecalibrate:
			sess.Recalibrate()
		case protocol.TypeGetMetrics:
			sess.GetMetrics()
		case protocol.TypeResetMetrics:
			sess.ResetMetrics()
		}
	}
}

// writeLoop drains the outbox onto the connection
func (s *Server) writeLoop(ws *websocket.Conn, out *Outbox, sessionID string) {
	for {
		env, ok := out.Next()
		if !ok {
			if out.Overflowed() {
				slog.Warn("transport: client not reading, closing", "session_id", sessionID)
				closeWith(ws, websocket.ClosePolicyViolation, "outbound queue overflow")
			}
			return
		}

		data, isBinary, err := s.codec.Encode(env)
		if err != nil {
			slog.Error("transport: encode failed", "session_id", sessionID, "type", env.Type, "error", err)
			continue
		}

		_ = ws.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
		if err := ws.WriteMessage(messageType(isBinary), data); err != nil {
			slog.Debug("transport: write failed", "session_id", sessionID, "error", err)
			// Unblock the read loop
			ws.Close()
			out.Close()
			return
		}
	}
}

// pingLoop keeps the connection alive and detects dead peers
func (s *Server) pingLoop(ws *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.cfg.WriteTimeout)); err != nil {
				return
			}
		}
	}
}

func (s *Server) track(ws *websocket.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopping {
		return false
	}
	s.conns[ws] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *Server) untrack(ws *websocket.Conn) {
	s.mu.Lock()
	delete(s.conns, ws)
	s.mu.Unlock()
	s.wg.Done()
}

// Shutdown closes every WebSocket with "going away" and waits for their
// sessions to end (bounded by ctx). http.Server.Shutdown does not track
// hijacked connections, so call both.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.stopping = true
	conns := make([]*websocket.Conn, 0, len(s.conns))
	for ws := range s.conns {
		conns = append(conns, ws)
	}
	s.mu.Unlock()

	slog.Info("transport: closing sessions", "count", len(conns))
	for _, ws := range conns {
		closeWith(ws, websocket.CloseGoingAway, "server shutting down")
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("transport: shutdown: %w", ctx.Err())
	}
}

// closeWith sends a close frame and closes the connection
func closeWith(ws *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	ws.Close()
}

func messageType(isBinary bool) int {
	if isBinary {
		return websocket.BinaryMessage
	}
	return websocket.TextMessage
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("transport: write response failed", "error", err)
	}
}
