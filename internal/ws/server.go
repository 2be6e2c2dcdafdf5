package ws

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/idleguard/idleguard/internal/config"
	"github.com/idleguard/idleguard/internal/guard"
	"github.com/idleguard/idleguard/internal/health"
	"github.com/idleguard/idleguard/internal/session"
	"github.com/idleguard/idleguard/internal/stats"
	"github.com/idleguard/idleguard/internal/watchdog"
)

const maxMessageSize = 4096

// hostConn is one websocket connection. Once a login succeeds it is the host
// of that session until logout, expiry or disconnect.
type hostConn struct {
	c      *client
	remote string

	mu        sync.Mutex
	authed    bool
	sessionID string
}

func (h *hostConn) session() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sessionID
}

type Server struct {
	manager     *guard.Manager
	broadcaster *Broadcaster
	health      *health.Collector
	stats       *stats.Tracker
	embedded    http.Handler
	logger      *zap.Logger

	authToken      string
	allowedOrigins map[string]bool
	allowedHosts   map[string]bool

	mu    sync.RWMutex
	cfg   *config.Config
	hosts map[string]*hostConn // session id → host connection
}

// NewServer wires the transport to the guard and registers itself as the
// guard's notifier.
func NewServer(cfg *config.Config, manager *guard.Manager, broadcaster *Broadcaster, embedded http.Handler, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		manager:        manager,
		broadcaster:    broadcaster,
		embedded:       embedded,
		logger:         logger.Named("ws"),
		authToken:      cfg.Server.AuthToken,
		allowedOrigins: make(map[string]bool),
		allowedHosts:   make(map[string]bool),
		cfg:            cfg,
		hosts:          make(map[string]*hostConn),
	}

	for _, origin := range cfg.Server.AllowedOrigins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		s.allowedOrigins[trimmed] = true
		if parsed, err := url.Parse(trimmed); err == nil && parsed.Host != "" {
			s.allowedHosts[parsed.Host] = true
		}
	}

	manager.SetNotifier(s)
	return s
}

// SetHealth enables /api/health.
func (s *Server) SetHealth(c *health.Collector) {
	s.health = c
}

// SetStats enables /api/stats.
func (s *Server) SetStats(t *stats.Tracker) {
	s.stats = t
}

// SetConfig swaps the config reported by /api/config after a reload.
func (s *Server) SetConfig(cfg *config.Config) {
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
}

// Handler returns the routes wrapped in the security headers.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", s.handleWS)
	mux.HandleFunc("GET /api/sessions", s.handleSessions)
	mux.HandleFunc("POST /api/sessions/{id}/logout", s.handleForceLogout)
	mux.HandleFunc("GET /api/config", s.handleConfig)
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /api/stats", s.handleStats)
	if s.embedded != nil {
		mux.Handle("/", s.embedded)
	}
	return securityHeaders(mux)
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, host string, port int) error {
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if limit := s.broadcaster.MaxConns(); limit > 0 && s.broadcaster.ClientCount() >= limit {
		http.Error(w, "too many clients", http.StatusServiceUnavailable)
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: s.checkOrigin,
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("ws upgrade error", zap.Error(err))
		return
	}

	// Without a token in the upgrade request the connection may only log in
	// with one; it sees no broadcasts until then.
	authed := s.authorize(r)
	c, err := s.broadcaster.AddClient(conn, authed)
	if err != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, err.Error()),
			time.Now().Add(writeWait))
		conn.Close()
		return
	}

	h := &hostConn{c: c, remote: r.RemoteAddr, authed: authed}
	s.logger.Info("ws client connected", zap.String("remote", r.RemoteAddr), zap.Bool("authorized", authed))
	go s.readPump(conn, h)
}

func (s *Server) readPump(conn *websocket.Conn, h *hostConn) {
	defer func() {
		if id := h.session(); id != "" {
			s.unbind(id)
			if _, err := s.manager.Detach(id); err != nil && !errors.Is(err, guard.ErrSessionEnded) {
				s.logger.Debug("detach", zap.String("session", id), zap.Error(err))
			}
		}
		s.broadcaster.RemoveClient(h.c)
		s.logger.Info("ws client disconnected", zap.String("remote", h.remote))
	}()

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))

		var msg InboundMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.sendError(h, "malformed message")
			continue
		}
		if !s.handleMessage(h, msg) {
			return
		}
	}
}

// handleMessage processes one inbound message. It returns false when the
// connection should be closed.
func (s *Server) handleMessage(h *hostConn, msg InboundMessage) bool {
	h.mu.Lock()
	authed := h.authed
	h.mu.Unlock()

	if !authed && msg.Type != MsgLogin {
		s.sendError(h, "unauthorized")
		return true
	}

	switch msg.Type {
	case MsgLogin:
		return s.handleLogin(h, msg.Payload)

	case MsgSignal:
		var p SignalPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			s.sendError(h, "invalid signal: "+err.Error())
			return true
		}
		if p.Signal == watchdog.VisibilityChange {
			s.sendError(h, "use a visibility message for visibilitychange")
			return true
		}
		s.signal(h, watchdog.Event{Signal: p.Signal})

	case MsgVisibility:
		var p VisibilityPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			s.sendError(h, "invalid visibility payload")
			return true
		}
		vis, err := watchdog.ParseVisibility(p.State)
		if err != nil {
			s.sendError(h, err.Error())
			return true
		}
		s.signal(h, watchdog.Event{Signal: watchdog.VisibilityChange, Visibility: vis})

	case MsgLogout:
		id := h.session()
		if id == "" {
			s.sendError(h, "not logged in")
			return true
		}
		// The guard notifies this connection, which unbinds it.
		if _, err := s.manager.Logout(id, session.ReasonLogout); err != nil {
			s.unbind(id)
			s.sendError(h, err.Error())
		}

	case MsgResync:
		s.broadcaster.SendSnapshot(h.c)

	default:
		s.sendError(h, fmt.Sprintf("unknown message type %q", msg.Type))
	}
	return true
}

func (s *Server) handleLogin(h *hostConn, raw json.RawMessage) bool {
	var p LoginPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		s.sendError(h, "invalid login payload")
		return true
	}

	h.mu.Lock()
	if !h.authed {
		if s.authToken != "" && !s.tokenMatches(p.Token) {
			h.mu.Unlock()
			s.logger.Warn("ws login with bad token", zap.String("remote", h.remote))
			s.sendError(h, "unauthorized")
			return false
		}
		h.authed = true
	}
	if h.sessionID != "" {
		h.mu.Unlock()
		s.sendError(h, "already logged in")
		return true
	}
	h.mu.Unlock()

	st, err := s.manager.Login(p.User, p.Host, h.remote)
	if err != nil {
		s.sendError(h, err.Error())
		return true
	}

	h.mu.Lock()
	h.sessionID = st.ID
	h.mu.Unlock()
	s.mu.Lock()
	s.hosts[st.ID] = h
	s.mu.Unlock()

	s.broadcaster.SendTo(h.c, MsgSession, SessionPayload{State: st})
	s.broadcaster.Subscribe(h.c)
	return true
}

func (s *Server) signal(h *hostConn, ev watchdog.Event) {
	id := h.session()
	if id == "" {
		s.sendError(h, "not logged in")
		return
	}
	if _, err := s.manager.Signal(id, ev); err != nil {
		if errors.Is(err, guard.ErrSessionEnded) || errors.Is(err, guard.ErrUnknownSession) {
			s.unbind(id)
		}
		s.sendError(h, err.Error())
	}
}

// NotifyIdle tells the host its session went idle.
func (s *Server) NotifyIdle(st *session.SessionState) {
	if h := s.host(st.ID); h != nil {
		s.broadcaster.SendTo(h.c, MsgIdle, IdlePayload{
			SessionID: st.ID,
			TimeoutMs: st.IdleTimeout.Milliseconds(),
		})
	}
}

// NotifyLoggedOut tells the host its session ended and frees the connection
// for another login.
func (s *Server) NotifyLoggedOut(st *session.SessionState) {
	h := s.unbind(st.ID)
	if h == nil {
		return
	}
	s.broadcaster.SendTo(h.c, MsgLoggedOut, LoggedOutPayload{
		SessionID: st.ID,
		Reason:    st.EndReason,
	})
}

func (s *Server) host(id string) *hostConn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.hosts[id]
}

func (s *Server) unbind(id string) *hostConn {
	s.mu.Lock()
	h := s.hosts[id]
	delete(s.hosts, id)
	s.mu.Unlock()

	if h != nil {
		h.mu.Lock()
		if h.sessionID == id {
			h.sessionID = ""
		}
		h.mu.Unlock()
	}
	return h
}

func (s *Server) sendError(h *hostConn, msg string) {
	s.broadcaster.SendTo(h.c, MsgError, ErrorPayload{Message: msg})
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	writeJSON(w, http.StatusOK, s.broadcaster.FilterSessions(s.manager.Sessions()))
}

func (s *Server) handleForceLogout(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	id := r.PathValue("id")
	st, err := s.manager.Logout(id, session.ReasonForced)
	switch {
	case errors.Is(err, guard.ErrUnknownSession):
		http.Error(w, "session not found", http.StatusNotFound)
	case errors.Is(err, guard.ErrSessionEnded):
		http.Error(w, "session has already ended", http.StatusConflict)
	case err != nil:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	default:
		s.logger.Info("session logged out by operator", zap.String("session", id), zap.String("remote", r.RemoteAddr))
		writeJSON(w, http.StatusOK, s.broadcaster.FilterSessions([]*session.SessionState{st})[0])
	}
}

// ConfigView is the part of the config clients may see.
type ConfigView struct {
	IdleTimeoutMs int64                `json:"idleTimeoutMs"`
	RetentionMs   int64                `json:"retentionMs"`
	ThrottleMs    int64                `json:"throttleMs"`
	Privacy       config.PrivacyConfig `json:"privacy"`
	AuthRequired  bool                 `json:"authRequired"`
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	s.mu.RLock()
	cfg := s.cfg
	s.mu.RUnlock()

	writeJSON(w, http.StatusOK, ConfigView{
		IdleTimeoutMs: s.manager.Timeout().Milliseconds(),
		RetentionMs:   cfg.Guard.Retention.Milliseconds(),
		ThrottleMs:    cfg.Broadcast.Throttle.Milliseconds(),
		Privacy:       cfg.Privacy,
		AuthRequired:  s.authToken != "",
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if s.health == nil {
		http.Error(w, "health not available", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, s.health.Snapshot(r.Context()))
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if s.stats == nil {
		http.Error(w, "stats not available", http.StatusServiceUnavailable)
		return
	}
	st := s.stats.Stats()
	s.mu.RLock()
	maskUsers := s.cfg.Privacy.MaskUsers
	s.mu.RUnlock()
	if maskUsers {
		st.LoginsPerUser = nil
		st.IdlePerUser = nil
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) authorize(r *http.Request) bool {
	if s.authToken == "" {
		return true
	}

	if s.tokenMatches(r.URL.Query().Get("token")) {
		return true
	}

	if s.tokenMatches(r.Header.Get("X-Idleguard-Token")) {
		return true
	}

	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") && s.tokenMatches(strings.TrimPrefix(auth, "Bearer ")) {
		return true
	}

	return false
}

func (s *Server) tokenMatches(tok string) bool {
	return tok != "" && subtle.ConstantTimeCompare([]byte(tok), []byte(s.authToken)) == 1
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	if len(s.allowedOrigins) > 0 {
		if s.allowedOrigins[origin] {
			return true
		}
		if parsed, err := url.Parse(origin); err == nil && parsed.Host != "" {
			return s.allowedHosts[parsed.Host]
		}
		return false
	}

	parsed, err := url.Parse(origin)
	if err != nil || parsed.Host == "" {
		return false
	}
	if parsed.Host == r.Host {
		return true
	}

	switch parsed.Hostname() {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return false
}

func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("X-XSS-Protection", "1; mode=block")
		h.Set("Content-Security-Policy", "default-src 'self'; connect-src 'self' ws: wss:")
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
