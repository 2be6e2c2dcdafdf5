package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/idleguard/idleguard/internal/config"
	"github.com/idleguard/idleguard/internal/guard"
	"github.com/idleguard/idleguard/internal/session"
	"github.com/idleguard/idleguard/internal/stats"
	"github.com/idleguard/idleguard/internal/watchdog"
	"github.com/idleguard/idleguard/internal/watchdog/watchdogtest"
)

type testEnv struct {
	clock   *watchdogtest.Clock
	manager *guard.Manager
	bc      *Broadcaster
	server  *Server
	http    *httptest.Server
}

func newTestEnv(t *testing.T, mutate func(*config.Config)) *testEnv {
	t.Helper()
	cfg := config.Default()
	if mutate != nil {
		mutate(cfg)
	}

	env := &testEnv{clock: watchdogtest.NewClock(time.Time{})}
	store := session.NewStore()
	env.bc = NewBroadcaster(store, 5*time.Millisecond, time.Hour, cfg.Server.MaxClients, nil)
	env.manager = guard.NewManager(store, env.bc, guard.Options{
		Clock:       env.clock,
		IdleTimeout: time.Minute,
	})
	env.server = NewServer(cfg, env.manager, env.bc, nil, nil)
	env.http = httptest.NewServer(env.server.Handler())
	t.Cleanup(func() {
		env.http.Close()
		env.manager.Close()
		env.bc.Stop()
	})
	return env
}

func (e *testEnv) dial(t *testing.T, query string) *websocket.Conn {
	t.Helper()
	u := "ws" + strings.TrimPrefix(e.http.URL, "http") + "/ws" + query
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, typ MessageType, payload any) {
	t.Helper()
	msg := map[string]any{"type": typ}
	if payload != nil {
		msg["payload"] = payload
	}
	require.NoError(t, conn.WriteJSON(msg))
}

func (e *testEnv) login(t *testing.T, conn *websocket.Conn, user string) *session.SessionState {
	t.Helper()
	send(t, conn, MsgLogin, LoginPayload{User: user, Host: "tui"})
	return decode[SessionPayload](t, readUntil(t, conn, MsgSession)).State
}

func TestIdleLogoutOverWebsocket(t *testing.T) {
	env := newTestEnv(t, nil)
	conn := env.dial(t, "")

	st := env.login(t, conn, "ana")
	assert.Equal(t, "ana", st.User)
	assert.Equal(t, session.Active, st.Status)

	send(t, conn, MsgSignal, SignalPayload{Signal: watchdog.KeyDown})
	assert.Eventually(t, func() bool {
		got, _ := env.manager.Get(st.ID)
		return got.SignalCount == 1
	}, 2*time.Second, 5*time.Millisecond)

	env.clock.Advance(time.Minute)

	idle := decode[IdlePayload](t, readUntil(t, conn, MsgIdle))
	assert.Equal(t, st.ID, idle.SessionID)
	assert.EqualValues(t, 60000, idle.TimeoutMs)

	out := decode[LoggedOutPayload](t, readUntil(t, conn, MsgLoggedOut))
	assert.Equal(t, st.ID, out.SessionID)
	assert.Equal(t, session.ReasonIdle, out.Reason)

	got, _ := env.manager.Get(st.ID)
	assert.Equal(t, session.LoggedOut, got.Status)

	// The connection can log in again.
	again := env.login(t, conn, "ana")
	assert.NotEqual(t, st.ID, again.ID)
}

func TestVisibilityAndLogoutMessages(t *testing.T) {
	env := newTestEnv(t, nil)
	conn := env.dial(t, "")
	st := env.login(t, conn, "ana")

	send(t, conn, MsgVisibility, VisibilityPayload{State: "hidden"})
	assert.Eventually(t, func() bool {
		got, _ := env.manager.Get(st.ID)
		return got.Status == session.Hidden
	}, 2*time.Second, 5*time.Millisecond)

	send(t, conn, MsgVisibility, VisibilityPayload{State: "sideways"})
	assert.Contains(t, decode[ErrorPayload](t, readUntil(t, conn, MsgError)).Message, "sideways")

	send(t, conn, MsgLogout, nil)
	out := decode[LoggedOutPayload](t, readUntil(t, conn, MsgLoggedOut))
	assert.Equal(t, session.ReasonLogout, out.Reason)

	send(t, conn, MsgLogout, nil)
	assert.Equal(t, "not logged in", decode[ErrorPayload](t, readUntil(t, conn, MsgError)).Message)
}

func TestProtocolErrorsKeepConnectionOpen(t *testing.T) {
	env := newTestEnv(t, nil)
	conn := env.dial(t, "")

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{nope")))
	assert.Equal(t, "malformed message", decode[ErrorPayload](t, readUntil(t, conn, MsgError)).Message)

	send(t, conn, "dance", nil)
	assert.Contains(t, decode[ErrorPayload](t, readUntil(t, conn, MsgError)).Message, "dance")

	send(t, conn, MsgSignal, map[string]string{"signal": "keydown"})
	assert.Equal(t, "not logged in", decode[ErrorPayload](t, readUntil(t, conn, MsgError)).Message)

	st := env.login(t, conn, "ana")
	send(t, conn, MsgLogin, LoginPayload{User: "ana"})
	assert.Equal(t, "already logged in", decode[ErrorPayload](t, readUntil(t, conn, MsgError)).Message)

	send(t, conn, MsgSignal, map[string]string{"signal": "wheel"})
	readUntil(t, conn, MsgError)

	send(t, conn, MsgResync, nil)
	snap := decode[SnapshotPayload](t, readUntil(t, conn, MsgSnapshot))
	require.Len(t, snap.Sessions, 1)
	assert.Equal(t, st.ID, snap.Sessions[0].ID)
}

func TestDisconnectDetachesSession(t *testing.T) {
	env := newTestEnv(t, nil)
	conn := env.dial(t, "")
	st := env.login(t, conn, "ana")

	conn.Close()

	assert.Eventually(t, func() bool {
		got, _ := env.manager.Get(st.ID)
		return got.Status == session.Disconnected
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, env.manager.Live())
}

func TestTokenLogin(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) { c.Server.AuthToken = "s3cret" })

	conn := env.dial(t, "")
	send(t, conn, MsgResync, nil)
	assert.Equal(t, "unauthorized", decode[ErrorPayload](t, readUntil(t, conn, MsgError)).Message)

	send(t, conn, MsgLogin, LoginPayload{User: "ana", Token: "s3cret"})
	readUntil(t, conn, MsgSession)

	bad := env.dial(t, "")
	send(t, bad, MsgLogin, LoginPayload{User: "mallory", Token: "guess"})
	assert.Equal(t, "unauthorized", decode[ErrorPayload](t, readUntil(t, bad, MsgError)).Message)
	require.NoError(t, bad.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		if _, _, err := bad.ReadMessage(); err != nil {
			break
		}
	}

	// A token in the upgrade request authorizes the connection up front.
	observer := env.dial(t, "?token=s3cret")
	readUntil(t, observer, MsgSnapshot)
}

func TestMaxClients(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) { c.Server.MaxClients = 1 })
	env.dial(t, "")
	assert.Eventually(t, func() bool { return env.bc.ClientCount() == 1 }, 2*time.Second, 5*time.Millisecond)

	u := "ws" + strings.TrimPrefix(env.http.URL, "http") + "/ws"
	_, resp, err := websocket.DefaultDialer.Dial(u, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	env.bc.SetMaxConns(2)
	env.dial(t, "")
	assert.Eventually(t, func() bool { return env.bc.ClientCount() == 2 }, 2*time.Second, 5*time.Millisecond)
}

func TestHTTPRoutes(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) { c.Server.AuthToken = "s3cret" })
	st, err := env.manager.Login("ana", "browser", "127.0.0.1:1")
	require.NoError(t, err)

	do := func(method, path string, authed bool) *http.Response {
		req, err := http.NewRequest(method, env.http.URL+path, nil)
		require.NoError(t, err)
		if authed {
			req.Header.Set("Authorization", "Bearer s3cret")
		}
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		t.Cleanup(func() { resp.Body.Close() })
		return resp
	}

	assert.Equal(t, http.StatusUnauthorized, do("GET", "/api/sessions", false).StatusCode)

	resp := do("GET", "/api/sessions", true)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var sessions []*session.SessionState
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&sessions))
	require.Len(t, sessions, 1)
	assert.Equal(t, st.ID, sessions[0].ID)

	resp = do("GET", "/api/config", true)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var view ConfigView
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&view))
	assert.EqualValues(t, 60000, view.IdleTimeoutMs)
	assert.True(t, view.AuthRequired)

	assert.Equal(t, http.StatusServiceUnavailable, do("GET", "/api/health", true).StatusCode)
	assert.Equal(t, http.StatusNotFound, do("POST", "/api/sessions/nope/logout", true).StatusCode)
	assert.Equal(t, http.StatusMethodNotAllowed, do("GET", "/api/sessions/"+st.ID+"/logout", true).StatusCode)

	resp = do("POST", "/api/sessions/"+st.ID+"/logout", true)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var ended session.SessionState
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&ended))
	assert.Equal(t, session.LoggedOut, ended.Status)
	assert.Equal(t, session.ReasonForced, ended.EndReason)

	assert.Equal(t, http.StatusConflict, do("POST", "/api/sessions/"+st.ID+"/logout", true).StatusCode)
}

func TestStatsRoute(t *testing.T) {
	for _, mask := range []bool{false, true} {
		env := newTestEnv(t, func(c *config.Config) { c.Privacy.MaskUsers = mask })

		get := func() *http.Response {
			resp, err := http.Get(env.http.URL + "/api/stats")
			require.NoError(t, err)
			t.Cleanup(func() { resp.Body.Close() })
			return resp
		}
		assert.Equal(t, http.StatusServiceUnavailable, get().StatusCode)

		tr, events, err := stats.NewTracker(stats.NewStore(t.TempDir()), nil)
		require.NoError(t, err)
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		go func() {
			tr.Run(ctx)
			close(done)
		}()
		t.Cleanup(func() {
			cancel()
			<-done
		})
		env.manager.SetEvents(events)
		env.server.SetStats(tr)

		st, err := env.manager.Login("ana", "browser", "127.0.0.1:1")
		require.NoError(t, err)
		env.clock.Advance(time.Minute)
		require.Eventually(t, func() bool { return tr.Stats().TotalIdle == 1 }, 2*time.Second, 5*time.Millisecond)

		resp := get()
		require.Equal(t, http.StatusOK, resp.StatusCode)
		var got stats.Stats
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
		assert.Equal(t, 1, got.TotalLogins)
		assert.Equal(t, 1, got.EndsPerReason[session.ReasonIdle], "session %s", st.ID)
		if mask {
			assert.Empty(t, got.LoginsPerUser)
			assert.Empty(t, got.IdlePerUser)
		} else {
			assert.Equal(t, 1, got.IdlePerUser["ana"])
		}
	}
}

func TestAuthorize(t *testing.T) {
	s := &Server{authToken: "tok"}
	tests := []struct {
		name  string
		setup func(r *http.Request)
		want  bool
	}{
		{"none", func(*http.Request) {}, false},
		{"query", func(r *http.Request) { r.URL.RawQuery = "token=tok" }, true},
		{"header", func(r *http.Request) { r.Header.Set("X-Idleguard-Token", "tok") }, true},
		{"bearer", func(r *http.Request) { r.Header.Set("Authorization", "Bearer tok") }, true},
		{"wrong bearer", func(r *http.Request) { r.Header.Set("Authorization", "Bearer nope") }, false},
		{"basic", func(r *http.Request) { r.Header.Set("Authorization", "Basic tok") }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/api/sessions", nil)
			tt.setup(r)
			assert.Equal(t, tt.want, s.authorize(r))
		})
	}

	open := &Server{}
	assert.True(t, open.authorize(httptest.NewRequest(http.MethodGet, "/", nil)))
}

func TestCheckOrigin(t *testing.T) {
	tests := []struct {
		name    string
		allowed []string
		origin  string
		want    bool
	}{
		{"no origin", nil, "", true},
		{"localhost", nil, "http://localhost:3000", true},
		{"loopback v4", nil, "http://127.0.0.1:8080", true},
		{"loopback v6", nil, "http://[::1]:8080", true},
		{"same host", nil, "http://guard.internal:8080", true},
		{"foreign", nil, "https://evil.example.com", false},
		{"allow-list hit", []string{"https://homes.example.com"}, "https://homes.example.com", true},
		{"allow-list miss", []string{"https://homes.example.com"}, "http://localhost:3000", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Default()
			cfg.Server.AllowedOrigins = tt.allowed
			store := session.NewStore()
			m := guard.NewManager(store, nil, guard.Options{})
			s := NewServer(cfg, m, nil, nil, nil)

			r := httptest.NewRequest(http.MethodGet, "http://guard.internal:8080/ws", nil)
			if tt.origin != "" {
				r.Header.Set("Origin", tt.origin)
			}
			assert.Equal(t, tt.want, s.checkOrigin(r))
		})
	}
}

func TestSecurityHeaders(t *testing.T) {
	inner := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	securityHeaders(inner).ServeHTTP(rec, req)

	want := map[string]string{
		"X-Content-Type-Options": "nosniff",
		"X-Frame-Options":        "DENY",
		"X-XSS-Protection":       "1; mode=block",
	}
	for header, expected := range want {
		if got := rec.Header().Get(header); got != expected {
			t.Errorf("header %s = %q, want %q", header, got, expected)
		}
	}
	assert.Contains(t, rec.Header().Get("Content-Security-Policy"), "default-src 'self'")
}
