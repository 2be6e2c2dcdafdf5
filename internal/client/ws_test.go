package client

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

	"github.com/idleguard/idleguard/internal/session"
	"github.com/idleguard/idleguard/internal/watchdog"
	"github.com/idleguard/idleguard/internal/ws"
)

// fakeServer upgrades one connection and hands every inbound frame to
// handle, which may reply on the connection.
func fakeServer(t *testing.T, handle func(conn *websocket.Conn, msg ws.InboundMessage)) (*httptest.Server, chan http.Header) {
	t.Helper()
	headers := make(chan http.Header, 1)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		headers <- r.Header.Clone()
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			var msg ws.InboundMessage
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			handle(conn, msg)
		}
	}))
	t.Cleanup(srv.Close)
	return srv, headers
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func reply(conn *websocket.Conn, typ ws.MessageType, seq uint64, payload interface{}) {
	_ = conn.WriteJSON(ws.WSMessage{Type: typ, Seq: seq, Payload: payload})
}

func connect(t *testing.T, c *WSClient) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	require.IsType(t, WSConnectedMsg{}, c.Listen(ctx)())
	return ctx
}

func TestLoginRoundTrip(t *testing.T) {
	srv, headers := fakeServer(t, func(conn *websocket.Conn, msg ws.InboundMessage) {
		if msg.Type != ws.MsgLogin {
			return
		}
		var p ws.LoginPayload
		_ = json.Unmarshal(msg.Payload, &p)
		reply(conn, ws.MsgSession, 7, ws.SessionPayload{State: &session.SessionState{
			ID:          "s1",
			User:        p.User,
			Host:        p.Host,
			Status:      session.Active,
			IdleTimeout: time.Minute,
		}})
	})

	c := NewWSClient(wsURL(srv), "tok", nil)
	ctx := connect(t, c)
	assert.Equal(t, "Bearer tok", (<-headers).Get("Authorization"))
	assert.True(t, c.Connected())

	require.NoError(t, c.Login("ada", "terminal"))
	msg := c.ReadLoop(ctx)()

	got, ok := msg.(WSSessionMsg)
	require.True(t, ok, "got %T", msg)
	assert.Equal(t, "s1", got.Payload.State.ID)
	assert.Equal(t, "ada", got.Payload.State.User)
	assert.Equal(t, "terminal", got.Payload.State.Host)
	assert.Equal(t, time.Minute, got.Payload.State.IdleTimeout)
	assert.Equal(t, uint64(7), c.Seq())
}

func TestSignalAndVisibilityFrames(t *testing.T) {
	frames := make(chan ws.InboundMessage, 4)
	srv, _ := fakeServer(t, func(_ *websocket.Conn, msg ws.InboundMessage) {
		frames <- msg
	})

	c := NewWSClient(wsURL(srv), "", nil)
	connect(t, c)

	require.NoError(t, c.Signal(watchdog.KeyDown))
	require.NoError(t, c.Visibility(watchdog.Hidden))
	require.NoError(t, c.Logout())

	sig := <-frames
	assert.Equal(t, ws.MsgSignal, sig.Type)
	assert.JSONEq(t, `{"signal":"keydown"}`, string(sig.Payload))

	vis := <-frames
	assert.Equal(t, ws.MsgVisibility, vis.Type)
	assert.JSONEq(t, `{"state":"hidden"}`, string(vis.Payload))

	out := <-frames
	assert.Equal(t, ws.MsgLogout, out.Type)
	assert.Empty(t, out.Payload)
}

func TestDispatchServerMessages(t *testing.T) {
	srv, _ := fakeServer(t, func(conn *websocket.Conn, msg ws.InboundMessage) {
		if msg.Type != ws.MsgResync {
			return
		}
		reply(conn, "unknown", 1, nil)
		reply(conn, ws.MsgSnapshot, 2, ws.SnapshotPayload{Sessions: []*session.SessionState{{ID: "a"}}})
		reply(conn, ws.MsgDelta, 3, ws.DeltaPayload{Removed: []string{"a"}})
		reply(conn, ws.MsgIdle, 4, ws.IdlePayload{SessionID: "a", TimeoutMs: 1000})
		reply(conn, ws.MsgLoggedOut, 5, ws.LoggedOutPayload{SessionID: "a", Reason: session.ReasonIdle})
		reply(conn, ws.MsgError, 6, ws.ErrorPayload{Message: "nope"})
	})

	c := NewWSClient(wsURL(srv), "", nil)
	ctx := connect(t, c)
	require.NoError(t, c.Resync())

	read := c.ReadLoop(ctx)
	snap, ok := read().(WSSnapshotMsg)
	require.True(t, ok)
	require.Len(t, snap.Payload.Sessions, 1)

	delta, ok := read().(WSDeltaMsg)
	require.True(t, ok)
	assert.Equal(t, []string{"a"}, delta.Payload.Removed)

	idle, ok := read().(WSIdleMsg)
	require.True(t, ok)
	assert.Equal(t, int64(1000), idle.Payload.TimeoutMs)

	out, ok := read().(WSLoggedOutMsg)
	require.True(t, ok)
	assert.Equal(t, session.ReasonIdle, out.Payload.Reason)

	errMsg, ok := read().(WSErrorMsg)
	require.True(t, ok)
	assert.Equal(t, "nope", errMsg.Payload.Message)
}

func TestCloseEndsReadLoop(t *testing.T) {
	srv, _ := fakeServer(t, func(*websocket.Conn, ws.InboundMessage) {})
	c := NewWSClient(wsURL(srv), "", nil)
	ctx := connect(t, c)

	done := make(chan interface{}, 1)
	go func() { done <- c.ReadLoop(ctx)() }()
	c.Close()

	select {
	case msg := <-done:
		assert.IsType(t, WSDisconnectedMsg{}, msg)
	case <-time.After(3 * time.Second):
		t.Fatal("ReadLoop did not return after Close")
	}
	assert.False(t, c.Connected())
	assert.ErrorIs(t, c.Signal(watchdog.KeyDown), ErrNotConnected)
}

func TestWriteCmdReportsErrors(t *testing.T) {
	c := NewWSClient("ws://127.0.0.1:1/ws", "", nil)
	msg := c.Cmd(ws.MsgSignal, func() error { return c.Signal(watchdog.Scroll) })()

	werr, ok := msg.(WSWriteErrMsg)
	require.True(t, ok)
	assert.Equal(t, ws.MsgSignal, werr.Type)
	assert.ErrorIs(t, werr.Err, ErrNotConnected)
}

func TestListenStopsOnCancel(t *testing.T) {
	c := NewWSClient("ws://127.0.0.1:1/ws", "", nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Nil(t, c.Listen(ctx)())
}
