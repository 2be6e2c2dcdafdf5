package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/idleguard/idleguard/internal/watchdog"
	"github.com/idleguard/idleguard/internal/ws"
)

const (
	reconnectBaseDelay = 1 * time.Second
	reconnectMaxDelay  = 30 * time.Second
	writeTimeout       = 10 * time.Second
	pongTimeout        = 60 * time.Second
	pingInterval       = 30 * time.Second
)

// ErrNotConnected is returned by writes while no connection is up.
var ErrNotConnected = errors.New("not connected")

// WSClient manages the WebSocket connection to an idleguard server.
type WSClient struct {
	url    string
	token  string
	logger *zap.Logger

	mu      sync.Mutex
	writeMu sync.Mutex // serialises all conn writes
	conn    *websocket.Conn
	seq     uint64
	pingCtx context.CancelFunc // cancels the active ping goroutine
}

// NewWSClient creates a client that connects to the given WebSocket URL. A
// nil logger discards output; the terminal belongs to the UI.
func NewWSClient(url, token string, logger *zap.Logger) *WSClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WSClient{url: url, token: token, logger: logger.Named("client")}
}

// Listen returns a Bubble Tea command that connects, retrying with
// exponential backoff until it succeeds or ctx is cancelled.
func (c *WSClient) Listen(ctx context.Context) tea.Cmd {
	return func() tea.Msg {
		delay := reconnectBaseDelay
		for {
			select {
			case <-ctx.Done():
				return nil
			default:
			}

			header := http.Header{}
			if c.token != "" {
				header.Set("Authorization", "Bearer "+c.token)
			}
			conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, header)
			if err != nil {
				c.logger.Debug("ws dial failed", zap.String("url", c.url), zap.Duration("retry", delay), zap.Error(err))
				select {
				case <-ctx.Done():
					return nil
				case <-time.After(delay):
				}
				delay = min(delay*2, reconnectMaxDelay)
				continue
			}

			c.mu.Lock()
			if c.pingCtx != nil {
				c.pingCtx()
			}
			pingCtx, pingCancel := context.WithCancel(ctx)
			c.conn = conn
			c.seq = 0
			c.pingCtx = pingCancel
			c.mu.Unlock()

			go c.pingLoop(pingCtx, conn)

			c.logger.Info("ws connected", zap.String("url", c.url))
			return WSConnectedMsg{}
		}
	}
}

// ReadLoop returns a Bubble Tea command that reads until one message can be
// dispatched. Re-issue it after every message it returns, except
// WSDisconnectedMsg.
func (c *WSClient) ReadLoop(ctx context.Context) tea.Cmd {
	return func() tea.Msg {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn == nil {
			return WSDisconnectedMsg{Err: ErrNotConnected}
		}

		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongTimeout))
		})
		_ = conn.SetReadDeadline(time.Now().Add(pongTimeout))

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				c.drop(conn)
				return WSDisconnectedMsg{Err: err}
			}
			_ = conn.SetReadDeadline(time.Now().Add(pongTimeout))

			var msg envelope
			if err := json.Unmarshal(data, &msg); err != nil {
				c.logger.Debug("ws undecodable frame", zap.Error(err))
				continue
			}
			c.mu.Lock()
			c.seq = msg.Seq
			c.mu.Unlock()

			if teaMsg := c.dispatch(msg); teaMsg != nil {
				return teaMsg
			}
		}
	}
}

func (c *WSClient) drop(conn *websocket.Conn) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
		if c.pingCtx != nil {
			c.pingCtx()
			c.pingCtx = nil
		}
	}
	c.mu.Unlock()
	conn.Close()
}

// pingLoop sends periodic pings on the given connection. It exits when the
// context is cancelled or the connection changes.
func (c *WSClient) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			cc := c.conn
			c.mu.Unlock()
			if cc != conn {
				return
			}
			c.writeMu.Lock()
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			err := conn.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// Login asks the server to open a session for user. The token is repeated
// in the payload for servers that were dialled without it.
func (c *WSClient) Login(user, host string) error {
	return c.send(ws.MsgLogin, ws.LoginPayload{User: user, Host: host, Token: c.token})
}

// Signal forwards one activity signal.
func (c *WSClient) Signal(sig watchdog.Signal) error {
	return c.send(ws.MsgSignal, ws.SignalPayload{Signal: sig})
}

// Visibility forwards a visibilitychange.
func (c *WSClient) Visibility(v watchdog.Visibility) error {
	return c.send(ws.MsgVisibility, ws.VisibilityPayload{State: v.String()})
}

// Logout ends this host's session.
func (c *WSClient) Logout() error {
	return c.send(ws.MsgLogout, nil)
}

// Resync asks for a fresh snapshot.
func (c *WSClient) Resync() error {
	return c.send(ws.MsgResync, nil)
}

// Cmd wraps a write in a command so the Update loop never blocks on the
// network. Failures come back as WSWriteErrMsg.
func (c *WSClient) Cmd(typ ws.MessageType, write func() error) tea.Cmd {
	return func() tea.Msg {
		if err := write(); err != nil {
			return WSWriteErrMsg{Type: typ, Err: err}
		}
		return nil
	}
}

func (c *WSClient) send(typ ws.MessageType, payload interface{}) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	msg := ws.InboundMessage{Type: typ}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encoding %s: %w", typ, err)
		}
		msg.Payload = raw
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteJSON(msg)
}

// Seq returns the last seen sequence number.
func (c *WSClient) Seq() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seq
}

// Connected reports whether a connection is up.
func (c *WSClient) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Close drops the current connection. A running ReadLoop returns
// WSDisconnectedMsg.
func (c *WSClient) Close() {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		c.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		c.drop(conn)
	}
}

func (c *WSClient) dispatch(msg envelope) tea.Msg {
	switch msg.Type {
	case ws.MsgSnapshot:
		var p ws.SnapshotPayload
		if json.Unmarshal(msg.Payload, &p) == nil {
			return WSSnapshotMsg{Payload: p}
		}
	case ws.MsgDelta:
		var p ws.DeltaPayload
		if json.Unmarshal(msg.Payload, &p) == nil {
			return WSDeltaMsg{Payload: p}
		}
	case ws.MsgSession:
		var p ws.SessionPayload
		if json.Unmarshal(msg.Payload, &p) == nil && p.State != nil {
			return WSSessionMsg{Payload: p}
		}
	case ws.MsgIdle:
		var p ws.IdlePayload
		if json.Unmarshal(msg.Payload, &p) == nil {
			return WSIdleMsg{Payload: p}
		}
	case ws.MsgLoggedOut:
		var p ws.LoggedOutPayload
		if json.Unmarshal(msg.Payload, &p) == nil {
			return WSLoggedOutMsg{Payload: p}
		}
	case ws.MsgError:
		var p ws.ErrorPayload
		if json.Unmarshal(msg.Payload, &p) == nil {
			return WSErrorMsg{Payload: p}
		}
	}
	c.logger.Debug("ws message ignored", zap.String("type", string(msg.Type)))
	return nil
}
