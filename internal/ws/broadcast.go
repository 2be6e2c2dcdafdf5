package ws

import (
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/idleguard/idleguard/internal/session"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = 30 * time.Second
	sendBuffer   = 64
)

var ErrTooManyClients = errors.New("too many websocket clients")

type client struct {
	conn      *websocket.Conn
	b         *Broadcaster
	send      chan []byte
	closeOnce sync.Once
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		c.b.RemoveClient(c)
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *client) close() {
	c.closeOnce.Do(func() { close(c.send) })
}

// Broadcaster fans session state out to observer clients. Updates are
// coalesced per session within the throttle window; a full snapshot goes
// out every snapshot interval.
type Broadcaster struct {
	mu       sync.RWMutex
	clients  map[*client]bool // value: receives broadcasts
	store    *session.Store
	privacy  *session.PrivacyFilter
	maxConns int
	logger   *zap.Logger
	seq      atomic.Uint64

	throttle       time.Duration
	snapshotTicker *time.Ticker
	stop           chan struct{}
	stopOnce       sync.Once

	flushMu        sync.Mutex
	pendingOrder   []string
	pendingUpdates map[string]*session.SessionState
	pendingRemoved []string
	flushTimer     *time.Timer
}

// NewBroadcaster starts the snapshot loop. maxConns <= 0 means unlimited.
func NewBroadcaster(store *session.Store, throttle, snapshotInterval time.Duration, maxConns int, logger *zap.Logger) *Broadcaster {
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &Broadcaster{
		clients:        make(map[*client]bool),
		store:          store,
		privacy:        &session.PrivacyFilter{},
		maxConns:       maxConns,
		logger:         logger.Named("broadcast"),
		throttle:       throttle,
		stop:           make(chan struct{}),
		pendingUpdates: make(map[string]*session.SessionState),
	}

	b.snapshotTicker = time.NewTicker(snapshotInterval)
	go b.snapshotLoop()

	return b
}

// AddClient registers conn and starts its write pump. Subscribed clients get
// an immediate snapshot and every later broadcast.
func (b *Broadcaster) AddClient(conn *websocket.Conn, subscribed bool) (*client, error) {
	b.mu.Lock()
	if b.maxConns > 0 && len(b.clients) >= b.maxConns {
		b.mu.Unlock()
		return nil, ErrTooManyClients
	}
	c := &client{
		conn: conn,
		b:    b,
		send: make(chan []byte, sendBuffer),
	}
	b.clients[c] = subscribed
	b.mu.Unlock()

	go c.writePump()
	if subscribed {
		b.SendSnapshot(c)
	}
	return c, nil
}

// Subscribe starts broadcasting to a client added unsubscribed.
func (b *Broadcaster) Subscribe(c *client) {
	b.mu.Lock()
	sub, ok := b.clients[c]
	if ok && !sub {
		b.clients[c] = true
	}
	b.mu.Unlock()
	if ok && !sub {
		b.SendSnapshot(c)
	}
}

func (b *Broadcaster) RemoveClient(c *client) {
	b.mu.Lock()
	if _, ok := b.clients[c]; ok {
		delete(b.clients, c)
		c.close()
	}
	b.mu.Unlock()
}

func (b *Broadcaster) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

// SetPrivacyFilter replaces the filter applied to outgoing session state.
func (b *Broadcaster) SetPrivacyFilter(f *session.PrivacyFilter) {
	if f == nil {
		f = &session.PrivacyFilter{}
	}
	b.mu.Lock()
	b.privacy = f
	b.mu.Unlock()
}

// SetMaxConns changes the client limit for later AddClient calls. Clients
// already connected stay. n <= 0 means unlimited.
func (b *Broadcaster) SetMaxConns(n int) {
	b.mu.Lock()
	b.maxConns = n
	b.mu.Unlock()
}

func (b *Broadcaster) MaxConns() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.maxConns
}

// SetThrottle changes the coalescing window for later flushes.
func (b *Broadcaster) SetThrottle(d time.Duration) {
	b.flushMu.Lock()
	b.throttle = d
	b.flushMu.Unlock()
}

// FilterSessions applies the privacy filter.
func (b *Broadcaster) FilterSessions(sessions []*session.SessionState) []*session.SessionState {
	b.mu.RLock()
	f := b.privacy
	b.mu.RUnlock()
	if f.IsNoop() {
		return sessions
	}
	return f.FilterSlice(sessions)
}

func (b *Broadcaster) maskIDs(ids []string) []string {
	b.mu.RLock()
	f := b.privacy
	b.mu.RUnlock()
	if f.IsNoop() {
		return ids
	}
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = f.MaskID(id)
	}
	return out
}

// QueueUpdate schedules states for the next delta. Several updates to one
// session within the window collapse into the latest.
func (b *Broadcaster) QueueUpdate(states []*session.SessionState) {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	for _, st := range states {
		if _, ok := b.pendingUpdates[st.ID]; !ok {
			b.pendingOrder = append(b.pendingOrder, st.ID)
		}
		b.pendingUpdates[st.ID] = st
	}
	b.armFlushLocked()
}

func (b *Broadcaster) QueueRemoval(ids []string) {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	for _, id := range ids {
		delete(b.pendingUpdates, id)
	}
	b.pendingRemoved = append(b.pendingRemoved, ids...)
	b.armFlushLocked()
}

func (b *Broadcaster) armFlushLocked() {
	if b.flushTimer == nil {
		b.flushTimer = time.AfterFunc(b.throttle, b.flush)
	}
}

func (b *Broadcaster) flush() {
	b.flushMu.Lock()
	updates := make([]*session.SessionState, 0, len(b.pendingOrder))
	for _, id := range b.pendingOrder {
		if st, ok := b.pendingUpdates[id]; ok {
			updates = append(updates, st)
		}
	}
	removed := b.pendingRemoved
	b.pendingOrder = nil
	b.pendingUpdates = make(map[string]*session.SessionState)
	b.pendingRemoved = nil
	b.flushTimer = nil
	b.flushMu.Unlock()

	if len(updates) == 0 && len(removed) == 0 {
		return
	}

	b.broadcast(MsgDelta, DeltaPayload{
		Updates: b.FilterSessions(updates),
		Removed: b.maskIDs(removed),
	})
}

func (b *Broadcaster) snapshotLoop() {
	for {
		select {
		case <-b.stop:
			return
		case <-b.snapshotTicker.C:
			b.broadcast(MsgSnapshot, b.snapshot())
		}
	}
}

func (b *Broadcaster) snapshot() SnapshotPayload {
	return SnapshotPayload{Sessions: b.FilterSessions(b.store.GetAll())}
}

// SendSnapshot sends the current filtered state to one client.
func (b *Broadcaster) SendSnapshot(c *client) {
	b.SendTo(c, MsgSnapshot, b.snapshot())
}

// SendTo queues one message for one client. It reports false if the client
// is gone or too slow, in which case it is dropped.
func (b *Broadcaster) SendTo(c *client, typ MessageType, payload interface{}) bool {
	data, err := b.encode(typ, payload)
	if err != nil {
		return false
	}
	return b.deliver(c, data)
}

func (b *Broadcaster) deliver(c *client, data []byte) bool {
	b.mu.RLock()
	_, ok := b.clients[c]
	if ok {
		select {
		case c.send <- data:
		default:
			ok = false
		}
	}
	b.mu.RUnlock()

	if !ok {
		b.logger.Warn("ws client too slow or gone, disconnecting")
		b.RemoveClient(c)
	}
	return ok
}

func (b *Broadcaster) encode(typ MessageType, payload interface{}) ([]byte, error) {
	data, err := json.Marshal(WSMessage{Type: typ, Seq: b.seq.Add(1), Payload: payload})
	if err != nil {
		b.logger.Error("broadcast marshal error", zap.String("type", string(typ)), zap.Error(err))
	}
	return data, err
}

func (b *Broadcaster) broadcast(typ MessageType, payload interface{}) {
	data, err := b.encode(typ, payload)
	if err != nil {
		return
	}

	b.mu.RLock()
	clients := make([]*client, 0, len(b.clients))
	for c, sub := range b.clients {
		if sub {
			clients = append(clients, c)
		}
	}
	b.mu.RUnlock()

	for _, c := range clients {
		b.deliver(c, data)
	}
}

// Stop ends the snapshot loop, cancels a pending flush and disconnects every
// client.
func (b *Broadcaster) Stop() {
	b.stopOnce.Do(func() {
		close(b.stop)
		b.snapshotTicker.Stop()

		b.flushMu.Lock()
		if b.flushTimer != nil {
			b.flushTimer.Stop()
			b.flushTimer = nil
		}
		b.flushMu.Unlock()

		b.mu.Lock()
		for c := range b.clients {
			delete(b.clients, c)
			c.close()
		}
		b.mu.Unlock()
	})
}
