// Package guard runs one idle watchdog per logged-in session and logs
// sessions out when they go idle.
package guard

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/idleguard/idleguard/internal/session"
	"github.com/idleguard/idleguard/internal/watchdog"
)

var (
	ErrUnknownSession = errors.New("unknown session")
	ErrSessionEnded   = errors.New("session has ended")
	ErrInvalidUser    = errors.New("invalid user name")
	ErrRateLimited    = errors.New("too many logins, slow down")
	ErrClosed         = errors.New("guard is shut down")
)

const maxUserLen = 64

// Sink receives session state changes for broadcast.
type Sink interface {
	QueueUpdate(states []*session.SessionState)
	QueueRemoval(ids []string)
}

// Notifier delivers messages addressed to the host of one session.
type Notifier interface {
	NotifyIdle(state *session.SessionState)
	NotifyLoggedOut(state *session.SessionState)
}

type Options struct {
	Clock       watchdog.Clock // defaults to the real clock
	IdleTimeout time.Duration  // zero selects watchdog.DefaultTimeout
	Retention   time.Duration
	LoginRate   float64 // logins per second per remote host; zero disables
	LoginBurst  int
	Logger      *zap.Logger
}

type entry struct {
	bus *watchdog.Bus
	wd  *watchdog.Watchdog

	// mu orders arming against ending, so an ended session's watchdog is
	// never switched back on.
	mu    sync.Mutex
	ended bool
}

// Manager owns the live sessions and their watchdogs.
type Manager struct {
	clock   watchdog.Clock
	store   *session.Store
	sink    Sink
	logger  *zap.Logger
	limiter *loginLimiter

	mu        sync.Mutex
	entries   map[string]*entry
	notifier  Notifier
	timeout   time.Duration
	retention time.Duration
	closed    bool

	events      chan<- session.Event
	dropped     int
	lastDropLog time.Time
}

func NewManager(store *session.Store, sink Sink, opts Options) *Manager {
	if opts.Clock == nil {
		opts.Clock = watchdog.RealClock()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.IdleTimeout == 0 {
		opts.IdleTimeout = watchdog.DefaultTimeout
	}
	return &Manager{
		clock:     opts.Clock,
		store:     store,
		sink:      sink,
		logger:    opts.Logger.Named("guard"),
		limiter:   newLoginLimiter(opts.LoginRate, opts.LoginBurst),
		entries:   make(map[string]*entry),
		timeout:   opts.IdleTimeout,
		retention: opts.Retention,
	}
}

// SetNotifier sets who hears about idle and logged-out sessions.
func (m *Manager) SetNotifier(n Notifier) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notifier = n
}

// SetEvents configures a channel for session lifecycle events. Sends never
// block; events are dropped when the consumer falls behind. Pass nil to
// disable.
func (m *Manager) SetEvents(ch chan<- session.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = ch
}

// Login starts a session for user and activates its watchdog.
func (m *Manager) Login(user, host, remoteAddr string) (*session.SessionState, error) {
	user = strings.TrimSpace(user)
	if err := validateUser(user); err != nil {
		return nil, err
	}
	if host == "" {
		host = "browser"
	}

	now := m.clock.Now()
	if !m.limiter.allow(remoteAddr, now) {
		m.logger.Warn("login rate limited", zap.String("remote", remoteAddr))
		return nil, ErrRateLimited
	}

	id := uuid.NewString()
	e := &entry{bus: watchdog.NewBus()}
	e.wd = watchdog.New(m.clock, e.bus,
		watchdog.WithLogger(m.logger.With(zap.String("session", id))),
		watchdog.WithObserver(func(ch watchdog.Change) { m.trackDeadline(id, ch) }),
	)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	timeout := m.timeout
	m.store.Update(&session.SessionState{
		ID:             id,
		User:           user,
		Host:           host,
		RemoteAddr:     remoteAddr,
		Status:         session.Active,
		LoggedInAt:     now,
		LastActivityAt: now,
		IdleTimeout:    timeout,
	})
	m.entries[id] = e
	m.mu.Unlock()

	armed, err := m.arm(id, e, timeout, nil)
	if err != nil {
		m.mu.Lock()
		delete(m.entries, id)
		m.mu.Unlock()
		m.store.Remove(id)
		return nil, err
	}
	if !armed {
		return nil, ErrSessionEnded
	}

	state, _ := m.store.Get(id)
	m.logger.Info("session logged in",
		zap.String("session", id),
		zap.String("user", user),
		zap.String("host", host),
		zap.Duration("timeout", timeout),
	)
	m.publish(session.EventNew, state)
	return state, nil
}

// Signal delivers a host event to the session's watchdog and records it.
func (m *Manager) Signal(id string, ev watchdog.Event) (*session.SessionState, error) {
	e, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	if ev.Signal != watchdog.VisibilityChange && !ev.Signal.IsActivity() {
		return nil, fmt.Errorf("unsupported signal %d", ev.Signal)
	}
	if ev.At.IsZero() {
		ev.At = m.clock.Now()
	}

	e.bus.Publish(ev)

	state, ok := m.store.Mutate(id, func(st *session.SessionState) {
		if st.IsTerminal() {
			return
		}
		st.LastSignal = ev.Signal.String()
		st.SignalCount++
		switch {
		case ev.Signal != watchdog.VisibilityChange:
			st.LastActivityAt = ev.At
			if st.Status == session.Hidden {
				st.Status = session.Active
			}
		case ev.Visibility == watchdog.Hidden:
			st.Status = session.Hidden
		default:
			st.Status = session.Active
			st.LastActivityAt = ev.At
		}
	})
	if !ok {
		return nil, ErrUnknownSession
	}
	if state.IsTerminal() {
		// Lost a race with expiry.
		return nil, ErrSessionEnded
	}
	m.publish(session.EventUpdate, state)
	return state, nil
}

// Logout ends a session on behalf of its host or an operator.
func (m *Manager) Logout(id, reason string) (*session.SessionState, error) {
	if reason == "" {
		reason = session.ReasonLogout
	}
	return m.end(id, session.LoggedOut, reason, true)
}

// Detach ends a session whose host went away.
func (m *Manager) Detach(id string) (*session.SessionState, error) {
	return m.end(id, session.Disconnected, session.ReasonDisconnect, false)
}

// expire is the watchdog's OnIdle reaction: mark the session idle, tell the
// host, then log out, which deactivates the watchdog.
func (m *Manager) expire(id string) {
	state, ok := m.store.Mutate(id, func(st *session.SessionState) {
		if !st.IsTerminal() {
			st.Status = session.Idle
			st.IdleDeadline = nil
		}
	})
	if !ok || state.IsTerminal() {
		return
	}

	m.logger.Info("session idle", zap.String("session", id), zap.Duration("timeout", state.IdleTimeout))
	m.publish(session.EventUpdate, state)
	if n := m.getNotifier(); n != nil {
		n.NotifyIdle(state)
	}

	if _, err := m.Logout(id, session.ReasonIdle); err != nil && !errors.Is(err, ErrSessionEnded) {
		m.logger.Warn("idle logout failed", zap.String("session", id), zap.Error(err))
	}
}

func (m *Manager) end(id string, status session.Status, reason string, notify bool) (*session.SessionState, error) {
	m.mu.Lock()
	e, ok := m.entries[id]
	if ok {
		delete(m.entries, id)
	}
	n := m.notifier
	m.mu.Unlock()

	if !ok {
		return nil, m.missing(id)
	}

	e.mu.Lock()
	e.ended = true
	_ = e.wd.Configure(watchdog.Config{Authenticated: false})
	now := m.clock.Now()
	state, found := m.store.Mutate(id, func(st *session.SessionState) {
		st.Status = status
		st.EndedAt = &now
		st.EndReason = reason
		st.IdleDeadline = nil
	})
	e.mu.Unlock()
	if !found {
		return nil, ErrUnknownSession
	}

	m.logger.Info("session ended",
		zap.String("session", id),
		zap.Stringer("status", status),
		zap.String("reason", reason),
	)
	m.publish(session.EventTerminal, state)
	if notify && n != nil {
		n.NotifyLoggedOut(state)
	}
	return state, nil
}

// SetTimeout applies a new idle timeout to future sessions and re-arms every
// live watchdog with it.
func (m *Manager) SetTimeout(d time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("%w: got %v", watchdog.ErrInvalidTimeout, d)
	}

	m.mu.Lock()
	m.timeout = d
	live := make(map[string]*entry, len(m.entries))
	for id, e := range m.entries {
		live[id] = e
	}
	m.mu.Unlock()

	rearmed := 0
	for id, e := range live {
		var state *session.SessionState
		armed, err := m.arm(id, e, d, func() {
			st, ok := m.store.Mutate(id, func(st *session.SessionState) {
				if !st.IsTerminal() {
					st.IdleTimeout = d
				}
			})
			if ok && !st.IsTerminal() {
				state = st
			}
		})
		if err != nil {
			return err
		}
		if !armed {
			continue
		}
		rearmed++
		if state != nil {
			m.publish(session.EventUpdate, state)
		}
	}
	m.logger.Info("idle timeout changed", zap.Duration("timeout", d), zap.Int("sessions", rearmed))
	return nil
}

// arm activates the watchdog of a session that has not ended and then runs
// andThen, both under the entry lock. It reports false if the session ended
// first.
func (m *Manager) arm(id string, e *entry, timeout time.Duration, andThen func()) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ended {
		return false, nil
	}
	if err := e.wd.Configure(m.watchdogConfig(id, timeout)); err != nil {
		return false, err
	}
	if andThen != nil {
		andThen()
	}
	return true, nil
}

// Timeout returns the idle timeout given to new sessions.
func (m *Manager) Timeout() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.timeout
}

// SetRetention changes how long ended sessions are kept.
func (m *Manager) SetRetention(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.retention = d
}

// SetLoginLimit changes the per-host login rate.
func (m *Manager) SetLoginLimit(perSecond float64, burst int) {
	m.limiter.setLimit(perSecond, burst, m.clock.Now())
}

// Prune removes sessions that ended more than the retention window before now.
func (m *Manager) Prune(now time.Time) []string {
	m.mu.Lock()
	retention := m.retention
	m.mu.Unlock()

	removed := m.store.PruneEnded(now.Add(-retention))
	m.limiter.sweep(now)
	if len(removed) == 0 {
		return nil
	}
	if m.sink != nil {
		m.sink.QueueRemoval(removed)
	}
	for _, id := range removed {
		m.emit(session.EventRemoved, &session.SessionState{ID: id})
	}
	m.logger.Debug("pruned ended sessions", zap.Int("count", len(removed)))
	return removed
}

// Start prunes every interval until ctx is done, then closes the manager.
func (m *Manager) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.Close()
			return
		case <-ticker.C:
			m.Prune(m.clock.Now())
		}
	}
}

// Close logs out every live session and refuses new logins.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	ids := make([]string, 0, len(m.entries))
	for id := range m.entries {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		_, _ = m.end(id, session.LoggedOut, session.ReasonShutdown, true)
	}
	m.logger.Info("guard closed", zap.Int("sessions", len(ids)))
}

// Get returns a copy of one session.
func (m *Manager) Get(id string) (*session.SessionState, bool) {
	return m.store.Get(id)
}

// Sessions returns copies of all known sessions, live and recently ended.
func (m *Manager) Sessions() []*session.SessionState {
	return m.store.GetAll()
}

// Live returns the number of sessions with an active watchdog.
func (m *Manager) Live() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Listeners returns how many watchdog listeners are installed for a session.
func (m *Manager) Listeners(id string) int {
	m.mu.Lock()
	e, ok := m.entries[id]
	m.mu.Unlock()
	if !ok {
		return 0
	}
	return e.wd.Listeners()
}

func (m *Manager) watchdogConfig(id string, timeout time.Duration) watchdog.Config {
	return watchdog.Config{
		Authenticated: true,
		OnIdle:        func() { m.expire(id) },
		Timeout:       timeout,
	}
}

// trackDeadline mirrors the watchdog countdown into the stored session.
func (m *Manager) trackDeadline(id string, ch watchdog.Change) {
	m.store.Mutate(id, func(st *session.SessionState) {
		if st.IsTerminal() {
			return
		}
		if ch.Deadline.IsZero() {
			st.IdleDeadline = nil
			return
		}
		d := ch.Deadline
		st.IdleDeadline = &d
	})
}

func (m *Manager) lookup(id string) (*entry, error) {
	m.mu.Lock()
	e, ok := m.entries[id]
	m.mu.Unlock()
	if !ok {
		return nil, m.missing(id)
	}
	return e, nil
}

func (m *Manager) missing(id string) error {
	if st, ok := m.store.Get(id); ok && st.IsTerminal() {
		return ErrSessionEnded
	}
	return ErrUnknownSession
}

func (m *Manager) getNotifier() Notifier {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.notifier
}

func (m *Manager) publish(evType session.EventType, state *session.SessionState) {
	if m.sink != nil {
		m.sink.QueueUpdate([]*session.SessionState{state})
	}
	m.emit(evType, state)
}

// emit sends a session event to the events channel if configured. Dropped
// events are counted and logged at most once per 10 seconds.
func (m *Manager) emit(evType session.EventType, state *session.SessionState) {
	m.mu.Lock()
	ch := m.events
	m.mu.Unlock()
	if ch == nil {
		return
	}

	select {
	case ch <- session.Event{
		Type:        evType,
		State:       state.Clone(),
		ActiveCount: m.store.ActiveCount(),
	}:
	default:
		m.mu.Lock()
		m.dropped++
		now := m.clock.Now()
		if m.lastDropLog.IsZero() || now.Sub(m.lastDropLog) >= 10*time.Second {
			m.logger.Warn("session events dropped (channel full)", zap.Int("dropped", m.dropped))
			m.dropped = 0
			m.lastDropLog = now
		}
		m.mu.Unlock()
	}
}

func validateUser(user string) error {
	if user == "" {
		return fmt.Errorf("%w: empty", ErrInvalidUser)
	}
	if len(user) > maxUserLen {
		return fmt.Errorf("%w: longer than %d bytes", ErrInvalidUser, maxUserLen)
	}
	for _, r := range user {
		if unicode.IsControl(r) {
			return fmt.Errorf("%w: contains control characters", ErrInvalidUser)
		}
	}
	return nil
}
