// Package watchdog implements inactivity-based session expiry.
//
// A Watchdog is activated for an authenticated session. While active it
// listens on an EventSource for interaction signals and keeps a single
// countdown on a Clock; every signal restarts the countdown. When the
// countdown elapses the OnIdle callback runs once and the watchdog stays
// active without a pending countdown, waiting for the caller to react
// (normally by reconfiguring with Authenticated=false).
//
// Host timers and events are injected, so the same watchdog runs against
// the real clock in the server, against the Bubble Tea event loop in the
// terminal client and against a fake clock in tests.
package watchdog

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultTimeout applies when Config.Timeout is zero.
const DefaultTimeout = 30 * time.Minute

// ErrInvalidTimeout is returned when Config.Timeout is negative.
var ErrInvalidTimeout = errors.New("watchdog: timeout must be positive")

// State is the watchdog lifecycle state.
type State int

const (
	Inactive State = iota
	Active
)

func (s State) String() string {
	if s == Active {
		return "active"
	}
	return "inactive"
}

// Config is supplied by the caller on every (re)configuration.
type Config struct {
	Authenticated bool
	OnIdle        func()
	// Timeout is the idle period. Zero selects DefaultTimeout.
	Timeout time.Duration
}

// ChangeKind classifies observer notifications.
type ChangeKind int

const (
	Activated ChangeKind = iota
	Reset
	Fired
	Deactivated
	Rejected
)

var changeNames = map[ChangeKind]string{
	Activated:   "activated",
	Reset:       "reset",
	Fired:       "fired",
	Deactivated: "deactivated",
	Rejected:    "rejected",
}

func (k ChangeKind) String() string {
	if n, ok := changeNames[k]; ok {
		return n
	}
	return "unknown"
}

// Change is delivered to the observer after each state transition.
// Deadline is zero unless a countdown is pending.
type Change struct {
	Kind     ChangeKind
	At       time.Time
	Deadline time.Time
}

// Option customizes a Watchdog.
type Option func(*Watchdog)

// WithLogger sets the logger. The default discards everything.
func WithLogger(l *zap.Logger) Option {
	return func(w *Watchdog) {
		if l != nil {
			w.logger = l
		}
	}
}

// WithObserver registers fn to receive every Change. fn runs outside the
// watchdog's lock and may call back into the watchdog.
func WithObserver(fn func(Change)) Option {
	return func(w *Watchdog) {
		w.observer = fn
	}
}

// Watchdog owns one countdown and one listener set. It is safe for
// concurrent use.
type Watchdog struct {
	clock    Clock
	source   EventSource
	logger   *zap.Logger
	observer func(Change)

	mu       sync.Mutex
	cfg      Config
	timeout  time.Duration
	state    State
	timer    Timer
	gen      uint64 // bumped on every cancel so stale timer callbacks are ignored
	deadline time.Time
	unsubs   []func()
}

// New creates an inactive watchdog.
func New(clock Clock, source EventSource, opts ...Option) *Watchdog {
	w := &Watchdog{
		clock:  clock,
		source: source,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Configure is the configuration-change path: an authenticated config
// activates (or re-arms) the watchdog, an unauthenticated one deactivates it.
func (w *Watchdog) Configure(cfg Config) error {
	if !cfg.Authenticated {
		w.Deactivate()
		return nil
	}
	return w.Activate(cfg)
}

// Activate installs the listener set and starts the countdown. Activating an
// active watchdog replaces its config and restarts the countdown without
// installing listeners again. A negative timeout is rejected: the watchdog is
// left inactive and ErrInvalidTimeout is returned.
func (w *Watchdog) Activate(cfg Config) error {
	if !cfg.Authenticated {
		w.Deactivate()
		return nil
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	if timeout < 0 {
		w.logger.Warn("rejecting watchdog config", zap.Duration("timeout", cfg.Timeout))
		w.Deactivate()
		w.notify(Change{Kind: Rejected, At: w.clock.Now()})
		return fmt.Errorf("%w: got %v", ErrInvalidTimeout, cfg.Timeout)
	}

	w.mu.Lock()
	w.cfg = cfg
	w.timeout = timeout
	kind := Reset
	if w.state == Inactive {
		w.state = Active
		w.installLocked()
		kind = Activated
	}
	ch := w.restartLocked(kind)
	w.mu.Unlock()

	if kind == Activated {
		w.logger.Debug("watchdog activated", zap.Duration("timeout", timeout))
	}
	w.notify(ch)
	return nil
}

// RecordActivity restarts the countdown. It is a no-op while inactive.
func (w *Watchdog) RecordActivity() {
	w.mu.Lock()
	if w.state != Active {
		w.mu.Unlock()
		return
	}
	ch := w.restartLocked(Reset)
	w.mu.Unlock()
	w.notify(ch)
}

// VisibilityRestored handles a hidden-to-visible transition. Timers may have
// been throttled while the host was in the background, so the countdown is
// restarted exactly as for an activity signal.
func (w *Watchdog) VisibilityRestored() {
	w.logger.Debug("visibility restored")
	w.RecordActivity()
}

// Deactivate cancels the countdown and removes every listener. Calling it on
// an inactive watchdog does nothing.
func (w *Watchdog) Deactivate() {
	w.mu.Lock()
	if w.state == Inactive {
		w.mu.Unlock()
		return
	}
	w.stopLocked()
	for _, unsub := range w.unsubs {
		unsub()
	}
	w.unsubs = nil
	w.state = Inactive
	now := w.clock.Now()
	w.mu.Unlock()

	w.logger.Debug("watchdog deactivated")
	w.notify(Change{Kind: Deactivated, At: now})
}

// State returns the lifecycle state.
func (w *Watchdog) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Pending reports whether a countdown is scheduled.
func (w *Watchdog) Pending() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.timer != nil
}

// Deadline returns when the pending countdown elapses.
func (w *Watchdog) Deadline() (time.Time, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.deadline, w.timer != nil
}

// Remaining returns the time left on the pending countdown, or zero.
func (w *Watchdog) Remaining() time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer == nil {
		return 0
	}
	if d := w.deadline.Sub(w.clock.Now()); d > 0 {
		return d
	}
	return 0
}

// Timeout returns the effective idle period of the current activation.
func (w *Watchdog) Timeout() time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.timeout
}

// Listeners returns the number of installed subscriptions.
func (w *Watchdog) Listeners() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.unsubs)
}

// installLocked subscribes to every activity signal and to visibility
// changes. Caller must hold w.mu with no listeners installed.
func (w *Watchdog) installLocked() {
	for _, sig := range ActivitySignals {
		w.unsubs = append(w.unsubs, w.source.Subscribe(sig, func(Event) {
			w.RecordActivity()
		}))
	}
	w.unsubs = append(w.unsubs, w.source.Subscribe(VisibilityChange, func(ev Event) {
		if ev.Visibility == Visible {
			w.VisibilityRestored()
		}
	}))
}

// stopLocked cancels the pending countdown. Caller must hold w.mu.
func (w *Watchdog) stopLocked() {
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	w.gen++
	w.deadline = time.Time{}
}

// restartLocked replaces the pending countdown with a fresh one. Caller must
// hold w.mu.
func (w *Watchdog) restartLocked(kind ChangeKind) Change {
	w.stopLocked()
	gen := w.gen
	now := w.clock.Now()
	w.deadline = now.Add(w.timeout)
	w.timer = w.clock.AfterFunc(w.timeout, func() {
		w.fire(gen)
	})
	return Change{Kind: kind, At: now, Deadline: w.deadline}
}

// fire runs when a countdown elapses. The timer is cleared before OnIdle is
// invoked, so a panicking callback leaves no stale countdown behind.
func (w *Watchdog) fire(gen uint64) {
	w.mu.Lock()
	if w.state != Active || gen != w.gen || w.timer == nil {
		w.mu.Unlock()
		return
	}
	w.timer = nil
	w.deadline = time.Time{}
	onIdle := w.cfg.OnIdle
	timeout := w.timeout
	now := w.clock.Now()
	w.mu.Unlock()

	w.logger.Info("idle timeout elapsed", zap.Duration("timeout", timeout))
	w.notify(Change{Kind: Fired, At: now})
	if onIdle != nil {
		onIdle()
	}
}

func (w *Watchdog) notify(ch Change) {
	if w.observer != nil {
		w.observer(ch)
	}
}
