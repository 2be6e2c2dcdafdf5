package app

import (
	"sync"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/idleguard/idleguard/internal/watchdog"
)

// timerFiredMsg is posted to the program when a timer scheduled through a
// Host expires. The callback itself runs in Update.
type timerFiredMsg struct{ id uint64 }

// Host makes a Bubble Tea program the watchdog's host. It is a
// watchdog.Clock whose timers come back as messages, and a
// watchdog.EventSource fed from terminal input, so every watchdog callback
// runs on the Update goroutine.
type Host struct {
	base watchdog.Clock
	bus  *watchdog.Bus

	mu      sync.Mutex
	post    func(tea.Msg)
	nextID  uint64
	pending map[uint64]func()
}

// NewHost wraps base, which supplies the time and the underlying timers.
func NewHost(base watchdog.Clock) *Host {
	if base == nil {
		base = watchdog.RealClock()
	}
	return &Host{
		base:    base,
		bus:     watchdog.NewBus(),
		pending: make(map[uint64]func()),
	}
}

// Bind sets how expired timers reach the program, normally
// (*tea.Program).Send. Timers that expire before Bind are dropped.
func (h *Host) Bind(post func(tea.Msg)) {
	h.mu.Lock()
	h.post = post
	h.mu.Unlock()
}

func (h *Host) Now() time.Time {
	return h.base.Now()
}

func (h *Host) AfterFunc(d time.Duration, f func()) watchdog.Timer {
	h.mu.Lock()
	h.nextID++
	id := h.nextID
	h.pending[id] = f
	h.mu.Unlock()

	t := h.base.AfterFunc(d, func() { h.expire(id) })
	return &hostTimer{h: h, id: id, t: t}
}

func (h *Host) expire(id uint64) {
	h.mu.Lock()
	_, ok := h.pending[id]
	post := h.post
	h.mu.Unlock()
	if ok && post != nil {
		post(timerFiredMsg{id: id})
	}
}

// Fire runs the callback of an expired timer. It reports false if the timer
// was stopped after it expired but before the message was handled.
func (h *Host) Fire(msg timerFiredMsg) bool {
	h.mu.Lock()
	f, ok := h.pending[msg.id]
	delete(h.pending, msg.id)
	h.mu.Unlock()
	if ok {
		f()
	}
	return ok
}

// Pending returns the number of live timers.
func (h *Host) Pending() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.pending)
}

func (h *Host) Subscribe(sig watchdog.Signal, fn func(watchdog.Event)) func() {
	return h.bus.Subscribe(sig, fn)
}

// Listeners returns the number of live subscriptions.
func (h *Host) Listeners() int {
	return h.bus.Total()
}

// Publish delivers ev to subscribers, stamping it with the current time.
func (h *Host) Publish(ev watchdog.Event) {
	if ev.At.IsZero() {
		ev.At = h.Now()
	}
	h.bus.Publish(ev)
}

// Translate maps terminal input to a host signal. Key presses are keydown,
// mouse motion is mousemove, button presses are mousedown and the wheel is
// scroll. Focus reports become visibilitychange. Releases and everything
// else are not signals.
func Translate(msg tea.Msg) (watchdog.Event, bool) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return watchdog.Event{Signal: watchdog.KeyDown}, true
	case tea.MouseMsg:
		if tea.MouseEvent(msg).IsWheel() {
			return watchdog.Event{Signal: watchdog.Scroll}, true
		}
		switch msg.Action {
		case tea.MouseActionMotion:
			return watchdog.Event{Signal: watchdog.PointerMove}, true
		case tea.MouseActionPress:
			return watchdog.Event{Signal: watchdog.PointerDown}, true
		}
	case tea.FocusMsg:
		return watchdog.Event{Signal: watchdog.VisibilityChange, Visibility: watchdog.Visible}, true
	case tea.BlurMsg:
		return watchdog.Event{Signal: watchdog.VisibilityChange, Visibility: watchdog.Hidden}, true
	}
	return watchdog.Event{}, false
}

type hostTimer struct {
	h  *Host
	id uint64
	t  watchdog.Timer
}

func (t *hostTimer) Stop() bool {
	t.t.Stop()
	t.h.mu.Lock()
	defer t.h.mu.Unlock()
	_, ok := t.h.pending[t.id]
	delete(t.h.pending, t.id)
	return ok
}
