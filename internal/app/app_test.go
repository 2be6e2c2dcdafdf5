package app

import (
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/idleguard/idleguard/internal/client"
	"github.com/idleguard/idleguard/internal/session"
	"github.com/idleguard/idleguard/internal/views/eventlog"
	"github.com/idleguard/idleguard/internal/watchdog"
	"github.com/idleguard/idleguard/internal/watchdog/watchdogtest"
	"github.com/idleguard/idleguard/internal/ws"
)

// harness drives a Model the way the Bubble Tea runtime would, with timers
// on a fake clock. Commands are never run, so nothing touches the network.
type harness struct {
	t     *testing.T
	clock *watchdogtest.Clock
	m     Model
	queue []tea.Msg
}

func newHarness(t *testing.T, user string, timeout time.Duration) *harness {
	t.Helper()
	h := &harness{t: t, clock: watchdogtest.NewClock(time.Time{})}
	h.m = New(
		client.NewWSClient("ws://127.0.0.1:1/ws", "", nil),
		client.NewHTTPClient("http://127.0.0.1:1", ""),
		Options{User: user, Timeout: timeout, Clock: h.clock, HelpStyle: "notty"},
	)
	h.m.Host().Bind(func(msg tea.Msg) { h.queue = append(h.queue, msg) })
	h.send(tea.WindowSizeMsg{Width: 120, Height: 40})
	return h
}

func (h *harness) send(msg tea.Msg) tea.Cmd {
	next, cmd := h.m.Update(msg)
	h.m = next.(Model)
	return cmd
}

// advance moves the clock and delivers whatever timers posted.
func (h *harness) advance(d time.Duration) {
	h.clock.Advance(d)
	q := h.queue
	h.queue = nil
	for _, msg := range q {
		h.send(msg)
	}
}

func (h *harness) login() {
	h.send(client.WSSessionMsg{Payload: ws.SessionPayload{State: &session.SessionState{
		ID:          "s1",
		User:        "ada",
		Host:        HostKind,
		Status:      session.Active,
		IdleTimeout: 5 * time.Minute,
	}}})
	require.Equal(h.t, ScreenDashboard, h.m.Screen())
}

func (h *harness) deadline() time.Time {
	d, ok := h.m.wd.Deadline()
	require.True(h.t, ok, "no countdown pending")
	return d
}

func keyMsg(s string) tea.KeyMsg {
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

func TestTranslate(t *testing.T) {
	tests := []struct {
		name string
		msg  tea.Msg
		want watchdog.Event
		ok   bool
	}{
		{"key", keyMsg("a"), watchdog.Event{Signal: watchdog.KeyDown}, true},
		{"enter", tea.KeyMsg{Type: tea.KeyEnter}, watchdog.Event{Signal: watchdog.KeyDown}, true},
		{"motion", tea.MouseMsg{Action: tea.MouseActionMotion}, watchdog.Event{Signal: watchdog.PointerMove}, true},
		{"press", tea.MouseMsg{Action: tea.MouseActionPress, Button: tea.MouseButtonLeft}, watchdog.Event{Signal: watchdog.PointerDown}, true},
		{"wheel", tea.MouseMsg{Action: tea.MouseActionPress, Button: tea.MouseButtonWheelDown}, watchdog.Event{Signal: watchdog.Scroll}, true},
		{"release", tea.MouseMsg{Action: tea.MouseActionRelease, Button: tea.MouseButtonLeft}, watchdog.Event{}, false},
		{"focus", tea.FocusMsg{}, watchdog.Event{Signal: watchdog.VisibilityChange, Visibility: watchdog.Visible}, true},
		{"blur", tea.BlurMsg{}, watchdog.Event{Signal: watchdog.VisibilityChange, Visibility: watchdog.Hidden}, true},
		{"resize", tea.WindowSizeMsg{}, watchdog.Event{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Translate(tt.msg)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestHostTimerRunsWhenDelivered(t *testing.T) {
	clock := watchdogtest.NewClock(time.Time{})
	host := NewHost(clock)
	var posted []tea.Msg
	host.Bind(func(msg tea.Msg) { posted = append(posted, msg) })

	ran := 0
	host.AfterFunc(time.Second, func() { ran++ })
	clock.Advance(time.Second)

	require.Len(t, posted, 1)
	assert.Equal(t, 0, ran, "callback must wait for Update")

	msg := posted[0].(timerFiredMsg)
	assert.True(t, host.Fire(msg))
	assert.Equal(t, 1, ran)
	assert.False(t, host.Fire(msg), "a timer fires once")
	assert.Equal(t, 0, host.Pending())
}

func TestHostTimerStoppedAfterExpiry(t *testing.T) {
	clock := watchdogtest.NewClock(time.Time{})
	host := NewHost(clock)
	var posted []tea.Msg
	host.Bind(func(msg tea.Msg) { posted = append(posted, msg) })

	ran := false
	tm := host.AfterFunc(time.Second, func() { ran = true })
	clock.Advance(time.Second)
	require.Len(t, posted, 1)

	// Cancelled between expiry and delivery.
	assert.True(t, tm.Stop())
	assert.False(t, host.Fire(posted[0].(timerFiredMsg)))
	assert.False(t, ran)
	assert.False(t, tm.Stop())
}

func TestHostTimerStoppedBeforeExpiry(t *testing.T) {
	clock := watchdogtest.NewClock(time.Time{})
	host := NewHost(clock)
	var posted []tea.Msg
	host.Bind(func(msg tea.Msg) { posted = append(posted, msg) })

	tm := host.AfterFunc(time.Second, func() {})
	assert.True(t, tm.Stop())
	clock.Advance(time.Minute)
	assert.Empty(t, posted)
}

func TestLoginActivatesLocalWatchdog(t *testing.T) {
	h := newHarness(t, "ada", time.Minute)
	assert.Equal(t, watchdog.Inactive, h.m.wd.State())
	assert.Equal(t, 0, h.m.Host().Listeners())

	h.login()

	assert.Equal(t, watchdog.Active, h.m.wd.State())
	assert.Equal(t, len(watchdog.ActivitySignals)+1, h.m.Host().Listeners())
	assert.Equal(t, watchdogtest.Epoch.Add(time.Minute), h.deadline(), "local timeout overrides the server's")
}

func TestServerTimeoutAdoptedWithoutLocalOverride(t *testing.T) {
	h := newHarness(t, "ada", 0)
	h.login()
	assert.Equal(t, 5*time.Minute, h.m.wd.Timeout())
}

func TestLocalIdleLocksTerminal(t *testing.T) {
	h := newHarness(t, "ada", time.Minute)
	h.login()

	h.advance(59 * time.Second)
	assert.Equal(t, ScreenDashboard, h.m.Screen())

	h.advance(time.Second)
	assert.Equal(t, ScreenLocked, h.m.Screen())
	assert.Equal(t, session.ReasonIdle, h.m.lockReason)
	assert.Equal(t, watchdog.Inactive, h.m.wd.State())
	assert.Equal(t, 0, h.m.Host().Listeners())
	assert.Nil(t, h.m.self)

	v := h.m.View()
	assert.Contains(t, v, "LOCKED")
	assert.Contains(t, v, "1m0s without activity")
}

func TestKeyPressResetsCountdown(t *testing.T) {
	h := newHarness(t, "ada", time.Minute)
	h.login()

	h.advance(50 * time.Second)
	h.send(keyMsg("j"))
	assert.Equal(t, watchdogtest.Epoch.Add(110*time.Second), h.deadline())

	h.advance(50 * time.Second)
	assert.Equal(t, ScreenDashboard, h.m.Screen())
	h.advance(10 * time.Second)
	assert.Equal(t, ScreenLocked, h.m.Screen())
}

func TestMouseSignals(t *testing.T) {
	h := newHarness(t, "ada", time.Minute)
	h.login()
	h.advance(10 * time.Second)

	h.send(tea.MouseMsg{Action: tea.MouseActionRelease, Button: tea.MouseButtonLeft})
	assert.Equal(t, watchdogtest.Epoch.Add(time.Minute), h.deadline(), "release is not activity")

	h.send(tea.MouseMsg{Action: tea.MouseActionMotion})
	assert.Equal(t, watchdogtest.Epoch.Add(70*time.Second), h.deadline())

	h.advance(10 * time.Second)
	h.send(tea.MouseMsg{Action: tea.MouseActionPress, Button: tea.MouseButtonWheelUp})
	assert.Equal(t, watchdogtest.Epoch.Add(80*time.Second), h.deadline())
}

func TestBlurKeepsCountdownFocusResets(t *testing.T) {
	h := newHarness(t, "ada", time.Minute)
	h.login()
	h.advance(20 * time.Second)

	h.send(tea.BlurMsg{})
	assert.True(t, h.m.hidden)
	assert.Equal(t, watchdogtest.Epoch.Add(time.Minute), h.deadline())
	assert.Contains(t, h.m.statusBar.Local, "hidden")

	h.advance(20 * time.Second)
	h.send(tea.FocusMsg{})
	assert.False(t, h.m.hidden)
	assert.Equal(t, watchdogtest.Epoch.Add(100*time.Second), h.deadline())
}

func TestSignalMirroringThrottled(t *testing.T) {
	h := newHarness(t, "ada", time.Minute)

	assert.Nil(t, h.m.activity(keyMsg("a")), "nothing is mirrored while logged out")

	h.login()
	assert.NotNil(t, h.m.activity(keyMsg("a")))
	assert.Nil(t, h.m.activity(keyMsg("b")), "second keydown within a second")
	assert.NotNil(t, h.m.activity(tea.MouseMsg{Action: tea.MouseActionMotion}), "other signals are throttled separately")

	h.clock.Advance(time.Second)
	assert.NotNil(t, h.m.activity(keyMsg("c")))

	assert.NotNil(t, h.m.activity(tea.BlurMsg{}), "visibility is never throttled")
	assert.NotNil(t, h.m.activity(tea.BlurMsg{}))
}

func TestServerLogoutLocks(t *testing.T) {
	h := newHarness(t, "ada", time.Minute)
	h.login()

	h.send(client.WSLoggedOutMsg{Payload: ws.LoggedOutPayload{SessionID: "other", Reason: session.ReasonForced}})
	assert.Equal(t, ScreenDashboard, h.m.Screen())

	h.send(client.WSLoggedOutMsg{Payload: ws.LoggedOutPayload{SessionID: "s1", Reason: session.ReasonForced}})
	assert.Equal(t, ScreenLocked, h.m.Screen())
	assert.Equal(t, watchdog.Inactive, h.m.wd.State())
	assert.Contains(t, h.m.View(), "by an operator")

	// Timers from the old activation never lock twice.
	h.advance(time.Hour)
	assert.Equal(t, session.ReasonForced, h.m.lockReason)
}

func TestLogoutKeyLocks(t *testing.T) {
	h := newHarness(t, "ada", time.Minute)
	h.login()

	cmd := h.send(tea.KeyMsg{Type: tea.KeyCtrlL})
	assert.NotNil(t, cmd)
	assert.Equal(t, ScreenLocked, h.m.Screen())
	assert.Equal(t, session.ReasonLogout, h.m.lockReason)
}

func TestLockedEnterReturnsToLogin(t *testing.T) {
	h := newHarness(t, "ada", time.Minute)
	h.login()
	h.advance(time.Minute)
	require.Equal(t, ScreenLocked, h.m.Screen())

	h.send(tea.KeyMsg{Type: tea.KeyEnter})
	assert.Equal(t, ScreenLogin, h.m.Screen())
	assert.Equal(t, "ada", h.m.input.Value())
}

func TestLoginScreenSubmit(t *testing.T) {
	h := newHarness(t, "", time.Minute)
	assert.Contains(t, h.m.View(), "connecting")

	h.send(tea.KeyMsg{Type: tea.KeyEnter})
	assert.Equal(t, "enter a user name", h.m.loginErr)

	h.m.input.SetValue("  grace ")
	cmd := h.send(tea.KeyMsg{Type: tea.KeyEnter})
	assert.Nil(t, cmd, "login waits for the connection")
	assert.Equal(t, "grace", h.m.user)
	assert.True(t, h.m.autoLogin)
	assert.Empty(t, h.m.loginErr)

	h.send(client.WSErrorMsg{Payload: ws.ErrorPayload{Message: "guard: too many logins"}})
	assert.Contains(t, h.m.View(), "too many logins")
}

func TestConnectLogsInAutomatically(t *testing.T) {
	h := newHarness(t, "ada", time.Minute)
	cmd := h.send(client.WSConnectedMsg{})
	assert.NotNil(t, cmd)
	assert.False(t, h.m.autoLogin, "auto login is consumed")
	assert.True(t, h.m.connected)
}

func TestDisconnectKeepsLocalWatchdog(t *testing.T) {
	h := newHarness(t, "ada", time.Minute)
	h.send(client.WSConnectedMsg{})
	h.login()

	h.send(client.WSDisconnectedMsg{})
	assert.Nil(t, h.m.self)
	assert.NotContains(t, h.m.sessions, "s1")
	assert.Equal(t, watchdog.Active, h.m.wd.State())
	assert.Contains(t, h.m.View(), "DISCONNECTED")
	assert.Contains(t, h.m.View(), "Reconnecting")

	h.advance(time.Minute)
	assert.Equal(t, ScreenLocked, h.m.Screen())
}

func TestSnapshotAndDelta(t *testing.T) {
	h := newHarness(t, "ada", time.Minute)
	h.login()

	h.send(client.WSSnapshotMsg{Payload: ws.SnapshotPayload{Sessions: []*session.SessionState{
		{ID: "s2", User: "grace", Status: session.Idle, Lane: 1},
	}}})
	assert.Len(t, h.m.sessions, 2, "own session is kept when the snapshot omits it")
	assert.Equal(t, 2, h.m.statusBar.Sessions)
	assert.Equal(t, 1, h.m.statusBar.Idle)

	h.send(client.WSDeltaMsg{Payload: ws.DeltaPayload{
		Updates: []*session.SessionState{{ID: "s1", User: "ada", Status: session.Hidden, SignalCount: 3}},
		Removed: []string{"s2"},
	}})
	assert.Len(t, h.m.sessions, 1)
	assert.Equal(t, session.Hidden, h.m.self.Status)
	assert.Equal(t, 3, h.m.self.SignalCount)
}

func TestOverlays(t *testing.T) {
	h := newHarness(t, "ada", time.Minute)
	h.login()

	h.send(keyMsg("e"))
	assert.Equal(t, OverlayEvents, h.m.overlay)
	assert.Contains(t, h.m.View(), "EVENT LOG")
	h.send(tea.KeyMsg{Type: tea.KeyEsc})
	assert.Equal(t, OverlayNone, h.m.overlay)

	h.send(keyMsg("?"))
	assert.Equal(t, OverlayHelp, h.m.overlay)
	assert.Contains(t, h.m.View(), "esc:close")
	h.send(tea.KeyMsg{Type: tea.KeyEsc})

	h.send(tea.KeyMsg{Type: tea.KeyEnter})
	assert.Equal(t, OverlayDetail, h.m.overlay)
	assert.True(t, h.m.detail.Self)
	assert.Nil(t, h.send(keyMsg("x")), "own session cannot be force-logged-out")
	assert.Contains(t, h.m.View(), "Session: ada")
}

func TestForceLogoutResult(t *testing.T) {
	h := newHarness(t, "ada", time.Minute)
	h.login()
	h.send(client.WSSnapshotMsg{Payload: ws.SnapshotPayload{Sessions: []*session.SessionState{
		{ID: "s1", User: "ada", Status: session.Active, Lane: 0},
		{ID: "s2", User: "grace", Status: session.Active, Lane: 1},
	}}})

	h.send(keyMsg("j"))
	h.send(tea.KeyMsg{Type: tea.KeyEnter})
	require.Equal(t, "s2", h.m.detail.Session.ID)
	assert.NotNil(t, h.send(keyMsg("x")))

	ended := &session.SessionState{ID: "s2", User: "grace", Status: session.LoggedOut, EndReason: session.ReasonForced}
	h.send(forceLogoutMsg{state: ended})
	assert.Equal(t, session.LoggedOut, h.m.sessions["s2"].Status)
	assert.Equal(t, "logged out grace", h.m.detail.Notice)
}

func TestEventLogRecordsWatchdogTransitions(t *testing.T) {
	h := newHarness(t, "ada", time.Minute)
	h.login()
	h.advance(time.Minute)

	var texts []string
	deadlines := map[string]time.Time{}
	for _, e := range h.m.events.Entries {
		texts = append(texts, e.Text)
		if e.Kind == eventlog.KindWatchdog {
			deadlines[e.Text] = e.Deadline
		}
	}
	assert.Contains(t, strings.Join(texts, "\n"), "logged in as ada")
	require.Contains(t, deadlines, "activated")
	assert.Equal(t, "12:01:00", deadlines["activated"].Format("15:04:05"))
	require.Contains(t, deadlines, "fired")
	assert.True(t, deadlines["fired"].IsZero())
	require.Contains(t, deadlines, "deactivated")
	assert.True(t, deadlines["deactivated"].IsZero())
}

func TestQuitDeactivates(t *testing.T) {
	h := newHarness(t, "ada", time.Minute)
	h.login()

	h.send(tea.KeyMsg{Type: tea.KeyCtrlC})
	assert.Equal(t, watchdog.Inactive, h.m.wd.State())
	assert.Error(t, h.m.ctx.Err())
}
