package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"go.uber.org/zap"

	"github.com/idleguard/idleguard/internal/client"
	"github.com/idleguard/idleguard/internal/health"
	"github.com/idleguard/idleguard/internal/session"
	"github.com/idleguard/idleguard/internal/theme"
	"github.com/idleguard/idleguard/internal/views/countdown"
	"github.com/idleguard/idleguard/internal/views/dashboard"
	"github.com/idleguard/idleguard/internal/views/detail"
	"github.com/idleguard/idleguard/internal/views/eventlog"
	"github.com/idleguard/idleguard/internal/views/help"
	"github.com/idleguard/idleguard/internal/views/status"
	"github.com/idleguard/idleguard/internal/watchdog"
	"github.com/idleguard/idleguard/internal/ws"
)

// HostKind is the host name this client logs in with.
const HostKind = "tui"

// mirrorInterval caps how often one kind of signal is forwarded to the server.
const mirrorInterval = time.Second

// Screen is the top-level mode.
type Screen int

const (
	ScreenLogin Screen = iota
	ScreenDashboard
	ScreenLocked
)

// Overlay identifies which modal is active.
type Overlay int

const (
	OverlayNone Overlay = iota
	OverlayDetail
	OverlayEvents
	OverlayHelp
)

// Options configure the terminal host.
type Options struct {
	// User is prefilled on the login screen and logged in as soon as the
	// connection is up.
	User string
	// Timeout is the local idle timeout. Zero adopts the server's timeout
	// for the session.
	Timeout time.Duration
	// Clock drives the local watchdog. Nil means the real clock.
	Clock watchdog.Clock
	// HelpStyle is a glamour standard style; empty detects the terminal.
	HelpStyle string
	Logger    *zap.Logger
}

type tickMsg time.Time

type forceLogoutMsg struct {
	state *session.SessionState
	err   error
}

type configMsg struct {
	cfg *ws.ConfigView
	err error
}

type healthMsg struct {
	snap *health.Snapshot
	err  error
}

// localGuard collects what the watchdog reports during one Update so the
// model can react afterwards. The watchdog only calls into it from Update.
type localGuard struct {
	fired   bool
	changes []watchdog.Change
}

// Model is the root Bubble Tea model.
type Model struct {
	ws     *client.WSClient
	http   *client.HTTPClient
	ctx    context.Context
	cancel context.CancelFunc
	logger *zap.Logger

	host  *Host
	wd    *watchdog.Watchdog
	guard *localGuard

	keys   KeyMap
	width  int
	height int

	screen     Screen
	overlay    Overlay
	input      textinput.Model
	user       string
	autoLogin  bool
	loginErr   string
	lockReason string
	timeout    time.Duration

	// Session state.
	self     *session.SessionState
	sessions map[string]*session.SessionState
	lastSent map[watchdog.Signal]time.Time
	hidden   bool

	// Sub-views.
	statusBar status.Model
	dashboard dashboard.Model
	countdown countdown.Model
	events    eventlog.Model
	detail    detail.Model
	help      *help.Model

	// Connection state.
	connected bool
}

// New creates the root model.
func New(wsc *client.WSClient, httpc *client.HTTPClient, opts Options) Model {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())

	host := NewHost(opts.Clock)
	guard := &localGuard{}
	wd := watchdog.New(host, host,
		watchdog.WithLogger(opts.Logger.Named("watchdog")),
		watchdog.WithObserver(func(ch watchdog.Change) {
			guard.changes = append(guard.changes, ch)
		}),
	)

	input := textinput.New()
	input.Placeholder = "user name"
	input.CharLimit = 64
	input.Width = 32
	input.SetValue(opts.User)
	input.Focus()

	keys := DefaultKeyMap()
	hm := help.New(opts.HelpStyle, opts.Timeout, keys.Bindings()...)

	return Model{
		ws:        wsc,
		http:      httpc,
		ctx:       ctx,
		cancel:    cancel,
		logger:    opts.Logger,
		host:      host,
		wd:        wd,
		guard:     guard,
		keys:      keys,
		input:     input,
		user:      opts.User,
		autoLogin: opts.User != "",
		timeout:   opts.Timeout,
		sessions:  make(map[string]*session.SessionState),
		lastSent:  make(map[watchdog.Signal]time.Time),
		statusBar: status.New(),
		dashboard: dashboard.New(),
		countdown: countdown.New(),
		events:    eventlog.New(),
		help:      &hm,
	}
}

// Host returns the watchdog host so the program can be bound to it.
func (m Model) Host() *Host {
	return m.host
}

// Init starts the WebSocket connection and the animation tick.
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.ws.Listen(m.ctx), textinput.Blink, tick())
}

func tick() tea.Cmd {
	return tea.Tick(countdown.Interval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

// Update handles messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.statusBar.Width = msg.Width
		m.dashboard.Width = msg.Width
		return m, nil

	case tickMsg:
		m.refreshCountdown()
		m.countdown.Step()
		return m, tick()

	case timerFiredMsg:
		m.host.Fire(msg)
		return m.afterWatchdog(nil)

	case tea.KeyMsg:
		cmd := m.activity(msg)
		mm, keyCmd := m.handleKey(msg)
		return mm, tea.Batch(cmd, keyCmd)

	case tea.MouseMsg, tea.FocusMsg, tea.BlurMsg:
		return m.afterWatchdog(m.activity(msg))

	case client.WSConnectedMsg:
		m.connected = true
		m.statusBar.Connected = true
		m.log(eventlog.KindWS, "connected")
		cmds := []tea.Cmd{m.ws.ReadLoop(m.ctx), m.fetchConfig()}
		if m.user != "" && (m.autoLogin || m.screen == ScreenDashboard) {
			m.autoLogin = false
			cmds = append(cmds, m.loginCmd())
		}
		return m, tea.Batch(cmds...)

	case client.WSDisconnectedMsg:
		m.connected = false
		m.statusBar.Connected = false
		if msg.Err != nil {
			m.log(eventlog.KindWS, "disconnected: "+msg.Err.Error())
		} else {
			m.log(eventlog.KindWS, "disconnected")
		}
		// The server ends a session whose connection drops; a fresh one is
		// requested on reconnect while the local watchdog keeps running.
		if m.self != nil {
			delete(m.sessions, m.self.ID)
			m.self = nil
		}
		m.syncViews()
		return m, m.ws.Listen(m.ctx)

	case client.WSSessionMsg:
		m.onSession(msg.Payload.State)
		return m.afterWatchdog(m.ws.ReadLoop(m.ctx))

	case client.WSSnapshotMsg:
		m.sessions = make(map[string]*session.SessionState, len(msg.Payload.Sessions))
		for _, s := range msg.Payload.Sessions {
			m.sessions[s.ID] = s
		}
		if m.self != nil {
			if s, ok := m.sessions[m.self.ID]; ok {
				m.self = s
			} else {
				m.sessions[m.self.ID] = m.self
			}
		}
		m.syncViews()
		return m, m.ws.ReadLoop(m.ctx)

	case client.WSDeltaMsg:
		for _, s := range msg.Payload.Updates {
			m.sessions[s.ID] = s
			if m.self != nil && s.ID == m.self.ID {
				m.self = s
			}
		}
		for _, id := range msg.Payload.Removed {
			delete(m.sessions, id)
		}
		m.syncViews()
		return m, m.ws.ReadLoop(m.ctx)

	case client.WSIdleMsg:
		if m.self != nil && msg.Payload.SessionID == m.self.ID {
			m.log(eventlog.KindWatchdog, fmt.Sprintf("server reports idle after %s", time.Duration(msg.Payload.TimeoutMs)*time.Millisecond))
		}
		return m, m.ws.ReadLoop(m.ctx)

	case client.WSLoggedOutMsg:
		if m.self != nil && msg.Payload.SessionID == m.self.ID {
			m.log(eventlog.KindWS, "server ended session: "+msg.Payload.Reason)
			m.lock(msg.Payload.Reason)
			return m.afterWatchdog(m.ws.ReadLoop(m.ctx))
		}
		return m, m.ws.ReadLoop(m.ctx)

	case client.WSErrorMsg:
		m.log(eventlog.KindError, msg.Payload.Message)
		if m.screen != ScreenDashboard {
			m.loginErr = msg.Payload.Message
		}
		return m, m.ws.ReadLoop(m.ctx)

	case client.WSWriteErrMsg:
		m.log(eventlog.KindError, fmt.Sprintf("%s: %v", msg.Type, msg.Err))
		return m, nil

	case configMsg:
		if msg.err != nil {
			m.log(eventlog.KindError, "config: "+msg.err.Error())
			return m, nil
		}
		if m.timeout == 0 && m.self == nil {
			m.help.SetTimeout(time.Duration(msg.cfg.IdleTimeoutMs) * time.Millisecond)
		}
		m.log(eventlog.KindWS, fmt.Sprintf("server idle timeout %s", time.Duration(msg.cfg.IdleTimeoutMs)*time.Millisecond))
		return m, nil

	case healthMsg:
		if msg.err != nil {
			m.log(eventlog.KindError, "health: "+msg.err.Error())
			return m, nil
		}
		s := msg.snap
		m.log(eventlog.KindWS, fmt.Sprintf("server pid %d up %s rss %d MiB, %d sessions (%d live), %d clients",
			s.PID, s.Uptime, s.RSSBytes>>20, s.Sessions, s.ActiveSessions, s.Clients))
		return m, nil

	case forceLogoutMsg:
		if msg.err != nil {
			m.detail.Error = msg.err.Error()
			m.detail.Notice = ""
			return m, nil
		}
		m.detail.Error = ""
		m.detail.Notice = "logged out " + msg.state.User
		m.sessions[msg.state.ID] = msg.state
		m.detail.Session = msg.state
		m.syncViews()
		return m, nil
	}

	if m.screen != ScreenDashboard {
		var cmd tea.Cmd
		m.input, cmd = m.input.Update(msg)
		return m, cmd
	}
	return m, nil
}

// activity publishes terminal input to the local watchdog and mirrors it to
// the server while logged in.
func (m *Model) activity(msg tea.Msg) tea.Cmd {
	ev, ok := Translate(msg)
	if !ok {
		return nil
	}
	now := m.host.Now()
	ev.At = now
	m.host.Publish(ev)

	if ev.Signal == watchdog.VisibilityChange {
		m.hidden = ev.Visibility == watchdog.Hidden
		if m.self == nil {
			return nil
		}
		m.log(eventlog.KindSignal, "visibility "+ev.Visibility.String())
		wsc, vis := m.ws, ev.Visibility
		return wsc.Cmd(ws.MsgVisibility, func() error { return wsc.Visibility(vis) })
	}

	if m.self == nil {
		return nil
	}
	if last, ok := m.lastSent[ev.Signal]; ok && now.Sub(last) < mirrorInterval {
		return nil
	}
	m.lastSent[ev.Signal] = now
	m.log(eventlog.KindSignal, ev.Signal.String())
	wsc, sig := m.ws, ev.Signal
	return wsc.Cmd(ws.MsgSignal, func() error { return wsc.Signal(sig) })
}

// afterWatchdog locks the terminal if the countdown elapsed and moves
// watchdog transitions into the event log.
func (m Model) afterWatchdog(cmd tea.Cmd) (tea.Model, tea.Cmd) {
	if m.guard.fired {
		m.guard.fired = false
		if m.self != nil {
			cmd = tea.Batch(cmd, m.ws.Cmd(ws.MsgLogout, m.ws.Logout))
		}
		m.lock(session.ReasonIdle)
	}

	for _, ch := range m.guard.changes {
		m.events.Record(ch)
	}
	m.guard.changes = m.guard.changes[:0]

	m.refreshCountdown()
	return m, cmd
}

func (m *Model) onSession(st *session.SessionState) {
	m.self = st
	m.sessions[st.ID] = st
	m.screen = ScreenDashboard
	m.loginErr = ""
	m.lockReason = ""
	m.input.Blur()
	m.dashboard.Self = st.ID
	m.statusBar.User = st.User
	m.log(eventlog.KindWS, fmt.Sprintf("logged in as %s (session %s)", st.User, st.ID))

	timeout := m.timeout
	if timeout == 0 {
		timeout = st.IdleTimeout
	}
	m.help.SetTimeout(timeout)
	guard := m.guard
	err := m.wd.Activate(watchdog.Config{
		Authenticated: true,
		Timeout:       timeout,
		OnIdle:        func() { guard.fired = true },
	})
	if err != nil {
		m.log(eventlog.KindError, err.Error())
	}
	m.syncViews()
}

// lock deactivates the local watchdog and shows the lock screen.
func (m *Model) lock(reason string) {
	m.wd.Deactivate()
	m.self = nil
	m.dashboard.Self = ""
	m.statusBar.User = ""
	m.screen = ScreenLocked
	m.overlay = OverlayNone
	m.lockReason = reason
	m.input.SetValue(m.user)
	m.syncViews()
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if msg.Type == tea.KeyCtrlC {
		return m.quit()
	}

	switch m.screen {
	case ScreenLogin:
		if msg.Type == tea.KeyEnter {
			return m.submitLogin()
		}
		var cmd tea.Cmd
		m.input, cmd = m.input.Update(msg)
		return m, cmd

	case ScreenLocked:
		switch {
		case key.Matches(msg, m.keys.Enter):
			m.screen = ScreenLogin
			m.loginErr = ""
			return m, m.input.Focus()
		case key.Matches(msg, m.keys.Quit):
			return m.quit()
		}
		return m, nil
	}

	if m.overlay != OverlayNone {
		return m.handleOverlayKey(msg)
	}

	switch {
	case key.Matches(msg, m.keys.Quit):
		return m.quit()

	case key.Matches(msg, m.keys.Logout):
		m.log(eventlog.KindWS, "logging out")
		var cmd tea.Cmd
		if m.self != nil {
			cmd = m.ws.Cmd(ws.MsgLogout, m.ws.Logout)
		}
		m.lock(session.ReasonLogout)
		return m.afterWatchdog(cmd)

	case key.Matches(msg, m.keys.Down):
		m.dashboard.Down()

	case key.Matches(msg, m.keys.Up):
		m.dashboard.Up()

	case key.Matches(msg, m.keys.Enter):
		if s := m.dashboard.Selected(); s != nil {
			m.detail = detail.New(s, m.host.Now())
			m.detail.Self = m.self != nil && s.ID == m.self.ID
			m.overlay = OverlayDetail
		}

	case key.Matches(msg, m.keys.Events):
		m.overlay = OverlayEvents

	case key.Matches(msg, m.keys.Help):
		m.overlay = OverlayHelp

	case key.Matches(msg, m.keys.Resync):
		return m.afterWatchdog(m.ws.Cmd(ws.MsgResync, m.ws.Resync))

	case key.Matches(msg, m.keys.Health):
		return m.afterWatchdog(m.fetchHealth())
	}

	return m.afterWatchdog(nil)
}

func (m Model) handleOverlayKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if key.Matches(msg, m.keys.Escape) {
		m.overlay = OverlayNone
		return m.afterWatchdog(nil)
	}

	switch m.overlay {
	case OverlayEvents:
		switch {
		case key.Matches(msg, m.keys.Up):
			m.events.ScrollUp(1)
		case key.Matches(msg, m.keys.Down):
			m.events.ScrollDown(1)
		}

	case OverlayDetail:
		s := m.detail.Session
		if key.Matches(msg, m.keys.ForceLogout) && s != nil && !s.IsTerminal() && !m.detail.Self {
			id := s.ID
			httpc := m.http
			m.detail.Notice = "logging out " + s.User + "..."
			return m.afterWatchdog(func() tea.Msg {
				st, err := httpc.ForceLogout(id)
				return forceLogoutMsg{state: st, err: err}
			})
		}
	}
	return m.afterWatchdog(nil)
}

func (m Model) submitLogin() (tea.Model, tea.Cmd) {
	user := strings.TrimSpace(m.input.Value())
	if user == "" {
		m.loginErr = "enter a user name"
		return m, nil
	}
	m.user = user
	m.loginErr = ""
	if !m.connected {
		// Logged in as soon as the connection comes up.
		m.autoLogin = true
		return m, nil
	}
	return m, m.loginCmd()
}

func (m Model) loginCmd() tea.Cmd {
	wsc, user := m.ws, m.user
	return wsc.Cmd(ws.MsgLogin, func() error { return wsc.Login(user, HostKind) })
}

func (m Model) fetchConfig() tea.Cmd {
	httpc := m.http
	return func() tea.Msg {
		cfg, err := httpc.Config()
		return configMsg{cfg: cfg, err: err}
	}
}

func (m Model) fetchHealth() tea.Cmd {
	httpc := m.http
	return func() tea.Msg {
		snap, err := httpc.Health()
		return healthMsg{snap: snap, err: err}
	}
}

func (m Model) quit() (tea.Model, tea.Cmd) {
	if m.self != nil {
		if err := m.ws.Logout(); err != nil {
			m.logger.Debug("logout on quit", zap.Error(err))
		}
	}
	m.wd.Deactivate()
	m.ws.Close()
	m.cancel()
	return m, tea.Quit
}

func (m *Model) log(kind, message string) {
	m.events.Add(m.host.Now(), kind, message)
}

func (m *Model) refreshCountdown() {
	active := m.wd.State() == watchdog.Active && m.wd.Pending()
	m.countdown.Set(m.wd.Remaining(), m.wd.Timeout(), active)
	m.statusBar.Local = m.wd.State().String()
	if m.hidden && active {
		m.statusBar.Local += " (hidden)"
	}
	m.dashboard.SetNow(m.host.Now())
}

func (m *Model) syncViews() {
	m.dashboard.SetSessions(m.sessions)
	total, live, idle := m.dashboard.Counts()
	m.statusBar.SetCounts(total, live, idle)
	if m.overlay == OverlayDetail && m.detail.Session != nil {
		if s, ok := m.sessions[m.detail.Session.ID]; ok {
			m.detail.Session = s
		}
	}
}

// Screen returns the current top-level mode.
func (m Model) Screen() Screen {
	return m.screen
}

// View renders the full TUI.
func (m Model) View() string {
	if m.width == 0 || m.height == 0 {
		return "Initializing..."
	}

	switch m.screen {
	case ScreenLogin:
		return m.renderLogin()
	case ScreenLocked:
		return m.renderLocked()
	}

	sections := []string{m.statusBar.View()}
	if !m.connected {
		sections = append(sections, m.renderDisconnected())
	}
	sections = append(sections, m.countdown.View(m.width))

	switch m.overlay {
	case OverlayDetail:
		d := m.detail
		d.Now = m.host.Now()
		sections = append(sections, d.View())
	case OverlayEvents:
		sections = append(sections, m.events.View(m.width, m.height-4))
	case OverlayHelp:
		sections = append(sections, m.help.View(m.width))
	default:
		sections = append(sections,
			m.dashboard.View(),
			theme.StyleDimmed.Render("  j/k:navigate  enter:detail  e:events  i:health  r:resync  ?:help  ctrl+l:lock  q:quit"),
		)
	}

	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

func (m Model) renderDisconnected() string {
	return lipgloss.NewStyle().
		Foreground(theme.ColorDanger).
		Bold(true).
		Padding(0, 2).
		Render("DISCONNECTED · Reconnecting...")
}

func (m Model) panel(lines ...string) string {
	box := lipgloss.NewStyle().
		Padding(1, 3).
		BorderStyle(lipgloss.RoundedBorder()).
		BorderForeground(theme.ColorBorder).
		Render(lipgloss.JoinVertical(lipgloss.Left, lines...))
	return lipgloss.Place(m.width, m.height, lipgloss.Center, lipgloss.Center, box)
}

func (m Model) renderLogin() string {
	conn := lipgloss.NewStyle().Foreground(theme.ColorHealthy).Render("● connected")
	if !m.connected {
		conn = lipgloss.NewStyle().Foreground(theme.ColorDanger).Render("○ connecting...")
	}
	lines := []string{
		theme.StyleHeader.Render("idleguard"),
		"",
		"User: " + m.input.View(),
	}
	if m.loginErr != "" {
		lines = append(lines, "", theme.StyleError.Render(m.loginErr))
	}
	lines = append(lines, "", conn, theme.StyleDimmed.Render("enter:log in  ctrl+c:quit"))
	return m.panel(lines...)
}

func (m Model) renderLocked() string {
	var why string
	switch m.lockReason {
	case session.ReasonIdle:
		why = fmt.Sprintf("Logged out after %s without activity.", m.wd.Timeout())
	case session.ReasonLogout:
		why = "Logged out."
	case session.ReasonForced:
		why = "Logged out by an operator."
	default:
		why = "Session ended: " + m.lockReason
	}
	return m.panel(
		lipgloss.NewStyle().Foreground(theme.ColorIdle).Bold(true).Render("LOCKED"),
		"",
		why,
		"",
		theme.StyleDimmed.Render("enter:log in again  q:quit"),
	)
}
