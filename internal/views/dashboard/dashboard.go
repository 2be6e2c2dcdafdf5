// Package dashboard provides a status summary row and the session table
// for the idleguard terminal client.
package dashboard

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/idleguard/idleguard/internal/session"
	"github.com/idleguard/idleguard/internal/theme"
)

// Model holds the dashboard state.
type Model struct {
	Width    int
	Self     string // this host's session id, highlighted
	selected int
	sessions []*session.SessionState
	now      time.Time
}

// New creates a dashboard model.
func New() Model {
	return Model{}
}

// SetSessions updates the session list. The dashboard sorts its own copy by
// lane so callers need not pre-sort.
func (m *Model) SetSessions(sessions map[string]*session.SessionState) {
	m.sessions = make([]*session.SessionState, 0, len(sessions))
	for _, s := range sessions {
		m.sessions = append(m.sessions, s)
	}
	sort.Slice(m.sessions, func(i, j int) bool {
		if m.sessions[i].Lane != m.sessions[j].Lane {
			return m.sessions[i].Lane < m.sessions[j].Lane
		}
		return m.sessions[i].ID < m.sessions[j].ID
	})
	if m.selected >= len(m.sessions) {
		m.selected = max(0, len(m.sessions)-1)
	}
}

// SetNow sets the instant countdowns are rendered against.
func (m *Model) SetNow(now time.Time) {
	m.now = now
}

// Down moves the selection to the next row, wrapping.
func (m *Model) Down() {
	if len(m.sessions) > 0 {
		m.selected = (m.selected + 1) % len(m.sessions)
	}
}

// Up moves the selection to the previous row, wrapping.
func (m *Model) Up() {
	if len(m.sessions) > 0 {
		m.selected = (m.selected - 1 + len(m.sessions)) % len(m.sessions)
	}
}

// Selected returns the highlighted session, or nil when the table is empty.
func (m Model) Selected() *session.SessionState {
	if m.selected < len(m.sessions) {
		return m.sessions[m.selected]
	}
	return nil
}

// Counts returns the number of sessions, live (not ended) sessions, and
// sessions currently idle.
func (m Model) Counts() (total, live, idle int) {
	for _, s := range m.sessions {
		if !s.IsTerminal() {
			live++
		}
		if s.Status == session.Idle {
			idle++
		}
	}
	return len(m.sessions), live, idle
}

// View renders the full dashboard: stats row + session table.
func (m Model) View() string {
	width := m.Width
	if width < 40 {
		width = 40
	}

	sections := []string{
		m.renderStatsRow(width),
		m.renderTable(width),
	}
	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

// renderStatsRow shows per-status counts in a single row.
func (m Model) renderStatsRow(width int) string {
	counts := make(map[session.Status]int)
	signals := 0
	for _, s := range m.sessions {
		counts[s.Status]++
		signals += s.SignalCount
	}

	statStyle := lipgloss.NewStyle().Padding(0, 1)
	stats := []string{
		statStyle.Foreground(theme.ColorActive).Render(fmt.Sprintf("Active: %d", counts[session.Active])),
		statStyle.Foreground(theme.ColorHidden).Render(fmt.Sprintf("Hidden: %d", counts[session.Hidden])),
		statStyle.Foreground(theme.ColorIdle).Render(fmt.Sprintf("Idle: %d", counts[session.Idle])),
		statStyle.Foreground(theme.ColorLoggedOut).Render(
			fmt.Sprintf("Ended: %d", counts[session.LoggedOut]+counts[session.Disconnected])),
		statStyle.Foreground(theme.ColorSignal).Render(fmt.Sprintf("Signals: %s", formatCount(signals))),
	}

	content := strings.Join(stats, lipgloss.NewStyle().Foreground(theme.ColorBorder).Render(" | "))

	return lipgloss.NewStyle().
		Width(width).
		Padding(0, 1).
		BorderStyle(lipgloss.RoundedBorder()).
		BorderForeground(theme.ColorBorder).
		Render(content)
}

func (m Model) renderTable(width int) string {
	header := lipgloss.NewStyle().Bold(true).Foreground(theme.ColorBright).
		Render("  Sessions")

	if len(m.sessions) == 0 {
		return lipgloss.JoinVertical(lipgloss.Left,
			header,
			theme.StyleDimmed.Render("  No sessions"),
		)
	}

	// Column widths (fixed layout).
	colLane := 4
	colUser := 18
	colHost := 9
	colStatus := 15
	colIdle := 10
	colSignals := 8
	colLast := 12

	dimStyle := lipgloss.NewStyle().Foreground(theme.ColorDimmed)
	brightStyle := lipgloss.NewStyle().Foreground(theme.ColorBright).Bold(true)

	tableHeader := fmt.Sprintf("  %-*s %-*s %-*s %-*s %*s %*s  %-*s",
		colLane, "#",
		colUser, "User",
		colHost, "Host",
		colStatus, "Status",
		colIdle, "Idle in",
		colSignals, "Signals",
		colLast, "Last",
	)
	lines := []string{
		header,
		dimStyle.Render(tableHeader),
		dimStyle.Render("  " + strings.Repeat("─", min(width-4, colLane+colUser+colHost+colStatus+colIdle+colSignals+colLast+7))),
	}

	for i, s := range m.sessions {
		prefix := "  "
		if i == m.selected {
			prefix = "> "
		}

		lane := fmt.Sprintf("%-*d", colLane, s.Lane)

		name := s.User
		if s.ID == m.Self {
			name += " (you)"
		}
		if len(name) > colUser-1 {
			name = name[:colUser-2] + "…"
		}
		nameStyle := lipgloss.NewStyle().Width(colUser)
		if i == m.selected {
			nameStyle = nameStyle.Inherit(theme.StyleSelected)
		}
		nameStr := nameStyle.Render(name)

		hostStr := dimStyle.Width(colHost).Render(s.Host)

		st := s.Status.String()
		statusStr := lipgloss.NewStyle().Foreground(theme.StatusColor(st)).Width(colStatus).
			Render(theme.StatusGlyph(st) + " " + st)

		idleStr := brightStyle.Width(colIdle).Align(lipgloss.Right).Render(m.idleIn(s))
		sigStr := brightStyle.Width(colSignals).Align(lipgloss.Right).Render(fmt.Sprintf("%d", s.SignalCount))
		lastStr := dimStyle.Width(colLast).Render(s.LastSignal)

		lines = append(lines, fmt.Sprintf("%s%s %s %s %s %s %s  %s",
			prefix, lane, nameStr, hostStr, statusStr, idleStr, sigStr, lastStr))
	}

	return lipgloss.JoinVertical(lipgloss.Left, lines...)
}

func (m Model) idleIn(s *session.SessionState) string {
	if s.IsTerminal() {
		return s.EndReason
	}
	if s.IdleDeadline == nil {
		return "—"
	}
	return FormatRemaining(s.Remaining(m.now))
}

// FormatRemaining renders a countdown as m:ss, or h:mm:ss past an hour.
func FormatRemaining(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	d = d.Round(time.Second)
	h := int(d / time.Hour)
	mnt := int(d/time.Minute) % 60
	sec := int(d/time.Second) % 60
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, mnt, sec)
	}
	return fmt.Sprintf("%d:%02d", mnt, sec)
}

// formatCount formats large numbers with K/M suffixes.
func formatCount(n int) string {
	switch {
	case n >= 1_000_000:
		return fmt.Sprintf("%.1fM", float64(n)/1_000_000)
	case n >= 1_000:
		return fmt.Sprintf("%.1fK", float64(n)/1_000)
	default:
		return fmt.Sprintf("%d", n)
	}
}
