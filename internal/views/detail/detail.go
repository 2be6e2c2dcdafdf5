// Package detail renders the session info flyout overlay.
package detail

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/idleguard/idleguard/internal/session"
	"github.com/idleguard/idleguard/internal/theme"
)

const (
	panelWidth = 60
	barWidth   = 20
	labelWidth = 14
)

var (
	stylePanel = lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(theme.ColorBorder).
			Padding(0, 1)

	styleLabel = lipgloss.NewStyle().
			Foreground(theme.ColorDimmed).
			Width(labelWidth)

	styleValue = lipgloss.NewStyle().
			Foreground(theme.ColorBright)

	styleTitle = lipgloss.NewStyle().
			Bold(true).
			Foreground(theme.ColorBright)

	styleFooter = lipgloss.NewStyle().
			Foreground(theme.ColorDimmed)
)

// Model holds the state for the detail overlay.
type Model struct {
	Session *session.SessionState
	Now     time.Time
	Self    bool   // the session belongs to this terminal
	Notice  string // result of the last force logout
	Error   string
}

// New creates a detail model for the given session.
func New(s *session.SessionState, now time.Time) Model {
	return Model{Session: s, Now: now}
}

// View renders the detail panel. Returns an empty string if no session is set.
func (m Model) View() string {
	if m.Session == nil {
		return ""
	}
	return stylePanel.Width(panelWidth).Render(m.renderInner(m.Session))
}

func (m Model) renderInner(s *session.SessionState) string {
	var b strings.Builder

	b.WriteString(styleTitle.Render("Session: "+s.User) + "\n")
	b.WriteString(strings.Repeat("─", panelWidth-4) + "\n")

	writeRow(&b, "ID", truncate(s.ID, 36))
	writeRow(&b, "Host", s.Host)
	if s.RemoteAddr != "" {
		writeRow(&b, "Remote", s.RemoteAddr)
	}
	st := s.Status.String()
	writeRow(&b, "Status", lipgloss.NewStyle().Foreground(theme.StatusColor(st)).Render(theme.StatusGlyph(st)+" "+st))

	b.WriteString("\n")

	writeRow(&b, "Timeout", s.IdleTimeout.String())
	if s.IdleDeadline != nil && !s.IsTerminal() && s.IdleTimeout > 0 {
		left := s.Remaining(m.Now)
		frac := float64(left) / float64(s.IdleTimeout)
		writeRow(&b, "Idle in", renderBar(frac, barWidth, theme.CountdownColor(frac))+" "+left.Round(time.Second).String())
	}
	writeRow(&b, "Signals", fmt.Sprintf("%d", s.SignalCount))
	if s.LastSignal != "" {
		writeRow(&b, "Last signal", s.LastSignal)
	}

	b.WriteString("\n")

	if !s.LoggedInAt.IsZero() {
		writeRow(&b, "Logged in", formatAge(m.Now, s.LoggedInAt))
	}
	if !s.LastActivityAt.IsZero() {
		writeRow(&b, "Last active", formatAge(m.Now, s.LastActivityAt))
	}
	if s.EndedAt != nil {
		writeRow(&b, "Ended", formatAge(m.Now, *s.EndedAt)+" ("+s.EndReason+")")
	}

	if m.Notice != "" {
		b.WriteString("\n" + lipgloss.NewStyle().Foreground(theme.ColorHealthy).Render(m.Notice) + "\n")
	}
	if m.Error != "" {
		b.WriteString("\n" + theme.StyleError.Render("Error: "+m.Error) + "\n")
	}

	b.WriteString("\n")
	footer := "[x] force logout  [esc] close"
	switch {
	case s.IsTerminal():
		footer = "[esc] close  (session ended)"
	case m.Self:
		footer = "[esc] close  (this terminal; ctrl+l to log out)"
	}
	b.WriteString(styleFooter.Render(footer))

	return b.String()
}

func writeRow(b *strings.Builder, label, value string) {
	b.WriteString(styleLabel.Render(label+":") + styleValue.Render(value) + "\n")
}

func renderBar(pct float64, width int, color lipgloss.Color) string {
	if pct < 0 {
		pct = 0
	}
	if pct > 1 {
		pct = 1
	}
	filled := int(pct * float64(width))
	empty := width - filled
	bar := strings.Repeat("█", filled) + strings.Repeat("░", empty)
	return lipgloss.NewStyle().Foreground(color).Render(bar)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}

func formatAge(now, t time.Time) string {
	d := now.Sub(t)
	if d < 0 {
		d = 0
	}
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds ago", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm %ds ago", int(d.Minutes()), int(d.Seconds())%60)
	default:
		h := int(d.Hours())
		m := int(d.Minutes()) % 60
		return fmt.Sprintf("%dh %dm ago", h, m)
	}
}
