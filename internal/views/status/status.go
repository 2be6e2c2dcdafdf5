// Package status renders the one-line status bar at the top of the terminal
// client.
package status

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"

	"github.com/idleguard/idleguard/internal/theme"
)

// Model holds the status bar state.
type Model struct {
	Connected bool
	User      string // empty while logged out
	Local     string // local watchdog state
	Sessions  int
	Active    int
	Idle      int
	Width     int
}

// New creates a status bar model.
func New() Model {
	return Model{Local: "inactive"}
}

// SetCounts updates the server-wide counts.
func (m *Model) SetCounts(sessions, active, idle int) {
	m.Sessions = sessions
	m.Active = active
	m.Idle = idle
}

// View renders the status bar.
func (m Model) View() string {
	width := m.Width
	if width < 40 {
		width = 40
	}

	var connStr string
	if m.Connected {
		connStr = lipgloss.NewStyle().Foreground(theme.ColorHealthy).Render("● Connected")
	} else {
		connStr = lipgloss.NewStyle().Foreground(theme.ColorDanger).Render("○ Connecting...")
	}

	userStr := theme.StyleDimmed.Render("not logged in")
	if m.User != "" {
		userStr = theme.StyleHeader.Render(m.User)
	}

	wdColor := theme.ColorDimmed
	if m.Local == "active" {
		wdColor = theme.ColorActive
	}
	wdStr := lipgloss.NewStyle().Foreground(wdColor).Render("watchdog " + m.Local)

	counts := fmt.Sprintf("%d sessions  %d active  %d idle", m.Sessions, m.Active, m.Idle)

	sep := lipgloss.NewStyle().Foreground(theme.ColorBorder).Render(" | ")
	content := connStr + sep + userStr + sep + wdStr + sep + counts

	return lipgloss.NewStyle().
		Width(width).
		Padding(0, 1).
		BorderStyle(lipgloss.DoubleBorder()).
		BorderForeground(theme.ColorBorder).
		Render(content)
}
