// Package eventlog keeps the client's history of host signals, watchdog
// changes and connection events, and renders it as a table overlay.
package eventlog

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/idleguard/idleguard/internal/theme"
	"github.com/idleguard/idleguard/internal/watchdog"
)

const capacity = 200

// Entry kinds.
const (
	KindSignal   = "sig"
	KindWatchdog = "wd"
	KindWS       = "ws"
	KindError    = "err"
)

const (
	stampLayout    = "15:04:05.000"
	deadlineLayout = "15:04:05"
	kindWidth      = 4
)

// Entry is one row of the log. Deadline is set for watchdog changes that
// left a countdown pending.
type Entry struct {
	At       time.Time
	Kind     string
	Text     string
	Deadline time.Time
}

type Model struct {
	Entries []Entry
	Offset  int // rows scrolled up from the newest entry
}

func New() Model {
	return Model{}
}

// Add records a free-form entry stamped at.
func (m *Model) Add(at time.Time, kind, text string) {
	m.push(Entry{At: at, Kind: kind, Text: text})
}

// Record logs a watchdog change. Activations and resets carry the deadline
// they armed; the other kinds have none.
func (m *Model) Record(ch watchdog.Change) {
	e := Entry{At: ch.At, Kind: KindWatchdog, Text: ch.Kind.String()}
	if ch.Kind == watchdog.Activated || ch.Kind == watchdog.Reset {
		e.Deadline = ch.Deadline
	}
	m.push(e)
}

func (m *Model) push(e Entry) {
	m.Entries = append(m.Entries, e)
	if over := len(m.Entries) - capacity; over > 0 {
		m.Entries = append(m.Entries[:0:0], m.Entries[over:]...)
	}
	m.Offset = 0
}

func (m *Model) ScrollUp(n int) {
	m.Offset = clamp(m.Offset+n, 0, len(m.Entries)-1)
}

func (m *Model) ScrollDown(n int) {
	m.Offset = clamp(m.Offset-n, 0, len(m.Entries)-1)
}

func clamp(v, lo, hi int) int {
	if hi < lo {
		hi = lo
	}
	return min(max(v, lo), hi)
}

// window returns the entries visible in rows lines, oldest first.
func (m Model) window(rows int) []Entry {
	end := max(len(m.Entries)-m.Offset, 0)
	return m.Entries[max(end-rows, 0):end]
}

// View renders the overlay at most width columns wide and height lines tall.
func (m Model) View(width, height int) string {
	inner := max(width-4, 20)
	rows := max(height-7, 3)

	panel := lipgloss.NewStyle().
		Width(inner).
		Padding(1, 2).
		BorderStyle(lipgloss.DoubleBorder()).
		BorderForeground(theme.ColorBorder)

	parts := []string{theme.StyleHeader.Render(" EVENT LOG ")}
	if len(m.Entries) == 0 {
		parts = append(parts, "", theme.StyleDimmed.Render("  Nothing logged yet."))
	} else {
		parts = append(parts, theme.StyleDimmed.Render(header()))
		for _, e := range m.window(rows) {
			parts = append(parts, row(e, inner))
		}
		if m.Offset > 0 {
			parts = append(parts, theme.StyleDimmed.Render(fmt.Sprintf(" ↓ %d newer", m.Offset)))
		}
	}
	parts = append(parts, "", theme.StyleDimmed.Render(
		fmt.Sprintf("j/k:scroll  esc:close  %d/%d entries", len(m.Entries), capacity)))
	return panel.Render(lipgloss.JoinVertical(lipgloss.Left, parts...))
}

func header() string {
	return fmt.Sprintf("%-*s %-*s %-*s %s",
		len(stampLayout), "time",
		kindWidth, "kind",
		len(deadlineLayout), "locks at",
		"event")
}

func row(e Entry, width int) string {
	deadline := strings.Repeat(" ", len(deadlineLayout)-1) + "-"
	if !e.Deadline.IsZero() {
		deadline = e.Deadline.Format(deadlineLayout)
	}
	text := e.Text
	room := width - len(stampLayout) - kindWidth - len(deadlineLayout) - 3
	if room > 3 && len(text) > room {
		text = text[:room-3] + "..."
	}
	return strings.Join([]string{
		theme.StyleDimmed.Render(e.At.Format(stampLayout)),
		lipgloss.NewStyle().Width(kindWidth).Foreground(kindColor(e.Kind)).Render(e.Kind),
		deadline,
		text,
	}, " ")
}

func kindColor(kind string) lipgloss.Color {
	switch kind {
	case KindSignal:
		return theme.ColorSignal
	case KindWatchdog:
		return theme.ColorWatchdog
	case KindWS:
		return theme.ColorHealthy
	case KindError:
		return theme.ColorDanger
	}
	return theme.ColorDimmed
}
