// Package countdown renders the local idle countdown as a bar that eases
// toward the time left, so a reset refills it smoothly instead of jumping.
package countdown

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/harmonica"
	"github.com/charmbracelet/lipgloss"

	"github.com/idleguard/idleguard/internal/theme"
)

// FPS is the animation rate; callers tick the model this often.
const FPS = 30

// Interval is the tick period matching FPS.
const Interval = time.Second / FPS

// Model is the animated bar.
type Model struct {
	spring harmonica.Spring
	pos    float64
	vel    float64
	target float64

	Remaining time.Duration
	Timeout   time.Duration
	Active    bool
}

// New creates an empty bar.
func New() Model {
	return Model{spring: harmonica.NewSpring(harmonica.FPS(FPS), 8.0, 1.0)}
}

// Set updates the countdown the bar tracks.
func (m *Model) Set(remaining, timeout time.Duration, active bool) {
	m.Remaining = remaining
	m.Timeout = timeout
	m.Active = active
	m.target = 0
	if active && timeout > 0 {
		m.target = clamp(float64(remaining) / float64(timeout))
	}
}

// Step advances the animation by one frame.
func (m *Model) Step() {
	m.pos, m.vel = m.spring.Update(m.pos, m.vel, m.target)
	m.pos = clamp(m.pos)
}

// Fraction is the displayed fill in [0, 1].
func (m Model) Fraction() float64 {
	return m.pos
}

// Target is the fill the bar is easing toward.
func (m Model) Target() float64 {
	return m.target
}

// View renders the bar and a label at the given width.
func (m Model) View(width int) string {
	if width < 30 {
		width = 30
	}
	label := "watchdog inactive"
	if m.Active {
		label = fmt.Sprintf("locks in %s", formatRemaining(m.Remaining))
	}
	barWidth := width - len(label) - 6
	if barWidth < 10 {
		barWidth = 10
	}

	filled := int(m.pos*float64(barWidth) + 0.5)
	if filled > barWidth {
		filled = barWidth
	}
	color := theme.CountdownColor(m.target)
	bar := lipgloss.NewStyle().Foreground(color).Render(strings.Repeat("█", filled)) +
		lipgloss.NewStyle().Foreground(theme.ColorBorder).Render(strings.Repeat("░", barWidth-filled))

	return "  " + bar + "  " + lipgloss.NewStyle().Foreground(color).Render(label)
}

func formatRemaining(d time.Duration) string {
	d = d.Round(time.Second)
	if d < 0 {
		d = 0
	}
	return fmt.Sprintf("%d:%02d", int(d/time.Minute), int(d/time.Second)%60)
}

func clamp(f float64) float64 {
	switch {
	case f < 0:
		return 0
	case f > 1:
		return 1
	}
	return f
}
