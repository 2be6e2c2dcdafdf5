// Package theme provides the Lip Gloss color palette and reusable styles
// for the idleguard terminal client. It is a leaf package with no internal
// imports to avoid import cycles.
package theme

import "github.com/charmbracelet/lipgloss"

// Session status colors.
var (
	ColorActive       = lipgloss.Color("#22c55e")
	ColorHidden       = lipgloss.Color("#3b82f6")
	ColorIdle         = lipgloss.Color("#d97706")
	ColorLoggedOut    = lipgloss.Color("#6b7280")
	ColorDisconnected = lipgloss.Color("#374151")
	ColorDefault      = lipgloss.Color("#9ca3af")
)

// Countdown bar thresholds.
var (
	ColorCountdownHigh = lipgloss.Color("#22c55e") // >50% left
	ColorCountdownMid  = lipgloss.Color("#d97706") // 20-50%
	ColorCountdownLow  = lipgloss.Color("#dc2626") // <20%
)

// Event log kind colors.
var (
	ColorSignal   = lipgloss.Color("#2563eb")
	ColorWatchdog = lipgloss.Color("#7c3aed")
)

// UI chrome colors.
var (
	ColorBorder  = lipgloss.Color("#4b5563")
	ColorDimmed  = lipgloss.Color("#6b7280")
	ColorBright  = lipgloss.Color("#f9fafb")
	ColorBg      = lipgloss.Color("#111827")
	ColorHealthy = lipgloss.Color("#22c55e")
	ColorWarning = lipgloss.Color("#d97706")
	ColorDanger  = lipgloss.Color("#dc2626")
)

// StatusColor returns the Lip Gloss color for a session status name.
func StatusColor(status string) lipgloss.Color {
	switch status {
	case "active":
		return ColorActive
	case "hidden":
		return ColorHidden
	case "idle":
		return ColorIdle
	case "logged_out":
		return ColorLoggedOut
	case "disconnected":
		return ColorDisconnected
	default:
		return ColorDefault
	}
}

// StatusGlyph returns a Unicode glyph representing a session status.
func StatusGlyph(status string) string {
	switch status {
	case "active":
		return "●"
	case "hidden":
		return "◐"
	case "idle":
		return "○"
	case "logged_out":
		return "✓"
	case "disconnected":
		return "✗"
	default:
		return "·"
	}
}

// CountdownColor returns the bar color for the fraction of the timeout left.
func CountdownColor(frac float64) lipgloss.Color {
	switch {
	case frac < 0.2:
		return ColorCountdownLow
	case frac < 0.5:
		return ColorCountdownMid
	default:
		return ColorCountdownHigh
	}
}

// Reusable styles.
var (
	StyleBorder = lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(ColorBorder)

	StyleHeader = lipgloss.NewStyle().
			Bold(true).
			Foreground(ColorBright)

	StyleDimmed = lipgloss.NewStyle().
			Foreground(ColorDimmed)

	StyleSelected = lipgloss.NewStyle().
			Bold(true).
			Foreground(ColorBright)

	StyleError = lipgloss.NewStyle().
			Foreground(ColorDanger)
)
