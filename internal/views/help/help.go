// Package help renders the markdown help overlay with glamour.
package help

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"

	"github.com/idleguard/idleguard/internal/theme"
)

// Model caches the rendered overlay per width.
type Model struct {
	style    string // glamour standard style name, "" for auto
	bindings []key.Binding
	timeout  time.Duration

	width    int
	rendered string
	err      error
}

// New creates a help overlay for the given bindings. An empty style picks
// one from the terminal background.
func New(style string, timeout time.Duration, bindings ...key.Binding) Model {
	return Model{style: style, timeout: timeout, bindings: bindings}
}

// SetTimeout changes the idle timeout the text mentions.
func (m *Model) SetTimeout(d time.Duration) {
	if d != m.timeout {
		m.timeout = d
		m.rendered = ""
	}
}

// Markdown returns the source text.
func (m Model) Markdown() string {
	var b strings.Builder
	b.WriteString("# idleguard\n\n")
	fmt.Fprintf(&b, "This terminal locks itself after **%s** without input. ", m.timeout)
	b.WriteString("Every key press, mouse movement, click and wheel scroll restarts the countdown. ")
	b.WriteString("Switching away from the terminal is reported as hidden; coming back counts as activity.\n\n")
	b.WriteString("The server runs its own countdown for this session and logs it out as well.\n\n")
	b.WriteString("## Keys\n\n")
	b.WriteString("| Key | Action |\n|---|---|\n")
	for _, kb := range m.bindings {
		h := kb.Help()
		if h.Key == "" {
			continue
		}
		fmt.Fprintf(&b, "| `%s` | %s |\n", h.Key, h.Desc)
	}
	return b.String()
}

// View renders the overlay at the given width.
func (m *Model) View(width int) string {
	if width < 40 {
		width = 40
	}
	if m.rendered == "" || m.width != width {
		m.width = width
		m.rendered, m.err = m.render(width - 6)
	}
	body := m.rendered
	if m.err != nil {
		body = m.Markdown()
	}
	return lipgloss.NewStyle().
		Width(width-2).
		Padding(0, 1).
		BorderStyle(lipgloss.RoundedBorder()).
		BorderForeground(theme.ColorBorder).
		Render(strings.TrimRight(body, "\n") + "\n\n" + theme.StyleDimmed.Render("esc:close"))
}

func (m Model) render(wrap int) (string, error) {
	opts := []glamour.TermRendererOption{glamour.WithWordWrap(wrap)}
	if m.style == "" {
		opts = append(opts, glamour.WithAutoStyle())
	} else {
		opts = append(opts, glamour.WithStandardStyle(m.style))
	}
	r, err := glamour.NewTermRenderer(opts...)
	if err != nil {
		return "", err
	}
	return r.Render(m.Markdown())
}
