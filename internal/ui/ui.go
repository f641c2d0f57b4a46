// Package ui renders styled terminal output for the pairsync commands.
// Styling degrades to plain text when stdout is not a terminal, when
// NO_COLOR is set, or when the terminal reports no color support.
package ui

import (
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"golang.org/x/term"
)

var (
	passStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("42"))
	warnStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("214"))
	failStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("203"))
	accentStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39"))
	faintStyle  = lipgloss.NewStyle().Faint(true)
)

// Enabled reports whether styled output should be produced.
func Enabled() bool {
	if os.Getenv("NO_COLOR") != "" {
		return false
	}
	if !term.IsTerminal(int(os.Stdout.Fd())) {
		return false
	}
	return termenv.EnvColorProfile() != termenv.Ascii
}

func render(style lipgloss.Style, s string) string {
	if !Enabled() {
		return s
	}
	return style.Render(s)
}

// RenderPass styles a success marker.
func RenderPass(s string) string { return render(passStyle, s) }

// RenderWarn styles a warning marker.
func RenderWarn(s string) string { return render(warnStyle, s) }

// RenderFail styles a failure marker.
func RenderFail(s string) string { return render(failStyle, s) }

// RenderAccent styles a highlighted fragment.
func RenderAccent(s string) string { return render(accentStyle, s) }

// RenderFaint styles de-emphasized detail text.
func RenderFaint(s string) string { return render(faintStyle, s) }
