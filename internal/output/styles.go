package output

import (
	"io"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
)

// Palette, as 256-colour codes.
const (
	ColorAccent = "111"
	ColorText   = "255"
	ColorMuted  = "245"
	ColorRed    = "196"
	ColorYellow = "220"
	ColorGreen  = "114"
)

// Styles holds the lipgloss styles used by Writer.
type Styles struct {
	Header  lipgloss.Style
	Label   lipgloss.Style
	Score   lipgloss.Style
	Dim     lipgloss.Style
	Success lipgloss.Style
	Warning lipgloss.Style
	Error   lipgloss.Style
	Panel   lipgloss.Style
}

// ColorStyles returns the styles for terminals.
func ColorStyles() Styles {
	return Styles{
		Header:  lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color(ColorAccent)),
		Label:   lipgloss.NewStyle().Foreground(lipgloss.Color(ColorMuted)),
		Score:   lipgloss.NewStyle().Foreground(lipgloss.Color(ColorGreen)),
		Dim:     lipgloss.NewStyle().Foreground(lipgloss.Color(ColorMuted)).Italic(true),
		Success: lipgloss.NewStyle().Foreground(lipgloss.Color(ColorGreen)),
		Warning: lipgloss.NewStyle().Foreground(lipgloss.Color(ColorYellow)),
		Error:   lipgloss.NewStyle().Foreground(lipgloss.Color(ColorRed)),
		Panel: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color(ColorMuted)).
			Padding(0, 1),
	}
}

// PlainStyles returns unstyled components for pipes and NO_COLOR.
func PlainStyles() Styles {
	return Styles{
		Header:  lipgloss.NewStyle(),
		Label:   lipgloss.NewStyle(),
		Score:   lipgloss.NewStyle(),
		Dim:     lipgloss.NewStyle(),
		Success: lipgloss.NewStyle(),
		Warning: lipgloss.NewStyle(),
		Error:   lipgloss.NewStyle(),
		Panel:   lipgloss.NewStyle(),
	}
}

// IsTTY reports whether w is a terminal.
func IsTTY(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// NoColor reports whether NO_COLOR is set.
func NoColor() bool {
	_, ok := os.LookupEnv("NO_COLOR")
	return ok
}
