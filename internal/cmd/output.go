package cmd

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"
)

const ruleWidth = 50

// styles renders command output. Styles are plain unless out is a terminal.
type styles struct {
	heading lipgloss.Style
	good    lipgloss.Style
	bad     lipgloss.Style
	muted   lipgloss.Style
	width   int
}

func newStyles(out io.Writer) styles {
	s := styles{
		heading: lipgloss.NewStyle(),
		good:    lipgloss.NewStyle(),
		bad:     lipgloss.NewStyle(),
		muted:   lipgloss.NewStyle(),
		width:   ruleWidth,
	}
	f, ok := out.(*os.File)
	if !ok || !term.IsTerminal(int(f.Fd())) {
		return s
	}
	s.heading = s.heading.Bold(true).Foreground(lipgloss.Color("39"))
	s.good = s.good.Foreground(lipgloss.Color("42"))
	s.bad = s.bad.Bold(true).Foreground(lipgloss.Color("196"))
	s.muted = s.muted.Foreground(lipgloss.Color("245"))
	if w, _, err := term.GetSize(int(f.Fd())); err == nil && w < ruleWidth {
		s.width = w
	}
	return s
}

// section prints an upper-case heading followed by a rule.
func (s styles) section(out io.Writer, title string) {
	fmt.Fprintln(out, s.heading.Render(strings.ToUpper(title)))
	fmt.Fprintln(out, s.muted.Render(strings.Repeat("─", s.width)))
}

// row prints a left-aligned label and a value.
func (s styles) row(out io.Writer, label string, value any) {
	fmt.Fprintf(out, "%-18s %v\n", label+":", value)
}
