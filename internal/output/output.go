// Package output renders CLI command output, styled when stdout is a
// terminal and plain when piped.
package output

import (
	"fmt"
	"io"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	keyStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	warnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
)

// Printer writes styled or plain output depending on the destination.
type Printer struct {
	w     io.Writer
	plain bool
}

// NewPrinter creates a printer for w. Styling is enabled only when w is
// a terminal.
func NewPrinter(w io.Writer) *Printer {
	plain := true
	if f, ok := w.(*os.File); ok {
		plain = !isatty.IsTerminal(f.Fd()) && !isatty.IsCygwinTerminal(f.Fd())
	}
	return &Printer{w: w, plain: plain}
}

// Title prints a section heading.
func (p *Printer) Title(text string) {
	if p.plain {
		fmt.Fprintln(p.w, text)
		return
	}
	fmt.Fprintln(p.w, titleStyle.Render(text))
}

// Field prints an aligned key/value line.
func (p *Printer) Field(key string, format string, args ...any) {
	value := fmt.Sprintf(format, args...)
	if p.plain {
		fmt.Fprintf(p.w, "  %-18s %s\n", key+":", value)
		return
	}
	fmt.Fprintf(p.w, "  %s %s\n", keyStyle.Render(fmt.Sprintf("%-18s", key+":")), value)
}

// Status prints a readiness line.
func (p *Printer) Status(ready bool) {
	label := "ready"
	style := okStyle
	if !ready {
		label = "not ready"
		style = warnStyle
	}
	if p.plain {
		fmt.Fprintf(p.w, "  %-18s %s\n", "status:", label)
		return
	}
	fmt.Fprintf(p.w, "  %s %s\n", keyStyle.Render(fmt.Sprintf("%-18s", "status:")), style.Render(label))
}

// Line prints a plain line.
func (p *Printer) Line(format string, args ...any) {
	fmt.Fprintf(p.w, format+"\n", args...)
}
