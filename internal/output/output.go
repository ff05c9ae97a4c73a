// Package output formats CLI output: status lines, progress and the
// rendering of search results and core status.
package output

import (
	"fmt"
	"io"
	"strings"
)

// Writer writes formatted CLI output.
type Writer struct {
	out    io.Writer
	styles Styles
}

// New returns a Writer that styles output only when out is a terminal and
// NO_COLOR is unset.
func New(out io.Writer) *Writer {
	if IsTTY(out) && !NoColor() {
		return NewWithStyles(out, ColorStyles())
	}
	return NewWithStyles(out, PlainStyles())
}

// NewWithStyles returns a Writer with explicit styles.
func NewWithStyles(out io.Writer, styles Styles) *Writer {
	return &Writer{out: out, styles: styles}
}

// Status prints a status message with an icon.
// Write errors are ignored for console output.
func (w *Writer) Status(icon, msg string) {
	if icon != "" {
		_, _ = fmt.Fprintf(w.out, "%s %s\n", icon, msg)
	} else {
		_, _ = fmt.Fprintf(w.out, "   %s\n", msg)
	}
}

// Statusf prints a formatted status message.
func (w *Writer) Statusf(icon, format string, args ...any) {
	w.Status(icon, fmt.Sprintf(format, args...))
}

// Success prints a success message.
func (w *Writer) Success(msg string) {
	w.Status(w.styles.Success.Render("✓"), msg)
}

// Successf prints a formatted success message.
func (w *Writer) Successf(format string, args ...any) {
	w.Success(fmt.Sprintf(format, args...))
}

// Warning prints a warning message.
func (w *Writer) Warning(msg string) {
	w.Status(w.styles.Warning.Render("!"), msg)
}

// Warningf prints a formatted warning message.
func (w *Writer) Warningf(format string, args ...any) {
	w.Warning(fmt.Sprintf(format, args...))
}

// Error prints an error message.
func (w *Writer) Error(msg string) {
	w.Status(w.styles.Error.Render("✗"), msg)
}

// Errorf prints a formatted error message.
func (w *Writer) Errorf(format string, args ...any) {
	w.Error(fmt.Sprintf(format, args...))
}

// Code prints an indented block.
func (w *Writer) Code(content string) {
	_, _ = fmt.Fprintln(w.out)
	for _, line := range strings.Split(content, "\n") {
		_, _ = fmt.Fprintf(w.out, "  %s\n", line)
	}
	_, _ = fmt.Fprintln(w.out)
}

// Newline prints an empty line.
func (w *Writer) Newline() {
	_, _ = fmt.Fprintln(w.out)
}

// Progress prints an in-place progress bar. A newline follows once
// current reaches total.
func (w *Writer) Progress(current, total int, msg string) {
	if total <= 0 {
		return
	}
	pct := float64(current) / float64(total) * 100
	_, _ = fmt.Fprintf(w.out, "\r[%s] %.0f%% %s", renderProgressBar(current, total, 30), pct, msg)
	if current >= total {
		_, _ = fmt.Fprintln(w.out)
	}
}

func renderProgressBar(current, total, width int) string {
	if total <= 0 {
		return strings.Repeat("░", width)
	}
	filled := int(float64(current) / float64(total) * float64(width))
	filled = max(0, min(filled, width))
	return strings.Repeat("█", filled) + strings.Repeat("░", width-filled)
}
