// Package output renders query results and status for the CLI.
package output

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/Hellblazer/seagoat/internal/facade"
)

// Color palette. Styling is skipped entirely in plain mode (non-TTY).
const (
	colorPath   = "81"  // cyan for file paths
	colorLine   = "245" // gray for line numbers
	colorResult = "154" // lime for hit lines
	colorBridge = "238" // dark gray for bridge lines
	colorError  = "196" // red
)

// Writer renders engine output to a terminal or plain stream.
type Writer struct {
	out   io.Writer
	plain bool

	path   lipgloss.Style
	lineNo lipgloss.Style
	result lipgloss.Style
	bridge lipgloss.Style
	errSty lipgloss.Style
}

// New creates a Writer. plain disables all styling (non-TTY output).
func New(out io.Writer, plain bool) *Writer {
	return &Writer{
		out:    out,
		plain:  plain,
		path:   lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color(colorPath)),
		lineNo: lipgloss.NewStyle().Foreground(lipgloss.Color(colorLine)),
		result: lipgloss.NewStyle().Foreground(lipgloss.Color(colorResult)),
		bridge: lipgloss.NewStyle().Foreground(lipgloss.Color(colorBridge)),
		errSty: lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color(colorError)),
	}
}

func (w *Writer) style(s lipgloss.Style, text string) string {
	if w.plain {
		return text
	}
	return s.Render(text)
}

// QueryResponse renders a query result, one file section per path.
func (w *Writer) QueryResponse(resp *facade.QueryResponse) {
	if resp.Partial {
		reason := resp.RegexError
		if reason == "" {
			reason = resp.VectorError
		}
		fmt.Fprintf(w.out, "%s\n", w.style(w.errSty, "partial results: "+reason))
	}

	for _, file := range resp.Results {
		fmt.Fprintf(w.out, "%s\n", w.style(w.path, file.Path))
		for _, block := range file.Blocks {
			for _, line := range block.Lines {
				style := w.result
				if hasType(line.ResultTypes, "bridge") || hasType(line.ResultTypes, "context") {
					style = w.bridge
				}
				fmt.Fprintf(w.out, "  %s %s\n",
					w.style(w.lineNo, fmt.Sprintf("%5d:", line.Line)),
					w.style(style, line.LineText))
			}
			fmt.Fprintln(w.out)
		}
	}

	if len(resp.Results) == 0 {
		fmt.Fprintln(w.out, "no results")
	}
}

// Status renders the stats surface.
func (w *Writer) Status(status *facade.StatusResponse) {
	fmt.Fprintf(w.out, "chunks analyzed:  %d\n", status.ChunksAnalyzed)
	fmt.Fprintf(w.out, "total files:      %d\n", status.TotalFiles)
	fmt.Fprintf(w.out, "queue depth:      %d\n", status.QueueDepth)
	if status.LastAnalyzedAtUnix > 0 {
		fmt.Fprintf(w.out, "last analyzed:    %s\n", time.Unix(status.LastAnalyzedAtUnix, 0).Format(time.RFC3339))
	} else {
		fmt.Fprintf(w.out, "last analyzed:    never\n")
	}
	if status.Stale {
		fmt.Fprintf(w.out, "staleness:        repository changed since last analyze\n")
	} else {
		fmt.Fprintf(w.out, "staleness:        up to date\n")
	}
}

// Error renders a failure.
func (w *Writer) Error(err error) {
	fmt.Fprintf(w.out, "%s\n", w.style(w.errSty, "error: "+err.Error()))
}

func hasType(types []string, want string) bool {
	for _, t := range types {
		if strings.EqualFold(t, want) {
			return true
		}
	}
	return false
}
