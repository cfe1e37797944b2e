// Package output renders pipeline progress, summaries and tables for the
// terminal. Colors are used only when stdout is a terminal.
package output

import (
	"fmt"
	"io"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"golang.org/x/term"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// ANSI escape sequences.
const (
	reset  = "\033[0m"
	bold   = "\033[1m"
	dim    = "\033[2m"
	red    = "\033[31m"
	green  = "\033[32m"
	yellow = "\033[33m"
	blue   = "\033[34m"
	cyan   = "\033[36m"
)

const dryRunNote = "(skipped: dry run)"

// Writer writes human-oriented output. Progress lines for cells and
// phases are suppressed in quiet mode; results and errors never are.
type Writer struct {
	out   io.Writer
	err   io.Writer
	color bool
	quiet bool
}

// New returns a Writer on the process stdout and stderr.
func New() *Writer {
	return &Writer{out: os.Stdout, err: os.Stderr, color: isTerminal(os.Stdout)}
}

// NewWithWriters returns a Writer on the given streams.
func NewWithWriters(out, err io.Writer, color bool) *Writer {
	return &Writer{out: out, err: err, color: color}
}

func (w *Writer) SetQuiet(quiet bool) { w.quiet = quiet }

// Out is the stream command output is mirrored to.
func (w *Writer) Out() io.Writer { return w.out }

func (w *Writer) Print(format string, args ...any) {
	_, _ = fmt.Fprintf(w.out, format, args...)
}

func (w *Writer) Println(format string, args ...any) {
	_, _ = fmt.Fprintf(w.out, format+"\n", args...)
}

func (w *Writer) Errorln(format string, args ...any) {
	_, _ = fmt.Fprintf(w.err, format+"\n", args...)
}

// paint wraps s in the escape sequence code when color is enabled.
func (w *Writer) paint(code, s string) string {
	if !w.color || code == "" {
		return s
	}
	return code + s + reset
}

func (w *Writer) banner(code, title string) {
	w.Println("%s", w.paint(code, "=== "+title+" ==="))
}

func (w *Writer) Success(format string, args ...any) {
	w.Println("%s", w.paint(green, fmt.Sprintf(format, args...)))
}

// Warning writes "warning: msg" to stderr.
func (w *Writer) Warning(format string, args ...any) {
	w.Errorln("%s %s", w.paint(yellow, "warning:"), fmt.Sprintf(format, args...))
}

// ErrorPrefix writes "shipyard: msg" to stderr. It is how the CLI reports
// the error that ends a command.
func (w *Writer) ErrorPrefix(format string, args ...any) {
	w.Errorln("%s %s", w.paint(red, "shipyard:"), fmt.Sprintf(format, args...))
}

// CellStart announces one attempt of a matrix cell.
func (w *Writer) CellStart(cellID string, attempt int) {
	if w.quiet {
		return
	}
	w.Println("%s", w.paint(bold+cyan, fmt.Sprintf("─── [%s] attempt %d ───", cellID, attempt)))
}

func (w *Writer) CellSuccess(cellID string) {
	if w.quiet {
		return
	}
	if w.color {
		w.Println("%s %s", w.paint(green, "["+cellID+"]"), w.paint(green, "✓"))
		return
	}
	w.Println("[%s] done", cellID)
}

// CellFailed reports a failed cell. A tolerated failure goes to stdout in
// yellow; anything else goes to stderr in red.
func (w *Writer) CellFailed(cellID string, tolerated bool, err error) {
	if tolerated {
		w.Println("%s %v", w.paint(yellow, "["+cellID+"] failed (tolerated):"), err)
		return
	}
	w.Errorln("%s %v", w.paint(red, "["+cellID+"] failed:"), err)
}

// Table renders rows in a light box. Short rows are padded with empty
// cells and extra columns are dropped.
func (w *Writer) Table(headers []string, rows [][]string) {
	t := table.NewWriter()
	t.SetOutputMirror(w.out)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(toRow(headers, len(headers)))
	for _, row := range rows {
		t.AppendRow(toRow(row, len(headers)))
	}
	t.Render()
}

func toRow(cells []string, width int) table.Row {
	r := make(table.Row, width)
	for i := 0; i < width; i++ {
		if i < len(cells) {
			r[i] = cells[i]
		} else {
			r[i] = ""
		}
	}
	return r
}

// Step prints a numbered release step.
func (w *Writer) Step(num int, format string, args ...any) {
	w.Println("%s %s", w.paint(cyan, fmt.Sprintf("%d.", num)), fmt.Sprintf(format, args...))
}

func (w *Writer) StepDetail(format string, args ...any) {
	w.Println("   %s", w.paint(dim, "- "+fmt.Sprintf(format, args...)))
}

// StepSkipped prints a step that a dry run suppressed.
func (w *Writer) StepSkipped(num int, format string, args ...any) {
	w.Println("%s", w.paint(dim, fmt.Sprintf("%d. %s %s", num, fmt.Sprintf(format, args...), dryRunNote)))
}

func (w *Writer) SummaryHeader(title string) {
	w.Println("")
	w.banner(bold+cyan, title)
	w.Println("")
}

// SummaryItem prints "  label: value".
func (w *Writer) SummaryItem(label, value string) {
	w.summaryLine(label, "", value)
}

func (w *Writer) SummaryPassed(label, value string) {
	w.summaryLine(label, green, value)
}

func (w *Writer) SummaryFailed(label, value string) {
	w.summaryLine(label, red, value)
}

func (w *Writer) summaryLine(label, valueColor, value string) {
	w.Println("  %s %s", w.paint(dim, label+":"), w.paint(valueColor, value))
}

// SummaryAction prints one cell result line: a status mark, the name
// padded to a column, the duration, and on failure the error in
// parentheses.
func (w *Writer) SummaryAction(name string, success bool, duration string, errMsg string) {
	mark, markColor := "+", green
	if !success {
		mark, markColor = "x", red
	}
	if w.color {
		mark = "✓"
		if !success {
			mark = "✗"
		}
	}
	line := fmt.Sprintf("    %s %-24s %s", w.paint(markColor, mark), name, w.paint(dim, duration))
	if !success && errMsg != "" {
		line += "  " + w.paint(dim, "("+errMsg+")")
	}
	w.Println("%s", line)
}

func (w *Writer) SummarySectionLabel(label string) {
	w.Println("  %s", w.paint(dim, label))
}

// FinalSuccess prints the closing line of a successful run after a blank line.
func (w *Writer) FinalSuccess(format string, args ...any) {
	w.Println("")
	w.Println("%s", w.paint(green, fmt.Sprintf(format, args...)))
}

func (w *Writer) FinalFailure(format string, args ...any) {
	w.Println("")
	w.Println("%s", w.paint(red, fmt.Sprintf(format, args...)))
}

// DryRunStart and DryRunEnd bracket the release steps of a dry run.
func (w *Writer) DryRunStart() {
	w.Println("")
	w.banner(bold+yellow, "DRY RUN")
	w.Println("")
}

func (w *Writer) DryRunEnd() {
	w.Println("")
	w.banner(bold+yellow, "END DRY RUN")
}

// PhaseHeader announces a pipeline phase such as "variables" or "release".
func (w *Writer) PhaseHeader(phase string) {
	if w.quiet {
		return
	}
	w.Println("")
	w.banner(bold+blue, titleCase(phase))
}

func (w *Writer) ValidationSuccess(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	if w.color {
		msg = w.paint(green, "✓") + " " + msg
	}
	w.Println("%s", msg)
}

func (w *Writer) Hint(format string, args ...any) {
	w.Println("%s", w.paint(dim, fmt.Sprintf(format, args...)))
}

// titleCase builds a Caser per call since a Caser is not safe for
// concurrent use.
func titleCase(s string) string {
	return cases.Title(language.English).String(s)
}

func isTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}
