// Package ui renders ledger output for the terminal.
package ui

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/example/ccos-lite/internal/domain"
)

// Out and Err receive all output. Tests swap them.
var (
	Out io.Writer = os.Stdout
	Err io.Writer = os.Stderr
)

// ANSI color codes
const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorBlue   = "\033[34m"
	colorCyan   = "\033[36m"
	colorGray   = "\033[90m"
	colorBold   = "\033[1m"
)

// noColor follows https://no-color.org.
var noColor = os.Getenv("NO_COLOR") != ""

func paint(color, s string) string {
	if noColor {
		return s
	}
	return color + s + colorReset
}

// PrintHeader prints a section header
func PrintHeader(title string) {
	rule := strings.Repeat("=", len(title)+4)
	fmt.Fprintf(Out, "\n%s\n%s\n%s\n\n",
		paint(colorBold+colorBlue, rule),
		paint(colorBold+colorBlue, "  "+title),
		paint(colorBold+colorBlue, rule))
}

// PrintStep prints one step of a run
func PrintStep(message string) {
	fmt.Fprintf(Out, "%s %s\n", paint(colorCyan, "▶"), message)
}

// PrintSuccess prints a success message
func PrintSuccess(message string) {
	fmt.Fprintf(Out, "%s %s\n", paint(colorGreen, "✓"), message)
}

// PrintError prints an error message to Err
func PrintError(message string) {
	fmt.Fprintf(Err, "%s %s\n", paint(colorRed, "✗"), message)
}

// PrintWarning prints a warning message
func PrintWarning(message string) {
	fmt.Fprintf(Out, "%s %s\n", paint(colorYellow, "⚠"), message)
}

// PrintInfo prints an indented informational line
func PrintInfo(message string) {
	fmt.Fprintf(Out, "  %s\n", message)
}

// PrintStatus prints a plan status colored by outcome.
func PrintStatus(planID, status string) {
	color := colorYellow
	switch status {
	case domain.PlanStatusCompleted.String():
		color = colorGreen
	case domain.PlanStatusAborted.String():
		color = colorRed
	}
	fmt.Fprintf(Out, "%s %s  %s %s\n",
		paint(colorBold, "Plan:"), planID,
		paint(colorBold, "Status:"), paint(color, status))
}

// ActionHeaders are the column headers matching ActionRows.
var ActionHeaders = []string{"SEQ", "PLAN_SEQ", "TYPE", "STEP", "OUTCOME", "REQUEST", "PARENT"}

// ActionRows formats actions for PrintTable. Ids are shortened.
func ActionRows(actions []*domain.Action) [][]string {
	rows := make([][]string, 0, len(actions))
	for _, a := range actions {
		rows = append(rows, []string{
			fmt.Sprint(a.Seq),
			fmt.Sprint(a.PlanSeq),
			string(a.Type),
			orDash(a.StepID),
			orDash(a.Outcome),
			orDash(short(a.RequestID)),
			orDash(short(a.ParentID)),
		})
	}
	return rows
}

func short(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// PrintTable prints rows under headers with padded columns. Rows longer
// than headers are truncated.
func PrintTable(headers []string, rows [][]string) {
	if len(rows) == 0 {
		return
	}

	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = len(h)
	}
	for _, row := range rows {
		for i := 0; i < len(row) && i < len(widths); i++ {
			widths[i] = max(widths[i], len(row[i]))
		}
	}

	var b strings.Builder
	for i, h := range headers {
		pad := strings.Repeat(" ", widths[i]-len(h))
		b.WriteString(paint(colorBold, h) + pad + "  ")
	}
	b.WriteString("\n")
	for _, w := range widths {
		b.WriteString(strings.Repeat("-", w) + "  ")
	}
	b.WriteString("\n")
	for _, row := range rows {
		for i := 0; i < len(row) && i < len(widths); i++ {
			fmt.Fprintf(&b, "%-*s  ", widths[i], row[i])
		}
		b.WriteString("\n")
	}
	io.WriteString(Out, b.String())
}

// Gray dims a string.
func Gray(s string) string {
	return paint(colorGray, s)
}
