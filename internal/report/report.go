// Package report formats a run.Report for a human or a machine consumer:
// an aligned-column table with go-humanize-formatted counts for a terminal,
// or indented JSON for a script. go-isatty decides whether the summary
// line gets colorized.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/mattn/go-isatty"

	"github.com/wikitools/mediasync/internal/run"
	"github.com/wikitools/mediasync/internal/runstate"
)

// jsonReport is the wire shape for -json output: run.Report's fields that
// are useful to a script, flattened and with string-keyed modes instead of
// runstate.Mode's int.
type jsonReport struct {
	StartedAt time.Time           `json:"started_at"`
	Duration  string              `json:"duration"`
	Today     string              `json:"today"`
	Projects  []jsonProjectResult `json:"projects"`
}

type jsonProjectResult struct {
	Project string `json:"project"`
	Mode    string `json:"mode"`
	Kept    int    `json:"kept"`
	Deleted int    `json:"deleted"`
	Fetched int    `json:"fetched"`
	Failed  int    `json:"failed"`
	Error   string `json:"error,omitempty"`
}

// PrintJSON writes report to w as indented JSON.
func PrintJSON(w io.Writer, r *run.Report) error {
	out := jsonReport{
		StartedAt: r.StartedAt,
		Duration:  r.Duration.Round(time.Millisecond).String(),
		Today:     r.Today,
	}

	for _, p := range r.Projects {
		jp := jsonProjectResult{
			Project: p.Project,
			Mode:    modeName(p.Mode),
			Kept:    p.Kept,
			Deleted: p.Deleted,
			Fetched: p.Fetched,
			Failed:  p.Failed,
		}

		if p.Err != nil {
			jp.Error = p.Err.Error()
		}

		out.Projects = append(out.Projects, jp)
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")

	return enc.Encode(out)
}

// PrintText writes report to w as a human-readable table followed by a
// one-line summary. Colorized only when w is a terminal.
func PrintText(w io.Writer, r *run.Report) {
	headers := []string{"PROJECT", "MODE", "KEPT", "DELETED", "FETCHED", "FAILED", "STATUS"}

	rows := make([][]string, 0, len(r.Projects))
	failures := 0

	for _, p := range r.Projects {
		status := "ok"
		if p.Err != nil {
			status = p.Err.Error()
			failures++
		}

		rows = append(rows, []string{
			p.Project,
			modeName(p.Mode),
			humanize.Comma(int64(p.Kept)),
			humanize.Comma(int64(p.Deleted)),
			humanize.Comma(int64(p.Fetched)),
			humanize.Comma(int64(p.Failed)),
			status,
		})
	}

	printTable(w, headers, rows)

	fmt.Fprintf(w, "\n%s - %d project(s), %d failed, took %s\n",
		summaryLabel(w, failures), len(r.Projects), failures, r.Duration.Round(time.Millisecond))
}

func summaryLabel(w io.Writer, failures int) string {
	label := "run complete"
	if failures > 0 {
		label = "run complete with failures"
	}

	if !isTerminalWriter(w) {
		return label
	}

	const (
		colorReset  = "\033[0m"
		colorGreen  = "\033[32m"
		colorYellow = "\033[33m"
	)

	color := colorGreen
	if failures > 0 {
		color = colorYellow
	}

	return color + label + colorReset
}

func isTerminalWriter(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}

	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

func modeName(m runstate.Mode) string {
	if m == runstate.ModeFull {
		return "full"
	}

	return "incremental"
}

// PrintTable writes aligned columns to w. Exported so other commands (e.g.
// status) can render their own tabular output in the same style as
// PrintText.
func PrintTable(w io.Writer, headers []string, rows [][]string) {
	printTable(w, headers, rows)
}

func printTable(w io.Writer, headers []string, rows [][]string) {
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = len(h)
	}

	for _, row := range rows {
		for i, cell := range row {
			if len(cell) > widths[i] {
				widths[i] = len(cell)
			}
		}
	}

	printRow(w, headers, widths)

	for _, row := range rows {
		printRow(w, row, widths)
	}
}

func printRow(w io.Writer, cells []string, widths []int) {
	parts := make([]string, len(cells))
	for i, cell := range cells {
		parts[i] = fmt.Sprintf("%-*s", widths[i], cell)
	}

	fmt.Fprintln(w, strings.Join(parts, "  "))
}
