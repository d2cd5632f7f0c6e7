// SPDX-FileCopyrightText: 2026 Bonial International GmbH
// SPDX-License-Identifier: Apache-2.0

package output

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"unicode/utf8"

	aqtable "github.com/aquasecurity/table"
	"github.com/aquasecurity/tml"
	"github.com/fatih/color"
	"golang.org/x/term"

	"github.com/bonial-oss/epss-watch/internal/types"
)

const maxManufacturers = 4

// TableConfig controls row order and styling.
type TableConfig struct {
	SortBy     string // "score", "cve", "" (preserve order)
	IsTerminal bool   // true when output goes to a terminal (enables ANSI styling)
}

// IsOutputToTerminal returns true if the writer is stdout connected to a
// character device (TTY).
func IsOutputToTerminal(output io.Writer) bool {
	return output == os.Stdout && term.IsTerminal(int(os.Stdout.Fd()))
}

// WriteNotificationTable writes the notifications raised by one run under a
// heading with per-reason totals.
func WriteNotificationTable(w io.Writer, title string, notifications []types.Notification, cfg TableConfig) error {
	writeHeader(w, title, notificationSummary(notifications), cfg.IsTerminal)

	rows := make([]types.Notification, len(notifications))
	copy(rows, notifications)
	sortRows(rows, cfg.SortBy,
		func(n types.Notification) string { return n.CVEID },
		func(n types.Notification) float64 { return n.NewScore })

	tw := newTableWriter(w, cfg.IsTerminal)
	tw.SetHeaders("Vulnerability", "Reason", "EPSS", "Previous", "Change", "KEV", "Manufacturers")
	for _, n := range rows {
		reason := string(n.Reason)
		if cfg.IsTerminal {
			reason = colorizeReason(n.Reason)
		}
		tw.AddRow(
			n.CVEID,
			reason,
			formatScore(n.NewScore, cfg.IsTerminal),
			formatPrevious(n),
			formatChange(n),
			formatKEV(n.KEVListed),
			formatManufacturers(n.Manufacturers),
		)
	}
	tw.Render()
	return nil
}

// WriteSnapshotTable writes the stored history records.
func WriteSnapshotTable(w io.Writer, title string, snapshot *types.Snapshot, cfg TableConfig) error {
	records := snapshot.Records()
	writeHeader(w, title, fmt.Sprintf("Total: %d", len(records)), cfg.IsTerminal)

	sortRows(records, cfg.SortBy,
		func(r types.ScoreRecord) string { return r.CVEID },
		func(r types.ScoreRecord) float64 { return r.EPSSScore })

	tw := newTableWriter(w, cfg.IsTerminal)
	tw.SetHeaders("Vulnerability", "EPSS", "Manufacturers")
	for _, r := range records {
		tw.AddRow(r.CVEID, formatScore(r.EPSSScore, cfg.IsTerminal), formatManufacturers(r.Manufacturers))
	}
	tw.Render()
	return nil
}

// writeHeader writes the title with formatting and a summary line.
func writeHeader(w io.Writer, title, summary string, isTerminal bool) {
	if isTerminal {
		_ = tml.Fprintf(w, "<underline><bold>%s</bold></underline>\n", title)
	} else {
		fmt.Fprintln(w, title)
		fmt.Fprintln(w, strings.Repeat("=", utf8.RuneCountInString(title)))
	}
	fmt.Fprintln(w, summary)
	fmt.Fprintln(w)
}

// newTableWriter creates a table writer with borders and row separators.
// When isTerminal is true, header and line styles use ANSI formatting.
func newTableWriter(w io.Writer, isTerminal bool) *aqtable.Table {
	tw := aqtable.New(w)
	if isTerminal {
		tw.SetHeaderStyle(aqtable.StyleBold)
		tw.SetLineStyle(aqtable.StyleDim)
	}
	tw.SetBorders(true)
	tw.SetRowLines(true)
	return tw
}

// notificationSummary returns a line like:
// Total: 3 (NEW: 1, SIGNIFICANT_INCREASE: 2)
func notificationSummary(notifications []types.Notification) string {
	var newCount, increaseCount int
	for _, n := range notifications {
		switch n.Reason {
		case types.ReasonNew:
			newCount++
		case types.ReasonSignificantIncrease:
			increaseCount++
		}
	}
	return fmt.Sprintf("Total: %d (%s: %d, %s: %d)", len(notifications),
		types.ReasonNew, newCount, types.ReasonSignificantIncrease, increaseCount)
}

// sortRows orders rows by descending score or ascending CVE ID. Any other key
// keeps the input order.
func sortRows[T any](rows []T, sortBy string, id func(T) string, score func(T) float64) {
	switch sortBy {
	case "score":
		sort.SliceStable(rows, func(i, j int) bool {
			return score(rows[i]) > score(rows[j])
		})
	case "cve":
		sort.SliceStable(rows, func(i, j int) bool {
			return id(rows[i]) < id(rows[j])
		})
	}
}

var reasonColors = map[types.Reason]func(a ...any) string{
	types.ReasonNew:                 color.New(color.FgHiRed).SprintFunc(),
	types.ReasonSignificantIncrease: color.New(color.FgYellow).SprintFunc(),
}

func colorizeReason(r types.Reason) string {
	if fn, ok := reasonColors[r]; ok {
		return fn(string(r))
	}
	return string(r)
}

// scoreColor picks a colour band for an EPSS probability.
func scoreColor(score float64) *color.Color {
	switch {
	case score >= 0.9:
		return color.New(color.FgRed)
	case score >= 0.7:
		return color.New(color.FgHiRed)
	case score >= 0.5:
		return color.New(color.FgYellow)
	default:
		return color.New(color.FgBlue)
	}
}

func formatScore(score float64, isTerminal bool) string {
	s := fmt.Sprintf("%.4f", score)
	if isTerminal {
		return scoreColor(score).Sprint(s)
	}
	return s
}

// formatPrevious returns the prior score or "-" for new CVEs.
func formatPrevious(n types.Notification) string {
	if !n.HasPrior {
		return "-"
	}
	return fmt.Sprintf("%.4f", n.OldScore)
}

// formatChange returns the relative increase as a percentage, "+inf" when the
// prior score was zero, or "-" for new CVEs.
func formatChange(n types.Notification) string {
	if !n.HasPrior {
		return "-"
	}
	if n.OldScore == 0 {
		return "+inf"
	}
	return fmt.Sprintf("%+.1f%%", (n.NewScore-n.OldScore)/n.OldScore*100)
}

func formatKEV(listed bool) string {
	if listed {
		return "YES"
	}
	return "NO"
}

// formatManufacturers joins up to maxManufacturers names and summarizes the
// rest.
func formatManufacturers(names []string) string {
	if len(names) == 0 {
		return "-"
	}
	if len(names) <= maxManufacturers {
		return strings.Join(names, ", ")
	}
	return fmt.Sprintf("%s (+%d more)", strings.Join(names[:maxManufacturers], ", "), len(names)-maxManufacturers)
}
