// Package report renders the result of a cleanup run for people and for the
// GitHub Actions runner.
package report

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/scottbass3/ghcr-cleaner/internal/cleaner"
)

var (
	colorPrimary = lipgloss.Color("62")
	colorMuted   = lipgloss.Color("241")
	colorAccent  = lipgloss.Color("204")
	colorSuccess = lipgloss.Color("42")

	titleStyle  = lipgloss.NewStyle().Foreground(colorPrimary).Bold(true)
	headerStyle = lipgloss.NewStyle().Foreground(colorPrimary).Bold(true).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
	borderStyle = lipgloss.NewStyle().Foreground(colorMuted)
	mutedStyle  = lipgloss.NewStyle().Foreground(colorMuted)
	errorStyle  = lipgloss.NewStyle().Foreground(colorAccent)
	okStyle     = lipgloss.NewStyle().Foreground(colorSuccess)
)

// Summary renders one row per package followed by the run totals and any errors.
func Summary(r cleaner.Report) string {
	var b strings.Builder

	mode := "cleanup"
	if r.DryRun {
		mode = "dry run"
	}
	b.WriteString(titleStyle.Render(fmt.Sprintf("ghcr-cleaner %s for %s", mode, r.Owner)))
	b.WriteString(mutedStyle.Render(fmt.Sprintf("  run %s", r.RunID)))
	b.WriteString("\n")

	if r.ScopeErr != nil {
		b.WriteString(errorStyle.Render("error: " + r.ScopeErr.Error()))
		b.WriteString("\n")
		return b.String()
	}
	if len(r.Packages) == 0 {
		b.WriteString(mutedStyle.Render("no packages in scope"))
		b.WriteString("\n")
		return b.String()
	}

	deletedHeader := "Deleted"
	if r.DryRun {
		deletedHeader = "Would delete"
	}
	headers := []string{"Package", "State", "Versions", deletedHeader, "Kept", "Protected", "Failed", "Duration"}

	rows := make([][]string, 0, len(r.Packages))
	for _, pkg := range r.Packages {
		deleted := pkg.Deleted + pkg.AlreadyGone
		if r.DryRun {
			deleted = pkg.WouldDelete
		}
		rows = append(rows, []string{
			pkg.Package,
			stateCell(pkg.State),
			strconv.Itoa(pkg.Evaluated),
			strconv.Itoa(deleted),
			strconv.Itoa(pkg.Kept),
			strconv.Itoa(pkg.Protected),
			strconv.Itoa(pkg.Failed),
			pkg.Duration.Round(time.Millisecond).String(),
		})
	}

	tbl := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(borderStyle).
		Headers(headers...).
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		})
	b.WriteString(tbl.String())
	b.WriteString("\n")

	totals := r.Totals()
	line := fmt.Sprintf("%d packages, %d versions evaluated, %d deleted, %d already gone, %d kept, %d failed",
		totals.Packages, totals.Evaluated, totals.Deleted, totals.AlreadyGone, totals.Kept, totals.Failed)
	if r.DryRun {
		line = fmt.Sprintf("%d packages, %d versions evaluated, %d would be deleted, %d kept",
			totals.Packages, totals.Evaluated, totals.WouldDelete, totals.Kept)
	}
	b.WriteString(line)
	b.WriteString("\n")

	for _, pkg := range r.Packages {
		if pkg.Err != nil {
			b.WriteString(errorStyle.Render(fmt.Sprintf("%s: %v", pkg.Package, pkg.Err)))
			b.WriteString("\n")
		}
		for _, v := range pkg.Versions {
			if v.Status == cleaner.StatusFailed && v.Err != nil {
				b.WriteString(errorStyle.Render(fmt.Sprintf("%s %s: %v", pkg.Package, v.Version, v.Err)))
				b.WriteString("\n")
			}
		}
	}
	return b.String()
}

// stateCell colours a state; the colour codes are stripped by lipgloss when the
// output is not a terminal.
func stateCell(state cleaner.State) string {
	switch state {
	case cleaner.StateDone:
		return okStyle.Render(string(state))
	case cleaner.StateSkipped:
		return mutedStyle.Render(string(state))
	default:
		return errorStyle.Render(string(state))
	}
}
