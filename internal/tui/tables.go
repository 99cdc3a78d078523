package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/fentz26/shardrun/internal/branchmap"
	"github.com/fentz26/shardrun/internal/models"
	"github.com/fentz26/shardrun/internal/registry"
)

// table renders rows in aligned columns below a styled header.
func table(header []string, rows [][]string) string {
	widths := make([]int, len(header))
	for i, h := range header {
		widths[i] = lipgloss.Width(h)
	}
	for _, r := range rows {
		for i, cell := range r {
			if w := lipgloss.Width(cell); w > widths[i] {
				widths[i] = w
			}
		}
	}

	line := func(cells []string, style lipgloss.Style) string {
		parts := make([]string, len(cells))
		for i, c := range cells {
			parts[i] = style.Copy().Width(widths[i]).Render(c)
		}
		return strings.Join(parts, "  ")
	}

	var b strings.Builder
	b.WriteString(headerStyle.Render(line(header, lipgloss.NewStyle())))
	b.WriteString("\n")
	for _, r := range rows {
		b.WriteString(line(r, lipgloss.NewStyle()))
		b.WriteString("\n")
	}
	return b.String()
}

// UnitTable lists units with their inputs and the output path of the first
// scope.
func UnitTable(units []models.WorkUnit, scopes []string, ext string) string {
	if len(units) == 0 {
		return helpStyle.Render("no units") + "\n"
	}
	rows := make([][]string, 0, len(units))
	for _, u := range units {
		out := ""
		if len(scopes) > 0 {
			out = branchmap.OutputPath(u, scopes[0], ext)
		}
		rows = append(rows, []string{
			fmt.Sprint(u.ID),
			u.DatasetNick,
			u.Era,
			u.SampleType,
			fmt.Sprint(len(u.InputFiles)),
			out,
		})
	}
	return table([]string{"UNIT", "DATASET", "ERA", "TYPE", "FILES", "OUTPUT"}, rows)
}

// RegistryTable lists the live artifact version of every (task, tag).
func RegistryTable(entries []registry.Entry) string {
	if len(entries) == 0 {
		return helpStyle.Render("registry is empty") + "\n"
	}
	rows := make([][]string, 0, len(entries))
	for _, e := range entries {
		rows = append(rows, []string{e.Task, e.Tag, e.Version})
	}
	return table([]string{"TASK", "TAG", "VERSION"}, rows)
}

// SummaryPanel frames the outcome of a local run.
func SummaryPanel(title string, total, succeeded, failed int, failedUnits []int) string {
	var b strings.Builder
	b.WriteString(titleStyle.Render(title) + "\n")
	b.WriteString(fmt.Sprintf("%s %d\n", labelStyle.Render("units:    "), total))
	b.WriteString(fmt.Sprintf("%s %s\n", labelStyle.Render("succeeded:"), stateDone.Render(fmt.Sprint(succeeded))))
	failedText := fmt.Sprint(failed)
	if failed > 0 {
		failedText = stateFailed.Render(failedText)
	}
	b.WriteString(fmt.Sprintf("%s %s", labelStyle.Render("failed:   "), failedText))
	if len(failedUnits) > 0 {
		ids := make([]string, len(failedUnits))
		for i, id := range failedUnits {
			ids[i] = fmt.Sprint(id)
		}
		b.WriteString("\n" + labelStyle.Render("failed units: ") + strings.Join(ids, ", "))
	}
	return panelStyle.Render(b.String())
}
