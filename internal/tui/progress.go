package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/fentz26/shardrun/internal/models"
	"github.com/fentz26/shardrun/internal/scheduler"
)

// EventMsg carries a dispatcher event into the program.
type EventMsg scheduler.Event

// DoneMsg ends the program once the dispatcher returned.
type DoneMsg struct {
	Summary scheduler.Summary
	Err     error
}

type unitRow struct {
	unit     models.WorkUnit
	state    models.UnitState
	exitCode int
	line     string
}

// ProgressModel shows the state of every unit of a local run.
type ProgressModel struct {
	title   string
	rows    []unitRow
	index   map[int]int
	spinner spinner.Model
	width   int
	height  int

	done        bool
	interrupted bool
	summary     scheduler.Summary
	err         error
}

// NewProgressModel creates a progress view for units.
func NewProgressModel(title string, units []models.WorkUnit) *ProgressModel {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(primaryColor)

	m := &ProgressModel{
		title:   title,
		rows:    make([]unitRow, len(units)),
		index:   make(map[int]int, len(units)),
		spinner: s,
		width:   80,
		height:  24,
	}
	for i, u := range units {
		m.rows[i] = unitRow{unit: u, state: models.UnitStatePending}
		m.index[u.ID] = i
	}
	return m
}

// Interrupted reports whether the user quit before the run finished.
func (m *ProgressModel) Interrupted() bool {
	return m.interrupted
}

// Init implements tea.Model
func (m *ProgressModel) Init() tea.Cmd {
	return m.spinner.Tick
}

// Update implements tea.Model
func (m *ProgressModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			if !m.done {
				m.interrupted = true
			}
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case EventMsg:
		i, ok := m.index[msg.UnitID]
		if !ok {
			return m, nil
		}
		row := &m.rows[i]
		if msg.Line != "" {
			row.line = msg.Line
		}
		// A late line never moves a finished unit back.
		if !row.state.Terminal() {
			row.state = msg.State
		}
		if msg.State.Terminal() {
			row.exitCode = msg.ExitCode
		}

	case DoneMsg:
		m.done = true
		m.summary = msg.Summary
		m.err = msg.Err
		return m, tea.Quit

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m *ProgressModel) counts() (finished, failed, active int) {
	for _, r := range m.rows {
		switch {
		case r.state == models.UnitStateFailed:
			failed++
			finished++
		case r.state == models.UnitStateUploaded:
			finished++
		case r.state != models.UnitStatePending:
			active++
		}
	}
	return finished, failed, active
}

// View implements tea.Model
func (m *ProgressModel) View() string {
	var b strings.Builder

	finished, failed, active := m.counts()
	status := fmt.Sprintf("%d/%d done, %d running, %d failed", finished, len(m.rows), active, failed)
	if m.done {
		b.WriteString(titleStyle.Render(m.title) + "  " + labelStyle.Render(status) + "\n")
	} else {
		b.WriteString(m.spinner.View() + titleStyle.Render(m.title) + "  " + labelStyle.Render(status) + "\n")
	}
	b.WriteString(strings.Repeat("─", m.width) + "\n")

	visible := m.height - 5
	if visible < 3 {
		visible = 3
	}
	for i, r := range m.visibleRows(visible) {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString(m.renderRow(r))
	}
	b.WriteString("\n\n")

	switch {
	case m.done && m.err != nil:
		b.WriteString(stateFailed.Render("Error: " + m.err.Error()))
	case m.done:
		b.WriteString(stateDone.Render(fmt.Sprintf("%d succeeded, %d failed", m.summary.Succeeded, m.summary.Failed)))
	default:
		b.WriteString(helpStyle.Render("q: stop"))
	}
	b.WriteString("\n")
	return b.String()
}

// visibleRows keeps active and failed units on screen when there are more
// units than lines.
func (m *ProgressModel) visibleRows(n int) []unitRow {
	if len(m.rows) <= n {
		return m.rows
	}
	out := make([]unitRow, 0, n)
	for _, r := range m.rows {
		if r.state != models.UnitStatePending && r.state != models.UnitStateUploaded {
			out = append(out, r)
		}
	}
	for _, r := range m.rows {
		if len(out) >= n {
			break
		}
		if r.state == models.UnitStatePending || r.state == models.UnitStateUploaded {
			out = append(out, r)
		}
	}
	if len(out) > n {
		out = out[:n]
	}
	return out
}

func (m *ProgressModel) renderRow(r unitRow) string {
	name := fmt.Sprintf("%4d  %-24s", r.unit.ID, truncate(r.unit.DatasetNick, 24))
	row := name + "  " + formatState(r.state)
	if r.state == models.UnitStateFailed {
		row += labelStyle.Render(fmt.Sprintf("  exit %d", r.exitCode))
	}
	if r.line != "" && !r.state.Terminal() {
		room := m.width - lipgloss.Width(row) - 2
		if room > 10 {
			row += "  " + labelStyle.Render(truncate(r.line, room))
		}
	}
	return row
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return s[:maxLen]
	}
	return s[:maxLen-3] + "..."
}
