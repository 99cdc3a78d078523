package tui

import (
	"errors"
	"strings"
	"testing"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fentz26/shardrun/internal/models"
	"github.com/fentz26/shardrun/internal/registry"
	"github.com/fentz26/shardrun/internal/scheduler"
)

func testUnits() []models.WorkUnit {
	return []models.WorkUnit{
		{ID: 0, DatasetNick: "dy", Era: "2018", SampleType: "mc", InputFiles: []string{"a.root", "b.root"}},
		{ID: 1, DatasetNick: "dy", Era: "2018", SampleType: "mc", InputFiles: []string{"c.root"}},
		{ID: 2, DatasetNick: "data", Era: "2018", SampleType: "data", InputFiles: []string{"d.root"}, FirstUnitOffset: 2},
	}
}

func send(m *ProgressModel, msg tea.Msg) tea.Cmd {
	_, cmd := m.Update(msg)
	return cmd
}

func TestProgressModel_TracksStates(t *testing.T) {
	m := NewProgressModel("ProcessorRun v1", testUnits())

	send(m, EventMsg{UnitID: 0, State: models.UnitStateRunning, Line: "processing event 100"})
	send(m, EventMsg{UnitID: 1, State: models.UnitStateUploaded})
	send(m, EventMsg{UnitID: 2, State: models.UnitStateFailed, ExitCode: 3})
	// Lines can arrive after the final state.
	send(m, EventMsg{UnitID: 2, State: models.UnitStateRunning, Line: "late"})
	send(m, EventMsg{UnitID: 42, State: models.UnitStateRunning})

	finished, failed, active := m.counts()
	assert.Equal(t, 2, finished)
	assert.Equal(t, 1, failed)
	assert.Equal(t, 1, active)
	assert.Equal(t, models.UnitStateFailed, m.rows[2].state)

	view := m.View()
	assert.Contains(t, view, "2/3 done, 1 running, 1 failed")
	assert.Contains(t, view, "processing event 100")
	assert.Contains(t, view, "exit 3")
	assert.Contains(t, view, "q: stop")
}

func TestProgressModel_DoneQuits(t *testing.T) {
	m := NewProgressModel("run", testUnits())

	cmd := send(m, DoneMsg{Summary: scheduler.Summary{Total: 3, Succeeded: 2, Failed: 1}})
	require.NotNil(t, cmd)
	assert.IsType(t, tea.QuitMsg{}, cmd())
	assert.False(t, m.Interrupted())
	assert.Contains(t, m.View(), "2 succeeded, 1 failed")

	m = NewProgressModel("run", testUnits())
	send(m, DoneMsg{Err: errors.New("dispatch interrupted")})
	assert.Contains(t, m.View(), "Error: dispatch interrupted")
}

func TestProgressModel_QuitBeforeDone(t *testing.T) {
	m := NewProgressModel("run", testUnits())
	cmd := send(m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	require.NotNil(t, cmd)
	assert.True(t, m.Interrupted())
}

func TestProgressModel_VisibleRowsPreferActive(t *testing.T) {
	units := make([]models.WorkUnit, 20)
	for i := range units {
		units[i] = models.WorkUnit{ID: i, DatasetNick: "dy"}
	}
	m := NewProgressModel("run", units)
	send(m, tea.WindowSizeMsg{Width: 80, Height: 8})
	send(m, EventMsg{UnitID: 17, State: models.UnitStateRunning})

	rows := m.visibleRows(3)
	require.Len(t, rows, 3)
	assert.Equal(t, 17, rows[0].unit.ID)
}

func TestUnitTable(t *testing.T) {
	out := UnitTable(testUnits(), []string{"mt"}, ".root")
	lines := strings.Split(strings.TrimSpace(out), "\n")
	// header, border, three units
	assert.Len(t, lines, 5)
	assert.Contains(t, out, "2018/dy/mt/dy_1.root")
	assert.Contains(t, out, "2018/data/mt/data_0.root")

	assert.Contains(t, UnitTable(nil, nil, ".root"), "no units")
}

func TestRegistryTable(t *testing.T) {
	v := registry.Versions{}
	v.Set("ProcessorRun", "v2", "2024_05_02_00_00_00_000000")
	v.Set("ProcessorRun", "v1", "2024_05_01_00_00_00_000000")

	out := RegistryTable(v.Entries())
	assert.Less(t, strings.Index(out, "v1"), strings.Index(out, "v2"))
	assert.Contains(t, RegistryTable(nil), "registry is empty")
}

func TestSummaryPanel(t *testing.T) {
	out := SummaryPanel("local run", 4, 3, 1, []int{2})
	assert.Contains(t, out, "failed units: 2")
}
