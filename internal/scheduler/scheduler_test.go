package scheduler

import (
	"context"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/fentz26/shardrun/internal/audit"
	"github.com/fentz26/shardrun/internal/connectors"
	"github.com/fentz26/shardrun/internal/models"
	"github.com/fentz26/shardrun/internal/store"
)

// mockConnector fails the units listed in fail and tracks peak concurrency.
type mockConnector struct {
	name  string
	delay time.Duration
	fail  map[string]bool

	mu      sync.Mutex
	active  int
	peak    int
	started []string
}

func (m *mockConnector) Name() string {
	return m.name
}

func (m *mockConnector) Execute(ctx context.Context, cmd connectors.Command, onLine connectors.LineFunc) (*connectors.ExecResult, error) {
	unit := cmd.Args[len(cmd.Args)-1]
	m.mu.Lock()
	m.active++
	if m.active > m.peak {
		m.peak = m.active
	}
	m.started = append(m.started, unit)
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.active--
		m.mu.Unlock()
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(m.delay):
	}

	if onLine != nil {
		onLine(connectors.Stdout, "unit "+unit+" done")
	}
	res := &connectors.ExecResult{Command: cmd.Path, Args: cmd.Args, Stdout: []string{"unit " + unit + " done"}}
	if m.fail[unit] {
		res.ExitCode = 3
		res.Stderr = []string{"processing failed"}
	}
	return res, nil
}

func unitCommand(u models.WorkUnit) connectors.Command {
	return connectors.Command{Path: "shardrun", Args: []string{"run-unit", "--unit", strconv.Itoa(u.ID)}}
}

func makeUnits(n int) []models.WorkUnit {
	units := make([]models.WorkUnit, n)
	for i := range units {
		units[i] = models.WorkUnit{ID: i, DatasetNick: "ds", InputFiles: []string{"f.root"}}
	}
	return units
}

func TestRunRecordsOutcomes(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()

	conn := &mockConnector{name: "localexec", fail: map[string]bool{"2": true}}
	sch := New(s, audit.NewPDRWriter(s), conn, &Config{GlobalMax: 2}, unitCommand)

	var mu sync.Mutex
	final := make(map[int]models.UnitState)
	sch.OnEvent(func(ev Event) {
		mu.Lock()
		defer mu.Unlock()
		if ev.State.Terminal() {
			final[ev.UnitID] = ev.State
		}
	})

	summary, err := sch.Run(context.Background(), "sub-1", makeUnits(4))
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if summary.Total != 4 || summary.Succeeded != 3 || summary.Failed != 1 {
		t.Errorf("Unexpected summary: %+v", summary)
	}
	if len(summary.FailedUnits) != 1 || summary.FailedUnits[0] != 2 {
		t.Errorf("Expected unit 2 to fail, got %v", summary.FailedUnits)
	}
	if final[2] != models.UnitStateFailed || final[0] != models.UnitStateUploaded {
		t.Errorf("Unexpected final states: %v", final)
	}

	runs, err := s.ListUnitRuns("sub-1")
	if err != nil {
		t.Fatalf("ListUnitRuns failed: %v", err)
	}
	if len(runs) != 4 {
		t.Fatalf("Expected 4 unit runs, got %d", len(runs))
	}
	for _, r := range runs {
		if r.UnitID == 2 {
			if r.State != models.UnitStateFailed || r.ExitCode != 3 || r.Stderr != "processing failed" {
				t.Errorf("Unexpected failed run: %+v", r)
			}
		} else if r.State != models.UnitStateUploaded {
			t.Errorf("Unexpected run state: %+v", r)
		}
	}

	entries, err := s.ListPDR("sub-1")
	if err != nil {
		t.Fatalf("ListPDR failed: %v", err)
	}
	if len(entries) != 1 || entries[0].Outcome != "failure" {
		t.Errorf("Expected one failure PDR, got %+v", entries)
	}
}

func TestRunRespectsWorkerLimit(t *testing.T) {
	conn := &mockConnector{name: "localexec", delay: 50 * time.Millisecond}
	cfg := &Config{GlobalMax: 10, ByConnector: map[string]int{"localexec": 3}}
	sch := New(nil, nil, conn, cfg, unitCommand)

	summary, err := sch.Run(context.Background(), "sub", makeUnits(10))
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if summary.Succeeded != 10 {
		t.Errorf("Expected 10 successes, got %+v", summary)
	}
	if conn.peak > 3 {
		t.Errorf("Expected at most 3 concurrent workers, saw %d", conn.peak)
	}
	if conn.peak < 2 {
		t.Errorf("Expected workers to run in parallel, peak was %d", conn.peak)
	}
	if stats := sch.GetStats(); stats.ActiveWorkers != 0 {
		t.Errorf("Expected no active workers after Run, got %d", stats.ActiveWorkers)
	}
}

func TestRunCancelled(t *testing.T) {
	conn := &mockConnector{name: "localexec", delay: 10 * time.Second}
	sch := New(nil, nil, conn, &Config{GlobalMax: 1}, unitCommand)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	summary, err := sch.Run(ctx, "sub", makeUnits(5))
	if err == nil {
		t.Fatal("Expected error after cancellation")
	}
	if len(conn.started) != 1 {
		t.Errorf("Expected only the first unit to start, got %v", conn.started)
	}
	if summary.Succeeded != 0 {
		t.Errorf("Expected no successes, got %+v", summary)
	}
}

func TestGetConnectorLimit(t *testing.T) {
	cfg := &Config{GlobalMax: 4, ByConnector: map[string]int{"a": 8, "b": 2}}
	if got := cfg.GetConnectorLimit("a"); got != 4 {
		t.Errorf("Expected limit capped at GlobalMax, got %d", got)
	}
	if got := cfg.GetConnectorLimit("b"); got != 2 {
		t.Errorf("Expected per-connector limit 2, got %d", got)
	}
	if got := cfg.GetConnectorLimit("c"); got != 4 {
		t.Errorf("Expected GlobalMax for unknown connector, got %d", got)
	}
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")
	s, err := store.New(dbPath)
	if err != nil {
		t.Fatalf("Failed to create test store: %v", err)
	}
	return s
}
