package scheduler

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/fentz26/shardrun/internal/audit"
	"github.com/fentz26/shardrun/internal/connectors"
	"github.com/fentz26/shardrun/internal/ctxlog"
	"github.com/fentz26/shardrun/internal/models"
)

// RunRecorder persists unit run attempts.
type RunRecorder interface {
	CreateUnitRun(submissionID string, unitID int) (*models.UnitRun, error)
	FinishUnitRun(id string, state models.UnitState, exitCode int, stdout, stderr string) error
}

// CommandFunc builds the worker command for a unit.
type CommandFunc func(u models.WorkUnit) connectors.Command

// Event reports progress of one unit.
type Event struct {
	UnitID   int
	State    models.UnitState
	ExitCode int
	// Line is the last output line of the worker, if any.
	Line string
	Err  error
}

// Summary is the outcome of dispatching a whole submission.
type Summary struct {
	Total       int
	Succeeded   int
	Failed      int
	FailedUnits []int
}

// Scheduler manages unit dispatching and the worker pool.
type Scheduler struct {
	runs      RunRecorder
	pdr       *audit.PDRWriter
	connector connectors.Connector
	config    *Config
	command   CommandFunc
	onEvent   func(Event)

	// Worker pool state
	mu              sync.Mutex
	activeWorkers   int
	connectorCounts map[string]int
}

// New creates a new scheduler. runs and pdr may be nil.
func New(runs RunRecorder, pdr *audit.PDRWriter, conn connectors.Connector, cfg *Config, command CommandFunc) *Scheduler {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Scheduler{
		runs:            runs,
		pdr:             pdr,
		connector:       conn,
		config:          cfg,
		command:         command,
		connectorCounts: make(map[string]int),
	}
}

// OnEvent registers a progress observer. It is called from worker
// goroutines, one call at a time.
func (sch *Scheduler) OnEvent(fn func(Event)) {
	sch.onEvent = fn
}

// Run dispatches every unit and waits for all of them. A failing unit does
// not stop the others; cancelling ctx stops dispatching and kills running
// workers.
func (sch *Scheduler) Run(ctx context.Context, submissionID string, units []models.WorkUnit) (Summary, error) {
	logger := ctxlog.FromContext(ctx)
	limit := sch.config.GetConnectorLimit(sch.connector.Name())
	logger.Info("dispatching units", "submission", submissionID, "units", len(units), "workers", limit)

	var (
		wg      sync.WaitGroup
		emitMu  sync.Mutex
		sumMu   sync.Mutex
		summary = Summary{Total: len(units)}
		sem     = make(chan struct{}, limit)
	)
	emit := func(ev Event) {
		if sch.onEvent == nil {
			return
		}
		emitMu.Lock()
		defer emitMu.Unlock()
		sch.onEvent(ev)
	}
	for _, u := range units {
		emit(Event{UnitID: u.ID, State: models.UnitStatePending})
	}

dispatch:
	for _, u := range units {
		select {
		case <-ctx.Done():
			break dispatch
		case sem <- struct{}{}:
		}
		// A slot freed by a cancelled worker must not start another unit.
		if ctx.Err() != nil {
			<-sem
			break
		}

		sch.acquire()
		wg.Add(1)
		go func(u models.WorkUnit) {
			defer wg.Done()
			defer func() { <-sem }()
			defer sch.release()

			state, err := sch.runUnit(ctx, submissionID, u, emit)
			sumMu.Lock()
			defer sumMu.Unlock()
			if state == models.UnitStateUploaded {
				summary.Succeeded++
				return
			}
			summary.Failed++
			summary.FailedUnits = append(summary.FailedUnits, u.ID)
			if err != nil {
				logger.Error("unit failed", "unit", u.ID, "error", err)
			}
		}(u)
	}
	wg.Wait()

	if _, err := sch.pdr.Record("submission.local_run", map[string]interface{}{
		"submission_id": submissionID,
		"units":         len(units),
	}, outcome(summary), submissionID, fmt.Sprintf("%d succeeded, %d failed", summary.Succeeded, summary.Failed)); err != nil {
		logger.Warn("failed to record decision", "error", err)
	}
	if err := ctx.Err(); err != nil {
		return summary, fmt.Errorf("dispatch interrupted: %w", err)
	}
	return summary, nil
}

func outcome(s Summary) string {
	if s.Failed > 0 {
		return "failure"
	}
	return "success"
}

func (sch *Scheduler) runUnit(ctx context.Context, submissionID string, u models.WorkUnit, emit func(Event)) (models.UnitState, error) {
	logger := ctxlog.FromContext(ctx)

	var run *models.UnitRun
	if sch.runs != nil {
		var err error
		if run, err = sch.runs.CreateUnitRun(submissionID, u.ID); err != nil {
			logger.Warn("failed to record unit run", "unit", u.ID, "error", err)
		}
	}
	emit(Event{UnitID: u.ID, State: models.UnitStateRunning})

	res, err := sch.connector.Execute(ctx, sch.command(u), func(stream connectors.Stream, line string) {
		logger.Debug(line, "unit", u.ID, "stream", stream)
		emit(Event{UnitID: u.ID, State: models.UnitStateRunning, Line: line})
	})

	state := models.UnitStateUploaded
	exitCode := 0
	var stdout, stderr string
	if res != nil {
		exitCode = res.ExitCode
		stdout = strings.Join(res.Stdout, "\n")
		stderr = strings.Join(res.Stderr, "\n")
	}
	if err != nil || exitCode != 0 {
		state = models.UnitStateFailed
	}
	if run != nil {
		if ferr := sch.runs.FinishUnitRun(run.ID, state, exitCode, stdout, stderr); ferr != nil {
			logger.Warn("failed to record unit result", "unit", u.ID, "error", ferr)
		}
	}
	emit(Event{UnitID: u.ID, State: state, ExitCode: exitCode, Err: err})
	if err == nil && exitCode != 0 {
		err = fmt.Errorf("worker exited with code %d", exitCode)
	}
	return state, err
}

func (sch *Scheduler) acquire() {
	sch.mu.Lock()
	defer sch.mu.Unlock()
	sch.activeWorkers++
	sch.connectorCounts[sch.connector.Name()]++
}

func (sch *Scheduler) release() {
	sch.mu.Lock()
	defer sch.mu.Unlock()
	sch.activeWorkers--
	sch.connectorCounts[sch.connector.Name()]--
}

// Stats is a snapshot of the worker pool.
type Stats struct {
	ActiveWorkers   int
	GlobalMax       int
	ConnectorCounts map[string]int
}

// GetStats returns current scheduler statistics.
func (sch *Scheduler) GetStats() Stats {
	sch.mu.Lock()
	defer sch.mu.Unlock()

	counts := make(map[string]int, len(sch.connectorCounts))
	for k, v := range sch.connectorCounts {
		counts[k] = v
	}
	return Stats{
		ActiveWorkers:   sch.activeWorkers,
		GlobalMax:       sch.config.GlobalMax,
		ConnectorCounts: counts,
	}
}
