package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/fentz26/shardrun/internal/branchmap"
	"github.com/fentz26/shardrun/internal/cli"
	"github.com/fentz26/shardrun/internal/connectors"
	"github.com/fentz26/shardrun/internal/connectors/localexec"
	"github.com/fentz26/shardrun/internal/ctxlog"
	"github.com/fentz26/shardrun/internal/models"
	"github.com/fentz26/shardrun/internal/scheduler"
	"github.com/fentz26/shardrun/internal/tui"
)

var localCmd = &cobra.Command{
	Use:   "local",
	Short: "Run every unit of a submission on this host",
	Long: `Runs "shardrun run-unit" for each unit of a submission as a child process,
with at most --workers units at a time.`,
	Args: cobra.NoArgs,
	RunE: runLocal,
}

var (
	localSubmission string
	localWorkers    int
	localTUI        bool
)

func init() {
	localCmd.Flags().StringVar(&localSubmission, "submission", "", "Submission directory (required)")
	localCmd.Flags().IntVar(&localWorkers, "workers", 0, "Concurrent units (default: local.workers from the config)")
	localCmd.Flags().BoolVar(&localTUI, "tui", false, "Show a live progress view")
	localCmd.MarkFlagRequired("submission")
}

func runLocal(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	dir, err := filepath.Abs(localSubmission)
	if err != nil {
		return err
	}
	m, err := branchmap.LoadManifest(filepath.Join(dir, branchmap.ManifestFile))
	if err != nil {
		return err
	}
	workers := a.cfg.Local.Workers
	if localWorkers != 0 {
		workers = localWorkers
	}
	if workers < 1 {
		return cli.Usage("--workers must be at least 1")
	}

	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("locate executable: %w", err)
	}
	command := func(u models.WorkUnit) connectors.Command {
		return connectors.Command{
			Path: exe,
			Args: []string{
				"--log-level", logLevel,
				"--log-format", logFormat,
				"run-unit", "--submission", dir, "--unit", strconv.Itoa(u.ID),
			},
		}
	}

	submissionID := m.ID
	if submissionID == "" {
		submissionID = filepath.Base(dir)
	}
	schedCfg := &scheduler.Config{
		GlobalMax:   workers,
		ByConnector: map[string]int{"localexec": workers},
	}
	// Children run from the config directory, where a relative work dir of
	// the manifest resolves the same way it did at submit time.
	sch := scheduler.New(a.store, a.pdr, localexec.New(a.cfg.Resolve(".")), schedCfg, command)

	var summary scheduler.Summary
	if localTUI {
		summary, err = runLocalTUI(cmd.Context(), sch, submissionID, dir, m)
	} else {
		summary, err = runLocalPlain(cmd.Context(), sch, submissionID, m)
	}
	fmt.Println(tui.SummaryPanel(fmt.Sprintf("%s %s", m.Task, m.ProductionTag), summary.Total, summary.Succeeded, summary.Failed, summary.FailedUnits))
	if err != nil {
		return err
	}
	if summary.Failed > 0 {
		return cli.UnitFailed(fmt.Errorf("%d of %d units failed", summary.Failed, summary.Total))
	}
	return nil
}

func runLocalPlain(ctx context.Context, sch *scheduler.Scheduler, submissionID string, m *branchmap.Manifest) (scheduler.Summary, error) {
	logger := ctxlog.FromContext(ctx)
	sch.OnEvent(func(ev scheduler.Event) {
		if ev.State.Terminal() {
			logger.Info("unit finished", "unit", ev.UnitID, "state", ev.State, "exit_code", ev.ExitCode)
		}
	})
	return sch.Run(ctx, submissionID, m.Units)
}

// runLocalTUI runs the dispatcher behind the progress view. Log records go
// to logs/local.log inside the submission directory so they do not tear the
// screen.
func runLocalTUI(ctx context.Context, sch *scheduler.Scheduler, submissionID, dir string, m *branchmap.Manifest) (scheduler.Summary, error) {
	logFile, err := os.OpenFile(filepath.Join(dir, "logs", "local.log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return scheduler.Summary{Total: len(m.Units)}, fmt.Errorf("open log file: %w", err)
	}
	defer logFile.Close()
	ctx = ctxlog.WithLogger(ctx, ctxlog.New(logLevel, logFormat, logFile))
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	model := tui.NewProgressModel(fmt.Sprintf("%s %s", m.Task, m.ProductionTag), m.Units)
	p := tea.NewProgram(model, tea.WithContext(ctx))
	sch.OnEvent(func(ev scheduler.Event) {
		p.Send(tui.EventMsg(ev))
	})

	type outcome struct {
		summary scheduler.Summary
		err     error
	}
	done := make(chan outcome, 1)
	go func() {
		summary, err := sch.Run(ctx, submissionID, m.Units)
		p.Send(tui.DoneMsg{Summary: summary, Err: err})
		done <- outcome{summary, err}
	}()

	if _, err := p.Run(); err != nil && ctx.Err() == nil {
		cancel()
		<-done
		return scheduler.Summary{Total: len(m.Units)}, fmt.Errorf("TUI error: %w", err)
	}
	if model.Interrupted() {
		cancel()
	}
	res := <-done
	return res.summary, res.err
}
