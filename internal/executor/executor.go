// Package executor runs one work unit: environment bootstrap, artifact
// unpacking, the processing subprocess, post-processing and upload.
package executor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fentz26/shardrun/internal/artifact"
	"github.com/fentz26/shardrun/internal/branchmap"
	"github.com/fentz26/shardrun/internal/connectors"
	"github.com/fentz26/shardrun/internal/connectors/localexec"
	"github.com/fentz26/shardrun/internal/ctxlog"
	"github.com/fentz26/shardrun/internal/lock"
	"github.com/fentz26/shardrun/internal/models"
	"github.com/fentz26/shardrun/internal/remotefs"
)

// InputPlaceholder is replaced by the scope file path in post-process
// arguments.
const InputPlaceholder = "{input}"

// Config holds everything a unit run needs besides the unit itself.
type Config struct {
	Task string
	// Config names the analysis configuration; it is part of the executable
	// name "{config}_{sampletype}_{era}".
	Config  string
	WorkDir string
	// EnvScript is sourced by bash to produce the run environment. Empty
	// means the current process environment is used.
	EnvScript    string
	ArtifactPath string
	Scopes       []string
	OutputExt    string
	// OutputBase is the remote root below which "{task}/{era}/{nick}/{scope}"
	// directories are created.
	OutputBase  string
	PostProcess []string

	LockPollInterval time.Duration
	LockTimeout      time.Duration
}

// Validate checks that a unit can be run with c.
func (c Config) Validate() error {
	var problems []string
	if c.Task == "" {
		problems = append(problems, "task is required")
	}
	if c.Config == "" {
		problems = append(problems, "config name is required")
	}
	if c.WorkDir == "" {
		problems = append(problems, "work dir is required")
	}
	if c.ArtifactPath == "" {
		problems = append(problems, "artifact path is required")
	}
	if len(c.Scopes) == 0 {
		problems = append(problems, "at least one scope is required")
	}
	if c.OutputBase == "" {
		problems = append(problems, "output base is required")
	}
	if len(c.PostProcess) == 0 {
		problems = append(problems, "post-process command is required")
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid executor config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// ConfigFor returns the settings for running units of the submission
// described by m.
func ConfigFor(m *branchmap.Manifest) Config {
	return Config{
		Task:             m.Task,
		Config:           m.Run.Config,
		WorkDir:          m.Run.WorkDir,
		EnvScript:        m.Run.EnvScript,
		ArtifactPath:     m.Artifact.RemotePath,
		Scopes:           m.Scopes,
		OutputExt:        m.Run.OutputExt,
		OutputBase:       m.Run.OutputBase,
		PostProcess:      m.Run.PostProcess,
		LockPollInterval: m.Run.LockPollInterval,
		LockTimeout:      m.Run.LockTimeout,
	}
}

// Result is the outcome of a unit run.
type Result struct {
	Unit    models.WorkUnit
	State   models.UnitState
	Outcome models.ExecutionOutcome
	// Outputs are the remote addresses written, one per scope.
	Outputs []string
}

// StateFunc observes state transitions.
type StateFunc func(unit models.WorkUnit, state models.UnitState)

// Executor runs work units on this host.
type Executor struct {
	cfg     Config
	remote  *remotefs.Client
	runner  connectors.Connector
	onState StateFunc
}

// Option configures an Executor.
type Option func(*Executor)

// WithConnector replaces the local process runner.
func WithConnector(c connectors.Connector) Option {
	return func(e *Executor) {
		if c != nil {
			e.runner = c
		}
	}
}

// WithStateFunc registers a transition observer.
func WithStateFunc(fn StateFunc) Option {
	return func(e *Executor) {
		e.onState = fn
	}
}

// New creates an executor.
func New(cfg Config, remote *remotefs.Client, opts ...Option) (*Executor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.OutputExt == "" {
		cfg.OutputExt = ".root"
	}
	e := &Executor{
		cfg:    cfg,
		remote: remote,
		runner: localexec.New(cfg.WorkDir),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e, nil
}

// ExecutableName is "{config}_{sampletype}_{era}".
func (e *Executor) ExecutableName(u models.WorkUnit) string {
	return fmt.Sprintf("%s_%s_%s", e.cfg.Config, u.SampleType, u.Era)
}

// OutputAddress is the remote address of one scope's output for u.
func (e *Executor) OutputAddress(u models.WorkUnit, scope string) string {
	return remotefs.Join(e.cfg.OutputBase, e.cfg.Task, branchmap.OutputPath(u, scope, e.cfg.OutputExt))
}

type run struct {
	*Executor
	unit   models.WorkUnit
	result *Result
	env    []string
}

func (r *run) transition(ctx context.Context, state models.UnitState) {
	r.result.State = state
	ctxlog.FromContext(ctx).Info("unit state", "unit", r.unit.ID, "state", state)
	if r.onState != nil {
		r.onState(r.unit, state)
	}
}

func (r *run) fail(ctx context.Context, err *StageError) (*Result, error) {
	r.transition(ctx, models.UnitStateFailed)
	ctxlog.FromContext(ctx).Error("unit failed", "unit", r.unit.ID, "stage", err.State, "error", err)
	return r.result, err
}

// Run drives u from Pending to Uploaded. Any failure moves it to Failed and
// returns a *StageError; no output is uploaded unless every scope was
// produced and post-processed.
func (e *Executor) Run(ctx context.Context, u models.WorkUnit) (*Result, error) {
	ctx = ctxlog.WithLogger(ctx, ctxlog.FromContext(ctx).With("nick", u.DatasetNick, "era", u.Era))
	r := &run{Executor: e, unit: u, result: &Result{Unit: u}}
	r.transition(ctx, models.UnitStatePending)

	if err := os.MkdirAll(e.cfg.WorkDir, 0o755); err != nil {
		return r.fail(ctx, &StageError{Kind: ErrEnvironmentSetup, State: models.UnitStatePending, Path: e.cfg.WorkDir, Err: err})
	}

	env, serr := r.setupEnvironment(ctx)
	if serr != nil {
		return r.fail(ctx, serr)
	}
	r.env = env
	r.transition(ctx, models.UnitStateEnvironmentReady)

	exe, serr := r.ensureArtifact(ctx)
	if serr != nil {
		return r.fail(ctx, serr)
	}
	r.transition(ctx, models.UnitStateArtifactReady)

	r.transition(ctx, models.UnitStateRunning)
	basename := branchmap.OutputBasename(u, e.cfg.OutputExt)
	if serr := r.process(ctx, exe, basename); serr != nil {
		return r.fail(ctx, serr)
	}

	r.transition(ctx, models.UnitStatePostProcessing)
	files, serr := r.postProcess(ctx, basename)
	if serr != nil {
		return r.fail(ctx, serr)
	}

	if serr := r.upload(ctx, files); serr != nil {
		return r.fail(ctx, serr)
	}
	r.transition(ctx, models.UnitStateUploaded)
	return r.result, nil
}

func outcomeOf(res *connectors.ExecResult) *models.ExecutionOutcome {
	if res == nil {
		return nil
	}
	return &models.ExecutionOutcome{ExitCode: res.ExitCode, Stdout: res.Stdout, Stderr: res.Stderr}
}

func (r *run) setupEnvironment(ctx context.Context) ([]string, *StageError) {
	if r.cfg.EnvScript == "" {
		return os.Environ(), nil
	}
	logger := ctxlog.FromContext(ctx)
	logger.Info("sourcing environment", "script", r.cfg.EnvScript)
	res, err := r.runner.Execute(ctx, connectors.Command{
		Path: "bash",
		Args: []string{"-c", fmt.Sprintf("source %s; env", shellQuote(r.cfg.EnvScript))},
		Dir:  r.cfg.WorkDir,
	}, nil)
	if err != nil {
		return nil, &StageError{Kind: ErrEnvironmentSetup, State: models.UnitStatePending, Outcome: outcomeOf(res), Path: r.cfg.EnvScript, Err: err}
	}
	if res.ExitCode != 0 {
		for _, line := range res.Stderr {
			logger.Warn(line, "stream", connectors.Stderr)
		}
		return nil, &StageError{Kind: ErrEnvironmentSetup, State: models.UnitStatePending, Outcome: outcomeOf(res), Path: r.cfg.EnvScript}
	}
	return EnvList(ParseEnv(strings.Join(res.Stdout, "\n"))), nil
}

// ensureArtifact makes sure the processing executable is present in the
// work dir. Concurrent units on the same host share one unpack through the
// marker lock.
func (r *run) ensureArtifact(ctx context.Context) (string, *StageError) {
	name := r.ExecutableName(r.unit)
	exe := filepath.Join(r.cfg.WorkDir, name)
	fail := func(err error) (string, *StageError) {
		return "", &StageError{Kind: ErrArtifact, State: models.UnitStateEnvironmentReady, Path: exe, Err: err}
	}
	logger := ctxlog.FromContext(ctx)
	marker := lock.NewMarker(filepath.Join(r.cfg.WorkDir, "unpacking_"+name))
	if r.cfg.LockPollInterval > 0 {
		marker.PollInterval = r.cfg.LockPollInterval
	}
	marker.Timeout = r.cfg.LockTimeout
	// The executable alone says nothing while another unit is still moving
	// the rest of the tree into place.
	if marker.Held() {
		logger.Info("waiting for unpack by another unit", "marker", marker.Path)
	} else if isExecutable(exe) {
		return exe, nil
	}
	release, err := marker.Acquire(ctx)
	if err != nil {
		return fail(err)
	}
	defer func() {
		if err := release(); err != nil {
			logger.Warn("release unpack marker", "error", err)
		}
	}()

	if isExecutable(exe) {
		return exe, nil
	}
	if err := r.unpack(ctx, name); err != nil {
		return fail(err)
	}
	if !isExecutable(exe) {
		return fail(fmt.Errorf("artifact does not contain executable %s", name))
	}
	return exe, nil
}

// unpack downloads the artifact and extracts it into a staging directory
// that is moved into place only after a complete extraction. The entry
// named exe is moved last.
func (r *run) unpack(ctx context.Context, exe string) error {
	logger := ctxlog.FromContext(ctx)
	staging, err := os.MkdirTemp(r.cfg.WorkDir, ".staging-")
	if err != nil {
		return fmt.Errorf("create staging dir: %w", err)
	}
	defer os.RemoveAll(staging)

	tarball := filepath.Join(staging, "processor.tar.gz")
	logger.Info("downloading artifact", "path", r.cfg.ArtifactPath)
	if err := r.remote.Download(ctx, r.cfg.ArtifactPath, tarball); err != nil {
		return fmt.Errorf("download artifact: %w", err)
	}
	tree := filepath.Join(staging, "tree")
	if err := artifact.Unpack(ctx, tarball, tree); err != nil {
		return fmt.Errorf("unpack artifact: %w", err)
	}
	entries, err := os.ReadDir(tree)
	if err != nil {
		return fmt.Errorf("read staging dir: %w", err)
	}
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Name() != exe && entries[j].Name() == exe
	})
	for _, entry := range entries {
		dst := filepath.Join(r.cfg.WorkDir, entry.Name())
		if _, err := os.Lstat(dst); err == nil {
			if err := os.RemoveAll(dst); err != nil {
				return fmt.Errorf("replace %s: %w", dst, err)
			}
		}
		if err := os.Rename(filepath.Join(tree, entry.Name()), dst); err != nil {
			return fmt.Errorf("move %s into work dir: %w", entry.Name(), err)
		}
	}
	logger.Info("unpacked artifact", "entries", len(entries))
	return nil
}

func (r *run) logLine(ctx context.Context) connectors.LineFunc {
	logger := ctxlog.FromContext(ctx)
	return func(stream connectors.Stream, line string) {
		if stream == connectors.Stderr {
			logger.Warn(line, "stream", stream, "unit", r.unit.ID)
			return
		}
		logger.Info(line, "stream", stream, "unit", r.unit.ID)
	}
}

func (r *run) process(ctx context.Context, exe, basename string) *StageError {
	args := append([]string{basename}, r.unit.InputFiles...)
	ctxlog.FromContext(ctx).Info("running processor", "exe", exe, "inputs", len(r.unit.InputFiles))
	res, err := r.runner.Execute(ctx, connectors.Command{
		Path: exe,
		Args: args,
		Env:  r.env,
		Dir:  r.cfg.WorkDir,
	}, r.logLine(ctx))
	if out := outcomeOf(res); out != nil {
		r.result.Outcome = *out
	}
	if err != nil {
		return &StageError{Kind: ErrProcessing, State: models.UnitStateRunning, Outcome: outcomeOf(res), Path: exe, Err: err}
	}
	if res.ExitCode != 0 {
		return &StageError{Kind: ErrProcessing, State: models.UnitStateRunning, Outcome: outcomeOf(res), Path: exe}
	}
	return nil
}

func (r *run) postProcess(ctx context.Context, basename string) ([]string, *StageError) {
	logger := ctxlog.FromContext(ctx)
	files := make([]string, 0, len(r.cfg.Scopes))
	for _, scope := range r.cfg.Scopes {
		file := filepath.Join(r.cfg.WorkDir, branchmap.ScopeFile(basename, scope, r.cfg.OutputExt))
		if _, err := os.Stat(file); err != nil {
			return nil, &StageError{Kind: ErrPostProcess, State: models.UnitStatePostProcessing, Path: file, Err: err}
		}
		files = append(files, file)
	}
	r.result.Outcome.ProducedFiles = files
	logger.Info("produced files", "files", files)

	for _, file := range files {
		args := make([]string, 0, len(r.cfg.PostProcess)-1)
		for _, a := range r.cfg.PostProcess[1:] {
			args = append(args, strings.ReplaceAll(a, InputPlaceholder, file))
		}
		res, err := r.runner.Execute(ctx, connectors.Command{
			Path: r.cfg.PostProcess[0],
			Args: args,
			Env:  r.env,
			Dir:  r.cfg.WorkDir,
		}, r.logLine(ctx))
		if err != nil {
			return nil, &StageError{Kind: ErrPostProcess, State: models.UnitStatePostProcessing, Outcome: outcomeOf(res), Path: file, Err: err}
		}
		if res.ExitCode != 0 {
			return nil, &StageError{Kind: ErrPostProcess, State: models.UnitStatePostProcessing, Outcome: outcomeOf(res), Path: file}
		}
	}
	return files, nil
}

// upload copies one object per scope. When a later scope fails, the objects
// already written are removed again.
func (r *run) upload(ctx context.Context, files []string) *StageError {
	for i, scope := range r.cfg.Scopes {
		addr := r.OutputAddress(r.unit, scope)
		if err := r.remote.Upload(ctx, files[i], addr); err != nil {
			r.rollback(ctx)
			return &StageError{Kind: ErrUpload, State: models.UnitStatePostProcessing, Path: addr, Err: err}
		}
		r.result.Outputs = append(r.result.Outputs, addr)
	}
	return nil
}

func (r *run) rollback(ctx context.Context) {
	logger := ctxlog.FromContext(ctx)
	for _, addr := range r.result.Outputs {
		if err := r.remote.Remove(ctx, addr); err != nil {
			logger.Warn("remove partial output", "addr", addr, "error", err)
			continue
		}
		logger.Info("removed partial output", "addr", addr)
	}
	r.result.Outputs = nil
}

func isExecutable(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular() && info.Mode().Perm()&0o111 != 0
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// IsStageError reports whether err carries a *StageError.
func IsStageError(err error) (*StageError, bool) {
	var se *StageError
	ok := errors.As(err, &se)
	return se, ok
}
