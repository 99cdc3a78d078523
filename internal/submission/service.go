// Package submission prepares a submission directory: it partitions the
// datasets into units, resolves the processor bundle, builds the job
// description and writes the manifest and submit description.
package submission

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fentz26/shardrun/internal/artifact"
	"github.com/fentz26/shardrun/internal/audit"
	"github.com/fentz26/shardrun/internal/branchmap"
	"github.com/fentz26/shardrun/internal/config"
	"github.com/fentz26/shardrun/internal/ctxlog"
	"github.com/fentz26/shardrun/internal/fsutil"
	"github.com/fentz26/shardrun/internal/jobconfig"
	"github.com/fentz26/shardrun/internal/models"
	"github.com/fentz26/shardrun/internal/registry"
	"github.com/fentz26/shardrun/internal/remotefs"
)

// Recorder persists submission records.
type Recorder interface {
	CreateSubmission(task, tag, artifactPath, dir string, units int) (*models.Submission, error)
}

// Result describes a prepared submission.
type Result struct {
	ID         string
	Dir        string
	Manifest   *branchmap.Manifest
	Descriptor models.JobDescriptor
}

// Service provides the submit operation.
type Service struct {
	cfg        *config.Config
	cache      *artifact.Cache
	records    Recorder
	pdr        *audit.PDRWriter
	builder    artifact.Builder
	env        jobconfig.Environ
	executable string
	now        func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithRecorder stores a record of each submission.
func WithRecorder(r Recorder) Option {
	return func(s *Service) {
		s.records = r
	}
}

// WithAudit records submissions and cache decisions.
func WithAudit(w *audit.PDRWriter) Option {
	return func(s *Service) {
		s.pdr = w
	}
}

// WithBuilder replaces the tarball builder derived from the configuration.
func WithBuilder(b artifact.Builder) Option {
	return func(s *Service) {
		if b != nil {
			s.builder = b
		}
	}
}

// WithEnviron sets the environment the job description is checked against.
func WithEnviron(env jobconfig.Environ) Option {
	return func(s *Service) {
		if env != nil {
			s.env = env
		}
	}
}

// WithExecutable sets the bootstrap executable named in the submit
// description.
func WithExecutable(path string) Option {
	return func(s *Service) {
		s.executable = path
	}
}

// WithClock overrides the clock used for versions and directory names.
func WithClock(clock func() time.Time) Option {
	return func(s *Service) {
		if clock != nil {
			s.now = clock
		}
	}
}

// NewService creates a submission service.
func NewService(cfg *config.Config, reg registry.Registry, remote *remotefs.Client, opts ...Option) *Service {
	s := &Service{
		cfg:        cfg,
		builder:    artifact.NewTarBuilder(cfg.Resolve(cfg.Artifact.Root), cfg.Artifact.Include, cfg.Artifact.Exclude),
		env:        jobconfig.OSEnviron,
		executable: "shardrun",
		now:        time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	s.cache = artifact.NewCache(reg, remote, cfg.RemoteBase,
		artifact.WithLocalDir(cfg.Resolve(".")),
		artifact.WithClock(s.now),
		artifact.WithAudit(s.pdr),
	)
	return s
}

// Units partitions the configured datasets.
func (s *Service) Units() ([]models.WorkUnit, error) {
	datasets, err := s.cfg.BranchDatasets()
	if err != nil {
		return nil, err
	}
	return branchmap.Build(datasets, s.cfg.FilesPerUnit)
}

// Submit prepares a new submission directory. With force set a new bundle
// is packaged and uploaded even when the registered one is still present.
func (s *Service) Submit(ctx context.Context, force bool) (*Result, error) {
	cfg := s.cfg
	logger := ctxlog.FromContext(ctx).With("task", cfg.Task, "tag", cfg.ProductionTag)

	units, err := s.Units()
	if err != nil {
		return nil, fmt.Errorf("partition datasets: %w", err)
	}
	logger.Info("partitioned datasets", "datasets", len(cfg.Datasets), "units", len(units))

	art, err := s.cache.Resolve(ctx, cfg.Task, cfg.ProductionTag, s.builder, force)
	if err != nil {
		return nil, fmt.Errorf("resolve artifact: %w", err)
	}

	var aux *models.AuxiliaryRecord
	if !cfg.Environment.Provisioned {
		rec, err := s.cache.EnsureAuxiliary(ctx, cfg.Environment.Name, cfg.Resolve(cfg.Environment.Bundle))
		if err != nil {
			return nil, fmt.Errorf("resolve auxiliary bundle: %w", err)
		}
		aux = &rec
	}

	desc, err := jobconfig.Build(cfg.JobParams(), art, aux, s.env)
	if err != nil {
		return nil, err
	}

	dir := filepath.Join(cfg.Resolve(cfg.SubmissionDir), cfg.ProductionTag, artifact.FormatVersion(s.now()))
	res := &Result{
		Dir:        dir,
		Descriptor: desc,
		Manifest: &branchmap.Manifest{
			Task:          cfg.Task,
			ProductionTag: cfg.ProductionTag,
			Scopes:        cfg.Scopes,
			Artifact:      art,
			Auxiliary:     aux,
			Run:           cfg.RunSettings(),
			Units:         units,
		},
	}
	if s.records != nil {
		sub, err := s.records.CreateSubmission(cfg.Task, cfg.ProductionTag, art.RemotePath, dir, len(units))
		if err != nil {
			return nil, fmt.Errorf("record submission: %w", err)
		}
		res.ID = sub.ID
		res.Manifest.ID = sub.ID
	}

	if err := s.write(res, units); err != nil {
		return nil, err
	}

	subject := res.ID
	if subject == "" {
		subject = dir
	}
	if _, err := s.pdr.Record("submission.create", map[string]interface{}{
		"task":     cfg.Task,
		"tag":      cfg.ProductionTag,
		"artifact": art.RemotePath,
		"units":    len(units),
	}, "success", subject, dir); err != nil {
		logger.Warn("failed to record decision", "error", err)
	}
	logger.Info("submission prepared", "dir", dir, "units", len(units), "artifact", art.VersionTimestamp)
	return res, nil
}

func (s *Service) write(res *Result, units []models.WorkUnit) error {
	logDir := filepath.Join(res.Dir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return fmt.Errorf("create submission dir: %w", err)
	}
	if err := res.Manifest.Save(filepath.Join(res.Dir, branchmap.ManifestFile)); err != nil {
		return err
	}

	var transfer []string
	if script := res.Manifest.Run.EnvScript; script != "" {
		transfer = append(transfer, script)
	}
	var buf bytes.Buffer
	err := jobconfig.Render(&buf, res.Descriptor, jobconfig.SubmitOptions{
		Executable:    s.executable,
		SubmissionDir: res.Dir,
		LogDir:        logDir,
		TransferFiles: transfer,
		Units:         units,
	})
	if err != nil {
		return err
	}
	if err := fsutil.WriteFileAtomic(filepath.Join(res.Dir, jobconfig.SubmitFile), buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("write submit description: %w", err)
	}
	return nil
}
