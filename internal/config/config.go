// Package config loads the shardrun configuration from YAML or HCL.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/fentz26/shardrun/internal/jobconfig"
	"github.com/fentz26/shardrun/internal/models"
)

// Config holds the shardrun configuration.
type Config struct {
	// Task names the processing task; it is the first path element of
	// artifacts and outputs on remote storage.
	Task          string `yaml:"task"`
	Analysis      string `yaml:"analysis"`
	Config        string `yaml:"config"`
	ProductionTag string `yaml:"production_tag"`
	FilesPerUnit  int    `yaml:"files_per_unit"`

	Scopes    []string `yaml:"scopes"`
	OutputExt string   `yaml:"output_ext"`
	// RemoteBase is an address of the form "<endpoint>//<path>". Environment
	// variables are expanded.
	RemoteBase string `yaml:"remote_base"`

	Registry      RegistryConfig `yaml:"registry"`
	Database      string         `yaml:"database"`
	WorkDir       string         `yaml:"work_dir"`
	SubmissionDir string         `yaml:"submission_dir"`

	Artifact    ArtifactConfig    `yaml:"artifact"`
	Environment EnvironmentConfig `yaml:"environment"`
	HTCondor    HTCondorConfig    `yaml:"htcondor"`
	Executor    ExecutorConfig    `yaml:"executor"`
	Local       LocalConfig       `yaml:"local"`

	Datasets []DatasetConfig `yaml:"datasets"`

	// dir is the directory of the loaded file; relative paths resolve
	// against it.
	dir string
}

// RegistryConfig selects where artifact versions are recorded.
type RegistryConfig struct {
	// Backend is "yaml" or "sqlite".
	Backend string `yaml:"backend"`
	Path    string `yaml:"path"`
}

// ArtifactConfig lists what goes into the processor bundle.
type ArtifactConfig struct {
	Root    string   `yaml:"root"`
	Include []string `yaml:"include"`
	Exclude []string `yaml:"exclude"`
}

// EnvironmentConfig describes the software environment on worker hosts.
type EnvironmentConfig struct {
	Name string `yaml:"name"`
	// Provisioned is true when the environment is already installed on the
	// worker hosts; otherwise Bundle is uploaded once and shipped.
	Provisioned bool   `yaml:"provisioned"`
	Bundle      string `yaml:"bundle"`
	Script      string `yaml:"script"`
}

// HTCondorConfig holds scheduler directives and resource requests.
type HTCondorConfig struct {
	AccountingGroup string `yaml:"accounting_group"`
	Requirements    string `yaml:"requirements"`
	RemoteJob       string `yaml:"remote_job"`
	Universe        string `yaml:"universe"`
	DockerImage     string `yaml:"docker_image"`
	Walltime        string `yaml:"walltime"`
	UserProxy       string `yaml:"user_proxy"`
	CPUs            int    `yaml:"cpus"`
	GPUs            int    `yaml:"gpus"`
	Memory          string `yaml:"memory"`
	Disk            string `yaml:"disk"`
}

// ExecutorConfig tunes unit execution.
type ExecutorConfig struct {
	PostProcess      []string `yaml:"post_process"`
	LockPollInterval string   `yaml:"lock_poll_interval"`
	LockTimeout      string   `yaml:"lock_timeout"`
}

// LocalConfig tunes the local dispatcher.
type LocalConfig struct {
	Workers int `yaml:"workers"`
}

// DatasetConfig is one dataset; files are given inline or through a file
// list document.
type DatasetConfig struct {
	Nick       string   `yaml:"nick"`
	Era        string   `yaml:"era"`
	SampleType string   `yaml:"sample_type"`
	Files      []string `yaml:"files"`
	FileList   string   `yaml:"filelist"`
}

// DefaultConfig returns a sensible default configuration.
func DefaultConfig() *Config {
	return &Config{
		Task:          "ProcessorRun",
		FilesPerUnit:  1,
		OutputExt:     ".root",
		Registry:      RegistryConfig{Backend: "yaml", Path: "data/artifact_versions.yaml"},
		Database:      "data/shardrun.db",
		WorkDir:       "workdir",
		SubmissionDir: "submissions",
		Artifact: ArtifactConfig{
			Root:    ".",
			Exclude: []string{"*.pyc"},
		},
		Environment: EnvironmentConfig{Provisioned: true},
		HTCondor: HTCondorConfig{
			Universe: "docker",
			CPUs:     1,
			Memory:   "2000",
			Disk:     "2000000",
		},
		Executor: ExecutorConfig{
			LockPollInterval: "5s",
			LockTimeout:      "30m",
		},
		Local: LocalConfig{Workers: 4},
	}
}

// Load reads a configuration file. Files ending in ".hcl" are parsed as
// HCL, everything else as YAML. The result is validated.
func Load(path string) (*Config, error) {
	var (
		cfg *Config
		err error
	)
	if strings.EqualFold(filepath.Ext(path), ".hcl") {
		cfg, err = loadHCL(path)
	} else {
		cfg, err = loadYAML(path)
	}
	if err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(filepath.Dir(path))
	if err != nil {
		return nil, fmt.Errorf("resolving config dir: %w", err)
	}
	cfg.dir = abs
	cfg.RemoteBase = os.ExpandEnv(cfg.RemoteBase)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func loadYAML(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	return cfg, nil
}

// Save writes cfg as YAML.
func Save(path string, cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.Task == "" {
		return fmt.Errorf("task is required")
	}
	if c.ProductionTag == "" {
		return fmt.Errorf("production_tag is required")
	}
	if c.Config == "" {
		return fmt.Errorf("config is required")
	}
	if c.FilesPerUnit < 1 {
		return fmt.Errorf("files_per_unit must be at least 1")
	}
	if len(c.Scopes) == 0 {
		return fmt.Errorf("at least one scope is required")
	}
	if !strings.Contains(c.RemoteBase, "//") {
		return fmt.Errorf("remote_base %q is not of the form <endpoint>//<path>", c.RemoteBase)
	}
	switch c.Registry.Backend {
	case "yaml", "sqlite":
	default:
		return fmt.Errorf("invalid registry backend %q, must be: yaml or sqlite", c.Registry.Backend)
	}
	if !c.Environment.Provisioned && c.Environment.Bundle == "" {
		return fmt.Errorf("environment.bundle is required when the environment is not provisioned")
	}
	if len(c.Executor.PostProcess) == 0 {
		return fmt.Errorf("executor.post_process is required")
	}
	if _, err := c.lockPollInterval(); err != nil {
		return err
	}
	if _, err := c.lockTimeout(); err != nil {
		return err
	}
	if c.Local.Workers < 1 {
		return fmt.Errorf("local.workers must be at least 1")
	}
	seen := make(map[string]bool, len(c.Datasets))
	for i, ds := range c.Datasets {
		if ds.Nick == "" {
			return fmt.Errorf("dataset %d has no nick", i)
		}
		if seen[ds.Nick] {
			return fmt.Errorf("duplicate dataset %q", ds.Nick)
		}
		seen[ds.Nick] = true
	}
	return c.JobParams().Validate()
}

func (c *Config) lockPollInterval() (time.Duration, error) {
	return parseDuration("executor.lock_poll_interval", c.Executor.LockPollInterval)
}

func (c *Config) lockTimeout() (time.Duration, error) {
	return parseDuration("executor.lock_timeout", c.Executor.LockTimeout)
}

func parseDuration(name, v string) (time.Duration, error) {
	if v == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", name, v, err)
	}
	return d, nil
}

// Resolve makes p absolute relative to the config file's directory.
func (c *Config) Resolve(p string) string {
	if p == "" || filepath.IsAbs(p) || c.dir == "" {
		return p
	}
	return filepath.Join(c.dir, p)
}

// JobParams returns the job description parameters.
func (c *Config) JobParams() jobconfig.Params {
	h := c.HTCondor
	return jobconfig.Params{
		AccountingGroup: h.AccountingGroup,
		Requirements:    h.Requirements,
		RemoteJob:       h.RemoteJob,
		Universe:        h.Universe,
		DockerImage:     h.DockerImage,
		Walltime:        h.Walltime,
		UserProxy:       h.UserProxy,
		CPUs:            h.CPUs,
		GPUs:            h.GPUs,
		Memory:          h.Memory,
		Disk:            h.Disk,
		EnvName:         c.Environment.Name,
		EnvProvisioned:  c.Environment.Provisioned,
		Analysis:        c.Analysis,
		Config:          c.Config,
		ProductionTag:   c.ProductionTag,
	}
}

// RunSettings returns the worker-side settings recorded in each submission.
// WorkDir stays as configured so a relative one lands in the job's working
// directory on the worker.
func (c *Config) RunSettings() models.RunSettings {
	poll, _ := c.lockPollInterval()
	timeout, _ := c.lockTimeout()
	return models.RunSettings{
		Config:           c.Config,
		WorkDir:          c.WorkDir,
		EnvScript:        c.Resolve(c.Environment.Script),
		OutputExt:        c.OutputExt,
		OutputBase:       c.RemoteBase,
		PostProcess:      c.Executor.PostProcess,
		LockPollInterval: poll,
		LockTimeout:      timeout,
	}
}
