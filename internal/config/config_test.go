package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fentz26/shardrun/internal/branchmap"
)

const yamlConfig = `
task: ProcessorRun
analysis: tau
config: config
production_tag: v1
files_per_unit: 2
scopes: [mt, et]
remote_base: root://eos.example//store/user/${SHARDRUN_TEST_USER}/shardrun
environment:
  name: crown_env
  provisioned: false
  bundle: tarballs/crown_env_env.tar.gz
htcondor:
  cpus: 2
  gpus: 1
  memory: "4000"
executor:
  post_process: [python, fix.py, --input, "{input}"]
  lock_timeout: 1m
datasets:
  - nick: dy
    era: "2018"
    sample_type: mc
    files: [a.root, b.root]
  - nick: data
    filelist: lists/data.yaml
`

const fileList = `
era: "2018"
sample_type: data
filelist:
  - root://xrd//store/data_0.root
  - root://xrd//store/data_1.root
`

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestLoadYAML(t *testing.T) {
	t.Setenv("SHARDRUN_TEST_USER", "ana")
	dir := t.TempDir()
	path := filepath.Join(dir, "shardrun.yaml")
	writeFile(t, path, yamlConfig)
	writeFile(t, filepath.Join(dir, "lists", "data.yaml"), fileList)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "root://eos.example//store/user/ana/shardrun", cfg.RemoteBase)
	assert.Equal(t, 2, cfg.HTCondor.CPUs)
	assert.Equal(t, "4000", cfg.HTCondor.Memory)
	assert.Equal(t, "2000000", cfg.HTCondor.Disk, "unset values keep defaults")
	assert.Equal(t, "docker", cfg.HTCondor.Universe)
	assert.Equal(t, "yaml", cfg.Registry.Backend)
	assert.False(t, cfg.Environment.Provisioned)

	datasets, err := cfg.BranchDatasets()
	require.NoError(t, err)
	want := []branchmap.Dataset{
		{Nick: "dy", Era: "2018", SampleType: "mc", Files: []string{"a.root", "b.root"}},
		{Nick: "data", Era: "2018", SampleType: "data", Files: []string{"root://xrd//store/data_0.root", "root://xrd//store/data_1.root"}},
	}
	if diff := cmp.Diff(want, datasets); diff != "" {
		t.Fatalf("datasets mismatch (-want +got):\n%s", diff)
	}

	p := cfg.JobParams()
	assert.Equal(t, 1, p.GPUs)
	assert.Equal(t, "crown_env", p.EnvName)
	assert.Equal(t, "tau-config-v1", p.BatchName())

	rs := cfg.RunSettings()
	assert.Equal(t, "workdir", rs.WorkDir)
	assert.Equal(t, "config", rs.Config)
	assert.Equal(t, "root://eos.example//store/user/ana/shardrun", rs.OutputBase)
	assert.Equal(t, time.Minute, rs.LockTimeout)
	assert.Equal(t, 5*time.Second, rs.LockPollInterval)
	assert.Equal(t, []string{"python", "fix.py", "--input", "{input}"}, rs.PostProcess)
}

const hclConfig = `
task           = "ProcessorRun"
analysis       = "tau"
config         = "config"
production_tag = "v1"
files_per_unit = 3
scopes         = ["mt"]
remote_base    = "root://eos.example//store/user/${env.SHARDRUN_TEST_USER}/shardrun"

registry {
  backend = "sqlite"
  path    = "data/shardrun.db"
}

environment {
  name = "crown_env"
}

htcondor {
  accounting_group = "cms.higgs"
  walltime         = "3600"
}

executor {
  post_process = ["python", "fix.py", "{input}"]
}

local {
  workers = 8
}

dataset "dy" {
  era         = "2018"
  sample_type = "mc"
  files       = ["a.root", "b.root", "c.root"]
}
`

func TestLoadHCL(t *testing.T) {
	t.Setenv("SHARDRUN_TEST_USER", "ana")
	dir := t.TempDir()
	path := filepath.Join(dir, "shardrun.hcl")
	writeFile(t, path, hclConfig)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "root://eos.example//store/user/ana/shardrun", cfg.RemoteBase)
	assert.Equal(t, 3, cfg.FilesPerUnit)
	assert.Equal(t, "sqlite", cfg.Registry.Backend)
	assert.Equal(t, "cms.higgs", cfg.HTCondor.AccountingGroup)
	assert.Equal(t, 1, cfg.HTCondor.CPUs)
	assert.Equal(t, 8, cfg.Local.Workers)
	assert.Equal(t, []string{"python", "fix.py", "{input}"}, cfg.Executor.PostProcess)
	assert.True(t, cfg.Environment.Provisioned)
	require.Len(t, cfg.Datasets, 1)
	assert.Equal(t, "dy", cfg.Datasets[0].Nick)
	assert.Equal(t, []string{"a.root", "b.root", "c.root"}, cfg.Datasets[0].Files)
}

func TestLoadHCL_SyntaxError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.hcl")
	writeFile(t, path, "task = \n")
	_, err := Load(path)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		c := DefaultConfig()
		c.Config = "config"
		c.ProductionTag = "v1"
		c.Scopes = []string{"mt"}
		c.RemoteBase = "root://h//store"
		c.Environment.Name = "env"
		c.Executor.PostProcess = []string{"fix", "{input}"}
		return c
	}
	require.NoError(t, valid().Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"no tag", func(c *Config) { c.ProductionTag = "" }, "production_tag"},
		{"bad files per unit", func(c *Config) { c.FilesPerUnit = 0 }, "files_per_unit"},
		{"no scopes", func(c *Config) { c.Scopes = nil }, "scope"},
		{"bad remote", func(c *Config) { c.RemoteBase = "/local/path" }, "remote_base"},
		{"bad backend", func(c *Config) { c.Registry.Backend = "redis" }, "registry backend"},
		{"missing bundle", func(c *Config) { c.Environment.Provisioned = false }, "environment.bundle"},
		{"no post process", func(c *Config) { c.Executor.PostProcess = nil }, "executor.post_process"},
		{"bad duration", func(c *Config) { c.Executor.LockTimeout = "soon" }, "lock_timeout"},
		{"duplicate dataset", func(c *Config) {
			c.Datasets = []DatasetConfig{{Nick: "a"}, {Nick: "a"}}
		}, "duplicate"},
		{"no cpus", func(c *Config) { c.HTCondor.CPUs = 0 }, "cpus"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(c)
			err := c.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestBranchDatasets_MissingMetadata(t *testing.T) {
	c := DefaultConfig()
	c.Datasets = []DatasetConfig{{Nick: "x", Files: []string{"a.root"}}}
	_, err := c.BranchDatasets()
	assert.ErrorContains(t, err, "era and sample_type")
}

func TestSaveRoundTrip(t *testing.T) {
	c := DefaultConfig()
	c.Config = "config"
	c.ProductionTag = "v1"
	c.Scopes = []string{"mt"}
	c.RemoteBase = "root://h//store"
	c.Environment.Name = "env"
	c.Executor.PostProcess = []string{"fix", "{input}"}

	path := filepath.Join(t.TempDir(), "out.yaml")
	require.NoError(t, Save(path, c))
	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, c.Scopes, loaded.Scopes)
	assert.Equal(t, c.HTCondor, loaded.HTCondor)
}
