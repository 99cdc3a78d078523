package submission

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fentz26/shardrun/internal/artifact"
	"github.com/fentz26/shardrun/internal/audit"
	"github.com/fentz26/shardrun/internal/branchmap"
	"github.com/fentz26/shardrun/internal/config"
	"github.com/fentz26/shardrun/internal/jobconfig"
	"github.com/fentz26/shardrun/internal/registry"
	"github.com/fentz26/shardrun/internal/remotefs"
	"github.com/fentz26/shardrun/internal/remotefs/remotefstest"
	"github.com/fentz26/shardrun/internal/store"
)

const testBase = "root://eos.example//store/user/ana/shardrun"

type fixture struct {
	cfg    *config.Config
	mem    *remotefstest.MemTransport
	store  *store.Store
	svc    *Service
	builds int
}

func testConfig(dir string) *config.Config {
	cfg := config.DefaultConfig()
	cfg.Analysis = "tau"
	cfg.Config = "config"
	cfg.ProductionTag = "v1"
	cfg.FilesPerUnit = 2
	cfg.Scopes = []string{"mt", "et"}
	cfg.RemoteBase = testBase
	cfg.SubmissionDir = filepath.Join(dir, "submissions")
	cfg.Environment.Name = "crown_env"
	cfg.Executor.PostProcess = []string{"python", "fix.py", "{input}"}
	cfg.Datasets = []config.DatasetConfig{
		{Nick: "dy", Era: "2018", SampleType: "mc", Files: []string{"f0.root", "f1.root", "f2.root", "f3.root", "f4.root"}},
		{Nick: "data", Era: "2018", SampleType: "data", Files: []string{"d0.root"}},
	}
	return cfg
}

func newFixture(t *testing.T, mutate func(*config.Config)) *fixture {
	t.Helper()
	dir := t.TempDir()
	cfg := testConfig(dir)
	if mutate != nil {
		mutate(cfg)
	}

	st, err := store.New(filepath.Join(dir, "shardrun.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	mem := remotefstest.New()
	client := remotefs.NewClientWithTransport(mem)
	t.Cleanup(func() { _ = client.Close() })

	f := &fixture{cfg: cfg, mem: mem, store: st}
	builder := artifact.BuilderFunc(func(_ context.Context, dest string) error {
		f.builds++
		return os.WriteFile(dest, []byte("bundle"), 0o644)
	})
	env := func(key string) string {
		return map[string]string{"ENV_NAME": "crown_env", "USER": "ana"}[key]
	}
	clock := func() time.Time { return time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC) }

	f.svc = NewService(cfg, registry.NewYAMLFile(filepath.Join(dir, "artifact_versions.yaml")), client,
		WithRecorder(st),
		WithAudit(audit.NewPDRWriter(st)),
		WithBuilder(builder),
		WithEnviron(env),
		WithExecutable("/opt/shardrun/bin/shardrun"),
		WithClock(clock),
	)
	return f
}

func TestSubmit_WritesSubmissionDir(t *testing.T) {
	f := newFixture(t, nil)

	res, err := f.svc.Submit(context.Background(), false)
	require.NoError(t, err)
	assert.NotEmpty(t, res.ID)
	assert.Equal(t, 1, f.builds)

	m, err := branchmap.LoadManifest(filepath.Join(res.Dir, branchmap.ManifestFile))
	require.NoError(t, err)
	assert.Equal(t, res.ID, m.ID)
	assert.Equal(t, []string{"mt", "et"}, m.Scopes)
	require.Len(t, m.Units, 4)
	assert.Equal(t, []string{"f4.root"}, m.Units[2].InputFiles)
	assert.Equal(t, 3, m.Units[3].FirstUnitOffset)
	assert.Nil(t, m.Auxiliary)
	assert.Equal(t, "config", m.Run.Config)
	assert.Equal(t, testBase, m.Run.OutputBase)
	assert.Equal(t, []string{"python", "fix.py", "{input}"}, m.Run.PostProcess)

	_, ok := f.mem.File("/store/user/ana/shardrun/ProcessorRun/v1/job_tarball/2024_05_01_10_00_00_000000/processor.tar.gz")
	assert.True(t, ok, "bundle uploaded")

	jdl, err := os.ReadFile(filepath.Join(res.Dir, jobconfig.SubmitFile))
	require.NoError(t, err)
	text := string(jdl)
	assert.Equal(t, 4, strings.Count(text, "\nqueue\n"))
	assert.Contains(t, text, "executable = /opt/shardrun/bin/shardrun")
	assert.Contains(t, text, "JobBatchName = tau-config-v1")
	assert.Contains(t, text, "--unit 3")
	assert.Contains(t, text, "transfer_input_files = "+filepath.Join(res.Dir, branchmap.ManifestFile)+"\n")

	sub, err := f.store.GetSubmission(res.ID)
	require.NoError(t, err)
	require.NotNil(t, sub)
	assert.Equal(t, 4, sub.Units)
	assert.Equal(t, res.Dir, sub.Dir)

	entries, err := f.store.ListPDR(res.ID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "submission.create", entries[0].Action)
}

func TestSubmit_ReusesArtifact(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	first, err := f.svc.Submit(ctx, false)
	require.NoError(t, err)
	f.mem.Reset()

	second, err := f.svc.Submit(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, 1, f.builds)
	assert.Zero(t, f.mem.Count("upload"))
	assert.Equal(t, first.Manifest.Artifact, second.Manifest.Artifact)
}

func TestSubmit_UploadsAuxiliaryBundle(t *testing.T) {
	var bundle string
	f := newFixture(t, func(c *config.Config) {
		bundle = filepath.Join(filepath.Dir(c.SubmissionDir), "crown_env_env.tar.gz")
		c.Environment.Provisioned = false
		c.Environment.Bundle = bundle
		c.Environment.Script = "/opt/env/init.sh"
	})
	require.NoError(t, os.WriteFile(bundle, []byte("env"), 0o644))

	res, err := f.svc.Submit(context.Background(), false)
	require.NoError(t, err)
	require.NotNil(t, res.Manifest.Auxiliary)
	assert.Equal(t, testBase+"/env_tarballs/crown_env_env.tar.gz", res.Manifest.Auxiliary.RemotePath)
	v, ok := res.Descriptor.EnvironmentVariables[jobconfig.EnvTarballEnvPath]
	assert.True(t, ok)
	assert.Equal(t, res.Manifest.Auxiliary.RemotePath, v)

	// The environment script travels with each job.
	assert.Equal(t, "/opt/env/init.sh", res.Manifest.Run.EnvScript)
	jdl, err := os.ReadFile(filepath.Join(res.Dir, jobconfig.SubmitFile))
	require.NoError(t, err)
	assert.Contains(t, string(jdl), branchmap.ManifestFile+", /opt/env/init.sh\n")
}

func TestSubmit_EmptyDataset(t *testing.T) {
	f := newFixture(t, func(c *config.Config) {
		c.Datasets = append(c.Datasets, config.DatasetConfig{Nick: "empty", Era: "2018", SampleType: "mc"})
	})

	_, err := f.svc.Submit(context.Background(), false)
	require.Error(t, err)
	assert.True(t, errors.Is(err, branchmap.ErrEmptyDataset))
	assert.Zero(t, f.builds, "nothing packaged before the units are known")
}

func TestSubmit_EnvironmentMismatch(t *testing.T) {
	f := newFixture(t, func(c *config.Config) {
		c.Environment.Name = "other_env"
	})

	_, err := f.svc.Submit(context.Background(), false)
	require.Error(t, err)
	assert.True(t, errors.Is(err, jobconfig.ErrConfigInvariant))

	subs, err := f.store.ListSubmissions("")
	require.NoError(t, err)
	assert.Empty(t, subs)
}
