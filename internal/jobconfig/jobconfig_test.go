package jobconfig

import (
	"bytes"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fentz26/shardrun/internal/models"
)

func testParams() Params {
	return Params{
		AccountingGroup: "cms.higgs",
		Requirements:    "(TARGET.ProvidesCPU==True)",
		RemoteJob:       "True",
		Universe:        "docker",
		DockerImage:     "mschnepf/slc7-condocker",
		Walltime:        "3600",
		UserProxy:       "/tmp/x509up_u1000",
		CPUs:            1,
		Memory:          "2000",
		Disk:            "20000000",
		EnvName:         "crown_env",
		EnvProvisioned:  true,
		Analysis:        "tau",
		Config:          "config",
		ProductionTag:   "v1",
	}
}

func testEnv(vars map[string]string) Environ {
	return func(key string) string { return vars[key] }
}

var (
	testArtifact = models.ArtifactRecord{
		TaskName:         "ProcessorRun",
		ProductionTag:    "v1",
		VersionTimestamp: "2024_05_01_10_00_00_000000",
		RemotePath:       "root://eos.example//store/user/ana/ProcessorRun/v1/job_tarball/2024_05_01_10_00_00_000000/processor.tar.gz",
	}
	testAux  = &models.AuxiliaryRecord{Name: "crown_env", RemotePath: "root://eos.example//store/user/ana/env_tarballs/crown_env_env.tar.gz"}
	setupEnv = testEnv(map[string]string{"ENV_NAME": "crown_env", "USER": "ana"})
)

func keys(desc models.JobDescriptor) []string {
	var out []string
	for _, d := range desc.CustomDirectives {
		out = append(out, d.Key)
	}
	return out
}

func TestBuild_DirectiveOrderWithoutGPU(t *testing.T) {
	desc, err := Build(testParams(), testArtifact, nil, setupEnv)
	require.NoError(t, err)

	want := []string{
		"accounting_group", "Requirements", "+RemoteJob", "universe", "docker_image",
		"+RequestWalltime", "x509userproxy", "request_cpus", "RequestMemory", "RequestDisk",
		"JobBatchName", "environment",
	}
	if diff := cmp.Diff(want, keys(desc)); diff != "" {
		t.Fatalf("directive order mismatch (-want +got):\n%s", diff)
	}
	_, ok := desc.ResourceRequests[ResourceGPUs]
	assert.False(t, ok)
	batch, _ := desc.Directive("JobBatchName")
	assert.Equal(t, "tau-config-v1", batch)
}

func TestBuild_GPURequest(t *testing.T) {
	p := testParams()
	p.GPUs = 2
	desc, err := Build(p, testArtifact, nil, setupEnv)
	require.NoError(t, err)

	v, ok := desc.Directive("request_gpus")
	require.True(t, ok)
	assert.Equal(t, "2", v)
	assert.Equal(t, "2", desc.ResourceRequests[ResourceGPUs])

	ks := keys(desc)
	assert.Equal(t, "request_cpus", ks[7])
	assert.Equal(t, "request_gpus", ks[8])
}

func TestBuild_Environment(t *testing.T) {
	desc, err := Build(testParams(), testArtifact, testAux, setupEnv)
	require.NoError(t, err)

	assert.Equal(t, map[string]string{
		"ENV_NAME":     "crown_env",
		"ANA_NAME":     "tau",
		"USER":         "ana",
		"TARBALL_PATH": testArtifact.RemotePath,
	}, desc.EnvironmentVariables, "provisioned environments carry no auxiliary path")

	p := testParams()
	p.EnvProvisioned = false
	desc, err = Build(p, testArtifact, testAux, setupEnv)
	require.NoError(t, err)
	assert.Equal(t, testAux.RemotePath, desc.EnvironmentVariables["TARBALL_ENV_PATH"])

	env, _ := desc.Directive("environment")
	assert.True(t, strings.HasPrefix(env, `"ENV_NAME=crown_env ANA_NAME=tau USER=ana TARBALL_PATH=root://`), env)
	assert.True(t, strings.HasSuffix(env, `crown_env_env.tar.gz"`), env)
}

func TestBuild_ConfigInvariant(t *testing.T) {
	_, err := Build(testParams(), testArtifact, nil, testEnv(map[string]string{"ENV_NAME": "other_env"}))
	require.ErrorIs(t, err, ErrConfigInvariant)

	_, err = Build(testParams(), testArtifact, nil, testEnv(nil))
	assert.ErrorIs(t, err, ErrConfigInvariant)
}

func TestParams_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Params)
		want   string
	}{
		{"zero cpus", func(p *Params) { p.CPUs = 0 }, "cpus"},
		{"negative gpus", func(p *Params) { p.GPUs = -1 }, "gpus"},
		{"no memory", func(p *Params) { p.Memory = "" }, "memory"},
		{"no disk", func(p *Params) { p.Disk = " " }, "disk"},
		{"no env", func(p *Params) { p.EnvName = "" }, "environment name"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := testParams()
			tt.mutate(&p)
			err := p.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
	assert.NoError(t, testParams().Validate())
}

func TestForUnit_DoesNotMutateShared(t *testing.T) {
	desc, err := Build(testParams(), testArtifact, nil, setupEnv)
	require.NoError(t, err)

	unit := ForUnit(desc, models.WorkUnit{ID: 4})
	assert.Equal(t, "4", unit.EnvironmentVariables[EnvUnitID])
	env, _ := unit.Directive("environment")
	assert.Contains(t, env, "UNIT_ID=4")

	_, ok := desc.EnvironmentVariables[EnvUnitID]
	assert.False(t, ok)
	shared, _ := desc.Directive("environment")
	assert.NotContains(t, shared, "UNIT_ID")
}

func TestFormatEnvironment_Quoting(t *testing.T) {
	got := FormatEnvironment(map[string]string{"ENV_NAME": "a b", "ZZ": "1", "AA": `x"y`})
	assert.Equal(t, `"ENV_NAME='a b' AA=x""y ZZ=1"`, got)
}

func TestRender(t *testing.T) {
	desc, err := Build(testParams(), testArtifact, nil, setupEnv)
	require.NoError(t, err)

	var buf bytes.Buffer
	err = Render(&buf, desc, SubmitOptions{
		Executable:    "/opt/shardrun",
		SubmissionDir: "/work/sub",
		TransferFiles: []string{"/work/env/init.sh"},
		Units:         []models.WorkUnit{{ID: 0}, {ID: 1}},
	})
	require.NoError(t, err)
	out := buf.String()

	assert.Contains(t, out, "executable = /opt/shardrun\n")
	assert.Contains(t, out, "request_cpus = 1\n")
	assert.Contains(t, out, "JobBatchName = tau-config-v1\n")
	// Jobs read the transferred manifest from their own working directory.
	assert.Contains(t, out, "should_transfer_files = YES\n")
	assert.Contains(t, out, "transfer_input_files = /work/sub/manifest.yaml, /work/env/init.sh\n")
	assert.Contains(t, out, "arguments = run-unit --submission . --unit 1\n")
	assert.NotContains(t, out, "--config")
	assert.Contains(t, out, "output = /work/sub/logs/unit_0.out\n")
	assert.Equal(t, 2, strings.Count(out, "\nqueue\n"))
	assert.Equal(t, 2, strings.Count(out, "environment = "))
	assert.NotContains(t, out, "request_gpus")

	assert.Error(t, Render(&buf, desc, SubmitOptions{}))
}
