// Package jobconfig assembles the scheduler job description from resource
// and environment parameters.
package jobconfig

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/fentz26/shardrun/internal/models"
)

// ErrConfigInvariant is returned when the configured environment does not
// match the environment recorded at setup.
var ErrConfigInvariant = errors.New("config invariant violated")

// Resource request keys of a JobDescriptor.
const (
	ResourceCPUs     = "cpus"
	ResourceGPUs     = "gpus"
	ResourceMemory   = "memory"
	ResourceDisk     = "disk"
	ResourceWalltime = "walltime"
)

// Environment variables passed to every job.
const (
	EnvName           = "ENV_NAME"
	EnvAnalysis       = "ANA_NAME"
	EnvUser           = "USER"
	EnvTarballPath    = "TARBALL_PATH"
	EnvTarballEnvPath = "TARBALL_ENV_PATH"
	EnvUnitID         = "UNIT_ID"
)

var envOrder = []string{EnvName, EnvAnalysis, EnvUser, EnvTarballPath, EnvTarballEnvPath, EnvUnitID}

// Environ looks up a variable of the submitting environment.
type Environ func(key string) string

// OSEnviron reads the process environment.
func OSEnviron(key string) string { return os.Getenv(key) }

// Params are the declarative inputs of a job description.
type Params struct {
	AccountingGroup string
	Requirements    string
	RemoteJob       string
	Universe        string
	DockerImage     string
	Walltime        string
	UserProxy       string

	CPUs   int
	GPUs   int
	Memory string
	Disk   string

	EnvName        string
	EnvProvisioned bool
	Analysis       string
	Config         string
	ProductionTag  string
}

// Validate checks resource and naming constraints.
func (p Params) Validate() error {
	var problems []string
	if p.CPUs < 1 {
		problems = append(problems, fmt.Sprintf("cpus must be at least 1, got %d", p.CPUs))
	}
	if p.GPUs < 0 {
		problems = append(problems, fmt.Sprintf("gpus must not be negative, got %d", p.GPUs))
	}
	if strings.TrimSpace(p.Memory) == "" {
		problems = append(problems, "memory is required")
	}
	if strings.TrimSpace(p.Disk) == "" {
		problems = append(problems, "disk is required")
	}
	if strings.TrimSpace(p.EnvName) == "" {
		problems = append(problems, "environment name is required")
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid job parameters: %s", strings.Join(problems, "; "))
	}
	return nil
}

// BatchName is the JobBatchName directive value, "{analysis}-{config}-{tag}".
func (p Params) BatchName() string {
	return fmt.Sprintf("%s-%s-%s", p.Analysis, p.Config, p.ProductionTag)
}

// Build produces the job description for one submission. aux is only used
// when the environment is not provisioned on the worker hosts.
func Build(p Params, art models.ArtifactRecord, aux *models.AuxiliaryRecord, env Environ) (models.JobDescriptor, error) {
	if err := p.Validate(); err != nil {
		return models.JobDescriptor{}, err
	}
	if env == nil {
		env = OSEnviron
	}
	if setup := env(EnvName); setup != p.EnvName {
		return models.JobDescriptor{}, fmt.Errorf("%w: environment of the config (%q) differs from the one set up (%q)",
			ErrConfigInvariant, p.EnvName, setup)
	}

	resources := map[string]string{
		ResourceCPUs:   strconv.Itoa(p.CPUs),
		ResourceMemory: p.Memory,
		ResourceDisk:   p.Disk,
	}
	if p.GPUs > 0 {
		resources[ResourceGPUs] = strconv.Itoa(p.GPUs)
	}
	if p.Walltime != "" {
		resources[ResourceWalltime] = p.Walltime
	}

	analysis := p.Analysis
	if analysis == "" {
		analysis = env(EnvAnalysis)
	}
	vars := map[string]string{
		EnvName:        p.EnvName,
		EnvAnalysis:    analysis,
		EnvUser:        env(EnvUser),
		EnvTarballPath: art.RemotePath,
	}
	if !p.EnvProvisioned && aux != nil {
		vars[EnvTarballEnvPath] = aux.RemotePath
	}

	var directives []models.Directive
	add := func(key, value string) {
		if value != "" {
			directives = append(directives, models.Directive{Key: key, Value: value})
		}
	}
	add("accounting_group", p.AccountingGroup)
	add("Requirements", p.Requirements)
	add("+RemoteJob", p.RemoteJob)
	add("universe", p.Universe)
	add("docker_image", p.DockerImage)
	add("+RequestWalltime", p.Walltime)
	add("x509userproxy", p.UserProxy)
	add("request_cpus", resources[ResourceCPUs])
	add("request_gpus", resources[ResourceGPUs])
	add("RequestMemory", p.Memory)
	add("RequestDisk", p.Disk)
	add("JobBatchName", p.BatchName())
	add("environment", FormatEnvironment(vars))

	return models.JobDescriptor{
		ResourceRequests:     resources,
		EnvironmentVariables: vars,
		CustomDirectives:     directives,
	}, nil
}

// ForUnit returns a copy of desc specialised for unit u.
func ForUnit(desc models.JobDescriptor, u models.WorkUnit) models.JobDescriptor {
	out := models.JobDescriptor{
		ResourceRequests:     make(map[string]string, len(desc.ResourceRequests)),
		EnvironmentVariables: make(map[string]string, len(desc.EnvironmentVariables)+1),
		CustomDirectives:     make([]models.Directive, 0, len(desc.CustomDirectives)),
	}
	for k, v := range desc.ResourceRequests {
		out.ResourceRequests[k] = v
	}
	for k, v := range desc.EnvironmentVariables {
		out.EnvironmentVariables[k] = v
	}
	out.EnvironmentVariables[EnvUnitID] = strconv.Itoa(u.ID)
	for _, d := range desc.CustomDirectives {
		if d.Key == "environment" {
			d.Value = FormatEnvironment(out.EnvironmentVariables)
		}
		out.CustomDirectives = append(out.CustomDirectives, d)
	}
	return out
}

// FormatEnvironment renders vars in the HTCondor environment syntax: a
// double-quoted, space-separated list with known keys first.
func FormatEnvironment(vars map[string]string) string {
	seen := make(map[string]bool, len(vars))
	var parts []string
	for _, k := range envOrder {
		if v, ok := vars[k]; ok {
			parts = append(parts, k+"="+quoteEnvValue(v))
			seen[k] = true
		}
	}
	var rest []string
	for k := range vars {
		if !seen[k] {
			rest = append(rest, k)
		}
	}
	sort.Strings(rest)
	for _, k := range rest {
		parts = append(parts, k+"="+quoteEnvValue(vars[k]))
	}
	return `"` + strings.Join(parts, " ") + `"`
}

func quoteEnvValue(v string) string {
	v = strings.ReplaceAll(v, `"`, `""`)
	if strings.ContainsAny(v, " \t'") {
		return "'" + strings.ReplaceAll(v, "'", "''") + "'"
	}
	return v
}
