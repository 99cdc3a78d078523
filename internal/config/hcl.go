package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"
)

// hclFile mirrors Config for HCL decoding. Optional values are pointers so
// that absent attributes keep their defaults.
type hclFile struct {
	Task          *string  `hcl:"task,optional"`
	Analysis      *string  `hcl:"analysis,optional"`
	Config        *string  `hcl:"config,optional"`
	ProductionTag *string  `hcl:"production_tag,optional"`
	FilesPerUnit  *int     `hcl:"files_per_unit,optional"`
	Scopes        []string `hcl:"scopes,optional"`
	OutputExt     *string  `hcl:"output_ext,optional"`
	RemoteBase    *string  `hcl:"remote_base,optional"`
	Database      *string  `hcl:"database,optional"`
	WorkDir       *string  `hcl:"work_dir,optional"`
	SubmissionDir *string  `hcl:"submission_dir,optional"`

	Registry    *hclRegistry    `hcl:"registry,block"`
	Artifact    *hclArtifact    `hcl:"artifact,block"`
	Environment *hclEnvironment `hcl:"environment,block"`
	HTCondor    *hclHTCondor    `hcl:"htcondor,block"`
	Executor    *hclExecutor    `hcl:"executor,block"`
	Local       *hclLocal       `hcl:"local,block"`
	Datasets    []hclDataset    `hcl:"dataset,block"`
}

type hclRegistry struct {
	Backend *string `hcl:"backend,optional"`
	Path    *string `hcl:"path,optional"`
}

type hclArtifact struct {
	Root    *string  `hcl:"root,optional"`
	Include []string `hcl:"include,optional"`
	Exclude []string `hcl:"exclude,optional"`
}

type hclEnvironment struct {
	Name        *string `hcl:"name,optional"`
	Provisioned *bool   `hcl:"provisioned,optional"`
	Bundle      *string `hcl:"bundle,optional"`
	Script      *string `hcl:"script,optional"`
}

type hclHTCondor struct {
	AccountingGroup *string `hcl:"accounting_group,optional"`
	Requirements    *string `hcl:"requirements,optional"`
	RemoteJob       *string `hcl:"remote_job,optional"`
	Universe        *string `hcl:"universe,optional"`
	DockerImage     *string `hcl:"docker_image,optional"`
	Walltime        *string `hcl:"walltime,optional"`
	UserProxy       *string `hcl:"user_proxy,optional"`
	CPUs            *int    `hcl:"cpus,optional"`
	GPUs            *int    `hcl:"gpus,optional"`
	Memory          *string `hcl:"memory,optional"`
	Disk            *string `hcl:"disk,optional"`
}

type hclExecutor struct {
	PostProcess      []string `hcl:"post_process,optional"`
	LockPollInterval *string  `hcl:"lock_poll_interval,optional"`
	LockTimeout      *string  `hcl:"lock_timeout,optional"`
}

type hclLocal struct {
	Workers *int `hcl:"workers,optional"`
}

type hclDataset struct {
	Nick       string   `hcl:"nick,label"`
	Era        string   `hcl:"era,optional"`
	SampleType string   `hcl:"sample_type,optional"`
	Files      []string `hcl:"files,optional"`
	FileList   string   `hcl:"filelist,optional"`
}

// envContext exposes the process environment as the "env" object, so
// configurations can write env.USER.
func envContext() *hcl.EvalContext {
	vars := make(map[string]cty.Value)
	for _, kv := range os.Environ() {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			continue
		}
		vars[k] = cty.StringVal(v)
	}
	return &hcl.EvalContext{
		Variables: map[string]cty.Value{
			"env": cty.ObjectVal(vars),
		},
	}
}

func loadHCL(path string) (*Config, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCLFile(path)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to parse HCL file %s: %w", path, diags)
	}

	var parsed hclFile
	if diags := gohcl.DecodeBody(file.Body, envContext(), &parsed); diags.HasErrors() {
		return nil, fmt.Errorf("failed to decode HCL file %s: %w", path, diags)
	}

	cfg := DefaultConfig()
	parsed.apply(cfg)
	return cfg, nil
}

func set[T any](dst *T, src *T) {
	if src != nil {
		*dst = *src
	}
}

func (f *hclFile) apply(cfg *Config) {
	set(&cfg.Task, f.Task)
	set(&cfg.Analysis, f.Analysis)
	set(&cfg.Config, f.Config)
	set(&cfg.ProductionTag, f.ProductionTag)
	set(&cfg.FilesPerUnit, f.FilesPerUnit)
	if f.Scopes != nil {
		cfg.Scopes = f.Scopes
	}
	set(&cfg.OutputExt, f.OutputExt)
	set(&cfg.RemoteBase, f.RemoteBase)
	set(&cfg.Database, f.Database)
	set(&cfg.WorkDir, f.WorkDir)
	set(&cfg.SubmissionDir, f.SubmissionDir)

	if r := f.Registry; r != nil {
		set(&cfg.Registry.Backend, r.Backend)
		set(&cfg.Registry.Path, r.Path)
	}
	if a := f.Artifact; a != nil {
		set(&cfg.Artifact.Root, a.Root)
		if a.Include != nil {
			cfg.Artifact.Include = a.Include
		}
		if a.Exclude != nil {
			cfg.Artifact.Exclude = a.Exclude
		}
	}
	if e := f.Environment; e != nil {
		set(&cfg.Environment.Name, e.Name)
		set(&cfg.Environment.Provisioned, e.Provisioned)
		set(&cfg.Environment.Bundle, e.Bundle)
		set(&cfg.Environment.Script, e.Script)
	}
	if h := f.HTCondor; h != nil {
		set(&cfg.HTCondor.AccountingGroup, h.AccountingGroup)
		set(&cfg.HTCondor.Requirements, h.Requirements)
		set(&cfg.HTCondor.RemoteJob, h.RemoteJob)
		set(&cfg.HTCondor.Universe, h.Universe)
		set(&cfg.HTCondor.DockerImage, h.DockerImage)
		set(&cfg.HTCondor.Walltime, h.Walltime)
		set(&cfg.HTCondor.UserProxy, h.UserProxy)
		set(&cfg.HTCondor.CPUs, h.CPUs)
		set(&cfg.HTCondor.GPUs, h.GPUs)
		set(&cfg.HTCondor.Memory, h.Memory)
		set(&cfg.HTCondor.Disk, h.Disk)
	}
	if x := f.Executor; x != nil {
		if x.PostProcess != nil {
			cfg.Executor.PostProcess = x.PostProcess
		}
		set(&cfg.Executor.LockPollInterval, x.LockPollInterval)
		set(&cfg.Executor.LockTimeout, x.LockTimeout)
	}
	if l := f.Local; l != nil {
		set(&cfg.Local.Workers, l.Workers)
	}
	for _, d := range f.Datasets {
		cfg.Datasets = append(cfg.Datasets, DatasetConfig{
			Nick:       d.Nick,
			Era:        d.Era,
			SampleType: d.SampleType,
			Files:      d.Files,
			FileList:   d.FileList,
		})
	}
}
