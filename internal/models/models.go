// Package models defines the core domain types for shardrun.
package models

import "time"

// UnitState represents the execution state of a work unit.
type UnitState string

const (
	UnitStatePending          UnitState = "pending"
	UnitStateEnvironmentReady UnitState = "environment_ready"
	UnitStateArtifactReady    UnitState = "artifact_ready"
	UnitStateRunning          UnitState = "running"
	UnitStatePostProcessing   UnitState = "post_processing"
	UnitStateUploaded         UnitState = "uploaded"
	UnitStateFailed           UnitState = "failed"
)

// Terminal reports whether no further transition is possible from s.
func (s UnitState) Terminal() bool {
	return s == UnitStateUploaded || s == UnitStateFailed
}

// WorkUnit is one schedulable slice of input files (a "branch").
type WorkUnit struct {
	ID              int      `json:"id" yaml:"id"`
	DatasetNick     string   `json:"dataset_nick" yaml:"dataset_nick"`
	Era             string   `json:"era" yaml:"era"`
	SampleType      string   `json:"sample_type" yaml:"sample_type"`
	InputFiles      []string `json:"input_files" yaml:"input_files"`
	FirstUnitOffset int      `json:"first_unit_offset" yaml:"first_unit_offset"`
}

// ArtifactRecord points at one uploaded, versioned build bundle.
type ArtifactRecord struct {
	TaskName         string `json:"task_name" yaml:"task_name"`
	ProductionTag    string `json:"production_tag" yaml:"production_tag"`
	VersionTimestamp string `json:"version_timestamp" yaml:"version_timestamp"`
	RemotePath       string `json:"remote_path" yaml:"remote_path"`
}

// RunSettings are the worker-side settings of a submission. They travel with
// the manifest, so a worker needs no configuration file of its own.
type RunSettings struct {
	Config string `json:"config" yaml:"config"`
	// WorkDir and EnvScript are resolved against the job's working directory
	// when relative.
	WorkDir          string        `json:"work_dir" yaml:"work_dir"`
	EnvScript        string        `json:"env_script,omitempty" yaml:"env_script,omitempty"`
	OutputExt        string        `json:"output_ext" yaml:"output_ext"`
	OutputBase       string        `json:"output_base" yaml:"output_base"`
	PostProcess      []string      `json:"post_process" yaml:"post_process"`
	LockPollInterval time.Duration `json:"lock_poll_interval,omitempty" yaml:"lock_poll_interval,omitempty"`
	LockTimeout      time.Duration `json:"lock_timeout,omitempty" yaml:"lock_timeout,omitempty"`
}

// AuxiliaryRecord points at an uploaded auxiliary environment bundle.
type AuxiliaryRecord struct {
	Name       string `json:"name" yaml:"name"`
	RemotePath string `json:"remote_path" yaml:"remote_path"`
	// Uploaded is true when this call performed the upload.
	Uploaded bool `json:"-" yaml:"-"`
}

// Directive is one custom key/value line of a scheduler submit description.
type Directive struct {
	Key   string `json:"key" yaml:"key"`
	Value string `json:"value" yaml:"value"`
}

// JobDescriptor is the opaque job-submission description handed to the
// external scheduler.
type JobDescriptor struct {
	ResourceRequests     map[string]string `json:"resource_requests"`
	EnvironmentVariables map[string]string `json:"environment_variables"`
	CustomDirectives     []Directive       `json:"custom_directives"`
}

// Directive returns the value of the first directive with the given key.
func (d JobDescriptor) Directive(key string) (string, bool) {
	for _, dir := range d.CustomDirectives {
		if dir.Key == key {
			return dir.Value, true
		}
	}
	return "", false
}

// ExecutionOutcome is the captured result of one processing subprocess.
type ExecutionOutcome struct {
	ExitCode      int      `json:"exit_code"`
	Stdout        []string `json:"stdout"`
	Stderr        []string `json:"stderr"`
	ProducedFiles []string `json:"produced_files"`
}

// Submission records one `submit` invocation.
type Submission struct {
	ID            string    `json:"id"`
	TaskName      string    `json:"task_name"`
	ProductionTag string    `json:"production_tag"`
	ArtifactPath  string    `json:"artifact_path"`
	Units         int       `json:"units"`
	Dir           string    `json:"dir"`
	CreatedAt     time.Time `json:"created_at"`
}

// UnitRun represents one execution attempt of a work unit by the local
// dispatcher.
type UnitRun struct {
	ID           string    `json:"id"`
	SubmissionID string    `json:"submission_id"`
	UnitID       int       `json:"unit_id"`
	State        UnitState `json:"state"`
	ExitCode     int       `json:"exit_code"`
	Stdout       string    `json:"stdout"`
	Stderr       string    `json:"stderr"`
	StartedAt    time.Time `json:"started_at"`
	EndedAt      time.Time `json:"ended_at"`
}

// PDREntry represents a Process Decision Record for audit.
type PDREntry struct {
	ID         string    `json:"id"`
	Action     string    `json:"action"`
	InputsHash string    `json:"inputs_hash"`
	Outcome    string    `json:"outcome"`
	Subject    string    `json:"subject,omitempty"`
	Details    string    `json:"details,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}
