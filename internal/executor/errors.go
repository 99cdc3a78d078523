package executor

import (
	"errors"
	"fmt"
	"strings"

	"github.com/fentz26/shardrun/internal/models"
)

// Failure kinds of a unit run.
var (
	ErrEnvironmentSetup = errors.New("environment setup failed")
	ErrArtifact         = errors.New("artifact unavailable")
	ErrProcessing       = errors.New("processing failed")
	ErrPostProcess      = errors.New("post-processing failed")
	ErrUpload           = errors.New("upload failed")
)

// StageError reports which stage of a unit failed and what the failing
// subprocess printed, if any.
type StageError struct {
	Kind  error
	State models.UnitState
	// Outcome holds the captured streams of the failing subprocess.
	Outcome *models.ExecutionOutcome
	Path    string
	Err     error
}

func (e *StageError) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.Error())
	fmt.Fprintf(&b, " (state %s)", e.State)
	if e.Path != "" {
		fmt.Fprintf(&b, ": %s", e.Path)
	}
	if e.Outcome != nil {
		fmt.Fprintf(&b, ": exit code %d", e.Outcome.ExitCode)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

// Unwrap exposes both the kind and the cause to errors.Is.
func (e *StageError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// ExitCode returns the failing subprocess exit code, or -1.
func (e *StageError) ExitCode() int {
	if e.Outcome == nil {
		return -1
	}
	return e.Outcome.ExitCode
}
