// Package cli maps command failures to process exit codes.
package cli

import (
	"errors"
	"fmt"

	"github.com/fentz26/shardrun/internal/executor"
)

// Process exit codes.
const (
	ExitSuccess     = 0
	ExitFailure     = 1
	ExitUsage       = 2
	ExitUnitFailure = 3
)

// ExitError is a custom error type that includes a specific exit code.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

// Error implements the error interface for ExitError.
func (e *ExitError) Error() string {
	if e.Message == "" && e.Err != nil {
		return e.Err.Error()
	}
	return e.Message
}

func (e *ExitError) Unwrap() error { return e.Err }

// Usage wraps an invocation problem.
func Usage(format string, args ...interface{}) error {
	return &ExitError{Code: ExitUsage, Message: fmt.Sprintf(format, args...)}
}

// UnitFailed wraps the failure of a unit.
func UnitFailed(err error) error {
	return &ExitError{Code: ExitUnitFailure, Err: err}
}

// Code returns the exit code for err. Unit stage failures exit with
// ExitUnitFailure even when not wrapped in an ExitError.
func Code(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var exit *ExitError
	if errors.As(err, &exit) {
		return exit.Code
	}
	if _, ok := executor.IsStageError(err); ok {
		return ExitUnitFailure
	}
	return ExitFailure
}
