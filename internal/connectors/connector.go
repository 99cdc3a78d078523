// Package connectors defines the connector interface for running external
// processes.
package connectors

import "context"

// Stream identifies which output stream a line came from.
type Stream string

const (
	Stdout Stream = "stdout"
	Stderr Stream = "stderr"
)

// Command describes one process invocation.
type Command struct {
	Path string
	Args []string
	// Env replaces the process environment when non-nil.
	Env []string
	Dir string
}

// ExecResult holds the result of a command execution. Blank output lines
// are dropped.
type ExecResult struct {
	Command  string   `json:"command"`
	Args     []string `json:"args"`
	ExitCode int      `json:"exit_code"`
	Stdout   []string `json:"stdout"`
	Stderr   []string `json:"stderr"`
}

// LineFunc receives output lines as they are produced. Calls are
// serialized.
type LineFunc func(stream Stream, line string)

// Connector defines the interface for executing commands.
type Connector interface {
	// Name returns the connector identifier.
	Name() string

	// Execute runs a command to completion. A non-zero exit is reported in
	// the result, not as an error.
	Execute(ctx context.Context, cmd Command, onLine LineFunc) (*ExecResult, error)
}
