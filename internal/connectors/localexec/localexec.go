// Package localexec runs commands as local child processes, streaming their
// output line by line.
package localexec

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"

	"github.com/fentz26/shardrun/internal/connectors"
)

const maxLineSize = 1 << 20

// LocalExec implements the Connector interface for local command execution.
type LocalExec struct {
	workDir string
}

// New creates a new LocalExec connector. workDir is used for commands that
// do not set their own Dir.
func New(workDir string) *LocalExec {
	return &LocalExec{workDir: workDir}
}

// Name returns the connector identifier.
func (l *LocalExec) Name() string {
	return "localexec"
}

// Execute runs the command in its own process group. Both output streams are
// read concurrently; on context cancellation the whole group is killed.
func (l *LocalExec) Execute(ctx context.Context, c connectors.Command, onLine connectors.LineFunc) (*connectors.ExecResult, error) {
	if c.Path == "" {
		return nil, fmt.Errorf("empty command")
	}

	cmd := exec.Command(c.Path, c.Args...)
	cmd.Dir = c.Dir
	if cmd.Dir == "" {
		cmd.Dir = l.workDir
	}
	if c.Env != nil {
		cmd.Env = c.Env
	}
	setProcessGroup(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", c.Path, err)
	}

	stop := make(chan struct{})
	killed := make(chan struct{})
	go func() {
		defer close(killed)
		select {
		case <-ctx.Done():
			killProcessGroup(cmd)
		case <-stop:
		}
	}()

	result := &connectors.ExecResult{Command: c.Path, Args: c.Args}
	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	emit := func(stream connectors.Stream, line string) {
		if onLine == nil {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		onLine(stream, line)
	}
	wg.Add(2)
	go func() {
		defer wg.Done()
		result.Stdout = readLines(stdout, connectors.Stdout, emit)
	}()
	go func() {
		defer wg.Done()
		result.Stderr = readLines(stderr, connectors.Stderr, emit)
	}()
	wg.Wait()

	waitErr := cmd.Wait()
	close(stop)
	<-killed

	if ctx.Err() != nil {
		return result, fmt.Errorf("execution cancelled: %w", ctx.Err())
	}
	if waitErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(waitErr, &exitErr) {
			return result, fmt.Errorf("exec error: %w", waitErr)
		}
		result.ExitCode = exitErr.ExitCode()
	}
	return result, nil
}

func readLines(r io.Reader, stream connectors.Stream, emit func(connectors.Stream, string)) []string {
	var lines []string
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		lines = append(lines, line)
		emit(stream, line)
	}
	// Drain anything left after an over-long line so the child never blocks
	// on a full pipe.
	_, _ = io.Copy(io.Discard, r)
	return lines
}
