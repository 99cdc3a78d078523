//go:build unix

package lock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"
)

// File is an flock(2) lock on a sidecar file. The kernel drops it when the
// holding process exits, so it cannot go stale.
type File struct {
	Path         string
	PollInterval time.Duration
}

// NewFile creates an flock-based lock on path.
func NewFile(path string) *File {
	return &File{Path: path, PollInterval: 50 * time.Millisecond}
}

// Acquire blocks until the lock is held or ctx is done.
func (l *File) Acquire(ctx context.Context) (Release, error) {
	if err := os.MkdirAll(filepath.Dir(l.Path), 0o755); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}
	f, err := os.OpenFile(l.Path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	poll := l.PollInterval
	if poll <= 0 {
		poll = 50 * time.Millisecond
	}
	for {
		err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			break
		}
		if !errors.Is(err, unix.EWOULDBLOCK) {
			f.Close()
			return nil, fmt.Errorf("flock %s: %w", l.Path, err)
		}
		select {
		case <-ctx.Done():
			f.Close()
			return nil, ctx.Err()
		case <-time.After(poll):
		}
	}

	done := false
	return func() error {
		if done {
			return nil
		}
		done = true
		unlockErr := unix.Flock(int(f.Fd()), unix.LOCK_UN)
		closeErr := f.Close()
		if unlockErr != nil {
			return fmt.Errorf("unlock %s: %w", l.Path, unlockErr)
		}
		return closeErr
	}, nil
}
