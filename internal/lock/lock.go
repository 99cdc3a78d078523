// Package lock provides host-local advisory locks.
package lock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// ErrTimeout is returned when a lock could not be acquired in time.
var ErrTimeout = errors.New("lock acquire timed out")

// Release gives a held lock back. It is safe to call more than once.
type Release func() error

// Locker acquires an exclusive advisory lock.
type Locker interface {
	Acquire(ctx context.Context) (Release, error)
}

// Marker is a lock represented by the existence of a marker file. Holders
// create it with O_EXCL and remove it on release. A holder that crashes
// leaves the marker behind; waiters then fail with ErrTimeout instead of
// blocking forever.
type Marker struct {
	Path         string
	PollInterval time.Duration
	Timeout      time.Duration
}

// NewMarker creates a marker lock with a 5s poll and no timeout.
func NewMarker(path string) *Marker {
	return &Marker{Path: path, PollInterval: 5 * time.Second}
}

// Held reports whether the marker file currently exists.
func (m *Marker) Held() bool {
	_, err := os.Stat(m.Path)
	return err == nil
}

// Acquire polls until the marker can be created, the timeout elapses or ctx
// is done.
func (m *Marker) Acquire(ctx context.Context) (Release, error) {
	if m.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.Timeout)
		defer cancel()
	}
	poll := m.PollInterval
	if poll <= 0 {
		poll = time.Second
	}
	if err := os.MkdirAll(filepath.Dir(m.Path), 0o755); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}

	holder := uuid.New().String()
	for {
		f, err := os.OpenFile(m.Path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			host, _ := os.Hostname()
			fmt.Fprintf(f, "%s pid=%d host=%s\n", holder, os.Getpid(), host)
			f.Close()
			return m.release(holder), nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("create marker %s: %w", m.Path, err)
		}

		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, fmt.Errorf("%w: %s still present after %s", ErrTimeout, m.Path, m.Timeout)
			}
			return nil, ctx.Err()
		case <-time.After(poll):
		}
	}
}

func (m *Marker) release(holder string) Release {
	done := false
	return func() error {
		if done {
			return nil
		}
		done = true
		data, err := os.ReadFile(m.Path)
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return fmt.Errorf("read marker: %w", err)
		}
		if len(data) < len(holder) || string(data[:len(holder)]) != holder {
			return fmt.Errorf("marker %s is not held by %s", m.Path, holder)
		}
		if err := os.Remove(m.Path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove marker: %w", err)
		}
		return nil
	}
}
