package lock

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarker_AcquireRelease(t *testing.T) {
	m := &Marker{Path: filepath.Join(t.TempDir(), "unpacking_cfg_mc_2018"), PollInterval: 10 * time.Millisecond}

	release, err := m.Acquire(context.Background())
	require.NoError(t, err)
	assert.True(t, m.Held())

	require.NoError(t, release())
	assert.False(t, m.Held())
	require.NoError(t, release(), "second release is a no-op")
}

func TestMarker_TimesOutOnStaleMarker(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stale")
	first := &Marker{Path: path, PollInterval: 10 * time.Millisecond}
	_, err := first.Acquire(context.Background())
	require.NoError(t, err)

	second := &Marker{Path: path, PollInterval: 10 * time.Millisecond, Timeout: 50 * time.Millisecond}
	_, err = second.Acquire(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestMarker_WaitsForHolder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "marker")
	m := &Marker{Path: path, PollInterval: 5 * time.Millisecond, Timeout: 5 * time.Second}

	var inside int32
	var maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := m.Acquire(context.Background())
			if !assert.NoError(t, err) {
				return
			}
			n := atomic.AddInt32(&inside, 1)
			for {
				cur := atomic.LoadInt32(&maxInside)
				if n <= cur || atomic.CompareAndSwapInt32(&maxInside, cur, n) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			atomic.AddInt32(&inside, -1)
			assert.NoError(t, release())
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxInside)
}

func TestFile_ExcludesWithinProcess(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.lock")
	a := NewFile(path)
	b := &File{Path: path, PollInterval: 5 * time.Millisecond}

	release, err := a.Acquire(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = b.Acquire(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	require.NoError(t, release())

	release2, err := b.Acquire(context.Background())
	require.NoError(t, err)
	require.NoError(t, release2())
}
