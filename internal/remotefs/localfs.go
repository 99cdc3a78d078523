//go:build unix

package remotefs

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"golang.org/x/sys/unix"
)

// LocalTransport serves file:// endpoints from a directory on this host. It
// reproduces the remote status model so recursive removal behaves the same
// as against a real storage element.
type LocalTransport struct {
	root string
}

// NewLocalTransport roots all paths at dir.
func NewLocalTransport(dir string) *LocalTransport {
	return &LocalTransport{root: dir}
}

func (l *LocalTransport) abs(p string) string {
	return filepath.Join(l.root, filepath.FromSlash(p))
}

func errnoResult(err error) Result {
	if err == nil {
		return Ok
	}
	var errno unix.Errno
	if errors.As(err, &errno) {
		switch errno {
		case unix.ENOTDIR:
			return Result{Status: StatusIsFile, Code: int(errno), Message: err.Error()}
		case unix.ENOTEMPTY, unix.EEXIST:
			return Result{Status: StatusNotEmpty, Code: int(errno), Message: err.Error()}
		case unix.ENOENT:
			return Result{Status: StatusNotFound, Code: int(errno), Message: err.Error()}
		default:
			return Result{Status: StatusOther, Code: int(errno), Message: err.Error()}
		}
	}
	if errors.Is(err, fs.ErrNotExist) {
		return Result{Status: StatusNotFound, Message: err.Error()}
	}
	return Result{Status: StatusOther, Message: err.Error()}
}

func (l *LocalTransport) Stat(_ context.Context, p string) (Entry, Result) {
	info, err := os.Stat(l.abs(p))
	if err != nil {
		return Entry{}, errnoResult(err)
	}
	return Entry{Name: info.Name(), IsDir: info.IsDir(), Size: info.Size()}, Ok
}

func (l *LocalTransport) List(_ context.Context, p string) ([]Entry, Result) {
	dirents, err := os.ReadDir(l.abs(p))
	if err != nil {
		return nil, errnoResult(err)
	}
	entries := make([]Entry, 0, len(dirents))
	for _, d := range dirents {
		e := Entry{Name: d.Name(), IsDir: d.IsDir()}
		if info, err := d.Info(); err == nil {
			e.Size = info.Size()
		}
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries, Ok
}

func (l *LocalTransport) MkdirAll(_ context.Context, p string) Result {
	return errnoResult(os.MkdirAll(l.abs(p), 0o755))
}

func (l *LocalTransport) RemoveFile(_ context.Context, p string) Result {
	return errnoResult(unix.Unlink(l.abs(p)))
}

func (l *LocalTransport) RemoveDir(_ context.Context, p string) Result {
	return errnoResult(unix.Rmdir(l.abs(p)))
}

func (l *LocalTransport) Upload(_ context.Context, localPath, p string) Result {
	return errnoResult(copyFileAtomic(localPath, l.abs(p)))
}

func (l *LocalTransport) Download(_ context.Context, p, localPath string) Result {
	return errnoResult(copyFileAtomic(l.abs(p), localPath))
}

func (l *LocalTransport) Close() error { return nil }

// copyFileAtomic copies src to dst through a temporary sibling so readers
// never observe a partially written destination.
func copyFileAtomic(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(dst), filepath.Base(dst)+".tmp.*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		_ = tmp.Close()
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := io.Copy(tmp, in); err != nil {
		return err
	}
	if err := tmp.Chmod(0o644); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, dst); err != nil {
		return err
	}
	committed = true
	return nil
}
