// Package remotefstest provides an in-memory remotefs.Transport that records
// every call, for use in tests.
package remotefstest

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fentz26/shardrun/internal/remotefs"
)

// Call is one recorded transport invocation.
type Call struct {
	Op   string
	Path string
}

func (c Call) String() string { return c.Op + " " + c.Path }

// MemTransport stores files in memory. Directories are implicit parents of
// files plus anything created through MkdirAll.
type MemTransport struct {
	mu    sync.Mutex
	files map[string][]byte
	dirs  map[string]bool
	calls []Call

	// Fail forces a result for an (op, path) pair.
	Fail map[Call]remotefs.Result
}

// New returns an empty transport with "/" as its only directory.
func New() *MemTransport {
	return &MemTransport{
		files: make(map[string][]byte),
		dirs:  map[string]bool{"/": true},
		Fail:  make(map[Call]remotefs.Result),
	}
}

func clean(p string) string {
	return path.Clean("/" + p)
}

// PutFile stores content at p, creating parent directories.
func (m *MemTransport) PutFile(p string, content []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p = clean(p)
	m.mkdirAll(path.Dir(p))
	m.files[p] = append([]byte(nil), content...)
}

// File returns the stored content at p.
func (m *MemTransport) File(p string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.files[clean(p)]
	return b, ok
}

// Paths returns every stored file path, sorted.
func (m *MemTransport) Paths() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.files))
	for p := range m.files {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// HasDir reports whether p is a known directory.
func (m *MemTransport) HasDir(p string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dirs[clean(p)]
}

// Calls returns the recorded calls.
func (m *MemTransport) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Call(nil), m.calls...)
}

// CallStrings returns the recorded calls formatted as "op path".
func (m *MemTransport) CallStrings() []string {
	calls := m.Calls()
	out := make([]string, len(calls))
	for i, c := range calls {
		out[i] = c.String()
	}
	return out
}

// Count returns how many calls of op were recorded.
func (m *MemTransport) Count(op string) int {
	n := 0
	for _, c := range m.Calls() {
		if c.Op == op {
			n++
		}
	}
	return n
}

// Reset clears the call log.
func (m *MemTransport) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
}

func (m *MemTransport) record(op, p string) (remotefs.Result, bool) {
	c := Call{Op: op, Path: p}
	m.calls = append(m.calls, c)
	res, ok := m.Fail[c]
	return res, ok
}

func (m *MemTransport) mkdirAll(p string) {
	for p != "/" && p != "." {
		m.dirs[p] = true
		p = path.Dir(p)
	}
}

func (m *MemTransport) children(dir string) []remotefs.Entry {
	seen := make(map[string]remotefs.Entry)
	prefix := strings.TrimSuffix(dir, "/") + "/"
	for f, b := range m.files {
		if rest, ok := strings.CutPrefix(f, prefix); ok && !strings.Contains(rest, "/") {
			seen[rest] = remotefs.Entry{Name: rest, Size: int64(len(b))}
		}
	}
	for d := range m.dirs {
		if rest, ok := strings.CutPrefix(d, prefix); ok && rest != "" && !strings.Contains(rest, "/") {
			seen[rest] = remotefs.Entry{Name: rest, IsDir: true}
		}
	}
	out := make([]remotefs.Entry, 0, len(seen))
	for _, e := range seen {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func notFound(p string) remotefs.Result {
	return remotefs.Result{Status: remotefs.StatusNotFound, Code: 3011, Message: "no such file or directory: " + p}
}

func (m *MemTransport) Stat(_ context.Context, p string) (remotefs.Entry, remotefs.Result) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p = clean(p)
	if res, ok := m.record("stat", p); ok {
		return remotefs.Entry{}, res
	}
	if b, ok := m.files[p]; ok {
		return remotefs.Entry{Name: path.Base(p), Size: int64(len(b))}, remotefs.Ok
	}
	if m.dirs[p] {
		return remotefs.Entry{Name: path.Base(p), IsDir: true}, remotefs.Ok
	}
	return remotefs.Entry{}, notFound(p)
}

func (m *MemTransport) List(_ context.Context, p string) ([]remotefs.Entry, remotefs.Result) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p = clean(p)
	if res, ok := m.record("list", p); ok {
		return nil, res
	}
	if !m.dirs[p] {
		return nil, notFound(p)
	}
	return m.children(p), remotefs.Ok
}

func (m *MemTransport) MkdirAll(_ context.Context, p string) remotefs.Result {
	m.mu.Lock()
	defer m.mu.Unlock()
	p = clean(p)
	if res, ok := m.record("mkdir", p); ok {
		return res
	}
	m.mkdirAll(p)
	return remotefs.Ok
}

func (m *MemTransport) RemoveFile(_ context.Context, p string) remotefs.Result {
	m.mu.Lock()
	defer m.mu.Unlock()
	p = clean(p)
	if res, ok := m.record("rm", p); ok {
		return res
	}
	if _, ok := m.files[p]; !ok {
		return notFound(p)
	}
	delete(m.files, p)
	return remotefs.Ok
}

func (m *MemTransport) RemoveDir(_ context.Context, p string) remotefs.Result {
	m.mu.Lock()
	defer m.mu.Unlock()
	p = clean(p)
	if res, ok := m.record("rmdir", p); ok {
		return res
	}
	if _, ok := m.files[p]; ok {
		return remotefs.Result{Status: remotefs.StatusIsFile, Code: 3015, Message: "not a directory: " + p}
	}
	if !m.dirs[p] {
		return notFound(p)
	}
	if len(m.children(p)) > 0 {
		return remotefs.Result{Status: remotefs.StatusNotEmpty, Code: 3012, Message: "directory not empty: " + p}
	}
	delete(m.dirs, p)
	return remotefs.Ok
}

func (m *MemTransport) Upload(_ context.Context, localPath, p string) remotefs.Result {
	m.mu.Lock()
	defer m.mu.Unlock()
	p = clean(p)
	if res, ok := m.record("upload", p); ok {
		return res
	}
	b, err := os.ReadFile(localPath)
	if err != nil {
		return remotefs.Result{Status: remotefs.StatusOther, Message: err.Error()}
	}
	m.mkdirAll(path.Dir(p))
	m.files[p] = b
	return remotefs.Ok
}

func (m *MemTransport) Download(_ context.Context, p, localPath string) remotefs.Result {
	m.mu.Lock()
	defer m.mu.Unlock()
	p = clean(p)
	if res, ok := m.record("download", p); ok {
		return res
	}
	b, ok := m.files[p]
	if !ok {
		return notFound(p)
	}
	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return remotefs.Result{Status: remotefs.StatusOther, Message: err.Error()}
	}
	if err := os.WriteFile(localPath, b, 0o644); err != nil {
		return remotefs.Result{Status: remotefs.StatusOther, Message: fmt.Sprintf("write %s: %v", localPath, err)}
	}
	return remotefs.Ok
}

func (m *MemTransport) Close() error { return nil }

var _ remotefs.Transport = (*MemTransport)(nil)
