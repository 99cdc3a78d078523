// Package registry persists which artifact version is live for each
// (task, production tag) pair.
package registry

import (
	"context"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/fentz26/shardrun/internal/fsutil"
	"github.com/fentz26/shardrun/internal/lock"
)

// Versions maps task name -> production tag -> version timestamp.
type Versions map[string]map[string]string

// Get looks up the version recorded for (task, tag).
func (v Versions) Get(task, tag string) (string, bool) {
	tags, ok := v[task]
	if !ok {
		return "", false
	}
	ver, ok := tags[tag]
	return ver, ok
}

// Set records version for (task, tag).
func (v Versions) Set(task, tag, version string) {
	if v[task] == nil {
		v[task] = make(map[string]string)
	}
	v[task][tag] = version
}

// Entry is one flattened registry row.
type Entry struct {
	Task    string
	Tag     string
	Version string
}

// Entries returns all rows sorted by task then tag.
func (v Versions) Entries() []Entry {
	var out []Entry
	for task, tags := range v {
		for tag, ver := range tags {
			out = append(out, Entry{Task: task, Tag: tag, Version: ver})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Task != out[j].Task {
			return out[i].Task < out[j].Task
		}
		return out[i].Tag < out[j].Tag
	})
	return out
}

// Tx is the get/put view of the registry inside a scope.
type Tx interface {
	Get(task, tag string) (string, bool)
	Put(task, tag, version string)
}

// Registry is a key-value store of artifact versions. Update runs fn with
// exclusive access across processes; puts are persisted only if fn returns
// nil, and nothing is written when fn made no puts.
type Registry interface {
	View(ctx context.Context, fn func(Tx) error) error
	Update(ctx context.Context, fn func(Tx) error) error
}

type versionsTx struct {
	versions Versions
	dirty    bool
}

func (t *versionsTx) Get(task, tag string) (string, bool) { return t.versions.Get(task, tag) }

func (t *versionsTx) Put(task, tag, version string) {
	t.versions.Set(task, tag, version)
	t.dirty = true
}

// YAMLFile is a Registry backed by a small YAML document, guarded by an
// flock on a sidecar ".lock" file during updates.
type YAMLFile struct {
	path   string
	locker lock.Locker
}

// NewYAMLFile returns a registry stored at path.
func NewYAMLFile(path string) *YAMLFile {
	return &YAMLFile{path: path, locker: lock.NewFile(path + ".lock")}
}

// Path returns the document location.
func (r *YAMLFile) Path() string { return r.path }

// Load reads the whole document. A missing file is an empty registry.
func (r *YAMLFile) Load() (Versions, error) {
	data, err := os.ReadFile(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return Versions{}, nil
		}
		return nil, fmt.Errorf("read registry: %w", err)
	}
	v := Versions{}
	if err := yaml.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("parse registry %s: %w", r.path, err)
	}
	if v == nil {
		v = Versions{}
	}
	return v, nil
}

func (r *YAMLFile) save(v Versions) error {
	data, err := yaml.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal registry: %w", err)
	}
	if err := fsutil.WriteFileAtomic(r.path, data, 0o644); err != nil {
		return fmt.Errorf("write registry: %w", err)
	}
	return nil
}

// View runs fn against a snapshot; puts are discarded.
func (r *YAMLFile) View(_ context.Context, fn func(Tx) error) error {
	v, err := r.Load()
	if err != nil {
		return err
	}
	return fn(&versionsTx{versions: v})
}

// Update runs a locked read-modify-write.
func (r *YAMLFile) Update(ctx context.Context, fn func(Tx) error) error {
	release, err := r.locker.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("lock registry: %w", err)
	}
	defer release()

	v, err := r.Load()
	if err != nil {
		return err
	}
	tx := &versionsTx{versions: v}
	if err := fn(tx); err != nil {
		return err
	}
	if !tx.dirty {
		return nil
	}
	return r.save(tx.versions)
}

// Versions returns every recorded version.
func (r *YAMLFile) Versions(_ context.Context) (Versions, error) {
	return r.Load()
}

// Lister is implemented by registries that can enumerate their contents.
type Lister interface {
	Versions(ctx context.Context) (Versions, error)
}

// Snapshot returns every recorded version of r.
func Snapshot(ctx context.Context, r Registry) (Versions, error) {
	if l, ok := r.(Lister); ok {
		return l.Versions(ctx)
	}
	return nil, fmt.Errorf("registry %T cannot be listed", r)
}
