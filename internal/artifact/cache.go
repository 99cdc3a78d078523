// Package artifact caches the packaged processor bundle on remote storage,
// keyed by task, production tag and version timestamp.
package artifact

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fentz26/shardrun/internal/audit"
	"github.com/fentz26/shardrun/internal/ctxlog"
	"github.com/fentz26/shardrun/internal/models"
	"github.com/fentz26/shardrun/internal/registry"
	"github.com/fentz26/shardrun/internal/remotefs"
)

// ErrPackaging is returned when the bundle could not be built.
var ErrPackaging = errors.New("artifact packaging failed")

const (
	bundleName    = "processor.tar.gz"
	tarballSubdir = "job_tarball"
	envSubdir     = "env_tarballs"
)

// Builder produces a bundle at dest.
type Builder interface {
	Build(ctx context.Context, dest string) error
}

// BuilderFunc adapts a function to Builder.
type BuilderFunc func(ctx context.Context, dest string) error

func (f BuilderFunc) Build(ctx context.Context, dest string) error { return f(ctx, dest) }

// Cache decides whether a stored bundle can be reused or a new one must be
// packaged and uploaded.
type Cache struct {
	registry   registry.Registry
	remote     *remotefs.Client
	remoteBase string
	localDir   string
	now        func() time.Time
	pdr        *audit.PDRWriter
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock overrides the version timestamp source (tests).
func WithClock(clock func() time.Time) Option {
	return func(c *Cache) {
		if clock != nil {
			c.now = clock
		}
	}
}

// WithLocalDir sets the directory under which "tarballs/" is created.
func WithLocalDir(dir string) Option {
	return func(c *Cache) {
		c.localDir = dir
	}
}

// WithAudit records reuse and upload decisions.
func WithAudit(w *audit.PDRWriter) Option {
	return func(c *Cache) {
		c.pdr = w
	}
}

// NewCache creates a cache that stores bundles below remoteBase.
func NewCache(reg registry.Registry, remote *remotefs.Client, remoteBase string, opts ...Option) *Cache {
	c := &Cache{
		registry:   reg,
		remote:     remote,
		remoteBase: remoteBase,
		localDir:   ".",
		now:        time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// LocalPath is where the bundle for (task, tag) is packaged.
func (c *Cache) LocalPath(task, tag string) string {
	return filepath.Join(c.localDir, "tarballs", tag, task+"_processor.tar.gz")
}

// RemotePath is the address of a bundle version.
func (c *Cache) RemotePath(task, tag, version string) string {
	return remotefs.Join(c.remoteBase, task, tag, tarballSubdir, version, bundleName)
}

// AuxiliaryPath is the address of an auxiliary environment bundle.
func (c *Cache) AuxiliaryPath(name string) string {
	return remotefs.Join(c.remoteBase, envSubdir, name+"_env.tar.gz")
}

// Resolve returns the live bundle for (task, tag). A registered version whose
// remote object still exists is reused without packaging, uploading or
// writing the registry. Otherwise, or when force is set, a new bundle is
// built, uploaded under a fresh version and recorded.
func (c *Cache) Resolve(ctx context.Context, task, tag string, builder Builder, force bool) (models.ArtifactRecord, error) {
	logger := ctxlog.FromContext(ctx).With("task", task, "tag", tag)
	var (
		rec    models.ArtifactRecord
		reused bool
	)
	err := c.registry.Update(ctx, func(tx registry.Tx) error {
		prev, found := tx.Get(task, tag)
		if found && !force {
			addr := c.RemotePath(task, tag, prev)
			exists, err := c.remote.Exists(ctx, addr)
			if err != nil {
				return fmt.Errorf("check artifact: %w", err)
			}
			if exists {
				rec = models.ArtifactRecord{TaskName: task, ProductionTag: tag, VersionTimestamp: prev, RemotePath: addr}
				reused = true
				return nil
			}
			logger.Warn("registered artifact missing on remote, repackaging", "version", prev, "path", addr)
		}

		local := c.LocalPath(task, tag)
		if err := c.pack(ctx, builder, local); err != nil {
			return err
		}
		version := NextVersion(c.now(), prev)
		addr := c.RemotePath(task, tag, version)
		if err := c.remote.Upload(ctx, local, addr); err != nil {
			return fmt.Errorf("upload artifact: %w", err)
		}
		tx.Put(task, tag, version)
		rec = models.ArtifactRecord{TaskName: task, ProductionTag: tag, VersionTimestamp: version, RemotePath: addr}
		return nil
	})
	if err != nil {
		return models.ArtifactRecord{}, err
	}

	// Recorded after the registry scope ends: the store serializes on a
	// single connection.
	action := "artifact.upload"
	if reused {
		action = "artifact.reuse"
		logger.Info("reusing artifact", "version", rec.VersionTimestamp, "path", rec.RemotePath)
	} else {
		logger.Info("uploaded artifact", "version", rec.VersionTimestamp, "path", rec.RemotePath)
	}
	inputs := map[string]interface{}{"task": task, "tag": tag, "force": force}
	if _, err := c.pdr.Record(action, inputs, "success", task+"/"+tag, rec.VersionTimestamp); err != nil {
		logger.Warn("failed to record decision", "error", err)
	}
	return rec, nil
}

func (c *Cache) pack(ctx context.Context, builder Builder, local string) error {
	if builder == nil {
		return fmt.Errorf("%w: no builder configured", ErrPackaging)
	}
	if err := os.MkdirAll(filepath.Dir(local), 0o755); err != nil {
		return fmt.Errorf("%w: %w", ErrPackaging, err)
	}
	ctxlog.FromContext(ctx).Info("packaging artifact", "path", local)
	if err := builder.Build(ctx, local); err != nil {
		_ = os.Remove(local)
		return fmt.Errorf("%w: %w", ErrPackaging, err)
	}
	return nil
}

// EnsureAuxiliary uploads the auxiliary bundle localPath as name unless an
// object already exists at its address. Existing objects are never
// overwritten.
func (c *Cache) EnsureAuxiliary(ctx context.Context, name, localPath string) (models.AuxiliaryRecord, error) {
	addr := c.AuxiliaryPath(name)
	rec := models.AuxiliaryRecord{Name: name, RemotePath: addr}
	exists, err := c.remote.Exists(ctx, addr)
	if err != nil {
		return rec, fmt.Errorf("check auxiliary bundle: %w", err)
	}
	if exists {
		return rec, nil
	}
	if err := c.remote.Upload(ctx, localPath, addr); err != nil {
		return rec, fmt.Errorf("upload auxiliary bundle: %w", err)
	}
	rec.Uploaded = true
	ctxlog.FromContext(ctx).Info("uploaded auxiliary bundle", "name", name, "path", addr)
	if _, err := c.pdr.Record("auxiliary.upload", map[string]string{"name": name}, "success", name, addr); err != nil {
		ctxlog.FromContext(ctx).Warn("failed to record decision", "error", err)
	}
	return rec, nil
}
