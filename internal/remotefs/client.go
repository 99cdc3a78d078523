package remotefs

import (
	"context"
	"fmt"
	"path"
	"strings"
	"sync"

	"github.com/fentz26/shardrun/internal/ctxlog"
)

// Dialer opens a transport for an endpoint such as "root://host:1094/".
type Dialer func(ctx context.Context, endpoint string) (Transport, error)

// DefaultDialer selects a backend by the endpoint scheme.
func DefaultDialer(ctx context.Context, endpoint string) (Transport, error) {
	switch {
	case strings.HasPrefix(endpoint, "root://"), strings.HasPrefix(endpoint, "xroot://"):
		return DialXRootD(ctx, endpoint)
	case strings.HasPrefix(endpoint, "file://"):
		return NewLocalTransport("/"), nil
	default:
		return nil, fmt.Errorf("%w: unsupported endpoint scheme %q", ErrInvalidAddress, endpoint)
	}
}

// Client performs remote filesystem operations on full addresses, keeping
// one transport per endpoint.
type Client struct {
	dial Dialer

	mu    sync.Mutex
	conns map[string]Transport
}

// NewClient creates a client. A nil dialer means DefaultDialer.
func NewClient(dial Dialer) *Client {
	if dial == nil {
		dial = DefaultDialer
	}
	return &Client{dial: dial, conns: make(map[string]Transport)}
}

// NewClientWithTransport returns a client that uses t for every endpoint.
func NewClientWithTransport(t Transport) *Client {
	return NewClient(func(context.Context, string) (Transport, error) { return t, nil })
}

func (c *Client) resolve(ctx context.Context, addr string) (Transport, string, error) {
	endpoint, p, err := ParseAddress(addr)
	if err != nil {
		return nil, "", err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if t, ok := c.conns[endpoint]; ok {
		return t, p, nil
	}
	t, err := c.dial(ctx, endpoint)
	if err != nil {
		return nil, "", fmt.Errorf("dial %s: %w", endpoint, err)
	}
	c.conns[endpoint] = t
	return t, p, nil
}

// Close closes every open transport.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var firstErr error
	for endpoint, t := range c.conns {
		if err := t.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close %s: %w", endpoint, err)
		}
		delete(c.conns, endpoint)
	}
	return firstErr
}

// List returns the entry names directly under addr.
func (c *Client) List(ctx context.Context, addr string) ([]string, error) {
	t, p, err := c.resolve(ctx, addr)
	if err != nil {
		return nil, err
	}
	entries, res := t.List(ctx, p)
	if !res.OK() {
		return nil, remoteErr("list", addr, res)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name)
	}
	return names, nil
}

// Exists reports whether an object exists at addr.
func (c *Client) Exists(ctx context.Context, addr string) (bool, error) {
	t, p, err := c.resolve(ctx, addr)
	if err != nil {
		return false, err
	}
	_, res := t.Stat(ctx, p)
	switch res.Status {
	case StatusOK:
		return true, nil
	case StatusNotFound:
		return false, nil
	default:
		return false, remoteErr("stat", addr, res)
	}
}

// MkdirAll creates addr and any missing parents.
func (c *Client) MkdirAll(ctx context.Context, addr string) error {
	t, p, err := c.resolve(ctx, addr)
	if err != nil {
		return err
	}
	if res := t.MkdirAll(ctx, p); !res.OK() {
		return remoteErr("mkdir", addr, res)
	}
	return nil
}

// Upload copies a local file to addr, creating the remote parent first.
func (c *Client) Upload(ctx context.Context, localPath, addr string) error {
	t, p, err := c.resolve(ctx, addr)
	if err != nil {
		return err
	}
	if parent := path.Dir(p); parent != "/" && parent != "." {
		if res := t.MkdirAll(ctx, parent); !res.OK() {
			return remoteErr("mkdir", parent, res)
		}
	}
	if res := t.Upload(ctx, localPath, p); !res.OK() {
		return remoteErr("upload", addr, res)
	}
	ctxlog.FromContext(ctx).Debug("uploaded", "src", localPath, "dst", addr)
	return nil
}

// Remove deletes the single object at addr.
func (c *Client) Remove(ctx context.Context, addr string) error {
	t, p, err := c.resolve(ctx, addr)
	if err != nil {
		return err
	}
	if res := t.RemoveFile(ctx, p); !res.OK() {
		return remoteErr("rm", addr, res)
	}
	return nil
}

// Download copies addr to a local file.
func (c *Client) Download(ctx context.Context, addr, localPath string) error {
	t, p, err := c.resolve(ctx, addr)
	if err != nil {
		return err
	}
	if res := t.Download(ctx, p, localPath); !res.OK() {
		return remoteErr("download", addr, res)
	}
	return nil
}

type removeAction int

const (
	removeDone removeAction = iota
	removeAsFile
	removeChildrenFirst
	removeFail
)

// decideRemove maps the status of a directory removal attempt to the next
// step of a recursive delete.
func decideRemove(st Status) removeAction {
	switch st {
	case StatusOK:
		return removeDone
	case StatusIsFile:
		return removeAsFile
	case StatusNotEmpty:
		return removeChildrenFirst
	default:
		return removeFail
	}
}

// RemoveRecursive deletes addr and everything below it. The backend has no
// recursive primitive, so each level tries a directory removal first and
// branches on the reported status.
func (c *Client) RemoveRecursive(ctx context.Context, addr string) error {
	t, p, err := c.resolve(ctx, addr)
	if err != nil {
		return err
	}
	logger := ctxlog.FromContext(ctx)
	logger.Info("removing", "path", addr)
	if err := removeRecursive(ctx, t, p); err != nil {
		return err
	}
	logger.Info("removed", "path", addr)
	return nil
}

func removeRecursive(ctx context.Context, t Transport, p string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	res := t.RemoveDir(ctx, p)
	switch decideRemove(res.Status) {
	case removeDone:
		return nil
	case removeAsFile:
		if res := t.RemoveFile(ctx, p); !res.OK() {
			return remoteErr("rm", p, res)
		}
		return nil
	case removeChildrenFirst:
		entries, lres := t.List(ctx, p)
		if !lres.OK() {
			return remoteErr("list", p, lres)
		}
		for _, e := range entries {
			if err := removeRecursive(ctx, t, path.Join(p, e.Name)); err != nil {
				return err
			}
		}
		if res := t.RemoveDir(ctx, p); !res.OK() {
			return remoteErr("rmdir", p, res)
		}
		return nil
	default:
		return remoteErr("rmdir", p, res)
	}
}
