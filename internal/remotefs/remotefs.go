// Package remotefs provides URL-aware access to a remote filesystem addressed
// as <endpoint>//<path>.
package remotefs

import (
	"context"
	"errors"
	"fmt"
	"path"
	"regexp"
	"strings"
)

// Sentinel errors for remote storage operations.
var (
	ErrInvalidAddress  = errors.New("invalid remote address")
	ErrRemoteOperation = errors.New("remote operation failed")
)

// Status classifies the outcome of a single transport call.
type Status int

const (
	StatusOK Status = iota
	// StatusIsFile means the target is a plain file ("not a directory").
	StatusIsFile
	StatusNotEmpty
	StatusNotFound
	StatusOther
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusIsFile:
		return "is-file"
	case StatusNotEmpty:
		return "not-empty"
	case StatusNotFound:
		return "not-found"
	default:
		return "other"
	}
}

// Result is the tagged outcome of a transport call. Code and Message carry
// the backend's own status detail.
type Result struct {
	Status  Status
	Code    int
	Message string
}

// OK reports whether the call succeeded.
func (r Result) OK() bool { return r.Status == StatusOK }

// Ok is the successful Result.
var Ok = Result{Status: StatusOK}

// Entry is one directory listing item.
type Entry struct {
	Name  string
	IsDir bool
	Size  int64
}

// Transport is the operation contract a storage backend must satisfy. Paths
// are endpoint-relative.
type Transport interface {
	Stat(ctx context.Context, path string) (Entry, Result)
	List(ctx context.Context, path string) ([]Entry, Result)
	MkdirAll(ctx context.Context, path string) Result
	RemoveFile(ctx context.Context, path string) Result
	// RemoveDir removes an empty directory only.
	RemoveDir(ctx context.Context, path string) Result
	Upload(ctx context.Context, localPath, path string) Result
	Download(ctx context.Context, path, localPath string) Result
	Close() error
}

// RemoteError is returned when a transport call reports a non-ok status.
type RemoteError struct {
	Op     string
	Path   string
	Result Result
}

func (e *RemoteError) Error() string {
	msg := e.Result.Message
	if msg == "" {
		msg = e.Result.Status.String()
	}
	return fmt.Sprintf("remotefs: %s %s failed (status %s, code %d): %s",
		e.Op, e.Path, e.Result.Status, e.Result.Code, msg)
}

func (e *RemoteError) Unwrap() error { return ErrRemoteOperation }

func remoteErr(op, path string, res Result) error {
	return &RemoteError{Op: op, Path: path, Result: res}
}

// StatusOf returns the transport status carried by err, if any.
func StatusOf(err error) (Status, bool) {
	var re *RemoteError
	if errors.As(err, &re) {
		return re.Result.Status, true
	}
	return StatusOther, false
}

var addressRE = regexp.MustCompile(`([^/]+//[^/]+/)(.*)`)

// ParseAddress splits addr into its endpoint (everything up to and including
// the slash after the host) and the endpoint-relative path.
//
//	root://eos.example.org//store/user/x -> root://eos.example.org/, /store/user/x
func ParseAddress(addr string) (endpoint, p string, err error) {
	matches := addressRE.FindAllStringSubmatch(addr, -1)
	if len(matches) != 1 || len(matches[0]) != 3 {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidAddress, addr)
	}
	endpoint, p = matches[0][1], matches[0][2]
	if p == "" {
		return "", "", fmt.Errorf("%w: %q has no path", ErrInvalidAddress, addr)
	}
	return endpoint, p, nil
}

// Join appends path elements to a remote base address.
func Join(base string, elem ...string) string {
	rel := strings.TrimPrefix(path.Join(elem...), "/")
	if rel == "" || rel == "." {
		return base
	}
	if strings.HasSuffix(base, "/") {
		return base + rel
	}
	return base + "/" + rel
}

// Dir returns the parent address of addr.
func Dir(addr string) string {
	i := strings.LastIndex(addr, "/")
	if i <= 0 {
		return addr
	}
	return addr[:i]
}

// Base returns the last element of addr.
func Base(addr string) string {
	return path.Base(addr)
}
