package remotefs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"go-hep.org/x/hep/xrootd"
	"go-hep.org/x/hep/xrootd/xrdfs"
	"go-hep.org/x/hep/xrootd/xrdio"
	"go-hep.org/x/hep/xrootd/xrdproto"
)

// XRootD server error codes the recursive delete branches on.
const (
	xrdCodeNotFound = 3011
	xrdCodeNotEmpty = 3012
	xrdCodeNotFile  = 3015
)

const xrdDirPerm = xrdfs.OpenModeOwnerRead | xrdfs.OpenModeOwnerWrite | xrdfs.OpenModeOwnerExecute |
	xrdfs.OpenModeGroupRead | xrdfs.OpenModeGroupExecute |
	xrdfs.OpenModeOtherRead | xrdfs.OpenModeOtherExecute

const xrdFilePerm = xrdfs.OpenModeOwnerRead | xrdfs.OpenModeOwnerWrite |
	xrdfs.OpenModeGroupRead | xrdfs.OpenModeOtherRead

const xrdChunkSize = 1 << 20

// XRootDTransport talks to a storage element over the XRootD protocol.
type XRootDTransport struct {
	endpoint string
	client   *xrootd.Client
	fs       xrdfs.FileSystem
}

// DialXRootD connects to endpoint, e.g. "root://eos.example.org:1094/".
func DialXRootD(ctx context.Context, endpoint string) (*XRootDTransport, error) {
	host := endpoint
	if i := strings.Index(host, "://"); i >= 0 {
		host = host[i+3:]
	}
	host = strings.TrimSuffix(host, "/")
	if host == "" {
		return nil, fmt.Errorf("%w: empty host in %q", ErrInvalidAddress, endpoint)
	}

	user := os.Getenv("USER")
	if user == "" {
		user = "shardrun"
	}
	client, err := xrootd.NewClient(ctx, host, user)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", host, err)
	}
	return &XRootDTransport{endpoint: endpoint, client: client, fs: client.FS()}, nil
}

func xrdResult(err error) Result {
	if err == nil {
		return Ok
	}
	var serr xrdproto.ServerError
	if errors.As(err, &serr) {
		code := int(serr.Code)
		res := Result{Code: code, Message: serr.Message}
		switch code {
		case xrdCodeNotFile:
			res.Status = StatusIsFile
		case xrdCodeNotEmpty:
			res.Status = StatusNotEmpty
		case xrdCodeNotFound:
			res.Status = StatusNotFound
		default:
			res.Status = StatusOther
		}
		return res
	}
	return Result{Status: StatusOther, Message: err.Error()}
}

func (x *XRootDTransport) Stat(ctx context.Context, p string) (Entry, Result) {
	st, err := x.fs.Stat(ctx, p)
	if err != nil {
		return Entry{}, xrdResult(err)
	}
	return Entry{Name: st.Name(), IsDir: st.IsDir(), Size: st.Size()}, Ok
}

func (x *XRootDTransport) List(ctx context.Context, p string) ([]Entry, Result) {
	stats, err := x.fs.Dirlist(ctx, p)
	if err != nil {
		return nil, xrdResult(err)
	}
	entries := make([]Entry, 0, len(stats))
	for _, st := range stats {
		entries = append(entries, Entry{Name: st.Name(), IsDir: st.IsDir(), Size: st.Size()})
	}
	return entries, Ok
}

func (x *XRootDTransport) MkdirAll(ctx context.Context, p string) Result {
	return xrdResult(x.fs.MkdirAll(ctx, p, xrdDirPerm))
}

func (x *XRootDTransport) RemoveFile(ctx context.Context, p string) Result {
	return xrdResult(x.fs.RemoveFile(ctx, p))
}

func (x *XRootDTransport) RemoveDir(ctx context.Context, p string) Result {
	return xrdResult(x.fs.RemoveDir(ctx, p))
}

func (x *XRootDTransport) Upload(ctx context.Context, localPath, p string) Result {
	src, err := os.Open(localPath)
	if err != nil {
		return Result{Status: StatusOther, Message: err.Error()}
	}
	defer src.Close()

	// Existing objects are truncated so a re-upload replaces them.
	dst, err := x.fs.Open(ctx, p, xrdFilePerm, xrdfs.OpenOptionsOpenUpdate|xrdfs.OpenOptionsDelete)
	if err != nil {
		return xrdResult(err)
	}
	buf := make([]byte, xrdChunkSize)
	var off int64
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			if err := dst.WriteAtContext(ctx, buf[:n], off); err != nil {
				_ = dst.Close(ctx)
				return xrdResult(err)
			}
			off += int64(n)
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			_ = dst.Close(ctx)
			return Result{Status: StatusOther, Message: rerr.Error()}
		}
	}
	return xrdResult(dst.Close(ctx))
}

func (x *XRootDTransport) Download(_ context.Context, p, localPath string) Result {
	src, err := xrdio.OpenFrom(x.fs, p)
	if err != nil {
		return xrdResult(err)
	}
	defer src.Close()

	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return Result{Status: StatusOther, Message: err.Error()}
	}
	tmp := localPath + ".part"
	dst, err := os.Create(tmp)
	if err != nil {
		return Result{Status: StatusOther, Message: err.Error()}
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		os.Remove(tmp)
		return xrdResult(err)
	}
	if err := dst.Close(); err != nil {
		os.Remove(tmp)
		return Result{Status: StatusOther, Message: err.Error()}
	}
	if err := os.Rename(tmp, localPath); err != nil {
		return Result{Status: StatusOther, Message: err.Error()}
	}
	return Ok
}

func (x *XRootDTransport) Close() error {
	return x.client.Close()
}
