package remotefs_test

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go-hep.org/x/hep/xrootd"

	"github.com/fentz26/shardrun/internal/remotefs"
)

// startXRootD serves a temporary directory over XRootD and returns the
// endpoint and the directory.
func startXRootD(t *testing.T) (string, string) {
	t.Helper()
	base := t.TempDir()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv := xrootd.NewServer(xrootd.NewFSHandler(base), func(error) {})
	go func() { _ = srv.Serve(l) }()
	t.Cleanup(func() { _ = srv.Shutdown(context.Background()) })

	return "root://" + l.Addr().String() + "/", base
}

func TestXRootD_UploadDownload(t *testing.T) {
	endpoint, base := startXRootD(t)
	ctx := context.Background()
	client := remotefs.NewClient(remotefs.DefaultDialer)
	defer client.Close()

	local := t.TempDir()
	src := filepath.Join(local, "out.root")
	require.NoError(t, os.WriteFile(src, []byte("first upload payload"), 0o644))

	addr := endpoint + "/task/2018/dy/mt/dy_0.root"
	require.NoError(t, client.Upload(ctx, src, addr))

	data, err := os.ReadFile(filepath.Join(base, "task/2018/dy/mt/dy_0.root"))
	require.NoError(t, err)
	assert.Equal(t, "first upload payload", string(data))

	names, err := client.List(ctx, endpoint+"/task/2018/dy/mt")
	require.NoError(t, err)
	assert.Equal(t, []string{"dy_0.root"}, names)

	// A shorter second upload replaces the object entirely.
	require.NoError(t, os.WriteFile(src, []byte("second"), 0o644))
	require.NoError(t, client.Upload(ctx, src, addr))

	dst := filepath.Join(local, "fetched", "dy_0.root")
	require.NoError(t, client.Download(ctx, addr, dst))
	data, err = os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "second", string(data))
}

func TestXRootD_LargeUpload(t *testing.T) {
	endpoint, base := startXRootD(t)
	ctx := context.Background()
	client := remotefs.NewClient(remotefs.DefaultDialer)
	defer client.Close()

	payload := make([]byte, 3<<20+17)
	for i := range payload {
		payload[i] = byte(i % 251)
	}
	src := filepath.Join(t.TempDir(), "bundle.tar.gz")
	require.NoError(t, os.WriteFile(src, payload, 0o644))

	require.NoError(t, client.Upload(ctx, src, endpoint+"/artifacts/bundle.tar.gz"))
	data, err := os.ReadFile(filepath.Join(base, "artifacts/bundle.tar.gz"))
	require.NoError(t, err)
	assert.Equal(t, payload, data)
}
