package transport

import (
	"context"
	"io"
	"os"
	"testing"
	"time"

	"github.com/openmined/dirsync/internal/syncerr"
	"github.com/pkg/sftp"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newPipeConn runs an in-memory SFTP server and returns a session connected to it.
func newPipeConn(t *testing.T, fsys afero.Fs) (*sftpConn, *sftp.Client) {
	t.Helper()

	cr, sw := io.Pipe()
	sr, cw := io.Pipe()

	server := sftp.NewRequestServer(struct {
		io.Reader
		io.WriteCloser
	}{sr, sw}, sftp.InMemHandler())
	go server.Serve()

	client, err := sftp.NewClientPipe(cr, cw)
	require.NoError(t, err)

	conn := newSFTPConn(client, server, fsys)
	t.Cleanup(func() { conn.Close() })
	return conn, client
}

func readRemote(t *testing.T, client *sftp.Client, p string) string {
	t.Helper()
	f, err := client.Open(p)
	require.NoError(t, err)
	defer f.Close()
	data, err := io.ReadAll(f)
	require.NoError(t, err)
	return string(data)
}

func TestSFTPUploadAndRemove(t *testing.T) {
	fsys := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fsys, "/local/a/b/file.txt", []byte("hello world"), 0o644))

	conn, client := newPipeConn(t, fsys)
	ctx := context.Background()

	require.NoError(t, conn.EnsureDir(ctx, "/remote/a/b"))
	require.NoError(t, conn.EnsureDir(ctx, "/remote/a/b"), "existing directory is fine")
	assert.True(t, conn.dirs.Contains("/remote/a/b"))

	require.NoError(t, conn.Upload(ctx, "/local/a/b/file.txt", "/remote/a/b/file.txt"))
	assert.Equal(t, "hello world", readRemote(t, client, "/remote/a/b/file.txt"))

	// overwrite truncates
	require.NoError(t, afero.WriteFile(fsys, "/local/a/b/file.txt", []byte("bye"), 0o644))
	require.NoError(t, conn.Upload(ctx, "/local/a/b/file.txt", "/remote/a/b/file.txt"))
	assert.Equal(t, "bye", readRemote(t, client, "/remote/a/b/file.txt"))

	require.NoError(t, conn.Remove(ctx, "/remote/a/b/file.txt"))
	_, err := client.Lstat("/remote/a/b/file.txt")
	assert.ErrorIs(t, err, os.ErrNotExist)

	assert.ErrorIs(t, conn.Remove(ctx, "/remote/a/b/file.txt"), syncerr.ErrNotFound)
}

func TestSFTPRemoveDirectoryRecursively(t *testing.T) {
	fsys := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fsys, "/local/x.txt", []byte("x"), 0o644))

	conn, client := newPipeConn(t, fsys)
	ctx := context.Background()

	require.NoError(t, conn.EnsureDir(ctx, "/remote/dir/sub"))
	require.NoError(t, conn.Upload(ctx, "/local/x.txt", "/remote/dir/x.txt"))
	require.NoError(t, conn.Upload(ctx, "/local/x.txt", "/remote/dir/sub/y.txt"))

	require.NoError(t, conn.Remove(ctx, "/remote/dir"))

	_, err := client.Lstat("/remote/dir")
	assert.ErrorIs(t, err, os.ErrNotExist)
	assert.False(t, conn.dirs.Contains("/remote/dir/sub"))

	// the directory is recreated after the cache was purged
	require.NoError(t, conn.EnsureDir(ctx, "/remote/dir/sub"))
	info, err := client.Stat("/remote/dir/sub")
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestSFTPUploadMissingLocalFile(t *testing.T) {
	conn, _ := newPipeConn(t, afero.NewMemMapFs())

	err := conn.Upload(context.Background(), "/local/gone.txt", "/remote/gone.txt")
	require.Error(t, err)
	assert.True(t, IsLocalMissing(err))
	assert.True(t, syncerr.IsRemoteIO(err))
	assert.False(t, Retryable(err))
}

func TestSFTPAliveAndClose(t *testing.T) {
	conn, _ := newPipeConn(t, afero.NewMemMapFs())

	assert.True(t, conn.Alive())

	closed := make(chan error, 1)
	go func() { closed <- conn.Close() }()
	select {
	case err := <-closed:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("close blocked on the sftp reader")
	}
	assert.False(t, conn.Alive())
	assert.NoError(t, conn.Close(), "second close is a no-op")
}

func TestShellQuote(t *testing.T) {
	assert.Equal(t, `'/srv/www/a b'`, shellQuote("/srv/www/a b"))
	assert.Equal(t, `'it'\''s'`, shellQuote("it's"))
}
