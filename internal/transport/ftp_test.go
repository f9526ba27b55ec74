package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"net/textproto"
	"strconv"
	"strings"
	"testing"
	"time"

	ftpserver "github.com/fclairamb/ftpserverlib"
	"github.com/openmined/dirsync/internal/config"
	"github.com/openmined/dirsync/internal/syncerr"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testUser     = "sync"
	testPassword = "secret"
)

// ftpTestDriver serves one afero tree to a single known user.
type ftpTestDriver struct {
	fs afero.Fs
}

func (d *ftpTestDriver) GetSettings() (*ftpserver.Settings, error) {
	return &ftpserver.Settings{ListenAddr: "127.0.0.1:0"}, nil
}

func (d *ftpTestDriver) ClientConnected(ftpserver.ClientContext) (string, error) {
	return "dirsync test server", nil
}

func (d *ftpTestDriver) ClientDisconnected(ftpserver.ClientContext) {}

func (d *ftpTestDriver) AuthUser(_ ftpserver.ClientContext, user, pass string) (ftpserver.ClientDriver, error) {
	if user != testUser || pass != testPassword {
		return nil, errors.New("bad credentials")
	}
	return d.fs, nil
}

func (d *ftpTestDriver) GetTLSConfig() (*tls.Config, error) {
	return nil, errors.New("tls not configured")
}

func testConnConfig(t *testing.T, p config.Protocol, addr string) *config.Config {
	t.Helper()

	host, portStr, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	cfg := config.Default()
	cfg.Protocol = p
	cfg.Host = host
	cfg.Port = port
	cfg.Username = testUser
	cfg.Password = testPassword
	cfg.ConnectTimeout = 5 * time.Second
	return cfg
}

// newFTPServer serves a fresh temp directory over FTP. The returned fs views the same tree.
func newFTPServer(t *testing.T) (*config.Config, afero.Fs) {
	t.Helper()

	remote := afero.NewBasePathFs(afero.NewOsFs(), t.TempDir())
	server := ftpserver.NewFtpServer(&ftpTestDriver{fs: remote})
	require.NoError(t, server.Listen())
	go func() { _ = server.Serve() }()
	t.Cleanup(func() { _ = server.Stop() })

	return testConnConfig(t, config.ProtocolFTP, server.Addr()), remote
}

func connectFTP(t *testing.T, cfg *config.Config, local afero.Fs) Conn {
	t.Helper()
	conn, err := (&FTPTransport{cfg: cfg, fs: local}).Connect(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestFTPEnsureDirUploadRemove(t *testing.T) {
	cfg, remote := newFTPServer(t)
	local := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(local, "/local/file.txt", []byte("hello world"), 0o644))

	conn := connectFTP(t, cfg, local)
	ctx := context.Background()

	require.NoError(t, conn.EnsureDir(ctx, "/remote/a/b"))
	require.NoError(t, conn.EnsureDir(ctx, "/remote/a/b"), "existing directory is fine")
	isDir, err := afero.IsDir(remote, "/remote/a/b")
	require.NoError(t, err)
	assert.True(t, isDir)

	require.NoError(t, conn.Upload(ctx, "/local/file.txt", "/remote/a/b/file.txt"))
	data, err := afero.ReadFile(remote, "/remote/a/b/file.txt")
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(data))

	require.NoError(t, afero.WriteFile(local, "/local/file.txt", []byte("v2"), 0o644))
	require.NoError(t, conn.Upload(ctx, "/local/file.txt", "/remote/a/b/file.txt"))
	data, err = afero.ReadFile(remote, "/remote/a/b/file.txt")
	require.NoError(t, err)
	assert.Equal(t, "v2", string(data), "upload overwrites")

	require.NoError(t, conn.Remove(ctx, "/remote/a/b/file.txt"))
	exists, err := afero.Exists(remote, "/remote/a/b/file.txt")
	require.NoError(t, err)
	assert.False(t, exists)

	assert.ErrorIs(t, conn.Remove(ctx, "/remote/a/b/file.txt"), syncerr.ErrNotFound)
}

func TestFTPRemoveDirectoryRecursively(t *testing.T) {
	cfg, remote := newFTPServer(t)
	require.NoError(t, afero.WriteFile(remote, "/remote/tree/x.txt", []byte("x"), 0o644))
	require.NoError(t, afero.WriteFile(remote, "/remote/tree/sub/y.txt", []byte("y"), 0o644))

	conn := connectFTP(t, cfg, afero.NewMemMapFs())
	require.NoError(t, conn.Remove(context.Background(), "/remote/tree"))

	exists, err := afero.Exists(remote, "/remote/tree")
	require.NoError(t, err)
	assert.False(t, exists)
	exists, err = afero.Exists(remote, "/remote")
	require.NoError(t, err)
	assert.True(t, exists, "only the target is removed")
}

func TestFTPUploadMissingLocalFile(t *testing.T) {
	cfg, _ := newFTPServer(t)
	conn := connectFTP(t, cfg, afero.NewMemMapFs())

	err := conn.Upload(context.Background(), "/local/gone.txt", "/gone.txt")
	require.Error(t, err)
	assert.True(t, IsLocalMissing(err))
	assert.True(t, syncerr.IsRemoteIO(err))
	assert.False(t, Retryable(err))
}

func TestFTPConnectRejectsBadPassword(t *testing.T) {
	cfg, _ := newFTPServer(t)
	cfg.Password = "wrong"

	_, err := (&FTPTransport{cfg: cfg, fs: afero.NewMemMapFs()}).Connect(context.Background())
	require.Error(t, err)
	assert.True(t, syncerr.IsConnect(err))
}

func TestFTPAliveAndClose(t *testing.T) {
	cfg, _ := newFTPServer(t)
	conn := connectFTP(t, cfg, afero.NewMemMapFs())

	assert.True(t, conn.Alive())
	require.NoError(t, conn.Close())
	assert.False(t, conn.Alive())
	assert.NoError(t, conn.Close(), "second close is a no-op")
}

// stallingFTPServer completes the login exchange and then never answers another command.
func stallingFTPServer(t *testing.T) string {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	replies := map[string]string{
		"USER": "331 password required",
		"PASS": "230 logged in",
		"FEAT": "502 not implemented",
		"TYPE": "200 type set",
		"PWD":  `257 "/" is the current directory`,
	}

	go func() {
		nc, err := ln.Accept()
		if err != nil {
			return
		}
		defer nc.Close()

		tp := textproto.NewConn(nc)
		if err := tp.PrintfLine("220 ready"); err != nil {
			return
		}
		for {
			line, err := tp.ReadLine()
			if err != nil {
				return
			}
			cmd, _, _ := strings.Cut(line, " ")
			if reply, ok := replies[cmd]; ok {
				_ = tp.PrintfLine("%s", reply)
			}
		}
	}()
	return ln.Addr().String()
}

func TestFTPCancelInterruptsStalledCommand(t *testing.T) {
	cfg := testConnConfig(t, config.ProtocolFTP, stallingFTPServer(t))
	conn := connectFTP(t, cfg, afero.NewMemMapFs())

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- conn.EnsureDir(ctx, "/remote/a") }()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	case <-time.After(5 * time.Second):
		t.Fatal("stalled command ignored cancellation")
	}
	assert.False(t, conn.Alive())
	assert.NoError(t, conn.Close())
}
