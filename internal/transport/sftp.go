package transport

import (
	"context"
	"errors"
	"io"
	"os"
	"path"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/openmined/dirsync/internal/config"
	"github.com/openmined/dirsync/internal/syncerr"
	"github.com/pkg/sftp"
	"github.com/spf13/afero"
)

// dirCacheSize bounds how many remote directories an SFTP session remembers as created.
const dirCacheSize = 1024

// SFTPTransport keeps one session open across operations.
type SFTPTransport struct {
	cfg *config.Config
	fs  afero.Fs
}

func (t *SFTPTransport) Protocol() config.Protocol { return config.ProtocolSFTP }

func (t *SFTPTransport) KeepAlive() bool { return true }

func (t *SFTPTransport) Connect(ctx context.Context) (Conn, error) {
	sshc, err := dialSSH(ctx, t.cfg)
	if err != nil {
		return nil, err
	}

	client, err := sftp.NewClient(sshc)
	if err != nil {
		sshc.Close()
		return nil, &syncerr.ConnectError{Protocol: "SFTP", Addr: t.cfg.Addr(), Err: err}
	}

	return newSFTPConn(client, sshc, t.fs), nil
}

type sftpConn struct {
	client *sftp.Client
	link   io.Closer
	fs     afero.Fs
	dirs   *lru.Cache[string, struct{}]
	closed bool
}

// newSFTPConn wraps an established client. link is the connection the client runs over,
// the SSH client in production.
func newSFTPConn(client *sftp.Client, link io.Closer, fsys afero.Fs) *sftpConn {
	dirs, _ := lru.New[string, struct{}](dirCacheSize)
	return &sftpConn{client: client, link: link, fs: fsys, dirs: dirs}
}

func (c *sftpConn) EnsureDir(ctx context.Context, dir string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	dir = path.Clean(dir)
	if c.dirs.Contains(dir) {
		return nil
	}
	if err := c.client.MkdirAll(dir); err != nil {
		return syncerr.RemoteIO("mkdir", dir, err)
	}
	c.dirs.Add(dir, struct{}{})
	return nil
}

func (c *sftpConn) Upload(ctx context.Context, localPath, remotePath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	src, _, err := openLocal(c.fs, localPath, remotePath)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := c.client.OpenFile(remotePath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return syncerr.RemoteIO("upload", remotePath, err)
	}

	stop := context.AfterFunc(ctx, func() { dst.Close() })
	defer stop()

	if _, err := dst.ReadFrom(src); err != nil {
		dst.Close()
		return syncerr.RemoteIO("upload", remotePath, err)
	}
	if err := dst.Close(); err != nil {
		return syncerr.RemoteIO("upload", remotePath, err)
	}
	return nil
}

// Remove looks at the remote entry type first so directories are removed recursively.
func (c *sftpConn) Remove(ctx context.Context, remotePath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	remotePath = path.Clean(remotePath)
	info, err := c.client.Lstat(remotePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return syncerr.ErrNotFound
		}
		return syncerr.RemoteIO("delete", remotePath, err)
	}

	if info.IsDir() {
		err = c.removeAll(ctx, remotePath)
	} else {
		err = c.client.Remove(remotePath)
	}
	c.forgetDirs(remotePath)

	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return syncerr.ErrNotFound
		}
		return syncerr.RemoteIO("delete", remotePath, err)
	}
	return nil
}

func (c *sftpConn) removeAll(ctx context.Context, dir string) error {
	entries, err := c.client.ReadDir(dir)
	if err != nil {
		return err
	}

	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		child := path.Join(dir, e.Name())
		if e.IsDir() {
			err = c.removeAll(ctx, child)
		} else {
			err = c.client.Remove(child)
		}
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}
	return c.client.RemoveDirectory(dir)
}

// forgetDirs drops cached directories at or below p.
func (c *sftpConn) forgetDirs(p string) {
	prefix := strings.TrimSuffix(p, "/") + "/"
	for _, key := range c.dirs.Keys() {
		if key == p || strings.HasPrefix(key, prefix) {
			c.dirs.Remove(key)
		}
	}
}

func (c *sftpConn) Alive() bool {
	if c.closed {
		return false
	}
	_, err := c.client.Getwd()
	return err == nil
}

func (c *sftpConn) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	c.dirs.Purge()

	// the link goes first: sftp.Client.Close waits for its reader, which only ends
	// once the link is down. The client can only report the missing link after that.
	if c.link == nil {
		return c.client.Close()
	}
	err := c.link.Close()
	_ = c.client.Close()
	return err
}
