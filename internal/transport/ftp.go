package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"net/textproto"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/jlaffaye/ftp"
	"github.com/openmined/dirsync/internal/config"
	"github.com/openmined/dirsync/internal/syncerr"
	"github.com/spf13/afero"
)

// quitTimeout bounds the QUIT exchange so closing a stalled session cannot hang.
const quitTimeout = 2 * time.Second

// FTPTransport dials a fresh control connection for every operation.
type FTPTransport struct {
	cfg *config.Config
	fs  afero.Fs
}

func (t *FTPTransport) Protocol() config.Protocol { return config.ProtocolFTP }

func (t *FTPTransport) KeepAlive() bool { return false }

func (t *FTPTransport) Connect(ctx context.Context) (Conn, error) {
	conns := &ftpConns{dialer: net.Dialer{Timeout: t.cfg.ConnectTimeout}}
	opts := []ftp.DialOption{
		ftp.DialWithTimeout(t.cfg.ConnectTimeout),
		ftp.DialWithDialFunc(conns.dial),
	}
	if t.cfg.FTPTLS {
		conns.tls = &tls.Config{ServerName: t.cfg.Host}
		opts = append(opts, ftp.DialWithExplicitTLS(conns.tls))
	}

	stop := context.AfterFunc(ctx, conns.closeAll)
	defer stop()

	c, err := ftp.Dial(t.cfg.Addr(), opts...)
	if err != nil {
		return nil, &syncerr.ConnectError{Protocol: "FTP", Addr: t.cfg.Addr(), Err: connectCause(ctx, err)}
	}

	if err := c.Login(t.cfg.Username, t.cfg.Password); err != nil {
		conns.closeAll()
		return nil, &syncerr.ConnectError{Protocol: "FTP", Addr: t.cfg.Addr(), Err: connectCause(ctx, err)}
	}

	// relative remote roots resolve against the login directory
	home, err := c.CurrentDir()
	if err != nil || home == "" {
		home = "/"
	}

	return &ftpConn{conn: c, conns: conns, fs: t.fs, home: home}, nil
}

func connectCause(ctx context.Context, err error) error {
	if cerr := ctx.Err(); cerr != nil {
		return cerr
	}
	return err
}

// ftpConns records the control and data connections of one FTP session so a cancelled
// operation can close them while a command is blocked on the network. The first dial is
// the control connection, the client upgrades that one itself; data connections are
// wrapped here when tls is set.
type ftpConns struct {
	dialer net.Dialer
	tls    *tls.Config

	mu     sync.Mutex
	conns  []net.Conn
	closed bool
}

func (d *ftpConns) dial(network, address string) (net.Conn, error) {
	conn, err := d.dialer.Dial(network, address)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		conn.Close()
		return nil, net.ErrClosed
	}
	// finished data connections are already closed, closing them again is harmless
	d.conns = append(d.conns, conn)
	if d.tls != nil && len(d.conns) > 1 {
		return tls.Client(conn, d.tls), nil
	}
	return conn, nil
}

func (d *ftpConns) closeAll() {
	d.mu.Lock()
	conns := d.conns
	d.conns = nil
	d.closed = true
	d.mu.Unlock()

	for _, conn := range conns {
		_ = conn.Close()
	}
}

func (d *ftpConns) setDeadline(t time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, conn := range d.conns {
		_ = conn.SetDeadline(t)
	}
}

func (d *ftpConns) isClosed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

type ftpConn struct {
	conn   *ftp.ServerConn
	conns  *ftpConns
	fs     afero.Fs
	home   string
	closed bool
}

// watch tears the session down when ctx ends. The returned func stops watching.
func (c *ftpConn) watch(ctx context.Context) func() bool {
	return context.AfterFunc(ctx, c.conns.closeAll)
}

// opErr prefers the context error when the session was torn down by cancellation.
func opErr(ctx context.Context, op, p string, err error) error {
	if cerr := ctx.Err(); cerr != nil {
		return cerr
	}
	return syncerr.RemoteIO(op, p, err)
}

func (c *ftpConn) resolve(p string) string {
	if path.IsAbs(p) {
		return path.Clean(p)
	}
	return path.Join(c.home, p)
}

func (c *ftpConn) EnsureDir(ctx context.Context, dir string) error {
	defer c.watch(ctx)()
	dir = c.resolve(dir)

	cur := "/"
	for _, seg := range strings.Split(strings.Trim(dir, "/"), "/") {
		if seg == "" {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		cur = path.Join(cur, seg)
		if c.conn.ChangeDir(cur) == nil {
			continue
		}
		if err := c.conn.MakeDir(cur); err != nil {
			// another client may have created it in between
			if c.conn.ChangeDir(cur) == nil {
				continue
			}
			return opErr(ctx, "mkdir", cur, err)
		}
	}
	return nil
}

func (c *ftpConn) Upload(ctx context.Context, localPath, remotePath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	defer c.watch(ctx)()

	remotePath = c.resolve(remotePath)
	f, _, err := openLocal(c.fs, localPath, remotePath)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := c.conn.Stor(remotePath, f); err != nil {
		return opErr(ctx, "upload", remotePath, err)
	}
	return nil
}

func (c *ftpConn) Remove(ctx context.Context, remotePath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	defer c.watch(ctx)()

	remotePath = c.resolve(remotePath)
	err := c.conn.Delete(remotePath)
	if err == nil {
		return nil
	}
	if !isUnavailable(err) {
		return opErr(ctx, "delete", remotePath, err)
	}

	// 550 on DELE: either a directory or nothing at all
	if derr := c.conn.RemoveDirRecur(remotePath); derr == nil {
		return nil
	}

	exists, lerr := c.exists(remotePath)
	if lerr == nil && !exists {
		return syncerr.ErrNotFound
	}
	return opErr(ctx, "delete", remotePath, err)
}

func (c *ftpConn) exists(p string) (bool, error) {
	entries, err := c.conn.List(path.Dir(p))
	if err != nil {
		if isUnavailable(err) {
			return false, nil
		}
		return false, err
	}

	name := path.Base(p)
	for _, e := range entries {
		if path.Base(e.Name) == name {
			return true, nil
		}
	}
	return false, nil
}

func (c *ftpConn) Alive() bool {
	return !c.closed && !c.conns.isClosed() && c.conn.NoOp() == nil
}

func (c *ftpConn) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	if c.conns.isClosed() {
		return nil
	}
	c.conns.setDeadline(time.Now().Add(quitTimeout))
	err := c.conn.Quit()
	c.conns.closeAll()
	return err
}

func isUnavailable(err error) bool {
	var te *textproto.Error
	return errors.As(err, &te) && te.Code == ftp.StatusFileUnavailable
}
