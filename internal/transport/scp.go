package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	scp "github.com/bramvdbogaerde/go-scp"
	"github.com/openmined/dirsync/internal/config"
	"github.com/openmined/dirsync/internal/syncerr"
	"github.com/spf13/afero"
	"golang.org/x/crypto/ssh"
)

// exitNotFound is the status the remote delete script uses when the target is absent.
const exitNotFound = 44

// SCPTransport copies files with scp and manages directories through remote shell commands.
type SCPTransport struct {
	cfg *config.Config
	fs  afero.Fs
}

func (t *SCPTransport) Protocol() config.Protocol { return config.ProtocolSCP }

func (t *SCPTransport) KeepAlive() bool { return false }

func (t *SCPTransport) Connect(ctx context.Context) (Conn, error) {
	sshc, err := dialSSH(ctx, t.cfg)
	if err != nil {
		return nil, err
	}

	client, err := scp.NewClientBySSH(sshc)
	if err != nil {
		sshc.Close()
		return nil, &syncerr.ConnectError{Protocol: "SCP", Addr: t.cfg.Addr(), Err: err}
	}

	return &scpConn{ssh: sshc, scp: &client, fs: t.fs}, nil
}

type scpConn struct {
	ssh    *ssh.Client
	scp    *scp.Client
	fs     afero.Fs
	closed bool
}

func (c *scpConn) EnsureDir(ctx context.Context, dir string) error {
	dir = path.Clean(dir)
	if _, err := c.run(ctx, "mkdir -p -- "+shellQuote(dir)); err != nil {
		return syncerr.RemoteIO("mkdir", dir, err)
	}
	return nil
}

func (c *scpConn) Upload(ctx context.Context, localPath, remotePath string) error {
	f, info, err := openLocal(c.fs, localPath, remotePath)
	if err != nil {
		return err
	}
	defer f.Close()

	perm := fmt.Sprintf("%04o", info.Mode().Perm())
	if err := c.scp.Copy(ctx, f, remotePath, perm, info.Size()); err != nil {
		return syncerr.RemoteIO("upload", remotePath, err)
	}
	return nil
}

func (c *scpConn) Remove(ctx context.Context, remotePath string) error {
	remotePath = path.Clean(remotePath)
	q := shellQuote(remotePath)
	script := fmt.Sprintf("if [ -e %[1]s ] || [ -L %[1]s ]; then rm -rf -- %[1]s; else exit %[2]d; fi", q, exitNotFound)

	status, err := c.run(ctx, script)
	if status == exitNotFound {
		return syncerr.ErrNotFound
	}
	if err != nil {
		return syncerr.RemoteIO("delete", remotePath, err)
	}
	return nil
}

// run executes cmd in a new session and returns the remote exit status.
func (c *scpConn) run(ctx context.Context, cmd string) (int, error) {
	if err := ctx.Err(); err != nil {
		return -1, err
	}

	session, err := c.ssh.NewSession()
	if err != nil {
		return -1, err
	}
	defer session.Close()

	var stderr bytes.Buffer
	session.Stderr = &stderr

	stop := context.AfterFunc(ctx, func() {
		_ = session.Signal(ssh.SIGKILL)
		session.Close()
	})
	defer stop()

	err = session.Run(cmd)
	if err == nil {
		return 0, nil
	}

	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			return exitErr.ExitStatus(), err
		}
		return exitErr.ExitStatus(), fmt.Errorf("%w: %s", err, msg)
	}
	return -1, err
}

func (c *scpConn) Alive() bool {
	return !c.closed && sshAlive(c.ssh)
}

func (c *scpConn) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	return c.ssh.Close()
}
