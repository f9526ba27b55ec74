// Package transport moves files to a remote root over FTP, SFTP or SCP.
//
// Each protocol is a Transport that opens Conns. A Lifecycle owns the single live Conn
// per protocol and applies the protocol's reuse policy: SFTP sessions stay open across
// operations, FTP and SCP sessions are closed after every operation.
package transport

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/openmined/dirsync/internal/config"
	"github.com/openmined/dirsync/internal/syncerr"
	"github.com/spf13/afero"
)

// ErrLocalMissing marks an upload whose local source could not be opened. Retrying does not help.
var ErrLocalMissing = errors.New("local file unavailable")

// Conn is one open protocol session. Paths are remote, forward-slash separated.
type Conn interface {
	// EnsureDir creates dir and any missing ancestors. An existing dir is not an error.
	EnsureDir(ctx context.Context, dir string) error
	// Upload streams the local file to remotePath, replacing any existing file.
	Upload(ctx context.Context, localPath, remotePath string) error
	// Remove deletes a remote file or, recursively, a directory. It returns
	// syncerr.ErrNotFound when nothing exists at remotePath.
	Remove(ctx context.Context, remotePath string) error
	// Alive reports whether the session can still be used.
	Alive() bool
	Close() error
}

// Transport opens sessions for one protocol.
type Transport interface {
	Protocol() config.Protocol
	Connect(ctx context.Context) (Conn, error)
	// KeepAlive reports whether sessions are reused across operations.
	KeepAlive() bool
}

// New returns the Transport for cfg.Protocol. Local files are read through fsys.
func New(cfg *config.Config, fsys afero.Fs) (Transport, error) {
	if fsys == nil {
		fsys = afero.NewOsFs()
	}

	switch cfg.Protocol {
	case config.ProtocolFTP:
		return &FTPTransport{cfg: cfg, fs: fsys}, nil
	case config.ProtocolSFTP:
		return &SFTPTransport{cfg: cfg, fs: fsys}, nil
	case config.ProtocolSCP:
		return &SCPTransport{cfg: cfg, fs: fsys}, nil
	default:
		return nil, &syncerr.ConfigError{Field: "protocol", Reason: fmt.Sprintf("unsupported %q", cfg.Protocol)}
	}
}

// openLocal opens a regular local file for upload.
func openLocal(fsys afero.Fs, localPath, remotePath string) (afero.File, os.FileInfo, error) {
	f, err := fsys.Open(localPath)
	if err != nil {
		return nil, nil, localMissing(remotePath, err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, localMissing(remotePath, err)
	}
	if info.IsDir() {
		f.Close()
		return nil, nil, localMissing(remotePath, fmt.Errorf("%s is a directory", localPath))
	}
	return f, info, nil
}

// localMissing reports an upload that failed on its local source as a RemoteIOError that
// still matches ErrLocalMissing.
func localMissing(remotePath string, err error) error {
	return syncerr.RemoteIO("upload", remotePath, fmt.Errorf("%w: %w", ErrLocalMissing, err))
}

// IsLocalMissing reports whether err came from opening the local source file.
func IsLocalMissing(err error) bool {
	return errors.Is(err, ErrLocalMissing)
}
