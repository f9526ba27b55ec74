package workspace

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
	"github.com/openmined/dirsync/internal/utils"
)

const (
	metadataDir = ".dirsync"
	lockFile    = "dirsync.lock"
)

var (
	ErrWorkspaceLocked = errors.New("local directory is already synced by another process")
)

// Workspace is the synced local root. Its metadata dir is dot-prefixed and never synced.
type Workspace struct {
	Root        string
	MetadataDir string

	flock *flock.Flock
}

func NewWorkspace(rootDir string) (*Workspace, error) {
	root, err := utils.ResolvePath(rootDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve path %s: %w", rootDir, err)
	}

	meta := filepath.Join(root, metadataDir)
	return &Workspace{
		Root:        root,
		MetadataDir: meta,
		flock:       flock.New(filepath.Join(meta, lockFile)),
	}, nil
}

// Lock takes the single-instance lock for this root.
func (w *Workspace) Lock() error {
	if !utils.DirExists(w.Root) {
		return fmt.Errorf("local directory does not exist: %s", w.Root)
	}

	if err := utils.EnsureDir(w.MetadataDir); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", w.MetadataDir, err)
	}

	locked, err := w.flock.TryLock()
	if err != nil {
		return fmt.Errorf("failed to lock workspace: %w", err)
	}
	if !locked {
		return ErrWorkspaceLocked
	}

	slog.Debug("workspace locked", "root", w.Root)
	return nil
}

func (w *Workspace) Unlock() error {
	// if this process hasn't locked the workspace, then don't delete the lock file
	if !w.flock.Locked() {
		return nil
	}

	if err := w.flock.Unlock(); err != nil {
		return fmt.Errorf("failed to unlock workspace: %w", err)
	}

	if err := os.Remove(w.flock.Path()); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	// leave the metadata dir behind unless it is empty
	_ = os.Remove(w.MetadataDir)
	return nil
}

func (w *Workspace) LockPath() string {
	return w.flock.Path()
}
