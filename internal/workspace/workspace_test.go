package workspace

import (
	"path/filepath"
	"testing"

	"github.com/openmined/dirsync/internal/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkspaceLock(t *testing.T) {
	root := t.TempDir()

	ws, err := NewWorkspace(root)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(ws.Root, ".dirsync", "dirsync.lock"), ws.LockPath())

	require.NoError(t, ws.Lock())
	assert.True(t, utils.FileExists(ws.LockPath()))

	other, err := NewWorkspace(root)
	require.NoError(t, err)
	assert.ErrorIs(t, other.Lock(), ErrWorkspaceLocked)

	require.NoError(t, ws.Unlock())
	assert.False(t, utils.FileExists(ws.LockPath()))
	assert.False(t, utils.DirExists(ws.MetadataDir))

	require.NoError(t, other.Lock())
	require.NoError(t, other.Unlock())
}

func TestWorkspaceUnlockWithoutLock(t *testing.T) {
	ws, err := NewWorkspace(t.TempDir())
	require.NoError(t, err)
	assert.NoError(t, ws.Unlock())
}

func TestWorkspaceMissingRoot(t *testing.T) {
	ws, err := NewWorkspace(filepath.Join(t.TempDir(), "missing"))
	require.NoError(t, err)
	assert.Error(t, ws.Lock())
}
