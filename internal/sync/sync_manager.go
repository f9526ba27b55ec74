package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/openmined/dirsync/internal/config"
	"github.com/openmined/dirsync/internal/transport"
	"github.com/openmined/dirsync/internal/workspace"
	"github.com/spf13/afero"
)

var (
	ErrManagerNotRunning = errors.New("sync manager not running")
)

// EngineFactory builds an unstarted engine for cfg.
type EngineFactory func(cfg *config.Config) (*SyncEngine, error)

// NewEngineFactory returns the production factory: a real transport, an OS watcher and
// the ignore list of the local root.
func NewEngineFactory(notifier Notifier) EngineFactory {
	return func(cfg *config.Config) (*SyncEngine, error) {
		fsys := afero.NewOsFs()

		t, err := transport.New(cfg, fsys)
		if err != nil {
			return nil, fmt.Errorf("failed to create transport: %w", err)
		}

		watcher := NewFileWatcher(cfg.LocalDir, cfg.Watcher, fsys)
		if cfg.DebounceTimeout > 0 {
			watcher.SetDebounceTimeout(cfg.DebounceTimeout)
		}
		ignore := NewSyncIgnoreList(cfg.LocalDir, cfg.UseIgnoreFile, cfg.IgnoreFile, cfg.IgnorePatterns, fsys)

		return NewSyncEngine(cfg, transport.NewLifecycle(t), watcher, ignore, notifier, WithFS(fsys)), nil
	}
}

// SyncManager owns the running engine and the workspace lock. A reload never mutates a
// running engine: the old one is drained and stopped and a new one takes its place.
type SyncManager struct {
	factory EngineFactory

	mu        sync.Mutex
	cfg       *config.Config
	engine    *SyncEngine
	workspace *workspace.Workspace
}

func NewManager(cfg *config.Config, factory EngineFactory) *SyncManager {
	return &SyncManager{cfg: cfg, factory: factory}
}

func (m *SyncManager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	slog.Info("sync manager start")
	if m.engine != nil {
		return ErrEngineStarted
	}

	ws, engine, err := m.launch(ctx, m.cfg, nil)
	if err != nil {
		return err
	}
	m.workspace = ws
	m.engine = engine
	m.cfg = engine.Config()
	return nil
}

func (m *SyncManager) Stop(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	slog.Info("sync manager stop")
	if m.engine == nil {
		return nil
	}

	err := m.engine.Stop(ctx)
	m.engine = nil
	if uerr := m.workspace.Unlock(); uerr != nil {
		err = errors.Join(err, uerr)
	}
	m.workspace = nil
	return err
}

// Reload replaces the running engine with one built from cfg. An invalid cfg leaves the
// running engine untouched. If the new engine fails to start, the previous configuration
// is started again and the start error is returned.
func (m *SyncManager) Reload(ctx context.Context, cfg *config.Config) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.engine == nil {
		return ErrManagerNotRunning
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	slog.Info("sync manager reload", "local", cfg.LocalDir, "remote", cfg.RemoteDir, "protocol", cfg.Protocol)
	if err := m.engine.Stop(ctx); err != nil {
		slog.Warn("stop engine for reload", "error", err)
	}
	m.engine = nil

	oldCfg, oldWs := m.cfg, m.workspace

	ws, engine, err := m.launch(ctx, cfg, oldWs)
	if err == nil {
		if ws != oldWs {
			if uerr := oldWs.Unlock(); uerr != nil {
				slog.Warn("unlock previous workspace", "error", uerr)
			}
		}
		m.workspace = ws
		m.engine = engine
		m.cfg = engine.Config()
		slog.Info("sync manager reloaded")
		return nil
	}

	slog.Error("reload failed, restoring previous configuration", "error", err)
	_, engine, rerr := m.launch(ctx, oldCfg, oldWs)
	if rerr != nil {
		_ = oldWs.Unlock()
		m.workspace = nil
		return errors.Join(err, fmt.Errorf("failed to restore previous configuration: %w", rerr))
	}
	m.engine = engine
	return err
}

func (m *SyncManager) Engine() *SyncEngine {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.engine
}

func (m *SyncManager) Config() *config.Config {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg
}

// launch locks the local root (reusing held when it is the same root) and starts an
// engine on it. On failure any lock taken here is released again.
func (m *SyncManager) launch(ctx context.Context, cfg *config.Config, held *workspace.Workspace) (*workspace.Workspace, *SyncEngine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}

	ws, err := workspace.NewWorkspace(cfg.LocalDir)
	if err != nil {
		return nil, nil, err
	}

	fresh := held == nil || held.Root != ws.Root
	if fresh {
		if err := ws.Lock(); err != nil {
			return nil, nil, err
		}
	} else {
		ws = held
	}

	release := func() {
		if fresh {
			_ = ws.Unlock()
		}
	}

	// engines always see the resolved root so watcher paths and RelPath agree
	resolved := *cfg
	resolved.LocalDir = ws.Root

	engine, err := m.factory(&resolved)
	if err != nil {
		release()
		return nil, nil, err
	}
	if err := engine.Start(ctx); err != nil {
		release()
		return nil, nil, err
	}
	return ws, engine, nil
}
