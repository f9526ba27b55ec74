package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jonboulle/clockwork"
	"github.com/openmined/dirsync/internal/config"
	"github.com/openmined/dirsync/internal/queue"
	"github.com/openmined/dirsync/internal/syncerr"
	"github.com/openmined/dirsync/internal/transport"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"
)

var (
	ErrEngineStarted = errors.New("sync engine already started")
)

// EngineState is the lifecycle state of a SyncEngine. There are no states beyond these.
type EngineState string

const (
	StateInitializing EngineState = "initializing"
	StateWatching     EngineState = "watching"
	StateStopped      EngineState = "stopped"
)

// EventSource produces SyncOperations. FileWatcher is the production implementation.
type EventSource interface {
	Start(ctx context.Context) error
	Stop()
	Events() <-chan *SyncOperation
	Errors() <-chan error
}

// Notifier receives user-facing title/message pairs. Delivery is fire-and-forget.
type Notifier interface {
	Info(title, message string)
	Error(title, message string)
}

const errorTitle = "FileSyncApp Error"

// abandonWait bounds how long Stop waits for workers once their sessions are torn down.
const abandonWait = 2 * time.Second

type EngineOption func(*SyncEngine)

// WithFS sets the filesystem used to stat uploaded files.
func WithFS(fsys afero.Fs) EngineOption {
	return func(se *SyncEngine) { se.fs = fsys }
}

// WithClock sets the clock used for the drain timeout, retry waits and durations.
func WithClock(clock clockwork.Clock) EngineOption {
	return func(se *SyncEngine) {
		se.clock = clock
		se.retry.Clock = clock
	}
}

// SyncEngine mirrors operations from an EventSource onto the remote root.
// Operations are queued per local path and processed by a fixed set of workers.
type SyncEngine struct {
	cfg       *config.Config
	lifecycle *transport.Lifecycle
	watcher   EventSource
	ignore    *SyncIgnoreList
	notifier  Notifier
	mapper    PathMapper
	retry     transport.RetryPolicy
	status    *SyncStatus
	queue     *queue.KeyedQueue[string, *SyncOperation]
	fs        afero.Fs
	clock     clockwork.Clock

	mu        sync.Mutex
	state     EngineState
	cancel    context.CancelFunc
	group     *errgroup.Group
	statusLog chan struct{}
}

func NewSyncEngine(
	cfg *config.Config,
	lifecycle *transport.Lifecycle,
	watcher EventSource,
	ignore *SyncIgnoreList,
	notifier Notifier,
	opts ...EngineOption,
) *SyncEngine {
	se := &SyncEngine{
		cfg:       cfg,
		lifecycle: lifecycle,
		watcher:   watcher,
		ignore:    ignore,
		notifier:  notifier,
		mapper:    NewPathMapper(cfg.RemoteDir),
		retry: transport.RetryPolicy{
			Attempts: cfg.RetryAttempts,
			Delay:    cfg.RetryDelay,
		},
		status: NewSyncStatus(),
		queue:  queue.NewKeyedQueue[string, *SyncOperation](),
		fs:     afero.NewOsFs(),
		clock:  clockwork.NewRealClock(),
		state:  StateInitializing,
	}
	for _, opt := range opts {
		opt(se)
	}
	if se.retry.Clock == nil {
		se.retry.Clock = se.clock
	}
	return se
}

// Start tests the connection, then starts the watcher and the workers. A failed test is fatal:
// the engine reports it, goes to stopped and never starts watching.
func (se *SyncEngine) Start(ctx context.Context) error {
	se.mu.Lock()
	if se.state != StateInitializing {
		se.mu.Unlock()
		return ErrEngineStarted
	}
	se.mu.Unlock()

	proto := se.cfg.Protocol
	slog.Info("sync engine start", "local", se.cfg.LocalDir, "remote", se.mapper.Root(), "protocol", proto, "workers", se.cfg.Workers)

	se.ignore.Load()

	if err := se.lifecycle.TestConnection(ctx, proto); err != nil {
		return se.failInit(ctx, err)
	}
	slog.Info("connection test successful", "protocol", proto)
	se.notifier.Info("Connection Success", fmt.Sprintf("%s connection test successful", proto.Upper()))

	if err := se.watcher.Start(ctx); err != nil {
		return se.failInit(ctx, fmt.Errorf("failed to start watcher: %w", err))
	}
	se.notifier.Info("Watching for changes", "in "+se.cfg.LocalDir)

	// in-flight operations outlive the caller's context and end through Stop
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	group := &errgroup.Group{}

	statusEvents := se.status.Subscribe()
	statusLog := make(chan struct{})
	go func() {
		defer close(statusLog)
		se.logStatus(statusEvents)
	}()

	group.Go(func() error {
		se.feed(runCtx)
		return nil
	})

	workers := max(se.cfg.Workers, 1)
	for i := 0; i < workers; i++ {
		group.Go(func() error {
			se.work(runCtx)
			return nil
		})
	}

	se.mu.Lock()
	se.cancel = cancel
	se.group = group
	se.statusLog = statusLog
	se.state = StateWatching
	se.mu.Unlock()

	slog.Info("sync engine watching", "dir", se.cfg.LocalDir)
	return nil
}

func (se *SyncEngine) failInit(ctx context.Context, err error) error {
	slog.Error("sync engine initialization failed", "error", err)
	se.notifier.Error(errorTitle, "Initialization failed: "+err.Error())

	se.mu.Lock()
	se.state = StateStopped
	se.mu.Unlock()

	if serr := se.lifecycle.Shutdown(context.WithoutCancel(ctx)); serr != nil {
		slog.Warn("transport shutdown", "error", serr)
	}
	return err
}

// Stop stops the watcher and lets queued operations drain for the configured drain
// timeout. Whatever is still running after that, or once ctx ends, is cancelled and its
// session closed from under it. Stop does not wait for operations that ignore both.
func (se *SyncEngine) Stop(ctx context.Context) error {
	se.mu.Lock()
	prev := se.state
	se.state = StateStopped
	cancel, group, statusLog := se.cancel, se.group, se.statusLog
	se.mu.Unlock()

	if prev == StateStopped {
		return nil
	}

	slog.Info("sync engine stopping")
	var err error
	if prev == StateWatching {
		se.watcher.Stop()

		drained := make(chan struct{})
		go func() {
			_ = group.Wait()
			close(drained)
		}()

		select {
		case <-drained:
			err = se.lifecycle.Shutdown(context.WithoutCancel(ctx))
		case <-se.clock.After(se.cfg.DrainTimeout):
			slog.Warn("drain timeout reached, abandoning operations",
				"timeout", se.cfg.DrainTimeout, "queued", se.queue.Len(), "in_flight", se.queue.InFlight())
			err = se.abandon(ctx, cancel, drained)
		case <-ctx.Done():
			slog.Warn("sync engine stop cancelled, abandoning operations", "queued", se.queue.Len())
			err = se.abandon(ctx, cancel, drained)
		}
		cancel()
	} else {
		err = se.lifecycle.Shutdown(context.WithoutCancel(ctx))
	}

	se.status.Close()
	if statusLog != nil {
		<-statusLog
	}
	slog.Info("sync engine stopped")
	return err
}

// logStatus traces every status change until the tracker closes.
func (se *SyncEngine) logStatus(events <-chan *SyncStatusEvent) {
	for ev := range events {
		attrs := []any{"path", ev.Path, "state", ev.Status.SyncState, "kind", ev.Status.Kind}
		if ev.Status.RemotePath != "" {
			attrs = append(attrs, "remote", ev.Status.RemotePath)
		}
		if ev.Status.Error != nil {
			attrs = append(attrs, "error", ev.Status.Error, "error_count", ev.Status.ErrorCount)
		}
		slog.Debug("sync status", attrs...)
	}
}

// abandon cancels the workers, closes sessions still held by them and gives them a short
// while to return.
func (se *SyncEngine) abandon(ctx context.Context, cancel context.CancelFunc, drained <-chan struct{}) error {
	cancel()

	expired, expire := context.WithCancel(context.WithoutCancel(ctx))
	expire()
	err := se.lifecycle.Shutdown(expired)

	select {
	case <-drained:
		return err
	default:
	}

	select {
	case <-drained:
	case <-ctx.Done():
		slog.Warn("sync engine stopped with operations still running", "in_flight", se.queue.InFlight())
	case <-se.clock.After(abandonWait):
		slog.Warn("sync engine stopped with operations still running", "in_flight", se.queue.InFlight())
	}
	return err
}

func (se *SyncEngine) State() EngineState {
	se.mu.Lock()
	defer se.mu.Unlock()
	return se.state
}

func (se *SyncEngine) Status() *SyncStatus {
	return se.status
}

func (se *SyncEngine) Config() *config.Config {
	return se.cfg
}

// feed moves watcher output onto the queue until the watcher closes its events.
func (se *SyncEngine) feed(ctx context.Context) {
	defer se.queue.Close()

	events := se.watcher.Events()
	errs := se.watcher.Errors()
	for {
		select {
		case <-ctx.Done():
			return
		case op, ok := <-events:
			if !ok {
				return
			}
			if op == nil {
				continue
			}
			if rel, ok := RelPath(se.cfg.LocalDir, op.LocalPath); ok {
				se.status.SetPending(rel, op.Kind)
			}
			se.queue.Push(op.LocalPath, op)
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			slog.Error("watcher error", "error", err)
			se.notifier.Error(errorTitle, "Watcher error: "+err.Error())
		}
	}
}

func (se *SyncEngine) work(ctx context.Context) {
	for {
		item, err := se.queue.Pop(ctx)
		if err != nil {
			return
		}
		// Pop prefers ready items over a cancelled ctx
		if ctx.Err() != nil {
			se.queue.Done(item.Key)
			return
		}

		outcome := se.process(ctx, item.Value)
		se.queue.Done(item.Key)

		if outcome != nil {
			se.report(outcome)
		}
	}
}

// process runs one operation to completion. It returns nil when the operation is dropped
// before reaching the transport.
func (se *SyncEngine) process(ctx context.Context, op *SyncOperation) *SyncOutcome {
	rel, ok := RelPath(se.cfg.LocalDir, op.LocalPath)
	if !ok {
		slog.Debug("sync drop", "reason", "not under local root", "path", op.LocalPath)
		return nil
	}
	if se.ignore.ShouldSkip(rel) {
		slog.Debug("sync drop", "reason", "ignored", "path", rel)
		return nil
	}

	remote := se.mapper.ToRemote(rel)
	outcome := &SyncOutcome{Op: op, RelPath: rel, RemotePath: remote}
	se.status.SetSyncing(rel, op.Kind, remote)

	start := se.clock.Now()
	var err error
	switch op.Kind {
	case OpUpsert:
		err = se.upsert(ctx, op, remote, outcome)
	case OpRemove:
		err = se.remove(ctx, op, remote, outcome)
	default:
		err = fmt.Errorf("unknown operation %q", op.Kind)
	}
	outcome.Duration = se.clock.Since(start)

	if err != nil {
		outcome.Err = err
		outcome.Message = err.Error()
	} else {
		outcome.Success = true
	}
	se.status.SetOutcome(rel, outcome)
	return outcome
}

func (se *SyncEngine) upsert(ctx context.Context, op *SyncOperation, remote string, outcome *SyncOutcome) error {
	proto := se.cfg.Protocol
	err := se.retry.Do(ctx, "upload "+outcome.RelPath, func(ctx context.Context) error {
		return se.lifecycle.Do(ctx, proto, func(ctx context.Context, conn transport.Conn) error {
			if err := conn.EnsureDir(ctx, path.Dir(remote)); err != nil {
				return err
			}
			return conn.Upload(ctx, op.LocalPath, remote)
		})
	})
	if err != nil {
		return err
	}

	if info, serr := se.fs.Stat(op.LocalPath); serr == nil {
		outcome.Size = info.Size()
	}
	outcome.Message = fmt.Sprintf("Uploaded via %s: %s", proto.Upper(), op.LocalPath)
	return nil
}

func (se *SyncEngine) remove(ctx context.Context, op *SyncOperation, remote string, outcome *SyncOutcome) error {
	proto := se.cfg.Protocol
	err := se.retry.Do(ctx, "remove "+outcome.RelPath, func(ctx context.Context) error {
		return se.lifecycle.Do(ctx, proto, func(ctx context.Context, conn transport.Conn) error {
			return conn.Remove(ctx, remote)
		})
	})
	switch {
	case errors.Is(err, syncerr.ErrNotFound):
		slog.Info("remote path does not exist", "path", remote)
		outcome.Message = "Path does not exist: " + remote
		return nil
	case err != nil:
		return err
	}

	outcome.Message = fmt.Sprintf("Deleted via %s: %s", proto.Upper(), op.LocalPath)
	return nil
}

// report logs the outcome and forwards it to the notifier.
func (se *SyncEngine) report(outcome *SyncOutcome) {
	proto := se.cfg.Protocol.Upper()
	op := outcome.Op

	if !outcome.Success {
		slog.Error("sync failed", "op", op.Kind, "id", op.ID, "path", outcome.RelPath, "remote", outcome.RemotePath, "error", outcome.Err)
		se.notifier.Error(errorTitle, fmt.Sprintf("Failed to %s %s: %v", op.Kind, op.LocalPath, outcome.Err))
		return
	}

	switch op.Kind {
	case OpUpsert:
		slog.Info("uploaded", "id", op.ID, "path", outcome.RelPath, "remote", outcome.RemotePath,
			"size", humanize.Bytes(uint64(max(outcome.Size, 0))), "took", outcome.Duration.Round(time.Millisecond))
		se.notifier.Info("File Upload via "+proto, "path: "+op.LocalPath)
	case OpRemove:
		slog.Info("deleted", "id", op.ID, "path", outcome.RelPath, "remote", outcome.RemotePath, "took", outcome.Duration.Round(time.Millisecond))
		se.notifier.Info("Deleted via "+proto, "Path: "+op.LocalPath)
	}
}
