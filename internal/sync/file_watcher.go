package sync

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/openmined/dirsync/internal/config"
	"github.com/openmined/dirsync/internal/syncerr"
	"github.com/spf13/afero"
)

const (
	eventBufferSize        = 64
	errorBufferSize        = 16
	defaultDebounceTimeout = 50 * time.Millisecond
)

// rawEvent is a backend notification before debouncing. created is set for events that can
// introduce a new directory (create, rename-in).
type rawEvent struct {
	path    string
	created bool
}

// watchBackend delivers raw events for every path below root until stop is called.
type watchBackend interface {
	start(root string, out chan<- rawEvent, errs chan<- error) error
	stop()
}

// FileWatcher turns filesystem notifications under watchDir into SyncOperations.
//
// Events are debounced per path. When a path settles it is classified by its current state:
// gone means Remove, a regular file means Upsert, and a newly created directory is walked so
// every file inside becomes an Upsert. Paths with a dot-prefixed segment never leave the watcher.
type FileWatcher struct {
	watchDir string
	realDir  string
	fs       afero.Fs
	backend  watchBackend
	clock    clockwork.Clock

	rawEvents chan rawEvent
	rawErrors chan error
	ops       chan *SyncOperation
	errs      chan error
	done      chan struct{}
	wg        sync.WaitGroup
	stopOnce  sync.Once

	// Debouncing fields
	pending         map[string]bool
	timers          map[string]clockwork.Timer
	debounceMu      sync.Mutex
	debounceTimeout time.Duration
	flushMu         sync.Mutex
}

func NewFileWatcher(watchDir string, backend config.WatcherBackend, fsys afero.Fs) *FileWatcher {
	if fsys == nil {
		fsys = afero.NewOsFs()
	}

	var b watchBackend
	switch backend {
	case config.WatcherFsnotify:
		b = &fsnotifyBackend{}
	default:
		b = &notifyBackend{}
	}

	return newFileWatcher(watchDir, b, fsys)
}

func newFileWatcher(watchDir string, backend watchBackend, fsys afero.Fs) *FileWatcher {
	return &FileWatcher{
		watchDir:        watchDir,
		realDir:         watchDir,
		fs:              fsys,
		backend:         backend,
		clock:           clockwork.NewRealClock(),
		ops:             make(chan *SyncOperation, eventBufferSize),
		errs:            make(chan error, errorBufferSize),
		done:            make(chan struct{}),
		pending:         make(map[string]bool),
		timers:          make(map[string]clockwork.Timer),
		debounceTimeout: defaultDebounceTimeout,
	}
}

// SetDebounceTimeout sets how long a path must stay quiet before it is emitted.
func (fw *FileWatcher) SetDebounceTimeout(timeout time.Duration) {
	fw.debounceTimeout = timeout
}

func (fw *FileWatcher) SetClock(clock clockwork.Clock) {
	fw.clock = clock
}

func (fw *FileWatcher) Start(ctx context.Context) error {
	slog.Info("file watcher start", "dir", fw.watchDir)

	// backends report resolved paths; rebase them onto watchDir
	if real, err := filepath.EvalSymlinks(fw.watchDir); err == nil {
		fw.realDir = real
	}

	fw.rawEvents = make(chan rawEvent, eventBufferSize)
	fw.rawErrors = make(chan error, errorBufferSize)
	if err := fw.backend.start(fw.realDir, fw.rawEvents, fw.rawErrors); err != nil {
		return &syncerr.WatcherError{Err: err}
	}

	fw.wg.Add(1)
	go fw.filterEvents(ctx)

	return nil
}

// Stop ends the watch. Pending debounced events are dropped; Events is closed afterwards.
func (fw *FileWatcher) Stop() {
	fw.stopOnce.Do(func() {
		slog.Info("file watcher stopping")
		close(fw.done)
		fw.backend.stop()
		fw.wg.Wait()

		fw.debounceMu.Lock()
		for path, timer := range fw.timers {
			timer.Stop()
			delete(fw.timers, path)
			delete(fw.pending, path)
		}
		fw.debounceMu.Unlock()

		// wait out a flush that is already running before closing
		fw.flushMu.Lock()
		close(fw.ops)
		fw.flushMu.Unlock()
		slog.Info("file watcher stopped")
	})
}

// Events yields operations for the lifetime of the watch.
func (fw *FileWatcher) Events() <-chan *SyncOperation {
	return fw.ops
}

// Errors yields WatcherErrors. The watch keeps running after each one.
func (fw *FileWatcher) Errors() <-chan error {
	return fw.errs
}

func (fw *FileWatcher) filterEvents(ctx context.Context) {
	defer func() {
		slog.Debug("file watcher filter events done")
		fw.wg.Done()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-fw.done:
			return
		case err := <-fw.rawErrors:
			fw.reportError(err)
		case event := <-fw.rawEvents:
			fw.handleRaw(event)
		}
	}
}

func (fw *FileWatcher) reportError(err error) {
	if err == nil {
		return
	}
	werr := &syncerr.WatcherError{Err: err}
	slog.Error("file watcher error", "error", err)

	select {
	case fw.errs <- werr:
	default:
		slog.Warn("file watcher error dropped", "reason", "channel full")
	}
}

// handleRaw rebases and pre-filters a raw event, then debounces it.
func (fw *FileWatcher) handleRaw(event rawEvent) {
	rel, ok := RelPath(fw.realDir, event.path)
	if !ok {
		return
	}
	if isHidden(rel) {
		return
	}
	fw.debounce(filepath.Join(fw.watchDir, filepath.FromSlash(rel)), event.created)
}

func (fw *FileWatcher) debounce(path string, created bool) {
	fw.debounceMu.Lock()
	defer fw.debounceMu.Unlock()

	if timer, exists := fw.timers[path]; exists {
		timer.Stop()
		delete(fw.timers, path)
	}

	fw.pending[path] = fw.pending[path] || created

	fw.timers[path] = fw.clock.AfterFunc(fw.debounceTimeout, func() {
		fw.flush(path)
	})
}

func (fw *FileWatcher) flush(path string) {
	fw.debounceMu.Lock()
	created, exists := fw.pending[path]
	if !exists {
		fw.debounceMu.Unlock()
		return
	}
	delete(fw.pending, path)
	delete(fw.timers, path)
	fw.debounceMu.Unlock()

	fw.flushMu.Lock()
	defer fw.flushMu.Unlock()

	select {
	case <-fw.done:
		return
	default:
	}

	for _, op := range fw.classify(path, created) {
		select {
		case <-fw.done:
			return
		case fw.ops <- op:
			slog.Debug("file watcher", "op", op.Kind, "path", op.LocalPath)
		}
	}
}

// classify inspects path as it is now.
func (fw *FileWatcher) classify(path string, created bool) []*SyncOperation {
	info, err := fw.fs.Stat(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return []*SyncOperation{NewRemove(path)}
	case err != nil:
		fw.reportError(err)
		return nil
	case !info.IsDir():
		if !info.Mode().IsRegular() {
			return nil
		}
		return []*SyncOperation{NewUpsert(path)}
	case !created:
		return nil
	}

	var ops []*SyncOperation
	walkErr := afero.Walk(fw.fs, path, func(p string, fi os.FileInfo, err error) error {
		if err != nil {
			fw.reportError(err)
			return nil
		}
		rel, ok := RelPath(fw.watchDir, p)
		if ok && isHidden(rel) {
			if fi.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if fi.Mode().IsRegular() {
			ops = append(ops, NewUpsert(p))
		}
		return nil
	})
	if walkErr != nil {
		fw.reportError(walkErr)
	}
	return ops
}
