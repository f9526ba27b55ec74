package sync

import (
	"io/fs"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// fsnotifyBackend watches with fsnotify, which is not recursive: every directory is added on
// start and new directories are added as they appear.
type fsnotifyBackend struct {
	watcher *fsnotify.Watcher
	done    chan struct{}
	wg      sync.WaitGroup
}

func (b *fsnotifyBackend) start(root string, out chan<- rawEvent, errs chan<- error) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	b.watcher = w
	b.done = make(chan struct{})

	if err := b.addRecursive(root); err != nil {
		w.Close()
		return err
	}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for {
			select {
			case <-b.done:
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Op == fsnotify.Chmod {
					continue
				}
				created := ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename)
				if ev.Has(fsnotify.Create) && !strings.HasPrefix(filepath.Base(ev.Name), ".") {
					if err := b.addRecursive(ev.Name); err != nil {
						b.sendErr(errs, err)
					}
				}
				select {
				case out <- rawEvent{path: ev.Name, created: created}:
				case <-b.done:
					return
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				b.sendErr(errs, err)
			}
		}
	}()
	return nil
}

func (b *fsnotifyBackend) sendErr(errs chan<- error, err error) {
	select {
	case errs <- err:
	case <-b.done:
	}
}

// addRecursive watches dir and every non-hidden directory below it. Non-directories are ignored.
func (b *fsnotifyBackend) addRecursive(dir string) error {
	return filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			// vanished between the event and the walk
			if p == dir {
				return nil
			}
			slog.Debug("fsnotify walk", "path", p, "error", err)
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if p != dir && strings.HasPrefix(d.Name(), ".") {
			return filepath.SkipDir
		}
		return b.watcher.Add(p)
	})
}

func (b *fsnotifyBackend) stop() {
	if b.watcher == nil {
		return
	}
	close(b.done)
	b.watcher.Close()
	b.wg.Wait()
}
