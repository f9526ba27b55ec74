package sync

import (
	"path/filepath"
	"sync"

	"github.com/rjeczalik/notify"
)

// notifyBackend watches recursively with rjeczalik/notify.
type notifyBackend struct {
	events chan notify.EventInfo
	done   chan struct{}
	wg     sync.WaitGroup
}

func (b *notifyBackend) start(root string, out chan<- rawEvent, _ chan<- error) error {
	b.events = make(chan notify.EventInfo, eventBufferSize)
	b.done = make(chan struct{})

	if err := notify.Watch(filepath.Join(root, "..."), b.events, notify.All); err != nil {
		return err
	}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for {
			select {
			case <-b.done:
				return
			case ev := <-b.events:
				raw := rawEvent{path: ev.Path(), created: ev.Event()&(notify.Create|notify.Rename) != 0}
				select {
				case out <- raw:
				case <-b.done:
					return
				}
			}
		}
	}()
	return nil
}

func (b *notifyBackend) stop() {
	if b.events == nil {
		return
	}
	notify.Stop(b.events)
	close(b.done)
	b.wg.Wait()
}
