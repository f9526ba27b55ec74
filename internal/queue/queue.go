// Package queue provides an unbounded work queue that keeps items with the same key in
// arrival order and hands out at most one item per key at a time.
package queue

import (
	"container/heap"
	"context"
	"errors"
	"sync"

	mapset "github.com/deckarep/golang-set/v2"
)

// ErrClosed is returned by Pop once the queue is closed and fully drained.
var ErrClosed = errors.New("queue closed")

// Item is a queued value together with its key and arrival sequence.
type Item[K comparable, T any] struct {
	Key   K
	Value T
	Seq   uint64
	index int
}

// readyHeap orders the items that may run now by arrival; lower Seq pops first.
type readyHeap[K comparable, T any] []*Item[K, T]

func (h readyHeap[K, T]) Len() int           { return len(h) }
func (h readyHeap[K, T]) Less(i, j int) bool { return h[i].Seq < h[j].Seq }

func (h readyHeap[K, T]) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *readyHeap[K, T]) Push(x any) {
	item := x.(*Item[K, T])
	item.index = len(*h)
	*h = append(*h, item)
}

func (h *readyHeap[K, T]) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[:n-1]
	return item
}

// KeyedQueue is safe for concurrent use. Producers call Push; workers call Pop, process
// the item, then call Done with its key so the next item for that key becomes ready.
type KeyedQueue[K comparable, T any] struct {
	mu      sync.Mutex
	seq     uint64
	ready   readyHeap[K, T]
	waiting map[K][]*Item[K, T]
	busy    mapset.Set[K]
	signal  chan struct{}
	closed  chan struct{}
	once    sync.Once
}

func NewKeyedQueue[K comparable, T any]() *KeyedQueue[K, T] {
	q := &KeyedQueue[K, T]{
		ready:   make(readyHeap[K, T], 0),
		waiting: make(map[K][]*Item[K, T]),
		busy:    mapset.NewThreadUnsafeSet[K](),
		signal:  make(chan struct{}, 1),
		closed:  make(chan struct{}),
	}
	heap.Init(&q.ready)
	return q
}

// Push enqueues value under key. It never blocks. Items pushed after Close are dropped
// and Push reports false.
func (q *KeyedQueue[K, T]) Push(key K, value T) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.isClosed() {
		return false
	}

	q.seq++
	item := &Item[K, T]{Key: key, Value: value, Seq: q.seq}

	// a key that is running or already has a ready item queues behind it
	if q.busy.Contains(key) || q.hasReady(key) {
		q.waiting[key] = append(q.waiting[key], item)
		return true
	}

	heap.Push(&q.ready, item)
	q.wake()
	return true
}

// Pop blocks until an item is ready, the context ends, or the queue is closed and drained.
// The returned item's key stays busy until Done is called for it.
func (q *KeyedQueue[K, T]) Pop(ctx context.Context) (*Item[K, T], error) {
	for {
		q.mu.Lock()
		if q.ready.Len() > 0 {
			item := heap.Pop(&q.ready).(*Item[K, T])
			q.busy.Add(item.Key)
			if q.ready.Len() > 0 {
				q.wake()
			}
			q.mu.Unlock()
			return item, nil
		}
		drained := q.isClosed() && len(q.waiting) == 0
		q.mu.Unlock()

		if drained {
			// let any other blocked worker observe the drained state too
			q.wake()
			return nil, ErrClosed
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.signal:
		case <-q.closed:
			// closed but items are still waiting behind busy keys; wait for Done
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-q.signal:
			}
		}
	}
}

// Done releases key and promotes the next waiting item for it, if any.
func (q *KeyedQueue[K, T]) Done(key K) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.busy.Remove(key)

	pending := q.waiting[key]
	if len(pending) == 0 {
		if q.isClosed() && len(q.waiting) == 0 {
			q.wake()
		}
		return
	}

	next := pending[0]
	if len(pending) == 1 {
		delete(q.waiting, key)
	} else {
		q.waiting[key] = pending[1:]
	}
	heap.Push(&q.ready, next)
	q.wake()
}

// Close stops accepting new items. Items already queued remain poppable.
func (q *KeyedQueue[K, T]) Close() {
	q.once.Do(func() {
		q.mu.Lock()
		close(q.closed)
		q.mu.Unlock()
		q.wake()
	})
}

// Len returns the number of queued items, not counting in-flight ones.
func (q *KeyedQueue[K, T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := q.ready.Len()
	for _, items := range q.waiting {
		n += len(items)
	}
	return n
}

// InFlight returns the number of keys currently being processed.
func (q *KeyedQueue[K, T]) InFlight() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.busy.Cardinality()
}

func (q *KeyedQueue[K, T]) hasReady(key K) bool {
	for _, item := range q.ready {
		if item.Key == key {
			return true
		}
	}
	return false
}

func (q *KeyedQueue[K, T]) isClosed() bool {
	select {
	case <-q.closed:
		return true
	default:
		return false
	}
}

func (q *KeyedQueue[K, T]) wake() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}
