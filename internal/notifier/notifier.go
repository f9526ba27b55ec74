// Package notifier fans sync notifications out to sinks.
//
// Publishing never blocks the caller: sinks run on the hub's own goroutine, and a full queue
// drops the notification.
package notifier

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const sinkQueueSize = 64

type Level string

const (
	LevelInfo  Level = "info"
	LevelError Level = "error"
)

// Notification is a {title, message} pair.
type Notification struct {
	Title   string
	Message string
	Level   Level
	Time    time.Time
}

// Sink delivers notifications somewhere outside the process.
type Sink interface {
	Deliver(n Notification) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(n Notification) error

func (f SinkFunc) Deliver(n Notification) error { return f(n) }

type Hub struct {
	sinks []Sink
	queue chan Notification

	closeOnce sync.Once
	closed    chan struct{}
	wg        sync.WaitGroup
}

func NewHub(sinks ...Sink) *Hub {
	h := &Hub{
		sinks:  sinks,
		queue:  make(chan Notification, sinkQueueSize),
		closed: make(chan struct{}),
	}

	h.wg.Add(1)
	go h.run()
	return h
}

// Info publishes an informational notification.
func (h *Hub) Info(title, message string) {
	h.Publish(Notification{Title: title, Message: message, Level: LevelInfo})
}

// Error publishes an error notification.
func (h *Hub) Error(title, message string) {
	h.Publish(Notification{Title: title, Message: message, Level: LevelError})
}

func (h *Hub) Publish(n Notification) {
	if n.Time.IsZero() {
		n.Time = time.Now()
	}
	if n.Level == "" {
		n.Level = LevelInfo
	}

	select {
	case <-h.closed:
		return
	default:
	}

	select {
	case h.queue <- n:
	default:
		slog.Warn("notification dropped", "title", n.Title, "reason", "queue full")
	}
}

// Close stops the hub after delivering what is already queued, or when ctx ends.
func (h *Hub) Close(ctx context.Context) {
	h.closeOnce.Do(func() {
		close(h.closed)

		done := make(chan struct{})
		go func() {
			h.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			slog.Warn("notification hub closed with pending deliveries")
		}
	})
}

func (h *Hub) run() {
	defer h.wg.Done()
	for {
		select {
		case n := <-h.queue:
			h.deliver(n)
		case <-h.closed:
			for {
				select {
				case n := <-h.queue:
					h.deliver(n)
				default:
					return
				}
			}
		}
	}
}

func (h *Hub) deliver(n Notification) {
	for _, sink := range h.sinks {
		if err := sink.Deliver(n); err != nil {
			slog.Debug("notification sink failed", "title", n.Title, "error", err)
		}
	}
}
