package notifier

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

type recordingSink struct {
	mu  sync.Mutex
	got []Notification
}

func (r *recordingSink) Deliver(n Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, n)
	return nil
}

func (r *recordingSink) titles() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.got))
	for _, n := range r.got {
		out = append(out, n.Title)
	}
	return out
}

func TestHubDeliversToSinks(t *testing.T) {
	sink := &recordingSink{}
	failing := SinkFunc(func(Notification) error { return errors.New("no display") })
	hub := NewHub(failing, sink)

	hub.Info("Connection Success", "SFTP connection test successful")
	hub.Error("FileSyncApp Error", "Initialization failed: refused")
	hub.Close(context.Background())

	require.Equal(t, []string{"Connection Success", "FileSyncApp Error"}, sink.titles())
	first, second := sink.got[0], sink.got[1]
	assert.Equal(t, LevelInfo, first.Level)
	assert.False(t, first.Time.IsZero())
	assert.Equal(t, LevelError, second.Level)

	// publishing after close is a no-op
	hub.Info("late", "ignored")
	assert.Len(t, sink.titles(), 2)
}

func TestHubPublishDoesNotBlockOnSlowSink(t *testing.T) {
	release := make(chan struct{})
	slow := SinkFunc(func(Notification) error {
		<-release
		return nil
	})
	hub := NewHub(slow)
	defer hub.Close(context.Background())
	defer close(release)

	done := make(chan struct{})
	go func() {
		for i := 0; i < sinkQueueSize*4; i++ {
			hub.Info("File Upload via FTP", "path: /tmp/x")
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a slow sink")
	}
}

func TestDesktopSinkRateLimit(t *testing.T) {
	var shown []string
	d := &DesktopSink{
		limiter: rate.NewLimiter(rate.Every(time.Hour), 2),
		notify: func(title, _ string) error {
			shown = append(shown, title)
			return nil
		},
	}

	for i := 0; i < 5; i++ {
		require.NoError(t, d.Deliver(Notification{Title: "upload", Level: LevelInfo}))
	}
	require.NoError(t, d.Deliver(Notification{Title: "error", Level: LevelError}))

	assert.Equal(t, []string{"upload", "upload", "error"}, shown)
}
