package notifier

import (
	"log/slog"
	"time"

	"github.com/gen2brain/beeep"
	"golang.org/x/time/rate"
)

// LogSink writes every notification to the default logger.
type LogSink struct{}

func (LogSink) Deliver(n Notification) error {
	if n.Level == LevelError {
		slog.Error(n.Title, "message", n.Message)
	} else {
		slog.Info(n.Title, "message", n.Message)
	}
	return nil
}

const (
	desktopInterval = time.Second
	desktopBurst    = 5
)

// DesktopSink shows notifications on the desktop. Bursts beyond the limiter are dropped so a
// large directory copy does not flood the notification centre. Errors always pass.
type DesktopSink struct {
	limiter *rate.Limiter
	notify  func(title, message string) error
}

func NewDesktopSink() *DesktopSink {
	return &DesktopSink{
		limiter: rate.NewLimiter(rate.Every(desktopInterval), desktopBurst),
		notify: func(title, message string) error {
			return beeep.Notify(title, message, "")
		},
	}
}

func (d *DesktopSink) Deliver(n Notification) error {
	if n.Level != LevelError && !d.limiter.Allow() {
		slog.Debug("desktop notification suppressed", "title", n.Title)
		return nil
	}
	return d.notify(n.Title, n.Message)
}
