package transport

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jonboulle/clockwork"
	"github.com/openmined/dirsync/internal/syncerr"
)

// RetryPolicy runs an operation up to Attempts times in total, waiting Delay before the
// first retry and doubling the wait after each further failure.
type RetryPolicy struct {
	Attempts int
	Delay    time.Duration
	Clock    clockwork.Clock
}

// Do calls op until it succeeds, returns a non-retryable error, the attempts run out, or
// ctx ends. The last error is returned.
func (p RetryPolicy) Do(ctx context.Context, name string, op func(ctx context.Context) error) error {
	clock := p.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}

	exp := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(p.Delay),
		backoff.WithRandomizationFactor(0),
		backoff.WithMultiplier(2),
		backoff.WithMaxInterval(maxInterval(p.Delay)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithClockProvider(clock),
	)
	b := backoff.WithContext(backoff.WithMaxRetries(exp, uint64(attempts-1)), ctx)

	attempt := 0
	operation := func() error {
		attempt++
		err := op(ctx)
		if err != nil && !Retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		slog.Warn("retrying", "op", name, "attempt", attempt, "max_attempts", attempts, "wait", wait, "error", err)
	}

	return backoff.RetryNotifyWithTimer(operation, b, notify, &clockTimer{clock: clock})
}

// Retryable reports whether another attempt could succeed.
func Retryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	case errors.Is(err, syncerr.ErrNotFound), errors.Is(err, ErrShutdown), IsLocalMissing(err):
		return false
	case syncerr.IsConfig(err):
		return false
	default:
		return true
	}
}

func maxInterval(delay time.Duration) time.Duration {
	if delay <= 0 {
		return 0
	}
	return delay * 16
}

// clockTimer lets backoff wait on a clockwork clock.
type clockTimer struct {
	clock clockwork.Clock
	timer clockwork.Timer
}

func (t *clockTimer) Start(d time.Duration) {
	if t.timer == nil {
		t.timer = t.clock.NewTimer(d)
		return
	}
	t.timer.Reset(d)
}

func (t *clockTimer) Stop() {
	if t.timer != nil {
		t.timer.Stop()
	}
}

func (t *clockTimer) C() <-chan time.Time {
	return t.timer.Chan()
}
