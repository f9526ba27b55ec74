package transport_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/openmined/dirsync/internal/config"
	"github.com/openmined/dirsync/internal/syncerr"
	"github.com/openmined/dirsync/internal/transport"
	"github.com/openmined/dirsync/internal/transport/transporttest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noop(context.Context, transport.Conn) error { return nil }

func TestLifecycleSFTPStaysConnected(t *testing.T) {
	fake := transporttest.New(config.ProtocolSFTP)
	lc := transport.NewLifecycle(fake)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, lc.Do(ctx, config.ProtocolSFTP, func(ctx context.Context, conn transport.Conn) error {
			return conn.Upload(ctx, "/local/a.txt", "/remote/a.txt")
		}))
	}

	assert.Equal(t, 1, fake.Connects())
	assert.Equal(t, 0, fake.Closes())
	assert.Equal(t, 1, fake.Open())

	require.NoError(t, lc.Shutdown(ctx))
	assert.Equal(t, 1, fake.Closes())
	assert.Equal(t, 0, fake.Open())
	assert.Equal(t, transport.Stats{Connects: 1, Closes: 1}, lc.Stats(config.ProtocolSFTP))
}

func TestLifecycleFTPClosesAfterEachOperation(t *testing.T) {
	fake := transporttest.New(config.ProtocolFTP)
	lc := transport.NewLifecycle(fake)
	ctx := context.Background()

	require.NoError(t, lc.Do(ctx, config.ProtocolFTP, noop))
	require.NoError(t, lc.Do(ctx, config.ProtocolFTP, noop))

	assert.Equal(t, 2, fake.Connects())
	assert.Equal(t, 2, fake.Closes())
	assert.Equal(t, 0, fake.Open())
	assert.Equal(t, []string{"connect", "close", "connect", "close"}, fake.Calls())

	// nothing left to close
	require.NoError(t, lc.Shutdown(ctx))
	assert.Equal(t, 2, fake.Closes())
}

func TestLifecycleSerializesAccess(t *testing.T) {
	for _, p := range []config.Protocol{config.ProtocolFTP, config.ProtocolSFTP, config.ProtocolSCP} {
		t.Run(string(p), func(t *testing.T) {
			fake := transporttest.New(p)
			fake.Hook = func(string, string) { time.Sleep(2 * time.Millisecond) }
			lc := transport.NewLifecycle(fake)

			var wg sync.WaitGroup
			for i := 0; i < 8; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					assert.NoError(t, lc.Do(context.Background(), p, func(ctx context.Context, conn transport.Conn) error {
						return conn.EnsureDir(ctx, "/remote/dir")
					}))
				}()
			}
			wg.Wait()

			assert.Equal(t, 1, fake.MaxOpen())
			assert.Equal(t, 1, fake.MaxActive())
		})
	}
}

func TestLifecycleConnectFailureLeavesNoSession(t *testing.T) {
	fake := transporttest.New(config.ProtocolSFTP)
	fake.ConnectErr = func(attempt int) error {
		if attempt == 1 {
			return errors.New("connection refused")
		}
		return nil
	}
	lc := transport.NewLifecycle(fake)
	ctx := context.Background()

	err := lc.Do(ctx, config.ProtocolSFTP, noop)
	require.Error(t, err)
	assert.True(t, syncerr.IsConnect(err))
	assert.Equal(t, 0, fake.Open())

	// the slot was released, so the next operation connects again
	require.NoError(t, lc.Do(ctx, config.ProtocolSFTP, noop))
	assert.Equal(t, 2, fake.Connects())
	assert.Equal(t, 1, fake.Open())
}

func TestLifecycleReplacesDeadSession(t *testing.T) {
	fake := transporttest.New(config.ProtocolSFTP)
	lc := transport.NewLifecycle(fake)
	ctx := context.Background()

	require.NoError(t, lc.Do(ctx, config.ProtocolSFTP, noop))
	fake.Drop()
	require.NoError(t, lc.Do(ctx, config.ProtocolSFTP, noop))

	assert.Equal(t, 2, fake.Connects())
	assert.Equal(t, 1, fake.Closes())
	assert.Equal(t, 1, fake.Open())
}

func TestLifecycleAcquireHonoursContext(t *testing.T) {
	fake := transporttest.New(config.ProtocolSFTP)
	lc := transport.NewLifecycle(fake)

	lease, err := lc.Acquire(context.Background(), config.ProtocolSFTP)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = lc.Acquire(ctx, config.ProtocolSFTP)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	require.NoError(t, lease.Release())
	assert.ErrorIs(t, lease.Conn().Upload(context.Background(), "a", "b"), transport.ErrReleased)
	// double release is a no-op
	require.NoError(t, lease.Release())

	lease, err = lc.Acquire(context.Background(), config.ProtocolSFTP)
	require.NoError(t, err)
	require.NoError(t, lease.Release())
}

func TestLifecycleShutdown(t *testing.T) {
	fake := transporttest.New(config.ProtocolSFTP)
	lc := transport.NewLifecycle(fake)
	ctx := context.Background()

	require.NoError(t, lc.TestConnection(ctx, config.ProtocolSFTP))
	require.NoError(t, lc.Shutdown(ctx))

	_, err := lc.Acquire(ctx, config.ProtocolSFTP)
	assert.ErrorIs(t, err, transport.ErrShutdown)

	_, err = transport.NewLifecycle().Acquire(ctx, config.ProtocolFTP)
	assert.Error(t, err)
}

func TestLifecycleShutdownClosesBusySession(t *testing.T) {
	fake := transporttest.New(config.ProtocolSFTP)
	lc := transport.NewLifecycle(fake)

	lease, err := lc.Acquire(context.Background(), config.ProtocolSFTP)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.NoError(t, lc.Shutdown(ctx))
	assert.Equal(t, 0, fake.Open())

	assert.Error(t, lease.Conn().Upload(context.Background(), "a", "b"))
	require.NoError(t, lease.Release())
}
