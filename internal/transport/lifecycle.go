package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/openmined/dirsync/internal/config"
)

var (
	ErrShutdown = errors.New("transport lifecycle shut down")
	ErrReleased = errors.New("lease already released")
)

// Stats counts session opens and closes for one protocol.
type Stats struct {
	Connects int64
	Closes   int64
}

// Lifecycle hands out the single session per protocol. Acquire blocks while another
// caller holds the protocol's session, so at most one operation uses it at a time.
type Lifecycle struct {
	mu       sync.Mutex
	slots    map[config.Protocol]*slot
	shutdown bool
}

type slot struct {
	transport Transport
	sem       chan struct{}

	mu   sync.Mutex
	conn Conn

	connects atomic.Int64
	closes   atomic.Int64
}

func NewLifecycle(transports ...Transport) *Lifecycle {
	l := &Lifecycle{slots: make(map[config.Protocol]*slot, len(transports))}
	for _, t := range transports {
		l.slots[t.Protocol()] = &slot{transport: t, sem: make(chan struct{}, 1)}
	}
	return l
}

// Acquire waits for the protocol's session and returns a lease on it, connecting first
// when no live session exists. The lease must be released exactly once.
func (l *Lifecycle) Acquire(ctx context.Context, p config.Protocol) (*Lease, error) {
	s, err := l.slot(p)
	if err != nil {
		return nil, err
	}

	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	if l.isShutdown() {
		<-s.sem
		return nil, ErrShutdown
	}

	conn, err := s.ensure(ctx)
	if err != nil {
		<-s.sem
		return nil, err
	}
	return &Lease{slot: s, conn: conn}, nil
}

// Do runs fn with the protocol's session and always releases it afterwards.
func (l *Lifecycle) Do(ctx context.Context, p config.Protocol, fn func(ctx context.Context, conn Conn) error) error {
	lease, err := l.Acquire(ctx, p)
	if err != nil {
		return err
	}
	defer func() {
		if rerr := lease.Release(); rerr != nil {
			slog.Warn("release connection", "protocol", p.Upper(), "error", rerr)
		}
	}()

	return fn(ctx, lease.Conn())
}

// TestConnection opens, and under the protocol's policy keeps or closes, a session.
func (l *Lifecycle) TestConnection(ctx context.Context, p config.Protocol) error {
	return l.Do(ctx, p, func(context.Context, Conn) error { return nil })
}

// Stats returns the open and close counts for p.
func (l *Lifecycle) Stats(p config.Protocol) Stats {
	l.mu.Lock()
	s, ok := l.slots[p]
	l.mu.Unlock()
	if !ok {
		return Stats{}
	}
	return Stats{Connects: s.connects.Load(), Closes: s.closes.Load()}
}

// Shutdown closes every open session. It waits for in-flight holders until ctx ends,
// then closes their sessions from under them. Later Acquire calls fail with ErrShutdown.
func (l *Lifecycle) Shutdown(ctx context.Context) error {
	l.mu.Lock()
	l.shutdown = true
	slots := make([]*slot, 0, len(l.slots))
	for _, s := range l.slots {
		slots = append(slots, s)
	}
	l.mu.Unlock()

	var errs []error
	for _, s := range slots {
		held := false
		select {
		case s.sem <- struct{}{}:
			held = true
		case <-ctx.Done():
			slog.Warn("closing busy connection", "protocol", s.transport.Protocol().Upper())
		}

		hadConn, err := s.close()
		if hadConn {
			if err != nil {
				errs = append(errs, fmt.Errorf("close %s: %w", s.transport.Protocol(), err))
			} else {
				slog.Info(fmt.Sprintf("%s connection closed", s.transport.Protocol().Upper()))
			}
		}

		if held {
			<-s.sem
		}
	}
	return errors.Join(errs...)
}

func (l *Lifecycle) slot(p config.Protocol) (*slot, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.shutdown {
		return nil, ErrShutdown
	}
	s, ok := l.slots[p]
	if !ok {
		return nil, fmt.Errorf("no transport registered for %s", p)
	}
	return s, nil
}

func (l *Lifecycle) isShutdown() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.shutdown
}

// ensure returns the live session, replacing a dead one. Caller holds sem.
func (s *slot) ensure(ctx context.Context) (Conn, error) {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()

	if conn != nil {
		if conn.Alive() {
			return conn, nil
		}
		slog.Debug("dropping dead connection", "protocol", s.transport.Protocol().Upper())
		_, _ = s.close()
	}

	conn, err := s.transport.Connect(ctx)
	if err != nil {
		return nil, err
	}
	s.connects.Add(1)

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	return conn, nil
}

func (s *slot) close() (bool, error) {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()

	if conn == nil {
		return false, nil
	}
	s.closes.Add(1)
	return true, conn.Close()
}

// Lease is a held session.
type Lease struct {
	slot     *slot
	conn     Conn
	released atomic.Bool
}

// Conn returns the leased session, or a session that always fails once released.
func (ls *Lease) Conn() Conn {
	if ls.released.Load() {
		return releasedConn{}
	}
	return ls.conn
}

// Release hands the session back. Sessions of protocols without keep-alive are closed.
func (ls *Lease) Release() error {
	if !ls.released.CompareAndSwap(false, true) {
		return nil
	}
	defer func() { <-ls.slot.sem }()

	if ls.slot.transport.KeepAlive() {
		return nil
	}
	_, err := ls.slot.close()
	return err
}

type releasedConn struct{}

func (releasedConn) EnsureDir(context.Context, string) error { return ErrReleased }
func (releasedConn) Upload(context.Context, string, string) error { return ErrReleased }
func (releasedConn) Remove(context.Context, string) error { return ErrReleased }
func (releasedConn) Alive() bool { return false }
func (releasedConn) Close() error { return nil }
