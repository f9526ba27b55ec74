// Package transporttest provides an in-memory Transport that records every call.
package transporttest

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/openmined/dirsync/internal/config"
	"github.com/openmined/dirsync/internal/syncerr"
	"github.com/openmined/dirsync/internal/transport"
	"github.com/spf13/afero"
)

// Fake is a transport.Transport backed by an in-memory remote tree.
type Fake struct {
	Proto      config.Protocol
	Persistent bool
	// FS is read on Upload to capture file contents. Optional.
	FS afero.Fs

	// ConnectErr, when set, is consulted on every connect with the 1-based attempt number.
	ConnectErr func(attempt int) error
	// OpErr, when set, can fail an operation ("mkdir", "upload", "remove") on a path.
	OpErr func(op, path string) error
	// Hook runs inside every operation after OpErr; it may block.
	Hook func(op, path string)

	mu        sync.Mutex
	calls     []string
	connects  int
	closes    int
	open      int
	maxOpen   int
	active    int
	maxActive int
	files     map[string]string
	dirs      map[string]bool
	conns     []*fakeConn
}

func New(p config.Protocol) *Fake {
	return &Fake{Proto: p, Persistent: p == config.ProtocolSFTP}
}

func (f *Fake) Protocol() config.Protocol { return f.Proto }

func (f *Fake) KeepAlive() bool { return f.Persistent }

func (f *Fake) Connect(ctx context.Context) (transport.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f.mu.Lock()
	f.connects++
	attempt := f.connects
	f.calls = append(f.calls, "connect")
	check := f.ConnectErr
	f.mu.Unlock()

	if check != nil {
		if err := check(attempt); err != nil {
			return nil, &syncerr.ConnectError{Protocol: f.Proto.Upper(), Addr: "fake", Err: err}
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.open++
	if f.open > f.maxOpen {
		f.maxOpen = f.open
	}
	c := &fakeConn{f: f}
	f.conns = append(f.conns, c)
	return c, nil
}

// Drop marks every open session dead, as if the server hung up.
func (f *Fake) Drop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.conns {
		c.dead = true
	}
}

// Calls returns the recorded call log.
func (f *Fake) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// CallsMatching returns the recorded calls that start with prefix.
func (f *Fake) CallsMatching(prefix string) []string {
	var out []string
	for _, c := range f.Calls() {
		if strings.HasPrefix(c, prefix) {
			out = append(out, c)
		}
	}
	return out
}

func (f *Fake) Connects() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects
}

func (f *Fake) Closes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closes
}

// Open returns the number of sessions currently open.
func (f *Fake) Open() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.open
}

// MaxOpen returns the highest number of sessions ever open at once.
func (f *Fake) MaxOpen() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxOpen
}

// MaxActive returns the highest number of operations ever running at once.
func (f *Fake) MaxActive() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxActive
}

// Put seeds the remote tree with a file.
func (f *Fake) Put(remotePath, content string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ensureMaps()
	f.files[path.Clean(remotePath)] = content
}

// File returns the content stored at remotePath.
func (f *Fake) File(remotePath string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	content, ok := f.files[path.Clean(remotePath)]
	return content, ok
}

// Files lists every remote file path, sorted.
func (f *Fake) Files() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.files))
	for p := range f.files {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// HasDir reports whether dir was created.
func (f *Fake) HasDir(dir string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dirs[path.Clean(dir)]
}

func (f *Fake) ensureMaps() {
	if f.files == nil {
		f.files = make(map[string]string)
	}
	if f.dirs == nil {
		f.dirs = make(map[string]bool)
	}
}

func (f *Fake) begin(op, p string) error {
	f.mu.Lock()
	f.calls = append(f.calls, op+" "+p)
	f.active++
	if f.active > f.maxActive {
		f.maxActive = f.active
	}
	check, hook := f.OpErr, f.Hook
	f.mu.Unlock()

	if check != nil {
		if err := check(op, p); err != nil {
			return err
		}
	}
	if hook != nil {
		hook(op, p)
	}
	return nil
}

func (f *Fake) end() {
	f.mu.Lock()
	f.active--
	f.mu.Unlock()
}

type fakeConn struct {
	f      *Fake
	closed bool
	dead   bool
}

func (c *fakeConn) usable() error {
	c.f.mu.Lock()
	defer c.f.mu.Unlock()
	if c.closed {
		return errors.New("use of closed connection")
	}
	return nil
}

func (c *fakeConn) EnsureDir(ctx context.Context, dir string) error {
	if err := c.usable(); err != nil {
		return err
	}
	dir = path.Clean(dir)
	defer c.f.end()
	if err := c.f.begin("mkdir", dir); err != nil {
		return syncerr.RemoteIO("mkdir", dir, err)
	}

	c.f.mu.Lock()
	defer c.f.mu.Unlock()
	c.f.ensureMaps()
	for d := dir; d != "/" && d != "."; d = path.Dir(d) {
		c.f.dirs[d] = true
	}
	return nil
}

func (c *fakeConn) Upload(ctx context.Context, localPath, remotePath string) error {
	if err := c.usable(); err != nil {
		return err
	}
	remotePath = path.Clean(remotePath)
	defer c.f.end()
	if err := c.f.begin("upload", remotePath); err != nil {
		return syncerr.RemoteIO("upload", remotePath, err)
	}

	content := ""
	if c.f.FS != nil {
		data, err := afero.ReadFile(c.f.FS, localPath)
		if err != nil {
			return syncerr.RemoteIO("upload", remotePath, fmt.Errorf("%w: %w", transport.ErrLocalMissing, err))
		}
		content = string(data)
	}

	c.f.mu.Lock()
	defer c.f.mu.Unlock()
	c.f.ensureMaps()
	c.f.files[remotePath] = content
	return nil
}

func (c *fakeConn) Remove(ctx context.Context, remotePath string) error {
	if err := c.usable(); err != nil {
		return err
	}
	remotePath = path.Clean(remotePath)
	defer c.f.end()
	if err := c.f.begin("remove", remotePath); err != nil {
		return syncerr.RemoteIO("delete", remotePath, err)
	}

	c.f.mu.Lock()
	defer c.f.mu.Unlock()
	c.f.ensureMaps()

	found := false
	prefix := remotePath + "/"
	for p := range c.f.files {
		if p == remotePath || strings.HasPrefix(p, prefix) {
			delete(c.f.files, p)
			found = true
		}
	}
	for d := range c.f.dirs {
		if d == remotePath || strings.HasPrefix(d, prefix) {
			delete(c.f.dirs, d)
			found = true
		}
	}
	if !found {
		return syncerr.ErrNotFound
	}
	return nil
}

func (c *fakeConn) Alive() bool {
	c.f.mu.Lock()
	defer c.f.mu.Unlock()
	return !c.closed && !c.dead
}

func (c *fakeConn) Close() error {
	c.f.mu.Lock()
	defer c.f.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.f.closes++
	c.f.open--
	c.f.calls = append(c.f.calls, "close")
	return nil
}
