// Package fdutil tracks per-descriptor hook state: whether a fd is a
// nonblocking socket, and its per-direction timeout.
//
// It talks to the kernel with golang.org/x/sys/unix, the same package
// the ioruntime poller and wakeup code use for epoll and eventfd, rather
// than anything in net or syscall.
package fdutil

import (
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// TimeoutKind distinguishes the two directions FdContext tracks
// independently.
type TimeoutKind int

const (
	Receive TimeoutKind = iota
	Send
)

// Context is the hook layer's per-fd bookkeeping record.
type Context struct {
	mu         sync.Mutex
	fd         int
	isSocket   bool
	isNonblock bool
	recvTO     time.Duration
	sendTO     time.Duration
	closed     bool
}

// newContext stats fd, marking it nonblocking if it is a socket (files
// and pipes are left in their original blocking mode, since readiness
// notifications for them are unreliable).
func newContext(fd int) (*Context, error) {
	c := &Context{fd: fd}

	sockType, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_TYPE)
	if err == nil {
		c.isSocket = true
		_ = sockType
		flags, ferr := unix.FcntlInt(uintptr(fd), unix.F_GETFL, 0)
		if ferr == nil {
			if _, serr := unix.FcntlInt(uintptr(fd), unix.F_SETFL, flags|unix.O_NONBLOCK); serr == nil {
				c.isNonblock = true
			}
		}
	}
	return c, nil
}

// IsSocket reports whether fd was observed to be a socket.
func (c *Context) IsSocket() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isSocket
}

// IsNonblock reports whether O_NONBLOCK was successfully set on fd.
func (c *Context) IsNonblock() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isNonblock
}

// Fd returns the underlying descriptor.
func (c *Context) Fd() int { return c.fd }

// Timeout returns the current timeout for the given direction, or 0 if
// unset (meaning "no timeout").
func (c *Context) Timeout(kind TimeoutKind) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if kind == Send {
		return c.sendTO
	}
	return c.recvTO
}

// SetTimeout updates the per-fd timeout used by the hook layer. For
// sockets it also propagates to SO_RCVTIMEO/SO_SNDTIMEO so that any
// fallback (non-hooked) code path still honours it.
func (c *Context) SetTimeout(kind TimeoutKind, d time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if kind == Send {
		c.sendTO = d
	} else {
		c.recvTO = d
	}
	if !c.isSocket {
		return nil
	}
	tv := unix.NsecToTimeval(d.Nanoseconds())
	opt := unix.SO_RCVTIMEO
	if kind == Send {
		opt = unix.SO_SNDTIMEO
	}
	return unix.SetsockoptTimeval(c.fd, unix.SOL_SOCKET, opt, &tv)
}

// markClosed is invoked by Manager.Remove so that anyone still holding
// this Context can see, via Closed, that the fd was removed.
func (c *Context) markClosed() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

// Closed reports whether the owning Manager has removed this context.
func (c *Context) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Manager is the fd -> Context table. It is read-mostly: lookups vastly
// outnumber inserts/removes, so it uses a reader/writer mutex.
type Manager struct {
	mu sync.RWMutex
	m  map[int]*Context
}

// NewManager returns an empty Manager.
func NewManager() *Manager {
	return &Manager{m: make(map[int]*Context)}
}

// Get returns the Context for fd, or nil if none has been created.
func (m *Manager) Get(fd int) *Context {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.m[fd]
}

// GetOrCreate returns the existing Context for fd, or stats and creates
// one on first observation.
func (m *Manager) GetOrCreate(fd int) (*Context, error) {
	m.mu.RLock()
	c := m.m[fd]
	m.mu.RUnlock()
	if c != nil {
		return c, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if c = m.m[fd]; c != nil {
		return c, nil
	}
	c, err := newContext(fd)
	if err != nil {
		return nil, err
	}
	m.m[fd] = c
	return c, nil
}

// Remove deletes fd's Context, marking it closed for anyone still
// holding a reference.
func (m *Manager) Remove(fd int) {
	m.mu.Lock()
	c := m.m[fd]
	delete(m.m, fd)
	m.mu.Unlock()
	if c != nil {
		c.markClosed()
	}
}

// Len reports the number of tracked descriptors.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.m)
}
