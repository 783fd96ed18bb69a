// Package osthread provides a joinable, named OS thread wrapping a single
// user callback. A Scheduler worker is one osthread.Thread; epoll requires
// thread affinity, so each Thread locks its goroutine to its underlying OS
// thread for its entire lifetime via runtime.LockOSThread.
package osthread

import (
	"runtime"
	"sync"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

var idCounter atomic.Uint64

// Thread is a joinable, named OS thread. There is no forced cancellation:
// Stop only requests termination cooperatively, by setting a flag the
// callback is expected to observe (typically via a context.Context it
// closes over).
type Thread struct {
	id       uint64
	name     string
	fn       func()
	running  atomic.Bool
	stopping atomic.Bool
	done     chan struct{}
	once     sync.Once
}

// New creates a Thread that will run fn when Start is called.
func New(name string, fn func()) *Thread {
	return &Thread{
		id:   idCounter.Add(1),
		name: name,
		fn:   fn,
		done: make(chan struct{}),
	}
}

// ID returns the thread's identity (independent of the underlying kernel tid).
func (t *Thread) ID() uint64 { return t.id }

// Name returns the thread's diagnostic name.
func (t *Thread) Name() string { return t.name }

// Stopping reports whether Stop has been called; cooperative callbacks
// should poll this (or a context derived alongside it) to know when to exit.
func (t *Thread) Stopping() bool { return t.stopping.Load() }

// Start launches the thread's goroutine. Only the first call has any
// effect; later calls are no-ops.
func (t *Thread) Start() {
	if !t.running.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer close(t.done)
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
		setOSThreadName(t.name)
		t.fn()
	}()
}

// Stop cooperatively requests termination; it does not block or force
// cancellation. Callers that need to wait for exit should call Join.
func (t *Thread) Stop() {
	t.stopping.Store(true)
}

// Join blocks until the thread's callback returns.
func (t *Thread) Join() {
	t.once.Do(func() {})
	<-t.done
}

// setOSThreadName propagates the thread's name to the OS for diagnostics
// via PR_SET_NAME, using the same golang.org/x/sys/unix package the
// poller and wakeup code uses for epoll/eventfd.
func setOSThreadName(name string) {
	if name == "" {
		return
	}
	if len(name) > 15 {
		name = name[:15] // TASK_COMM_LEN includes the NUL terminator
	}
	buf := append([]byte(name), 0)
	_ = unix.Prctl(unix.PR_SET_NAME, uintptr(unsafe.Pointer(&buf[0])), 0, 0, 0)
}
