// Package hook re-expresses the POSIX I/O surface in terms of fibers
// and an IOManager. Go gives no link-time symbol interposition (no
// LD_PRELOAD-style override of libc's read/write), so rather than
// intercepting the standard library's socket calls this package
// exposes a Driver whose methods ARE the hook points: callers that
// want cooperative, fiber-suspending I/O call driver.Read instead of
// unix.Read, the same way Go's own net package wraps raw syscalls with
// its internal runtime-integrated poller. When hooking is disabled,
// every Driver method forwards straight to the underlying syscall;
// Close additionally drops any registrations the descriptor still has.
package hook

import (
	"errors"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/fiberd/fiberd/fdutil"
	"github.com/fiberd/fiberd/fiber"
	"github.com/fiberd/fiberd/ioruntime"
	"github.com/fiberd/fiberd/timer"
)

var enabled atomic.Bool

// SetEnabled is the process-wide switch gating hook behaviour, default
// off.
func SetEnabled(v bool) { enabled.Store(v) }

// Enabled reports the current value of the process-wide switch.
func Enabled() bool { return enabled.Load() }

// ErrTimeout is returned (with unix.ETIMEDOUT-equivalent semantics) when
// a deadline set via fdutil elapses before an I/O operation completes.
var ErrTimeout = errors.New("hook: i/o timed out")

// Driver binds the hook surface to one IOManager and FdManager.
type Driver struct {
	io  *ioruntime.Manager
	fds *fdutil.Manager
}

// New returns a Driver operating against the given runtime.
func New(io *ioruntime.Manager, fds *fdutil.Manager) *Driver {
	return &Driver{io: io, fds: fds}
}

// Socket creates a socket and, when hooking is enabled, registers it
// with FdManager on success so future hook calls on the descriptor know
// whether it is a nonblocking socket.
func (d *Driver) Socket(domain, typ, proto int) (int, error) {
	fd, err := unix.Socket(domain, typ, proto)
	if err != nil {
		return -1, err
	}
	if Enabled() {
		if _, cerr := d.fds.GetOrCreate(fd); cerr != nil {
			_ = unix.Close(fd)
			return -1, cerr
		}
	}
	return fd, nil
}

// Close cancels any outstanding epoll registrations for fd, forgets its
// FdContext, and closes the underlying descriptor.
func (d *Driver) Close(fd int) error {
	d.io.CancelAll(fd)
	d.fds.Remove(fd)
	return unix.Close(fd)
}

// Sleep suspends the current fiber for d, via a one-shot timer rather
// than blocking the underlying OS thread.
func (d *Driver) Sleep(dur time.Duration) error {
	if !Enabled() {
		time.Sleep(dur)
		return nil
	}
	f := fiber.Current()
	d.io.AddTimer(dur, false, func() {
		if err := f.Resume(); err != nil {
			// Already resumed (e.g. spuriously) or self-resume contract
			// violation; nothing further to do.
			_ = err
		}
	}, "sleep")
	return fiber.YieldWaiting()
}

// Connect issues a non-blocking connect. If it cannot complete
// synchronously it arms a WRITE event (and, if deadline > 0, a
// cancellation timer), yields the current fiber, and on resumption
// checks SO_ERROR to determine the final outcome.
func (d *Driver) Connect(fd int, sa unix.Sockaddr, deadline time.Duration) error {
	if !Enabled() {
		return unix.Connect(fd, sa)
	}
	ctx, err := d.fds.GetOrCreate(fd)
	if err != nil {
		return err
	}
	if !ctx.IsNonblock() {
		return unix.Connect(fd, sa)
	}

	err = unix.Connect(fd, sa)
	if err == nil {
		return nil
	}
	if !errors.Is(err, unix.EINPROGRESS) {
		return err
	}

	f := fiber.Current()
	st := newIOState()

	var tm *timer.Timer
	if deadline > 0 {
		tm = d.io.AddTimer(deadline, false, func() {
			if st.markFiredOnce() {
				return
			}
			d.io.DelFDEvent(fd, ioruntime.EventWrite, false)
			st.setTimedOut()
			_ = f.Resume()
		}, "connect-deadline")
	}

	armErr := d.io.AddFDEvent(fd, ioruntime.EventWrite, func() {
		if st.markFiredOnce() {
			return
		}
		if tm != nil {
			tm.Cancel()
		}
		_ = f.Resume()
	})
	if armErr != nil {
		return armErr
	}

	if yerr := fiber.YieldWaiting(); yerr != nil {
		return yerr
	}
	if st.timedOut() {
		return ErrTimeout
	}

	soerr, gerr := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if gerr != nil {
		return gerr
	}
	if soerr != 0 {
		return unix.Errno(soerr)
	}
	return nil
}

// ioState coordinates an fd-ready callback racing a deadline callback:
// exactly one of the two is allowed to act, and a deadline firing first
// is distinguishable from a normal completion.
type ioState struct {
	fired   atomic.Bool
	timeout atomic.Bool
}

func newIOState() *ioState { return &ioState{} }

// markFiredOnce returns true if this call lost the race (someone else
// already fired).
func (s *ioState) markFiredOnce() bool { return s.fired.Swap(true) }
func (s *ioState) setTimedOut()        { s.timeout.Store(true) }
func (s *ioState) timedOut() bool      { return s.timeout.Load() }
