package hook

import (
	"time"

	"golang.org/x/sys/unix"

	"github.com/fiberd/fiberd/fdutil"
	"github.com/fiberd/fiberd/fiber"
	"github.com/fiberd/fiberd/ioruntime"
)

// doIO is the generic retry-then-suspend pattern shared by every
// read/write/accept-family wrapper. attempt performs the underlying
// syscall once; doIO retries it until it succeeds, fails with a
// non-EAGAIN error, or the per-fd timeout elapses.
func (d *Driver) doIO(fd int, event ioruntime.Event, timeout time.Duration, attempt func() (int, error)) (int, error) {
	if !Enabled() {
		return attempt()
	}
	ctx, err := d.fds.GetOrCreate(fd)
	if err != nil {
		return -1, err
	}
	if !ctx.IsNonblock() {
		return attempt()
	}

	for {
		n, err := attempt()
		if err != unix.EAGAIN && err != unix.EWOULDBLOCK {
			return n, err
		}

		f := fiber.Current()
		st := newIOState()

		var tm interface{ Cancel() }
		if timeout > 0 {
			t := d.io.AddTimer(timeout, false, func() {
				if st.markFiredOnce() {
					return
				}
				d.io.DelFDEvent(fd, event, false)
				st.setTimedOut()
				_ = f.Resume()
			}, "do-io-deadline")
			tm = t
		}

		armErr := d.io.AddFDEvent(fd, event, func() {
			if st.markFiredOnce() {
				return
			}
			if tm != nil {
				tm.Cancel()
			}
			_ = f.Resume()
		})
		if armErr != nil {
			return -1, armErr
		}

		if yerr := fiber.YieldWaiting(); yerr != nil {
			return -1, yerr
		}
		if st.timedOut() {
			return -1, ErrTimeout
		}
		// Fall through and retry: edge-triggered semantics mean the fd
		// must be drained/retried until EAGAIN reappears.
	}
}

// Read performs a hooked read(2).
func (d *Driver) Read(fd int, p []byte) (int, error) {
	timeout := d.timeoutFor(fd, fdutil.Receive)
	return d.doIO(fd, ioruntime.EventRead, timeout, func() (int, error) {
		return unix.Read(fd, p)
	})
}

// Write performs a hooked write(2).
func (d *Driver) Write(fd int, p []byte) (int, error) {
	timeout := d.timeoutFor(fd, fdutil.Send)
	return d.doIO(fd, ioruntime.EventWrite, timeout, func() (int, error) {
		return unix.Write(fd, p)
	})
}

// Recv performs a hooked recv(2).
func (d *Driver) Recv(fd int, p []byte, flags int) (int, error) {
	timeout := d.timeoutFor(fd, fdutil.Receive)
	return d.doIO(fd, ioruntime.EventRead, timeout, func() (int, error) {
		n, _, rerr := unix.Recvfrom(fd, p, flags)
		return n, rerr
	})
}

// Send performs a hooked send(2).
func (d *Driver) Send(fd int, p []byte, flags int) (int, error) {
	timeout := d.timeoutFor(fd, fdutil.Send)
	return d.doIO(fd, ioruntime.EventWrite, timeout, func() (int, error) {
		return len(p), unix.Send(fd, p, flags)
	})
}

// timeoutFor looks up fd's per-direction timeout, treating an unknown
// fd as having no timeout configured.
func (d *Driver) timeoutFor(fd int, kind fdutil.TimeoutKind) time.Duration {
	ctx := d.fds.Get(fd)
	if ctx == nil {
		return 0
	}
	return ctx.Timeout(kind)
}

// Accept performs a hooked accept(2). When hooking is enabled, the new
// connection's fd is registered with FdManager on success.
func (d *Driver) Accept(fd int) (int, unix.Sockaddr, error) {
	var newFd int
	var sa unix.Sockaddr
	_, err := d.doIO(fd, ioruntime.EventRead, 0, func() (int, error) {
		nfd, nsa, aerr := unix.Accept(fd)
		if aerr != nil {
			return -1, aerr
		}
		newFd, sa = nfd, nsa
		return nfd, nil
	})
	if err != nil {
		return -1, nil, err
	}
	if Enabled() {
		if _, cerr := d.fds.GetOrCreate(newFd); cerr != nil {
			_ = unix.Close(newFd)
			return -1, nil, cerr
		}
	}
	return newFd, sa, nil
}
