//go:build linux

package ioruntime

import "golang.org/x/sys/unix"

// wakeFd is the self-pipe/eventfd used to pull an idling worker out of
// epoll_wait when a new task or fd event is scheduled.
type wakeFd struct {
	fd int
}

func newWakeFd() (*wakeFd, error) {
	fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		return nil, err
	}
	return &wakeFd{fd: fd}, nil
}

// notify adds to the eventfd counter with a single 8-byte write, waking
// any worker blocked in epoll_wait on this fd. It must be cheap and non-blocking, as required by the
// notification path's contract.
func (w *wakeFd) notify() {
	var buf [8]byte
	buf[7] = 1
	_, _ = unix.Write(w.fd, buf[:])
}

// drain empties the eventfd's counter after a wakeup.
func (w *wakeFd) drain() {
	var buf [8]byte
	for {
		_, err := unix.Read(w.fd, buf[:])
		if err != nil {
			return
		}
	}
}

func (w *wakeFd) close() error {
	return unix.Close(w.fd)
}
