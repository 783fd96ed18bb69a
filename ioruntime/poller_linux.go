//go:build linux

package ioruntime

import (
	"golang.org/x/sys/unix"
)

// maxPollEvents bounds how many ready events epoll_wait reports in one
// call.
const maxPollEvents = 256

// poller is a thin edge-triggered epoll wrapper. All registrations in
// this package use EPOLLET, so callers must drain a fd until EAGAIN on
// every wakeup.
type poller struct {
	epfd int
	buf  [maxPollEvents]unix.EpollEvent
}

func newPoller() (*poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &poller{epfd: epfd}, nil
}

func (p *poller) close() error {
	return unix.Close(p.epfd)
}

func (p *poller) add(fd int, events uint32) error {
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{
		Events: events | unix.EPOLLET,
		Fd:     int32(fd),
	})
}

func (p *poller) modify(fd int, events uint32) error {
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, &unix.EpollEvent{
		Events: events | unix.EPOLLET,
		Fd:     int32(fd),
	})
}

func (p *poller) del(fd int) error {
	err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	if err == unix.ENOENT {
		return nil
	}
	return err
}

// wait blocks for up to timeoutMs (negative = forever) and returns the
// ready slice of the internal event buffer, valid until the next call.
func (p *poller) wait(timeoutMs int) ([]unix.EpollEvent, error) {
	n, err := unix.EpollWait(p.epfd, p.buf[:], timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, err
	}
	return p.buf[:n], nil
}
