// Package tcpserver is a minimal TCP server built directly on IOManager
// and the hook layer, grounded on the original sylar TcpServer
// (src/tcp_server.cc/.h): bind one or more listening sockets, schedule
// an accept loop fiber per listener on an "accept worker" IOManager,
// and hand each accepted connection to a "handle client" fiber on an
// "io worker" IOManager. Both workers may be the same *ioruntime.Manager.
package tcpserver

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/fiberd/fiberd/corelog"
	"github.com/fiberd/fiberd/fdutil"
	"github.com/fiberd/fiberd/fiber"
	"github.com/fiberd/fiberd/hook"
	"github.com/fiberd/fiberd/ioruntime"
)

// Handler processes one accepted connection. It runs inside a fiber
// scheduled on the server's io worker, so it may call Driver methods
// that suspend (Read/Write/...) without blocking the underlying thread.
type Handler func(d *hook.Driver, fd int, addr unix.Sockaddr)

// Server listens on one or more addresses and dispatches accepted
// connections to a Handler.
type Server struct {
	name         string
	ioWorker     *ioruntime.Manager
	acceptWorker *ioruntime.Manager
	driver       *hook.Driver
	handler      Handler
	logger       corelog.Logger

	mu        sync.Mutex
	listeners []int
	running   atomic.Bool
}

// New builds a Server. ioWorker and acceptWorker may be the same
// Manager, matching the original's default of sharing one scheduler.
func New(name string, ioWorker, acceptWorker *ioruntime.Manager, fds *fdutil.Manager, handler Handler, logger corelog.Logger) *Server {
	if logger == nil {
		logger = corelog.Noop()
	}
	return &Server{
		name:         name,
		ioWorker:     ioWorker,
		acceptWorker: acceptWorker,
		driver:       hook.New(ioWorker, fds),
		handler:      handler,
		logger:       logger,
	}
}

// Bind creates, binds, and listens on addr. All addrs passed to a
// single Bind call either all succeed or the server rolls them all
// back, mirroring the original's all-or-nothing bind semantics.
func (s *Server) Bind(addrs ...*net.TCPAddr) error {
	var created []int
	for _, addr := range addrs {
		fd, err := bindListener(addr)
		if err != nil {
			for _, lfd := range created {
				_ = unix.Close(lfd)
			}
			return fmt.Errorf("tcpserver: bind %s: %w", addr, err)
		}
		created = append(created, fd)
	}
	s.mu.Lock()
	s.listeners = append(s.listeners, created...)
	s.mu.Unlock()
	return nil
}

func bindListener(addr *net.TCPAddr) (int, error) {
	domain := unix.AF_INET
	if addr.IP.To4() == nil {
		domain = unix.AF_INET6
	}
	fd, err := unix.Socket(domain, unix.SOCK_STREAM, 0)
	if err != nil {
		return -1, err
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		_ = unix.Close(fd)
		return -1, err
	}
	sa, err := sockaddrFromTCPAddr(addr)
	if err != nil {
		_ = unix.Close(fd)
		return -1, err
	}
	if err := unix.Bind(fd, sa); err != nil {
		_ = unix.Close(fd)
		return -1, err
	}
	if err := unix.Listen(fd, unix.SOMAXCONN); err != nil {
		_ = unix.Close(fd)
		return -1, err
	}
	return fd, nil
}

func sockaddrFromTCPAddr(addr *net.TCPAddr) (unix.Sockaddr, error) {
	if v4 := addr.IP.To4(); v4 != nil {
		var sa unix.SockaddrInet4
		sa.Port = addr.Port
		copy(sa.Addr[:], v4)
		return &sa, nil
	}
	if v6 := addr.IP.To16(); v6 != nil {
		var sa unix.SockaddrInet6
		sa.Port = addr.Port
		copy(sa.Addr[:], v6)
		return &sa, nil
	}
	return nil, errors.New("tcpserver: unsupported address family")
}

// Start schedules one accept-loop fiber per bound listener on the
// accept worker.
func (s *Server) Start() error {
	if !s.running.CompareAndSwap(false, true) {
		return errors.New("tcpserver: already running")
	}
	s.mu.Lock()
	listeners := append([]int(nil), s.listeners...)
	s.mu.Unlock()
	for _, fd := range listeners {
		fd := fd
		s.acceptWorker.Schedule(func() { s.acceptLoop(fd) }, -1)
	}
	return nil
}

// Stop marks the server stopped and closes every listener, which
// unblocks any fiber parked in a hooked accept on that fd.
func (s *Server) Stop() error {
	if !s.running.CompareAndSwap(true, false) {
		return nil
	}
	s.mu.Lock()
	listeners := append([]int(nil), s.listeners...)
	s.mu.Unlock()
	for _, fd := range listeners {
		s.acceptWorker.CancelAll(fd)
		_ = unix.Close(fd)
	}
	return nil
}

// BoundPort returns the kernel-assigned TCP port for the index'th
// bound listener, useful in tests that bind to port 0.
func BoundPort(s *Server, index int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if index < 0 || index >= len(s.listeners) {
		return 0, fmt.Errorf("tcpserver: no listener at index %d", index)
	}
	sa, err := unix.Getsockname(s.listeners[index])
	if err != nil {
		return 0, err
	}
	switch v := sa.(type) {
	case *unix.SockaddrInet4:
		return v.Port, nil
	case *unix.SockaddrInet6:
		return v.Port, nil
	default:
		return 0, fmt.Errorf("tcpserver: unsupported sockaddr type %T", sa)
	}
}

func (s *Server) acceptLoop(listenFd int) {
	for s.running.Load() {
		fd, sa, err := s.driver.Accept(listenFd)
		if err != nil {
			if !s.running.Load() {
				return
			}
			s.logger.Log(corelog.LevelWarn, "accept failed",
				corelog.F("listen_fd", listenFd), corelog.F("err", err.Error()))
			// A persistent Accept error (e.g. a transient fd-registration
			// conflict) must not busy-spin this worker: yield a turn so
			// other scheduled fibers still make progress.
			_ = fiber.Yield()
			continue
		}
		client := fd
		addr := sa
		s.ioWorker.Schedule(func() { s.handler(s.driver, client, addr) }, -1)
	}
}
