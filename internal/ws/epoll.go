//go:build linux

package ws

import (
	"net"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

// Epoll wraps the Linux epoll syscalls. Connections are registered by file
// descriptor and handed to the worker pool only when they are readable, so
// idle sessions cost no goroutine.
type Epoll struct {
	fd          int               // epoll file descriptor
	connections map[int]net.Conn  // fd -> net.Conn mapping
	fds         map[net.Conn]int  // net.Conn -> registered fd
	mu          sync.RWMutex      // protects both maps
	events      []unix.EpollEvent // reusable event buffer for Wait
}

// NewEpoll creates a new epoll instance using epoll_create1.
func NewEpoll() (*Epoll, error) {
	fd, err := unix.EpollCreate1(0)
	if err != nil {
		return nil, err
	}
	return &Epoll{
		fd:          fd,
		connections: make(map[int]net.Conn),
		fds:         make(map[net.Conn]int),
		events:      make([]unix.EpollEvent, 128),
	}, nil
}

// Add registers conn for read readiness (EPOLLIN | EPOLLHUP).
func (e *Epoll) Add(conn net.Conn) error {
	fd := socketFD(conn)
	if err := unix.EpollCtl(e.fd, syscall.EPOLL_CTL_ADD, fd, &unix.EpollEvent{
		Events: unix.EPOLLIN | unix.EPOLLHUP,
		Fd:     int32(fd),
	}); err != nil {
		return err
	}

	e.mu.Lock()
	e.connections[fd] = conn
	e.fds[conn] = fd
	e.mu.Unlock()
	return nil
}

// Remove unregisters conn. The fd recorded by Add is used, so a connection
// whose socket is already closed is still forgotten. Removing an unknown
// connection is a no-op.
func (e *Epoll) Remove(conn net.Conn) error {
	e.mu.Lock()
	fd, ok := e.fds[conn]
	if ok {
		delete(e.fds, conn)
		if e.connections[fd] == conn {
			delete(e.connections, fd)
		}
	}
	e.mu.Unlock()

	if !ok {
		return nil
	}
	// A closed socket has already left the interest list.
	if err := unix.EpollCtl(e.fd, syscall.EPOLL_CTL_DEL, fd, nil); err != nil && err != unix.EBADF && err != unix.ENOENT {
		return err
	}
	return nil
}

// Wait blocks until registered connections are readable. Connections
// removed after epoll_wait returned are skipped.
func (e *Epoll) Wait() ([]net.Conn, error) {
	n, err := unix.EpollWait(e.fd, e.events, -1)
	if err != nil {
		return nil, err
	}

	e.mu.RLock()
	conns := make([]net.Conn, 0, n)
	for i := 0; i < n; i++ {
		conn, ok := e.connections[int(e.events[i].Fd)]
		if ok {
			conns = append(conns, conn)
		}
	}
	e.mu.RUnlock()
	return conns, nil
}

// Resume is a no-op: level-triggered epoll reports the fd again while
// unread data remains.
func (e *Epoll) Resume(net.Conn) {}

// Close closes the epoll file descriptor.
func (e *Epoll) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.connections = nil
	e.fds = nil
	return unix.Close(e.fd)
}

// socketFD returns conn's file descriptor without duplicating it, or -1 for
// connections that do not expose one.
func socketFD(conn net.Conn) int {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return -1
	}

	raw, err := sc.SyscallConn()
	if err != nil {
		return -1
	}

	var fd int
	_ = raw.Control(func(sfd uintptr) {
		fd = int(sfd)
	})
	return fd
}
