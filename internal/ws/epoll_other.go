//go:build !linux

package ws

import (
	"net"
	"sync"
)

// Epoll is the portable stand-in for the Linux poller, used for local
// development. Without a readiness syscall every connection is reported as
// ready once, then again after the server has finished reading from it
// (Resume). Reads are bounded by the server's read timeout, so an idle
// connection occupies a worker slot for at most that long per round.
type Epoll struct {
	mu      sync.Mutex
	conns   map[net.Conn]chan struct{} // conn -> resume signal
	readyCh chan net.Conn
	done    chan struct{}
}

// NewEpoll creates an empty poller.
func NewEpoll() (*Epoll, error) {
	return &Epoll{
		conns:   make(map[net.Conn]chan struct{}),
		readyCh: make(chan net.Conn, 128),
		done:    make(chan struct{}),
	}, nil
}

// Add registers conn and reports it ready.
func (e *Epoll) Add(conn net.Conn) error {
	resume := make(chan struct{}, 1)
	e.mu.Lock()
	e.conns[conn] = resume
	e.mu.Unlock()

	go e.monitor(conn, resume)
	return nil
}

func (e *Epoll) monitor(conn net.Conn, resume chan struct{}) {
	for {
		select {
		case e.readyCh <- conn:
		case <-e.done:
			return
		}
		select {
		case _, ok := <-resume:
			if !ok {
				return
			}
		case <-e.done:
			return
		}
	}
}

// Resume reports conn ready again once the server is done with it.
func (e *Epoll) Resume(conn net.Conn) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if ch, ok := e.conns[conn]; ok {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Remove unregisters conn and stops its monitor.
func (e *Epoll) Remove(conn net.Conn) error {
	e.mu.Lock()
	if ch, ok := e.conns[conn]; ok {
		delete(e.conns, conn)
		close(ch)
	}
	e.mu.Unlock()
	releaseFD(conn)
	return nil
}

// Wait blocks until at least one connection is ready and returns every
// connection ready at that moment.
func (e *Epoll) Wait() ([]net.Conn, error) {
	var first net.Conn
	select {
	case first = <-e.readyCh:
	case <-e.done:
		return nil, net.ErrClosed
	}

	conns := []net.Conn{first}
	for {
		select {
		case conn := <-e.readyCh:
			conns = append(conns, conn)
		default:
			return conns, nil
		}
	}
}

// Close shuts the poller down.
func (e *Epoll) Close() error {
	close(e.done)
	e.mu.Lock()
	e.conns = nil
	e.mu.Unlock()
	return nil
}

var (
	fdMu   sync.Mutex
	fds    = make(map[net.Conn]int)
	nextFD int
)

// socketFD hands out a stable pseudo descriptor per connection so the
// connection manager can index connections the same way on every platform.
func socketFD(conn net.Conn) int {
	fdMu.Lock()
	defer fdMu.Unlock()
	if fd, ok := fds[conn]; ok {
		return fd
	}
	nextFD++
	fds[conn] = nextFD
	return nextFD
}

func releaseFD(conn net.Conn) {
	fdMu.Lock()
	delete(fds, conn)
	fdMu.Unlock()
}
