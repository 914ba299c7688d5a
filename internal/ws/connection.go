package ws

import (
	"errors"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

const (
	// maxPendingFrames caps a connection's outbound queue. A client that
	// falls this far behind is dropped.
	maxPendingFrames = 256

	// defaultWriteTimeout bounds a frame write when the connection has no
	// WriteTimeout of its own.
	defaultWriteTimeout = 10 * time.Second
)

var (
	// ErrConnectionClosed is returned when writing to a closed connection.
	ErrConnectionClosed = errors.New("ws: connection closed")

	// ErrSlowConsumer is returned when a connection's outbound queue is full.
	ErrSlowConsumer = errors.New("ws: outbound queue full")
)

// Connection is one upgraded WebSocket client. It carries the identity
// established at admission and serializes outbound frames.
//
// Writes never block the caller: frames are queued and flushed in order by a
// goroutine that exists only while the queue is non-empty. A write that
// exceeds WriteTimeout, or a queue that overflows, fails the connection.
type Connection struct {
	ID           string        // session ID (UUID)
	UserID       string        // identity claimed at admission
	Conn         net.Conn      // underlying TCP connection
	Fd           int           // file descriptor for epoll lookups
	CreatedAt    time.Time     // when the connection was established
	WriteTimeout time.Duration // bound on each frame write

	lastSeen   atomic.Int64 // unix nanos of the last frame read
	writeMu    sync.Mutex   // serializes frames on the socket
	processing int32        // atomic flag: 0 = idle, 1 = being read by handleConn

	queueMu  sync.Mutex
	queue    []frame
	flushing bool
	closed   bool
	onFail   func(*Connection) // called once when a write fails; may be nil
}

type frame struct {
	op   ws.OpCode
	data []byte
}

// SessionID returns the connection's session id.
func (c *Connection) SessionID() string {
	return c.ID
}

// WriteMessage queues a WebSocket text frame for this connection.
func (c *Connection) WriteMessage(data []byte) error {
	return c.enqueue(frame{op: ws.OpText, data: data})
}

// WritePing queues a protocol-level ping frame (opcode 0x9).
func (c *Connection) WritePing() error {
	return c.enqueue(frame{op: ws.OpPing})
}

func (c *Connection) enqueue(f frame) error {
	c.queueMu.Lock()
	if c.closed {
		c.queueMu.Unlock()
		return ErrConnectionClosed
	}
	if len(c.queue) >= maxPendingFrames {
		c.queueMu.Unlock()
		// The caller may hold locks the failure callback needs.
		go c.fail(ErrSlowConsumer)
		return ErrSlowConsumer
	}
	c.queue = append(c.queue, f)
	start := !c.flushing
	c.flushing = true
	c.queueMu.Unlock()

	if start {
		go c.flush()
	}
	return nil
}

// flush drains the queue, then exits.
func (c *Connection) flush() {
	for {
		c.queueMu.Lock()
		if c.closed || len(c.queue) == 0 {
			c.queue = nil
			c.flushing = false
			c.queueMu.Unlock()
			return
		}
		batch := c.queue
		c.queue = nil
		c.queueMu.Unlock()

		for _, f := range batch {
			if err := c.writeFrame(f); err != nil {
				c.fail(err)
				break
			}
		}
	}
}

func (c *Connection) writeFrame(f frame) error {
	timeout := c.WriteTimeout
	if timeout <= 0 {
		timeout = defaultWriteTimeout
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.Conn.SetWriteDeadline(time.Now().Add(timeout))
	defer c.Conn.SetWriteDeadline(time.Time{})
	return wsutil.WriteServerMessage(c.Conn, f.op, f.data)
}

// fail reports a write error once. With an onFail callback the owner closes
// the socket, after taking it out of the poller.
func (c *Connection) fail(err error) {
	if !c.markClosed() {
		return
	}
	log.Printf("ws: write failed session=%s user=%s: %v", c.ID, c.UserID, err)
	if c.onFail != nil {
		c.onFail(c)
		return
	}
	_ = c.Conn.Close()
}

// markClosed flips the connection to closed. It reports whether this call
// did so.
func (c *Connection) markClosed() bool {
	c.queueMu.Lock()
	defer c.queueMu.Unlock()
	if c.closed {
		return false
	}
	c.closed = true
	c.queue = nil
	return true
}

// Close closes the underlying network connection. Queued frames are
// discarded.
func (c *Connection) Close() error {
	c.markClosed()
	return c.Conn.Close()
}

// touch records activity on the connection.
func (c *Connection) touch() {
	c.lastSeen.Store(time.Now().UnixNano())
}

// LastSeen reports when a frame was last read from the connection.
func (c *Connection) LastSeen() time.Time {
	return time.Unix(0, c.lastSeen.Load())
}

// ConnectionManager maps session IDs and file descriptors to their
// connections.
type ConnectionManager struct {
	mu   sync.RWMutex
	byID map[string]*Connection // session_id -> Connection
	byFd map[int]*Connection    // fd -> Connection
}

// NewConnectionManager creates an empty ConnectionManager ready for use.
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{
		byID: make(map[string]*Connection),
		byFd: make(map[int]*Connection),
	}
}

// Add registers a new connection in both lookup maps.
func (cm *ConnectionManager) Add(conn *Connection) {
	cm.mu.Lock()
	cm.byID[conn.ID] = conn
	cm.byFd[conn.Fd] = conn
	cm.mu.Unlock()
}

// Remove drops a connection by session ID and closes it. It returns false
// if the connection was already gone, so racing removers clean up once.
func (cm *ConnectionManager) Remove(id string) bool {
	cm.mu.Lock()
	conn, ok := cm.byID[id]
	if ok {
		delete(cm.byID, id)
		if cm.byFd[conn.Fd] == conn {
			delete(cm.byFd, conn.Fd)
		}
	}
	cm.mu.Unlock()

	if ok {
		conn.Close()
	}
	return ok
}

// Get returns the connection for the given session ID, or nil if not found.
func (cm *ConnectionManager) Get(id string) *Connection {
	cm.mu.RLock()
	conn := cm.byID[id]
	cm.mu.RUnlock()
	return conn
}

// GetByFd returns the connection for the given file descriptor, or nil.
func (cm *ConnectionManager) GetByFd(fd int) *Connection {
	cm.mu.RLock()
	conn := cm.byFd[fd]
	cm.mu.RUnlock()
	return conn
}

// GetByConn returns the connection wrapping c, or nil.
func (cm *ConnectionManager) GetByConn(c net.Conn) *Connection {
	return cm.GetByFd(socketFD(c))
}

// Count returns the current number of active connections.
func (cm *ConnectionManager) Count() int {
	cm.mu.RLock()
	n := len(cm.byID)
	cm.mu.RUnlock()
	return n
}

// Broadcast queues msg on every connection and returns how many could not
// accept it.
func (cm *ConnectionManager) Broadcast(msg []byte) int {
	failed := 0
	for _, conn := range cm.All() {
		if err := conn.WriteMessage(msg); err != nil {
			failed++
		}
	}
	return failed
}

// All returns a snapshot of all current connections.
func (cm *ConnectionManager) All() []*Connection {
	cm.mu.RLock()
	conns := make([]*Connection, 0, len(cm.byID))
	for _, conn := range cm.byID {
		conns = append(conns, conn)
	}
	cm.mu.RUnlock()
	return conns
}
