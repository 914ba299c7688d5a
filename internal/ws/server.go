// Package ws is the WebSocket transport: it admits HTTP upgrades that carry a
// user identity, tracks live connections, reads frames through an epoll-driven
// worker pool, and reports connection lifecycle to the application through
// Handlers.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"

	"github.com/snapgram/presence-relay/internal/metrics"
)

const (
	// UserIDHeader carries the identity asserted by the upstream auth layer.
	UserIDHeader = "X-User-Id"
	// UserIDParam is the query parameter fallback for clients that cannot
	// set headers on the upgrade request.
	UserIDParam = "userId"

	statusText = "presence relay is running"
)

// ErrServerClosed is returned by Serve after Shutdown.
var ErrServerClosed = errors.New("ws: server closed")

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	ListenAddr     string        // address to listen on, e.g. "0.0.0.0:3001"
	WorkerPoolSize int           // max concurrent read-worker goroutines
	MaxConnections int           // hard cap on total connections
	ReadTimeout    time.Duration // timeout for WebSocket read operations
	WriteTimeout   time.Duration // timeout for WebSocket write operations
	Heartbeat      HeartbeatConfig
}

// DefaultServerConfig returns a ServerConfig with production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:     "0.0.0.0:3001",
		WorkerPoolSize: 256,
		MaxConnections: 100000,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		Heartbeat:      DefaultHeartbeatConfig(),
	}
}

// Handlers are the application callbacks for connection lifecycle.
//
// OnConnect runs after the upgrade and before the connection is polled for
// frames; returning an error drops the connection. OnMessage runs on a worker
// goroutine for each complete text frame, at most one at a time per
// connection. OnDisconnect runs exactly once per admitted connection.
type Handlers struct {
	OnConnect    func(c *Connection) error
	OnMessage    func(c *Connection, data []byte)
	OnDisconnect func(c *Connection)
}

// Server is the WebSocket server built on gobwas/ws and epoll.
type Server struct {
	config     ServerConfig
	epoll      *Epoll
	conns      *ConnectionManager
	handlers   Handlers
	workerPool chan struct{} // semaphore limiting concurrent read workers
	httpServer *http.Server
	done       chan struct{}
	closed     atomic.Bool
	startedAt  time.Time
}

// NewServer creates a Server with the given configuration. Handlers must be
// set with SetHandlers before Serve.
func NewServer(config ServerConfig) *Server {
	if config.WorkerPoolSize <= 0 {
		config.WorkerPoolSize = DefaultServerConfig().WorkerPoolSize
	}
	s := &Server{
		config:     config,
		conns:      NewConnectionManager(),
		workerPool: make(chan struct{}, config.WorkerPoolSize),
		done:       make(chan struct{}),
		startedAt:  time.Now(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleRoot)
	mux.HandleFunc("/ws", s.handleUpgrade)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", metrics.Handler())
	s.httpServer = &http.Server{
		Addr:              config.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// SetHandlers installs the lifecycle callbacks.
func (s *Server) SetHandlers(h Handlers) {
	s.handlers = h
}

// Handler exposes the HTTP routes, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start listens on the configured address and serves until Shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("ws: listen %s: %w", s.config.ListenAddr, err)
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln. It starts the poller event loop and the
// heartbeat, then blocks until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	var err error
	s.epoll, err = NewEpoll()
	if err != nil {
		return fmt.Errorf("ws: failed to create epoll: %w", err)
	}
	s.startedAt = time.Now()

	go s.startEventLoop()
	StartHeartbeat(s, s.config.Heartbeat)

	log.Printf("ws: server listening on %s (workers=%d, max_conns=%d)",
		ln.Addr(), s.config.WorkerPoolSize, s.config.MaxConnections)

	if err := s.httpServer.Serve(ln); err != nil {
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("ws: http server error: %w", err)
	}
	return nil
}

// UserIDFromRequest returns the identity claimed by an upgrade request: the
// X-User-Id header, or the userId query parameter when the header is absent.
func UserIDFromRequest(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get(UserIDHeader)); id != "" {
		return id
	}
	return strings.TrimSpace(r.URL.Query().Get(UserIDParam))
}

// handleRoot serves the plain status line, or the upgrade when a WebSocket
// client connects to the root path.
func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	if strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		s.handleUpgrade(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = io.WriteString(w, statusText)
}

// handleUpgrade admits a WebSocket client. Requests without an identity are
// refused with 401 before any upgrade happens.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	userID := UserIDFromRequest(r)
	if userID == "" {
		metrics.AdmissionsTotal.WithLabelValues("unauthorized").Inc()
		http.Error(w, "missing user identity", http.StatusUnauthorized)
		return
	}

	if s.closed.Load() || s.epoll == nil {
		http.Error(w, "not accepting connections", http.StatusServiceUnavailable)
		return
	}

	if s.config.MaxConnections > 0 && s.conns.Count() >= s.config.MaxConnections {
		metrics.AdmissionsTotal.WithLabelValues("over_capacity").Inc()
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		log.Printf("ws: upgrade failed user=%s: %v", userID, err)
		return
	}

	c := &Connection{
		ID:        uuid.New().String(),
		UserID:    userID,
		Conn:      conn,
		Fd:        socketFD(conn),
		CreatedAt: time.Now(),
	}
	s.Attach(c)

	if s.handlers.OnConnect != nil {
		if err := s.handlers.OnConnect(c); err != nil {
			log.Printf("ws: connect rejected session=%s user=%s: %v", c.ID, userID, err)
			s.RemoveConnection(c)
			return
		}
	}

	if err := s.epoll.Add(conn); err != nil {
		log.Printf("ws: epoll add failed for session %s: %v", c.ID, err)
		s.RemoveConnection(c)
		return
	}

	log.Printf("ws: new connection session=%s user=%s fd=%d (total=%d)", c.ID, userID, c.Fd, s.conns.Count())
}

// Attach tracks an upgraded connection. A failed write removes it through
// RemoveConnection. Attach does not poll the connection for frames.
func (s *Server) Attach(c *Connection) {
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = s.config.WriteTimeout
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	c.onFail = s.RemoveConnection
	c.touch()

	s.conns.Add(c)
	metrics.ConnectionsTotal.Inc()
}

// handleHealth reports the connection count and uptime as JSON.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	resp := struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
		Uptime      string `json:"uptime"`
	}{
		Status:      "ok",
		Connections: s.conns.Count(),
		Uptime:      time.Since(s.startedAt).Round(time.Second).String(),
	}

	_ = json.NewEncoder(w).Encode(resp)
}

// startEventLoop hands every ready connection to a worker, bounded by the
// worker pool.
func (s *Server) startEventLoop() {
	for {
		select {
		case <-s.done:
			return
		default:
		}

		conns, err := s.epoll.Wait()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				if isEINTR(err) {
					continue
				}
				log.Printf("ws: epoll wait error: %v", err)
				continue
			}
		}

		for _, conn := range conns {
			conn := conn

			s.workerPool <- struct{}{}
			go func() {
				defer func() { <-s.workerPool }()
				s.handleConn(conn)
				s.epoll.Resume(conn)
			}()
		}
	}
}

// handleConn reads one frame from a ready connection. Control frames are
// handled here; text frames go to OnMessage. A read error removes the
// connection.
func (s *Server) handleConn(netConn net.Conn) {
	c := s.conns.GetByConn(netConn)
	if c == nil {
		return
	}

	// Level-triggered epoll can report the same fd to two workers.
	if !atomic.CompareAndSwapInt32(&c.processing, 0, 1) {
		return
	}
	defer atomic.StoreInt32(&c.processing, 0)

	if s.config.ReadTimeout > 0 {
		_ = netConn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	}

	header, reader, err := wsutil.NextReader(netConn, ws.StateServerSide)
	if err != nil {
		// A timeout means a stale readiness report; the heartbeat owns
		// dead-connection detection.
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return
		}
		s.RemoveConnection(c)
		return
	}
	_ = netConn.SetReadDeadline(time.Time{})
	c.touch()

	if header.OpCode.IsControl() {
		if header.OpCode == ws.OpClose {
			s.RemoveConnection(c)
		}
		return
	}

	data := make([]byte, header.Length)
	if header.Length > 0 {
		if _, err := io.ReadFull(reader, data); err != nil {
			s.RemoveConnection(c)
			return
		}
	}
	if len(data) == 0 || header.OpCode != ws.OpText {
		return
	}

	if s.handlers.OnMessage != nil {
		s.handlers.OnMessage(c, data)
	}
}

// RemoveConnection unregisters and closes c, then reports the disconnect.
// Concurrent callers (read error and heartbeat) are safe: only the first
// one reaches OnDisconnect.
func (s *Server) RemoveConnection(c *Connection) {
	if s.epoll != nil {
		_ = s.epoll.Remove(c.Conn)
	}

	if !s.conns.Remove(c.ID) {
		return
	}
	metrics.ConnectionsTotal.Dec()

	if s.handlers.OnDisconnect != nil {
		s.handlers.OnDisconnect(c)
	}

	log.Printf("ws: connection closed session=%s user=%s (total=%d)", c.ID, c.UserID, s.conns.Count())
}

// SendMessage queues a text frame for the connection with the given session
// id. It never blocks on the network.
func (s *Server) SendMessage(sessionID string, data []byte) error {
	c := s.conns.Get(sessionID)
	if c == nil {
		return fmt.Errorf("ws: connection %s not found", sessionID)
	}
	return c.WriteMessage(data)
}

// Broadcast queues a text frame for every open connection. It never blocks
// on the network.
func (s *Server) Broadcast(data []byte) {
	if failed := s.conns.Broadcast(data); failed > 0 {
		log.Printf("ws: broadcast failed for %d connection(s)", failed)
	}
}

// Connections returns the ConnectionManager.
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// Shutdown stops accepting upgrades, stops the event loop and closes every
// connection. Every connection is closed before any disconnect callback runs,
// so releasing sessions does not fan out to peers that are going away. Once
// ctx expires the remaining callbacks are skipped.
func (s *Server) Shutdown(ctx context.Context) error {
	if !s.closed.CompareAndSwap(false, true) {
		return ErrServerClosed
	}
	log.Println("ws: shutting down server...")

	close(s.done)

	if err := s.httpServer.Shutdown(ctx); err != nil {
		log.Printf("ws: http shutdown error: %v", err)
	}

	var closed []*Connection
	for _, c := range s.conns.All() {
		if s.epoll != nil {
			_ = s.epoll.Remove(c.Conn)
		}
		if s.conns.Remove(c.ID) {
			metrics.ConnectionsTotal.Dec()
			closed = append(closed, c)
		}
	}

	if s.epoll != nil {
		_ = s.epoll.Close()
	}

	released := 0
	if s.handlers.OnDisconnect != nil {
		for _, c := range closed {
			if ctx.Err() != nil {
				log.Printf("ws: shutdown deadline reached, %d session(s) not released", len(closed)-released)
				break
			}
			s.handlers.OnDisconnect(c)
			released++
		}
	}

	log.Printf("ws: server stopped, %d connection(s) closed", len(closed))
	return nil
}

// isEINTR reports whether err is an interrupted system call, which happens
// during signal handling and should be retried.
func isEINTR(err error) bool {
	if err == nil {
		return false
	}
	return err.Error() == "interrupted system call" ||
		err.Error() == "errno 4"
}
