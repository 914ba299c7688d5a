package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// startServer serves on a loopback port and returns the upgrade URL.
func startServer(t *testing.T, h Handlers) (*Server, string) {
	t.Helper()
	cfg := DefaultServerConfig()
	cfg.ReadTimeout = 2 * time.Second
	cfg.WriteTimeout = 2 * time.Second
	cfg.Heartbeat = HeartbeatConfig{} // disabled

	s := NewServer(cfg)
	s.SetHandlers(h)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() { _ = s.Serve(ln) }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
	})
	return s, "ws://" + ln.Addr().String() + "/ws"
}

// clientConn reads through any bytes buffered during the handshake.
type clientConn struct {
	io.Reader
	net.Conn
}

// dial opens a client connection as userID.
func dial(t *testing.T, url, userID string) *clientConn {
	t.Helper()
	dialer := ws.Dialer{
		Header:  ws.HandshakeHeaderHTTP(http.Header{UserIDHeader: []string{userID}}),
		Timeout: 2 * time.Second,
	}
	conn, br, _, err := dialer.Dial(context.Background(), url)
	if err != nil {
		t.Fatalf("dial as %s: %v", userID, err)
	}
	t.Cleanup(func() { conn.Close() })

	var r io.Reader = conn
	if br != nil {
		r = io.MultiReader(br, conn)
	}
	_ = conn.SetDeadline(time.Now().Add(5 * time.Second))
	return &clientConn{Reader: r, Conn: conn}
}

func readText(t *testing.T, c *clientConn) string {
	t.Helper()
	data, err := wsutil.ReadServerText(struct {
		io.Reader
		io.Writer
	}{c.Reader, c.Conn})
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	return string(data)
}

// ---------------------------------------------------------------------------
// Test: Identity extraction
// ---------------------------------------------------------------------------

func TestUserIDFromRequest(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/ws?userId=query-user", nil)
	if got := UserIDFromRequest(r); got != "query-user" {
		t.Errorf("expected query fallback, got %q", got)
	}

	r.Header.Set(UserIDHeader, "header-user")
	if got := UserIDFromRequest(r); got != "header-user" {
		t.Errorf("expected header to win, got %q", got)
	}

	r = httptest.NewRequest(http.MethodGet, "/ws?userId=%20", nil)
	if got := UserIDFromRequest(r); got != "" {
		t.Errorf("expected blank identity, got %q", got)
	}
}

// ---------------------------------------------------------------------------
// Test: HTTP routes
// ---------------------------------------------------------------------------

func TestUpgradeWithoutIdentityIsUnauthorized(t *testing.T) {
	var connects int32
	s := NewServer(DefaultServerConfig())
	s.SetHandlers(Handlers{OnConnect: func(*Connection) error {
		atomic.AddInt32(&connects, 1)
		return nil
	}})

	for _, path := range []string{"/ws", "/"} {
		r := httptest.NewRequest(http.MethodGet, path, nil)
		r.Header.Set("Upgrade", "websocket")
		r.Header.Set("Connection", "Upgrade")
		w := httptest.NewRecorder()
		s.Handler().ServeHTTP(w, r)

		if w.Code != http.StatusUnauthorized {
			t.Errorf("%s: expected 401, got %d", path, w.Code)
		}
	}
	if n := atomic.LoadInt32(&connects); n != 0 {
		t.Errorf("expected no OnConnect calls, got %d", n)
	}
	if n := s.Connections().Count(); n != 0 {
		t.Errorf("expected no connections, got %d", n)
	}
}

func TestStatusRoutes(t *testing.T) {
	s := NewServer(DefaultServerConfig())

	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	if w.Code != http.StatusOK || w.Body.String() != "presence relay is running" {
		t.Errorf("unexpected status page: %d %q", w.Code, w.Body.String())
	}

	w = httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	var health struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &health); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if health.Status != "ok" || health.Connections != 0 {
		t.Errorf("unexpected health: %+v", health)
	}

	w = httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/nope", nil))
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown path, got %d", w.Code)
	}

	w = httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(w.Body.String(), "relay_connections_total") {
		t.Error("expected relay metrics to be exposed")
	}
}

// ---------------------------------------------------------------------------
// Test: Connection lifecycle over a real socket
// ---------------------------------------------------------------------------

func TestConnectMessageDisconnect(t *testing.T) {
	connected := make(chan *Connection, 1)
	disconnected := make(chan string, 2)

	s, url := startServer(t, Handlers{
		OnConnect: func(c *Connection) error {
			connected <- c
			return c.WriteMessage([]byte("hello " + c.UserID))
		},
		OnMessage: func(c *Connection, data []byte) {
			_ = c.WriteMessage(append([]byte("echo "), data...))
		},
		OnDisconnect: func(c *Connection) {
			disconnected <- c.ID
		},
	})

	client := dial(t, url, "alice")
	c := <-connected
	if c.UserID != "alice" || c.ID == "" {
		t.Fatalf("unexpected connection identity: user=%q id=%q", c.UserID, c.ID)
	}
	if got := readText(t, client); got != "hello alice" {
		t.Fatalf("expected greeting, got %q", got)
	}

	if err := wsutil.WriteClientText(client.Conn, []byte("hi")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if got := readText(t, client); got != "echo hi" {
		t.Fatalf("expected echo, got %q", got)
	}

	if err := s.SendMessage(c.ID, []byte("direct")); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if got := readText(t, client); got != "direct" {
		t.Fatalf("expected direct message, got %q", got)
	}
	if err := s.SendMessage("missing", []byte("x")); err == nil {
		t.Error("expected error for unknown session")
	}

	client.Conn.Close()
	select {
	case id := <-disconnected:
		if id != c.ID {
			t.Errorf("expected disconnect for %s, got %s", c.ID, id)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for disconnect")
	}

	select {
	case id := <-disconnected:
		t.Errorf("disconnect reported twice for %s", id)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRejectedConnectDropsConnection(t *testing.T) {
	disconnected := make(chan struct{}, 2)
	s, url := startServer(t, Handlers{
		OnConnect: func(*Connection) error { return io.ErrUnexpectedEOF },
		OnDisconnect: func(*Connection) {
			disconnected <- struct{}{}
		},
	})

	client := dial(t, url, "bob")
	buf := make([]byte, 1)
	if _, err := client.Reader.Read(buf); err == nil {
		t.Fatal("expected the server to close the connection")
	}
	select {
	case <-disconnected:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for disconnect callback")
	}
	if n := s.Connections().Count(); n != 0 {
		t.Errorf("expected no live connections, got %d", n)
	}
}

func TestBroadcastReachesEveryConnection(t *testing.T) {
	connected := make(chan struct{}, 2)
	s, url := startServer(t, Handlers{
		OnConnect: func(*Connection) error {
			connected <- struct{}{}
			return nil
		},
	})

	a := dial(t, url, "alice")
	b := dial(t, url, "bob")
	<-connected
	<-connected

	s.Broadcast([]byte("all"))

	for _, c := range []*clientConn{a, b} {
		if got := readText(t, c); got != "all" {
			t.Errorf("expected broadcast, got %q", got)
		}
	}
}

// ---------------------------------------------------------------------------
// Test: Heartbeat reaping
// ---------------------------------------------------------------------------

func TestReapEvictsStaleConnections(t *testing.T) {
	var disconnected []string
	s := NewServer(DefaultServerConfig())
	s.SetHandlers(Handlers{OnDisconnect: func(c *Connection) {
		disconnected = append(disconnected, c.ID)
	}})

	server, client := net.Pipe()
	defer client.Close()
	c := &Connection{ID: "stale", UserID: "alice", Conn: server, Fd: -1, CreatedAt: time.Now()}
	c.lastSeen.Store(time.Now().Add(-time.Hour).UnixNano())
	s.Connections().Add(c)

	cfg := HeartbeatConfig{Interval: time.Second, Timeout: time.Second}
	if n := reapConnections(s, cfg, time.Now()); n != 1 {
		t.Fatalf("expected 1 eviction, got %d", n)
	}
	if len(disconnected) != 1 || disconnected[0] != "stale" {
		t.Errorf("expected disconnect callback for stale, got %v", disconnected)
	}
	if s.Connections().Count() != 0 {
		t.Errorf("expected connection removed")
	}
}

// ---------------------------------------------------------------------------
// Test: Outbound queue
// ---------------------------------------------------------------------------

// attachPipe attaches the server end of an in-memory pipe. The peer end is
// returned unread.
func attachPipe(t *testing.T, s *Server, id string) (*Connection, net.Conn) {
	t.Helper()
	server, peer := net.Pipe()
	t.Cleanup(func() { peer.Close() })
	c := &Connection{ID: id, UserID: "user-" + id, Conn: server, Fd: -1}
	s.Attach(c)
	return c, peer
}

func TestWritesToNonReadingPeerDoNotBlock(t *testing.T) {
	cfg := DefaultServerConfig()
	cfg.WriteTimeout = 100 * time.Millisecond
	s := NewServer(cfg)
	disconnected := make(chan string, 2)
	s.SetHandlers(Handlers{OnDisconnect: func(c *Connection) {
		disconnected <- c.ID
	}})

	stuck, _ := attachPipe(t, s, "stuck")

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 10; i++ {
			if err := stuck.WriteMessage([]byte("frame")); err != nil {
				t.Errorf("WriteMessage %d: %v", i, err)
				return
			}
			_ = stuck.WritePing()
			s.Broadcast([]byte("all"))
		}
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("writes blocked on a peer that does not read")
	}

	select {
	case id := <-disconnected:
		if id != "stuck" {
			t.Errorf("expected disconnect for stuck, got %s", id)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("write timeout did not remove the connection")
	}

	if s.Connections().Count() != 0 {
		t.Errorf("expected connection removed")
	}
	if err := stuck.WriteMessage([]byte("late")); !errors.Is(err, ErrConnectionClosed) {
		t.Errorf("expected ErrConnectionClosed after failure, got %v", err)
	}
}

func TestOutboundQueueOverflowDropsConnection(t *testing.T) {
	cfg := DefaultServerConfig()
	cfg.WriteTimeout = 5 * time.Second
	s := NewServer(cfg)
	disconnected := make(chan string, 2)
	s.SetHandlers(Handlers{OnDisconnect: func(c *Connection) {
		disconnected <- c.ID
	}})

	slow, _ := attachPipe(t, s, "slow")

	var overflow error
	for i := 0; i < 2*maxPendingFrames+2; i++ {
		if err := slow.WriteMessage([]byte("x")); err != nil {
			overflow = err
			break
		}
	}
	if !errors.Is(overflow, ErrSlowConsumer) {
		t.Fatalf("expected ErrSlowConsumer, got %v", overflow)
	}

	select {
	case <-disconnected:
	case <-time.After(2 * time.Second):
		t.Fatal("overflowing connection was not removed")
	}
}

func TestQueuedFramesKeepOrder(t *testing.T) {
	s := NewServer(DefaultServerConfig())
	c, peer := attachPipe(t, s, "ordered")

	for i := 0; i < 20; i++ {
		if err := c.WriteMessage([]byte(fmt.Sprintf("m%d", i))); err != nil {
			t.Fatalf("WriteMessage: %v", err)
		}
	}
	for i := 0; i < 20; i++ {
		_ = peer.SetReadDeadline(time.Now().Add(2 * time.Second))
		data, _, err := wsutil.ReadServerData(peer)
		if err != nil {
			t.Fatalf("read %d: %v", i, err)
		}
		if want := fmt.Sprintf("m%d", i); string(data) != want {
			t.Fatalf("frame %d: expected %q, got %q", i, want, data)
		}
	}
}

// ---------------------------------------------------------------------------
// Test: Shutdown releases sessions
// ---------------------------------------------------------------------------

func TestShutdownReleasesEverySession(t *testing.T) {
	s := NewServer(DefaultServerConfig())
	var released []string
	s.SetHandlers(Handlers{OnDisconnect: func(c *Connection) {
		// Every connection is already closed when callbacks run.
		if n := s.Connections().Count(); n != 0 {
			t.Errorf("callback saw %d live connection(s)", n)
		}
		released = append(released, c.ID)
	}})

	attachPipe(t, s, "a")
	attachPipe(t, s, "b")

	if err := s.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error: %v", err)
	}
	if len(released) != 2 {
		t.Errorf("expected 2 released sessions, got %v", released)
	}
	if err := s.Shutdown(context.Background()); !errors.Is(err, ErrServerClosed) {
		t.Errorf("second Shutdown: expected ErrServerClosed, got %v", err)
	}
}

func TestShutdownSkipsCallbacksAfterDeadline(t *testing.T) {
	s := NewServer(DefaultServerConfig())
	calls := 0
	s.SetHandlers(Handlers{OnDisconnect: func(*Connection) { calls++ }})
	attachPipe(t, s, "a")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_ = s.Shutdown(ctx)

	if calls != 0 {
		t.Errorf("expected no callbacks after the deadline, got %d", calls)
	}
	if s.Connections().Count() != 0 {
		t.Errorf("expected connections closed")
	}
}
