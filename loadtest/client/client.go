// Package client is a WebSocket client for load testing the presence relay.
// It connects as a given user, decodes the relay's {event, data} envelope and
// hands each event to a registered handler.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Relay event names.
const (
	EventChatSend        = "chat:send"
	EventChatMessage     = "chat:message"
	EventTyping          = "typing"
	EventNotification    = "notification"
	EventPresenceOnline  = "presence:online"
	EventPresenceOffline = "presence:offline"
	EventPresenceList    = "presence:list"
	EventError           = "error"
	EventPing            = "ping"
	EventPong            = "pong"
)

// Envelope is one relay frame.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Metrics tracks per-connection performance data.
type Metrics struct {
	ConnectLatency   time.Duration
	ReadyLatency     time.Duration // dial start until presence:list arrived
	MessagesReceived int64
	MessagesSent     int64
	Errors           int64
}

// Client is one simulated user connection.
type Client struct {
	UserID string

	conn      net.Conn
	reader    io.Reader
	writeMu   sync.Mutex
	handlerMu sync.RWMutex
	handlers  map[string]func(json.RawMessage)

	start     time.Time
	connectNs atomic.Int64
	readyNs   atomic.Int64
	received  atomic.Int64
	sent      atomic.Int64
	errors    atomic.Int64

	ready     chan struct{}
	readyOnce sync.Once
	done      chan struct{}
	closeOnce sync.Once
}

// New connects to url as userID. The identity travels in the X-User-Id
// header, as the upstream auth layer would set it.
func New(ctx context.Context, url, userID string) (*Client, error) {
	c := &Client{
		UserID:   userID,
		handlers: make(map[string]func(json.RawMessage)),
		ready:    make(chan struct{}),
		done:     make(chan struct{}),
		start:    time.Now(),
	}

	dialer := ws.Dialer{
		Header: ws.HandshakeHeaderHTTP(http.Header{"X-User-Id": []string{userID}}),
	}
	conn, br, _, err := dialer.Dial(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	c.conn = conn
	c.reader = conn
	if br != nil {
		// The relay may write presence frames right behind the handshake.
		c.reader = io.MultiReader(br, conn)
	}
	c.connectNs.Store(int64(time.Since(c.start)))

	go c.readLoop()
	return c, nil
}

// Send writes one event to the relay. It is goroutine-safe.
func (c *Client) Send(event string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	frame, err := json.Marshal(Envelope{Event: event, Data: data})
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.sent.Add(1)
	return wsutil.WriteClientMessage(c.conn, ws.OpText, frame)
}

// On registers the handler for a server event, replacing any earlier one.
// Handlers run on the read goroutine.
func (c *Client) On(event string, handler func(json.RawMessage)) {
	c.handlerMu.Lock()
	c.handlers[event] = handler
	c.handlerMu.Unlock()
}

// WaitReady blocks until the relay has sent this session its presence:list.
func (c *Client) WaitReady(ctx context.Context) error {
	select {
	case <-c.ready:
		return nil
	case <-c.done:
		return fmt.Errorf("connection closed before presence list arrived")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close closes the connection. It is safe to call multiple times.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

// Alive reports whether the read loop is still running without error.
func (c *Client) Alive() bool {
	return c.errors.Load() == 0
}

// GetMetrics returns a snapshot of the client's metrics.
func (c *Client) GetMetrics() Metrics {
	return Metrics{
		ConnectLatency:   time.Duration(c.connectNs.Load()),
		ReadyLatency:     time.Duration(c.readyNs.Load()),
		MessagesReceived: c.received.Load(),
		MessagesSent:     c.sent.Load(),
		Errors:           c.errors.Load(),
	}
}

// lockedWriter sends control-frame replies from the read loop under the
// client's write lock.
type lockedWriter struct{ c *Client }

func (w lockedWriter) Write(p []byte) (int, error) {
	w.c.writeMu.Lock()
	defer w.c.writeMu.Unlock()
	return w.c.conn.Write(p)
}

func (c *Client) readLoop() {
	rw := struct {
		io.Reader
		io.Writer
	}{c.reader, lockedWriter{c}}
	for {
		data, err := wsutil.ReadServerText(rw)
		if err != nil {
			select {
			case <-c.done:
			default:
				c.errors.Add(1)
			}
			return
		}
		c.received.Add(1)

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}

		if env.Event == EventPresenceList {
			c.readyOnce.Do(func() {
				c.readyNs.Store(int64(time.Since(c.start)))
				close(c.ready)
			})
		}

		c.handlerMu.RLock()
		handler := c.handlers[env.Event]
		c.handlerMu.RUnlock()
		if handler != nil {
			handler(env.Data)
		}
	}
}
