// Package gateway admits connections, binds them to a user, and dispatches
// their inbound events. It owns the order of operations around presence
// transitions: the registry is mutated first and the matching broadcast is
// sent before any other transition can be applied.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/snapgram/presence-relay/internal/metrics"
	"github.com/snapgram/presence-relay/internal/presence"
	"github.com/snapgram/presence-relay/internal/protocol"
	"github.com/snapgram/presence-relay/internal/room"
	"github.com/snapgram/presence-relay/internal/session"
)

var (
	// ErrAdmission is returned when a connection carries no user identity.
	ErrAdmission = errors.New("gateway: missing user identity")

	// ErrDuplicateSession is returned when a session id is admitted twice.
	ErrDuplicateSession = errors.New("gateway: session already admitted")
)

// mirrorTimeout bounds each session-mirror write.
const mirrorTimeout = 3 * time.Second

// Conn is the gateway's view of one live connection.
type Conn interface {
	SessionID() string
	WriteMessage(data []byte) error
	Close() error
}

// Notifier enriches and delivers notifications asynchronously.
// enrich.Pipeline implements it.
type Notifier interface {
	Dispatch(ctx context.Context, n protocol.Notification)
}

// SessionMirror records live sessions outside the process. session.Store
// implements it.
type SessionMirror interface {
	Create(ctx context.Context, sess session.Session) error
	Delete(ctx context.Context, sess session.Session) error
}

// Publisher announces presence transitions to other services.
// messaging.NATSClient implements it.
type Publisher interface {
	PublishPresence(userID string, online bool) error
}

// Options holds the gateway's optional collaborators.
type Options struct {
	Mirror    SessionMirror // nil disables mirroring
	Publisher Publisher     // nil disables transition publishing
}

// Handler processes one parsed client event for an admitted session.
type Handler func(sess session.Session, conn Conn, msg interface{})

// Gateway is the entry point for every connection.
type Gateway struct {
	registry  *presence.Registry
	router    *room.Router
	notifier  Notifier
	mirror    SessionMirror
	publisher Publisher

	live sync.Map // session_id -> session.Session

	// transitionMu orders registry mutations with their broadcasts. Only
	// in-memory work and transport enqueues happen while it is held.
	transitionMu sync.Mutex
	handlers     map[string]Handler
}

// New creates a Gateway and registers the built-in event handlers.
func New(registry *presence.Registry, router *room.Router, notifier Notifier, opts Options) *Gateway {
	g := &Gateway{
		registry:  registry,
		router:    router,
		notifier:  notifier,
		mirror:    opts.Mirror,
		publisher: opts.Publisher,
		handlers:  make(map[string]Handler),
	}

	g.Register(protocol.EventChatSend, g.handleChat)
	g.Register(protocol.EventTyping, g.handleDirected(protocol.EventTyping))
	g.Register(protocol.EventStopTyping, g.handleDirected(protocol.EventStopTyping))
	g.Register(protocol.EventNotification, g.handleNotification)
	g.Register(protocol.EventPing, g.handlePing)
	return g
}

// Register associates a Handler with a client event. If a handler was
// already registered for the event, it is replaced.
func (g *Gateway) Register(event string, handler Handler) {
	g.handlers[event] = handler
}

// OnConnect admits conn as claimedUserID. A blank identity is rejected: the
// connection is closed, nothing is recorded and nothing is emitted. On
// success the session is registered and bound to its room, presence:online
// is broadcast if this is the user's first session, and the new session is
// sent the current presence:list.
func (g *Gateway) OnConnect(conn Conn, claimedUserID string) error {
	sid := conn.SessionID()
	if strings.TrimSpace(claimedUserID) == "" {
		metrics.AdmissionsTotal.WithLabelValues("rejected").Inc()
		log.Printf("gateway: rejected session=%s: missing identity", sid)
		_ = conn.Close()
		return ErrAdmission
	}

	sess := session.New(sid, claimedUserID)
	if _, loaded := g.live.LoadOrStore(sid, sess); loaded {
		_ = conn.Close()
		return fmt.Errorf("%w: %s", ErrDuplicateSession, sid)
	}

	g.transitionMu.Lock()
	tr, err := g.registry.Register(sess.UserID, sid)
	if err != nil {
		g.transitionMu.Unlock()
		g.live.Delete(sid)
		metrics.AdmissionsTotal.WithLabelValues("rejected").Inc()
		_ = conn.Close()
		return fmt.Errorf("gateway: register session=%s: %w", sid, err)
	}
	g.router.Bind(sess.UserID, sid)
	if tr == presence.BecameOnline {
		g.router.BroadcastAll(protocol.EventPresenceOnline, protocol.PresenceMsg{UserID: sess.UserID})
	}
	online := g.registry.ListOnlineUsers()
	g.transitionMu.Unlock()

	metrics.AdmissionsTotal.WithLabelValues("accepted").Inc()
	g.observe(tr)
	g.send(conn, protocol.EventPresenceList, protocol.PresenceListMsg{Online: online})

	if tr == presence.BecameOnline {
		g.publish(sess.UserID, true)
	}
	g.mirrorCreate(sess)

	log.Printf("gateway: admitted session=%s user=%s presence=%s", sid, sess.UserID, tr)
	return nil
}

// OnDisconnect releases conn's session. It is safe to call more than once;
// only the first call has any effect.
func (g *Gateway) OnDisconnect(conn Conn) {
	v, ok := g.live.LoadAndDelete(conn.SessionID())
	if !ok {
		return
	}
	sess := v.(session.Session)

	g.transitionMu.Lock()
	tr := g.registry.Unregister(sess.UserID, sess.ID)
	g.router.Unbind(sess.UserID, sess.ID)
	if tr == presence.BecameOffline {
		g.router.BroadcastAll(protocol.EventPresenceOffline, protocol.PresenceMsg{UserID: sess.UserID})
	}
	g.transitionMu.Unlock()

	g.observe(tr)
	if tr == presence.BecameOffline {
		g.publish(sess.UserID, false)
	}
	g.mirrorDelete(sess)

	log.Printf("gateway: released session=%s user=%s presence=%s", sess.ID, sess.UserID, tr)
}

// OnMessage parses one inbound frame and runs its handler. Rejected frames
// get an error event back; a panicking handler is logged and the event is
// dropped without affecting the connection.
func (g *Gateway) OnMessage(conn Conn, data []byte) {
	v, ok := g.live.Load(conn.SessionID())
	if !ok {
		log.Printf("gateway: message from unknown session=%s dropped", conn.SessionID())
		return
	}
	sess := v.(session.Session)

	event, msg, err := protocol.ParseClientMessage(data)
	if err != nil {
		code := errorCode(err)
		log.Printf("gateway: rejected event=%q session=%s code=%s: %v", event, sess.ID, code, err)
		metrics.EventsTotal.WithLabelValues(eventLabel(event), "rejected").Inc()
		g.sendError(conn, code, err.Error())
		return
	}

	handler, ok := g.handlers[event]
	if !ok {
		metrics.EventsTotal.WithLabelValues(eventLabel(event), "rejected").Inc()
		g.sendError(conn, "unsupported_event", "unsupported event")
		return
	}

	g.run(event, sess, conn, msg, handler)
}

// RelayNotification feeds a notification published by another service into
// the enrichment pipeline, exactly as if a client had sent it.
func (g *Gateway) RelayNotification(data []byte) error {
	n, err := protocol.ParseNotification(data)
	if err != nil {
		metrics.EventsTotal.WithLabelValues(protocol.EventNotification, "rejected").Inc()
		return fmt.Errorf("gateway: relay notification: %w", err)
	}
	metrics.EventsTotal.WithLabelValues(protocol.EventNotification, "accepted").Inc()
	g.notifier.Dispatch(context.Background(), n)
	return nil
}

// run invokes handler behind a recover boundary.
func (g *Gateway) run(event string, sess session.Session, conn Conn, msg interface{}, handler Handler) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("gateway: handler panic event=%s session=%s: %v", event, sess.ID, r)
			metrics.EventsTotal.WithLabelValues(event, "panic").Inc()
		}
	}()
	handler(sess, conn, msg)
	metrics.EventsTotal.WithLabelValues(event, "accepted").Inc()
}

func (g *Gateway) handleChat(_ session.Session, _ Conn, msg interface{}) {
	m := msg.(protocol.DirectedMsg)
	g.router.EmitToUser(m.To, protocol.EventChatMessage, m.Raw)
}

func (g *Gateway) handleDirected(event string) Handler {
	return func(_ session.Session, _ Conn, msg interface{}) {
		m := msg.(protocol.DirectedMsg)
		g.router.EmitToUser(m.To, event, m.Raw)
	}
}

func (g *Gateway) handleNotification(_ session.Session, _ Conn, msg interface{}) {
	g.notifier.Dispatch(context.Background(), msg.(protocol.Notification))
}

func (g *Gateway) handlePing(_ session.Session, conn Conn, _ interface{}) {
	g.send(conn, protocol.EventPong, protocol.PongMsg{})
}

// Stats returns the number of online users and live sessions.
func (g *Gateway) Stats() (users, sessions int) {
	return g.registry.Count()
}

func (g *Gateway) observe(tr presence.Transition) {
	switch tr {
	case presence.BecameOnline, presence.BecameOffline:
		metrics.PresenceTransitions.WithLabelValues(tr.String()).Inc()
	}
	users, _ := g.registry.Count()
	metrics.OnlineUsers.Set(float64(users))
}

func (g *Gateway) send(conn Conn, event string, payload interface{}) {
	data, err := protocol.NewServerMessage(event, payload)
	if err != nil {
		log.Printf("gateway: failed to build %s session=%s: %v", event, conn.SessionID(), err)
		return
	}
	if err := conn.WriteMessage(data); err != nil {
		log.Printf("gateway: failed to send %s session=%s: %v", event, conn.SessionID(), err)
	}
}

func (g *Gateway) sendError(conn Conn, code, message string) {
	g.send(conn, protocol.EventError, protocol.ErrorMsg{Code: code, Message: message})
}

func (g *Gateway) publish(userID string, online bool) {
	if g.publisher == nil {
		return
	}
	if err := g.publisher.PublishPresence(userID, online); err != nil {
		log.Printf("gateway: publish presence user=%s online=%v failed: %v", userID, online, err)
	}
}

func (g *Gateway) mirrorCreate(sess session.Session) {
	if g.mirror == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), mirrorTimeout)
	defer cancel()
	if err := g.mirror.Create(ctx, sess); err != nil {
		log.Printf("gateway: mirror create session=%s: %v", sess.ID, err)
	}
}

func (g *Gateway) mirrorDelete(sess session.Session) {
	if g.mirror == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), mirrorTimeout)
	defer cancel()
	if err := g.mirror.Delete(ctx, sess); err != nil {
		log.Printf("gateway: mirror delete session=%s: %v", sess.ID, err)
	}
}

// errorCode maps a parse failure to the code sent to the client.
func errorCode(err error) string {
	switch {
	case errors.Is(err, protocol.ErrMissingTarget):
		return "invalid_payload"
	case errors.Is(err, protocol.ErrUnknownEvent):
		return "unsupported_event"
	default:
		return "parse_error"
	}
}

// eventLabel keeps metric cardinality bounded for unknown event names.
func eventLabel(event string) string {
	switch event {
	case protocol.EventChatSend, protocol.EventNotification, protocol.EventTyping,
		protocol.EventStopTyping, protocol.EventPing:
		return event
	default:
		return "unknown"
	}
}
