// Package room delivers server events to every session bound to a user.
// Each user has one room, named "user:<id>", whose members are the user's
// live sessions. Delivery is fire-and-forget.
package room

import (
	"log"
	"sync"

	"github.com/snapgram/presence-relay/internal/metrics"
	"github.com/snapgram/presence-relay/internal/protocol"
)

// Prefix is prepended to a user id to form its room name.
const Prefix = "user:"

// Name returns the room name for userID.
func Name(userID string) string {
	return Prefix + userID
}

// Transport hands encoded frames to live sessions. ws.Server implements it.
//
// Both methods are called while presence transitions are serialized, so they
// must queue the frame and return without waiting on the network. Frames
// queued for one session are delivered in call order.
type Transport interface {
	// SendMessage queues one frame for the given session.
	SendMessage(sessionID string, data []byte) error
	// Broadcast queues one frame for every open connection.
	Broadcast(data []byte)
}

// Router maintains room membership and fans events out to room members.
type Router struct {
	transport Transport

	mu    sync.RWMutex
	rooms map[string]map[string]struct{} // room name -> session ids
}

// NewRouter creates a Router that delivers through transport.
func NewRouter(transport Transport) *Router {
	return &Router{
		transport: transport,
		rooms:     make(map[string]map[string]struct{}),
	}
}

// Bind subscribes sessionID to userID's room.
func (r *Router) Bind(userID, sessionID string) {
	name := Name(userID)

	r.mu.Lock()
	members, ok := r.rooms[name]
	if !ok {
		members = make(map[string]struct{})
		r.rooms[name] = members
	}
	members[sessionID] = struct{}{}
	r.mu.Unlock()
}

// Unbind removes sessionID from userID's room, dropping the room when empty.
func (r *Router) Unbind(userID, sessionID string) {
	name := Name(userID)

	r.mu.Lock()
	if members, ok := r.rooms[name]; ok {
		delete(members, sessionID)
		if len(members) == 0 {
			delete(r.rooms, name)
		}
	}
	r.mu.Unlock()
}

// Members returns a snapshot of the sessions bound to userID.
func (r *Router) Members(userID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	members := r.rooms[Name(userID)]
	if len(members) == 0 {
		return nil
	}
	ids := make([]string, 0, len(members))
	for id := range members {
		ids = append(ids, id)
	}
	return ids
}

// EmitToUser sends payload under event to every session bound to userID and
// returns the number of sessions written successfully. A user with no bound
// sessions is a silent no-op: nothing is queued.
func (r *Router) EmitToUser(userID, event string, payload interface{}) int {
	targets := r.Members(userID)
	if len(targets) == 0 {
		metrics.DeliveriesTotal.WithLabelValues(event, "no_recipient").Inc()
		return 0
	}

	data, err := protocol.NewServerMessage(event, payload)
	if err != nil {
		log.Printf("room: failed to build %s for %s: %v", event, Name(userID), err)
		return 0
	}

	sent := 0
	for _, sid := range targets {
		if err := r.transport.SendMessage(sid, data); err != nil {
			log.Printf("room: deliver %s to session=%s room=%s failed: %v", event, sid, Name(userID), err)
			metrics.DeliveriesTotal.WithLabelValues(event, "failed").Inc()
			continue
		}
		metrics.DeliveriesTotal.WithLabelValues(event, "sent").Inc()
		sent++
	}
	return sent
}

// BroadcastAll sends payload under event to every connected session,
// regardless of room membership.
func (r *Router) BroadcastAll(event string, payload interface{}) {
	data, err := protocol.NewServerMessage(event, payload)
	if err != nil {
		log.Printf("room: failed to build broadcast %s: %v", event, err)
		return
	}
	r.transport.Broadcast(data)
	metrics.DeliveriesTotal.WithLabelValues(event, "broadcast").Inc()
}
