// Package presence tracks which users are online and across how many
// sessions. A user is online exactly while at least one of its sessions is
// registered; Register and Unregister report the boundary crossings.
package presence

import (
	"errors"
	"sync"
)

// Transition is the presence outcome of a Register or Unregister call.
type Transition int

const (
	// BecameOnline: the user's first session was registered.
	BecameOnline Transition = iota + 1
	// AlreadyOnline: the user already had at least one session.
	AlreadyOnline
	// BecameOffline: the user's last session was removed.
	BecameOffline
	// StillOnline: a session was removed but others remain.
	StillOnline
	// NotFound: the session was not registered under that user.
	NotFound
)

func (t Transition) String() string {
	switch t {
	case BecameOnline:
		return "became_online"
	case AlreadyOnline:
		return "already_online"
	case BecameOffline:
		return "became_offline"
	case StillOnline:
		return "still_online"
	case NotFound:
		return "not_found"
	default:
		return "unknown"
	}
}

// ErrSessionConflict is returned when a session id is already bound to a
// different user.
var ErrSessionConflict = errors.New("presence: session already bound to another user")

// Registry maps user ids to their set of live session ids. All methods are
// safe for concurrent use; the empty/non-empty check and the mutation happen
// under one lock so a transition is never missed or duplicated.
type Registry struct {
	mu       sync.RWMutex
	users    map[string]map[string]struct{} // user_id -> session ids
	sessions map[string]string              // session_id -> user_id
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		users:    make(map[string]map[string]struct{}),
		sessions: make(map[string]string),
	}
}

// Register adds sessionID to userID's session set. It returns BecameOnline
// iff the set was empty before the call. Registering the same pair twice is
// idempotent and reports AlreadyOnline.
func (r *Registry) Register(userID, sessionID string) (Transition, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if owner, ok := r.sessions[sessionID]; ok && owner != userID {
		return 0, ErrSessionConflict
	}

	set, ok := r.users[userID]
	if !ok {
		set = make(map[string]struct{})
		r.users[userID] = set
	}
	set[sessionID] = struct{}{}
	r.sessions[sessionID] = userID

	if !ok {
		return BecameOnline, nil
	}
	return AlreadyOnline, nil
}

// Unregister removes sessionID from userID's set and deletes the entry when
// it becomes empty. A session that is not registered under userID reports
// NotFound, which makes a repeated disconnect harmless.
func (r *Registry) Unregister(userID, sessionID string) Transition {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.users[userID]
	if !ok {
		return NotFound
	}
	if _, ok := set[sessionID]; !ok {
		return NotFound
	}

	delete(set, sessionID)
	delete(r.sessions, sessionID)

	if len(set) == 0 {
		delete(r.users, userID)
		return BecameOffline
	}
	return StillOnline
}

// ListOnlineUsers returns a snapshot of every user with at least one
// session. Order is unspecified.
func (r *Registry) ListOnlineUsers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	users := make([]string, 0, len(r.users))
	for userID := range r.users {
		users = append(users, userID)
	}
	return users
}

// Sessions returns a snapshot of userID's session ids.
func (r *Registry) Sessions(userID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set := r.users[userID]
	if len(set) == 0 {
		return nil
	}
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	return ids
}

// IsOnline reports whether userID has at least one session.
func (r *Registry) IsOnline(userID string) bool {
	r.mu.RLock()
	_, ok := r.users[userID]
	r.mu.RUnlock()
	return ok
}

// Count returns the number of online users and of live sessions.
func (r *Registry) Count() (users, sessions int) {
	r.mu.RLock()
	users, sessions = len(r.users), len(r.sessions)
	r.mu.RUnlock()
	return users, sessions
}
