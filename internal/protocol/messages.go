// Package protocol defines the event envelope exchanged over the persistent
// connection between clients and the relay. Every frame is a JSON object of
// the form {"event": "<name>", "data": <payload>}.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ---------------------------------------------------------------------------
// Event name constants
// ---------------------------------------------------------------------------

// Client -> Server events.
const (
	EventChatSend     = "chat:send"
	EventNotification = "notification"
	EventTyping       = "typing"
	EventStopTyping   = "stop:typing"
	EventPing         = "ping"
)

// Server -> Client events. EventNotification and the typing events are
// reused in this direction under the same name.
const (
	EventPresenceOnline  = "presence:online"
	EventPresenceList    = "presence:list"
	EventPresenceOffline = "presence:offline"
	EventChatMessage     = "chat:message"
	EventError           = "error"
	EventPong            = "pong"
)

// Parse failures. Callers map these to client-facing error codes.
var (
	ErrMalformed     = errors.New("protocol: malformed frame")
	ErrUnknownEvent  = errors.New("protocol: unknown client event")
	ErrMissingTarget = errors.New("protocol: missing \"to\" field")
)

// ---------------------------------------------------------------------------
// Envelope
// ---------------------------------------------------------------------------

// Envelope carries the event name and the undecoded payload.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// ---------------------------------------------------------------------------
// Client -> Server payloads
// ---------------------------------------------------------------------------

// DirectedMsg is a chat:send, typing or stop:typing payload. Only the routing
// fields are extracted; Raw is forwarded to the recipient untouched.
type DirectedMsg struct {
	From string
	To   string
	Raw  json.RawMessage
}

// PingMsg is a client keepalive.
type PingMsg struct{}

// ---------------------------------------------------------------------------
// Server -> Client payloads
// ---------------------------------------------------------------------------

// PresenceMsg announces a single user's online/offline transition.
type PresenceMsg struct {
	UserID string `json:"userId"`
}

// PresenceListMsg is the snapshot of online users sent to a new session.
type PresenceListMsg struct {
	Online []string `json:"online"`
}

// ErrorMsg is sent to the offending session when one of its frames is rejected.
type ErrorMsg struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongMsg answers a client ping.
type PongMsg struct{}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage decodes a raw frame into its event name and a typed
// payload: DirectedMsg for chat and typing events, Notification for
// notifications and PingMsg for pings. Every routed payload must carry a
// non-empty string "to"; anything else is passed through as-is.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.Event == "" {
		return "", nil, fmt.Errorf("%w: missing or empty \"event\" field", ErrMalformed)
	}

	switch env.Event {
	case EventChatSend, EventTyping, EventStopTyping:
		msg, err := parseDirected(env.Data)
		if err != nil {
			return env.Event, nil, err
		}
		return env.Event, msg, nil
	case EventNotification:
		n, err := ParseNotification(env.Data)
		if err != nil {
			return env.Event, nil, err
		}
		return env.Event, n, nil
	case EventPing:
		return env.Event, PingMsg{}, nil
	default:
		return env.Event, nil, fmt.Errorf("%w: %q", ErrUnknownEvent, env.Event)
	}
}

// NewServerMessage wraps payload in an envelope under the given event name.
// A json.RawMessage payload is embedded verbatim.
func NewServerMessage(event string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal %q payload: %w", event, err)
	}

	out, err := json.Marshal(Envelope{Event: event, Data: raw})
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}

func parseDirected(data json.RawMessage) (DirectedMsg, error) {
	fields, err := decodeObject(data)
	if err != nil {
		return DirectedMsg{}, err
	}

	to, ok := stringField(fields, "to")
	if !ok || to == "" {
		return DirectedMsg{}, ErrMissingTarget
	}
	from, _ := stringField(fields, "from")

	return DirectedMsg{From: from, To: to, Raw: data}, nil
}

func decodeObject(data json.RawMessage) (map[string]json.RawMessage, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: missing \"data\" object", ErrMalformed)
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("%w: payload is not an object: %v", ErrMalformed, err)
	}
	if fields == nil {
		return nil, fmt.Errorf("%w: payload is null", ErrMalformed)
	}
	return fields, nil
}

// stringField reports the string value of fields[name]. Non-string values
// report false.
func stringField(fields map[string]json.RawMessage, name string) (string, bool) {
	raw, ok := fields[name]
	if !ok {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}
