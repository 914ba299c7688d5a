package protocol

import (
	"encoding/json"
	"fmt"
)

// Notification kinds emitted by the social backend. The set is open; any
// other value is relayed unchanged.
const (
	NotificationLike    = "LIKE"
	NotificationComment = "COMMENT"
	NotificationFollow  = "FOLLOW"
)

// Fields added by enrichment. Client-supplied values under these keys are
// discarded so a sender cannot spoof them.
const (
	fieldSenderUsername = "senderUsername"
	fieldSenderImage    = "senderImage"
	fieldPostPreview    = "postPreview"
)

// Notification is a bare notification payload. The well-known fields are
// extracted for routing and enrichment; every field of the original object,
// known or not, is kept and re-emitted on delivery.
type Notification struct {
	Type     string
	From     string
	To       string
	EntityID string

	fields map[string]json.RawMessage
}

// ParseNotification decodes a notification payload. It fails only when the
// payload is not a JSON object or has no "to".
func ParseNotification(data json.RawMessage) (Notification, error) {
	fields, err := decodeObject(data)
	if err != nil {
		return Notification{}, err
	}

	to, ok := stringField(fields, "to")
	if !ok || to == "" {
		return Notification{}, ErrMissingTarget
	}

	n := Notification{To: to, fields: fields}
	n.Type, _ = stringField(fields, "type")
	n.From, _ = stringField(fields, "from")
	n.EntityID, _ = stringField(fields, "entityId")
	return n, nil
}

// MarshalJSON re-emits the notification with all of its original fields.
func (n Notification) MarshalJSON() ([]byte, error) {
	return json.Marshal(n.baseFields())
}

func (n Notification) baseFields() map[string]json.RawMessage {
	out := make(map[string]json.RawMessage, len(n.fields)+4)
	for k, v := range n.fields {
		out[k] = v
	}
	// Notifications built in code rather than parsed have no fields map.
	setString(out, "type", n.Type)
	setString(out, "from", n.From)
	setString(out, "to", n.To)
	setString(out, "entityId", n.EntityID)
	return out
}

// EnrichedNotification is a Notification augmented at delivery time. A nil
// SenderUsername or SenderImage is omitted from the wire form; a nil
// PostPreview is written as an explicit null.
type EnrichedNotification struct {
	Notification
	SenderUsername *string
	SenderImage    *string
	PostPreview    *string
}

// MarshalJSON merges the enrichment fields over the original payload.
func (e EnrichedNotification) MarshalJSON() ([]byte, error) {
	out := e.Notification.baseFields()
	delete(out, fieldSenderUsername)
	delete(out, fieldSenderImage)

	if e.SenderUsername != nil {
		if err := setJSON(out, fieldSenderUsername, *e.SenderUsername); err != nil {
			return nil, err
		}
	}
	if e.SenderImage != nil {
		if err := setJSON(out, fieldSenderImage, *e.SenderImage); err != nil {
			return nil, err
		}
	}
	if e.PostPreview != nil {
		if err := setJSON(out, fieldPostPreview, *e.PostPreview); err != nil {
			return nil, err
		}
	} else {
		out[fieldPostPreview] = json.RawMessage("null")
	}
	return json.Marshal(out)
}

// setString writes a non-empty string field. Empty values leave the
// original (possibly non-string) field in place.
func setString(out map[string]json.RawMessage, key, value string) {
	if value == "" {
		return
	}
	_ = setJSON(out, key, value)
}

func setJSON(out map[string]json.RawMessage, key string, value interface{}) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("protocol: failed to marshal %q: %w", key, err)
	}
	out[key] = raw
	return nil
}
