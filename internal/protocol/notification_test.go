package protocol

import (
	"encoding/json"
	"testing"
)

func decodeMap(t *testing.T, data []byte) map[string]interface{} {
	t.Helper()
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("failed to unmarshal %s: %v", data, err)
	}
	return m
}

func TestParseNotification_Fields(t *testing.T) {
	n, err := ParseNotification(json.RawMessage(`{"type":"LIKE","from":"A","to":"B","entityId":"p1","extra":7}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n.Type != NotificationLike || n.From != "A" || n.To != "B" || n.EntityID != "p1" {
		t.Errorf("unexpected fields: %+v", n)
	}

	m := decodeMap(t, mustMarshal(t, n))
	if m["extra"] != float64(7) {
		t.Errorf("expected unknown field to survive, got %v", m["extra"])
	}
}

func TestEnrichedNotification_Marshal(t *testing.T) {
	n, err := ParseNotification(json.RawMessage(`{"type":"COMMENT","from":"A","to":"B","entityId":"p1","text":"nice"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	name, image, preview := "alice", "a.png", "p1.jpg"

	m := decodeMap(t, mustMarshal(t, EnrichedNotification{
		Notification:   n,
		SenderUsername: &name,
		SenderImage:    &image,
		PostPreview:    &preview,
	}))

	if m["senderUsername"] != "alice" || m["senderImage"] != "a.png" || m["postPreview"] != "p1.jpg" {
		t.Errorf("unexpected enrichment fields: %v", m)
	}
	if m["text"] != "nice" || m["type"] != "COMMENT" {
		t.Errorf("expected original fields to be kept: %v", m)
	}
}

// ---------------------------------------------------------------------------
// Test: Unknown sender fields are omitted, unknown preview is null
// ---------------------------------------------------------------------------

func TestEnrichedNotification_MarshalDegraded(t *testing.T) {
	n, err := ParseNotification(json.RawMessage(`{"type":"FOLLOW","from":"A","to":"B","senderUsername":"spoofed"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	m := decodeMap(t, mustMarshal(t, EnrichedNotification{Notification: n}))

	if _, ok := m["senderUsername"]; ok {
		t.Errorf("expected senderUsername to be omitted, got %v", m["senderUsername"])
	}
	if _, ok := m["senderImage"]; ok {
		t.Errorf("expected senderImage to be omitted, got %v", m["senderImage"])
	}
	v, ok := m["postPreview"]
	if !ok || v != nil {
		t.Errorf("expected postPreview to be explicit null, got %v (present=%v)", v, ok)
	}
}

func TestNotification_MarshalBuiltInCode(t *testing.T) {
	m := decodeMap(t, mustMarshal(t, Notification{Type: NotificationFollow, From: "A", To: "B"}))
	if m["type"] != "FOLLOW" || m["from"] != "A" || m["to"] != "B" {
		t.Errorf("unexpected fields: %v", m)
	}
	if _, ok := m["entityId"]; ok {
		t.Errorf("expected empty entityId to be omitted")
	}
}

func mustMarshal(t *testing.T, v interface{}) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return data
}
