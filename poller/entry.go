package poller

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/imbhargav5/unbound.computer-sub009/pubsub"
	"github.com/tidwall/gjson"
)

// StreamKind selects which of a session's durable streams an entry came from.
type StreamKind string

const (
	KindConversation  StreamKind = "conversation"
	KindCommunication StreamKind = "communication"
)

// Kinds lists every stream a session subscribe covers.
var Kinds = []StreamKind{KindConversation, KindCommunication}

// Entry is one raw entry read from a durable stream, before decoding.
type Entry struct {
	ID     string
	Fields map[string]string
}

// streamKey builds the external stream key for a (session, kind) pair.
func streamKey(sessionID string, kind StreamKind) string {
	return fmt.Sprintf("session:%s:%s", sessionID, kind)
}

// parseStreamKey is the inverse of streamKey. Session IDs cannot contain ':'.
func parseStreamKey(key string) (sessionID string, kind StreamKind, ok bool) {
	parts := strings.Split(key, ":")
	if len(parts) != 3 || parts[0] != "session" {
		return "", "", false
	}
	switch StreamKind(parts[2]) {
	case KindConversation, KindCommunication:
		return parts[1], StreamKind(parts[2]), true
	}
	return "", "", false
}

// decodeEntry turns a raw stream entry into the typed payload for its kind.
// Conversation entries carry an opaque ciphertext body and the sending
// device; communication entries carry a JSON blob inspected for its kind and
// completion flag. Decoding once here keeps everything downstream of the
// poller statically typed.
func decodeEntry(sessionID string, kind StreamKind, e Entry) (pubsub.Payload, error) {
	switch kind {
	case KindConversation:
		body := e.Fields["payload"]
		if body == "" {
			return nil, fmt.Errorf("conversation entry %s has no payload", e.ID)
		}
		return &pubsub.ConversationEntry{
			SessionID:      sessionID,
			EntryID:        e.ID,
			SenderDeviceID: e.Fields["sender"],
			Body:           rawJSON(body),
		}, nil
	case KindCommunication:
		data := e.Fields["data"]
		if data == "" || !gjson.Valid(data) {
			return nil, fmt.Errorf("communication entry %s has no valid data", e.ID)
		}
		return &pubsub.CommunicationEntry{
			SessionID: sessionID,
			EntryID:   e.ID,
			Kind:      gjson.Get(data, "kind").String(),
			Data:      json.RawMessage(data),
			Complete:  gjson.Get(data, "complete").Bool(),
		}, nil
	}
	return nil, fmt.Errorf("unknown stream kind %q", kind)
}

// rawJSON passes valid JSON through untouched and wraps anything else (e.g
// bare base64 ciphertext) as a JSON string.
func rawJSON(s string) json.RawMessage {
	if gjson.Valid(s) {
		return json.RawMessage(s)
	}
	b, _ := json.Marshal(s)
	return json.RawMessage(b)
}
