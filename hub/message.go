package hub

import (
	"encoding/json"
	"time"
)

// MessageType distinguishes the kinds of envelope exchanged with devices.
// The values are fixed by the deployed clients: connection-level types are
// SCREAMING_SNAKE_CASE, streaming/presence types are lower snake case.
type MessageType string

const (
	// Connection
	MsgAuth       MessageType = "AUTH"
	MsgAuthResult MessageType = "AUTH_RESULT"
	MsgError      MessageType = "ERROR"

	// Sessions
	MsgJoinSession  MessageType = "JOIN_SESSION"
	MsgLeaveSession MessageType = "LEAVE_SESSION"
	MsgSubscribed   MessageType = "SUBSCRIBED"
	MsgUnsubscribed MessageType = "UNSUBSCRIBED"

	// Streaming
	MsgStreamChunk    MessageType = "stream_chunk"
	MsgStreamComplete MessageType = "stream_complete"

	// Remote control
	MsgRemoteControl MessageType = "remote_control"
	MsgControlAck    MessageType = "control_ack"

	// Presence
	MsgPresence  MessageType = "presence"
	MsgHeartbeat MessageType = "HEARTBEAT"

	// Messages
	MsgSessionMessage    MessageType = "SESSION_MESSAGE"
	MsgSessionMessageAck MessageType = "SESSION_MESSAGE_ACK"
)

// Message is the JSON envelope sent over a device connection, in either
// direction.
type Message struct {
	Type      MessageType     `json:"type"`
	SessionID string          `json:"sessionId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp string          `json:"timestamp,omitempty"`
	Error     string          `json:"error,omitempty"`
	Success   *bool           `json:"success,omitempty"`
}

func NewMessage(t MessageType) *Message {
	return &Message{
		Type:      t,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
}

func (m *Message) WithSession(sessionID string) *Message {
	m.SessionID = sessionID
	return m
}

// WithPayload marshals v into the payload field. Marshal failures are a
// programming error on our own types and surface as an empty payload.
func (m *Message) WithPayload(v interface{}) *Message {
	b, err := json.Marshal(v)
	if err != nil {
		return m
	}
	m.Payload = b
	return m
}

// AuthPayload is the payload of an inbound AUTH message.
type AuthPayload struct {
	DeviceToken string `json:"deviceToken"`
	DeviceID    string `json:"deviceId"`
}

// PresencePayload is the payload of an outbound presence message, fanned out
// when a session member joins, leaves or is timed out.
type PresencePayload struct {
	DeviceID   string `json:"deviceId"`
	DeviceName string `json:"deviceName,omitempty"`
	Event      string `json:"event"` // joined | left
}

const (
	PresenceJoined = "joined"
	PresenceLeft   = "left"
)

func NewAuthResult(ok bool, errMsg string) *Message {
	m := NewMessage(MsgAuthResult)
	m.Success = &ok
	m.Error = errMsg
	return m
}

func NewErrorMessage(errMsg string) *Message {
	m := NewMessage(MsgError)
	m.Error = errMsg
	return m
}

func NewPresenceMessage(sessionID, deviceID, deviceName, event string) *Message {
	return NewMessage(MsgPresence).WithSession(sessionID).WithPayload(PresencePayload{
		DeviceID:   deviceID,
		DeviceName: deviceName,
		Event:      event,
	})
}
