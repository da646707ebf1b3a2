package hub

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestMessageWireFormat(t *testing.T) {
	// the type tags are fixed by deployed clients: connection-level types
	// are upper snake, streaming/presence types lower snake
	wireNames := map[MessageType]string{
		MsgAuth:              "AUTH",
		MsgAuthResult:        "AUTH_RESULT",
		MsgError:             "ERROR",
		MsgJoinSession:       "JOIN_SESSION",
		MsgLeaveSession:      "LEAVE_SESSION",
		MsgSubscribed:        "SUBSCRIBED",
		MsgUnsubscribed:      "UNSUBSCRIBED",
		MsgStreamChunk:       "stream_chunk",
		MsgStreamComplete:    "stream_complete",
		MsgRemoteControl:     "remote_control",
		MsgControlAck:        "control_ack",
		MsgPresence:          "presence",
		MsgHeartbeat:         "HEARTBEAT",
		MsgSessionMessage:    "SESSION_MESSAGE",
		MsgSessionMessageAck: "SESSION_MESSAGE_ACK",
	}
	for msgType, wire := range wireNames {
		b, err := json.Marshal(NewMessage(msgType))
		if err != nil {
			t.Fatalf("marshal %s: %s", wire, err)
		}
		if !strings.Contains(string(b), `"type":"`+wire+`"`) {
			t.Errorf("expected type %q in %s", wire, b)
		}
	}
}

func TestMessageEnvelope(t *testing.T) {
	msg := NewPresenceMessage("s1", "d1", "MacBook", PresenceJoined)
	b, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal: %s", err)
	}
	for _, want := range []string{`"sessionId":"s1"`, `"deviceId":"d1"`, `"deviceName":"MacBook"`, `"event":"joined"`, `"timestamp":`} {
		if !strings.Contains(string(b), want) {
			t.Errorf("expected %s in %s", want, b)
		}
	}
	// empty fields stay off the wire
	b, _ = json.Marshal(NewMessage(MsgHeartbeat))
	for _, reject := range []string{"sessionId", "payload", "error", "success"} {
		if strings.Contains(string(b), reject) {
			t.Errorf("did not expect %s in %s", reject, b)
		}
	}
}

func TestMessageParseAuth(t *testing.T) {
	raw := `{"type":"AUTH","payload":{"deviceToken":"tok123","deviceId":"dev456"},"timestamp":"2024-05-01T12:00:00Z"}`
	var msg Message
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		t.Fatalf("unmarshal: %s", err)
	}
	if msg.Type != MsgAuth {
		t.Fatalf("wrong type: %s", msg.Type)
	}
	var payload AuthPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		t.Fatalf("unmarshal payload: %s", err)
	}
	if payload.DeviceToken != "tok123" || payload.DeviceID != "dev456" {
		t.Fatalf("wrong payload: %+v", payload)
	}
}

func TestNewAuthResult(t *testing.T) {
	b, _ := json.Marshal(NewAuthResult(false, "invalid device token"))
	if !strings.Contains(string(b), `"success":false`) || !strings.Contains(string(b), `"error":"invalid device token"`) {
		t.Fatalf("unexpected auth result: %s", b)
	}
	b, _ = json.Marshal(NewAuthResult(true, ""))
	if !strings.Contains(string(b), `"success":true`) {
		t.Fatalf("unexpected auth result: %s", b)
	}
}
