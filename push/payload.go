package push

import (
	"encoding/json"
	"fmt"
	"time"
)

// Kind is why a notification is being sent. The kind picks the alert text
// and the collapse behaviour.
type Kind string

const (
	KindSessionStarted  Kind = "session-started"
	KindSessionEnded    Kind = "session-ended"
	KindMemberJoined    Kind = "member-joined"
	KindMemberLeft      Kind = "member-left"
	KindApprovalRequest Kind = "approval-request"
	KindRunUpdate       Kind = "run-update"
)

type apsAlert struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

type aps struct {
	Alert            *apsAlert       `json:"alert,omitempty"`
	Sound            string          `json:"sound,omitempty"`
	ThreadID         string          `json:"thread-id,omitempty"`
	ContentAvailable int             `json:"content-available,omitempty"`
	Timestamp        int64           `json:"timestamp,omitempty"`
	Event            string          `json:"event,omitempty"`
	ContentState     json.RawMessage `json:"content-state,omitempty"`
}

type pushPayload struct {
	APS       aps    `json:"aps"`
	SessionID string `json:"sessionId,omitempty"`
	Kind      Kind   `json:"kind,omitempty"`
}

func alertText(kind Kind, actorName string) (title, body string) {
	name := actorName
	if name == "" {
		name = "A device"
	}
	switch kind {
	case KindSessionStarted:
		return "Session Started", "A new session is active"
	case KindSessionEnded:
		return "Session Ended", "Your session has ended"
	case KindMemberJoined:
		return "Device Connected", fmt.Sprintf("%s joined the session", name)
	case KindMemberLeft:
		return "Device Disconnected", fmt.Sprintf("%s left the session", name)
	case KindApprovalRequest:
		return "Approval Requested", fmt.Sprintf("%s is waiting for your approval", name)
	case KindRunUpdate:
		return "New Activity", "There is new activity in your session"
	}
	return "Notification", "You have a new notification"
}

// BuildAlertPayload builds the visible-notification payload for a kind.
func BuildAlertPayload(kind Kind, sessionID, actorName string) []byte {
	title, body := alertText(kind, actorName)
	b, _ := json.Marshal(pushPayload{
		APS: aps{
			Alert:    &apsAlert{Title: title, Body: body},
			Sound:    "default",
			ThreadID: sessionID,
		},
		SessionID: sessionID,
		Kind:      kind,
	})
	return b
}

// BuildBackgroundPayload builds a silent wake-up payload.
func BuildBackgroundPayload(kind Kind, sessionID string) []byte {
	b, _ := json.Marshal(pushPayload{
		APS:       aps{ContentAvailable: 1},
		SessionID: sessionID,
		Kind:      kind,
	})
	return b
}

const (
	LiveActivityUpdate = "update"
	LiveActivityEnd    = "end"
)

// BuildLiveActivityPayload builds the content-state update for a standing
// live activity. event is LiveActivityUpdate or LiveActivityEnd.
func BuildLiveActivityPayload(event string, contentState json.RawMessage) []byte {
	b, _ := json.Marshal(pushPayload{
		APS: aps{
			Timestamp:    time.Now().Unix(),
			Event:        event,
			ContentState: contentState,
		},
	})
	return b
}
