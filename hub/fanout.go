package hub

import (
	"context"
	"encoding/json"
	"time"

	"github.com/imbhargav5/unbound.computer-sub009/pubsub"
	"github.com/rs/zerolog"
)

// OfflineNotifier is the dispatcher that pushes to session members with no
// live connection. Implementations must never block indefinitely and must
// swallow their own failures.
type OfflineNotifier interface {
	NotifyActivity(ctx context.Context, sessionID string, numEntries int)
}

const notifyTimeout = 30 * time.Second

// Fanout consumes stream payloads off the pubsub channel and delivers them:
// every entry is broadcast individually to the session's live connections,
// while offline members get one collapsed push per session per poll cycle
// via the SessionActivity payload. The asymmetry is deliberate: connected
// clients render every entry, push notifications would storm.
type Fanout struct {
	conns   *ConnMap
	offline OfflineNotifier
	logger  zerolog.Logger
}

func NewFanout(conns *ConnMap, offline OfflineNotifier) *Fanout {
	return &Fanout{
		conns:   conns,
		offline: offline,
		logger:  logger,
	}
}

type conversationEventPayload struct {
	EntryID        string          `json:"entryId"`
	SenderDeviceID string          `json:"senderDeviceId,omitempty"`
	Body           json.RawMessage `json:"body"`
}

type communicationEventPayload struct {
	EntryID string          `json:"entryId"`
	Kind    string          `json:"kind,omitempty"`
	Data    json.RawMessage `json:"data"`
}

func (f *Fanout) OnConversationEntry(p *pubsub.ConversationEntry) {
	msg := NewMessage(MsgSessionMessage).WithSession(p.SessionID).WithPayload(conversationEventPayload{
		EntryID:        p.EntryID,
		SenderDeviceID: p.SenderDeviceID,
		Body:           p.Body,
	})
	sent := f.conns.Broadcast(p.SessionID, msg, p.SenderDeviceID)
	f.logger.Debug().Str("session", p.SessionID).Str("entry", p.EntryID).Int("sent", sent).Msg("fanout: conversation entry")
}

func (f *Fanout) OnCommunicationEntry(p *pubsub.CommunicationEntry) {
	msgType := MsgStreamChunk
	if p.Complete {
		msgType = MsgStreamComplete
	}
	msg := NewMessage(msgType).WithSession(p.SessionID).WithPayload(communicationEventPayload{
		EntryID: p.EntryID,
		Kind:    p.Kind,
		Data:    p.Data,
	})
	f.conns.Broadcast(p.SessionID, msg, "")
}

func (f *Fanout) OnSessionActivity(p *pubsub.SessionActivity) {
	if f.offline == nil {
		return
	}
	// pushes run off the fan-out goroutine so a slow provider can't stall
	// delivery to live connections.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
		defer cancel()
		f.offline.NotifyActivity(ctx, p.SessionID, p.NumEntries)
	}()
}
