package hub

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/imbhargav5/unbound.computer-sub009/pubsub"
)

type fakeOfflineNotifier struct {
	mu    sync.Mutex
	calls []fakeNotifyCall
	done  chan struct{}
}

type fakeNotifyCall struct {
	sessionID  string
	numEntries int
}

func newFakeOfflineNotifier() *fakeOfflineNotifier {
	return &fakeOfflineNotifier{done: make(chan struct{}, 8)}
}

func (f *fakeOfflineNotifier) NotifyActivity(_ context.Context, sessionID string, numEntries int) {
	f.mu.Lock()
	f.calls = append(f.calls, fakeNotifyCall{sessionID: sessionID, numEntries: numEntries})
	f.mu.Unlock()
	f.done <- struct{}{}
}

func (f *fakeOfflineNotifier) waitForCall(t *testing.T) fakeNotifyCall {
	t.Helper()
	select {
	case <-f.done:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for a dispatcher call")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[len(f.calls)-1]
}

func TestFanoutConversationEntryExcludesSender(t *testing.T) {
	conns := NewConnMap()
	ta := registerAuthed(t, conns, "a", "s1")
	tb := registerAuthed(t, conns, "b", "s1")
	f := NewFanout(conns, nil)

	f.OnConversationEntry(&pubsub.ConversationEntry{
		SessionID:      "s1",
		EntryID:        "100-0",
		SenderDeviceID: "a",
		Body:           json.RawMessage(`"ciphertext"`),
	})

	if ta.numSent() != 0 {
		t.Errorf("sender must not get its own entry echoed back")
	}
	if tb.numSent() != 1 {
		t.Fatalf("expected 1 message for b, got %d", tb.numSent())
	}
	msg := tb.lastSent()
	if msg.Type != MsgSessionMessage || msg.SessionID != "s1" {
		t.Fatalf("unexpected envelope: %+v", msg)
	}
	var payload conversationEventPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		t.Fatalf("bad payload: %s", err)
	}
	if payload.EntryID != "100-0" || payload.SenderDeviceID != "a" {
		t.Fatalf("unexpected payload: %+v", payload)
	}
}

func TestFanoutCommunicationEntry(t *testing.T) {
	conns := NewConnMap()
	ta := registerAuthed(t, conns, "a", "s1")
	f := NewFanout(conns, nil)

	f.OnCommunicationEntry(&pubsub.CommunicationEntry{
		SessionID: "s1",
		EntryID:   "100-0",
		Kind:      "run_output",
		Data:      json.RawMessage(`{"kind":"run_output","text":"hi"}`),
	})
	if msg := ta.lastSent(); msg == nil || msg.Type != MsgStreamChunk {
		t.Fatalf("expected a stream_chunk, got %+v", msg)
	}

	f.OnCommunicationEntry(&pubsub.CommunicationEntry{
		SessionID: "s1",
		EntryID:   "101-0",
		Complete:  true,
		Data:      json.RawMessage(`{"complete":true}`),
	})
	if msg := ta.lastSent(); msg == nil || msg.Type != MsgStreamComplete {
		t.Fatalf("expected a stream_complete, got %+v", msg)
	}
}

func TestFanoutSessionActivityInvokesDispatcher(t *testing.T) {
	conns := NewConnMap()
	notifier := newFakeOfflineNotifier()
	f := NewFanout(conns, notifier)

	f.OnSessionActivity(&pubsub.SessionActivity{SessionID: "s1", NumEntries: 3, LastEntryID: "102-0"})
	call := notifier.waitForCall(t)
	if call.sessionID != "s1" || call.numEntries != 3 {
		t.Fatalf("unexpected dispatcher call: %+v", call)
	}
}
