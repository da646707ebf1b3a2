package pubsub

import "encoding/json"

// The channel which carries payloads read off the durable session streams.
const ChanStreams = "streamsch"

// StreamListener is implemented by whatever fans stream payloads out to
// connected devices. One method per payload type.
type StreamListener interface {
	OnConversationEntry(p *ConversationEntry)
	OnCommunicationEntry(p *CommunicationEntry)
	OnSessionActivity(p *SessionActivity)
}

// ConversationEntry is a single entry from a session's conversation stream.
// The body is opaque ciphertext; the relay never interprets it.
type ConversationEntry struct {
	SessionID      string
	EntryID        string
	SenderDeviceID string
	Body           json.RawMessage
}

func (p ConversationEntry) Type() string { return "m" }

// CommunicationEntry is a single entry from a session's out-of-band
// communication stream, e.g. streamed output chunks.
type CommunicationEntry struct {
	SessionID string
	EntryID   string
	Kind      string
	Data      json.RawMessage
	Complete  bool
}

func (p CommunicationEntry) Type() string { return "c" }

// SessionActivity summarises everything one poll cycle read for a session.
// Emitted at most once per session per cycle so that offline devices get a
// single collapsed push rather than one per entry.
type SessionActivity struct {
	SessionID   string
	NumEntries  int
	LastEntryID string
}

func (p SessionActivity) Type() string { return "a" }

// StreamSub glues a Listener to a StreamListener.
type StreamSub struct {
	listener Listener
	receiver StreamListener
}

func NewStreamSub(l Listener, recv StreamListener) *StreamSub {
	return &StreamSub{
		listener: l,
		receiver: recv,
	}
}

func (s *StreamSub) Teardown() {
	s.listener.Close()
}

func (s *StreamSub) onMessage(p Payload) {
	switch p.Type() {
	case ConversationEntry{}.Type():
		s.receiver.OnConversationEntry(p.(*ConversationEntry))
	case CommunicationEntry{}.Type():
		s.receiver.OnCommunicationEntry(p.(*CommunicationEntry))
	case SessionActivity{}.Type():
		s.receiver.OnSessionActivity(p.(*SessionActivity))
	}
}

func (s *StreamSub) Listen() error {
	return s.listener.Listen(ChanStreams, s.onMessage)
}
