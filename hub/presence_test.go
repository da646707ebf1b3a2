package hub

import (
	"encoding/json"
	"testing"
	"time"
)

// newTestPresence returns a tracker with a controllable clock and no ticker.
func newTestPresence(conns *ConnMap, streams SessionSubscriber) (*PresenceTracker, *time.Time) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	p := NewPresenceTracker(conns, streams, 30*time.Second, 2*time.Minute, 0)
	p.now = func() time.Time { return now }
	return p, &now
}

func TestPresenceStatusTransitions(t *testing.T) {
	conns := NewConnMap()
	p, now := newTestPresence(conns, nil)
	registerAuthed(t, conns, "a", "s1")
	p.DeviceConnected("a")

	assertStatus(t, p, "a", StatusOnline)

	// under two heartbeat intervals: still online
	*now = now.Add(59 * time.Second)
	p.Scan()
	assertStatus(t, p, "a", StatusOnline)

	// over two missed intervals but under the timeout: away, still reachable
	*now = now.Add(11 * time.Second)
	p.Scan()
	assertStatus(t, p, "a", StatusAway)
	if !p.IsOnline("a") {
		t.Fatalf("an away device is still worth direct delivery")
	}

	// heartbeat resets to online from any state
	p.RecordHeartbeat("a")
	assertStatus(t, p, "a", StatusOnline)
}

func TestPresenceEviction(t *testing.T) {
	conns := NewConnMap()
	p, now := newTestPresence(conns, nil)
	ta := registerAuthed(t, conns, "a", "s1")
	tb := registerAuthed(t, conns, "b", "s1")
	p.DeviceConnected("a")
	p.DeviceConnected("b")

	// b keeps breathing, a goes silent past the timeout
	*now = now.Add(121 * time.Second)
	p.RecordHeartbeat("b")
	p.Scan()

	if p.IsOnline("a") {
		t.Fatalf("a should be evicted")
	}
	if ta.IsOpen() {
		t.Fatalf("eviction should close the transport")
	}
	if ta.closeCode != CloseNormal {
		t.Fatalf("eviction should close with a normal closure, got code %d", ta.closeCode)
	}
	if conns.Conn("a") != nil {
		t.Fatalf("evicted device must be removed from the registry")
	}
	assertEqualSlices(t, "remaining members", conns.Members("s1"), []string{"b"})

	// b is told a left
	msg := tb.lastSent()
	if msg == nil || msg.Type != MsgPresence {
		t.Fatalf("expected a presence message for b, got %+v", msg)
	}
	var payload PresencePayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		t.Fatalf("bad presence payload: %s", err)
	}
	if payload.DeviceID != "a" || payload.Event != PresenceLeft {
		t.Fatalf("expected left event for a, got %+v", payload)
	}

	// b survives the scan untouched
	if !p.IsOnline("b") {
		t.Fatalf("b should still be online")
	}
}

func TestPresenceAwayDeviceStillEvicted(t *testing.T) {
	conns := NewConnMap()
	p, now := newTestPresence(conns, nil)
	registerAuthed(t, conns, "a", "s1")
	p.DeviceConnected("a")

	// demote to away first
	*now = now.Add(70 * time.Second)
	p.Scan()
	assertStatus(t, p, "a", StatusAway)

	// timeout measured from the last heartbeat, not from the demotion
	*now = now.Add(51 * time.Second)
	p.Scan()
	if p.IsOnline("a") {
		t.Fatalf("away device past the timeout must be evicted")
	}
}

func TestPresenceEvictionReleasesStreams(t *testing.T) {
	conns := NewConnMap()
	streams := &fakeStreams{subs: make(map[string]int)}
	p, now := newTestPresence(conns, streams)
	registerAuthed(t, conns, "a", "s1")
	streams.Subscribe("s1")
	p.DeviceConnected("a")

	*now = now.Add(121 * time.Second)
	p.Scan()
	if streams.count("s1") != 0 {
		t.Fatalf("eviction must release the stream subscription, got refcount %d", streams.count("s1"))
	}
}

func TestPresenceGracefulDisconnect(t *testing.T) {
	conns := NewConnMap()
	p, _ := newTestPresence(conns, nil)
	registerAuthed(t, conns, "a", "s1")
	tb := registerAuthed(t, conns, "b", "s1")
	p.DeviceConnected("a")

	p.DeviceDisconnected("a")
	if p.IsOnline("a") {
		t.Fatalf("disconnected device should have no presence record")
	}
	// no departure broadcast on the graceful path; the read loop owns that
	if tb.numSent() != 0 {
		t.Fatalf("graceful disconnect must not broadcast, got %d messages", tb.numSent())
	}
}

func assertStatus(t *testing.T, p *PresenceTracker, deviceID string, want PresenceStatus) {
	t.Helper()
	got, ok := p.Status(deviceID)
	if !ok {
		t.Fatalf("no presence record for %s", deviceID)
	}
	if got != want {
		t.Fatalf("wrong status for %s: got %s want %s", deviceID, got, want)
	}
}
