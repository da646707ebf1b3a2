package hub

import (
	"sort"
	"testing"
)

func TestSessionTracker(t *testing.T) {
	// basic usage
	tr := NewSessionTracker()
	tr.DeviceJoinedSession("alice-mac", "s1")
	tr.DeviceJoinedSession("alice-mac", "s2")
	tr.DeviceJoinedSession("bob-phone", "s2")
	tr.DeviceJoinedSession("bob-phone", "s3")
	assertEqualSlices(t, "sessions for alice-mac", tr.SessionsForDevice("alice-mac"), []string{"s1", "s2"})
	assertEqualSlices(t, "members of s1", tr.MembersForSession("s1", nil), []string{"alice-mac"})
	tr.DeviceLeftSession("alice-mac", "s1")
	assertEqualSlices(t, "sessions for alice-mac", tr.SessionsForDevice("alice-mac"), []string{"s2"})
	assertEqualSlices(t, "members of s2", tr.MembersForSession("s2", nil), []string{"alice-mac", "bob-phone"})

	// bogus values
	assertEqualSlices(t, "unknown device", tr.SessionsForDevice("unknown"), nil)
	assertEqualSlices(t, "unknown session", tr.MembersForSession("unknown", nil), nil)

	// leaves before joins
	tr.DeviceLeftSession("alice-mac", "unknown")
	tr.DeviceLeftSession("unknown", "unknown2")
	assertEqualSlices(t, "sessions for alice-mac", tr.SessionsForDevice("alice-mac"), []string{"s2"})
}

func TestSessionTrackerDupeJoin(t *testing.T) {
	tr := NewSessionTracker()
	if !tr.DeviceJoinedSession("d1", "s1") {
		t.Errorf("first join should report newly joined")
	}
	if tr.DeviceJoinedSession("d1", "s1") {
		t.Errorf("dupe join should not report newly joined")
	}
}

func TestSessionTrackerPrunesEmptySessions(t *testing.T) {
	tr := NewSessionTracker()
	tr.DeviceJoinedSession("d1", "s1")
	tr.DeviceJoinedSession("d2", "s1")
	if tr.NumSessions() != 1 {
		t.Fatalf("expected 1 session, got %d", tr.NumSessions())
	}
	tr.DeviceLeftSession("d1", "s1")
	if tr.NumSessions() != 1 {
		t.Fatalf("session should survive while it has a member")
	}
	tr.DeviceLeftSession("d2", "s1")
	if tr.NumSessions() != 0 {
		t.Fatalf("removing the last member must remove the session entry, got %d sessions", tr.NumSessions())
	}
	assertEqualSlices(t, "members of pruned session", tr.MembersForSession("s1", nil), nil)
}

func TestSessionTrackerLeaveAll(t *testing.T) {
	tr := NewSessionTracker()
	tr.DeviceJoinedSession("d1", "s1")
	tr.DeviceJoinedSession("d1", "s2")
	tr.DeviceJoinedSession("d2", "s2")
	left := tr.DeviceLeftAllSessions("d1")
	assertEqualSlices(t, "sessions left", left, []string{"s1", "s2"})
	assertEqualSlices(t, "sessions for d1", tr.SessionsForDevice("d1"), nil)
	assertEqualSlices(t, "members of s2", tr.MembersForSession("s2", nil), []string{"d2"})
	if tr.NumSessions() != 1 {
		t.Fatalf("s1 should be pruned, got %d sessions", tr.NumSessions())
	}
	if got := tr.DeviceLeftAllSessions("d1"); got != nil {
		t.Fatalf("second leave-all should be empty, got %v", got)
	}
}

func TestSessionTrackerFilter(t *testing.T) {
	tr := NewSessionTracker()
	tr.DeviceJoinedSession("d1", "s1")
	tr.DeviceJoinedSession("d2", "s1")
	got := tr.MembersForSession("s1", func(deviceID string) bool { return deviceID != "d1" })
	assertEqualSlices(t, "filtered members", got, []string{"d2"})
}

func assertEqualSlices(t *testing.T, name string, got, want []string) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("%s: slices not equal, length mismatch: got %v , want %v", name, got, want)
	}
	sort.Strings(got)
	sort.Strings(want)
	for i := 0; i < len(got); i++ {
		if got[i] != want[i] {
			t.Errorf("%s: slices not equal, got %v want %v", name, got, want)
		}
	}
}
