package hub

import (
	"sync"
)

type set map[string]struct{}

// SessionTracker tracks which devices are members of which sessions. This is
// the authority for fan-out targeting: only devices tracked as members of a
// session receive that session's events, so removal on disconnect/eviction
// must never be skipped, else a departed device's replacement connection
// could receive stale traffic.
type SessionTracker struct {
	// map of session_id to member device IDs.
	sessionToDevices map[string]set
	deviceToSessions map[string]set
	mu               *sync.RWMutex
}

func NewSessionTracker() *SessionTracker {
	return &SessionTracker{
		sessionToDevices: make(map[string]set),
		deviceToSessions: make(map[string]set),
		mu:               &sync.RWMutex{},
	}
}

func (t *SessionTracker) IsMember(deviceID, sessionID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.sessionToDevices[sessionID][deviceID]
	return ok
}

// DeviceJoinedSession marks the given device as a member of the given session.
// Returns true if the device was not a member prior to this call.
func (t *SessionTracker) DeviceJoinedSession(deviceID, sessionID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	devices := t.sessionToDevices[sessionID]
	if devices == nil {
		devices = make(set)
		t.sessionToDevices[sessionID] = devices
	}
	_, existed := devices[deviceID]
	devices[deviceID] = struct{}{}

	sessions := t.deviceToSessions[deviceID]
	if sessions == nil {
		sessions = make(set)
		t.deviceToSessions[deviceID] = sessions
	}
	sessions[sessionID] = struct{}{}
	return !existed
}

// DeviceLeftSession removes the membership in both directions. A session with
// no members left is pruned entirely so membership queries never see empty
// sessions.
func (t *SessionTracker) DeviceLeftSession(deviceID, sessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.removeLocked(deviceID, sessionID)
}

// DeviceLeftAllSessions removes the device from every session it is a member
// of and returns the session IDs it left, for the caller to broadcast
// departure notices.
func (t *SessionTracker) DeviceLeftAllSessions(deviceID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	sessions := t.deviceToSessions[deviceID]
	if len(sessions) == 0 {
		return nil
	}
	left := make([]string, 0, len(sessions))
	for sessionID := range sessions {
		left = append(left, sessionID)
	}
	for _, sessionID := range left {
		t.removeLocked(deviceID, sessionID)
	}
	return left
}

func (t *SessionTracker) removeLocked(deviceID, sessionID string) {
	devices := t.sessionToDevices[sessionID]
	delete(devices, deviceID)
	if len(devices) == 0 {
		delete(t.sessionToDevices, sessionID)
	}
	sessions := t.deviceToSessions[deviceID]
	delete(sessions, sessionID)
	if len(sessions) == 0 {
		delete(t.deviceToSessions, deviceID)
	}
}

func (t *SessionTracker) SessionsForDevice(deviceID string) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	sessions := t.deviceToSessions[deviceID]
	if len(sessions) == 0 {
		return nil
	}
	result := make([]string, 0, len(sessions))
	for sessionID := range sessions {
		result = append(result, sessionID)
	}
	return result
}

// MembersForSession returns the member device IDs of the given session,
// filtered by the filter function if provided.
func (t *SessionTracker) MembersForSession(sessionID string, filter func(deviceID string) bool) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	devices := t.sessionToDevices[sessionID]
	if len(devices) == 0 {
		return nil
	}
	var matched []string
	for deviceID := range devices {
		if filter == nil || filter(deviceID) {
			matched = append(matched, deviceID)
		}
	}
	return matched
}

// NumSessions returns how many sessions currently have at least one member.
func (t *SessionTracker) NumSessions() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.sessionToDevices)
}
