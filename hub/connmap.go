package hub

import (
	"sync"
)

// ConnMap is the connection registry: one live Conn per device ID, plus the
// session membership tracker. All error conditions are expressed as boolean
// returns since they are expected races (a device disconnecting mid-call),
// never something worth failing a request over.
//
// ConnMap exclusively owns transports. The presence tracker and poller only
// ever go through Remove/Broadcast; they never touch a transport themselves.
type ConnMap struct {
	mu      *sync.Mutex
	conns   map[string]*Conn
	tracker *SessionTracker
}

func NewConnMap() *ConnMap {
	return &ConnMap{
		mu:      &sync.Mutex{},
		conns:   make(map[string]*Conn),
		tracker: NewSessionTracker(),
	}
}

// Register creates an unauthenticated connection record for this device and
// returns it, along with the previous connection if one was registered. The
// previous transport is NOT closed here: the caller decides how to close it,
// which keeps transport ownership decisions in one place and avoids silently
// leaking the old channel.
func (m *ConnMap) Register(deviceID string, transport Transport) (conn *Conn, prev *Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev = m.conns[deviceID]
	conn = NewConn(deviceID, transport)
	m.conns[deviceID] = conn
	return conn, prev
}

// Authenticate marks a registered connection as authenticated. Returns false
// if the device is not registered.
func (m *ConnMap) Authenticate(deviceID string, auth AuthContext) bool {
	m.mu.Lock()
	conn := m.conns[deviceID]
	m.mu.Unlock()
	if conn == nil {
		return false
	}
	conn.Authenticate(auth)
	return true
}

// Subscribe adds the device to the session's membership. Fails unless the
// device has completed the auth handshake. Joining a session the device is
// already a member of also returns false, so callers can refcount stream
// subscriptions off the return value.
func (m *ConnMap) Subscribe(deviceID, sessionID string) bool {
	m.mu.Lock()
	conn := m.conns[deviceID]
	m.mu.Unlock()
	if conn == nil || !conn.IsAuthenticated() {
		return false
	}
	return m.tracker.DeviceJoinedSession(deviceID, sessionID)
}

// Unsubscribe removes the device from the session's membership. Returns false
// if the device was not a member.
func (m *ConnMap) Unsubscribe(deviceID, sessionID string) bool {
	if !m.tracker.IsMember(deviceID, sessionID) {
		return false
	}
	m.tracker.DeviceLeftSession(deviceID, sessionID)
	return true
}

// Remove tears down a connection entirely and returns the sessions the device
// leaves, for the caller to broadcast departure notices. The transport is not
// closed; callers close it (or know it is already closed).
func (m *ConnMap) Remove(deviceID string) (removedSessionIDs []string) {
	m.mu.Lock()
	delete(m.conns, deviceID)
	m.mu.Unlock()
	return m.tracker.DeviceLeftAllSessions(deviceID)
}

// Conn returns the live connection for this device, or nil.
func (m *ConnMap) Conn(deviceID string) *Conn {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conns[deviceID]
}

// IsOnline is true only if a connection exists and its transport is open.
func (m *ConnMap) IsOnline(deviceID string) bool {
	m.mu.Lock()
	conn := m.conns[deviceID]
	m.mu.Unlock()
	return conn != nil && conn.IsOpen()
}

// Members returns the member device IDs of the given session.
func (m *ConnMap) Members(sessionID string) []string {
	return m.tracker.MembersForSession(sessionID, nil)
}

// SessionsForDevice returns the sessions this device is currently a member of.
func (m *ConnMap) SessionsForDevice(deviceID string) []string {
	return m.tracker.SessionsForDevice(deviceID)
}

// Len returns the number of registered connections.
func (m *ConnMap) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conns)
}

// Broadcast delivers the message to every member of the session except
// excludeDeviceID, and returns how many deliveries succeeded. A send failure
// for one member never aborts delivery to the others: the failed member
// simply misses the message and will be caught up by presence eviction or
// reconnection.
func (m *ConnMap) Broadcast(sessionID string, msg *Message, excludeDeviceID string) (sentCount int) {
	members := m.tracker.MembersForSession(sessionID, func(deviceID string) bool {
		return deviceID != excludeDeviceID
	})
	for _, deviceID := range members {
		m.mu.Lock()
		conn := m.conns[deviceID]
		m.mu.Unlock()
		if conn == nil {
			continue
		}
		if err := conn.Send(msg); err != nil {
			logger.Warn().Str("device", deviceID).Str("session", sessionID).Err(err).Msg("broadcast: dropped send")
			continue
		}
		sentCount++
	}
	return sentCount
}
