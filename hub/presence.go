package hub

import (
	"sync"
	"time"
)

type PresenceStatus string

const (
	StatusOnline PresenceStatus = "online"
	StatusAway   PresenceStatus = "away"
)

type presenceRecord struct {
	lastHeartbeat time.Time
	status        PresenceStatus
}

// PresenceTracker classifies devices online/away from heartbeat recency and
// evicts devices whose heartbeat is older than the connection timeout. The
// two tiers exist so the poller can keep attempting direct delivery to an
// `away` device (temporarily unreachable) while only evicted devices fall
// back to push, without flapping membership on every missed tick.
//
// State machine per device: (none) -> online -> away -> (evicted). A
// heartbeat resets to online from any state.
type PresenceTracker struct {
	mu      sync.Mutex
	records map[string]*presenceRecord

	conns             *ConnMap
	streams           SessionSubscriber
	heartbeatInterval time.Duration
	connTimeout       time.Duration

	ticker *time.Ticker
	done   chan struct{}

	// overridable for tests
	now func() time.Time
}

// NewPresenceTracker scans every scanInterval. If scanInterval is 0 no ticker
// is created and the caller drives Scan directly, which is useful for testing.
// streams may be nil when no stream poller is attached.
func NewPresenceTracker(conns *ConnMap, streams SessionSubscriber, heartbeatInterval, connTimeout, scanInterval time.Duration) *PresenceTracker {
	p := &PresenceTracker{
		records:           make(map[string]*presenceRecord),
		conns:             conns,
		streams:           streams,
		heartbeatInterval: heartbeatInterval,
		connTimeout:       connTimeout,
		done:              make(chan struct{}),
		now:               time.Now,
	}
	if scanInterval != 0 {
		p.ticker = time.NewTicker(scanInterval)
	}
	return p
}

// DeviceConnected creates the presence record, treating the connect as a
// first heartbeat.
func (p *PresenceTracker) DeviceConnected(deviceID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.records[deviceID] = &presenceRecord{
		lastHeartbeat: p.now(),
		status:        StatusOnline,
	}
}

// RecordHeartbeat refreshes the device's liveness, resetting it to online
// unconditionally.
func (p *PresenceTracker) RecordHeartbeat(deviceID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	rec := p.records[deviceID]
	if rec == nil {
		rec = &presenceRecord{}
		p.records[deviceID] = rec
	}
	rec.lastHeartbeat = p.now()
	rec.status = StatusOnline
}

// DeviceDisconnected removes the presence record without the departure
// broadcast; used for graceful client-initiated disconnects where the read
// loop handles the membership teardown itself.
func (p *PresenceTracker) DeviceDisconnected(deviceID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.records, deviceID)
}

// IsOnline reports whether the device is still considered reachable: both
// online and away devices are worth attempting direct delivery to. Only
// devices with no record (never connected, or evicted) are unreachable.
func (p *PresenceTracker) IsOnline(deviceID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.records[deviceID] != nil
}

// Status returns the device's presence status, and false if it has no record.
func (p *PresenceTracker) Status(deviceID string) (PresenceStatus, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	rec := p.records[deviceID]
	if rec == nil {
		return "", false
	}
	return rec.status, true
}

// Scan runs one sweep over all presence records: demote to away after two
// missed heartbeat intervals, evict after the connection timeout regardless
// of intermediate status. Evicted devices are closed and removed from the
// registry, and each session they belonged to gets a presence-left broadcast.
func (p *PresenceTracker) Scan() {
	now := p.now()
	var evict []string
	p.mu.Lock()
	for deviceID, rec := range p.records {
		elapsed := now.Sub(rec.lastHeartbeat)
		if elapsed > p.connTimeout {
			evict = append(evict, deviceID)
		} else if elapsed > 2*p.heartbeatInterval && rec.status == StatusOnline {
			rec.status = StatusAway
		}
	}
	for _, deviceID := range evict {
		delete(p.records, deviceID)
	}
	p.mu.Unlock()

	// eviction side effects happen outside the presence lock: they write to
	// transports and take the registry lock.
	for _, deviceID := range evict {
		p.evict(deviceID)
	}
}

func (p *PresenceTracker) evict(deviceID string) {
	conn := p.conns.Conn(deviceID)
	var deviceName string
	if conn != nil {
		deviceName = conn.Auth().DeviceName
		if err := conn.Close(CloseNormal, "connection timed out"); err != nil {
			logger.Debug().Str("device", deviceID).Err(err).Msg("presence: close on evict failed")
		}
	}
	// The read loop's own teardown finds the device already removed and does
	// nothing, so membership and stream refcounts are released exactly once.
	sessions := p.conns.Remove(deviceID)
	logger.Info().Str("device", deviceID).Strs("sessions", sessions).Msg("presence: evicted device")
	for _, sessionID := range sessions {
		if p.streams != nil {
			p.streams.Unsubscribe(sessionID)
		}
		p.conns.Broadcast(sessionID, NewPresenceMessage(sessionID, deviceID, deviceName, PresenceLeft), deviceID)
	}
}

// Run blocks, scanning until Stop is called. No-op when constructed without a
// scan interval.
func (p *PresenceTracker) Run() {
	if p.ticker == nil {
		return
	}
	for {
		select {
		case <-p.done:
			return
		case <-p.ticker.C:
			p.Scan()
		}
	}
}

// Stop ticking.
func (p *PresenceTracker) Stop() {
	if p.ticker != nil {
		p.ticker.Stop()
	}
	close(p.done)
}
