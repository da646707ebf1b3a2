package hub

import (
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

// CloseNormal is the transport close code for a deliberate, non-error
// teardown (e.g presence eviction).
const CloseNormal = 1000

// Transport is the underlying duplex channel to a device. The registry owns
// transports exclusively; nothing else may close one directly.
type Transport interface {
	// Send writes one message to the device. Implementations must be safe for
	// concurrent use.
	Send(m *Message) error
	// Close tears the channel down with a close code and reason.
	Close(code int, reason string) error
	// IsOpen reports whether the channel is still in a ready state.
	IsOpen() bool
}

// AuthContext is what a successful auth handshake establishes about a device.
type AuthContext struct {
	UserID     string
	DeviceName string
}

// Conn binds one live transport to one device ID. A device has at most one
// Conn at any instant; registering a replacement returns the old one for the
// caller to close.
type Conn struct {
	DeviceID    string
	ConnID      string
	ConnectedAt time.Time

	transport Transport

	mu     sync.Mutex
	authed bool
	auth   AuthContext
}

func NewConn(deviceID string, transport Transport) *Conn {
	return &Conn{
		DeviceID:    deviceID,
		ConnID:      uuid.NewString(),
		ConnectedAt: time.Now(),
		transport:   transport,
	}
}

func (c *Conn) Authenticate(auth AuthContext) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.authed = true
	c.auth = auth
}

func (c *Conn) IsAuthenticated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authed
}

func (c *Conn) Auth() AuthContext {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.auth
}

func (c *Conn) Send(m *Message) error {
	return c.transport.Send(m)
}

func (c *Conn) IsOpen() bool {
	return c.transport.IsOpen()
}

func (c *Conn) Close(code int, reason string) error {
	return c.transport.Close(code, reason)
}
