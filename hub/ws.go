package hub

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const writeTimeout = 10 * time.Second

var errTransportClosed = errors.New("transport closed")

// wsTransport adapts a gorilla websocket connection to the Transport
// interface. Gorilla connections support one concurrent writer only, so all
// writes serialise on the mutex.
type wsTransport struct {
	conn *websocket.Conn

	mu     sync.Mutex
	closed bool
}

func newWSTransport(conn *websocket.Conn) *wsTransport {
	return &wsTransport{conn: conn}
}

func (t *wsTransport) Send(m *Message) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return errTransportClosed
	}
	t.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return t.conn.WriteJSON(m)
}

func (t *wsTransport) Close(code int, reason string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	t.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	t.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
	return t.conn.Close()
}

func (t *wsTransport) IsOpen() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.closed
}

// markClosed flags the transport as gone without writing a close frame; used
// when the read loop observes the peer disappearing.
func (t *wsTransport) markClosed() {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	t.conn.Close()
}

func (t *wsTransport) ping() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return errTransportClosed
	}
	return t.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
}
