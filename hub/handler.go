package hub

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/imbhargav5/unbound.computer-sub009/internal"
)

// SessionSubscriber is how the handler tells the stream poller about
// interest in a session. Calls are refcounted per device join.
type SessionSubscriber interface {
	Subscribe(sessionID string)
	Unsubscribe(sessionID string)
}

// Handler serves the device WebSocket endpoint: upgrade, auth handshake,
// join/leave, heartbeats, and device-originated session messages. One
// goroutine per connection runs the read loop; writes go through the
// connection's transport which serialises them.
type Handler struct {
	conns    *ConnMap
	presence *PresenceTracker
	streams  SessionSubscriber

	jwtSecret []byte

	heartbeatInterval time.Duration
	connTimeout       time.Duration

	upgrader websocket.Upgrader
	logger   zerolog.Logger
}

func NewHandler(conns *ConnMap, presence *PresenceTracker, streams SessionSubscriber, jwtSecret []byte, heartbeatInterval, connTimeout time.Duration) *Handler {
	return &Handler{
		conns:             conns,
		presence:          presence,
		streams:           streams,
		jwtSecret:         jwtSecret,
		heartbeatInterval: heartbeatInterval,
		connTimeout:       connTimeout,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// device tokens authenticate connections; the relay has no
			// browser-facing surface, so origin checks add nothing here.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: logger,
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("ws: upgrade failed")
		internal.GetSentryHubFromContextOrDefault(r.Context()).CaptureException(err)
		return
	}
	transport := newWSTransport(ws)
	go h.pingLoop(transport)
	h.readLoop(ws, transport)
}

func (h *Handler) pingLoop(t *wsTransport) {
	ticker := time.NewTicker(h.heartbeatInterval)
	defer ticker.Stop()
	for range ticker.C {
		if t.ping() != nil {
			return
		}
	}
}

func (h *Handler) readLoop(ws *websocket.Conn, transport *wsTransport) {
	// conn stays nil until the auth handshake completes.
	var conn *Conn
	var deviceID string
	log := h.logger

	ws.SetReadDeadline(time.Now().Add(h.connTimeout))
	ws.SetPongHandler(func(string) error {
		if deviceID != "" {
			h.presence.RecordHeartbeat(deviceID)
		}
		return ws.SetReadDeadline(time.Now().Add(h.connTimeout))
	})

	defer func() {
		transport.markClosed()
		if conn == nil {
			return
		}
		// Only tear down shared state this read loop still owns. When a
		// reconnect has superseded us, the registry holds the replacement's
		// Conn and its presence, membership and stream refcounts are not
		// ours to touch.
		cur := h.conns.Conn(deviceID)
		if cur == nil || cur.ConnID != conn.ConnID {
			log.Debug().Str("device", deviceID).Msg("ws: superseded connection closed")
			return
		}
		h.presence.DeviceDisconnected(deviceID)
		name := h.deviceName(deviceID)
		sessions := h.conns.Remove(deviceID)
		for _, sessionID := range sessions {
			h.streams.Unsubscribe(sessionID)
			h.conns.Broadcast(sessionID, NewPresenceMessage(sessionID, deviceID, name, PresenceLeft), deviceID)
		}
		log.Info().Str("device", deviceID).Strs("sessions", sessions).Msg("ws: connection closed")
	}()

	for {
		var msg Message
		if err := ws.ReadJSON(&msg); err != nil {
			var closeErr *websocket.CloseError
			if !errors.As(err, &closeErr) {
				log.Debug().Err(err).Msg("ws: read failed")
			}
			return
		}
		ws.SetReadDeadline(time.Now().Add(h.connTimeout))

		switch msg.Type {
		case MsgAuth:
			c, ok := h.handleAuth(transport, &msg)
			if !ok {
				return
			}
			conn = c
			deviceID = c.DeviceID
			log = h.logger.With().Str("device", deviceID).Logger()

		case MsgHeartbeat:
			if deviceID != "" {
				h.presence.RecordHeartbeat(deviceID)
			}

		case MsgJoinSession:
			h.handleJoin(transport, deviceID, msg.SessionID)

		case MsgLeaveSession:
			h.handleLeave(transport, deviceID, msg.SessionID)

		case MsgSessionMessage:
			h.relayToSession(transport, deviceID, &msg, MsgSessionMessageAck)

		case MsgRemoteControl:
			h.relayToSession(transport, deviceID, &msg, MsgControlAck)

		default:
			log.Debug().Str("type", string(msg.Type)).Msg("ws: ignoring unexpected message")
		}
	}
}

// handleAuth verifies the device token and promotes the connection. Returns
// the registered Conn, or false when the connection should be torn down.
func (h *Handler) handleAuth(transport *wsTransport, msg *Message) (*Conn, bool) {
	var payload AuthPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil || payload.DeviceID == "" {
		transport.Send(NewAuthResult(false, "malformed auth payload"))
		transport.Close(websocket.ClosePolicyViolation, "auth failed")
		return nil, false
	}
	auth, err := h.verifyDeviceToken(payload.DeviceToken)
	if err != nil {
		h.logger.Warn().Str("device", payload.DeviceID).Err(err).Msg("ws: auth rejected")
		transport.Send(NewAuthResult(false, "invalid device token"))
		transport.Close(websocket.ClosePolicyViolation, "auth failed")
		return nil, false
	}

	conn, prev := h.conns.Register(payload.DeviceID, transport)
	if prev != nil {
		// one connection per device: the newest wins, the old transport is
		// closed here so it can't double-deliver.
		prev.Close(CloseNormal, "superseded by new connection")
	}
	h.conns.Authenticate(payload.DeviceID, auth)
	h.presence.DeviceConnected(payload.DeviceID)
	transport.Send(NewAuthResult(true, ""))
	return conn, true
}

func (h *Handler) verifyDeviceToken(deviceToken string) (AuthContext, error) {
	token, err := jwt.Parse(deviceToken, func(t *jwt.Token) (interface{}, error) {
		return h.jwtSecret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return AuthContext{}, err
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return AuthContext{}, errors.New("unexpected claims type")
	}
	userID, _ := claims["sub"].(string)
	if userID == "" {
		return AuthContext{}, errors.New("token has no subject")
	}
	deviceName, _ := claims["deviceName"].(string)
	return AuthContext{UserID: userID, DeviceName: deviceName}, nil
}

func (h *Handler) handleJoin(transport *wsTransport, deviceID, sessionID string) {
	if sessionID == "" {
		transport.Send(NewErrorMessage("missing sessionId"))
		return
	}
	if !h.conns.Subscribe(deviceID, sessionID) {
		transport.Send(NewErrorMessage("not authenticated"))
		return
	}
	h.streams.Subscribe(sessionID)
	ok := true
	transport.Send(&Message{
		Type:      MsgSubscribed,
		SessionID: sessionID,
		Success:   &ok,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
	h.conns.Broadcast(sessionID, NewPresenceMessage(sessionID, deviceID, h.deviceName(deviceID), PresenceJoined), deviceID)
}

func (h *Handler) handleLeave(transport *wsTransport, deviceID, sessionID string) {
	if !h.conns.Unsubscribe(deviceID, sessionID) {
		return
	}
	h.streams.Unsubscribe(sessionID)
	ok := true
	transport.Send(&Message{
		Type:      MsgUnsubscribed,
		SessionID: sessionID,
		Success:   &ok,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
	h.conns.Broadcast(sessionID, NewPresenceMessage(sessionID, deviceID, h.deviceName(deviceID), PresenceLeft), deviceID)
}

// relayToSession forwards a device-originated message to the rest of the
// session and acks the sender. The payload is opaque to the relay.
func (h *Handler) relayToSession(transport *wsTransport, deviceID string, msg *Message, ackType MessageType) {
	if deviceID == "" || msg.SessionID == "" {
		transport.Send(NewErrorMessage("not in a session"))
		return
	}
	h.conns.Broadcast(msg.SessionID, msg, deviceID)
	transport.Send(NewMessage(ackType).WithSession(msg.SessionID))
}

func (h *Handler) deviceName(deviceID string) string {
	conn := h.conns.Conn(deviceID)
	if conn == nil {
		return ""
	}
	return conn.Auth().DeviceName
}
