package push

import (
	"context"
	"fmt"
	"sync"

	"github.com/imbhargav5/unbound.computer-sub009/directory"
	"github.com/sideshow/apns2"
	"github.com/sideshow/apns2/token"
)

// PushType maps to the provider's apns-push-type header.
type PushType string

const (
	TypeAlert        PushType = "alert"
	TypeBackground   PushType = "background"
	TypeLiveActivity PushType = "liveactivity"
)

// Request is one push to one device token.
type Request struct {
	DeviceToken string
	Environment directory.Environment
	Type        PushType
	Priority    int
	CollapseID  string
	Payload     []byte
}

// Result is the structured outcome of a push attempt. Failures are values,
// never errors: a push failing must not disturb whatever triggered it.
type Result struct {
	DeviceID   string
	Sent       bool
	StatusCode int
	Reason     string
}

// TokenDead reports whether the provider marked the token as permanently
// unusable, meaning it should be deactivated in the directory.
func (r Result) TokenDead() bool {
	switch r.Reason {
	case apns2.ReasonBadDeviceToken, apns2.ReasonUnregistered, apns2.ReasonDeviceTokenNotForTopic:
		return true
	}
	return false
}

// Gateway delivers provider pushes.
type Gateway interface {
	Push(ctx context.Context, req *Request) Result
}

// APNSGateway holds one persistent multiplexed connection per provider
// environment, each lazily established on first use and reused across
// requests. Request auth uses a signed provider token; the library
// regenerates it shortly before the provider's 60 minute validity lapses and
// caches it in between.
type APNSGateway struct {
	token *token.Token
	topic string

	mu      sync.Mutex
	clients map[directory.Environment]*apns2.Client
}

// NewAPNSGateway loads the signing key. An unreadable or malformed key is
// returned as an error so the caller can disable the push subsystem outright
// instead of failing every request.
func NewAPNSGateway(keyFile, keyID, teamID, topic string) (*APNSGateway, error) {
	authKey, err := token.AuthKeyFromFile(keyFile)
	if err != nil {
		return nil, fmt.Errorf("load APNs auth key: %w", err)
	}
	return &APNSGateway{
		token: &token.Token{
			AuthKey: authKey,
			KeyID:   keyID,
			TeamID:  teamID,
		},
		topic:   topic,
		clients: make(map[directory.Environment]*apns2.Client),
	}, nil
}

func (g *APNSGateway) client(env directory.Environment) *apns2.Client {
	g.mu.Lock()
	defer g.mu.Unlock()
	if c := g.clients[env]; c != nil {
		return c
	}
	c := apns2.NewTokenClient(g.token)
	if env == directory.EnvProduction {
		c = c.Production()
	} else {
		c = c.Development()
	}
	g.clients[env] = c
	return c
}

func (g *APNSGateway) Push(ctx context.Context, req *Request) Result {
	n := &apns2.Notification{
		DeviceToken: req.DeviceToken,
		Topic:       g.topic,
		CollapseID:  req.CollapseID,
		Priority:    req.Priority,
		Payload:     req.Payload,
	}
	switch req.Type {
	case TypeBackground:
		n.PushType = apns2.PushTypeBackground
	case TypeLiveActivity:
		n.PushType = apns2.PushTypeLiveActivity
		// live activities target <bundle id>.push-type.liveactivity
		n.Topic = g.topic + ".push-type.liveactivity"
	default:
		n.PushType = apns2.PushTypeAlert
	}

	res, err := g.client(req.Environment).PushWithContext(ctx, n)
	if err != nil {
		// transport-level failure (connection drop, timeout): a result, not
		// a fault
		return Result{Reason: err.Error()}
	}
	return Result{
		Sent:       res.Sent(),
		StatusCode: res.StatusCode,
		Reason:     res.Reason,
	}
}

// Shutdown drops the persistent provider connections. Safe to call once
// in-flight pushes have completed.
func (g *APNSGateway) Shutdown() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, c := range g.clients {
		c.HTTPClient.CloseIdleConnections()
	}
	g.clients = make(map[directory.Environment]*apns2.Client)
}
