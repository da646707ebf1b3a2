package push

import (
	"context"
	"encoding/json"
	"os"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/imbhargav5/unbound.computer-sub009/directory"
	"github.com/imbhargav5/unbound.computer-sub009/internal"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

// MemberSource is how the dispatcher asks who is in a session.
type MemberSource interface {
	Members(sessionID string) []string
}

// PresenceSource reports whether a device is currently reachable over its
// live connection.
type PresenceSource interface {
	IsOnline(deviceID string) bool
}

// Options tweak one Dispatch call.
type Options struct {
	// ExcludeDeviceID is never pushed to, typically the device that caused
	// the notification.
	ExcludeDeviceID string
	// ActorName is interpolated into the alert text for kinds that name a
	// device.
	ActorName string
	// Background sends a silent wake-up instead of a visible alert.
	Background bool
}

// Dispatcher delivers provider pushes to session members who have no live
// connection. It is constructed disabled when the provider credentials are
// missing, in which case every call is a silent no-op: a missing key file
// should cost one startup log line, not an error per event.
type Dispatcher struct {
	members  MemberSource
	presence PresenceSource
	dir      directory.Directory
	gw       Gateway
	pool     *internal.WorkerPool
	logger   zerolog.Logger

	// optional; set via SetMetrics. Labelled by outcome: sent | failed.
	numResults *prometheus.CounterVec
}

// NewDispatcher wires the dispatcher. Passing a nil gateway disables it.
func NewDispatcher(members MemberSource, presence PresenceSource, dir directory.Directory, gw Gateway) *Dispatcher {
	d := &Dispatcher{
		members:  members,
		presence: presence,
		dir:      dir,
		gw:       gw,
		logger:   logger,
	}
	if gw != nil {
		// bounded by what one provider connection comfortably multiplexes
		d.pool = internal.NewWorkerPool(16)
		d.pool.Start()
	}
	return d
}

func (d *Dispatcher) Enabled() bool {
	return d.gw != nil
}

// SetMetrics attaches a per-outcome push result counter.
func (d *Dispatcher) SetMetrics(results *prometheus.CounterVec) {
	d.numResults = results
}

// Dispatch pushes a notification of the given kind to every session member
// that is offline, excluded from nothing but the options. Individual device
// failures are independent: one bad token never cancels the others. Returns
// one result per attempted device.
func (d *Dispatcher) Dispatch(ctx context.Context, sessionID string, kind Kind, opts Options) []Result {
	if d.gw == nil {
		return nil
	}
	var offline []string
	for _, deviceID := range d.members.Members(sessionID) {
		if deviceID == opts.ExcludeDeviceID || d.presence.IsOnline(deviceID) {
			continue
		}
		offline = append(offline, deviceID)
	}
	if len(offline) == 0 {
		return nil
	}

	devices, err := d.dir.Devices(ctx, offline)
	if err != nil {
		d.logger.Warn().Str("session", sessionID).Err(err).Msg("push: credential lookup failed")
		return nil
	}

	var payload []byte
	pushType := TypeAlert
	if opts.Background {
		payload = BuildBackgroundPayload(kind, sessionID)
		pushType = TypeBackground
	} else {
		payload = BuildAlertPayload(kind, sessionID, opts.ActorName)
	}
	// rapid repeats of the same kind coalesce into one visible notification
	collapseID := sessionID + ":" + string(kind)

	var wg sync.WaitGroup
	var mu sync.Mutex
	var results []Result
	for _, dev := range devices {
		if !dev.Pushable() {
			continue
		}
		dev := dev
		wg.Add(1)
		d.pool.Queue(func() {
			defer wg.Done()
			res := d.gw.Push(ctx, &Request{
				DeviceToken: *dev.PushToken,
				Environment: dev.PushEnvironment,
				Type:        pushType,
				Priority:    10,
				CollapseID:  collapseID,
				Payload:     payload,
			})
			res.DeviceID = dev.ID
			d.afterPush(ctx, sessionID, res)
			mu.Lock()
			results = append(results, res)
			mu.Unlock()
		})
	}
	wg.Wait()
	return results
}

// NotifyActivity collapses one poll cycle's worth of new entries into a
// single "there is new activity" push per offline member.
func (d *Dispatcher) NotifyActivity(ctx context.Context, sessionID string, numEntries int) {
	if numEntries == 0 {
		return
	}
	d.Dispatch(ctx, sessionID, KindRunUpdate, Options{})
}

// UpdateLiveActivity updates (or ends) a standing live activity on one
// device. Ending it deactivates the activity token in the directory so the
// device is not targeted again.
func (d *Dispatcher) UpdateLiveActivity(ctx context.Context, deviceID, activityToken string, env directory.Environment, contentState json.RawMessage, end bool) Result {
	if d.gw == nil {
		return Result{DeviceID: deviceID, Reason: "push disabled"}
	}
	event := LiveActivityUpdate
	if end {
		event = LiveActivityEnd
	}
	res := d.gw.Push(ctx, &Request{
		DeviceToken: activityToken,
		Environment: env,
		Type:        TypeLiveActivity,
		Priority:    10,
		Payload:     BuildLiveActivityPayload(event, contentState),
	})
	res.DeviceID = deviceID
	if end || res.TokenDead() {
		if err := d.dir.DeactivatePushToken(ctx, deviceID); err != nil {
			d.logger.Warn().Str("device", deviceID).Err(err).Msg("push: deactivate after live activity end failed")
		}
	}
	return res
}

func (d *Dispatcher) afterPush(ctx context.Context, sessionID string, res Result) {
	if d.numResults != nil {
		outcome := "failed"
		if res.Sent {
			outcome = "sent"
		}
		d.numResults.WithLabelValues(outcome).Inc()
	}
	if res.Sent {
		d.logger.Debug().Str("device", res.DeviceID).Str("session", sessionID).Msg("push: sent")
		return
	}
	d.logger.Warn().Str("device", res.DeviceID).Str("session", sessionID).Int("status", res.StatusCode).Str("reason", res.Reason).Msg("push: failed")
	if res.TokenDead() {
		if err := d.dir.DeactivatePushToken(ctx, res.DeviceID); err != nil {
			d.logger.Warn().Str("device", res.DeviceID).Err(err).Msg("push: deactivate dead token failed")
		}
	}
}

// Stop drains the worker pool. Only really useful for tests.
func (d *Dispatcher) Stop() {
	if d.pool != nil {
		d.pool.Stop()
	}
}
