package poller

import (
	"context"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/imbhargav5/unbound.computer-sub009/internal"
	"github.com/imbhargav5/unbound.computer-sub009/pubsub"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

const anchorTimeout = 5 * time.Second

// cursor tracks the last-consumed entry ID for one stream, refcounted by the
// number of interested subscribers. An empty lastID means the anchor read
// failed at subscribe time and will be retried on the next poll cycle.
type cursor struct {
	lastID string
	refs   int
}

// Poller periodically reads new entries from every subscribed session stream
// and publishes them, in stream order, onto the pubsub channel. Cursors are
// in-memory only: delivery is at-least-once while the process runs, and a
// restart re-anchors every stream at "latest" (no backfill).
type Poller struct {
	source    StreamSource
	notifier  pubsub.Notifier
	batchSize int64

	mu      sync.Mutex
	cursors map[string]*cursor

	ticker   *time.Ticker
	done     chan struct{}
	finished chan struct{}
	logger   zerolog.Logger

	// optional; set via SetMetrics
	numPollErrors prometheus.Counter
	numEntries    prometheus.Counter
}

// NewPoller polls every interval. If interval is 0 no ticker is created and
// the caller drives PollOnce directly, which is useful for testing.
func NewPoller(source StreamSource, notifier pubsub.Notifier, interval time.Duration, batchSize int64) *Poller {
	p := &Poller{
		source:    source,
		notifier:  notifier,
		batchSize: batchSize,
		cursors:   make(map[string]*cursor),
		done:      make(chan struct{}),
		finished:  make(chan struct{}),
		logger:    logger,
	}
	if interval != 0 {
		p.ticker = time.NewTicker(interval)
	}
	return p
}

// SetMetrics attaches counters for whole-batch read failures and entries read.
func (p *Poller) SetMetrics(pollErrors, numEntries prometheus.Counter) {
	p.numPollErrors = pollErrors
	p.numEntries = numEntries
}

// Subscribe registers interest in a session, one refcount per caller. The
// first subscriber anchors each of the session's stream cursors at the
// current stream tail, so pre-existing backlog is never delivered. The anchor
// reads hit the stream source, so they run outside the cursor lock; until
// they land the cursor sits unanchored and is skipped by the poll cycle.
func (p *Poller) Subscribe(sessionID string) {
	p.mu.Lock()
	var pending []string
	for _, kind := range Kinds {
		key := streamKey(sessionID, kind)
		if c := p.cursors[key]; c != nil {
			c.refs++
			continue
		}
		p.cursors[key] = &cursor{refs: 1}
		pending = append(pending, key)
	}
	p.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), anchorTimeout)
	defer cancel()
	for _, key := range pending {
		lastID, err := p.source.LatestID(ctx, key)
		if err != nil {
			// anchor lazily on the next cycle rather than failing the join
			p.logger.Warn().Str("stream", key).Err(err).Msg("poller: anchor read failed")
			continue
		}
		p.anchor(key, lastID)
	}
	p.logger.Info().Str("session", sessionID).Msg("poller: subscribed")
}

// anchor installs a subscribe-time anchor, unless the cursor was dropped or
// already anchored while the read was in flight.
func (p *Poller) anchor(key, lastID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c := p.cursors[key]; c != nil && c.lastID == "" {
		c.lastID = lastID
	}
}

// Unsubscribe drops one refcount for a session; the cursors are deleted when
// nobody is interested anymore. A later resubscribe re-anchors at "latest".
func (p *Poller) Unsubscribe(sessionID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, kind := range Kinds {
		key := streamKey(sessionID, kind)
		c := p.cursors[key]
		if c == nil {
			continue
		}
		c.refs--
		if c.refs <= 0 {
			delete(p.cursors, key)
		}
	}
}

// NumStreams returns how many stream cursors are currently active.
func (p *Poller) NumStreams() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.cursors)
}

// snapshotCursors returns the current cursor positions, re-anchoring any
// cursor whose subscribe-time anchor read failed. Streams that still cannot
// be anchored are skipped this cycle.
func (p *Poller) snapshotCursors(ctx context.Context) map[string]string {
	p.mu.Lock()
	snapshot := make(map[string]string, len(p.cursors))
	var pending []string
	for key, c := range p.cursors {
		if c.lastID == "" {
			pending = append(pending, key)
			continue
		}
		snapshot[key] = c.lastID
	}
	p.mu.Unlock()

	for _, key := range pending {
		lastID, err := p.source.LatestID(ctx, key)
		if err != nil {
			continue
		}
		p.anchor(key, lastID)
		p.mu.Lock()
		if c := p.cursors[key]; c != nil {
			snapshot[key] = c.lastID
		}
		p.mu.Unlock()
	}
	return snapshot
}

// PollOnce runs a single poll cycle: one multi-stream read at the snapshotted
// cursor positions, then per-stream cursor advancement and fan-out. A read
// error leaves every cursor unmoved so the whole batch is re-read next cycle.
func (p *Poller) PollOnce(ctx context.Context) {
	cursors := p.snapshotCursors(ctx)
	if len(cursors) == 0 {
		return
	}
	res, err := p.source.Read(ctx, cursors, p.batchSize)
	if err != nil {
		p.logger.Warn().Err(err).Int("num_streams", len(cursors)).Msg("poller: batch read failed")
		if p.numPollErrors != nil {
			p.numPollErrors.Inc()
		}
		return
	}

	type activity struct {
		numEntries  int
		lastEntryID string
	}
	activities := make(map[string]*activity)

	for key, entries := range res {
		if len(entries) == 0 {
			continue
		}
		sessionID, kind, ok := parseStreamKey(key)
		if !ok {
			// a bad key never aborts the rest of the batch
			p.logger.Warn().Str("stream", key).Msg("poller: unparseable stream key")
			continue
		}
		last := entries[len(entries)-1].ID
		p.advance(key, last)
		if p.numEntries != nil {
			p.numEntries.Add(float64(len(entries)))
		}

		for _, e := range entries {
			payload, err := decodeEntry(sessionID, kind, e)
			if err != nil {
				p.logger.Debug().Str("stream", key).Err(err).Msg("poller: skipping undecodable entry")
				continue
			}
			if err := p.notifier.Notify(pubsub.ChanStreams, payload); err != nil {
				p.logger.Warn().Str("stream", key).Err(err).Msg("poller: notify failed")
			}
		}

		act := activities[sessionID]
		if act == nil {
			act = &activity{}
			activities[sessionID] = act
		}
		act.numEntries += len(entries)
		if act.lastEntryID == "" || entryIDLess(act.lastEntryID, last) {
			act.lastEntryID = last
		}
	}

	// one activity summary per session per cycle, however many entries and
	// streams produced it
	for sessionID, act := range activities {
		err := p.notifier.Notify(pubsub.ChanStreams, &pubsub.SessionActivity{
			SessionID:   sessionID,
			NumEntries:  act.numEntries,
			LastEntryID: act.lastEntryID,
		})
		if err != nil {
			p.logger.Warn().Str("session", sessionID).Err(err).Msg("poller: activity notify failed")
		}
	}
}

// advance moves a cursor forward. Cursors removed by a concurrent
// unsubscribe stay removed, and a cursor never moves backwards.
func (p *Poller) advance(key, newID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c := p.cursors[key]
	if c == nil {
		return
	}
	internal.Assert("cursor only moves forward", c.lastID == "" || !entryIDLess(newID, c.lastID))
	if c.lastID == "" || entryIDLess(c.lastID, newID) {
		c.lastID = newID
	}
}

// entryIDLess compares two stream entry IDs of the form "<ms>-<seq>".
func entryIDLess(a, b string) bool {
	ams, aseq := splitEntryID(a)
	bms, bseq := splitEntryID(b)
	if ams != bms {
		return ams < bms
	}
	return aseq < bseq
}

func splitEntryID(id string) (ms, seq uint64) {
	part, rest, _ := strings.Cut(id, "-")
	ms, _ = strconv.ParseUint(part, 10, 64)
	seq, _ = strconv.ParseUint(rest, 10, 64)
	return ms, seq
}

// Run blocks, polling until Stop is called. No-op when constructed without an
// interval.
func (p *Poller) Run() {
	if p.ticker == nil {
		return
	}
	defer close(p.finished)
	for {
		select {
		case <-p.done:
			return
		case <-p.ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), anchorTimeout)
			p.PollOnce(ctx)
			cancel()
		}
	}
}

// Stop polling. Blocks until an in-flight cycle has completed, so the caller
// can safely tear down the notifier afterwards.
func (p *Poller) Stop() {
	if p.ticker != nil {
		p.ticker.Stop()
	}
	close(p.done)
	if p.ticker != nil {
		<-p.finished
	}
}
