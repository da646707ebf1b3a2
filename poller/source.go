package poller

import (
	"context"
)

// StreamSource reads the external durable streams. The relay only ever
// reads; a separate writer appends.
type StreamSource interface {
	// LatestID returns the ID of the newest entry in the stream, or "0-0" if
	// the stream is empty or does not exist yet. Used to anchor a fresh
	// cursor at "now" so new subscribers never receive backlog.
	LatestID(ctx context.Context, key string) (string, error)
	// Read performs one non-blocking multi-stream read: for each key, return
	// the entries appended strictly after the given cursor ID, up to count
	// per stream, in insertion order. Streams with nothing new are simply
	// absent from the result.
	Read(ctx context.Context, cursors map[string]string, count int64) (map[string][]Entry, error)
}
