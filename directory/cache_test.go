package directory

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"
)

type countingDirectory struct {
	mu          sync.Mutex
	devices     map[string]Device
	fetches     int
	fetchedIDs  [][]string
	deactivated []string
	err         error
}

func newCountingDirectory(devices ...Device) *countingDirectory {
	d := &countingDirectory{devices: make(map[string]Device)}
	for _, dev := range devices {
		d.devices[dev.ID] = dev
	}
	return d
}

func (d *countingDirectory) Devices(ctx context.Context, deviceIDs []string) ([]Device, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fetches++
	d.fetchedIDs = append(d.fetchedIDs, deviceIDs)
	if d.err != nil {
		return nil, d.err
	}
	var out []Device
	for _, id := range deviceIDs {
		if dev, ok := d.devices[id]; ok {
			out = append(out, dev)
		}
	}
	return out, nil
}

func (d *countingDirectory) DeactivatePushToken(ctx context.Context, deviceID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.deactivated = append(d.deactivated, deviceID)
	return nil
}

func device(id string) Device {
	tok := "tok-" + id
	return Device{ID: id, UserID: "u1", DisplayName: id, PushToken: &tok, PushEnvironment: EnvSandbox, PushEnabled: true}
}

func TestCachedDirectoryServesHits(t *testing.T) {
	inner := newCountingDirectory(device("a"), device("b"))
	c := NewCachedDirectory(inner, time.Minute)
	defer c.Stop()
	ctx := context.Background()

	got, err := c.Devices(ctx, []string{"a", "b"})
	if err != nil || len(got) != 2 {
		t.Fatalf("first lookup: %v, %d devices", err, len(got))
	}
	got, err = c.Devices(ctx, []string{"a", "b"})
	if err != nil || len(got) != 2 {
		t.Fatalf("second lookup: %v, %d devices", err, len(got))
	}
	if inner.fetches != 1 {
		t.Fatalf("second lookup should be served from cache, got %d fetches", inner.fetches)
	}
}

func TestCachedDirectoryFetchesOnlyMisses(t *testing.T) {
	inner := newCountingDirectory(device("a"), device("b"))
	c := NewCachedDirectory(inner, time.Minute)
	defer c.Stop()
	ctx := context.Background()

	if _, err := c.Devices(ctx, []string{"a"}); err != nil {
		t.Fatalf("warm a: %s", err)
	}
	if _, err := c.Devices(ctx, []string{"a", "b"}); err != nil {
		t.Fatalf("mixed lookup: %s", err)
	}
	if inner.fetches != 2 {
		t.Fatalf("want 2 fetches, got %d", inner.fetches)
	}
	last := inner.fetchedIDs[1]
	if len(last) != 1 || last[0] != "b" {
		t.Fatalf("second fetch should cover only the miss, got %v", last)
	}
}

func TestCachedDirectoryMissErrorFailsWholeLookup(t *testing.T) {
	inner := newCountingDirectory(device("a"))
	c := NewCachedDirectory(inner, time.Minute)
	defer c.Stop()
	ctx := context.Background()

	if _, err := c.Devices(ctx, []string{"a"}); err != nil {
		t.Fatalf("warm a: %s", err)
	}
	inner.err = fmt.Errorf("connection refused")
	if _, err := c.Devices(ctx, []string{"a", "b"}); err == nil {
		t.Fatalf("a failed miss-fetch must fail the lookup")
	}
}

func TestCachedDirectoryDeactivateInvalidates(t *testing.T) {
	inner := newCountingDirectory(device("a"))
	c := NewCachedDirectory(inner, time.Minute)
	defer c.Stop()
	ctx := context.Background()

	if _, err := c.Devices(ctx, []string{"a"}); err != nil {
		t.Fatalf("warm a: %s", err)
	}
	if err := c.DeactivatePushToken(ctx, "a"); err != nil {
		t.Fatalf("deactivate: %s", err)
	}
	if len(inner.deactivated) != 1 || inner.deactivated[0] != "a" {
		t.Fatalf("deactivate not delegated: %v", inner.deactivated)
	}
	if _, err := c.Devices(ctx, []string{"a"}); err != nil {
		t.Fatalf("re-lookup: %s", err)
	}
	if inner.fetches != 2 {
		t.Fatalf("deactivated device should be refetched, got %d fetches", inner.fetches)
	}
}

func TestDevicePushable(t *testing.T) {
	d := device("a")
	if !d.Pushable() {
		t.Fatalf("device with a token should be pushable")
	}
	d.PushEnabled = false
	if d.Pushable() {
		t.Fatalf("opted-out device must not be pushable")
	}
	d.PushEnabled = true
	empty := ""
	d.PushToken = &empty
	if d.Pushable() {
		t.Fatalf("empty token must not be pushable")
	}
	d.PushToken = nil
	if d.Pushable() {
		t.Fatalf("nil token must not be pushable")
	}
}
