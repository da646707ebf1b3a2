package directory

import (
	"context"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// CachedDirectory wraps a Directory with a short-lived per-device cache so a
// busy session doesn't hammer the directory once per poll cycle. Credential
// changes propagate within the TTL, which is acceptable: a push to a stale
// token fails harmlessly.
type CachedDirectory struct {
	inner Directory
	cache *ttlcache.Cache[string, Device]
}

func NewCachedDirectory(inner Directory, ttl time.Duration) *CachedDirectory {
	cache := ttlcache.New[string, Device](
		ttlcache.WithTTL[string, Device](ttl),
		ttlcache.WithDisableTouchOnHit[string, Device](),
	)
	go cache.Start()
	return &CachedDirectory{
		inner: inner,
		cache: cache,
	}
}

func (c *CachedDirectory) Devices(ctx context.Context, deviceIDs []string) ([]Device, error) {
	var devices []Device
	var misses []string
	for _, id := range deviceIDs {
		if item := c.cache.Get(id); item != nil {
			devices = append(devices, item.Value())
			continue
		}
		misses = append(misses, id)
	}
	if len(misses) == 0 {
		return devices, nil
	}
	fetched, err := c.inner.Devices(ctx, misses)
	if err != nil {
		// partial results are worse than none here: the caller would
		// silently skip the missed devices
		return nil, err
	}
	for _, dev := range fetched {
		c.cache.Set(dev.ID, dev, ttlcache.DefaultTTL)
		devices = append(devices, dev)
	}
	return devices, nil
}

func (c *CachedDirectory) DeactivatePushToken(ctx context.Context, deviceID string) error {
	c.cache.Delete(deviceID)
	return c.inner.DeactivatePushToken(ctx, deviceID)
}

func (c *CachedDirectory) Stop() {
	c.cache.Stop()
}
