// Package cache holds the live, in-memory view of every tag's last sample.
// Exactly one BusSession mutates the entries for the devices on its bus;
// the only other caller, the Archiver, only ever reads.
package cache

import (
	"sync"
	"time"

	"github.com/modbus-scada/engine/internal/store"
)

// Cache is a concurrency-safe device/tag -> Sample table.
type Cache struct {
	mu      sync.RWMutex
	samples map[string]map[string]store.Sample // deviceID -> tagID -> Sample
}

// New returns an empty Cache.
func New() *Cache {
	return &Cache{samples: make(map[string]map[string]store.Sample)}
}

// Put records the latest sample for a tag, overwriting any previous one.
func (c *Cache) Put(s store.Sample) {
	c.mu.Lock()
	defer c.mu.Unlock()
	tags, ok := c.samples[s.DeviceID]
	if !ok {
		tags = make(map[string]store.Sample)
		c.samples[s.DeviceID] = tags
	}
	tags[s.TagID] = s
}

// PutOK is a convenience for recording a successful read.
func (c *Cache) PutOK(deviceID, tagID string, value float64, ts time.Time) {
	v := value
	c.Put(store.Sample{DeviceID: deviceID, TagID: tagID, Value: &v, Timestamp: ts})
}

// PutError records a failed read/write attempt, clearing any stale value.
func (c *Cache) PutError(deviceID, tagID, errMsg string, ts time.Time) {
	c.Put(store.Sample{DeviceID: deviceID, TagID: tagID, Value: nil, Error: errMsg, Timestamp: ts})
}

// Get returns the current sample for a tag, if one has ever been recorded.
func (c *Cache) Get(deviceID, tagID string) (store.Sample, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	tags, ok := c.samples[deviceID]
	if !ok {
		return store.Sample{}, false
	}
	s, ok := tags[tagID]
	return s, ok
}

// SnapshotDevice returns a copy of every sample currently held for a
// device, keyed by tag ID. Safe to range over without holding the Cache's
// lock.
func (c *Cache) SnapshotDevice(deviceID string) map[string]store.Sample {
	c.mu.RLock()
	defer c.mu.RUnlock()
	tags := c.samples[deviceID]
	out := make(map[string]store.Sample, len(tags))
	for k, v := range tags {
		out[k] = v
	}
	return out
}

// Snapshot returns a full copy of the cache, device ID -> tag ID -> Sample.
func (c *Cache) Snapshot() map[string]map[string]store.Sample {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]map[string]store.Sample, len(c.samples))
	for device, tags := range c.samples {
		inner := make(map[string]store.Sample, len(tags))
		for tagID, s := range tags {
			inner[tagID] = s
		}
		out[device] = inner
	}
	return out
}

// EvictTag removes one tag's entry. Nothing in the engine calls it, so a
// deleted tag's last sample stays in the cache.
func (c *Cache) EvictTag(deviceID, tagID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if tags, ok := c.samples[deviceID]; ok {
		delete(tags, tagID)
	}
}

// EvictDevice removes every entry for a device. Nothing in the engine
// calls it: BusSession.Stop and Engine.ReloadNode leave the stopped
// devices' samples in the cache.
func (c *Cache) EvictDevice(deviceID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.samples, deviceID)
}
