package normalize

import (
	"sync/atomic"

	"github.com/hearthpipe/hearthpipe/pkg/metrics"
)

// RegistryEntry is the spatial metadata attached to an entity by
// discovery.
type RegistryEntry struct {
	DeviceID string
	AreaID   string
}

// RegistryCache maps entity IDs to their device and area. The map is
// replaced atomically on every discovery run; readers always see a
// consistent snapshot and the cache is never mutated in place.
type RegistryCache struct {
	snapshot atomic.Pointer[map[string]RegistryEntry]
}

// NewRegistryCache creates an empty cache.
func NewRegistryCache() *RegistryCache {
	c := &RegistryCache{}
	empty := make(map[string]RegistryEntry)
	c.snapshot.Store(&empty)
	return c
}

// Lookup returns the registry entry for an entity, if discovery has seen
// it.
func (c *RegistryCache) Lookup(entityID string) (RegistryEntry, bool) {
	m := *c.snapshot.Load()
	entry, ok := m[entityID]
	return entry, ok
}

// Replace publishes a new snapshot. The previous snapshot stays visible
// to readers that already hold it.
func (c *RegistryCache) Replace(entries map[string]RegistryEntry) {
	c.snapshot.Store(&entries)
	metrics.RegistryEntities.Set(float64(len(entries)))
}

// Size returns the number of entities in the current snapshot.
func (c *RegistryCache) Size() int {
	return len(*c.snapshot.Load())
}
