package ranking

import (
	"sync"
	"time"

	"github.com/devrev/engagement/internal/model"
)

// snapshotCache keeps the last top-N read per entity type in process so
// TopN can still answer while the cache store is down
type snapshotCache struct {
	data map[model.EntityType]*snapshotItem
	mu   sync.RWMutex
	ttl  time.Duration
}

type snapshotItem struct {
	members   []string
	expiresAt time.Time
}

func newSnapshotCache(ttl time.Duration) *snapshotCache {
	return &snapshotCache{
		data: make(map[model.EntityType]*snapshotItem),
		ttl:  ttl,
	}
}

// Get returns up to n members of a live snapshot
func (c *snapshotCache) Get(entityType model.EntityType, n int) ([]string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	item, exists := c.data[entityType]
	if !exists {
		return nil, false
	}

	// Check if expired
	if time.Now().After(item.expiresAt) {
		return nil, false
	}

	if n > len(item.members) {
		n = len(item.members)
	}
	out := make([]string, n)
	copy(out, item.members[:n])
	return out, true
}

// Set stores a top-N read. complete means the read returned the whole
// board. A shorter partial read never replaces a longer live snapshot, so a
// small page does not shrink what a later fallback can serve.
func (c *snapshotCache) Set(entityType model.EntityType, members []string, complete bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	if item, exists := c.data[entityType]; exists && !complete &&
		now.Before(item.expiresAt) && len(members) < len(item.members) {
		return
	}

	stored := make([]string, len(members))
	copy(stored, members)
	c.data[entityType] = &snapshotItem{
		members:   stored,
		expiresAt: now.Add(c.ttl),
	}
}
