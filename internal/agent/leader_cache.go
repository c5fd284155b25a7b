package agent

import (
	"sync"
	"time"

	"github.com/soltixdb/meshcoord/internal/models"
)

// LeaderCache remembers the last known main node of each level along with the
// time it was elected. Notices can arrive out of order; one older than the
// cached entry never replaces it.
type LeaderCache struct {
	mu      sync.RWMutex
	leaders map[string]leaderEntry
}

// An entry with an empty nodeID marks a level whose leader went away
type leaderEntry struct {
	nodeID    string
	electedAt time.Time
}

// NewLeaderCache creates an empty cache
func NewLeaderCache() *LeaderCache {
	return &LeaderCache{leaders: make(map[string]leaderEntry)}
}

// Set records nodeID as main of level as of electedAt and reports whether the
// cached leader changed
func (c *LeaderCache) Set(level models.Level, nodeID string, electedAt time.Time) bool {
	key := level.Key()
	c.mu.Lock()
	defer c.mu.Unlock()
	cur, ok := c.leaders[key]
	if ok && electedAt.Before(cur.electedAt) {
		return false
	}
	c.leaders[key] = leaderEntry{nodeID: nodeID, electedAt: electedAt}
	return !ok || cur.nodeID != nodeID
}

// Get returns the cached main node of level
func (c *LeaderCache) Get(level models.Level) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.leaders[level.Key()]
	return e.nodeID, ok && e.nodeID != ""
}

// ElectedAt returns the election time of the cached entry of level
func (c *LeaderCache) ElectedAt(level models.Level) (time.Time, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.leaders[level.Key()]
	return e.electedAt, ok
}

// Forget clears the entry of level when it still names nodeID. The election
// time is kept so a late notice about that leader stays ignored.
func (c *LeaderCache) Forget(level models.Level, nodeID string) bool {
	key := level.Key()
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.leaders[key]
	if !ok || e.nodeID != nodeID || nodeID == "" {
		return false
	}
	c.leaders[key] = leaderEntry{electedAt: e.electedAt}
	return true
}

// Snapshot copies the known leaders keyed by level key
func (c *LeaderCache) Snapshot() map[string]string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]string, len(c.leaders))
	for k, e := range c.leaders {
		if e.nodeID != "" {
			out[k] = e.nodeID
		}
	}
	return out
}
