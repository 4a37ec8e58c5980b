// Package dedup suppresses repeat processing of the same video in the same
// conversation within a TTL window. Entries are inserted only after a result
// has actually been delivered, so a failed delivery never burns the window.
package dedup

import (
	"fmt"
	"sync"
	"time"
)

// Cache is a bounded in-memory suppression table.
type Cache struct {
	ttl        time.Duration
	maxEntries int

	mu    sync.RWMutex
	items map[string]time.Time // key -> expiry

	now func() time.Time // test hook
}

// New returns a cache with the given TTL and garbage-collection threshold.
func New(ttl time.Duration, maxEntries int) *Cache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if maxEntries <= 0 {
		maxEntries = 256
	}
	return &Cache{
		ttl:        ttl,
		maxEntries: maxEntries,
		items:      make(map[string]time.Time),
		now:        time.Now,
	}
}

func key(conversationID int64, videoID string) string {
	return fmt.Sprintf("%d/%s", conversationID, videoID)
}

// Suppressed reports whether this (conversation, video) pair was delivered
// within the TTL window.
func (c *Cache) Suppressed(conversationID int64, videoID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	exp, ok := c.items[key(conversationID, videoID)]
	return ok && c.now().Before(exp)
}

// Mark records a successful delivery, starting the suppression window.
// Callers must only invoke it after the result actually went out.
func (c *Cache) Mark(conversationID int64, videoID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.items) >= c.maxEntries {
		c.gcLocked()
	}
	c.items[key(conversationID, videoID)] = c.now().Add(c.ttl)
}

// Len returns the current table size, including not-yet-collected expired
// entries.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// gcLocked drops expired entries; called opportunistically once the table
// crosses the size threshold.
func (c *Cache) gcLocked() {
	now := c.now()
	for k, exp := range c.items {
		if !now.Before(exp) {
			delete(c.items, k)
		}
	}
}
