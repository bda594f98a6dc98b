// Package cache implements the per-(device, group) register cache: each
// entry is a timestamped mnemonic->value map, sourced from a group read and
// consulted before any wire operation. The identification group is pinned
// and never expires regardless of the configured TTL.
package cache

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/sbfleet/pdufleet/internal/codec"
)

// IdentificationGroup is the one group name that is always considered
// fresh, never subject to TTL eviction.
const IdentificationGroup = "identification"

// Entry is one cached group read.
type Entry struct {
	Timestamp time.Time
	Values    map[string]codec.Value
}

// Cache holds group-read results for every device the caller touches,
// keyed by "<uid>|<group>". A negative ttl makes every entry permanent,
// not just the identification group.
type Cache struct {
	mu            sync.Mutex
	permanent     map[string]Entry
	lru           *expirable.LRU[string, Entry]
	permanentMode bool
}

// New builds a Cache. ttl is the group-entry lifetime; a negative value
// means every entry is permanent (cache_expire = -1). maxEntries bounds the
// underlying LRU's size when ttl is non-negative.
func New(ttl time.Duration, maxEntries int) *Cache {
	c := &Cache{
		permanent:     make(map[string]Entry),
		permanentMode: ttl < 0,
	}
	if !c.permanentMode {
		c.lru = expirable.NewLRU[string, Entry](maxEntries, nil, ttl)
	}
	return c
}

func key(uid, group string) string {
	return uid + "|" + group
}

// Get returns the cached entry for (uid, group), and whether it was found
// and still fresh.
func (c *Cache) Get(uid, group string) (Entry, bool) {
	k := key(uid, group)

	if group == IdentificationGroup || c.permanentMode {
		c.mu.Lock()
		defer c.mu.Unlock()
		e, ok := c.permanent[k]
		return e, ok
	}

	return c.lru.Get(k)
}

// Put stores a freshly read group entry.
func (c *Cache) Put(uid, group string, values map[string]codec.Value) {
	k := key(uid, group)
	e := Entry{Timestamp: time.Now(), Values: values}

	if group == IdentificationGroup || c.permanentMode {
		c.mu.Lock()
		c.permanent[k] = e
		c.mu.Unlock()
		return
	}

	c.lru.Add(k, e)
}

// InvalidateMnemonic removes a single mnemonic from a cached group entry,
// called after a successful write so the next read re-fetches it. If the
// resulting entry has no values left, the entry itself is dropped.
func (c *Cache) InvalidateMnemonic(uid, group, mnemonic string) {
	k := key(uid, group)

	if group == IdentificationGroup || c.permanentMode {
		c.mu.Lock()
		defer c.mu.Unlock()
		e, ok := c.permanent[k]
		if !ok {
			return
		}
		delete(e.Values, mnemonic)
		if len(e.Values) == 0 {
			delete(c.permanent, k)
		} else {
			c.permanent[k] = e
		}
		return
	}

	e, ok := c.lru.Get(k)
	if !ok {
		return
	}
	delete(e.Values, mnemonic)
	if len(e.Values) == 0 {
		c.lru.Remove(k)
	} else {
		c.lru.Add(k, e)
	}
}

// InvalidateDevice drops every cached entry for uid, regardless of group.
// Used when a device's unit address changes and its old uid becomes stale.
func (c *Cache) InvalidateDevice(uid string) {
	prefix := uid + "|"

	c.mu.Lock()
	for k := range c.permanent {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			delete(c.permanent, k)
		}
	}
	c.mu.Unlock()

	if c.lru != nil {
		for _, k := range c.lru.Keys() {
			if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
				c.lru.Remove(k)
			}
		}
	}
}
