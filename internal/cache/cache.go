// Package cache holds results keyed by the canonical form of the parameters
// that produced them. Entries expire after a TTL and can be evicted when the
// parameter set they describe is no longer current.
package cache

import (
	"sort"
	"strings"
	"sync"
	"time"
)

type entry[V any] struct {
	value   V
	expires time.Time
}

// TTL is a concurrency-safe map cache with per-entry expiry.
type TTL[V any] struct {
	mu   sync.RWMutex
	ttl  time.Duration
	data map[string]entry[V]
	now  func() time.Time
}

// New creates a cache whose entries live for ttl. A ttl <= 0 keeps entries until evicted.
func New[V any](ttl time.Duration) *TTL[V] {
	return &TTL[V]{ttl: ttl, data: make(map[string]entry[V]), now: time.Now}
}

func (c *TTL[V]) Get(key string) (V, bool) {
	c.mu.RLock()
	e, ok := c.data[key]
	c.mu.RUnlock()
	if !ok {
		var zero V
		return zero, false
	}
	if c.ttl > 0 && !c.now().Before(e.expires) {
		c.mu.Lock()
		if cur, ok := c.data[key]; ok && cur.expires.Equal(e.expires) {
			delete(c.data, key)
		}
		c.mu.Unlock()
		var zero V
		return zero, false
	}
	return e.value, true
}

func (c *TTL[V]) Put(key string, v V) {
	c.mu.Lock()
	c.data[key] = entry[V]{value: v, expires: c.now().Add(c.ttl)}
	c.mu.Unlock()
}

// Replace stores v under key and evicts every other entry. Used by single-slot
// caches whose key is the full parameter set.
func (c *TTL[V]) Replace(key string, v V) {
	c.mu.Lock()
	c.data = map[string]entry[V]{key: {value: v, expires: c.now().Add(c.ttl)}}
	c.mu.Unlock()
}

// Retain evicts all entries whose key is not in keep.
func (c *TTL[V]) Retain(keep []string) int {
	set := make(map[string]struct{}, len(keep))
	for _, k := range keep {
		set[k] = struct{}{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for k := range c.data {
		if _, ok := set[k]; !ok {
			delete(c.data, k)
			n++
		}
	}
	return n
}

func (c *TTL[V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.data)
}

// Key builds the canonical key of an unordered parameter set: trimmed,
// lowercased, deduplicated and sorted, joined with commas.
func Key(parts []string) string {
	seen := make(map[string]struct{}, len(parts))
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.ToLower(strings.TrimSpace(p))
		if p == "" {
			continue
		}
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	sort.Strings(out)
	return strings.Join(out, ",")
}
