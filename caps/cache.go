package caps

import (
	"sync"
	"sync/atomic"

	"golang.org/x/sync/singleflight"
)

// Cache memoizes parsed caps by their raw string. Entries are written
// once per key and never mutated: a renegotiated format arrives as a new
// string and gets its own entry. Concurrent misses for the same key are
// collapsed into a single parse.
type Cache struct {
	entries sync.Map
	group   singleflight.Group
	parse   func(string) (Caps, error)
	hits    atomic.Uint64
	misses  atomic.Uint64
	size    atomic.Int64
}

// NewCache returns an empty cache.
func NewCache() *Cache {
	return &Cache{parse: Parse}
}

// Get returns caps for provided string, parsing it on first access.
func (c *Cache) Get(s string) (Caps, error) {
	if v, ok := c.entries.Load(s); ok {
		c.hits.Add(1)
		return *v.(*Caps), nil
	}
	v, err, _ := c.group.Do(s, func() (interface{}, error) {
		// another caller could have stored it between Load and Do
		if v, ok := c.entries.Load(s); ok {
			return v, nil
		}
		c.misses.Add(1)
		parsed, err := c.parse(s)
		if err != nil {
			return nil, err
		}
		entry := &parsed
		if actual, loaded := c.entries.LoadOrStore(s, entry); loaded {
			return actual, nil
		}
		c.size.Add(1)
		return entry, nil
	})
	if err != nil {
		return Caps{}, err
	}
	return *v.(*Caps), nil
}

// Len returns number of cached entries.
func (c *Cache) Len() int {
	return int(c.size.Load())
}

// Stats returns number of cache hits and misses. Every miss corresponds
// to exactly one parse.
func (c *Cache) Stats() (hits, misses uint64) {
	return c.hits.Load(), c.misses.Load()
}
