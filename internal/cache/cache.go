// Package cache holds computed response payloads keyed by operation,
// container key, freshness token, and a selection fingerprint. Entries
// expire on their own TTL, and concurrent fills of the same key are
// collapsed to one computation.
package cache

import (
	"container/list"
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/sync/singleflight"
)

// DefaultMaxEntries bounds the cache when no limit is configured.
const DefaultMaxEntries = 4096

// Cache is a TTL map with LRU eviction. It is safe for concurrent use.
type Cache struct {
	maxEntries int
	now        func() time.Time

	group singleflight.Group

	mu      sync.Mutex
	entries map[string]*entry
	lru     *list.List
	hits    uint64
	misses  uint64
}

type entry struct {
	key     string
	value   any
	expires time.Time
	elem    *list.Element
}

// Option configures a Cache.
type Option func(*Cache)

// WithMaxEntries caps the number of live entries. Values <= 0 keep the
// default.
func WithMaxEntries(n int) Option {
	return func(c *Cache) {
		if n > 0 {
			c.maxEntries = n
		}
	}
}

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		if now != nil {
			c.now = now
		}
	}
}

// New creates an empty cache.
func New(opts ...Option) *Cache {
	c := &Cache{
		maxEntries: DefaultMaxEntries,
		now:        time.Now,
		entries:    make(map[string]*entry),
		lru:        list.New(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Key builds the canonical cache key for one operation against one
// container generation.
func Key(op, key, token, fingerprint string) string {
	return op + ":" + key + ":" + token + ":" + fingerprint
}

// Fingerprint digests the canonical form of a selection so equivalent
// requests share cache entries.
func Fingerprint(parts ...string) string {
	return strconv.FormatUint(xxhash.Sum64String(strings.Join(parts, "|")), 16)
}

// Do returns the cached value for key, or runs fill once and stores the
// result for ttl. Concurrent callers for the same key share one fill,
// including its error; errors are never stored. The second return
// reports whether the value came from the cache.
func (c *Cache) Do(ctx context.Context, key string, ttl time.Duration, fill func(context.Context) (any, error)) (any, bool, error) {
	if v, ok := c.get(key); ok {
		return v, true, nil
	}
	v, err, _ := c.group.Do(key, func() (any, error) {
		// A sibling flight may have stored it before we were queued.
		if v, ok := c.lookup(key, false); ok {
			return v, nil
		}
		v, err := fill(ctx)
		if err != nil {
			return nil, err
		}
		if ttl > 0 {
			c.store(key, v, ttl)
		}
		return v, nil
	})
	if err != nil {
		return nil, false, err
	}
	return v, false, nil
}

func (c *Cache) get(key string) (any, bool) {
	return c.lookup(key, true)
}

func (c *Cache) lookup(key string, count bool) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ent, ok := c.entries[key]
	if !ok {
		if count {
			c.misses++
		}
		return nil, false
	}
	if c.now().After(ent.expires) {
		c.removeLocked(ent)
		if count {
			c.misses++
		}
		return nil, false
	}
	c.lru.MoveToFront(ent.elem)
	if count {
		c.hits++
	}
	return ent.value, true
}

func (c *Cache) store(key string, value any, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ent, ok := c.entries[key]; ok {
		ent.value = value
		ent.expires = c.now().Add(ttl)
		c.lru.MoveToFront(ent.elem)
		return
	}
	ent := &entry{key: key, value: value, expires: c.now().Add(ttl)}
	ent.elem = c.lru.PushFront(ent)
	c.entries[key] = ent
	for len(c.entries) > c.maxEntries {
		back := c.lru.Back()
		if back == nil {
			break
		}
		c.removeLocked(back.Value.(*entry))
	}
}

func (c *Cache) removeLocked(ent *entry) {
	c.lru.Remove(ent.elem)
	delete(c.entries, ent.key)
}

// Delete drops one entry.
func (c *Cache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ent, ok := c.entries[key]; ok {
		c.removeLocked(ent)
	}
}

// DeletePrefix drops every entry whose key starts with prefix and
// returns how many were removed.
func (c *Cache) DeletePrefix(prefix string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for key, ent := range c.entries {
		if strings.HasPrefix(key, prefix) {
			c.removeLocked(ent)
			n++
		}
	}
	return n
}

// Purge drops everything.
func (c *Cache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*entry)
	c.lru.Init()
}

// Len reports the number of live entries, counting expired ones not yet
// collected.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Stats reports lookup hit and miss counts.
func (c *Cache) Stats() (hits, misses uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses
}
