// Package sigcache is a content-addressed cache for code-signature results,
// keyed by executable path and validated by file identity and age. It never
// caches errors: transient codesign failures should be retried, not pinned.
package sigcache

import (
	"container/list"
	"os"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/procscope/backend/internal/core"
)

const (
	// DefaultCapacity bounds the cache; eviction is strict LRU.
	DefaultCapacity = 500
	// DefaultTTL bounds entry age regardless of file identity.
	DefaultTTL = 24 * time.Hour
)

// FileIdentity is the freshness key for a cached signature.
type FileIdentity struct {
	MTime time.Time
	Inode uint64
}

// StatFunc resolves a path to its current identity. Injected for tests.
type StatFunc func(path string) (FileIdentity, error)

// OSStat is the production StatFunc.
func OSStat(path string) (FileIdentity, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return FileIdentity{}, err
	}
	id := FileIdentity{MTime: fi.ModTime()}
	if st, ok := fi.Sys().(*syscall.Stat_t); ok {
		id.Inode = st.Ino
	}
	return id, nil
}

type entry struct {
	path     string
	sig      core.Signature
	identity FileIdentity
	cachedAt time.Time
}

// Cache is a bounded insertion-ordered LRU from executable path to signature.
// It is not internally synchronized: the codesign worker pool owns it and
// performs all mutation inside worker tasks.
type Cache struct {
	capacity int
	ttl      time.Duration
	stat     StatFunc
	now      func() time.Time

	items map[string]*list.Element
	order *list.List // front is MRU, back is LRU

	hits   atomic.Uint64
	misses atomic.Uint64
}

// New returns a cache with the given capacity and TTL; non-positive values
// fall back to the defaults.
func New(capacity int, ttl time.Duration) *Cache {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{
		capacity: capacity,
		ttl:      ttl,
		stat:     OSStat,
		now:      time.Now,
		items:    make(map[string]*list.Element, capacity),
		order:    list.New(),
	}
}

// SetStat replaces the stat function, for tests.
func (c *Cache) SetStat(stat StatFunc) { c.stat = stat }

// SetClock replaces the time source, for tests.
func (c *Cache) SetClock(now func() time.Time) { c.now = now }

// Lookup returns the cached signature for path, or miss. A hit requires the
// file to still exist with unchanged (mtime, inode) and the entry to be
// younger than the TTL; anything else evicts the entry and reports a miss.
// Hits promote the entry to most-recently-used.
func (c *Cache) Lookup(path string) (core.Signature, bool) {
	el, ok := c.items[path]
	if !ok {
		c.misses.Add(1)
		return core.Signature{}, false
	}
	e := el.Value.(*entry)

	id, err := c.stat(path)
	if err != nil || id.MTime != e.identity.MTime || id.Inode != e.identity.Inode ||
		c.now().Sub(e.cachedAt) > c.ttl {
		c.remove(el)
		c.misses.Add(1)
		return core.Signature{}, false
	}

	c.order.MoveToFront(el)
	c.hits.Add(1)
	return e.sig, true
}

// Insert stores a signature under path, evicting the least-recently-used
// entry at capacity.
func (c *Cache) Insert(path string, sig core.Signature, identity FileIdentity) {
	if el, ok := c.items[path]; ok {
		e := el.Value.(*entry)
		e.sig = sig
		e.identity = identity
		e.cachedAt = c.now()
		c.order.MoveToFront(el)
		return
	}
	if c.order.Len() >= c.capacity {
		if back := c.order.Back(); back != nil {
			c.remove(back)
		}
	}
	el := c.order.PushFront(&entry{
		path:     path,
		sig:      sig,
		identity: identity,
		cachedAt: c.now(),
	})
	c.items[path] = el
}

func (c *Cache) remove(el *list.Element) {
	e := el.Value.(*entry)
	c.order.Remove(el)
	delete(c.items, e.path)
}

// Len returns the number of cached entries.
func (c *Cache) Len() int { return c.order.Len() }

// Hits returns the lifetime hit count.
func (c *Cache) Hits() uint64 { return c.hits.Load() }

// Misses returns the lifetime miss count.
func (c *Cache) Misses() uint64 { return c.misses.Load() }
