package marketcache

import (
	"errors"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

var ErrMiss = errors.New("cache miss")

// StaleFactor extends the ttl window for stale-tolerant reads: entries
// older than ttl but younger than StaleFactor*ttl are still served when
// the caller explicitly opts out of the strict path.
const StaleFactor = 2

type entry[V any] struct {
	value      V
	insertedAt time.Time
	ttl        time.Duration
}

// Hit is a successful read. Stale marks entries past their ttl served
// through the stale-tolerant path; Age discloses how old the data is.
type Hit[V any] struct {
	Value      V
	InsertedAt time.Time
	Age        time.Duration
	Stale      bool
}

// Cache is a capacity-bounded TTL store. Expiry is checked lazily on
// read, eviction past capacity follows LRU order, and writes compact
// entries that have outlived even the stale window.
type Cache[V any] struct {
	store *lru.Cache[string, entry[V]]
	now   func() time.Time
}

func New[V any](capacity int) (*Cache[V], error) {
	store, err := lru.New[string, entry[V]](capacity)
	if err != nil {
		return nil, err
	}
	return &Cache[V]{store: store, now: time.Now}, nil
}

// Get returns the entry under key. Strict reads require the entry to be
// younger than its ttl; non-strict reads additionally accept entries up
// to StaleFactor times older, tagged Stale. Entries beyond the stale
// window are dropped on sight.
func (c *Cache[V]) Get(key string, strict bool) (Hit[V], error) {
	e, ok := c.store.Get(key)
	if !ok {
		return Hit[V]{}, ErrMiss
	}

	age := c.now().Sub(e.insertedAt)
	if age >= time.Duration(StaleFactor)*e.ttl {
		c.store.Remove(key)
		return Hit[V]{}, ErrMiss
	}
	if age >= e.ttl {
		if strict {
			return Hit[V]{}, ErrMiss
		}
		return Hit[V]{Value: e.value, InsertedAt: e.insertedAt, Age: age, Stale: true}, nil
	}
	return Hit[V]{Value: e.value, InsertedAt: e.insertedAt, Age: age}, nil
}

// Put stores value under key for ttl, overwriting any previous entry.
func (c *Cache[V]) Put(key string, value V, ttl time.Duration) {
	c.compact()
	c.store.Add(key, entry[V]{
		value:      value,
		insertedAt: c.now(),
		ttl:        ttl,
	})
}

func (c *Cache[V]) Len() int {
	return c.store.Len()
}

// compact opportunistically drops entries that no read path could ever
// serve again, bounding memory growth between capacity evictions.
func (c *Cache[V]) compact() {
	now := c.now()
	for _, key := range c.store.Keys() {
		e, ok := c.store.Peek(key)
		if !ok {
			continue
		}
		if now.Sub(e.insertedAt) >= time.Duration(StaleFactor)*e.ttl {
			c.store.Remove(key)
		}
	}
}
