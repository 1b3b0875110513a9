// Package cache provides a byte-budget LRU over loaded index structures.
// Partition blocks and generation readers are expensive to deserialize, so
// the query path keeps them here keyed by generation UUID.
package cache

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/singleflight"
)

// Kind separates the cached object classes of one generation.
type Kind uint8

const (
	// KindMetadata caches an open artifact reader (header sections).
	KindMetadata Kind = iota
	// KindPartition caches one decoded partition.
	KindPartition
)

func (k Kind) String() string {
	switch k {
	case KindMetadata:
		return "metadata"
	case KindPartition:
		return "partition"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(k))
	}
}

// Key identifies one cached object.
type Key struct {
	UUID      string
	Kind      Kind
	Partition int
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s/%d", k.UUID, k.Kind, k.Partition)
}

// Stats is a snapshot of cache effectiveness counters. Hit and miss counts
// are monotonic.
type Stats struct {
	Hits        uint64 `json:"hits"`
	Misses      uint64 `json:"misses"`
	Entries     int    `json:"entries"`
	SizeBytes   int64  `json:"size_bytes"`
	BudgetBytes int64  `json:"budget_bytes"`
}

// HitRate returns hits / (hits + misses), or 0 before any lookup.
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// Loader produces a value and its approximate byte size on a cache miss.
type Loader func(ctx context.Context) (value any, size int64, err error)

// Cache is a byte-budget LRU. A zero budget disables storage entirely: every
// lookup misses and loads fall through to the loader. Hit and miss counters
// use relaxed atomics; exact counts under concurrent access are not
// guaranteed, only eventual accuracy of the hit rate.
type Cache struct {
	mu        sync.Mutex
	budget    int64
	size      int64
	items     map[Key]*list.Element
	evictList *list.List

	hits   atomic.Uint64
	misses atomic.Uint64

	group singleflight.Group
}

type entry struct {
	key   Key
	value any
	size  int64
}

// New creates a cache bounded by budget bytes.
func New(budget int64) *Cache {
	return &Cache{
		budget:    budget,
		items:     make(map[Key]*list.Element),
		evictList: list.New(),
	}
}

// Get returns the cached value for key, marking it most recently used.
func (c *Cache) Get(key Key) (any, bool) {
	if c.budget <= 0 {
		c.misses.Add(1)
		return nil, false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if ent, ok := c.items[key]; ok {
		c.hits.Add(1)
		c.evictList.MoveToFront(ent)
		return ent.Value.(*entry).value, true
	}
	c.misses.Add(1)
	return nil, false
}

// Put inserts or replaces a value. Values larger than the whole budget are
// not cached.
func (c *Cache) Put(key Key, value any, size int64) {
	if c.budget <= 0 || size > c.budget {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if ent, ok := c.items[key]; ok {
		e := ent.Value.(*entry)
		c.size += size - e.size
		e.value, e.size = value, size
		c.evictList.MoveToFront(ent)
	} else {
		c.items[key] = c.evictList.PushFront(&entry{key: key, value: value, size: size})
		c.size += size
	}
	c.evict()
}

// evict drops least recently used entries until the budget holds.
// Caller must hold mu.
func (c *Cache) evict() {
	for c.size > c.budget {
		back := c.evictList.Back()
		if back == nil {
			return
		}
		e := back.Value.(*entry)
		c.evictList.Remove(back)
		delete(c.items, e.key)
		c.size -= e.size
	}
}

// GetOrLoad returns the cached value or runs load, deduplicating concurrent
// loads of the same key.
func (c *Cache) GetOrLoad(ctx context.Context, key Key, load Loader) (any, error) {
	if v, ok := c.Get(key); ok {
		return v, nil
	}

	v, err, _ := c.group.Do(key.String(), func() (any, error) {
		// A racing loader may have filled the entry meanwhile.
		if c.budget > 0 {
			c.mu.Lock()
			if ent, ok := c.items[key]; ok {
				c.evictList.MoveToFront(ent)
				v := ent.Value.(*entry).value
				c.mu.Unlock()
				return v, nil
			}
			c.mu.Unlock()
		}

		value, size, err := load(ctx)
		if err != nil {
			return nil, err
		}
		c.Put(key, value, size)
		return value, nil
	})
	return v, err
}

// DropGeneration removes every entry belonging to a generation UUID. Used
// when an index is replaced or dropped.
func (c *Cache) DropGeneration(uuid string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key, ent := range c.items {
		if key.UUID == uuid {
			c.evictList.Remove(ent)
			delete(c.items, key)
			c.size -= ent.Value.(*entry).size
		}
	}
}

// HitRate returns the observed hit rate so far.
func (c *Cache) HitRate() float64 {
	return c.Snapshot().HitRate()
}

// Snapshot returns the current counters.
func (c *Cache) Snapshot() Stats {
	c.mu.Lock()
	entries := len(c.items)
	size := c.size
	c.mu.Unlock()

	return Stats{
		Hits:        c.hits.Load(),
		Misses:      c.misses.Load(),
		Entries:     entries,
		SizeBytes:   size,
		BudgetBytes: c.budget,
	}
}
