package ironbase

import (
	"container/list"
	"sync"
)

// QueryCache is a bounded LRU mapping (collection, canonical filter) to the
// list of matching DocumentIds produced by a collection scan or index
// lookup. Any mutation on a collection invalidates every entry for that
// collection.
type QueryCache struct {
	mu       sync.Mutex
	capacity int
	ll       *list.List
	items    map[cacheKey]*list.Element
}

type cacheKey struct {
	collection string
	filter     string
}

type cacheEntry struct {
	key   cacheKey
	value []DocumentId
}

// NewQueryCache creates a cache bounded to capacity entries. capacity <= 0
// disables caching (Get always misses, Put is a no-op).
func NewQueryCache(capacity int) *QueryCache {
	return &QueryCache{
		capacity: capacity,
		ll:       list.New(),
		items:    make(map[cacheKey]*list.Element),
	}
}

// Get looks up a cached id list for (collection, filter).
func (c *QueryCache) Get(collection, filter string) ([]DocumentId, bool) {
	if c.capacity <= 0 {
		return nil, false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	key := cacheKey{collection, filter}

	el, ok := c.items[key]
	if !ok {
		return nil, false
	}

	c.ll.MoveToFront(el)

	return el.Value.(*cacheEntry).value, true
}

// Put stores ids under (collection, filter), evicting the least recently
// used entry if at capacity.
func (c *QueryCache) Put(collection, filter string, ids []DocumentId) {
	if c.capacity <= 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	key := cacheKey{collection, filter}

	if el, ok := c.items[key]; ok {
		el.Value.(*cacheEntry).value = ids
		c.ll.MoveToFront(el)

		return
	}

	el := c.ll.PushFront(&cacheEntry{key: key, value: ids})
	c.items[key] = el

	for c.ll.Len() > c.capacity {
		oldest := c.ll.Back()
		if oldest == nil {
			break
		}

		c.ll.Remove(oldest)
		delete(c.items, oldest.Value.(*cacheEntry).key)
	}
}

// InvalidateCollection drops every cached entry belonging to collection.
func (c *QueryCache) InvalidateCollection(collection string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key, el := range c.items {
		if key.collection == collection {
			c.ll.Remove(el)
			delete(c.items, key)
		}
	}
}
