package chunk

import (
	"container/list"
)

type cacheEntry struct {
	chunk Chunk
	data  []byte
}

// Cache holds recently used chunks in least-recently-used order so
// retransmissions do not re-read the source. It is not safe for concurrent use; the sender owns it.
type Cache struct {
	order   *list.List
	entries map[int]*list.Element
}

// NewCache creates an empty cache.
func NewCache() *Cache {
	return &Cache{
		order:   list.New(),
		entries: make(map[int]*list.Element),
	}
}

// Get returns the cached chunk for index, if present, and marks it as the
// most recently used.
func (c *Cache) Get(index int) (Chunk, []byte, bool) {
	el, ok := c.entries[index]
	if !ok {
		return Chunk{}, nil, false
	}
	c.order.MoveToBack(el)
	e := el.Value.(*cacheEntry)
	return e.chunk, e.data, true
}

// Put stores a chunk, replacing any previous entry for the same index.
func (c *Cache) Put(ch Chunk, data []byte) {
	if el, ok := c.entries[ch.Index]; ok {
		c.order.Remove(el)
	}
	c.entries[ch.Index] = c.order.PushBack(&cacheEntry{chunk: ch, data: data})
}

// Load returns the chunk from the cache or reads and caches it from src.
func (c *Cache) Load(src Source, index int) (Chunk, []byte, error) {
	if ch, data, ok := c.Get(index); ok {
		return ch, data, nil
	}
	ch, data, err := Describe(src, index)
	if err != nil {
		return Chunk{}, nil, err
	}
	c.Put(ch, data)
	return ch, data, nil
}

// Delete drops index from the cache.
func (c *Cache) Delete(index int) {
	if el, ok := c.entries[index]; ok {
		c.order.Remove(el)
		delete(c.entries, index)
	}
}

// Len returns the number of cached chunks.
func (c *Cache) Len() int { return len(c.entries) }

// Prune evicts the least recently used entries until at most limit remain. Entries for
// which pinned returns true are never evicted, so the cache may stay above
// limit when everything left is pinned. Returns the number evicted.
func (c *Cache) Prune(limit int, pinned func(index int) bool) int {
	evicted := 0
	for el := c.order.Front(); el != nil && len(c.entries) > limit; {
		next := el.Next()
		idx := el.Value.(*cacheEntry).chunk.Index
		if pinned == nil || !pinned(idx) {
			c.order.Remove(el)
			delete(c.entries, idx)
			evicted++
		}
		el = next
	}
	return evicted
}

// Clear drops every entry.
func (c *Cache) Clear() {
	c.order.Init()
	c.entries = make(map[int]*list.Element)
}
