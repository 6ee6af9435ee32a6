package proxy

import "container/list"

// LRU is a fixed-capacity map that evicts the least recently used key.
//
// LRU is not safe for concurrent use.
type LRU[K comparable, V any] struct {
	capacity int
	order    *list.List
	index    map[K]*list.Element
}

type lruEntry[K comparable, V any] struct {
	key   K
	value V
}

// NewLRU creates an LRU holding at most capacity entries. capacity is clamped to 1.
func NewLRU[K comparable, V any](capacity int) *LRU[K, V] {
	return &LRU[K, V]{
		capacity: max(capacity, 1),
		order:    list.New(),
		index:    make(map[K]*list.Element),
	}
}

// Get returns the value for key and marks it most recently used.
func (c *LRU[K, V]) Get(key K) (V, bool) {
	element, exists := c.index[key]
	if !exists {
		var zero V
		return zero, false
	}
	c.order.MoveToFront(element)

	return element.Value.(*lruEntry[K, V]).value, true
}

// Put stores value under key as most recently used and returns the evicted
// key, if any.
func (c *LRU[K, V]) Put(key K, value V) (evicted K, didEvict bool) {
	if element, exists := c.index[key]; exists {
		element.Value.(*lruEntry[K, V]).value = value
		c.order.MoveToFront(element)
		return evicted, false
	}

	c.index[key] = c.order.PushFront(&lruEntry[K, V]{key: key, value: value})
	if c.order.Len() <= c.capacity {
		return evicted, false
	}

	back := c.order.Back()
	entry := back.Value.(*lruEntry[K, V])
	c.order.Remove(back)
	delete(c.index, entry.key)

	return entry.key, true
}

// Remove deletes key and reports whether it was present.
func (c *LRU[K, V]) Remove(key K) bool {
	element, exists := c.index[key]
	if !exists {
		return false
	}
	c.order.Remove(element)
	delete(c.index, key)

	return true
}

// Len returns the number of stored entries.
func (c *LRU[K, V]) Len() int {
	return c.order.Len()
}

// Keys returns stored keys from most to least recently used.
func (c *LRU[K, V]) Keys() []K {
	keys := make([]K, 0, c.order.Len())
	for element := c.order.Front(); element != nil; element = element.Next() {
		keys = append(keys, element.Value.(*lruEntry[K, V]).key)
	}

	return keys
}
