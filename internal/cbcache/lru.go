package cbcache

import "container/list"

// boundedStore is a fixed-capacity map with least-recently-used eviction.
//
// A map gives O(1) key lookup and a doubly-linked list keeps recency order:
// front = most recently used, back = least recently used.
//
// boundedStore is not safe for concurrent use; Cache serialises access.
type boundedStore[K comparable, V any] struct {
	capacity int
	items    map[K]*list.Element
	lru      *list.List
	onEvict  func(key K, value V)
}

// storeEntry keeps the key next to the value because eviction starts from
// list nodes.
type storeEntry[K comparable, V any] struct {
	key   K
	value V
}

func newBoundedStore[K comparable, V any](capacity int, onEvict func(K, V)) *boundedStore[K, V] {
	return &boundedStore[K, V]{
		capacity: capacity,
		items:    make(map[K]*list.Element),
		lru:      list.New(),
		onEvict:  onEvict,
	}
}

// get returns the value for key and marks it as most recently used.
func (s *boundedStore[K, V]) get(key K) (V, bool) {
	el, ok := s.items[key]
	if !ok {
		var zero V
		return zero, false
	}
	s.lru.MoveToFront(el)
	return el.Value.(*storeEntry[K, V]).value, true
}

// peek returns the value for key without touching recency.
func (s *boundedStore[K, V]) peek(key K) (V, bool) {
	el, ok := s.items[key]
	if !ok {
		var zero V
		return zero, false
	}
	return el.Value.(*storeEntry[K, V]).value, true
}

// add inserts or overwrites key and marks it as most recently used. When the
// store is full the least recently used entry is dropped first.
func (s *boundedStore[K, V]) add(key K, value V) {
	if el, ok := s.items[key]; ok {
		el.Value.(*storeEntry[K, V]).value = value
		s.lru.MoveToFront(el)
		return
	}

	for s.capacity > 0 && len(s.items) >= s.capacity {
		if !s.evictOldest() {
			break
		}
	}

	s.items[key] = s.lru.PushFront(&storeEntry[K, V]{key: key, value: value})
}

// remove deletes key and returns its value. Removal is not an eviction and
// does not fire onEvict.
func (s *boundedStore[K, V]) remove(key K) (V, bool) {
	el, ok := s.items[key]
	if !ok {
		var zero V
		return zero, false
	}
	delete(s.items, key)
	s.lru.Remove(el)
	return el.Value.(*storeEntry[K, V]).value, true
}

// removeIf deletes every entry for which drop returns true and reports how
// many were removed.
func (s *boundedStore[K, V]) removeIf(drop func(K, V) bool) int {
	removed := 0
	for el := s.lru.Back(); el != nil; {
		prev := el.Prev()
		e := el.Value.(*storeEntry[K, V])
		if drop(e.key, e.value) {
			delete(s.items, e.key)
			s.lru.Remove(el)
			removed++
		}
		el = prev
	}
	return removed
}

// purge empties the store and returns the number of dropped entries.
func (s *boundedStore[K, V]) purge() int {
	n := len(s.items)
	s.items = make(map[K]*list.Element)
	s.lru.Init()
	return n
}

func (s *boundedStore[K, V]) len() int {
	return len(s.items)
}

// oldestFirst calls fn for every entry from least to most recently used.
func (s *boundedStore[K, V]) oldestFirst(fn func(K, V)) {
	for el := s.lru.Back(); el != nil; el = el.Prev() {
		e := el.Value.(*storeEntry[K, V])
		fn(e.key, e.value)
	}
}

func (s *boundedStore[K, V]) evictOldest() bool {
	el := s.lru.Back()
	if el == nil {
		return false
	}
	e := el.Value.(*storeEntry[K, V])
	delete(s.items, e.key)
	s.lru.Remove(el)
	if s.onEvict != nil {
		s.onEvict(e.key, e.value)
	}
	return true
}
