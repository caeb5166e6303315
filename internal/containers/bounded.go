// Package containers provides the bounded, insertion-ordered map and set used
// throughout the gateway for caches that must never grow past a fixed
// capacity: the message→author cache and the per-account and cross-account
// dedup structures.
package containers

import (
	"container/list"
	"sync"
)

// BoundedMap is a mapping from K to V that preserves insertion order. Set
// moves a key to the "freshest" position whether or not it already existed;
// once the number of entries exceeds the configured capacity, the oldest
// entries are evicted until size is back within bounds. Capacity is fixed at
// construction time — there is no ad-hoc eviction policy anywhere else in
// the gateway.
type BoundedMap[K comparable, V any] struct {
	mu       sync.Mutex
	capacity int
	order    *list.List // front = freshest, back = oldest
	index    map[K]*list.Element
}

type mapEntry[K comparable, V any] struct {
	key   K
	value V
}

// NewBoundedMap creates a BoundedMap with the given capacity. Capacity below
// 1 is treated as 1, since a zero-capacity map can never hold anything useful.
func NewBoundedMap[K comparable, V any](capacity int) *BoundedMap[K, V] {
	if capacity < 1 {
		capacity = 1
	}
	return &BoundedMap[K, V]{
		capacity: capacity,
		order:    list.New(),
		index:    make(map[K]*list.Element),
	}
}

// Set inserts or updates key, making it the freshest entry regardless of
// whether it was already present. Eviction of the oldest entries runs after
// the insert so Set never reports the key it just inserted as evicted.
func (m *BoundedMap[K, V]) Set(key K, value V) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if el, ok := m.index[key]; ok {
		m.order.Remove(el)
		delete(m.index, key)
	}

	el := m.order.PushFront(&mapEntry[K, V]{key: key, value: value})
	m.index[key] = el

	for m.order.Len() > m.capacity {
		oldest := m.order.Back()
		if oldest == nil {
			break
		}
		m.order.Remove(oldest)
		delete(m.index, oldest.Value.(*mapEntry[K, V]).key)
	}
}

// Get returns the value for key and whether it was present. A hit does not
// change freshness — only Set does, per the invariant that set(k,v) alone
// makes k freshest.
func (m *BoundedMap[K, V]) Get(key K) (V, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	el, ok := m.index[key]
	if !ok {
		var zero V
		return zero, false
	}
	return el.Value.(*mapEntry[K, V]).value, true
}

// Delete removes key if present.
func (m *BoundedMap[K, V]) Delete(key K) {
	m.mu.Lock()
	defer m.mu.Unlock()

	el, ok := m.index[key]
	if !ok {
		return
	}
	m.order.Remove(el)
	delete(m.index, key)
}

// Len returns the current number of entries.
func (m *BoundedMap[K, V]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.order.Len()
}

// Keys returns keys in freshest-first order.
func (m *BoundedMap[K, V]) Keys() []K {
	m.mu.Lock()
	defer m.mu.Unlock()

	keys := make([]K, 0, m.order.Len())
	for el := m.order.Front(); el != nil; el = el.Next() {
		keys = append(keys, el.Value.(*mapEntry[K, V]).key)
	}
	return keys
}

// EvictOldest removes up to n of the oldest entries, oldest-first, and
// returns the keys removed. Used for the per-account dedup set's 20% batch
// eviction once its capacity is exceeded.
func (m *BoundedMap[K, V]) EvictOldest(n int) []K {
	m.mu.Lock()
	defer m.mu.Unlock()

	evicted := make([]K, 0, n)
	for i := 0; i < n; i++ {
		oldest := m.order.Back()
		if oldest == nil {
			break
		}
		key := oldest.Value.(*mapEntry[K, V]).key
		m.order.Remove(oldest)
		delete(m.index, key)
		evicted = append(evicted, key)
	}
	return evicted
}

// BoundedSet is a capacity-bounded, insertion-ordered set of comparable
// values, built on BoundedMap[V, struct{}].
type BoundedSet[V comparable] struct {
	m *BoundedMap[V, struct{}]
}

// NewBoundedSet creates a BoundedSet with the given capacity.
func NewBoundedSet[V comparable](capacity int) *BoundedSet[V] {
	return &BoundedSet[V]{m: NewBoundedMap[V, struct{}](capacity)}
}

// Add inserts value if absent and reports whether it was new, atomically —
// the check and insert happen under one lock so concurrent Add calls for the
// same value never both report "new". A duplicate add is a no-op — it does
// not refresh the value's position, since a set has no "update" semantics
// distinct from first insertion.
func (s *BoundedSet[V]) Add(value V) bool {
	s.m.mu.Lock()
	if _, ok := s.m.index[value]; ok {
		s.m.mu.Unlock()
		return false
	}

	el := s.m.order.PushFront(&mapEntry[V, struct{}]{key: value})
	s.m.index[value] = el
	for s.m.order.Len() > s.m.capacity {
		oldest := s.m.order.Back()
		if oldest == nil {
			break
		}
		s.m.order.Remove(oldest)
		delete(s.m.index, oldest.Value.(*mapEntry[V, struct{}]).key)
	}
	s.m.mu.Unlock()
	return true
}

// Contains reports whether value is in the set.
func (s *BoundedSet[V]) Contains(value V) bool {
	_, ok := s.m.Get(value)
	return ok
}

// Len returns the current number of elements.
func (s *BoundedSet[V]) Len() int {
	return s.m.Len()
}

// Values returns the set's members in freshest-first order.
func (s *BoundedSet[V]) Values() []V {
	return s.m.Keys()
}

// EvictOldest removes up to n of the oldest members and returns them.
func (s *BoundedSet[V]) EvictOldest(n int) []V {
	return s.m.EvictOldest(n)
}
