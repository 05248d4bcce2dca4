// Package bounded implements the self-limiting collections every layer of
// the coordination core leans on: a hybrid LRU+TTL map, a membership set,
// and a fixed-capacity ring. Nothing here grows without bound; capacity
// pressure evicts by recency and a sweep evicts by age.
package bounded

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	clocks "github.com/vimeo/go-clocks"
)

// Entry wraps a stored value with the bookkeeping the eviction policy needs.
type Entry[V any] struct {
	Value          V
	InsertedAt     time.Time
	LastAccessedAt time.Time
	AccessCount    uint64
}

// EvictHook is invoked for every eviction, whether by capacity, age, or
// explicit removal, with the reason attached.
type EvictHook[K comparable, V any] func(key K, entry Entry[V], reason EvictReason)

// EvictReason describes why an entry left the map.
type EvictReason string

const (
	EvictCapacity EvictReason = "capacity"
	EvictExpired  EvictReason = "expired"
	EvictRemoved  EvictReason = "removed"
)

// Map is a threadsafe map with a hard size cap and a maximum entry age.
// Inserting past capacity evicts the least-recently-accessed entry
// immediately; Sweep evicts entries untouched for longer than maxAge.
type Map[K comparable, V any] struct {
	mu        sync.Mutex
	cache     *lru.Cache[K, *Entry[V]]
	clock     clocks.Clock
	maxAge    time.Duration
	hook      EvictHook[K, V]
	evictions uint64

	// set around cache.Add so the LRU eviction callback can tell capacity
	// eviction apart from Remove/Sweep (which bypass it).
	reason EvictReason
}

// NewMap constructs a Map. maxSize must be positive; maxAge <= 0 disables
// age-based eviction. A nil clock falls back to the real one.
func NewMap[K comparable, V any](maxSize int, maxAge time.Duration, clock clocks.Clock, hook EvictHook[K, V]) *Map[K, V] {
	if clock == nil {
		clock = clocks.DefaultClock()
	}
	m := &Map[K, V]{clock: clock, maxAge: maxAge, hook: hook, reason: EvictCapacity}
	cache, err := lru.NewWithEvict[K, *Entry[V]](maxSize, func(key K, e *Entry[V]) {
		m.evictions++
		if m.hook != nil {
			m.hook(key, *e, m.reason)
		}
	})
	if err != nil {
		// lru only errors on non-positive sizes.
		panic(err)
	}
	m.cache = cache
	return m
}

// Set inserts or replaces a value, evicting the least-recently-accessed
// entry when the map is at capacity.
func (m *Map[K, V]) Set(key K, value V) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock.Now()
	m.cache.Add(key, &Entry[V]{Value: value, InsertedAt: now, LastAccessedAt: now})
}

// Get returns the value and touches the entry, refreshing both its recency
// rank and its age.
func (m *Map[K, V]) Get(key K) (V, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.cache.Get(key)
	if !ok {
		var zero V
		return zero, false
	}
	e.LastAccessedAt = m.clock.Now()
	e.AccessCount++
	return e.Value, true
}

// Peek reads without touching.
func (m *Map[K, V]) Peek(key K) (V, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.cache.Peek(key)
	if !ok {
		var zero V
		return zero, false
	}
	return e.Value, true
}

// Remove deletes an entry, firing the hook with EvictRemoved.
func (m *Map[K, V]) Remove(key K) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.cache.Peek(key); !ok {
		return false
	}
	m.reason = EvictRemoved
	m.cache.Remove(key)
	m.reason = EvictCapacity
	return true
}

// Len reports the resident entry count.
func (m *Map[K, V]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cache.Len()
}

// Keys returns the resident keys, oldest access first.
func (m *Map[K, V]) Keys() []K {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cache.Keys()
}

// Evictions reports the number of entries evicted since construction.
func (m *Map[K, V]) Evictions() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.evictions
}

// Sweep evicts every entry untouched for longer than maxAge and returns the
// number evicted. Callers run it on a timer; the memory manager registers it
// as a cleanup routine.
func (m *Map[K, V]) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.maxAge <= 0 {
		return 0
	}
	cutoff := m.clock.Now().Add(-m.maxAge)
	evicted := 0
	for _, key := range m.cache.Keys() {
		e, ok := m.cache.Peek(key)
		if !ok {
			continue
		}
		if e.LastAccessedAt.Before(cutoff) {
			m.reason = EvictExpired
			m.cache.Remove(key)
			m.reason = EvictCapacity
			evicted++
		}
	}
	return evicted
}

// Purge empties the map without firing hooks.
func (m *Map[K, V]) Purge() {
	m.mu.Lock()
	defer m.mu.Unlock()
	hook := m.hook
	m.hook = nil
	m.cache.Purge()
	m.hook = hook
}
