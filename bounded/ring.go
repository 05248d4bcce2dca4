package bounded

import "sync"

// Ring is a fixed-capacity append-only buffer: pushing past capacity evicts
// from the head. Used for message history and recovery-attempt logs.
type Ring[V any] struct {
	mu    sync.Mutex
	items []V
	cap   int
	hook  func(evicted V)
}

// NewRing constructs a Ring. capacity must be positive.
func NewRing[V any](capacity int, hook func(evicted V)) *Ring[V] {
	if capacity <= 0 {
		capacity = 1
	}
	return &Ring[V]{cap: capacity, hook: hook}
}

// Push appends an item, evicting the oldest when full.
func (r *Ring[V]) Push(v V) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.items) == r.cap {
		old := r.items[0]
		copy(r.items, r.items[1:])
		r.items[len(r.items)-1] = v
		if r.hook != nil {
			r.hook(old)
		}
		return
	}
	r.items = append(r.items, v)
}

// Last returns up to n items, newest last. n <= 0 returns everything.
func (r *Ring[V]) Last(n int) []V {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n <= 0 || n > len(r.items) {
		n = len(r.items)
	}
	out := make([]V, n)
	copy(out, r.items[len(r.items)-n:])
	return out
}

// Len reports the resident item count.
func (r *Ring[V]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.items)
}
