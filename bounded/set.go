package bounded

import (
	"time"

	clocks "github.com/vimeo/go-clocks"
)

// Set is a bounded membership set built on Map. It exists mostly for the
// synchronizer's processed-message-id dedup table.
type Set[K comparable] struct {
	m *Map[K, struct{}]
}

// NewSet constructs a Set with the given capacity and age limit.
func NewSet[K comparable](maxSize int, maxAge time.Duration, clock clocks.Clock) *Set[K] {
	return &Set[K]{m: NewMap[K, struct{}](maxSize, maxAge, clock, nil)}
}

// Add records membership; the oldest member is dropped at capacity.
func (s *Set[K]) Add(key K) {
	s.m.Set(key, struct{}{})
}

// Contains reports membership and refreshes the member's recency.
func (s *Set[K]) Contains(key K) bool {
	_, ok := s.m.Get(key)
	return ok
}

// Remove drops a member.
func (s *Set[K]) Remove(key K) bool {
	return s.m.Remove(key)
}

// Len reports the resident member count.
func (s *Set[K]) Len() int {
	return s.m.Len()
}

// Sweep evicts members past the age limit.
func (s *Set[K]) Sweep() int {
	return s.m.Sweep()
}
