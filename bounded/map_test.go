package bounded

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vimeo/go-clocks/fake"
)

func TestMapCapacityEviction(t *testing.T) {
	fc := fake.NewClock(time.Now())
	var evicted []string
	var reasons []EvictReason
	m := NewMap[string, int](3, 0, fc, func(key string, _ Entry[int], reason EvictReason) {
		evicted = append(evicted, key)
		reasons = append(reasons, reason)
	})

	for i := 0; i < 4; i++ {
		m.Set(fmt.Sprintf("k%d", i), i)
	}

	assert.Equal(t, 3, m.Len())
	require.Len(t, evicted, 1)
	assert.Equal(t, "k0", evicted[0], "the least recently used key should go first")
	assert.Equal(t, EvictCapacity, reasons[0])
	assert.Equal(t, uint64(1), m.Evictions())
}

func TestMapGetRefreshesRecency(t *testing.T) {
	fc := fake.NewClock(time.Now())
	var evicted []string
	m := NewMap[string, int](3, 0, fc, func(key string, _ Entry[int], _ EvictReason) {
		evicted = append(evicted, key)
	})

	m.Set("a", 1)
	m.Set("b", 2)
	m.Set("c", 3)

	// Touch "a" so "b" becomes the eviction candidate.
	_, ok := m.Get("a")
	require.True(t, ok)

	m.Set("d", 4)
	require.Len(t, evicted, 1)
	assert.Equal(t, "b", evicted[0])

	_, ok = m.Get("a")
	assert.True(t, ok)
}

func TestMapSweepEvictsStaleEntries(t *testing.T) {
	fc := fake.NewClock(time.Now())
	var reasons []EvictReason
	m := NewMap[string, int](10, 5*time.Minute, fc, func(_ string, _ Entry[int], reason EvictReason) {
		reasons = append(reasons, reason)
	})

	m.Set("old", 1)
	fc.Advance(4 * time.Minute)
	m.Set("young", 2)

	// "old" is now 4m stale, "young" fresh; neither past maxAge yet.
	assert.Equal(t, 0, m.Sweep())

	fc.Advance(2 * time.Minute)
	assert.Equal(t, 1, m.Sweep())
	assert.Equal(t, 1, m.Len())

	_, ok := m.Peek("old")
	assert.False(t, ok)
	_, ok = m.Peek("young")
	assert.True(t, ok)
	require.Len(t, reasons, 1)
	assert.Equal(t, EvictExpired, reasons[0])
}

func TestMapSweepHonorsAccessRefresh(t *testing.T) {
	fc := fake.NewClock(time.Now())
	m := NewMap[string, int](10, time.Minute, fc, nil)

	m.Set("a", 1)
	fc.Advance(45 * time.Second)
	// Get refreshes LastAccessedAt; Peek must not.
	_, _ = m.Get("a")
	fc.Advance(45 * time.Second)

	assert.Equal(t, 0, m.Sweep(), "entry accessed 45s ago should survive a 1m age limit")

	fc.Advance(30 * time.Second)
	assert.Equal(t, 1, m.Sweep())
}

func TestMapRemove(t *testing.T) {
	fc := fake.NewClock(time.Now())
	var reasons []EvictReason
	m := NewMap[string, int](4, 0, fc, func(_ string, _ Entry[int], reason EvictReason) {
		reasons = append(reasons, reason)
	})

	m.Set("a", 1)
	assert.True(t, m.Remove("a"))
	assert.False(t, m.Remove("a"))
	require.Len(t, reasons, 1)
	assert.Equal(t, EvictRemoved, reasons[0])
}

func TestMapPurgeSkipsHooks(t *testing.T) {
	fc := fake.NewClock(time.Now())
	hooked := 0
	m := NewMap[string, int](4, 0, fc, func(_ string, _ Entry[int], _ EvictReason) {
		hooked++
	})
	m.Set("a", 1)
	m.Set("b", 2)

	m.Purge()
	assert.Equal(t, 0, m.Len())
	assert.Equal(t, 0, hooked)

	// Hook must be live again after a purge.
	m.Set("c", 3)
	assert.True(t, m.Remove("c"))
	assert.Equal(t, 1, hooked)
}

func TestSetBounds(t *testing.T) {
	fc := fake.NewClock(time.Now())
	s := NewSet[string](2, 0, fc)

	s.Add("a")
	s.Add("b")
	s.Add("c")

	assert.Equal(t, 2, s.Len())
	assert.False(t, s.Contains("a"))
	assert.True(t, s.Contains("b"))
	assert.True(t, s.Contains("c"))
}

func TestSetSweep(t *testing.T) {
	fc := fake.NewClock(time.Now())
	s := NewSet[string](10, time.Minute, fc)

	s.Add("a")
	fc.Advance(2 * time.Minute)
	s.Add("b")

	assert.Equal(t, 1, s.Sweep())
	assert.False(t, s.Contains("a"))
	assert.True(t, s.Contains("b"))
}

func TestRingEvictsHead(t *testing.T) {
	var evicted []int
	r := NewRing[int](3, func(v int) { evicted = append(evicted, v) })

	for i := 1; i <= 5; i++ {
		r.Push(i)
	}

	assert.Equal(t, 3, r.Len())
	assert.Equal(t, []int{3, 4, 5}, r.Last(0))
	assert.Equal(t, []int{4, 5}, r.Last(2))
	assert.Equal(t, []int{1, 2}, evicted)
}

func TestRingLastBeyondLen(t *testing.T) {
	r := NewRing[int](8, nil)
	r.Push(1)
	r.Push(2)
	assert.Equal(t, []int{1, 2}, r.Last(10))
}

func TestSetBoundsAndExpires(t *testing.T) {
	fc := fake.NewClock(time.Now())
	s := NewSet[string](3, time.Minute, fc)

	s.Add("a")
	s.Add("b")
	s.Add("c")
	s.Add("d")
	assert.False(t, s.Contains("a"), "oldest member should be dropped at capacity")
	assert.True(t, s.Contains("d"))
	assert.Equal(t, 3, s.Len())

	fc.Advance(2 * time.Minute)
	assert.Equal(t, 3, s.Sweep())
	assert.Equal(t, 0, s.Len())

	s.Add("e")
	assert.True(t, s.Remove("e"))
	assert.False(t, s.Remove("e"))
}
