// Package memman is the process-wide cleanup registry: components register
// named routines with a priority and an optional memory-estimate function,
// and a periodic sweep runs them in priority order. Under heap pressure the
// sweep cadence is halved.
package memman

import (
	"context"
	"runtime"
	"sync"
	"time"

	clocks "github.com/vimeo/go-clocks"
	"go.uber.org/zap"
	"golang.org/x/exp/slices"
)

// Priority orders cleanup routines within a sweep.
type Priority int

const (
	PriorityCritical Priority = iota
	PriorityHigh
	PriorityMedium
	PriorityLow
)

const (
	defaultSweepInterval = time.Minute
	// pressureHeapBytes is the live-heap threshold past which sweeps run
	// at double cadence.
	pressureHeapBytes = 256 << 20
)

// Routine is one registered cleanup.
type Routine struct {
	Name     string
	Priority Priority
	// Clean does the work; errors are counted, not propagated.
	Clean func() error
	// EstimateBytes optionally reports the memory the routine guards.
	EstimateBytes func() uint64
}

// SweepReport summarizes one sweep.
type SweepReport struct {
	StartedAt      time.Time
	Duration       time.Duration
	RoutinesRun    int
	Errors         int
	EstimatedBytes uint64
}

// Manager owns the registry and the sweep schedule.
type Manager struct {
	clock  clocks.Clock
	logger *zap.Logger
	// Interval is the base sweep cadence; halved under heap pressure.
	Interval time.Duration
	// heapInUse reads live heap bytes; swapped in tests.
	heapInUse func() uint64

	mu       sync.Mutex
	routines map[string]Routine
	last     SweepReport
	sweeps   uint64
}

// New constructs a Manager.
func New(clock clocks.Clock, logger *zap.Logger) *Manager {
	if clock == nil {
		clock = clocks.DefaultClock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		clock:    clock,
		logger:   logger.Named("memman"),
		Interval: defaultSweepInterval,
		heapInUse: func() uint64 {
			var ms runtime.MemStats
			runtime.ReadMemStats(&ms)
			return ms.HeapInuse
		},
		routines: make(map[string]Routine),
	}
}

// Register adds or replaces a routine under its name.
func (m *Manager) Register(r Routine) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.routines[r.Name] = r
}

// Unregister removes a routine.
func (m *Manager) Unregister(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.routines, name)
}

// Run sweeps on the schedule until ctx is done.
func (m *Manager) Run(ctx context.Context) {
	for {
		interval := m.Interval
		if m.heapInUse() > pressureHeapBytes {
			interval /= 2
		}
		if !m.clock.SleepFor(ctx, interval) {
			return
		}
		m.Sweep()
	}
}

// Sweep invokes every routine in priority order and records the report.
func (m *Manager) Sweep() SweepReport {
	start := m.clock.Now()
	m.mu.Lock()
	routines := make([]Routine, 0, len(m.routines))
	for _, r := range m.routines {
		routines = append(routines, r)
	}
	m.mu.Unlock()
	slices.SortStableFunc(routines, func(a, b Routine) int {
		if a.Priority != b.Priority {
			return int(a.Priority) - int(b.Priority)
		}
		switch {
		case a.Name < b.Name:
			return -1
		case a.Name > b.Name:
			return 1
		}
		return 0
	})

	report := SweepReport{StartedAt: start}
	for _, r := range routines {
		if err := m.runOne(r); err != nil {
			report.Errors++
			m.logger.Warn("cleanup routine failed", zap.String("routine", r.Name), zap.Error(err))
		}
		report.RoutinesRun++
		if r.EstimateBytes != nil {
			report.EstimatedBytes += r.EstimateBytes()
		}
	}
	report.Duration = m.clock.Now().Sub(start)

	m.mu.Lock()
	m.last = report
	m.sweeps++
	m.mu.Unlock()
	return report
}

// runOne isolates panics so one broken routine cannot stop the sweep.
func (m *Manager) runOne(r Routine) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			m.logger.Warn("cleanup routine panicked",
				zap.String("routine", r.Name), zap.Any("panic", rec))
		}
	}()
	return r.Clean()
}

// LastReport returns the most recent sweep report.
func (m *Manager) LastReport() SweepReport {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}

// Sweeps reports how many sweeps have run.
func (m *Manager) Sweeps() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sweeps
}
