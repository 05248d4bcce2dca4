package recovery

import (
	"context"
	"sync"
	"time"

	clocks "github.com/vimeo/go-clocks"
	"go.uber.org/zap"

	"github.com/crowdcast/tabcoord/observer"
)

// healthWindowSize is the rolling sample count health is computed from.
const healthWindowSize = 20

const defaultCheckInterval = 10 * time.Second

// Health is a snapshot of connection health derived from the rolling
// window.
type Health struct {
	IsHealthy        bool
	AverageLatencyMs float64
	SuccessRate      float64
	FailureCount     int
	LastCheckAt      time.Time
}

type healthSample struct {
	ok      bool
	latency time.Duration
	at      time.Time
}

// HealthConfig wires a HealthMonitor.
type HealthConfig struct {
	// Check probes the live connection; a nil error is a healthy sample.
	Check func(ctx context.Context) error
	// Interval between probes; zero uses the default.
	Interval time.Duration
	// UnhealthyAfter is how many consecutive failures flip the monitor to
	// unhealthy; zero means 3.
	UnhealthyAfter int
	Clock          clocks.Clock
	Logger         *zap.Logger
}

// HealthMonitor probes the connection on a schedule and publishes
// edge-triggered health transitions: only flips of IsHealthy are notified,
// never level repeats.
type HealthMonitor struct {
	cfg    HealthConfig
	clock  clocks.Clock
	logger *zap.Logger

	mu               sync.Mutex
	window           []healthSample
	consecutiveFails int
	healthy          bool
	lastCheck        time.Time

	healthObs *observer.Observable[Health]
}

// NewHealthMonitor constructs a monitor; the connection is presumed healthy
// until samples say otherwise.
func NewHealthMonitor(cfg HealthConfig) *HealthMonitor {
	if cfg.Clock == nil {
		cfg.Clock = clocks.DefaultClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = defaultCheckInterval
	}
	if cfg.UnhealthyAfter <= 0 {
		cfg.UnhealthyAfter = 3
	}
	return &HealthMonitor{
		cfg:       cfg,
		clock:     cfg.Clock,
		logger:    cfg.Logger.Named("health"),
		healthy:   true,
		healthObs: observer.New[Health](cfg.Logger),
	}
}

// Run probes every Interval until ctx is done.
func (h *HealthMonitor) Run(ctx context.Context) {
	for {
		if !h.clock.SleepFor(ctx, h.cfg.Interval) {
			return
		}
		h.PerformCheck(ctx)
	}
}

// PerformCheck runs one probe immediately and reports whether it succeeded.
func (h *HealthMonitor) PerformCheck(ctx context.Context) bool {
	start := h.clock.Now()
	err := h.cfg.Check(ctx)
	latency := h.clock.Now().Sub(start)

	h.mu.Lock()
	h.lastCheck = h.clock.Now()
	h.window = append(h.window, healthSample{ok: err == nil, latency: latency, at: h.lastCheck})
	if len(h.window) > healthWindowSize {
		h.window = h.window[len(h.window)-healthWindowSize:]
	}
	if err == nil {
		h.consecutiveFails = 0
	} else {
		h.consecutiveFails++
	}
	wasHealthy := h.healthy
	if h.consecutiveFails >= h.cfg.UnhealthyAfter {
		h.healthy = false
	} else if err == nil {
		h.healthy = true
	}
	flipped := wasHealthy != h.healthy
	snapshot := h.snapshotLocked()
	h.mu.Unlock()

	if err != nil {
		h.logger.Debug("health probe failed", zap.Error(err))
	}
	if flipped {
		h.healthObs.Notify(snapshot)
	}
	return err == nil
}

// Health returns the current snapshot.
func (h *HealthMonitor) Health() Health {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.snapshotLocked()
}

// OnTransition registers cb for healthy/unhealthy flips.
func (h *HealthMonitor) OnTransition(cb func(Health)) func() {
	return h.healthObs.Subscribe(cb)
}

func (h *HealthMonitor) snapshotLocked() Health {
	out := Health{IsHealthy: h.healthy, LastCheckAt: h.lastCheck}
	if len(h.window) == 0 {
		out.SuccessRate = 1
		return out
	}
	var ok int
	var totalLatency time.Duration
	for _, s := range h.window {
		if s.ok {
			ok++
			totalLatency += s.latency
		} else {
			out.FailureCount++
		}
	}
	out.SuccessRate = float64(ok) / float64(len(h.window))
	if ok > 0 {
		out.AverageLatencyMs = float64(totalLatency.Milliseconds()) / float64(ok)
	}
	return out
}
