package recovery

import (
	"context"
	"math/rand"
	"sync"
	"time"

	clocks "github.com/vimeo/go-clocks"
	"go.uber.org/zap"

	"github.com/crowdcast/tabcoord/bounded"
	"github.com/crowdcast/tabcoord/observer"
	"github.com/crowdcast/tabcoord/platform"
)

const attemptHistoryCap = 50

// FailureKind tags what prompted a recovery run.
type FailureKind string

const (
	FailureConnectionLost FailureKind = "connection-lost"
	FailureHandoff        FailureKind = "handoff-failed"
	FailureHealthCheck    FailureKind = "health-check"
	FailureExplicit       FailureKind = "explicit"
)

// Attempt is one recorded reconnection try.
type Attempt struct {
	Number      int
	Strategy    StrategyKind
	Timestamp   time.Time
	FailureKind FailureKind
	Delay       time.Duration
	Success     bool
	Err         error
}

// Outcome is published when a recovery run ends.
type Outcome struct {
	FailureKind FailureKind
	Success     bool
	Attempts    int
	// Cause is the original error that started recovery, carried through
	// to exhaustion reporting.
	Cause error
}

// Config wires a Manager.
type Config struct {
	// Connect is the injected dial of the real connection.
	Connect func(ctx context.Context) error
	// Network gates attempts: recovery never dials while offline. May be
	// nil for always-online hosts.
	Network platform.NetworkSignal
	Clock   clocks.Clock
	Logger  *zap.Logger
	// Strategy is the initial delay policy; defaults to exponential.
	Strategy Strategy
}

// Manager runs the reconnection loop for the connection owner.
type Manager struct {
	cfg    Config
	clock  clocks.Clock
	logger *zap.Logger
	rng    *rand.Rand

	mu         sync.Mutex
	strategy   Strategy
	recovering bool
	cancelRun  context.CancelFunc
	exhausted  bool

	attempts   *bounded.Ring[Attempt]
	outcomeObs *observer.Observable[Outcome]
}

// New constructs a Manager.
func New(cfg Config) *Manager {
	if cfg.Clock == nil {
		cfg.Clock = clocks.DefaultClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Strategy.Kind == "" {
		cfg.Strategy = ExponentialStrategy()
	}
	return &Manager{
		cfg:        cfg,
		clock:      cfg.Clock,
		logger:     cfg.Logger.Named("recovery"),
		rng:        rand.New(rand.NewSource(cfg.Clock.Now().UnixNano())),
		strategy:   cfg.Strategy,
		attempts:   bounded.NewRing[Attempt](attemptHistoryCap, nil),
		outcomeObs: observer.New[Outcome](cfg.Logger),
	}
}

// SetStrategy switches the delay policy for subsequent runs.
func (m *Manager) SetStrategy(s Strategy) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.strategy = s
}

// Strategy returns the active policy.
func (m *Manager) Strategy() Strategy {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.strategy
}

// Recovering reports whether a run is in flight.
func (m *Manager) Recovering() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.recovering
}

// Exhausted reports whether the last run failed all its attempts. While
// true, no automatic recovery is started; an explicit StartRecovery call
// resets it.
func (m *Manager) Exhausted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.exhausted
}

// Attempts returns up to n recent attempts, newest last.
func (m *Manager) Attempts(n int) []Attempt {
	return m.attempts.Last(n)
}

// OnOutcome registers cb for run completions (success or exhaustion).
func (m *Manager) OnOutcome(cb func(Outcome)) func() {
	return m.outcomeObs.Subscribe(cb)
}

// StartRecovery launches the reconnection loop in the background. Returns
// false when a run is already in flight.
func (m *Manager) StartRecovery(kind FailureKind, cause error) bool {
	m.mu.Lock()
	if m.recovering {
		m.mu.Unlock()
		return false
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.recovering = true
	m.exhausted = false
	m.cancelRun = cancel
	strategy := m.strategy
	m.mu.Unlock()

	go m.run(ctx, strategy, kind, cause)
	return true
}

// StopRecovery aborts an in-flight run.
func (m *Manager) StopRecovery() {
	m.mu.Lock()
	cancel := m.cancelRun
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (m *Manager) run(ctx context.Context, strategy Strategy, kind FailureKind, cause error) {
	defer func() {
		m.mu.Lock()
		m.recovering = false
		m.cancelRun = nil
		m.mu.Unlock()
	}()

	for attempt := 1; attempt <= strategy.MaxAttempts; attempt++ {
		if ctx.Err() != nil {
			return
		}
		// Offline attempts are guaranteed failures; wait for the delay
		// without burning the dial.
		if m.cfg.Network != nil && !m.cfg.Network.Online() {
			if !m.clock.SleepFor(ctx, strategy.Delay(attempt, m.rng)) {
				return
			}
			attempt--
			continue
		}
		delay := m.delayFor(strategy, attempt)
		if !m.clock.SleepFor(ctx, delay) {
			return
		}
		err := m.cfg.Connect(ctx)
		rec := Attempt{
			Number:      attempt,
			Strategy:    strategy.Kind,
			Timestamp:   m.clock.Now(),
			FailureKind: kind,
			Delay:       delay,
			Success:     err == nil,
			Err:         err,
		}
		m.attempts.Push(rec)
		if err == nil {
			m.outcomeObs.Notify(Outcome{FailureKind: kind, Success: true, Attempts: attempt, Cause: cause})
			return
		}
		m.logger.Warn("reconnect attempt failed",
			zap.Int("attempt", attempt),
			zap.String("strategy", string(strategy.Kind)),
			zap.Error(err))
	}

	m.mu.Lock()
	m.exhausted = true
	m.mu.Unlock()
	m.outcomeObs.Notify(Outcome{FailureKind: kind, Success: false, Attempts: strategy.MaxAttempts, Cause: cause})
}

func (m *Manager) delayFor(strategy Strategy, attempt int) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return strategy.Delay(attempt, m.rng)
}
