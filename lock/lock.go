// Package lock implements the advisory distributed lock used to serialize
// leader elections. It is not a true mutex: acquisition broadcasts an intent
// and claims success only if no better-ranked competing claim shows up
// within a quiescence window. Every process resolves conflicts with the same
// deterministic comparator, so all of them converge on the same winner
// without an arbiter. Safe for its one consumer because elections are
// self-correcting on a wrong outcome.
package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	clocks "github.com/vimeo/go-clocks"
	"go.uber.org/zap"

	"github.com/crowdcast/tabcoord/bus"
	"github.com/crowdcast/tabcoord/envelope"
)

// ErrClosed is returned once the manager is detached from the bus.
var ErrClosed = errors.New("lock: manager closed")

const (
	defaultTTL           = 10 * time.Second
	defaultQuiescence    = 150 * time.Millisecond
	defaultRetryInterval = 250 * time.Millisecond
	defaultMaxRetries    = 3
	sweepInterval        = 5 * time.Second
)

// Claim is the local view of one advisory lock.
type Claim struct {
	LockID     string
	OwnerID    string
	AcquiredAt time.Time
	ExpiresAt  time.Time
	Renewable  bool
}

// outranks reports whether c beats other for the same lock: earlier
// acquisition wins, ties broken by lexicographically smaller owner.
func (c Claim) outranks(other Claim) bool {
	if !c.AcquiredAt.Equal(other.AcquiredAt) {
		return c.AcquiredAt.Before(other.AcquiredAt)
	}
	return c.OwnerID < other.OwnerID
}

// AcquireOptions bound one acquisition attempt.
type AcquireOptions struct {
	// Timeout caps the whole acquisition including retries; zero means no
	// cap beyond ctx.
	Timeout time.Duration
	// RetryInterval is the pause between attempts.
	RetryInterval time.Duration
	// MaxRetries is the number of attempts after the first.
	MaxRetries int
	// TTL is how long the lock lives without renewal.
	TTL time.Duration
}

func (o *AcquireOptions) fillDefaults() {
	if o.RetryInterval <= 0 {
		o.RetryInterval = defaultRetryInterval
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = defaultMaxRetries
	}
	if o.TTL <= 0 {
		o.TTL = defaultTTL
	}
}

// Manager tracks advisory locks for one process.
type Manager struct {
	processID string
	bus       bus.Bus
	clock     clocks.Clock
	logger    *zap.Logger
	// Quiescence is how long an acquisition waits for competing claims
	// before declaring victory. Exposed for tests with fake clocks.
	Quiescence time.Duration

	mu          sync.Mutex
	claims      map[string]Claim
	contentions uint64

	unsubscribe func()
	closeOnce   sync.Once
	closed      chan struct{}
}

// New constructs a Manager listening on the bus. Call Run to start the
// expired-claim sweep.
func New(processID string, b bus.Bus, clock clocks.Clock, logger *zap.Logger) *Manager {
	if clock == nil {
		clock = clocks.DefaultClock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		processID:  processID,
		bus:        b,
		clock:      clock,
		logger:     logger.Named("lock"),
		Quiescence: defaultQuiescence,
		claims:     make(map[string]Claim),
		closed:     make(chan struct{}),
	}
	m.unsubscribe = b.Subscribe(m.receive)
	return m
}

// Run sweeps expired claims every 5s until ctx is done.
func (m *Manager) Run(ctx context.Context) {
	for {
		select {
		case <-m.closed:
			return
		default:
		}
		if !m.clock.SleepFor(ctx, sweepInterval) {
			return
		}
		m.sweepExpired()
	}
}

func (m *Manager) sweepExpired() {
	now := m.clock.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, c := range m.claims {
		if now.After(c.ExpiresAt) {
			delete(m.claims, id)
		}
	}
}

// Acquire attempts to take the advisory lock. It returns true when this
// process holds the lock, false when a competitor outranked us or the
// budget ran out.
func (m *Manager) Acquire(ctx context.Context, lockID string, opts AcquireOptions) (bool, error) {
	opts.fillDefaults()
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithCancel(ctx)
		defer cancel()
		go func() {
			if m.clock.SleepFor(ctx, opts.Timeout) {
				cancel()
			}
		}()
	}
	for attempt := 0; attempt <= opts.MaxRetries; attempt++ {
		select {
		case <-m.closed:
			return false, ErrClosed
		case <-ctx.Done():
			return false, ctx.Err()
		default:
		}
		won, err := m.acquireOnce(ctx, lockID, opts.TTL)
		if err != nil {
			return false, err
		}
		if won {
			return true, nil
		}
		m.mu.Lock()
		m.contentions++
		m.mu.Unlock()
		if !m.clock.SleepFor(ctx, opts.RetryInterval) {
			return false, ctx.Err()
		}
	}
	return false, nil
}

func (m *Manager) acquireOnce(ctx context.Context, lockID string, ttl time.Duration) (bool, error) {
	now := m.clock.Now()
	mine := Claim{
		LockID:     lockID,
		OwnerID:    m.processID,
		AcquiredAt: now,
		ExpiresAt:  now.Add(ttl),
		Renewable:  true,
	}

	m.mu.Lock()
	if existing, ok := m.claims[lockID]; ok && now.Before(existing.ExpiresAt) && existing.OwnerID != m.processID {
		// Someone already holds it; don't even contend.
		m.mu.Unlock()
		return false, nil
	}
	m.claims[lockID] = mine
	m.mu.Unlock()

	if err := m.broadcastClaim(ctx, mine); err != nil {
		return false, fmt.Errorf("failed to broadcast lock claim: %w", err)
	}

	// Quiescence window: competing claims arriving here are folded into
	// the claims table by receive using the same comparator everywhere.
	if !m.clock.SleepFor(ctx, m.Quiescence) {
		return false, ctx.Err()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.claims[lockID]
	return ok && current.OwnerID == m.processID, nil
}

// Release gives the lock up and tells everyone.
func (m *Manager) Release(ctx context.Context, lockID string) error {
	m.mu.Lock()
	c, ok := m.claims[lockID]
	if !ok || c.OwnerID != m.processID {
		m.mu.Unlock()
		return nil
	}
	delete(m.claims, lockID)
	m.mu.Unlock()

	e, err := envelope.New(envelope.TypeLockRelease, m.processID, uuid.NewString(),
		m.clock.Now(), envelope.LockRelease{LockID: lockID, OwnerID: m.processID})
	if err != nil {
		return err
	}
	if err := m.bus.Broadcast(ctx, e); err != nil {
		m.logger.Warn("lock release broadcast failed", zap.Error(err))
	}
	return nil
}

// Renew extends a held lock by extra and tells everyone. Returns false when
// the lock is no longer ours.
func (m *Manager) Renew(ctx context.Context, lockID string, extra time.Duration) (bool, error) {
	m.mu.Lock()
	c, ok := m.claims[lockID]
	if !ok || c.OwnerID != m.processID || !c.Renewable {
		m.mu.Unlock()
		return false, nil
	}
	c.ExpiresAt = c.ExpiresAt.Add(extra)
	m.claims[lockID] = c
	m.mu.Unlock()

	e, err := envelope.New(envelope.TypeLockRenew, m.processID, uuid.NewString(),
		m.clock.Now(), envelope.LockRenew{LockID: lockID, OwnerID: m.processID, ExpiresAt: c.ExpiresAt})
	if err != nil {
		return false, err
	}
	if err := m.bus.Broadcast(ctx, e); err != nil {
		m.logger.Warn("lock renew broadcast failed", zap.Error(err))
	}
	return true, nil
}

// Owns reports whether this process currently holds the unexpired lock.
func (m *Manager) Owns(lockID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.claims[lockID]
	return ok && c.OwnerID == m.processID && m.clock.Now().Before(c.ExpiresAt)
}

// Contentions reports how many acquisition attempts lost their race.
func (m *Manager) Contentions() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.contentions
}

// Close detaches from the bus.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		close(m.closed)
		m.unsubscribe()
	})
}

func (m *Manager) broadcastClaim(ctx context.Context, c Claim) error {
	e, err := envelope.New(envelope.TypeLockClaim, m.processID, uuid.NewString(),
		c.AcquiredAt, envelope.LockClaim{
			LockID:     c.LockID,
			OwnerID:    c.OwnerID,
			AcquiredAt: c.AcquiredAt,
			ExpiresAt:  c.ExpiresAt,
			Renewable:  c.Renewable,
		})
	if err != nil {
		return err
	}
	e.Priority = envelope.PriorityHigh
	return m.bus.Broadcast(ctx, e)
}

// receive folds remote lock traffic into the local claims table.
func (m *Manager) receive(e *envelope.Envelope) {
	switch e.Type {
	case envelope.TypeLockClaim:
		var p envelope.LockClaim
		if err := e.DecodePayload(&p); err != nil {
			m.logger.Warn("undecodable lock claim", zap.Error(err))
			return
		}
		theirs := Claim{
			LockID:     p.LockID,
			OwnerID:    p.OwnerID,
			AcquiredAt: p.AcquiredAt,
			ExpiresAt:  p.ExpiresAt,
			Renewable:  p.Renewable,
		}
		m.mu.Lock()
		existing, ok := m.claims[p.LockID]
		expired := ok && m.clock.Now().After(existing.ExpiresAt)
		if !ok || expired || theirs.outranks(existing) {
			m.claims[p.LockID] = theirs
		}
		m.mu.Unlock()
	case envelope.TypeLockRelease:
		var p envelope.LockRelease
		if err := e.DecodePayload(&p); err != nil {
			return
		}
		m.mu.Lock()
		if c, ok := m.claims[p.LockID]; ok && c.OwnerID == p.OwnerID {
			delete(m.claims, p.LockID)
		}
		m.mu.Unlock()
	case envelope.TypeLockRenew:
		var p envelope.LockRenew
		if err := e.DecodePayload(&p); err != nil {
			return
		}
		m.mu.Lock()
		if c, ok := m.claims[p.LockID]; ok && c.OwnerID == p.OwnerID {
			c.ExpiresAt = p.ExpiresAt
			m.claims[p.LockID] = c
		}
		m.mu.Unlock()
	default:
	}
}
