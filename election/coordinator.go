// Package election implements leader election and heartbeat monitoring
// among the processes of one session. Rounds are serialized by the advisory
// lock; candidacies and decisions travel through the causal synchronizer.
//
// The protocol trades safety for liveness: when the bus partitions,
// processes can transiently disagree about the leader, and the ownership
// layer has to tolerate a brief double-ownership window. Convergence back
// to a single leader takes at most one election round after the partition
// heals.
package election

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	clocks "github.com/vimeo/go-clocks"
	"go.uber.org/zap"
	"golang.org/x/exp/slices"

	"github.com/crowdcast/tabcoord/bounded"
	"github.com/crowdcast/tabcoord/causal"
	"github.com/crowdcast/tabcoord/envelope"
	"github.com/crowdcast/tabcoord/lock"
	"github.com/crowdcast/tabcoord/observer"
	"github.com/crowdcast/tabcoord/platform"
)

// LockID is the advisory lock serializing election rounds.
const LockID = "leader-election"

const (
	defaultHeartbeatInterval = 2 * time.Second
	defaultElectionTimeout   = 3 * time.Second
	// visibilityGrace is how long a newly hidden leader waits before
	// offering resignation, and the upper bound of the randomized delay a
	// newly visible process waits before challenging.
	visibilityGrace = 2 * time.Second
)

// Phase is the lifecycle of one election round.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseCandidate
	PhaseVoting
	PhaseDecided
)

// LeaderChange is published whenever the known leader changes.
type LeaderChange struct {
	LeaderID string
	IsSelf   bool
}

// Config wires a Coordinator.
type Config struct {
	ProcessID string
	// CreatedAt anchors this process's election priority.
	CreatedAt time.Time
	Sync      *causal.Synchronizer
	Locks     *lock.Manager
	// Visibility drives priority and the challenge/resignation rules. May
	// be nil for always-visible processes.
	Visibility platform.VisibilitySignal
	Clock      clocks.Clock
	Logger     *zap.Logger

	// HeartbeatInterval is the leader's liveness cadence. Followers treat
	// a leader silent for HeartbeatTimeout (default 2x interval) as dead.
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	// ElectionTimeout bounds one round; candidacies are collected for half
	// of it.
	ElectionTimeout time.Duration
}

// Stats counts coordinator activity.
type Stats struct {
	RoundsStarted uint64
	RoundsWon     uint64
	RoundsLost    uint64
	Heartbeats    uint64
	Challenges    uint64
}

// Coordinator runs elections and tracks the current leader for one process.
type Coordinator struct {
	cfg    Config
	clock  clocks.Clock
	logger *zap.Logger
	rng    *rand.Rand

	mu            sync.Mutex
	phase         Phase
	isLeader      bool
	leaderID      string
	lastHeartbeat time.Time
	heartbeatSeq  uint64
	// candidates collects bids per electionID while a round is open.
	candidates map[string][]Candidate
	stats      Stats

	// answered remembers election rounds we already bid in, so a
	// candidacy rebroadcast cannot make us bid twice.
	answered *bounded.Set[string]
	// peers tracks the last observed visibility of other processes, fed
	// by candidacy and challenge traffic.
	peers *bounded.Map[string, bool]

	leaderObs *observer.Observable[LeaderChange]

	// kick cuts the Run loop's sleep short after a resignation.
	kick chan struct{}

	unsubSync func()
	unsubVis  func()
	closeOnce sync.Once
	closed    chan struct{}
}

// New constructs a Coordinator and subscribes it to election traffic. Call
// Run to start heartbeat emission and monitoring.
func New(cfg Config) (*Coordinator, error) {
	if cfg.ProcessID == "" {
		return nil, fmt.Errorf("missing ProcessID")
	}
	if cfg.Sync == nil || cfg.Locks == nil {
		return nil, fmt.Errorf("Sync and Locks are required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clocks.DefaultClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.CreatedAt.IsZero() {
		cfg.CreatedAt = cfg.Clock.Now()
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaultHeartbeatInterval
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = 2 * cfg.HeartbeatInterval
	}
	if cfg.ElectionTimeout <= 0 {
		cfg.ElectionTimeout = defaultElectionTimeout
	}
	c := &Coordinator{
		cfg:        cfg,
		clock:      cfg.Clock,
		logger:     cfg.Logger.Named("election"),
		rng:        rand.New(rand.NewSource(cfg.Clock.Now().UnixNano() ^ int64(len(cfg.ProcessID)))),
		candidates: make(map[string][]Candidate),
		answered:   bounded.NewSet[string](256, 5*time.Minute, cfg.Clock),
		peers:      bounded.NewMap[string, bool](64, 5*time.Minute, cfg.Clock, nil),
		leaderObs:  observer.New[LeaderChange](cfg.Logger),
		kick:       make(chan struct{}, 1),
		closed:     make(chan struct{}),
	}
	c.unsubSync = cfg.Sync.OnMessage(c.receive)
	if cfg.Visibility != nil {
		c.unsubVis = cfg.Visibility.OnChange(c.visibilityChanged)
	}
	return c, nil
}

func (c *Coordinator) visible() bool {
	if c.cfg.Visibility == nil {
		return true
	}
	return c.cfg.Visibility.Visible()
}

func (c *Coordinator) selfCandidate() Candidate {
	return Candidate{
		ProcessID: c.cfg.ProcessID,
		Priority:  PriorityFor(c.cfg.CreatedAt, c.visible()),
		Visible:   c.visible(),
		Timestamp: c.cfg.CreatedAt,
	}
}

// IsLeader reports whether this process currently believes it leads.
func (c *Coordinator) IsLeader() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isLeader
}

// LeaderID returns the last known leader ("" when leaderless).
func (c *Coordinator) LeaderID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.leaderID
}

// OnLeaderChange registers cb for leadership transitions.
func (c *Coordinator) OnLeaderChange(cb func(LeaderChange)) func() {
	return c.leaderObs.Subscribe(cb)
}

// Stats returns a copy of the activity counters.
func (c *Coordinator) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// ElectLeader runs one election round, returning true when this process
// won. The advisory lock keeps two processes from running rounds
// concurrently; losing the lock just means someone else is already running
// one, so we wait for its decision instead of failing.
func (c *Coordinator) ElectLeader(ctx context.Context) (bool, error) {
	won, lockErr := c.cfg.Locks.Acquire(ctx, LockID, lock.AcquireOptions{
		Timeout: c.cfg.ElectionTimeout,
	})
	if lockErr != nil {
		return false, fmt.Errorf("failed to acquire election lock: %w", lockErr)
	}
	if !won {
		// Another process is running the round; treat its decision as
		// authoritative when it arrives.
		return false, nil
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := c.cfg.Locks.Release(releaseCtx, LockID); err != nil {
			c.logger.Warn("election lock release failed", zap.Error(err))
		}
	}()

	electionID := uuid.NewString()
	self := c.selfCandidate()

	c.mu.Lock()
	c.phase = PhaseCandidate
	c.stats.RoundsStarted++
	c.candidates[electionID] = []Candidate{self}
	c.answered.Add(electionID)
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.candidates, electionID)
		c.phase = PhaseIdle
		c.mu.Unlock()
	}()

	if err := c.broadcastCandidacy(ctx, electionID, self); err != nil {
		return false, err
	}

	// Collection window: half the election timeout, matching what remote
	// processes expect before a decision shows up.
	c.mu.Lock()
	c.phase = PhaseVoting
	c.mu.Unlock()
	if !c.clock.SleepFor(ctx, c.cfg.ElectionTimeout/2) {
		return false, ctx.Err()
	}

	c.mu.Lock()
	bids := slices.Clone(c.candidates[electionID])
	c.phase = PhaseDecided
	c.mu.Unlock()

	winner := Winner(bids)
	decision := envelope.ElectionDecision{
		ElectionID: electionID,
		LeaderID:   winner.ProcessID,
		Priority:   winner.Priority,
		DecidedAt:  c.clock.Now(),
	}
	e, err := envelope.New(envelope.TypeElectionDecision, c.cfg.ProcessID, uuid.NewString(),
		c.clock.Now(), decision)
	if err != nil {
		return false, err
	}
	e.Priority = envelope.PriorityCritical
	if err := c.cfg.Sync.Broadcast(ctx, e); err != nil {
		return false, fmt.Errorf("failed to broadcast decision: %w", err)
	}

	selfWon := winner.ProcessID == c.cfg.ProcessID
	c.applyDecision(decision)
	c.mu.Lock()
	if selfWon {
		c.stats.RoundsWon++
	} else {
		c.stats.RoundsLost++
	}
	c.mu.Unlock()
	return selfWon, nil
}

// BecomeLeader marks this process leader without a round. Used when a
// decision named us, and by tests.
func (c *Coordinator) BecomeLeader() {
	c.applyDecision(envelope.ElectionDecision{LeaderID: c.cfg.ProcessID, DecidedAt: c.clock.Now()})
}

// Resign steps down and broadcasts a resignation so followers elect
// immediately instead of waiting out the heartbeat timeout.
func (c *Coordinator) Resign(ctx context.Context, reason string) error {
	c.mu.Lock()
	if !c.isLeader {
		c.mu.Unlock()
		return nil
	}
	c.isLeader = false
	c.leaderID = ""
	c.mu.Unlock()

	e, err := envelope.New(envelope.TypeResignation, c.cfg.ProcessID, uuid.NewString(),
		c.clock.Now(), envelope.Resignation{LeaderID: c.cfg.ProcessID, Reason: reason})
	if err != nil {
		return err
	}
	e.Priority = envelope.PriorityCritical
	if err := c.cfg.Sync.Broadcast(ctx, e); err != nil {
		return fmt.Errorf("failed to broadcast resignation: %w", err)
	}
	c.leaderObs.Notify(LeaderChange{LeaderID: "", IsSelf: false})
	return nil
}

// Run drives heartbeats while leading and heartbeat-timeout monitoring while
// following. It blocks until ctx is done.
func (c *Coordinator) Run(ctx context.Context) {
	for {
		select {
		case <-c.closed:
			return
		case <-ctx.Done():
			return
		default:
		}
		if c.IsLeader() {
			if err := c.sendHeartbeat(ctx); err != nil {
				c.logger.Warn("heartbeat broadcast failed", zap.Error(err))
			}
			if !c.sleepOrKick(ctx, c.cfg.HeartbeatInterval) {
				return
			}
			continue
		}
		c.mu.Lock()
		leaderKnown := c.leaderID != ""
		silence := c.clock.Now().Sub(c.lastHeartbeat)
		c.mu.Unlock()
		if !leaderKnown || silence > c.cfg.HeartbeatTimeout {
			if _, err := c.ElectLeader(ctx); err != nil && ctx.Err() == nil {
				c.logger.Warn("election failed", zap.Error(err))
			}
		}
		if !c.sleepOrKick(ctx, c.cfg.HeartbeatInterval) {
			return
		}
	}
}

// sleepOrKick sleeps for d but wakes early on a kick, so a resignation does
// not sit out the rest of a heartbeat interval before the monitor reacts.
// Returns false only when ctx is done.
func (c *Coordinator) sleepOrKick(ctx context.Context, d time.Duration) bool {
	sctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-c.kick:
			cancel()
		case <-sctx.Done():
		}
	}()
	c.clock.SleepFor(sctx, d)
	return ctx.Err() == nil
}

// Close detaches from the synchronizer and visibility signal.
func (c *Coordinator) Close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.unsubSync()
		if c.unsubVis != nil {
			c.unsubVis()
		}
	})
}

func (c *Coordinator) sendHeartbeat(ctx context.Context) error {
	c.mu.Lock()
	c.heartbeatSeq++
	seq := c.heartbeatSeq
	c.stats.Heartbeats++
	c.lastHeartbeat = c.clock.Now()
	c.mu.Unlock()
	e, err := envelope.New(envelope.TypeHeartbeat, c.cfg.ProcessID, uuid.NewString(),
		c.clock.Now(), envelope.Heartbeat{LeaderID: c.cfg.ProcessID, SentAt: c.clock.Now(), Sequence: seq})
	if err != nil {
		return err
	}
	e.Priority = envelope.PriorityHigh
	return c.cfg.Sync.Broadcast(ctx, e)
}

func (c *Coordinator) broadcastCandidacy(ctx context.Context, electionID string, cand Candidate) error {
	e, err := envelope.New(envelope.TypeCandidacy, c.cfg.ProcessID, uuid.NewString(),
		c.clock.Now(), envelope.Candidacy{
			ElectionID: electionID,
			ProcessID:  cand.ProcessID,
			Priority:   cand.Priority,
			Visible:    cand.Visible,
			Timestamp:  cand.Timestamp,
		})
	if err != nil {
		return err
	}
	e.Priority = envelope.PriorityCritical
	if err := c.cfg.Sync.Broadcast(ctx, e); err != nil {
		return fmt.Errorf("failed to broadcast candidacy: %w", err)
	}
	return nil
}

func (c *Coordinator) applyDecision(d envelope.ElectionDecision) {
	c.mu.Lock()
	prev := c.leaderID
	wasLeader := c.isLeader
	c.leaderID = d.LeaderID
	c.isLeader = d.LeaderID == c.cfg.ProcessID
	c.lastHeartbeat = c.clock.Now()
	changed := prev != d.LeaderID || wasLeader != c.isLeader
	isSelf := c.isLeader
	c.mu.Unlock()
	if changed {
		c.leaderObs.Notify(LeaderChange{LeaderID: d.LeaderID, IsSelf: isSelf})
	}
}

// receive handles election traffic from other processes.
func (c *Coordinator) receive(e *envelope.Envelope) {
	switch e.Type {
	case envelope.TypeCandidacy:
		var p envelope.Candidacy
		if err := e.DecodePayload(&p); err != nil {
			c.logger.Warn("undecodable candidacy", zap.Error(err))
			return
		}
		c.peers.Set(p.ProcessID, p.Visible)
		c.mu.Lock()
		_, running := c.candidates[p.ElectionID]
		if running {
			c.candidates[p.ElectionID] = append(c.candidates[p.ElectionID], Candidate{
				ProcessID: p.ProcessID,
				Priority:  p.Priority,
				Visible:   p.Visible,
				Timestamp: p.Timestamp,
			})
			c.mu.Unlock()
			return
		}
		answered := c.answered.Contains(p.ElectionID)
		if !answered {
			c.answered.Add(p.ElectionID)
		}
		c.mu.Unlock()
		if answered {
			return
		}
		// Someone else's round: submit our own bid so the initiator can
		// compare the full field.
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := c.broadcastCandidacy(ctx, p.ElectionID, c.selfCandidate()); err != nil {
			c.logger.Warn("candidacy reply failed", zap.Error(err))
		}
	case envelope.TypeElectionDecision:
		var p envelope.ElectionDecision
		if err := e.DecodePayload(&p); err != nil {
			c.logger.Warn("undecodable decision", zap.Error(err))
			return
		}
		c.applyDecision(p)
	case envelope.TypeHeartbeat:
		var p envelope.Heartbeat
		if err := e.DecodePayload(&p); err != nil {
			return
		}
		c.mu.Lock()
		c.leaderID = p.LeaderID
		c.lastHeartbeat = c.clock.Now()
		stale := c.isLeader && p.LeaderID != c.cfg.ProcessID
		if stale {
			// Two leaders heard each other; the remote one's heartbeat
			// means a newer decision exists somewhere. Step down and let
			// monitoring re-elect if it was wrong.
			c.isLeader = false
		}
		c.mu.Unlock()
		if stale {
			c.leaderObs.Notify(LeaderChange{LeaderID: p.LeaderID, IsSelf: false})
		}
	case envelope.TypeResignation:
		var p envelope.Resignation
		if err := e.DecodePayload(&p); err != nil {
			return
		}
		c.mu.Lock()
		if c.leaderID == p.LeaderID {
			c.leaderID = ""
			// Backdate the heartbeat so the Run loop elects immediately.
			c.lastHeartbeat = c.clock.Now().Add(-2 * c.cfg.HeartbeatTimeout)
		}
		c.mu.Unlock()
		select {
		case c.kick <- struct{}{}:
		default:
		}
	case envelope.TypeChallenge:
		// A newly visible process wants a re-election; only the current
		// leader needs to act, by resigning if it is hidden.
		var p envelope.Challenge
		if err := e.DecodePayload(&p); err != nil {
			return
		}
		c.peers.Set(p.ChallengerID, true)
		if c.IsLeader() && !c.visible() {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			if err := c.Resign(ctx, "challenged while hidden"); err != nil {
				c.logger.Warn("resignation failed", zap.Error(err))
			}
		}
	default:
	}
}

func (c *Coordinator) anyVisiblePeer() bool {
	for _, id := range c.peers.Keys() {
		if visible, ok := c.peers.Peek(id); ok && visible {
			return true
		}
	}
	return false
}

// visibilityChanged implements the visibility-driven re-election rules.
func (c *Coordinator) visibilityChanged(visible bool) {
	if visible {
		// Hidden -> visible: challenge after a randomized delay to avoid a
		// stampede when several tabs surface at once.
		go c.challengeLater()
		return
	}
	if c.IsLeader() {
		go c.offerResignationLater()
	}
}

func (c *Coordinator) challengeLater() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	// rng is not thread-safe and rapid visibility flips schedule these
	// concurrently.
	c.mu.Lock()
	delay := time.Duration(c.rng.Int63n(int64(visibilityGrace)))
	c.mu.Unlock()
	if !c.clock.SleepFor(ctx, delay) {
		return
	}
	if !c.visible() || c.IsLeader() {
		return
	}
	c.mu.Lock()
	leader := c.leaderID
	c.stats.Challenges++
	c.mu.Unlock()
	if leader == "" {
		return
	}
	e, err := envelope.New(envelope.TypeChallenge, c.cfg.ProcessID, uuid.NewString(),
		c.clock.Now(), envelope.Challenge{
			ChallengerID: c.cfg.ProcessID,
			Priority:     PriorityFor(c.cfg.CreatedAt, true),
		})
	if err != nil {
		return
	}
	if err := c.cfg.Sync.Broadcast(ctx, e); err != nil {
		c.logger.Warn("challenge broadcast failed", zap.Error(err))
	}
}

// offerResignationLater resigns a hidden leader after a grace period, but
// only when some visible process is known to exist (from candidacy or
// challenge traffic); otherwise staying leader while hidden is still the
// best available option.
func (c *Coordinator) offerResignationLater() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if !c.clock.SleepFor(ctx, visibilityGrace) {
		return
	}
	if !c.IsLeader() || c.visible() {
		return
	}
	if !c.anyVisiblePeer() {
		return
	}
	if err := c.Resign(ctx, "hidden with visible processes available"); err != nil {
		c.logger.Warn("voluntary resignation failed", zap.Error(err))
	}
}
