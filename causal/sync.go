package causal

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	clocks "github.com/vimeo/go-clocks"
	"go.uber.org/zap"

	"github.com/crowdcast/tabcoord/bounded"
	"github.com/crowdcast/tabcoord/bus"
	"github.com/crowdcast/tabcoord/envelope"
	"github.com/crowdcast/tabcoord/observer"
)

// ErrAckTimeout is returned by BroadcastReliable when no acknowledgment
// arrives within the configured window across all retries.
var ErrAckTimeout = errors.New("causal: no acknowledgment before deadline")

const (
	defaultAckTimeout    = 2 * time.Second
	defaultAckRetries    = 2
	defaultSweepInterval = time.Second
	// maxCausalHold bounds how long a buffered message waits for its causal
	// predecessors. Past it the gap is presumed permanent (sender vanished
	// mid-flight) and the clock is force-advanced. Correctness over
	// completeness: a wedged session is worse than a lost message.
	maxCausalHold = 10 * time.Second
	// healthWindow is how recently we must have seen any traffic to call
	// the synchronizer healthy.
	healthWindow = 30 * time.Second

	dedupCapacity   = 2048
	dedupMaxAge     = 5 * time.Minute
	historyCapacity = 256
	pendingPerPeer  = 64
)

// Config wires a Synchronizer.
type Config struct {
	ProcessID string
	Bus       bus.Bus
	// Clock implementation used for stamps, deadlines and sweeps. The
	// nil-value falls back to the real clock.
	Clock clocks.Clock
	// Logger for transient-failure reporting; nil means no-op.
	Logger *zap.Logger
	// AckTimeout bounds one BroadcastReliable wait; zero uses the default.
	AckTimeout time.Duration
	// AckRetries is the number of resends after the first transmission.
	AckRetries int
}

// Stats counts synchronizer activity.
type Stats struct {
	Sent        uint64
	Delivered   uint64
	Ordered     uint64
	Deduped     uint64
	Buffered    uint64
	ForceSkips  uint64
	AcksSent    uint64
	AckTimeouts uint64
}

type pendingMsg struct {
	env        *envelope.Envelope
	bufferedAt time.Time
}

type ackWaiter struct {
	ch chan envelope.Ack
}

// Synchronizer provides causal broadcast over a best-effort bus.
type Synchronizer struct {
	cfg    Config
	clock  clocks.Clock
	logger *zap.Logger

	mu         sync.Mutex
	clockState VectorClock // counters of messages delivered, per process
	seq        uint64
	// seenSenders marks processes we have delivered at least one message
	// from; a first message with a counter past 1 means we joined after the
	// sender's history began and its predecessors are unrecoverable, so the
	// message is adopted as the baseline instead of buffered forever.
	seenSenders  map[string]bool
	pending      map[string][]pendingMsg
	waiters      map[string]*ackWaiter
	lastActivity time.Time
	stats        Stats

	dedupIDs     *bounded.Set[string]
	dedupPrints  *bounded.Set[uint64]
	history      *bounded.Ring[*envelope.Envelope]
	rawObs       *observer.Observable[*envelope.Envelope]
	orderedObs   *observer.Observable[*envelope.Envelope]
	unsubscribe  func()
	closeOnce    sync.Once
	closed       chan struct{}
}

// New constructs a Synchronizer and attaches it to the bus. Call Run to
// start the buffered-message sweep.
func New(cfg Config) *Synchronizer {
	if cfg.Clock == nil {
		cfg.Clock = clocks.DefaultClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = defaultAckTimeout
	}
	if cfg.AckRetries < 0 {
		cfg.AckRetries = defaultAckRetries
	}
	s := &Synchronizer{
		cfg:          cfg,
		clock:        cfg.Clock,
		logger:       cfg.Logger.Named("causal"),
		clockState:   VectorClock{},
		seenSenders:  make(map[string]bool),
		pending:      make(map[string][]pendingMsg),
		waiters:      make(map[string]*ackWaiter),
		dedupIDs:     bounded.NewSet[string](dedupCapacity, dedupMaxAge, cfg.Clock),
		dedupPrints:  bounded.NewSet[uint64](dedupCapacity, dedupMaxAge, cfg.Clock),
		history:      bounded.NewRing[*envelope.Envelope](historyCapacity, nil),
		rawObs:       observer.New[*envelope.Envelope](cfg.Logger),
		orderedObs:   observer.New[*envelope.Envelope](cfg.Logger),
		lastActivity: cfg.Clock.Now(),
		closed:       make(chan struct{}),
	}
	s.unsubscribe = cfg.Bus.Subscribe(s.receive)
	return s
}

// Run drives the periodic sweep that re-checks buffered messages, applies
// the starvation policy, and ages out dedup entries. It blocks until ctx is
// done.
func (s *Synchronizer) Run(ctx context.Context) {
	for {
		select {
		case <-s.closed:
			return
		default:
		}
		if !s.clock.SleepFor(ctx, defaultSweepInterval) {
			return
		}
		s.sweep()
		s.dedupIDs.Sweep()
		s.dedupPrints.Sweep()
	}
}

// Broadcast stamps the envelope with this process's vector clock and
// sequence number and fans it out. Fire-and-forget.
func (s *Synchronizer) Broadcast(ctx context.Context, e *envelope.Envelope) error {
	stamped := s.stamp(e)
	s.history.Push(stamped)
	return s.cfg.Bus.Broadcast(ctx, stamped)
}

func (s *Synchronizer) stamp(e *envelope.Envelope) *envelope.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	s.clockState.Increment(s.cfg.ProcessID)
	out := e.Clone()
	out.SenderID = s.cfg.ProcessID
	out.SequenceNumber = s.seq
	out.VectorClock = s.clockState.Snapshot()
	s.stats.Sent++
	s.lastActivity = s.clock.Now()
	return out
}

// BroadcastReliable broadcasts with RequiresAck set and blocks until the
// first acknowledgment, the retry budget is exhausted, or ctx is done.
// Single-ack on purpose: the callers want confirmation of receipt, not
// quorum consensus.
func (s *Synchronizer) BroadcastReliable(ctx context.Context, e *envelope.Envelope) (envelope.Ack, error) {
	stamped := s.stamp(e)
	stamped.RequiresAck = true
	s.history.Push(stamped)

	w := &ackWaiter{ch: make(chan envelope.Ack, 1)}
	s.mu.Lock()
	s.waiters[stamped.MessageID] = w
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.waiters, stamped.MessageID)
		s.mu.Unlock()
	}()

	for attempt := 0; attempt <= s.cfg.AckRetries; attempt++ {
		if err := s.cfg.Bus.Broadcast(ctx, stamped); err != nil {
			return envelope.Ack{}, fmt.Errorf("failed to broadcast %s: %w", stamped.Type, err)
		}
		timeout := make(chan struct{})
		go func() {
			s.clock.SleepFor(ctx, s.cfg.AckTimeout)
			close(timeout)
		}()
		select {
		case ack := <-w.ch:
			return ack, nil
		case <-timeout:
			// retry
		case <-ctx.Done():
			return envelope.Ack{}, ctx.Err()
		}
	}
	s.mu.Lock()
	s.stats.AckTimeouts++
	s.mu.Unlock()
	return envelope.Ack{}, ErrAckTimeout
}

// OnMessage registers cb for every deduplicated incoming message, in arrival
// order (no causal guarantee).
func (s *Synchronizer) OnMessage(cb func(*envelope.Envelope)) func() {
	return s.rawObs.Subscribe(cb)
}

// OnOrderedMessage registers cb for causally ordered delivery.
func (s *Synchronizer) OnOrderedMessage(cb func(*envelope.Envelope)) func() {
	return s.orderedObs.Subscribe(cb)
}

// MessageHistory returns up to n recently sent messages, newest last.
func (s *Synchronizer) MessageHistory(n int) []*envelope.Envelope {
	return s.history.Last(n)
}

// Resend retransmits a message still present in the history ring.
func (s *Synchronizer) Resend(ctx context.Context, messageID string) error {
	for _, e := range s.history.Last(0) {
		if e.MessageID == messageID {
			return s.cfg.Bus.Broadcast(ctx, e)
		}
	}
	return fmt.Errorf("causal: message %s not in history", messageID)
}

// Acknowledge explicitly acknowledges a received message, for callers doing
// deferred processing.
func (s *Synchronizer) Acknowledge(ctx context.Context, messageID, status string) error {
	return s.sendAck(ctx, messageID, status)
}

// SweepDedup ages out dedup entries; registered with the memory manager in
// addition to the Run loop's own sweeps.
func (s *Synchronizer) SweepDedup() int {
	return s.dedupIDs.Sweep() + s.dedupPrints.Sweep()
}

// Healthy reports whether any bus activity was observed within the health
// window. Edge-triggered consumers should poll and compare.
func (s *Synchronizer) Healthy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clock.Now().Sub(s.lastActivity) <= healthWindow
}

// Stats returns a copy of the activity counters.
func (s *Synchronizer) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// Close detaches from the bus.
func (s *Synchronizer) Close() {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.unsubscribe()
	})
}

// receive is the bus subscription entry point.
func (s *Synchronizer) receive(e *envelope.Envelope) {
	if e.SenderID == s.cfg.ProcessID {
		return
	}
	if e.Type == envelope.TypeAck {
		s.handleAck(e)
		return
	}
	s.mu.Lock()
	if s.dedupIDs.Contains(e.MessageID) || s.dedupPrints.Contains(e.Fingerprint) {
		s.stats.Deduped++
		s.mu.Unlock()
		// A retransmit of something we already have usually means our ack
		// was the thing that got lost. Re-ack, or the sender's retries can
		// never complete.
		s.ackIfRequired(e)
		return
	}
	s.dedupIDs.Add(e.MessageID)
	s.dedupPrints.Add(e.Fingerprint)
	s.lastActivity = s.clock.Now()
	s.stats.Delivered++
	s.mu.Unlock()

	s.ackIfRequired(e)

	s.rawObs.Notify(e)

	s.mu.Lock()
	s.bufferLocked(e)
	ready := s.drainLocked()
	s.mu.Unlock()
	for _, m := range ready {
		s.orderedObs.Notify(m)
	}
}

func (s *Synchronizer) handleAck(e *envelope.Envelope) {
	var ack envelope.Ack
	if err := e.DecodePayload(&ack); err != nil {
		s.logger.Warn("undecodable ack", zap.Error(err))
		return
	}
	s.mu.Lock()
	w := s.waiters[ack.MessageID]
	s.lastActivity = s.clock.Now()
	s.mu.Unlock()
	if w != nil {
		select {
		case w.ch <- ack:
		default:
		}
	}
}

// ackIfRequired sends a receipt ack when the envelope asks for one. Runs for
// fresh deliveries and duplicates alike.
func (s *Synchronizer) ackIfRequired(e *envelope.Envelope) {
	if !e.RequiresAck {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.sendAck(ctx, e.MessageID, envelope.AckReceived); err != nil {
		s.logger.Warn("ack send failed", zap.Error(err))
	}
}

func (s *Synchronizer) sendAck(ctx context.Context, messageID, status string) error {
	ack, err := envelope.New(envelope.TypeAck, s.cfg.ProcessID, messageID+":ack",
		s.clock.Now(), envelope.Ack{MessageID: messageID, Status: status})
	if err != nil {
		return err
	}
	ack.Priority = envelope.PriorityHigh
	s.mu.Lock()
	s.stats.AcksSent++
	s.mu.Unlock()
	// Acks bypass clock stamping: they must not themselves await causal
	// delivery or the ack loop would deadlock behind the very gaps it is
	// reporting on.
	return s.cfg.Bus.Broadcast(ctx, ack)
}

func (s *Synchronizer) bufferLocked(e *envelope.Envelope) {
	sender := e.SenderID
	q := s.pending[sender]
	q = append(q, pendingMsg{env: e, bufferedAt: s.clock.Now()})
	sort.Slice(q, func(i, j int) bool {
		return q[i].env.SequenceNumber < q[j].env.SequenceNumber
	})
	if len(q) > pendingPerPeer {
		q = q[len(q)-pendingPerPeer:]
	}
	s.pending[sender] = q
	s.stats.Buffered++
}

// drainLocked repeatedly delivers every causally ready buffered message.
func (s *Synchronizer) drainLocked() []*envelope.Envelope {
	var ready []*envelope.Envelope
	for progressed := true; progressed; {
		progressed = false
		for sender, q := range s.pending {
			keep := q[:0]
			for _, m := range q {
				if s.deliverableLocked(sender, m.env) {
					s.deliverLocked(m.env)
					ready = append(ready, m.env)
					progressed = true
					continue
				}
				keep = append(keep, m)
			}
			if len(keep) == 0 {
				delete(s.pending, sender)
			} else {
				s.pending[sender] = keep
			}
		}
	}
	return ready
}

func (s *Synchronizer) deliverableLocked(sender string, e *envelope.Envelope) bool {
	if e.VectorClock == nil {
		return true
	}
	if !s.seenSenders[sender] && e.VectorClock[sender] > 1 {
		// Late-joiner baseline: the sender spoke before we existed.
		return true
	}
	return s.clockState.DeliverableFrom(sender, e.VectorClock)
}

func (s *Synchronizer) deliverLocked(e *envelope.Envelope) {
	if e.VectorClock != nil {
		s.clockState.Merge(e.VectorClock)
	}
	s.seenSenders[e.SenderID] = true
	s.stats.Ordered++
}

// sweep applies the starvation policy: messages buffered past maxCausalHold
// are delivered anyway after force-advancing the clock, so a vanished
// process cannot wedge everyone behind its unsent messages.
func (s *Synchronizer) sweep() {
	s.mu.Lock()
	now := s.clock.Now()
	var forced []*envelope.Envelope
	for sender, q := range s.pending {
		keep := q[:0]
		for _, m := range q {
			if now.Sub(m.bufferedAt) > maxCausalHold {
				s.logger.Warn("force-delivering starved message",
					zap.String("sender", sender),
					zap.String("type", string(m.env.Type)))
				s.deliverLocked(m.env)
				forced = append(forced, m.env)
				s.stats.ForceSkips++
				continue
			}
			keep = append(keep, m)
		}
		if len(keep) == 0 {
			delete(s.pending, sender)
		} else {
			s.pending[sender] = keep
		}
	}
	ready := s.drainLocked()
	s.mu.Unlock()
	for _, m := range forced {
		s.orderedObs.Notify(m)
	}
	for _, m := range ready {
		s.orderedObs.Notify(m)
	}
}
