// Package handoff orchestrates transferring the one real connection between
// processes when leadership moves. The new leader REQUESTs; the owner
// snapshots its connection state, persists the snapshot, and RESPONDs; the
// requester applies it, re-establishes subscriptions and COMPLETEs; the old
// owner closes only on COMPLETE or after a bounded grace period, so the
// window where both (or neither) end believes it owns the socket stays
// short. A failed or timed-out handoff degrades to the requester dialing a
// fresh connection: correctness over efficiency.
package handoff

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	clocks "github.com/vimeo/go-clocks"
	"go.uber.org/zap"

	"github.com/crowdcast/tabcoord/causal"
	"github.com/crowdcast/tabcoord/envelope"
	"github.com/crowdcast/tabcoord/observer"
	"github.com/crowdcast/tabcoord/state"
)

const (
	// completeGrace is how long the old owner keeps its socket open
	// waiting for COMPLETE before force-closing.
	completeGrace = 10 * time.Second
	// responseTimeout bounds the requester's wait for a RESPONSE.
	responseTimeout = 5 * time.Second
)

// Change is published on ownership transitions.
type Change struct {
	OwnerID string
	IsSelf  bool
}

// Config wires a Manager.
type Config struct {
	ProcessID string
	Sync      *causal.Synchronizer
	State     *state.Manager
	Clock     clocks.Clock
	Logger    *zap.Logger

	// Disconnect closes the real connection this process holds.
	Disconnect func() error
	// Subscriptions lists the owner's live event subscriptions for the
	// snapshot.
	Subscriptions func() []string
	// Pending returns queued-but-unsent messages for the snapshot.
	Pending func() [][]byte
	// Resubscribe re-establishes subscriptions on the accepting side.
	Resubscribe func(subs []string)
}

// Stats counts handoff outcomes.
type Stats struct {
	Initiated  uint64
	Accepted   uint64
	Completed  uint64
	Failed     uint64
	ForceClose uint64
}

// Manager runs the ownership protocol for one process.
type Manager struct {
	cfg    Config
	clock  clocks.Clock
	logger *zap.Logger

	mu      sync.Mutex
	owned   bool
	ownerID string
	// graceCancels aborts the force-close timer per in-flight handoff.
	graceCancels map[string]context.CancelFunc
	// responses routes RESPONSE payloads to waiting requesters.
	responses map[string]chan envelope.HandoffResponse
	stats     Stats

	changeObs *observer.Observable[Change]
	unsub     func()
	closeOnce sync.Once
	closed    chan struct{}
}

// New constructs a Manager and attaches it to the synchronizer.
func New(cfg Config) *Manager {
	if cfg.Clock == nil {
		cfg.Clock = clocks.DefaultClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	m := &Manager{
		cfg:          cfg,
		clock:        cfg.Clock,
		logger:       cfg.Logger.Named("handoff"),
		graceCancels: make(map[string]context.CancelFunc),
		responses:    make(map[string]chan envelope.HandoffResponse),
		changeObs:    observer.New[Change](cfg.Logger),
		closed:       make(chan struct{}),
	}
	// Raw stream: the request/response/complete exchange is correlated by
	// HandoffID, and a requester that just joined could never causally
	// deliver a response from an owner with a long history.
	m.unsub = cfg.Sync.OnMessage(m.receive)
	return m
}

// Owned reports whether this process holds the real connection.
func (m *Manager) Owned() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.owned
}

// OnChange registers cb for ownership transitions.
func (m *Manager) OnChange(cb func(Change)) func() {
	return m.changeObs.Subscribe(cb)
}

// Stats returns a copy of the outcome counters.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

// TakeOwnership marks this process the connection owner without a handoff
// (fresh connection after winning an election with no previous owner, or
// after a handoff fell through). Idempotent.
func (m *Manager) TakeOwnership(ctx context.Context) {
	m.mu.Lock()
	already := m.owned
	m.owned = true
	m.ownerID = m.cfg.ProcessID
	m.mu.Unlock()
	if already {
		return
	}
	m.cfg.State.Update(ctx, func(s *state.ConnectionState) {
		s.IsLeader = true
		s.LeaderProcessID = m.cfg.ProcessID
	})
	m.changeObs.Notify(Change{OwnerID: m.cfg.ProcessID, IsSelf: true})
}

// ReleaseOwnership closes the connection and gives ownership up without a
// successor (tab closing while leaderless sessions re-elect).
func (m *Manager) ReleaseOwnership(ctx context.Context) {
	m.mu.Lock()
	if !m.owned {
		m.mu.Unlock()
		return
	}
	m.owned = false
	m.ownerID = ""
	m.mu.Unlock()
	if m.cfg.Disconnect != nil {
		if err := m.cfg.Disconnect(); err != nil {
			m.logger.Warn("disconnect on release failed", zap.Error(err))
		}
	}
	m.cfg.State.Update(ctx, func(s *state.ConnectionState) {
		s.IsLeader = false
		s.IsConnected = false
		s.ConnectionStatus = state.StatusDisconnected
	})
	m.changeObs.Notify(Change{OwnerID: "", IsSelf: false})
}

// RequestOwnership asks the current owner for the connection and applies
// the returned snapshot. It returns true when the handoff completed; false
// means the caller should fall back to dialing a fresh connection.
func (m *Manager) RequestOwnership(ctx context.Context, currentOwner string) (bool, error) {
	handoffID := uuid.NewString()
	respCh := make(chan envelope.HandoffResponse, 1)
	m.mu.Lock()
	m.responses[handoffID] = respCh
	m.stats.Initiated++
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.responses, handoffID)
		m.mu.Unlock()
	}()

	e, err := envelope.New(envelope.TypeHandoffRequest, m.cfg.ProcessID, uuid.NewString(),
		m.clock.Now(), envelope.HandoffRequest{
			HandoffID: handoffID,
			FromID:    currentOwner,
			ToID:      m.cfg.ProcessID,
		})
	if err != nil {
		return false, err
	}
	e.Priority = envelope.PriorityCritical
	if err := m.cfg.Sync.Broadcast(ctx, e); err != nil {
		return false, err
	}

	timeout := make(chan struct{})
	go func() {
		m.clock.SleepFor(ctx, responseTimeout)
		close(timeout)
	}()
	select {
	case resp := <-respCh:
		if !resp.Success {
			m.recordFailure()
			return false, nil
		}
		return m.acceptSnapshot(ctx, resp.Snapshot)
	case <-timeout:
		m.recordFailure()
		m.cancel(ctx, handoffID, "response timeout")
		return false, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// AcceptSnapshot applies a handoff snapshot to the local mirrors, restores
// subscriptions, COMPLETEs the protocol, and takes ownership.
func (m *Manager) acceptSnapshot(ctx context.Context, snap envelope.HandoffSnapshot) (bool, error) {
	m.mu.Lock()
	m.owned = true
	m.ownerID = m.cfg.ProcessID
	m.stats.Accepted++
	m.mu.Unlock()

	m.cfg.State.Update(ctx, func(s *state.ConnectionState) {
		s.IsConnected = snap.State.IsConnected
		s.ConnectionStatus = state.Status(snap.State.ConnectionStatus)
		s.LastHeartbeat = snap.State.LastHeartbeat
		s.IsLeader = true
		s.LeaderProcessID = m.cfg.ProcessID
	})
	if m.cfg.Resubscribe != nil {
		m.cfg.Resubscribe(snap.Subscriptions)
	}

	e, err := envelope.New(envelope.TypeHandoffComplete, m.cfg.ProcessID, uuid.NewString(),
		m.clock.Now(), envelope.HandoffComplete{HandoffID: snap.HandoffID, NewOwner: m.cfg.ProcessID})
	if err != nil {
		return false, err
	}
	e.Priority = envelope.PriorityCritical
	if err := m.cfg.Sync.Broadcast(ctx, e); err != nil {
		m.logger.Warn("handoff complete broadcast failed", zap.Error(err))
	}
	m.mu.Lock()
	m.stats.Completed++
	m.mu.Unlock()
	m.changeObs.Notify(Change{OwnerID: m.cfg.ProcessID, IsSelf: true})
	return true, nil
}

// OfferOwnership proactively offers the connection to target (owner about
// to go hidden). The target answers with a normal REQUEST.
func (m *Manager) OfferOwnership(ctx context.Context, target string) error {
	if !m.Owned() {
		return nil
	}
	e, err := envelope.New(envelope.TypeHandoffOffer, m.cfg.ProcessID, uuid.NewString(),
		m.clock.Now(), envelope.HandoffOffer{
			HandoffID: uuid.NewString(),
			FromID:    m.cfg.ProcessID,
			ToID:      target,
		})
	if err != nil {
		return err
	}
	return m.cfg.Sync.Broadcast(ctx, e)
}

func (m *Manager) cancel(ctx context.Context, handoffID, reason string) {
	e, err := envelope.New(envelope.TypeHandoffCancel, m.cfg.ProcessID, uuid.NewString(),
		m.clock.Now(), envelope.HandoffCancel{HandoffID: handoffID, Reason: reason})
	if err != nil {
		return
	}
	if err := m.cfg.Sync.Broadcast(ctx, e); err != nil {
		m.logger.Warn("handoff cancel broadcast failed", zap.Error(err))
	}
}

func (m *Manager) recordFailure() {
	m.mu.Lock()
	m.stats.Failed++
	m.mu.Unlock()
}

// Close detaches from the synchronizer.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		close(m.closed)
		m.unsub()
		m.mu.Lock()
		for _, cancel := range m.graceCancels {
			cancel()
		}
		m.mu.Unlock()
	})
}

func (m *Manager) receive(e *envelope.Envelope) {
	switch e.Type {
	case envelope.TypeHandoffRequest:
		var p envelope.HandoffRequest
		if err := e.DecodePayload(&p); err != nil {
			return
		}
		m.handleRequest(p)
	case envelope.TypeHandoffResponse:
		var p envelope.HandoffResponse
		if err := e.DecodePayload(&p); err != nil {
			return
		}
		m.mu.Lock()
		ch := m.responses[p.HandoffID]
		m.mu.Unlock()
		if ch != nil {
			select {
			case ch <- p:
			default:
			}
		}
	case envelope.TypeHandoffComplete:
		var p envelope.HandoffComplete
		if err := e.DecodePayload(&p); err != nil {
			return
		}
		m.handleComplete(p)
	case envelope.TypeHandoffOffer:
		var p envelope.HandoffOffer
		if err := e.DecodePayload(&p); err != nil {
			return
		}
		if p.ToID != m.cfg.ProcessID {
			return
		}
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), responseTimeout+time.Second)
			defer cancel()
			if _, err := m.RequestOwnership(ctx, p.FromID); err != nil {
				m.logger.Warn("offered handoff failed", zap.Error(err))
			}
		}()
	case envelope.TypeHandoffCancel:
		var p envelope.HandoffCancel
		if err := e.DecodePayload(&p); err != nil {
			return
		}
		m.mu.Lock()
		if cancel, ok := m.graceCancels[p.HandoffID]; ok {
			cancel()
			delete(m.graceCancels, p.HandoffID)
		}
		m.mu.Unlock()
		if err := m.cfg.State.DeleteSnapshot(p.HandoffID); err != nil {
			m.logger.Debug("snapshot cleanup after cancel", zap.Error(err))
		}
	default:
	}
}

// handleRequest runs on the owning side: snapshot, persist, respond, and
// arm the force-close timer.
func (m *Manager) handleRequest(p envelope.HandoffRequest) {
	if !m.Owned() {
		return
	}
	ctx, cancelSend := context.WithTimeout(context.Background(), time.Second)
	defer cancelSend()

	current := m.cfg.State.Get()
	snap := envelope.HandoffSnapshot{
		HandoffID: p.HandoffID,
		FromID:    m.cfg.ProcessID,
		ToID:      p.ToID,
		State: envelope.StateSync{
			IsConnected:      current.IsConnected,
			IsLeader:         current.IsLeader,
			ProcessID:        current.ProcessID,
			ConnectionStatus: string(current.ConnectionStatus),
			LastHeartbeat:    current.LastHeartbeat,
			LeaderProcessID:  current.LeaderProcessID,
		},
		StartedAt: m.clock.Now(),
	}
	if m.cfg.Subscriptions != nil {
		snap.Subscriptions = m.cfg.Subscriptions()
	}
	if m.cfg.Pending != nil {
		snap.Pending = m.cfg.Pending()
	}
	if err := m.cfg.State.SaveSnapshot(snap); err != nil {
		m.logger.Warn("snapshot persist failed", zap.Error(err))
	}

	resp := envelope.HandoffResponse{HandoffID: p.HandoffID, Success: true, Snapshot: snap}
	e, err := envelope.New(envelope.TypeHandoffResponse, m.cfg.ProcessID, uuid.NewString(),
		m.clock.Now(), resp)
	if err != nil {
		return
	}
	e.Priority = envelope.PriorityCritical
	if err := m.cfg.Sync.Broadcast(ctx, e); err != nil {
		m.logger.Warn("handoff response broadcast failed", zap.Error(err))
		return
	}

	// Keep the socket until COMPLETE or the grace deadline, whichever
	// comes first.
	graceCtx, cancel := context.WithCancel(context.Background())
	m.mu.Lock()
	m.graceCancels[p.HandoffID] = cancel
	m.mu.Unlock()
	go m.awaitComplete(graceCtx, p.HandoffID)
}

func (m *Manager) awaitComplete(ctx context.Context, handoffID string) {
	if m.clock.SleepFor(ctx, completeGrace) {
		// Grace expired without COMPLETE: force-close so two live sockets
		// cannot coexist past the window.
		m.mu.Lock()
		delete(m.graceCancels, handoffID)
		m.stats.ForceClose++
		m.mu.Unlock()
		m.relinquish(handoffID)
	}
}

func (m *Manager) handleComplete(p envelope.HandoffComplete) {
	m.mu.Lock()
	cancel, ok := m.graceCancels[p.HandoffID]
	if ok {
		delete(m.graceCancels, p.HandoffID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	cancel()
	m.relinquish(p.HandoffID)
}

// relinquish closes the connection and clears ownership on the old owner.
func (m *Manager) relinquish(handoffID string) {
	m.mu.Lock()
	wasOwned := m.owned
	m.owned = false
	m.ownerID = ""
	m.mu.Unlock()
	if !wasOwned {
		return
	}
	if m.cfg.Disconnect != nil {
		if err := m.cfg.Disconnect(); err != nil {
			m.logger.Warn("disconnect after handoff failed", zap.Error(err))
		}
	}
	if err := m.cfg.State.DeleteSnapshot(handoffID); err != nil {
		m.logger.Debug("snapshot cleanup", zap.Error(err))
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	m.cfg.State.Update(ctx, func(s *state.ConnectionState) {
		s.IsLeader = false
		s.IsConnected = false
		s.ConnectionStatus = state.StatusDisconnected
	})
	m.changeObs.Notify(Change{OwnerID: "", IsSelf: false})
}
