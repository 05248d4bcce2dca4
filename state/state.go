// Package state maintains the session's shared ConnectionState: one logical
// copy, owned by the leader, mirrored into every process via broadcast and
// a persisted snapshot, re-announced periodically so late joiners catch up.
package state

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	clocks "github.com/vimeo/go-clocks"
	"go.uber.org/zap"

	"github.com/crowdcast/tabcoord/causal"
	"github.com/crowdcast/tabcoord/envelope"
	"github.com/crowdcast/tabcoord/kv"
	"github.com/crowdcast/tabcoord/observer"
)

// Status is the connection lifecycle.
type Status string

const (
	StatusDisconnected Status = "DISCONNECTED"
	StatusConnecting   Status = "CONNECTING"
	StatusConnected    Status = "CONNECTED"
	StatusFailed       Status = "FAILED"
)

const (
	stateKey          = "tabcoord:state"
	snapshotKeyPrefix = "tabcoord:handoff:"

	defaultRebroadcast = 15 * time.Second
)

// ConnectionState is the mirrored view of the one real connection. Only the
// owning process mutates it; everyone else applies received syncs.
type ConnectionState struct {
	IsConnected      bool      `cbor:"1,keyasint"`
	IsLeader         bool      `cbor:"2,keyasint"`
	ProcessID        string    `cbor:"3,keyasint"`
	ConnectionStatus Status    `cbor:"4,keyasint"`
	LastHeartbeat    time.Time `cbor:"5,keyasint"`
	LeaderProcessID  string    `cbor:"6,keyasint"`
}

// Config wires a Manager.
type Config struct {
	ProcessID string
	Store     kv.Store
	Sync      *causal.Synchronizer
	Clock     clocks.Clock
	Logger    *zap.Logger
	// RebroadcastInterval is the cadence of leader state re-announcements.
	RebroadcastInterval time.Duration
}

// Manager persists and mirrors ConnectionState and handoff snapshots.
type Manager struct {
	cfg    Config
	clock  clocks.Clock
	logger *zap.Logger

	mu    sync.Mutex
	state ConnectionState

	changeObs *observer.Observable[ConnectionState]
	unsub     func()
	closeOnce sync.Once
	closed    chan struct{}
}

// New constructs a Manager, restoring any persisted state: persisted fields
// are merged with a fresh process identity and reset connection flags, so a
// reloaded tab never believes it is still connected.
func New(cfg Config) *Manager {
	if cfg.Clock == nil {
		cfg.Clock = clocks.DefaultClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.RebroadcastInterval <= 0 {
		cfg.RebroadcastInterval = defaultRebroadcast
	}
	m := &Manager{
		cfg:       cfg,
		clock:     cfg.Clock,
		logger:    cfg.Logger.Named("state"),
		changeObs: observer.New[ConnectionState](cfg.Logger),
		closed:    make(chan struct{}),
	}
	m.state = m.restore()
	// Raw stream, not the ordered one: syncs are last-writer-wins mirrors,
	// and a late joiner must apply announcements from senders whose earlier
	// history it never saw.
	m.unsub = cfg.Sync.OnMessage(m.receive)
	return m
}

func (m *Manager) restore() ConnectionState {
	fresh := ConnectionState{
		ProcessID:        m.cfg.ProcessID,
		ConnectionStatus: StatusDisconnected,
	}
	raw, err := m.cfg.Store.Get(stateKey)
	if err != nil {
		if err != kv.ErrNotFound {
			m.logger.Warn("state restore failed", zap.Error(err))
		}
		return fresh
	}
	var persisted ConnectionState
	if err := cbor.Unmarshal(raw, &persisted); err != nil {
		m.logger.Warn("discarding corrupt persisted state", zap.Error(err))
		return fresh
	}
	fresh.LeaderProcessID = persisted.LeaderProcessID
	fresh.LastHeartbeat = persisted.LastHeartbeat
	return fresh
}

// Get returns a copy of the current state.
func (m *Manager) Get() ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// OnChange registers cb for state transitions, local or mirrored.
func (m *Manager) OnChange(cb func(ConnectionState)) func() {
	return m.changeObs.Subscribe(cb)
}

// Update mutates the state as the owning process: the change is persisted
// and broadcast so every mirror converges. Persistence failures are logged
// and retried on the next update, never surfaced.
func (m *Manager) Update(ctx context.Context, mutate func(*ConnectionState)) {
	m.mu.Lock()
	mutate(&m.state)
	m.state.ProcessID = m.cfg.ProcessID
	snapshot := m.state
	m.mu.Unlock()

	m.persist(snapshot)
	if err := m.broadcast(ctx, snapshot); err != nil {
		m.logger.Warn("state broadcast failed", zap.Error(err))
	}
	m.changeObs.Notify(snapshot)
}

func (m *Manager) persist(s ConnectionState) {
	raw, err := cbor.Marshal(s)
	if err != nil {
		m.logger.Warn("state encode failed", zap.Error(err))
		return
	}
	if err := m.cfg.Store.Set(stateKey, raw); err != nil {
		m.logger.Warn("state persist failed", zap.Error(err))
	}
}

func (m *Manager) broadcast(ctx context.Context, s ConnectionState) error {
	e, err := envelope.New(envelope.TypeStateSync, m.cfg.ProcessID, uuid.NewString(),
		m.clock.Now(), envelope.StateSync{
			IsConnected:      s.IsConnected,
			IsLeader:         s.IsLeader,
			ProcessID:        s.ProcessID,
			ConnectionStatus: string(s.ConnectionStatus),
			LastHeartbeat:    s.LastHeartbeat,
			LeaderProcessID:  s.LeaderProcessID,
		})
	if err != nil {
		return err
	}
	return m.cfg.Sync.Broadcast(ctx, e)
}

// RequestSync asks whoever holds authoritative state to re-announce it;
// called once at startup.
func (m *Manager) RequestSync(ctx context.Context) error {
	e, err := envelope.New(envelope.TypeStateRequest, m.cfg.ProcessID, uuid.NewString(),
		m.clock.Now(), envelope.StateRequest{ProcessID: m.cfg.ProcessID})
	if err != nil {
		return err
	}
	return m.cfg.Sync.Broadcast(ctx, e)
}

// Run periodically re-broadcasts state while this process owns it, so
// processes that joined after the last transition still converge. Blocks
// until ctx is done.
func (m *Manager) Run(ctx context.Context) {
	for {
		select {
		case <-m.closed:
			return
		default:
		}
		if !m.clock.SleepFor(ctx, m.cfg.RebroadcastInterval) {
			return
		}
		m.mu.Lock()
		owner := m.state.IsLeader
		snapshot := m.state
		m.mu.Unlock()
		if !owner {
			continue
		}
		if err := m.broadcast(ctx, snapshot); err != nil {
			m.logger.Warn("periodic state broadcast failed", zap.Error(err))
		}
	}
}

// Close detaches from the synchronizer.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		close(m.closed)
		m.unsub()
	})
}

func (m *Manager) receive(e *envelope.Envelope) {
	switch e.Type {
	case envelope.TypeStateSync:
		var p envelope.StateSync
		if err := e.DecodePayload(&p); err != nil {
			m.logger.Warn("undecodable state sync", zap.Error(err))
			return
		}
		m.applyRemote(p)
	case envelope.TypeStateRequest:
		m.mu.Lock()
		owner := m.state.IsLeader
		snapshot := m.state
		m.mu.Unlock()
		if !owner {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := m.broadcast(ctx, snapshot); err != nil {
			m.logger.Warn("state answer failed", zap.Error(err))
		}
	default:
	}
}

// applyRemote mirrors a received diff. Local identity fields are preserved:
// a mirror never adopts the owner's processID or its isLeader flag.
func (m *Manager) applyRemote(p envelope.StateSync) {
	m.mu.Lock()
	if m.state.IsLeader {
		// We believe we own the state; ignore mirrors from elsewhere. A
		// competing owner is resolved by the election layer, not here.
		m.mu.Unlock()
		return
	}
	m.state.IsConnected = p.IsConnected
	m.state.ConnectionStatus = Status(p.ConnectionStatus)
	m.state.LastHeartbeat = p.LastHeartbeat
	m.state.LeaderProcessID = p.LeaderProcessID
	snapshot := m.state
	m.mu.Unlock()
	m.changeObs.Notify(snapshot)
}

// SaveSnapshot persists a handoff snapshot keyed by its id.
func (m *Manager) SaveSnapshot(s envelope.HandoffSnapshot) error {
	raw, err := cbor.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to encode handoff snapshot: %w", err)
	}
	return m.cfg.Store.Set(snapshotKeyPrefix+s.HandoffID, raw)
}

// LoadSnapshot fetches a persisted handoff snapshot.
func (m *Manager) LoadSnapshot(handoffID string) (envelope.HandoffSnapshot, error) {
	var s envelope.HandoffSnapshot
	raw, err := m.cfg.Store.Get(snapshotKeyPrefix + handoffID)
	if err != nil {
		return s, err
	}
	if err := cbor.Unmarshal(raw, &s); err != nil {
		return s, fmt.Errorf("failed to decode handoff snapshot: %w", err)
	}
	return s, nil
}

// DeleteSnapshot removes a snapshot once the handoff completes or times
// out.
func (m *Manager) DeleteSnapshot(handoffID string) error {
	return m.cfg.Store.Remove(snapshotKeyPrefix + handoffID)
}
