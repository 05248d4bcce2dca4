package tabcoord

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/crowdcast/tabcoord/bounded"
	"github.com/crowdcast/tabcoord/causal"
	"github.com/crowdcast/tabcoord/clocks"
	"github.com/crowdcast/tabcoord/election"
	"github.com/crowdcast/tabcoord/envelope"
	"github.com/crowdcast/tabcoord/handoff"
	"github.com/crowdcast/tabcoord/lock"
	"github.com/crowdcast/tabcoord/memman"
	"github.com/crowdcast/tabcoord/observer"
	"github.com/crowdcast/tabcoord/recovery"
	"github.com/crowdcast/tabcoord/state"
)

const pendingEmitCap = 128

type pendingEmit struct {
	event string
	data  []byte
}

// emitFrame is the snapshot encoding of one queued emit.
type emitFrame struct {
	Event string `cbor:"1,keyasint"`
	Data  []byte `cbor:"2,keyasint,omitempty"`
}

func cborEncodeEmit(p pendingEmit) ([]byte, error) {
	return cbor.Marshal(emitFrame{Event: p.event, Data: p.data})
}

// Stats aggregates per-component counters for diagnostics.
type Stats struct {
	ProcessID        string
	IsLeader         bool
	Sync             causal.Stats
	Election         election.Stats
	Handoff          handoff.Stats
	LockContentions  uint64
	RecoveryAttempts int
	MemorySweeps     uint64
}

// Client is the per-process facade over the coordination core.
type Client struct {
	cfg       Config
	processID string
	clock     clocks.Clock
	logger    *zap.Logger

	sync     *causal.Synchronizer
	locks    *lock.Manager
	coord    *election.Coordinator
	stateMgr *state.Manager
	owner    *handoff.Manager
	recover  *recovery.Manager
	health   *recovery.HealthMonitor
	memory   *memman.Manager

	subMu sync.Mutex
	// subs holds one observable per application event name.
	subs map[string]*observer.Observable[[]byte]
	// transportHooks holds the owner-side transport.On disposers.
	transportHooks map[string]func()
	pending        *bounded.Ring[pendingEmit]

	errObs *observer.Observable[*CoordError]

	runMu     sync.Mutex
	started   bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	disposers []func()
}

// NewClient constructs and wires the full stack. Construction touches
// nothing external; call Start to join the session.
func (c Config) NewClient() (*Client, error) {
	if err := c.validate(); err != nil {
		return nil, err
	}
	clock := c.Clock
	if clock == nil {
		clock = clocks.DefaultClock()
	}
	logger := c.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	createdAt := c.CreatedAt
	if createdAt.IsZero() {
		createdAt = clock.Now()
	}
	processID := c.ProcessID
	if processID == "" {
		processID = NewProcessID(createdAt)
	}

	cl := &Client{
		cfg:            c,
		processID:      processID,
		clock:          clock,
		logger:         logger.Named("tabcoord").With(zap.String("process", processID)),
		subs:           make(map[string]*observer.Observable[[]byte]),
		transportHooks: make(map[string]func()),
		pending:        bounded.NewRing[pendingEmit](pendingEmitCap, nil),
		errObs:         observer.New[*CoordError](logger),
	}

	// Construct bottom-up, then wire callbacks afterwards so no component
	// ever needs a reference to a half-built peer.
	cl.sync = causal.New(causal.Config{
		ProcessID: processID,
		Bus:       c.Bus,
		Clock:     clock,
		Logger:    logger,
	})
	cl.locks = lock.New(processID, c.Bus, clock, logger)
	cl.stateMgr = state.New(state.Config{
		ProcessID:           processID,
		Store:               c.Store,
		Sync:                cl.sync,
		Clock:               clock,
		Logger:              logger,
		RebroadcastInterval: c.RebroadcastInterval,
	})
	coord, err := election.New(election.Config{
		ProcessID:         processID,
		CreatedAt:         createdAt,
		Sync:              cl.sync,
		Locks:             cl.locks,
		Visibility:        c.Visibility,
		Clock:             clock,
		Logger:            logger,
		HeartbeatInterval: c.HeartbeatInterval,
		HeartbeatTimeout:  c.HeartbeatTimeout,
		ElectionTimeout:   c.ElectionTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build coordinator: %w", err)
	}
	cl.coord = coord
	cl.owner = handoff.New(handoff.Config{
		ProcessID:     processID,
		Sync:          cl.sync,
		State:         cl.stateMgr,
		Clock:         clock,
		Logger:        logger,
		Disconnect:    c.Transport.Disconnect,
		Subscriptions: cl.subscriptionNames,
		Pending:       cl.pendingFrames,
		Resubscribe:   cl.resubscribe,
	})
	cl.recover = recovery.New(recovery.Config{
		Connect:  cl.dial,
		Network:  c.Network,
		Clock:    clock,
		Logger:   logger,
		Strategy: c.RecoveryStrategy,
	})
	cl.health = recovery.NewHealthMonitor(recovery.HealthConfig{
		Check:  cl.healthProbe,
		Clock:  clock,
		Logger: logger,
	})
	cl.memory = memman.New(clock, logger)
	cl.memory.Register(memman.Routine{
		Name:     "causal-dedup",
		Priority: memman.PriorityMedium,
		Clean:    func() error { cl.sync.SweepDedup(); return nil },
	})
	cl.memory.Register(memman.Routine{
		Name:     "idle-subscriptions",
		Priority: memman.PriorityLow,
		Clean:    func() error { cl.dropIdleSubscriptions(); return nil },
	})
	return cl, nil
}

// ProcessID returns this process's identity.
func (c *Client) ProcessID() string { return c.processID }

// IsLeader reports whether this process currently leads the session.
func (c *Client) IsLeader() bool { return c.coord.IsLeader() }

// ConnectionState returns the mirrored connection state.
func (c *Client) ConnectionState() state.ConnectionState { return c.stateMgr.Get() }

// OnConnectionStatusChange registers cb for connection-state transitions.
func (c *Client) OnConnectionStatusChange(cb func(state.ConnectionState)) func() {
	return c.stateMgr.OnChange(cb)
}

// OnError registers cb for the fatal-error channel. Only recovery
// exhaustion and unrecoverable transport errors arrive here.
func (c *Client) OnError(cb func(*CoordError)) func() {
	return c.errObs.Subscribe(cb)
}

// Stats aggregates the component counters.
func (c *Client) Stats() Stats {
	return Stats{
		ProcessID:        c.processID,
		IsLeader:         c.coord.IsLeader(),
		Sync:             c.sync.Stats(),
		Election:         c.coord.Stats(),
		Handoff:          c.owner.Stats(),
		LockContentions:  c.locks.Contentions(),
		RecoveryAttempts: len(c.recover.Attempts(0)),
		MemorySweeps:     c.memory.Sweeps(),
	}
}

// Start joins the session: background loops spin up, a state sync is
// requested, and an election round runs. Blocking waits are all bounded;
// Start itself returns once the machinery is running.
func (c *Client) Start(ctx context.Context) error {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	if c.started {
		return fmt.Errorf("already started")
	}
	c.started = true
	runCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel

	c.disposers = append(c.disposers,
		c.coord.OnLeaderChange(c.leadershipChanged),
		c.recover.OnOutcome(c.recoveryFinished),
		c.health.OnTransition(c.healthFlipped),
		c.sync.OnOrderedMessage(c.appTraffic),
	)

	for _, loop := range []func(context.Context){
		c.sync.Run,
		c.locks.Run,
		c.coord.Run,
		c.stateMgr.Run,
		c.memory.Run,
		c.health.Run,
	} {
		loop := loop
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			loop(runCtx)
		}()
	}

	if err := c.stateMgr.RequestSync(ctx); err != nil {
		c.logger.Warn("initial state sync request failed", zap.Error(err))
	}
	go func() {
		if _, err := c.coord.ElectLeader(runCtx); err != nil && runCtx.Err() == nil {
			c.logger.Warn("initial election failed", zap.Error(err))
		}
	}()
	return nil
}

// Close leaves the session: resign leadership, release the connection, and
// stop every loop. Best-effort and bounded, matching a tab-unload signal.
func (c *Client) Close() error {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	if !c.started {
		return nil
	}
	c.started = false

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.coord.Resign(ctx, "unload"); err != nil {
		c.logger.Warn("resignation on close failed", zap.Error(err))
	}
	c.owner.ReleaseOwnership(ctx)

	for _, d := range c.disposers {
		d()
	}
	c.disposers = nil
	c.recover.StopRecovery()
	c.cancel()
	c.wg.Wait()
	c.coord.Close()
	c.owner.Close()
	c.stateMgr.Close()
	c.locks.Close()
	c.sync.Close()
	return nil
}

// Reconnect explicitly restarts recovery after exhaustion.
func (c *Client) Reconnect() bool {
	return c.recover.StartRecovery(recovery.FailureExplicit, nil)
}

// Emit sends a named event upstream. The owner writes straight to the
// transport; everyone else relays through the bus to the owner. While
// disconnected, the owner queues emits in a bounded buffer that travels
// with handoff snapshots.
func (c *Client) Emit(event string, data []byte) error {
	if c.owner.Owned() {
		if c.stateMgr.Get().IsConnected {
			return c.cfg.Transport.Send(event, data)
		}
		c.pending.Push(pendingEmit{event: event, data: data})
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	e, err := envelope.New(envelope.TypeAppEvent, c.processID, uuid.NewString(),
		c.clock.Now(), envelope.AppEvent{Event: event, Data: data, Inbound: false})
	if err != nil {
		return err
	}
	return c.sync.Broadcast(ctx, e)
}

// Subscribe registers cb for a named downstream event and returns an
// unsubscribe function. Subscriptions survive handoffs: they are part of
// the snapshot the new owner re-establishes.
func (c *Client) Subscribe(event string, cb func(data []byte)) func() {
	c.subMu.Lock()
	obs, ok := c.subs[event]
	if !ok {
		obs = observer.New[[]byte](c.logger)
		c.subs[event] = obs
	}
	c.subMu.Unlock()
	if c.owner.Owned() {
		c.ensureTransportHook(event)
	}
	return obs.Subscribe(cb)
}

// subscriptionNames lists the events with live local subscribers.
func (c *Client) subscriptionNames() []string {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	names := make([]string, 0, len(c.subs))
	for name, obs := range c.subs {
		if obs.Len() > 0 {
			names = append(names, name)
		}
	}
	return names
}

func (c *Client) pendingFrames() [][]byte {
	emits := c.pending.Last(0)
	out := make([][]byte, 0, len(emits))
	for _, p := range emits {
		raw, err := cborEncodeEmit(p)
		if err != nil {
			continue
		}
		out = append(out, raw)
	}
	return out
}

// resubscribe re-establishes transport hooks after accepting a handoff.
func (c *Client) resubscribe(events []string) {
	for _, event := range events {
		c.subMu.Lock()
		if _, ok := c.subs[event]; !ok {
			c.subs[event] = observer.New[[]byte](c.logger)
		}
		c.subMu.Unlock()
	}
	c.rearmTransportHooks()
}

func (c *Client) ensureTransportHook(event string) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	if _, ok := c.transportHooks[event]; ok {
		return
	}
	c.transportHooks[event] = c.cfg.Transport.On(event, func(data []byte) {
		c.deliverDownstream(event, data)
	})
}

func (c *Client) rearmTransportHooks() {
	c.subMu.Lock()
	for _, dispose := range c.transportHooks {
		dispose()
	}
	c.transportHooks = make(map[string]func())
	events := make([]string, 0, len(c.subs))
	for name := range c.subs {
		events = append(events, name)
	}
	c.subMu.Unlock()
	for _, e := range events {
		c.ensureTransportHook(e)
	}
}

// deliverDownstream runs on the owner: fan out locally and mirror to every
// other process.
func (c *Client) deliverDownstream(event string, data []byte) {
	c.notifyLocal(event, data)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	e, err := envelope.New(envelope.TypeAppEvent, c.processID, uuid.NewString(),
		c.clock.Now(), envelope.AppEvent{Event: event, Data: data, Inbound: true})
	if err != nil {
		c.logger.Warn("event mirror encode failed", zap.Error(err))
		return
	}
	if err := c.sync.Broadcast(ctx, e); err != nil {
		c.logger.Warn("event mirror broadcast failed", zap.Error(err))
	}
}

func (c *Client) notifyLocal(event string, data []byte) {
	c.subMu.Lock()
	obs := c.subs[event]
	c.subMu.Unlock()
	if obs != nil {
		obs.Notify(data)
	}
}

// appTraffic handles bus-borne application events.
func (c *Client) appTraffic(e *envelope.Envelope) {
	if e.Type != envelope.TypeAppEvent {
		return
	}
	var p envelope.AppEvent
	if err := e.DecodePayload(&p); err != nil {
		c.logger.Warn("undecodable app event", zap.Error(err))
		return
	}
	if p.Inbound {
		// Mirrored downstream event from the owner.
		c.notifyLocal(p.Event, p.Data)
		return
	}
	// Outbound relay from a non-owner; only the owner forwards it.
	if !c.owner.Owned() {
		return
	}
	if err := c.cfg.Transport.Send(p.Event, p.Data); err != nil {
		c.logger.Warn("relayed emit failed", zap.String("event", p.Event), zap.Error(err))
	}
}

// leadershipChanged reacts to election outcomes.
func (c *Client) leadershipChanged(ch election.LeaderChange) {
	if !ch.IsSelf {
		if c.owner.Owned() && ch.LeaderID != "" {
			// We hold the connection but someone else now leads; wait for
			// their handoff request, which handoff.Manager answers.
			c.logger.Info("lost leadership while owning connection",
				zap.String("new_leader", ch.LeaderID))
		}
		return
	}
	go c.assumeOwnership()
}

// assumeOwnership acquires the real connection after winning an election:
// by handoff from the previous owner when one plausibly exists, else by
// dialing fresh.
func (c *Client) assumeOwnership() {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	st := c.stateMgr.Get()
	prevOwner := st.LeaderProcessID
	if prevOwner != "" && prevOwner != c.processID && st.IsConnected {
		ok, err := c.owner.RequestOwnership(ctx, prevOwner)
		if err != nil {
			c.logger.Warn("handoff request errored", zap.Error(err))
		}
		if ok {
			c.rearmTransportHooks()
			c.flushPending()
			return
		}
		// Fall back to a fresh connection; surface the degraded path.
		c.emitError(ErrKindHandoff, fmt.Errorf("handoff from %s failed; dialing fresh", prevOwner))
	}

	c.owner.TakeOwnership(ctx)
	c.stateMgr.Update(ctx, func(s *state.ConnectionState) {
		s.ConnectionStatus = state.StatusConnecting
	})
	c.recover.StartRecovery(recovery.FailureConnectionLost, nil)
}

// dial is the injected connect function recovery drives.
func (c *Client) dial(ctx context.Context) error {
	ok, err := c.cfg.Transport.Connect(ctx, c.cfg.SessionURL)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("transport refused connection")
	}
	c.stateMgr.Update(ctx, func(s *state.ConnectionState) {
		s.IsConnected = true
		s.ConnectionStatus = state.StatusConnected
		s.LastHeartbeat = c.clock.Now()
	})
	c.rearmTransportHooks()
	c.flushPending()
	return nil
}

func (c *Client) flushPending() {
	for _, p := range c.pending.Last(0) {
		if err := c.cfg.Transport.Send(p.event, p.data); err != nil {
			c.logger.Warn("queued emit failed", zap.String("event", p.event), zap.Error(err))
		}
	}
}

// recoveryFinished surfaces exhaustion as the fatal error the application
// must react to.
func (c *Client) recoveryFinished(o recovery.Outcome) {
	if o.Success {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	c.stateMgr.Update(ctx, func(s *state.ConnectionState) {
		s.IsConnected = false
		s.ConnectionStatus = state.StatusFailed
	})
	cause := o.Cause
	if cause == nil {
		cause = fmt.Errorf("all %d reconnection attempts failed", o.Attempts)
	}
	c.emitError(ErrKindRecoveryExhausted, cause)
}

// healthFlipped starts recovery when the connection turns unhealthy.
func (c *Client) healthFlipped(h recovery.Health) {
	if h.IsHealthy || !c.owner.Owned() {
		return
	}
	c.recover.StartRecovery(recovery.FailureHealthCheck, nil)
}

// healthProbe is the default connection probe: only meaningful on the
// owner, where a disconnected mirror is by definition unhealthy.
func (c *Client) healthProbe(ctx context.Context) error {
	if !c.owner.Owned() {
		return nil
	}
	if c.cfg.HealthCheck != nil {
		return c.cfg.HealthCheck()
	}
	if !c.stateMgr.Get().IsConnected {
		return fmt.Errorf("connection down")
	}
	return nil
}

// dropIdleSubscriptions removes event registries with no subscribers and no
// live transport hook.
func (c *Client) dropIdleSubscriptions() {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	for name, obs := range c.subs {
		if obs.Len() > 0 {
			continue
		}
		if _, hooked := c.transportHooks[name]; hooked {
			continue
		}
		delete(c.subs, name)
	}
}

func (c *Client) emitError(kind ErrorKind, err error) {
	st := c.stateMgr.Get()
	c.errObs.Notify(&CoordError{
		Kind:      kind,
		ProcessID: c.processID,
		Time:      c.clock.Now(),
		Err:       err,
		Context: ErrorContext{
			IsLeader:         c.coord.IsLeader(),
			LeaderProcessID:  st.LeaderProcessID,
			ConnectionStatus: string(st.ConnectionStatus),
			RecoveryAttempts: len(c.recover.Attempts(0)),
		},
	})
}
