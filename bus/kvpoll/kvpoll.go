// Package kvpoll is the degraded fallback bus: processes exchange envelopes
// by appending CBOR frames to a shared slot in the session key-value store
// and polling it. Appends are read-modify-write without any transaction, so
// concurrent writers can clobber each other; the medium is advertised as
// lossy and the layers above already tolerate at-most-once delivery.
package kvpoll

import (
	"context"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	clocks "github.com/vimeo/go-clocks"
	retry "github.com/vimeo/go-retry"
	"go.uber.org/zap"

	"github.com/crowdcast/tabcoord/bus"
	"github.com/crowdcast/tabcoord/envelope"
	"github.com/crowdcast/tabcoord/kv"
)

const (
	defaultSlotKey = "tabcoord:bus:slot"
	// maxFrames caps the shared log; older frames fall off the head.
	maxFrames = 128
)

type frame struct {
	Seq  uint64 `cbor:"1,keyasint"`
	Data []byte `cbor:"2,keyasint"`
}

type slot struct {
	NextSeq uint64  `cbor:"1,keyasint"`
	Frames  []frame `cbor:"2,keyasint"`
}

// Conn is a polling bus endpoint backed by a kv.Store.
type Conn struct {
	store     kv.Store
	slotKey   string
	processID string
	clock     clocks.Clock
	logger    *zap.Logger

	mu     sync.Mutex
	subs   map[uint64]func(*envelope.Envelope)
	nextID uint64
	cursor uint64

	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

// Option tweaks a Conn.
type Option func(*Conn)

// WithSlotKey overrides the shared slot key, letting multiple sessions share
// one store.
func WithSlotKey(key string) Option {
	return func(c *Conn) { c.slotKey = key }
}

// New constructs a polling endpoint and starts its poll loop. A nil clock
// falls back to the real one; a nil logger is replaced with a no-op one.
func New(store kv.Store, processID string, clock clocks.Clock, logger *zap.Logger, opts ...Option) *Conn {
	if clock == nil {
		clock = clocks.DefaultClock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		store:     store,
		slotKey:   defaultSlotKey,
		processID: processID,
		clock:     clock,
		logger:    logger.Named("kvpoll"),
		subs:      make(map[uint64]func(*envelope.Envelope)),
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	// Skip everything already in the slot; a late joiner should not replay
	// history it cannot causally order anyway.
	if s, err := c.readSlot(); err == nil {
		c.cursor = s.NextSeq
	}
	go c.pollLoop(ctx)
	return c
}

var _ bus.Bus = (*Conn)(nil)

func (c *Conn) readSlot() (*slot, error) {
	raw, err := c.store.Get(c.slotKey)
	if err != nil {
		if err == kv.ErrNotFound {
			return &slot{}, nil
		}
		return nil, err
	}
	var s slot
	if err := cbor.Unmarshal(raw, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// Broadcast implements bus.Bus by appending a frame to the shared slot.
// Write failures are retried a few times and then dropped with a log line;
// the medium is best-effort by contract.
func (c *Conn) Broadcast(ctx context.Context, e *envelope.Envelope) error {
	select {
	case <-c.done:
		return bus.ErrClosed
	default:
	}
	data, err := e.Marshal()
	if err != nil {
		return err
	}
	b := retry.DefaultBackoff()
	for attempt := 0; attempt < 3; attempt++ {
		if writeErr := c.appendFrame(data); writeErr == nil {
			return nil
		} else if !c.clock.SleepFor(ctx, b.Next()) {
			return ctx.Err()
		}
	}
	c.logger.Warn("dropping broadcast after repeated slot write failures",
		zap.String("type", string(e.Type)))
	return nil
}

func (c *Conn) appendFrame(data []byte) error {
	s, err := c.readSlot()
	if err != nil {
		return err
	}
	s.Frames = append(s.Frames, frame{Seq: s.NextSeq, Data: data})
	s.NextSeq++
	if len(s.Frames) > maxFrames {
		s.Frames = s.Frames[len(s.Frames)-maxFrames:]
	}
	raw, err := cbor.Marshal(s)
	if err != nil {
		return err
	}
	return c.store.Set(c.slotKey, raw)
}

func (c *Conn) pollLoop(ctx context.Context) {
	b := retry.DefaultBackoff()
	// Poll aggressively while traffic flows; back off toward a second when
	// the slot goes quiet.
	b.MinBackoff = 50 * time.Millisecond
	b.MaxBackoff = time.Second
	for {
		select {
		case <-c.done:
			return
		default:
		}
		fresh := c.pollOnce()
		wait := b.Next()
		if fresh {
			b.Reset()
		}
		if !c.clock.SleepFor(ctx, wait) {
			return
		}
	}
}

// pollOnce drains frames past the cursor, reporting whether anything new
// arrived.
func (c *Conn) pollOnce() bool {
	s, err := c.readSlot()
	if err != nil {
		c.logger.Warn("slot read failed", zap.Error(err))
		return false
	}
	fresh := false
	for _, f := range s.Frames {
		if f.Seq < c.cursor {
			continue
		}
		c.cursor = f.Seq + 1
		e, decodeErr := envelope.Unmarshal(f.Data)
		if decodeErr != nil {
			c.logger.Warn("discarding undecodable frame", zap.Error(decodeErr))
			continue
		}
		if e.SenderID == c.processID {
			continue
		}
		if !e.VerifyFingerprint() {
			c.logger.Warn("discarding corrupt frame", zap.String("sender", e.SenderID))
			continue
		}
		fresh = true
		c.deliver(e)
	}
	return fresh
}

func (c *Conn) deliver(e *envelope.Envelope) {
	c.mu.Lock()
	cbs := make([]func(*envelope.Envelope), 0, len(c.subs))
	for _, cb := range c.subs {
		cbs = append(cbs, cb)
	}
	c.mu.Unlock()
	for _, cb := range cbs {
		cb(e)
	}
}

// Subscribe implements bus.Bus.
func (c *Conn) Subscribe(cb func(*envelope.Envelope)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextID
	c.nextID++
	c.subs[id] = cb
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.subs, id)
	}
}

// Supported reports false: this is the degraded fallback.
func (c *Conn) Supported() bool { return false }

// Close implements bus.Bus.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		c.cancel()
	})
	return nil
}
