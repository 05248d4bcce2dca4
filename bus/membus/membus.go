// Package membus is an in-process broadcast hub used by tests and
// single-process runs. It deliberately mimics the failure modes of the real
// medium: fan-out is best-effort (slow consumers drop), and partitions and
// message loss can be injected to exercise degraded behavior.
package membus

import (
	"context"
	"math/rand"
	"sync"

	"github.com/crowdcast/tabcoord/bus"
	"github.com/crowdcast/tabcoord/envelope"
)

const connBuffer = 256

// Hub connects the Conns of one simulated session.
type Hub struct {
	mu       sync.Mutex
	conns    map[string]*Conn
	dropRate float64
	// partition maps processID to a group number; messages cross group
	// boundaries only when both sides are in group 0 (no partition).
	partition map[string]int
	rng       *rand.Rand
}

// NewHub constructs an empty hub.
func NewHub() *Hub {
	return &Hub{
		conns:     make(map[string]*Conn),
		partition: make(map[string]int),
		rng:       rand.New(rand.NewSource(rand.Int63())),
	}
}

// Join attaches a process to the hub and returns its bus endpoint.
func (h *Hub) Join(processID string) *Conn {
	h.mu.Lock()
	defer h.mu.Unlock()
	c := &Conn{
		hub:       h,
		processID: processID,
		incoming:  make(chan *envelope.Envelope, connBuffer),
		subs:      make(map[uint64]func(*envelope.Envelope)),
		closed:    make(chan struct{}),
	}
	h.conns[processID] = c
	go c.deliverLoop()
	return c
}

// SetDropRate makes the hub randomly discard the given fraction of
// deliveries, simulating the lossy fallback medium.
func (h *Hub) SetDropRate(rate float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dropRate = rate
}

// Partition assigns a process to a partition group. Processes in different
// groups cannot hear each other until Heal is called.
func (h *Hub) Partition(processID string, group int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.partition[processID] = group
}

// Heal removes all partitions.
func (h *Hub) Heal() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.partition = make(map[string]int)
}

func (h *Hub) fanOut(from string, e *envelope.Envelope) {
	h.mu.Lock()
	fromGroup := h.partition[from]
	targets := make([]*Conn, 0, len(h.conns))
	for id, c := range h.conns {
		if id == from {
			continue
		}
		if h.partition[id] != fromGroup {
			continue
		}
		if h.dropRate > 0 && h.rng.Float64() < h.dropRate {
			continue
		}
		targets = append(targets, c)
	}
	h.mu.Unlock()
	for _, c := range targets {
		select {
		case c.incoming <- e.Clone():
		default:
			// Slow consumer; the medium drops rather than blocks.
		}
	}
}

func (h *Hub) leave(processID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.conns, processID)
	delete(h.partition, processID)
}

// Conn is one process's endpoint on the hub.
type Conn struct {
	hub       *Hub
	processID string
	incoming  chan *envelope.Envelope

	mu     sync.Mutex
	subs   map[uint64]func(*envelope.Envelope)
	nextID uint64

	closeOnce sync.Once
	closed    chan struct{}
}

var _ bus.Bus = (*Conn)(nil)

func (c *Conn) deliverLoop() {
	for {
		select {
		case <-c.closed:
			return
		case e := <-c.incoming:
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
	}
}

// Broadcast implements bus.Bus.
func (c *Conn) Broadcast(ctx context.Context, e *envelope.Envelope) error {
	select {
	case <-c.closed:
		return bus.ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	c.hub.fanOut(c.processID, e)
	return nil
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

// Supported implements bus.Bus; the hub stands in for the preferred
// primitive.
func (c *Conn) Supported() bool { return true }

// Close implements bus.Bus.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.hub.leave(c.processID)
	})
	return nil
}
