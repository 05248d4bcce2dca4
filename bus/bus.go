// Package bus abstracts the best-effort broadcast medium connecting the
// processes of one session. Implementations provide at-most-once,
// possibly-reordered fan-out; anything stronger (causal order, delivery
// confirmation) is layered on top by the causal synchronizer.
package bus

import (
	"context"
	"errors"

	"github.com/crowdcast/tabcoord/envelope"
)

// ErrClosed is returned by Broadcast after Close.
var ErrClosed = errors.New("bus: closed")

// Bus is the broadcast transport contract.
type Bus interface {
	// Broadcast fans the envelope out to every other process in the
	// session. Best-effort: a nil error does not mean anyone received it.
	Broadcast(ctx context.Context, e *envelope.Envelope) error
	// Subscribe registers a handler for incoming envelopes and returns a
	// dispose function.
	Subscribe(cb func(*envelope.Envelope)) func()
	// Supported reports whether this is the preferred primitive or a
	// degraded fallback.
	Supported() bool
	// Close detaches from the medium.
	Close() error
}
