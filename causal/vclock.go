// Package causal layers vector-clock causal ordering, deduplication, and
// optional delivery acknowledgment on top of the best-effort broadcast bus.
package causal

// VectorClock tracks one counter per originating process. The zero value of
// an absent entry is 0, so clocks only ever carry processes that have
// actually spoken.
type VectorClock map[string]uint64

// Increment bumps the counter for id and returns the new value.
func (vc VectorClock) Increment(id string) uint64 {
	vc[id]++
	return vc[id]
}

// Snapshot returns an independent copy suitable for stamping onto an
// outgoing envelope.
func (vc VectorClock) Snapshot() map[string]uint64 {
	out := make(map[string]uint64, len(vc))
	for k, v := range vc {
		out[k] = v
	}
	return out
}

// Merge raises each entry to the maximum of the two clocks.
func (vc VectorClock) Merge(other map[string]uint64) {
	for k, v := range other {
		if v > vc[k] {
			vc[k] = v
		}
	}
}

// DeliverableFrom reports whether a message from sender carrying clock msg
// is causally ready given the receiver's record of delivered counters:
// the message must be the next one from its sender, and the receiver must
// already have delivered everything the sender had seen from everyone else.
func (vc VectorClock) DeliverableFrom(sender string, msg map[string]uint64) bool {
	for id, n := range msg {
		if id == sender {
			if n != vc[id]+1 {
				return false
			}
			continue
		}
		if n > vc[id] {
			return false
		}
	}
	return true
}
