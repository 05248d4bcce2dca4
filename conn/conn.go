// Package conn declares the contract of the one real external connection
// the session shares. The coordination core never opens sockets itself; the
// owning process drives an implementation of Transport supplied by the host.
//
// Implementations should reject a second concurrent session for the same
// identity: the leadership invariant is best-effort and a brief
// double-ownership window can occur during partitions or handoff timeouts.
package conn

import "context"

// Transport is the real bidirectional connection.
type Transport interface {
	// Connect establishes the connection, returning true on success.
	Connect(ctx context.Context, url string) (bool, error)
	// Send emits a named event upstream.
	Send(event string, data []byte) error
	// On registers a handler for a named downstream event and returns a
	// dispose function.
	On(event string, cb func(data []byte)) func()
	// Disconnect tears the connection down. Idempotent.
	Disconnect() error
}
