package tabcoord

import (
	"fmt"
	"time"
)

// ErrorKind classifies errors surfaced on the OnError channel. Transient
// coordination noise (lock contention, lost broadcasts, single failed
// retries) is handled internally and never appears here.
type ErrorKind string

const (
	// ErrKindElection: no consensus before the round timed out. Not fatal;
	// the next heartbeat-timeout check retries.
	ErrKindElection ErrorKind = "election"
	// ErrKindHandoff: a handoff failed or timed out and the fallback fresh
	// connection is being dialed.
	ErrKindHandoff ErrorKind = "handoff"
	// ErrKindRecoveryExhausted: every attempt of the active strategy
	// failed. No further automatic retries until Reconnect is called.
	ErrKindRecoveryExhausted ErrorKind = "recovery-exhausted"
	// ErrKindTransport: the real connection failed in a way recovery does
	// not cover.
	ErrKindTransport ErrorKind = "transport"
)

// ErrorContext snapshots coordination state at the moment of the error.
type ErrorContext struct {
	IsLeader         bool
	LeaderProcessID  string
	ConnectionStatus string
	RecoveryAttempts int
}

// CoordError is the application-facing error envelope.
type CoordError struct {
	Kind      ErrorKind
	ProcessID string
	Time      time.Time
	Err       error
	Context   ErrorContext
}

// Error implements error.
func (e *CoordError) Error() string {
	return fmt.Sprintf("%s (process %s): %v", e.Kind, e.ProcessID, e.Err)
}

// Unwrap exposes the cause.
func (e *CoordError) Unwrap() error {
	return e.Err
}
