package envelope

import "time"

// Candidacy announces a process's bid in an election round.
type Candidacy struct {
	ElectionID string    `cbor:"1,keyasint"`
	ProcessID  string    `cbor:"2,keyasint"`
	Priority   int64     `cbor:"3,keyasint"`
	Visible    bool      `cbor:"4,keyasint"`
	Timestamp  time.Time `cbor:"5,keyasint"`
}

// ElectionDecision is broadcast by the round initiator once a winner is
// picked. Losers record LeaderID from it.
type ElectionDecision struct {
	ElectionID string    `cbor:"1,keyasint"`
	LeaderID   string    `cbor:"2,keyasint"`
	Priority   int64     `cbor:"3,keyasint"`
	DecidedAt  time.Time `cbor:"4,keyasint"`
}

// Heartbeat is the leader's periodic liveness signal.
type Heartbeat struct {
	LeaderID string    `cbor:"1,keyasint"`
	SentAt   time.Time `cbor:"2,keyasint"`
	Sequence uint64    `cbor:"3,keyasint"`
}

// Resignation announces the leader is stepping down, either on unload or
// after going hidden with a visible process available.
type Resignation struct {
	LeaderID string `cbor:"1,keyasint"`
	Reason   string `cbor:"2,keyasint"`
}

// Challenge is sent by a newly visible process to prompt a re-election.
type Challenge struct {
	ChallengerID string `cbor:"1,keyasint"`
	Priority     int64  `cbor:"2,keyasint"`
}

// LockClaim carries an optimistic advisory-lock acquisition attempt.
type LockClaim struct {
	LockID     string    `cbor:"1,keyasint"`
	OwnerID    string    `cbor:"2,keyasint"`
	AcquiredAt time.Time `cbor:"3,keyasint"`
	ExpiresAt  time.Time `cbor:"4,keyasint"`
	Renewable  bool      `cbor:"5,keyasint"`
}

// LockRelease relinquishes a held advisory lock.
type LockRelease struct {
	LockID  string `cbor:"1,keyasint"`
	OwnerID string `cbor:"2,keyasint"`
}

// LockRenew extends a held lock's expiry.
type LockRenew struct {
	LockID    string    `cbor:"1,keyasint"`
	OwnerID   string    `cbor:"2,keyasint"`
	ExpiresAt time.Time `cbor:"3,keyasint"`
}

// Ack confirms receipt of a reliable broadcast.
type Ack struct {
	MessageID string `cbor:"1,keyasint"`
	Status    string `cbor:"2,keyasint"`
}

// Ack statuses.
const (
	AckReceived  = "received"
	AckProcessed = "processed"
	AckFailed    = "failed"
)

// StateSync mirrors the owner's ConnectionState to every process.
type StateSync struct {
	IsConnected      bool      `cbor:"1,keyasint"`
	IsLeader         bool      `cbor:"2,keyasint"`
	ProcessID        string    `cbor:"3,keyasint"`
	ConnectionStatus string    `cbor:"4,keyasint"`
	LastHeartbeat    time.Time `cbor:"5,keyasint"`
	LeaderProcessID  string    `cbor:"6,keyasint"`
}

// StateRequest asks the current holder of authoritative state to re-announce
// it; sent by freshly joined processes.
type StateRequest struct {
	ProcessID string `cbor:"1,keyasint"`
}

// HandoffRequest asks the current owner to hand the connection over.
type HandoffRequest struct {
	HandoffID string `cbor:"1,keyasint"`
	FromID    string `cbor:"2,keyasint"`
	ToID      string `cbor:"3,keyasint"`
}

// HandoffOffer is the proactive form: the owner volunteers the connection
// (for example just before going hidden).
type HandoffOffer struct {
	HandoffID string `cbor:"1,keyasint"`
	FromID    string `cbor:"2,keyasint"`
	ToID      string `cbor:"3,keyasint"`
}

// HandoffResponse carries the snapshot back to the requester.
type HandoffResponse struct {
	HandoffID string          `cbor:"1,keyasint"`
	Success   bool            `cbor:"2,keyasint"`
	Snapshot  HandoffSnapshot `cbor:"3,keyasint"`
	Error     string          `cbor:"4,keyasint,omitempty"`
}

// HandoffComplete tells the old owner it may close its connection.
type HandoffComplete struct {
	HandoffID string `cbor:"1,keyasint"`
	NewOwner  string `cbor:"2,keyasint"`
}

// HandoffCancel aborts an in-flight handoff.
type HandoffCancel struct {
	HandoffID string `cbor:"1,keyasint"`
	Reason    string `cbor:"2,keyasint"`
}

// HandoffSnapshot is the transferable picture of the owner's connection:
// state, live subscriptions, and any messages queued but not yet sent.
type HandoffSnapshot struct {
	HandoffID     string    `cbor:"1,keyasint"`
	FromID        string    `cbor:"2,keyasint"`
	ToID          string    `cbor:"3,keyasint"`
	State         StateSync `cbor:"4,keyasint"`
	Subscriptions []string  `cbor:"5,keyasint,omitempty"`
	Pending       [][]byte  `cbor:"6,keyasint,omitempty"`
	StartedAt     time.Time `cbor:"7,keyasint"`
}

// AppEvent is an opaque named application event. Inbound events flow from
// the real connection to every subscribed process; outbound ones are emits
// from non-owning processes travelling to the owner for upstream delivery.
type AppEvent struct {
	Event   string `cbor:"1,keyasint"`
	Data    []byte `cbor:"2,keyasint,omitempty"`
	Inbound bool   `cbor:"3,keyasint"`
}
