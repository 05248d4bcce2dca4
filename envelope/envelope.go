// Package envelope defines the wire format exchanged between processes over
// the broadcast bus. An Envelope is immutable once sent; payloads are
// CBOR-encoded and discriminated by the Type field.
package envelope

import (
	"fmt"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/fxamacker/cbor/v2"
)

// Type discriminates the payload carried by an Envelope.
type Type string

const (
	// Election traffic.
	TypeCandidacy        Type = "election.candidacy"
	TypeElectionDecision Type = "election.decision"
	TypeHeartbeat        Type = "election.heartbeat"
	TypeResignation      Type = "election.resignation"
	TypeChallenge        Type = "election.challenge"

	// Advisory-lock traffic.
	TypeLockClaim   Type = "lock.claim"
	TypeLockRelease Type = "lock.release"
	TypeLockRenew   Type = "lock.renew"

	// Synchronizer traffic.
	TypeAck Type = "sync.ack"

	// Connection-state traffic.
	TypeStateSync    Type = "state.sync"
	TypeStateRequest Type = "state.request"

	// Ownership handoff traffic.
	TypeHandoffRequest  Type = "handoff.request"
	TypeHandoffOffer    Type = "handoff.offer"
	TypeHandoffResponse Type = "handoff.response"
	TypeHandoffComplete Type = "handoff.complete"
	TypeHandoffCancel   Type = "handoff.cancel"

	// Application events forwarded by the connection owner.
	TypeAppEvent Type = "app.event"
)

// Priority orders competing deliveries when a bus implementation supports it.
// Lower is more urgent.
type Priority int

const (
	PriorityCritical Priority = iota
	PriorityHigh
	PriorityNormal
	PriorityLow
)

// Envelope is the unit of broadcast between processes. The VectorClock and
// SequenceNumber fields are stamped by the causal synchronizer; everything
// else is filled in by the sender before handing the message off.
type Envelope struct {
	Type           Type              `cbor:"1,keyasint"`
	SenderID       string            `cbor:"2,keyasint"`
	Timestamp      time.Time         `cbor:"3,keyasint"`
	MessageID      string            `cbor:"4,keyasint"`
	VectorClock    map[string]uint64 `cbor:"5,keyasint,omitempty"`
	SequenceNumber uint64            `cbor:"6,keyasint"`
	Priority       Priority          `cbor:"7,keyasint"`
	RequiresAck    bool              `cbor:"8,keyasint"`
	Fingerprint    uint64            `cbor:"9,keyasint"`
	Payload        []byte            `cbor:"10,keyasint,omitempty"`
}

// New builds an envelope of the given type with an encoded payload. The
// fingerprint is computed over type, sender, timestamp and payload so
// duplicate transmissions of the same logical message collapse in the
// receiver's dedup set.
func New(t Type, senderID, messageID string, ts time.Time, payload any) (*Envelope, error) {
	var raw []byte
	if payload != nil {
		var err error
		raw, err = cbor.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to encode %s payload: %w", t, err)
		}
	}
	e := Envelope{
		Type:      t,
		SenderID:  senderID,
		Timestamp: ts,
		MessageID: messageID,
		Priority:  PriorityNormal,
		Payload:   raw,
	}
	e.Fingerprint = e.computeFingerprint()
	return &e, nil
}

func (e *Envelope) computeFingerprint() uint64 {
	h := xxhash.New()
	h.WriteString(string(e.Type))
	h.WriteString(e.SenderID)
	var ts [8]byte
	nano := e.Timestamp.UnixNano()
	for i := 0; i < 8; i++ {
		ts[i] = byte(nano >> (8 * i))
	}
	h.Write(ts[:])
	h.Write(e.Payload)
	return h.Sum64()
}

// VerifyFingerprint reports whether the fingerprint matches the envelope
// contents. Mismatches indicate corruption on the degraded fallback bus.
func (e *Envelope) VerifyFingerprint() bool {
	return e.Fingerprint == e.computeFingerprint()
}

// DecodePayload unmarshals the payload into out.
func (e *Envelope) DecodePayload(out any) error {
	if err := cbor.Unmarshal(e.Payload, out); err != nil {
		return fmt.Errorf("failed to decode %s payload from %s: %w", e.Type, e.SenderID, err)
	}
	return nil
}

// Clone returns a deep copy, so the synchronizer can stamp clock fields
// without mutating the caller's envelope.
func (e *Envelope) Clone() *Envelope {
	out := *e
	if e.VectorClock != nil {
		out.VectorClock = make(map[string]uint64, len(e.VectorClock))
		for k, v := range e.VectorClock {
			out.VectorClock[k] = v
		}
	}
	if e.Payload != nil {
		out.Payload = append([]byte(nil), e.Payload...)
	}
	return &out
}

// Marshal encodes the whole envelope as a CBOR frame for bus implementations
// that move bytes (the polling fallback).
func (e *Envelope) Marshal() ([]byte, error) {
	return cbor.Marshal(e)
}

// Unmarshal decodes a CBOR frame produced by Marshal.
func Unmarshal(frame []byte) (*Envelope, error) {
	var e Envelope
	if err := cbor.Unmarshal(frame, &e); err != nil {
		return nil, fmt.Errorf("failed to decode envelope frame: %w", err)
	}
	return &e, nil
}
