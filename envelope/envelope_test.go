package envelope

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewComputesVerifiableFingerprint(t *testing.T) {
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	e, err := New(TypeHeartbeat, "p-1", "m-1", ts, Heartbeat{LeaderID: "p-1", SentAt: ts, Sequence: 7})
	require.NoError(t, err)

	assert.True(t, e.VerifyFingerprint())
	assert.NotZero(t, e.Fingerprint)

	// The same logical message fingerprints identically; duplicates on a
	// lossy medium must collapse in the receiver's dedup set.
	dup, err := New(TypeHeartbeat, "p-1", "m-1", ts, Heartbeat{LeaderID: "p-1", SentAt: ts, Sequence: 7})
	require.NoError(t, err)
	assert.Equal(t, e.Fingerprint, dup.Fingerprint)
}

func TestVerifyFingerprintDetectsCorruption(t *testing.T) {
	e, err := New(TypeStateRequest, "p-1", "m-1", time.Now(), StateRequest{ProcessID: "p-1"})
	require.NoError(t, err)

	e.Payload[0] ^= 0xff
	assert.False(t, e.VerifyFingerprint())
}

func TestDecodePayload(t *testing.T) {
	in := Candidacy{
		ElectionID: "e-1",
		ProcessID:  "p-2",
		Priority:   1234,
		Visible:    true,
		Timestamp:  time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	e, err := New(TypeCandidacy, "p-2", "m-2", in.Timestamp, in)
	require.NoError(t, err)

	var out Candidacy
	require.NoError(t, e.DecodePayload(&out))
	assert.Equal(t, in.ElectionID, out.ElectionID)
	assert.Equal(t, in.ProcessID, out.ProcessID)
	assert.Equal(t, in.Priority, out.Priority)
	assert.Equal(t, in.Visible, out.Visible)
	assert.True(t, in.Timestamp.Equal(out.Timestamp))
}

func TestCloneIsDeep(t *testing.T) {
	e, err := New(TypeAppEvent, "p-1", "m-3", time.Now(), AppEvent{Event: "chat", Data: []byte("hi")})
	require.NoError(t, err)
	e.VectorClock = map[string]uint64{"p-1": 1}

	c := e.Clone()
	c.VectorClock["p-1"] = 99
	c.Payload[0] = 0

	assert.Equal(t, uint64(1), e.VectorClock["p-1"])
	assert.True(t, e.VerifyFingerprint())
}

func TestMarshalRoundTrip(t *testing.T) {
	e, err := New(TypeLockClaim, "p-1", "m-4", time.Now(), LockClaim{LockID: "leader-election", OwnerID: "p-1"})
	require.NoError(t, err)
	e.VectorClock = map[string]uint64{"p-1": 3, "p-2": 1}
	e.SequenceNumber = 3
	e.RequiresAck = true

	raw, err := e.Marshal()
	require.NoError(t, err)

	got, err := Unmarshal(raw)
	require.NoError(t, err)
	assert.Equal(t, e.Type, got.Type)
	assert.Equal(t, e.SenderID, got.SenderID)
	assert.Equal(t, e.MessageID, got.MessageID)
	assert.Equal(t, e.VectorClock, got.VectorClock)
	assert.Equal(t, e.SequenceNumber, got.SequenceNumber)
	assert.True(t, got.RequiresAck)
	assert.True(t, got.VerifyFingerprint())
}
