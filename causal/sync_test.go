package causal

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/vimeo/go-clocks/fake"

	"github.com/crowdcast/tabcoord/bus/membus"
	"github.com/crowdcast/tabcoord/envelope"
)

func craft(t *testing.T, sender, messageID string, seq uint64, vc map[string]uint64) *envelope.Envelope {
	t.Helper()
	e, err := envelope.New(envelope.TypeAppEvent, sender, messageID, time.Now(),
		envelope.AppEvent{Event: "test"})
	if err != nil {
		t.Fatalf("failed to build envelope: %s", err)
	}
	e.SequenceNumber = seq
	e.VectorClock = vc
	return e
}

type orderedLog struct {
	mu  sync.Mutex
	ids []string
}

func (l *orderedLog) cb(e *envelope.Envelope) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ids = append(l.ids, e.MessageID)
}

func (l *orderedLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.ids...)
}

func TestOutOfOrderArrivalIsReordered(t *testing.T) {
	hub := membus.NewHub()
	conn := hub.Join("c")
	defer conn.Close()
	s := New(Config{ProcessID: "c", Bus: conn})
	defer s.Close()

	ordered := &orderedLog{}
	raw := &orderedLog{}
	s.OnOrderedMessage(ordered.cb)
	s.OnMessage(raw.cb)

	// b1 causally follows a1 (b had already seen a's first message when it
	// sent). Deliver them backwards.
	b1 := craft(t, "b", "b1", 1, map[string]uint64{"a": 1, "b": 1})
	a1 := craft(t, "a", "a1", 1, map[string]uint64{"a": 1})
	s.receive(b1)

	if got := ordered.snapshot(); len(got) != 0 {
		t.Fatalf("b1 delivered before its dependency: %v", got)
	}

	s.receive(a1)

	want := []string{"a1", "b1"}
	got := ordered.snapshot()
	if len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("ordered delivery = %v; want %v", got, want)
	}
	// The raw stream sees arrival order.
	gotRaw := raw.snapshot()
	if len(gotRaw) != 2 || gotRaw[0] != "b1" || gotRaw[1] != "a1" {
		t.Errorf("raw delivery = %v; want [b1 a1]", gotRaw)
	}
	if st := s.Stats(); st.Ordered != 2 {
		t.Errorf("stats.Ordered = %d; want 2", st.Ordered)
	}
}

func TestDuplicatesCollapse(t *testing.T) {
	hub := membus.NewHub()
	conn := hub.Join("c")
	defer conn.Close()
	s := New(Config{ProcessID: "c", Bus: conn})
	defer s.Close()

	ordered := &orderedLog{}
	s.OnOrderedMessage(ordered.cb)

	a1 := craft(t, "a", "a1", 1, map[string]uint64{"a": 1})
	s.receive(a1)
	s.receive(a1.Clone())

	if got := ordered.snapshot(); len(got) != 1 {
		t.Errorf("delivered %d times; want 1", len(got))
	}
	if st := s.Stats(); st.Deduped != 1 {
		t.Errorf("stats.Deduped = %d; want 1", st.Deduped)
	}
}

func TestFingerprintDedupCatchesRewrappedDuplicates(t *testing.T) {
	hub := membus.NewHub()
	conn := hub.Join("c")
	defer conn.Close()
	s := New(Config{ProcessID: "c", Bus: conn})
	defer s.Close()

	ordered := &orderedLog{}
	s.OnOrderedMessage(ordered.cb)

	// Same logical message retransmitted under a new MessageID, as the
	// degraded bus can produce. Fingerprints match, so it must collapse.
	a1 := craft(t, "a", "a1", 1, map[string]uint64{"a": 1})
	dup := a1.Clone()
	dup.MessageID = "a1-retry"
	s.receive(a1)
	s.receive(dup)

	if got := ordered.snapshot(); len(got) != 1 {
		t.Errorf("delivered %d times; want 1", len(got))
	}
}

func TestOwnMessagesAreIgnored(t *testing.T) {
	hub := membus.NewHub()
	conn := hub.Join("c")
	defer conn.Close()
	s := New(Config{ProcessID: "c", Bus: conn})
	defer s.Close()

	ordered := &orderedLog{}
	s.OnOrderedMessage(ordered.cb)

	s.receive(craft(t, "c", "self", 1, map[string]uint64{"c": 1}))
	if got := ordered.snapshot(); len(got) != 0 {
		t.Errorf("own message delivered: %v", got)
	}
}

func TestStarvedMessageIsForceDelivered(t *testing.T) {
	fc := fake.NewClock(time.Now())
	hub := membus.NewHub()
	conn := hub.Join("c")
	defer conn.Close()
	s := New(Config{ProcessID: "c", Bus: conn, Clock: fc})
	defer s.Close()

	ordered := &orderedLog{}
	s.OnOrderedMessage(ordered.cb)

	// b1 depends on a message from "a" that will never arrive.
	s.receive(craft(t, "b", "b1", 1, map[string]uint64{"a": 1, "b": 1}))

	s.sweep()
	if got := ordered.snapshot(); len(got) != 0 {
		t.Fatalf("delivered before hold expired: %v", got)
	}

	fc.Advance(maxCausalHold + time.Second)
	s.sweep()

	got := ordered.snapshot()
	if len(got) != 1 || got[0] != "b1" {
		t.Errorf("force delivery = %v; want [b1]", got)
	}
	if st := s.Stats(); st.ForceSkips != 1 {
		t.Errorf("stats.ForceSkips = %d; want 1", st.ForceSkips)
	}
}

func TestBroadcastStampsClockAndSequence(t *testing.T) {
	hub := membus.NewHub()
	conn := hub.Join("a")
	defer conn.Close()
	s := New(Config{ProcessID: "a", Bus: conn})
	defer s.Close()

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		e := craft(t, "a", "m", 0, nil)
		if err := s.Broadcast(ctx, e); err != nil {
			t.Fatalf("broadcast failed: %s", err)
		}
		if e.SequenceNumber != 0 || e.VectorClock != nil {
			t.Error("Broadcast mutated the caller's envelope")
		}
	}
	hist := s.MessageHistory(1)
	if len(hist) != 1 {
		t.Fatalf("history length = %d; want 1", len(hist))
	}
	if hist[0].SequenceNumber != 3 {
		t.Errorf("sequence = %d; want 3", hist[0].SequenceNumber)
	}
	if hist[0].VectorClock["a"] != 3 {
		t.Errorf("vector clock entry = %d; want 3", hist[0].VectorClock["a"])
	}
}

func TestBroadcastReliableReceivesAck(t *testing.T) {
	hub := membus.NewHub()
	connA := hub.Join("a")
	connB := hub.Join("b")
	defer connA.Close()
	defer connB.Close()
	sa := New(Config{ProcessID: "a", Bus: connA})
	sb := New(Config{ProcessID: "b", Bus: connB})
	defer sa.Close()
	defer sb.Close()

	e := craft(t, "a", "rel-1", 0, nil)
	ack, err := sa.BroadcastReliable(context.Background(), e)
	if err != nil {
		t.Fatalf("BroadcastReliable failed: %s", err)
	}
	if ack.MessageID != "rel-1" {
		t.Errorf("ack for %q; want rel-1", ack.MessageID)
	}
	if ack.Status != envelope.AckReceived {
		t.Errorf("ack status = %q; want %q", ack.Status, envelope.AckReceived)
	}
}

func TestBroadcastReliableTimesOut(t *testing.T) {
	fc := fake.NewClock(time.Now())
	hub := membus.NewHub()
	conn := hub.Join("a")
	defer conn.Close()
	// Nobody else on the hub, so no ack will ever come.
	s := New(Config{ProcessID: "a", Bus: conn, Clock: fc, AckRetries: 1})
	defer s.Close()

	errCh := make(chan error, 1)
	go func() {
		_, err := s.BroadcastReliable(context.Background(), craft(t, "a", "rel-1", 0, nil))
		errCh <- err
	}()

	// One timeout sleeper per attempt: the first transmission plus one retry.
	for i := 0; i < 2; i++ {
		fc.AwaitSleepers(1)
		fc.Advance(defaultAckTimeout + time.Millisecond)
	}

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrAckTimeout) {
			t.Errorf("error = %v; want ErrAckTimeout", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("BroadcastReliable did not return")
	}
	if st := s.Stats(); st.AckTimeouts != 1 {
		t.Errorf("stats.AckTimeouts = %d; want 1", st.AckTimeouts)
	}
}

func TestLateJoinerAdoptsMidHistoryBaseline(t *testing.T) {
	hub := membus.NewHub()
	conn := hub.Join("c")
	defer conn.Close()
	s := New(Config{ProcessID: "c", Bus: conn})
	defer s.Close()

	ordered := &orderedLog{}
	s.OnOrderedMessage(ordered.cb)

	// "a" has been broadcasting since before we joined; its predecessors
	// cannot be recovered, so message 57 becomes our baseline and 58 chains
	// off it normally.
	s.receive(craft(t, "a", "a57", 57, map[string]uint64{"a": 57, "x": 12}))
	s.receive(craft(t, "a", "a58", 58, map[string]uint64{"a": 58, "x": 12}))

	got := ordered.snapshot()
	if len(got) != 2 || got[0] != "a57" || got[1] != "a58" {
		t.Errorf("ordered delivery = %v; want [a57 a58]", got)
	}
}

func TestRetransmittedMessageIsReacked(t *testing.T) {
	hub := membus.NewHub()
	conn := hub.Join("c")
	defer conn.Close()
	s := New(Config{ProcessID: "c", Bus: conn})
	defer s.Close()

	ordered := &orderedLog{}
	s.OnOrderedMessage(ordered.cb)

	// A retransmit means the sender never got our ack, so the duplicate must
	// be acked again even though it is not delivered again.
	e := craft(t, "a", "rel-1", 1, map[string]uint64{"a": 1})
	e.RequiresAck = true
	s.receive(e)
	s.receive(e.Clone())

	if got := ordered.snapshot(); len(got) != 1 {
		t.Errorf("delivered %d times; want 1", len(got))
	}
	st := s.Stats()
	if st.Deduped != 1 {
		t.Errorf("stats.Deduped = %d; want 1", st.Deduped)
	}
	if st.AcksSent != 2 {
		t.Errorf("stats.AcksSent = %d; want 2 (one per transmission)", st.AcksSent)
	}
}
