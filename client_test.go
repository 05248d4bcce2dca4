package tabcoord

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/crowdcast/tabcoord/bus/membus"
	"github.com/crowdcast/tabcoord/kv/memkv"
	"github.com/crowdcast/tabcoord/recovery"
	"github.com/crowdcast/tabcoord/state"
)

type sentEvent struct {
	event string
	data  []byte
}

// fakeTransport is an in-memory conn.Transport that records traffic and lets
// tests inject downstream events.
type fakeTransport struct {
	mu          sync.Mutex
	connectErr  error
	connected   bool
	lastURL     string
	connects    int
	disconnects int
	sends       []sentEvent
	handlers    map[string]map[int]func([]byte)
	nextHook    int
}

func (f *fakeTransport) Connect(_ context.Context, url string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connectErr != nil {
		return false, f.connectErr
	}
	f.connected = true
	f.lastURL = url
	f.connects++
	return true, nil
}

func (f *fakeTransport) Send(event string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return errors.New("transport not connected")
	}
	f.sends = append(f.sends, sentEvent{event: event, data: append([]byte(nil), data...)})
	return nil
}

func (f *fakeTransport) On(event string, cb func(data []byte)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.handlers == nil {
		f.handlers = make(map[string]map[int]func([]byte))
	}
	if f.handlers[event] == nil {
		f.handlers[event] = make(map[int]func([]byte))
	}
	id := f.nextHook
	f.nextHook++
	f.handlers[event][id] = cb
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.handlers[event], id)
	}
}

func (f *fakeTransport) Disconnect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
	f.disconnects++
	return nil
}

// push simulates a downstream event arriving on the live connection.
func (f *fakeTransport) push(event string, data []byte) {
	f.mu.Lock()
	cbs := make([]func([]byte), 0, len(f.handlers[event]))
	for _, cb := range f.handlers[event] {
		cbs = append(cbs, cb)
	}
	f.mu.Unlock()
	for _, cb := range cbs {
		cb(data)
	}
}

func (f *fakeTransport) sent(event string) []sentEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []sentEvent
	for _, s := range f.sends {
		if s.event == event {
			out = append(out, s)
		}
	}
	return out
}

func (f *fakeTransport) setConnectErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connectErr = err
}

func (f *fakeTransport) disconnectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.disconnects
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// newNode builds a started-but-not-running client wired to the shared hub
// with its own store and fake transport. Intervals are shrunk so elections
// and heartbeats settle within the polling deadlines.
func newNode(t *testing.T, hub *membus.Hub, id string, createdAt time.Time, tr *fakeTransport) (*Client, *fakeTransport) {
	t.Helper()
	if tr == nil {
		tr = &fakeTransport{}
	}
	conn := hub.Join(id)
	cfg := Config{
		SessionURL:          "wss://session.example/stream",
		ProcessID:           id,
		CreatedAt:           createdAt,
		Bus:                 conn,
		Store:               memkv.New(),
		Transport:           tr,
		HeartbeatInterval:   100 * time.Millisecond,
		HeartbeatTimeout:    500 * time.Millisecond,
		ElectionTimeout:     400 * time.Millisecond,
		RebroadcastInterval: 200 * time.Millisecond,
		RecoveryStrategy:    recovery.ImmediateStrategy(),
	}
	c, err := cfg.NewClient()
	if err != nil {
		t.Fatalf("failed to build client %s: %s", id, err)
	}
	t.Cleanup(func() {
		if err := c.Close(); err != nil {
			t.Errorf("close of %s failed: %s", id, err)
		}
		conn.Close()
	})
	return c, tr
}

func waitConnected(t *testing.T, c *Client) {
	t.Helper()
	waitFor(t, c.ProcessID()+" to own a live connection", func() bool {
		st := c.ConnectionState()
		return c.IsLeader() && st.IsConnected && st.ConnectionStatus == state.StatusConnected
	})
}

func TestStartElectsLeaderAndDialsTransport(t *testing.T) {
	hub := membus.NewHub()
	c, tr := newNode(t, hub, "p-a", time.Now(), nil)

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %s", err)
	}
	waitConnected(t, c)

	tr.mu.Lock()
	url, connects := tr.lastURL, tr.connects
	tr.mu.Unlock()
	if url != "wss://session.example/stream" {
		t.Errorf("dialed %q; want the configured session url", url)
	}
	if connects != 1 {
		t.Errorf("connect count = %d; want 1", connects)
	}

	st := c.ConnectionState()
	if st.LeaderProcessID != "p-a" {
		t.Errorf("mirrored leader = %q; want p-a", st.LeaderProcessID)
	}
	if stats := c.Stats(); !stats.IsLeader || stats.RecoveryAttempts == 0 {
		t.Errorf("stats = %+v; want leadership and at least one recorded dial", stats)
	}
}

func TestOwnerEmitAndSubscribe(t *testing.T) {
	hub := membus.NewHub()
	c, tr := newNode(t, hub, "p-a", time.Now(), nil)

	var mu sync.Mutex
	var got [][]byte
	c.Subscribe("chat", func(data []byte) {
		mu.Lock()
		got = append(got, data)
		mu.Unlock()
	})

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %s", err)
	}
	waitConnected(t, c)

	if err := c.Emit("chat:post", []byte("hello")); err != nil {
		t.Fatalf("emit failed: %s", err)
	}
	sent := tr.sent("chat:post")
	if len(sent) != 1 || string(sent[0].data) != "hello" {
		t.Fatalf("owner emit = %v; want one direct transport write", sent)
	}

	tr.push("chat", []byte("welcome"))
	waitFor(t, "downstream event to reach the subscriber", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) > 0
	})
	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 || string(got[0]) != "welcome" {
		t.Errorf("subscriber saw %q; want exactly one \"welcome\"", got)
	}
}

func TestFollowerMirrorsAndRelays(t *testing.T) {
	hub := membus.NewHub()
	base := time.Now()
	a, atr := newNode(t, hub, "p-a", base, nil)
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("start of p-a failed: %s", err)
	}
	waitConnected(t, a)

	// Both processes subscribe; only the owner hooks the transport, the
	// follower is fed by the owner's bus mirror.
	var mu sync.Mutex
	var aGot, bGot [][]byte
	a.Subscribe("feed", func(data []byte) {
		mu.Lock()
		aGot = append(aGot, data)
		mu.Unlock()
	})

	b, _ := newNode(t, hub, "p-b", base.Add(time.Minute), nil)
	b.Subscribe("feed", func(data []byte) {
		mu.Lock()
		bGot = append(bGot, data)
		mu.Unlock()
	})
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("start of p-b failed: %s", err)
	}

	// The younger process must settle as a follower with a live mirror.
	waitFor(t, "p-b to mirror the owner's connection state", func() bool {
		st := b.ConnectionState()
		return st.IsConnected && st.LeaderProcessID == "p-a"
	})
	if b.IsLeader() {
		t.Fatal("p-b took leadership from an older live leader")
	}

	// Outbound: a follower emit travels over the bus and leaves through the
	// owner's transport.
	if err := b.Emit("presence", []byte("here")); err != nil {
		t.Fatalf("follower emit failed: %s", err)
	}
	waitFor(t, "relayed emit to reach the transport", func() bool {
		return len(atr.sent("presence")) == 1
	})

	// Inbound: a downstream event on the owner's transport fans out to every
	// process.
	atr.push("feed", []byte("update"))
	waitFor(t, "downstream event to fan out to both processes", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(aGot) == 1 && len(bGot) == 1
	})
	mu.Lock()
	defer mu.Unlock()
	if string(aGot[0]) != "update" || string(bGot[0]) != "update" {
		t.Errorf("fanout = %q / %q; want \"update\" on both", aGot[0], bGot[0])
	}
}

func TestCloseReleasesConnection(t *testing.T) {
	hub := membus.NewHub()
	c, tr := newNode(t, hub, "p-a", time.Now(), nil)
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %s", err)
	}
	waitConnected(t, c)

	if err := c.Close(); err != nil {
		t.Fatalf("close failed: %s", err)
	}
	if tr.disconnectCount() == 0 {
		t.Error("owned connection was not torn down on close")
	}
	if err := c.Close(); err != nil {
		t.Errorf("second close errored: %s", err)
	}
}

func TestReconnectRestartsAfterExhaustion(t *testing.T) {
	hub := membus.NewHub()
	tr := &fakeTransport{connectErr: errors.New("gateway down")}
	c, _ := newNode(t, hub, "p-a", time.Now(), tr)

	errCh := make(chan *CoordError, 4)
	c.OnError(func(e *CoordError) { errCh <- e })

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %s", err)
	}

	select {
	case e := <-errCh:
		if e.Kind != ErrKindRecoveryExhausted {
			t.Fatalf("error kind = %s; want %s", e.Kind, ErrKindRecoveryExhausted)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("exhaustion never surfaced on the error channel")
	}
	if st := c.ConnectionState(); st.ConnectionStatus != state.StatusFailed {
		t.Errorf("status after exhaustion = %s; want %s", st.ConnectionStatus, state.StatusFailed)
	}

	// The gateway comes back; only an explicit reconnect resumes dialing.
	tr.setConnectErr(nil)
	waitFor(t, "explicit reconnect to start", func() bool {
		return c.Reconnect()
	})
	waitConnected(t, c)
}
