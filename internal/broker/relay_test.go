package broker

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"

	"github.com/nerrad567/netosc/internal/envelope"
)

// ============================================================================
// Test doubles
// ============================================================================

type fakeConn struct {
	id uint64

	mu     sync.Mutex
	frames [][]byte
	fail   error
	closed bool
}

func newFakeConn(id uint64) *fakeConn { return &fakeConn{id: id} }

func (c *fakeConn) ID() uint64 { return c.id }

func (c *fakeConn) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail != nil {
		return c.fail
	}
	c.frames = append(c.frames, data)
	return nil
}

func (c *fakeConn) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// received decodes every frame sent to the connection.
func (c *fakeConn) received(t *testing.T) []envelope.Envelope {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]envelope.Envelope, 0, len(c.frames))
	for _, f := range c.frames {
		env, err := envelope.Decode(f)
		if err != nil {
			t.Fatalf("connection %d received undecodable frame %s: %v", c.id, f, err)
		}
		out = append(out, env)
	}
	return out
}

// forwarded returns only the osc envelopes a connection received.
func (c *fakeConn) forwarded(t *testing.T) []envelope.Publish {
	t.Helper()
	var out []envelope.Publish
	for _, env := range c.received(t) {
		if p, ok := env.(envelope.Publish); ok {
			out = append(out, p)
		}
	}
	return out
}

// lastState returns the most recent state envelope a connection received.
func (c *fakeConn) lastState(t *testing.T) (envelope.State, bool) {
	t.Helper()
	envs := c.received(t)
	for i := len(envs) - 1; i >= 0; i-- {
		if s, ok := envs[i].(envelope.State); ok {
			return s, true
		}
	}
	return envelope.State{}, false
}

type recordingObserver struct {
	events []string
}

func (o *recordingObserver) ClientConnected(id string) {
	o.events = append(o.events, "connected:"+id)
}

func (o *recordingObserver) ClientSubscribed(id string, _ []string) {
	o.events = append(o.events, "subscribed:"+id)
}

func (o *recordingObserver) MessageRelayed(id, address string, _ []envelope.Arg, _ int) {
	o.events = append(o.events, "relayed:"+id+":"+address)
}

func (o *recordingObserver) ClientDisconnected(id string) {
	o.events = append(o.events, "disconnected:"+id)
}

func mustEncode(t *testing.T, e envelope.Envelope) []byte {
	t.Helper()
	data, err := envelope.Encode(e)
	if err != nil {
		t.Fatalf("Encode(%T) error = %v", e, err)
	}
	return data
}

func subscribe(t *testing.T, r *Relay, c Conn, id string, topics ...string) {
	t.Helper()
	r.handleMessage(c, mustEncode(t, envelope.Subscribe{ClientID: id, Topics: topics}))
}

func publish(t *testing.T, r *Relay, c Conn, id, address string, args ...envelope.Arg) {
	t.Helper()
	r.handleMessage(c, mustEncode(t, envelope.Publish{ClientID: id, Address: address, Args: args}))
}

// ============================================================================
// Fan-out
// ============================================================================

func TestRelay_FanOutScenario(t *testing.T) {
	r := NewRelay(nil)
	a, b, d := newFakeConn(1), newFakeConn(2), newFakeConn(3)

	subscribe(t, r, a, "A", "/foo/*")
	subscribe(t, r, b, "B", "/bar")
	subscribe(t, r, d, "D", "/*")

	args := []envelope.Arg{envelope.IntArg(1), envelope.FloatArg(2.5), envelope.StringArg("s")}
	publish(t, r, a, "A", "/foo/x", args...)

	if got := b.forwarded(t); len(got) != 0 {
		t.Errorf("B received %d messages, want 0", len(got))
	}
	if got := a.forwarded(t); len(got) != 0 {
		t.Errorf("publisher received its own message %d times", len(got))
	}

	got := d.forwarded(t)
	if len(got) != 1 {
		t.Fatalf("D received %d messages, want 1", len(got))
	}
	if got[0].Address != "/foo/x" || got[0].ClientID != "" {
		t.Errorf("D received %+v, want address /foo/x without client_id", got[0])
	}
	if !reflect.DeepEqual(got[0].Args, args) {
		t.Errorf("D args = %v, want %v", got[0].Args, args)
	}
}

func TestRelay_ExactlyOnceInPublishOrder(t *testing.T) {
	r := NewRelay(nil)
	pub, sub := newFakeConn(1), newFakeConn(2)

	// Both patterns match; delivery must still happen once.
	subscribe(t, r, sub, "S", "/mix/*", "/mix/fader")

	addrs := []string{"/mix/fader", "/mix/mute", "/other", "/mix/fader"}
	for i, a := range addrs {
		publish(t, r, pub, "P", a, envelope.IntArg(int64(i)))
	}

	got := sub.forwarded(t)
	want := []int64{0, 1, 3}
	if len(got) != len(want) {
		t.Fatalf("subscriber received %d messages, want %d", len(got), len(want))
	}
	for i, p := range got {
		if p.Args[0].Int != want[i] {
			t.Errorf("message %d has seq %d, want %d", i, p.Args[0].Int, want[i])
		}
	}
}

func TestRelay_SendFailureDoesNotAbortFanOut(t *testing.T) {
	r := NewRelay(nil)
	pub, bad, good := newFakeConn(1), newFakeConn(2), newFakeConn(3)

	subscribe(t, r, bad, "bad", "/*")
	subscribe(t, r, good, "good", "/*")
	bad.fail = ErrSendBufferFull

	publish(t, r, pub, "P", "/x")

	if got := good.forwarded(t); len(got) != 1 {
		t.Errorf("good subscriber received %d messages, want 1", len(got))
	}
	if st := r.Stats(); st.SendFailures == 0 {
		t.Error("send failure was not counted")
	}
}

// ============================================================================
// State snapshots
// ============================================================================

func TestRelay_SnapshotAfterEveryMutation(t *testing.T) {
	r := NewRelay(nil)
	a, b := newFakeConn(1), newFakeConn(2)

	subscribe(t, r, a, "A", "/*")
	subscribe(t, r, b, "B", "/*")
	publish(t, r, a, "A", "/z")
	publish(t, r, a, "A", "/y")
	publish(t, r, a, "A", "/z")

	// The publisher gets the snapshot too.
	st, ok := a.lastState(t)
	if !ok {
		t.Fatal("publisher received no state")
	}
	want := map[string][]string{"A": {"/y", "/z"}}
	if !reflect.DeepEqual(st.Clients, want) {
		t.Errorf("state = %v, want %v", st.Clients, want)
	}
	if !reflect.DeepEqual(r.Snapshot().Clients, want) {
		t.Errorf("Snapshot() = %v, want %v", r.Snapshot().Clients, want)
	}
}

func TestRelay_DisconnectRemovesClient(t *testing.T) {
	r := NewRelay(nil)
	a, b := newFakeConn(1), newFakeConn(2)

	publish(t, r, a, "A", "/a")
	publish(t, r, b, "B", "/b")
	r.handleClosed(a)

	st, _ := b.lastState(t)
	if _, present := st.Clients["A"]; present {
		t.Errorf("state after disconnect still lists A: %v", st.Clients)
	}
	if !reflect.DeepEqual(st.Clients["B"], []string{"/b"}) {
		t.Errorf("state B = %v", st.Clients["B"])
	}

	publish(t, r, b, "B", "/c")
	st, _ = b.lastState(t)
	if _, present := st.Clients["A"]; present {
		t.Error("A reappeared without reconnecting")
	}
	if r.registry.Len() != 1 {
		t.Errorf("registry has %d entries, want 1", r.registry.Len())
	}
}

func TestRelay_SubscriberOnlyClientsNotInSnapshot(t *testing.T) {
	r := NewRelay(nil)
	a := newFakeConn(1)
	subscribe(t, r, a, "A", "/*")

	st, ok := a.lastState(t)
	if !ok {
		t.Fatal("subscribe did not broadcast state")
	}
	if len(st.Clients) != 0 {
		t.Errorf("state = %v, want empty", st.Clients)
	}
}

// ============================================================================
// Protocol errors and identity
// ============================================================================

func TestRelay_MalformedEnvelopesDropped(t *testing.T) {
	r := NewRelay(nil)
	a := newFakeConn(1)

	for _, frame := range []string{
		`not json`,
		`{"client_id":"A"}`,
		`{"type":"osc","client_id":"A","args":[]}`,
		`{"type":"osc","address":"/x","args":[]}`,
		`{"type":"state","clients":{}}`,
		`{"type":"hello"}`,
	} {
		r.handleMessage(a, []byte(frame))
	}

	if r.registry.Len() != 0 {
		t.Errorf("registry has %d entries after malformed input", r.registry.Len())
	}
	if got := r.Stats().Rejected; got != 6 {
		t.Errorf("Rejected = %d, want 6", got)
	}

	// The connection keeps working.
	publish(t, r, a, "A", "/ok")
	if r.registry.Len() != 1 {
		t.Error("valid envelope after malformed ones was not processed")
	}
}

func TestRelay_IdentityFixedByFirstEnvelope(t *testing.T) {
	r := NewRelay(nil)
	c := newFakeConn(1)

	subscribe(t, r, c, "A", "/*")
	publish(t, r, c, "B", "/x")

	if _, ok := r.registry.ClientOf(1); !ok {
		t.Fatal("connection lost its binding")
	}
	if id, _ := r.registry.ClientOf(1); id != "A" {
		t.Errorf("connection bound to %q, want A", id)
	}
	if len(r.Snapshot().Clients) != 0 {
		t.Errorf("publish under a foreign id was recorded: %v", r.Snapshot().Clients)
	}
}

func TestRelay_PublishWithoutClientID(t *testing.T) {
	r := NewRelay(nil)
	bound, unbound, sub := newFakeConn(1), newFakeConn(2), newFakeConn(3)

	subscribe(t, r, sub, "S", "/*")
	subscribe(t, r, bound, "A", "/none")
	publish(t, r, bound, "", "/from/bound")
	publish(t, r, unbound, "", "/from/unbound")

	got := sub.forwarded(t)
	if len(got) != 1 || got[0].Address != "/from/bound" {
		t.Fatalf("subscriber received %+v, want only /from/bound", got)
	}
	want := map[string][]string{"A": {"/from/bound"}}
	if clients := r.Snapshot().Clients; !reflect.DeepEqual(clients, want) {
		t.Errorf("snapshot = %v, want %v", clients, want)
	}
	if _, ok := r.registry.ClientOf(2); ok {
		t.Error("unbound connection was bound by an anonymous publish")
	}
	if got := r.Stats().Rejected; got != 1 {
		t.Errorf("Rejected = %d, want 1", got)
	}
}

func TestRelay_DuplicateClientIDDisplacesOldConnection(t *testing.T) {
	obs := &recordingObserver{}
	r := NewRelay(nil, obs)
	oldConn, newConn := newFakeConn(1), newFakeConn(2)

	publish(t, r, oldConn, "A", "/old")
	subscribe(t, r, newConn, "A", "/*")

	if !oldConn.isClosed() {
		t.Error("displaced connection was not closed")
	}
	if id, ok := r.registry.ClientOf(2); !ok || id != "A" {
		t.Errorf("new connection binding = %q, %v", id, ok)
	}
	if len(r.Snapshot().Clients) != 0 {
		t.Errorf("published set survived rebind: %v", r.Snapshot().Clients)
	}

	// The old connection's close must not remove the new binding.
	r.handleClosed(oldConn)
	if r.registry.Len() != 1 {
		t.Errorf("registry has %d entries, want 1", r.registry.Len())
	}

	want := []string{
		"connected:A",
		"relayed:A:/old",
		"disconnected:A",
		"connected:A",
		"subscribed:A",
	}
	if !reflect.DeepEqual(obs.events, want) {
		t.Errorf("observer events = %v, want %v", obs.events, want)
	}
}

func TestRelay_ObserverLifecycle(t *testing.T) {
	obs := &recordingObserver{}
	r := NewRelay(nil, obs)
	c := newFakeConn(1)

	subscribe(t, r, c, "A", "/a")
	publish(t, r, c, "A", "/b")
	r.handleClosed(c)
	// Closing an unbound connection is a no-op.
	r.handleClosed(newFakeConn(9))

	want := []string{"connected:A", "subscribed:A", "relayed:A:/b", "disconnected:A"}
	if !reflect.DeepEqual(obs.events, want) {
		t.Errorf("observer events = %v, want %v", obs.events, want)
	}
	if got := r.Stats().ConnectedClients; got != 0 {
		t.Errorf("ConnectedClients = %d, want 0", got)
	}
}

func TestRelay_DeliverAfterStop(t *testing.T) {
	r := NewRelay(nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := r.Run(ctx); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	err := r.Deliver(newFakeConn(1), []byte(`{}`))
	if !errors.Is(err, ErrRelayStopped) {
		t.Errorf("Deliver() error = %v, want ErrRelayStopped", err)
	}
	// Must not block.
	r.Closed(newFakeConn(1))
}
