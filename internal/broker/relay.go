package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/nerrad567/netosc/internal/envelope"
)

// defaultEventBuffer is the relay's inbound event queue size.
const defaultEventBuffer = 1024

// Logger is the logging surface the broker needs. *logging.Logger satisfies it.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Observer receives relay lifecycle callbacks. Callbacks run on the relay
// goroutine and must return quickly.
type Observer interface {
	ClientConnected(clientID string)
	ClientSubscribed(clientID string, topics []string)
	MessageRelayed(clientID, address string, args []envelope.Arg, recipients int)
	ClientDisconnected(clientID string)
}

type eventKind uint8

const (
	eventMessage eventKind = iota + 1
	eventClosed
)

type event struct {
	kind eventKind
	conn Conn
	data []byte
}

// Relay is the broker's sequential envelope processor. It owns the
// Registry; every mutation, fan-out and state broadcast for one envelope
// completes before the next event is taken off the queue.
type Relay struct {
	registry  *Registry
	observers []Observer
	logger    Logger

	events chan event
	done   chan struct{}
	once   sync.Once

	latest     atomic.Pointer[envelope.State]
	connected  atomic.Int64
	processed  atomic.Uint64
	rejected   atomic.Uint64
	sendFailed atomic.Uint64
}

// NewRelay creates a relay. Observers are notified in the order given.
func NewRelay(logger Logger, observers ...Observer) *Relay {
	if logger == nil {
		logger = noopLogger{}
	}
	r := &Relay{
		registry:  NewRegistry(),
		observers: observers,
		logger:    logger,
		events:    make(chan event, defaultEventBuffer),
		done:      make(chan struct{}),
	}
	empty := envelope.State{Clients: map[string][]string{}}
	r.latest.Store(&empty)
	return r
}

// Run processes events until ctx is cancelled. It must be called once.
func (r *Relay) Run(ctx context.Context) error {
	defer r.once.Do(func() { close(r.done) })

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-r.events:
			switch ev.kind {
			case eventMessage:
				r.handleMessage(ev.conn, ev.data)
			case eventClosed:
				r.handleClosed(ev.conn)
			}
		}
	}
}

// Deliver queues one inbound frame from conn. It blocks while the queue is
// full, which holds back that connection's reader.
func (r *Relay) Deliver(conn Conn, data []byte) error {
	return r.enqueue(event{kind: eventMessage, conn: conn, data: data})
}

// Closed queues the end of conn.
func (r *Relay) Closed(conn Conn) {
	//nolint:errcheck // Nothing to unregister once the relay has stopped
	r.enqueue(event{kind: eventClosed, conn: conn})
}

func (r *Relay) enqueue(ev event) error {
	select {
	case <-r.done:
		return ErrRelayStopped
	default:
	}
	select {
	case r.events <- ev:
		return nil
	case <-r.done:
		return ErrRelayStopped
	}
}

// Snapshot returns the most recently broadcast state. Safe for concurrent use.
func (r *Relay) Snapshot() envelope.State {
	return *r.latest.Load()
}

// Stats is a point-in-time view of relay counters.
type Stats struct {
	ConnectedClients int64  `json:"connected_clients"`
	Processed        uint64 `json:"processed"`
	Rejected         uint64 `json:"rejected"`
	SendFailures     uint64 `json:"send_failures"`
}

// Stats returns relay counters. Safe for concurrent use.
func (r *Relay) Stats() Stats {
	return Stats{
		ConnectedClients: r.connected.Load(),
		Processed:        r.processed.Load(),
		Rejected:         r.rejected.Load(),
		SendFailures:     r.sendFailed.Load(),
	}
}

func (r *Relay) handleMessage(conn Conn, data []byte) {
	env, err := envelope.Decode(data)
	if err != nil {
		r.reject(conn, err)
		return
	}

	switch e := env.(type) {
	case envelope.Subscribe:
		if !r.bind(conn, e.ClientID) {
			return
		}
		r.registry.SetPatterns(e.ClientID, e.Topics)
		r.processed.Add(1)
		for _, o := range r.observers {
			o.ClientSubscribed(e.ClientID, e.Topics)
		}
		r.logger.Debug("client subscribed", "client_id", e.ClientID, "topics", e.Topics)
		r.broadcastState()

	case envelope.Publish:
		// A publish without client_id takes the identity of its connection;
		// an unbound connection must name itself first.
		if e.ClientID == "" {
			bound, ok := r.registry.ClientOf(conn.ID())
			if !ok {
				r.reject(conn, fmt.Errorf("%w: client_id", envelope.ErrMissingField))
				return
			}
			e.ClientID = bound
		}
		if !r.bind(conn, e.ClientID) {
			return
		}
		r.registry.AddPublished(e.ClientID, e.Address)
		r.processed.Add(1)
		recipients := r.fanOut(e)
		for _, o := range r.observers {
			o.MessageRelayed(e.ClientID, e.Address, e.Args, recipients)
		}
		r.broadcastState()

	case envelope.State:
		r.reject(conn, fmt.Errorf("%w: %s", ErrUnexpectedEnvelope, e.Type()))

	case envelope.Unknown:
		r.rejected.Add(1)
		r.logger.Warn("ignoring envelope with unknown type", "conn", conn.ID(), "type", e.Tag)
	}
}

func (r *Relay) reject(conn Conn, err error) {
	r.rejected.Add(1)
	r.logger.Warn("dropping envelope", "conn", conn.ID(), "error", err)
}

// bind resolves the connection's identity. The first envelope fixes it; a
// different ClientID later on the same connection is rejected. A ClientID
// arriving on a new connection displaces the old one.
func (r *Relay) bind(conn Conn, clientID string) bool {
	if bound, ok := r.registry.ClientOf(conn.ID()); ok {
		if bound != clientID {
			r.reject(conn, fmt.Errorf("%w: bound to %q, got %q", ErrIdentityChanged, bound, clientID))
			return false
		}
		return true
	}

	if displaced := r.registry.Attach(clientID, conn); displaced != nil {
		r.logger.Warn("client id reconnected, closing previous connection",
			"client_id", clientID, "previous_conn", displaced.ID(), "conn", conn.ID())
		for _, o := range r.observers {
			o.ClientDisconnected(clientID)
		}
		displaced.Close()
	} else {
		r.connected.Add(1)
	}
	for _, o := range r.observers {
		o.ClientConnected(clientID)
	}
	r.logger.Info("client connected", "client_id", clientID, "conn", conn.ID())
	return true
}

// fanOut forwards p to every other client with a matching pattern and
// returns how many accepted it.
func (r *Relay) fanOut(p envelope.Publish) int {
	subs := r.registry.Subscribers(p.Address, p.ClientID)
	if len(subs) == 0 {
		return 0
	}

	data, err := envelope.Encode(envelope.Forward(p.Address, p.Args))
	if err != nil {
		r.logger.Error("encoding forwarded message", "address", p.Address, "error", err)
		return 0
	}

	delivered := 0
	for _, s := range subs {
		if r.send(s, data) {
			delivered++
		}
	}
	return delivered
}

func (r *Relay) broadcastState() {
	snap := r.registry.Snapshot()
	r.latest.Store(&snap)

	data, err := envelope.Encode(snap)
	if err != nil {
		r.logger.Error("encoding state snapshot", "error", err)
		return
	}
	for _, s := range r.registry.Connections() {
		r.send(s, data)
	}
}

func (r *Relay) send(s Subscriber, data []byte) bool {
	if err := s.Conn.Send(data); err != nil {
		r.sendFailed.Add(1)
		if errors.Is(err, ErrConnectionClosed) {
			r.logger.Debug("send to closing connection skipped", "client_id", s.ClientID)
		} else {
			r.logger.Warn("send to client failed", "client_id", s.ClientID, "error", err)
		}
		return false
	}
	return true
}

func (r *Relay) handleClosed(conn Conn) {
	id, ok := r.registry.Remove(conn.ID())
	if !ok {
		return
	}
	r.connected.Add(-1)
	for _, o := range r.observers {
		o.ClientDisconnected(id)
	}
	r.logger.Info("client disconnected", "client_id", id, "conn", conn.ID())
	r.broadcastState()
}
