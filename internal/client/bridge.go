package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nerrad567/netosc/internal/envelope"
	"github.com/nerrad567/netosc/internal/oscwire"
)

// maxDatagram is the largest UDP payload the bridge reads.
const maxDatagram = 65535

// publishTimeout bounds one broker-bound send.
const publishTimeout = 5 * time.Second

// Sender delivers frames to the broker. *Supervisor satisfies it.
type Sender interface {
	Send(ctx context.Context, data []byte) error
}

// BridgeOptions configures a Bridge.
type BridgeOptions struct {
	// ClientID is stamped on every publish.
	ClientID string

	// ListenAddr is the local UDP host:port OSC producers send to.
	ListenAddr string

	// TargetAddr is the local UDP host:port forwarded messages are replayed to.
	TargetAddr string

	// MaxInFlight caps messages waiting to be sent to the broker. Messages
	// arriving while the queue is full are dropped.
	MaxInFlight int

	// Sender is the broker connection.
	Sender Sender

	// Logger is optional.
	Logger Logger
}

// BridgeStats are the bridge's traffic counters.
type BridgeStats struct {
	PacketsIn   uint64
	Published   uint64
	Dropped     uint64
	Forwarded   uint64
	LocalErrors uint64
}

// Bridge translates between local OSC over UDP and broker envelopes.
//
// Local→broker: decoded messages go through a bounded FIFO drained by one
// tracked sender task, so a slow broker write never stalls the UDP receive
// loop and messages reach the broker in receive order.
// Broker→local: forwarded messages are replayed to the target address and
// state snapshots replace the known-clients cache.
//
// Thread Safety: All exported methods are safe for concurrent use.
type Bridge struct {
	clientID string
	sender   Sender
	logger   Logger

	listenAddr string
	target     *net.UDPAddr
	conn       net.PacketConn

	queue     chan oscwire.Message
	tasks     errgroup.Group
	ctx       context.Context
	ctxCancel context.CancelFunc
	recvDone  chan struct{}
	stopOnce  sync.Once

	knownMu sync.RWMutex
	known   map[string][]string

	packetsIn   atomic.Uint64
	published   atomic.Uint64
	dropped     atomic.Uint64
	forwarded   atomic.Uint64
	localErrors atomic.Uint64
}

// NewBridge validates options and resolves the target address.
// Call Start to bind the UDP socket.
func NewBridge(opts BridgeOptions) (*Bridge, error) {
	if opts.Sender == nil {
		return nil, fmt.Errorf("sender is required")
	}
	if opts.ClientID == "" {
		return nil, fmt.Errorf("client id is required")
	}
	target, err := net.ResolveUDPAddr("udp", opts.TargetAddr)
	if err != nil {
		return nil, fmt.Errorf("resolving osc target %q: %w", opts.TargetAddr, err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = noopLogger{}
	}
	limit := opts.MaxInFlight
	if limit <= 0 {
		limit = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := &Bridge{
		clientID:   opts.ClientID,
		sender:     opts.Sender,
		logger:     logger,
		listenAddr: opts.ListenAddr,
		target:     target,
		ctx:        ctx,
		ctxCancel:  cancel,
		queue:      make(chan oscwire.Message, limit),
		recvDone:   make(chan struct{}),
		known:      map[string][]string{},
	}
	return b, nil
}

// Start binds the listen socket and starts the UDP receive loop and the
// broker sender.
func (b *Bridge) Start() error {
	conn, err := net.ListenPacket("udp", b.listenAddr)
	if err != nil {
		return fmt.Errorf("%w: listening on %s: %w", ErrLocalDelivery, b.listenAddr, err)
	}
	b.conn = conn
	b.logger.Info("osc listening", "address", conn.LocalAddr().String(), "target", b.target.String())

	b.tasks.Go(func() error {
		b.sendLoop()
		return nil
	})
	go b.receiveLoop()
	return nil
}

// LocalAddr returns the bound UDP address, or nil before Start.
func (b *Bridge) LocalAddr() net.Addr {
	if b.conn == nil {
		return nil
	}
	return b.conn.LocalAddr()
}

// Stop closes the UDP socket, abandons queued sends and waits for the
// sender to exit.
func (b *Bridge) Stop() error {
	var err error
	b.stopOnce.Do(func() {
		b.ctxCancel()
		if b.conn != nil {
			err = b.conn.Close()
			<-b.recvDone
		}
		//nolint:errcheck // The sender logs its own failures and always returns nil
		b.tasks.Wait()
		b.logger.Info("osc bridge stopped")
	})
	return err
}

// Stats returns traffic counters.
func (b *Bridge) Stats() BridgeStats {
	return BridgeStats{
		PacketsIn:   b.packetsIn.Load(),
		Published:   b.published.Load(),
		Dropped:     b.dropped.Load(),
		Forwarded:   b.forwarded.Load(),
		LocalErrors: b.localErrors.Load(),
	}
}

// KnownClients returns a copy of the last state snapshot.
func (b *Bridge) KnownClients() map[string][]string {
	b.knownMu.RLock()
	defer b.knownMu.RUnlock()
	out := make(map[string][]string, len(b.known))
	for id, addrs := range b.known {
		out[id] = append([]string(nil), addrs...)
	}
	return out
}

func (b *Bridge) receiveLoop() {
	defer close(b.recvDone)

	buf := make([]byte, maxDatagram)
	for {
		n, from, err := b.conn.ReadFrom(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			b.localErrors.Add(1)
			b.logger.Warn("osc receive failed", "error", fmt.Errorf("%w: %w", ErrLocalDelivery, err))
			continue
		}
		b.packetsIn.Add(1)

		msgs, err := oscwire.Decode(buf[:n])
		if err != nil {
			b.dropped.Add(1)
			b.logger.Warn("dropping osc packet content", "from", from.String(), "error", err)
		}
		for _, m := range msgs {
			b.publish(m)
		}
	}
}

// publish queues one message for the sender, or drops it when the queue
// is full.
func (b *Bridge) publish(m oscwire.Message) {
	select {
	case b.queue <- m:
	default:
		b.dropped.Add(1)
		b.logger.Warn("dropping osc message", "address", m.Address, "error", ErrTooManyInFlight)
	}
}

// sendLoop publishes queued messages one at a time, in order.
func (b *Bridge) sendLoop() {
	for {
		select {
		case <-b.ctx.Done():
			return
		case m := <-b.queue:
			b.send(m)
		}
	}
}

func (b *Bridge) send(m oscwire.Message) {
	data, err := envelope.Encode(envelope.Publish{ClientID: b.clientID, Address: m.Address, Args: m.Args})
	if err != nil {
		b.dropped.Add(1)
		b.logger.Warn("dropping osc message", "address", m.Address, "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(b.ctx, publishTimeout)
	defer cancel()

	if err := b.sender.Send(ctx, data); err != nil {
		b.dropped.Add(1)
		if errors.Is(err, ErrNotConnected) {
			b.logger.Warn("osc received but broker not connected, dropping", "address", m.Address)
		} else {
			b.logger.Warn("publishing to broker failed", "address", m.Address, "error", err)
		}
		return
	}
	b.published.Add(1)
	b.logger.Debug("osc to broker", "address", m.Address, "args", len(m.Args))
}

// HandleBrokerMessage processes one frame received from the broker.
func (b *Bridge) HandleBrokerMessage(data []byte) {
	env, err := envelope.Decode(data)
	if err != nil {
		b.logger.Warn("dropping envelope from broker", "error", err)
		return
	}

	switch e := env.(type) {
	case envelope.Publish:
		b.deliver(e)
	case envelope.State:
		b.knownMu.Lock()
		b.known = e.Clients
		b.knownMu.Unlock()
		b.logger.Debug("state received", "clients", len(e.Clients))
	case envelope.Subscribe:
		b.logger.Warn("ignoring subscribe envelope from broker")
	case envelope.Unknown:
		b.logger.Warn("ignoring envelope with unknown type", "type", e.Tag)
	}
}

// deliver replays a forwarded message to the local target.
func (b *Bridge) deliver(p envelope.Publish) {
	packet, err := oscwire.Encode(p.Address, p.Args)
	if err != nil {
		b.localErrors.Add(1)
		b.logger.Warn("dropping forwarded message", "address", p.Address, "error", err)
		return
	}
	if b.conn == nil {
		b.localErrors.Add(1)
		b.logger.Warn("dropping forwarded message", "address", p.Address, "error", ErrLocalDelivery)
		return
	}
	if _, err := b.conn.WriteTo(packet, b.target); err != nil {
		b.localErrors.Add(1)
		b.logger.Warn("osc send failed", "address", p.Address, "target", b.target.String(),
			"error", fmt.Errorf("%w: %w", ErrLocalDelivery, err))
		return
	}
	b.forwarded.Add(1)
	b.logger.Debug("broker to osc", "address", p.Address, "args", len(p.Args))
}
