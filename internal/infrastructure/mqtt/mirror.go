package mqtt

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/netosc/internal/envelope"
)

// Publisher is the publishing surface the mirror needs; *Client satisfies it.
type Publisher interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
}

// outbound is one queued MQTT publish.
type outbound struct {
	topic    string
	payload  []byte
	retained bool
}

// Mirror republishes relay activity to MQTT: every relayed OSC message on
// <prefix>/osc/<address>, and each client's presence and subscription list
// as retained messages.
//
// Relay callbacks only enqueue; one worker publishes. A full queue drops
// the publish with a warning so a slow MQTT broker never stalls the relay.
type Mirror struct {
	pub    Publisher
	topics Topics
	qos    byte
	logger Logger

	queue   chan outbound
	done    chan struct{}
	wg      sync.WaitGroup
	once    sync.Once
	dropped atomic.Uint64
}

// NewMirror creates a mirror. Start must be called before events flow.
func NewMirror(pub Publisher, topics Topics, qos byte, queueSize int, logger Logger) *Mirror {
	if queueSize <= 0 {
		queueSize = 1
	}
	return &Mirror{
		pub:    pub,
		topics: topics,
		qos:    qos,
		logger: logger,
		queue:  make(chan outbound, queueSize),
		done:   make(chan struct{}),
	}
}

// Start launches the publish worker.
func (m *Mirror) Start() {
	m.wg.Add(1)
	go m.run()
}

// Close flushes queued publishes and stops the worker.
func (m *Mirror) Close() error {
	m.once.Do(func() { close(m.done) })
	m.wg.Wait()
	return nil
}

// Dropped returns how many publishes were discarded because the queue was full.
func (m *Mirror) Dropped() uint64 {
	return m.dropped.Load()
}

// ClientConnected publishes a retained "connected" presence.
func (m *Mirror) ClientConnected(clientID string) {
	m.enqueue(m.topics.Presence(clientID), presencePayload(clientID, "connected"), true)
}

// ClientSubscribed publishes the client's pattern list, retained.
func (m *Mirror) ClientSubscribed(clientID string, topics []string) {
	if topics == nil {
		topics = []string{}
	}
	data, err := json.Marshal(topics)
	if err != nil {
		m.warn("mqtt mirror: encoding topics failed", "client_id", clientID, "error", err)
		return
	}
	m.enqueue(m.topics.Subscriptions(clientID), data, true)
}

// MessageRelayed publishes the relayed message.
func (m *Mirror) MessageRelayed(clientID, address string, args []envelope.Arg, recipients int) {
	if args == nil {
		args = []envelope.Arg{}
	}
	data, err := json.Marshal(messagePayload{
		ClientID:   clientID,
		Address:    address,
		Args:       args,
		Recipients: recipients,
		Timestamp:  time.Now().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		m.warn("mqtt mirror: encoding message failed", "address", address, "error", err)
		return
	}
	m.enqueue(m.topics.Message(address), data, false)
}

// ClientDisconnected publishes a retained "disconnected" presence.
func (m *Mirror) ClientDisconnected(clientID string) {
	m.enqueue(m.topics.Presence(clientID), presencePayload(clientID, "disconnected"), true)
}

func (m *Mirror) enqueue(topic string, payload []byte, retained bool) {
	select {
	case <-m.done:
		return
	default:
	}

	select {
	case m.queue <- outbound{topic: topic, payload: payload, retained: retained}:
	default:
		m.dropped.Add(1)
		m.warn("mqtt mirror queue full, dropping publish", "topic", topic)
	}
}

func (m *Mirror) run() {
	defer m.wg.Done()

	for {
		select {
		case o := <-m.queue:
			m.publish(o)
		case <-m.done:
			for {
				select {
				case o := <-m.queue:
					m.publish(o)
				default:
					return
				}
			}
		}
	}
}

func (m *Mirror) publish(o outbound) {
	if err := m.pub.Publish(o.topic, o.payload, m.qos, o.retained); err != nil {
		m.warn("mqtt mirror publish failed", "topic", o.topic, "error", err)
	}
}

func (m *Mirror) warn(msg string, args ...any) {
	if m.logger != nil {
		m.logger.Warn(msg, args...)
	}
}

type messagePayload struct {
	ClientID   string         `json:"client_id"`
	Address    string         `json:"address"`
	Args       []envelope.Arg `json:"args"`
	Recipients int            `json:"recipients"`
	Timestamp  string         `json:"timestamp"`
}

type presenceMessage struct {
	ClientID  string `json:"client_id"`
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

func presencePayload(clientID, status string) []byte {
	data, _ := json.Marshal(presenceMessage{ //nolint:errcheck // plain strings always marshal
		ClientID:  clientID,
		Status:    status,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
	return data
}
