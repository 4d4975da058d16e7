package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/nerrad567/netosc/internal/envelope"
)

// Logger is the logging surface the client needs. *logging.Logger satisfies it.
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

// State is the broker connection state.
type State int32

// Connection states.
const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateShuttingDown
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateShuttingDown:
		return "shutting down"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// SupervisorConfig holds the broker connection settings.
type SupervisorConfig struct {
	BrokerURL    string
	ClientID     string
	Topics       []string
	InitialDelay time.Duration
	MaxDelay     time.Duration
	DialTimeout  time.Duration
}

// Status is a point-in-time view of the supervisor.
type Status struct {
	BrokerURL string
	ClientID  string
	State     State
	Topics    []string
}

type commandKind uint8

const (
	cmdForceReconnect commandKind = iota + 1
	cmdSetTopics
	cmdShutdown
)

type command struct {
	kind   commandKind
	topics []string
	reply  chan error
}

type dialResult struct {
	gen       uint64
	transport Transport
	err       error
}

type lostEvent struct {
	gen uint64
	err error
}

// Supervisor owns the broker connection: it dials, subscribes, reconnects
// with backoff after failures and applies operator commands.
//
// All transitions happen on the Run goroutine. Dial attempts and the
// transport reader report back through channels tagged with a generation
// number, so results from a superseded connection are discarded.
type Supervisor struct {
	cfg     SupervisorConfig
	dialer  Dialer
	handler func([]byte)
	logger  Logger
	clock   clock.Clock

	cmds        chan command
	dialResults chan dialResult
	lost        chan lostEvent
	done        chan struct{}

	// Loop-owned.
	backoff    *Backoff
	gen        uint64
	dialCancel context.CancelFunc
	timer      *clock.Timer

	mu        sync.RWMutex
	state     State
	transport Transport
	topics    []string
}

// NewSupervisor creates a supervisor. handler receives every frame read
// from the broker, on the transport reader goroutine.
func NewSupervisor(cfg SupervisorConfig, dialer Dialer, handler func([]byte), logger Logger) *Supervisor {
	if logger == nil {
		logger = noopLogger{}
	}
	if handler == nil {
		handler = func([]byte) {}
	}
	return &Supervisor{
		cfg:         cfg,
		dialer:      dialer,
		handler:     handler,
		logger:      logger,
		clock:       clock.New(),
		cmds:        make(chan command),
		dialResults: make(chan dialResult),
		lost:        make(chan lostEvent),
		done:        make(chan struct{}),
		backoff:     NewBackoff(cfg.InitialDelay, cfg.MaxDelay),
		state:       StateDisconnected,
		topics:      append([]string(nil), cfg.Topics...),
	}
}

// SetClock replaces the clock used for backoff waits. Call before Run.
func (s *Supervisor) SetClock(c clock.Clock) {
	s.clock = c
}

// Run drives the connection until Shutdown is called or ctx is cancelled.
func (s *Supervisor) Run(ctx context.Context) error {
	defer close(s.done)

	s.connect()
	for {
		var timerC <-chan time.Time
		if s.timer != nil {
			timerC = s.timer.C
		}

		select {
		case <-ctx.Done():
			s.shutdown()
			return nil

		case cmd := <-s.cmds:
			switch cmd.kind {
			case cmdShutdown:
				s.shutdown()
				cmd.reply <- nil
				return nil
			case cmdForceReconnect:
				cmd.reply <- s.forceReconnect()
			case cmdSetTopics:
				cmd.reply <- s.applyTopics(cmd.topics)
			}

		case res := <-s.dialResults:
			s.handleDial(res)

		case ev := <-s.lost:
			s.handleLost(ev)

		case <-timerC:
			s.timer = nil
			s.connect()
		}
	}
}

// ForceReconnect drops the current connection, or the remaining backoff
// wait, and dials immediately. It is ignored while a dial is in progress.
func (s *Supervisor) ForceReconnect(ctx context.Context) error {
	return s.do(ctx, command{kind: cmdForceReconnect})
}

// SetTopics replaces the subscription list. When connected, the new list
// is sent to the broker before SetTopics returns.
func (s *Supervisor) SetTopics(ctx context.Context, topics []string) error {
	return s.do(ctx, command{kind: cmdSetTopics, topics: append([]string(nil), topics...)})
}

// Shutdown stops the supervisor: any backoff wait or dial is abandoned and
// the transport is closed. It returns once the Run loop has exited.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	err := s.do(ctx, command{kind: cmdShutdown})
	if err != nil && !errors.Is(err, ErrShuttingDown) {
		return err
	}
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed when Run has exited.
func (s *Supervisor) Done() <-chan struct{} {
	return s.done
}

// Send writes one frame to the broker.
//
// Returns:
//   - ErrNotConnected: no broker connection is up
//   - error: the transport write failed
func (s *Supervisor) Send(ctx context.Context, data []byte) error {
	s.mu.RLock()
	state, t := s.state, s.transport
	s.mu.RUnlock()

	if state != StateConnected || t == nil {
		return ErrNotConnected
	}
	return t.Send(ctx, data)
}

// Status returns the current connection state and subscription list.
func (s *Supervisor) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Status{
		BrokerURL: s.cfg.BrokerURL,
		ClientID:  s.cfg.ClientID,
		State:     s.state,
		Topics:    append([]string(nil), s.topics...),
	}
}

func (s *Supervisor) do(ctx context.Context, cmd command) error {
	cmd.reply = make(chan error, 1)
	select {
	case s.cmds <- cmd:
	case <-s.done:
		return ErrShuttingDown
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-cmd.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Supervisor) setState(state State, t Transport) {
	s.mu.Lock()
	s.state = state
	s.transport = t
	s.mu.Unlock()
}

func (s *Supervisor) currentState() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// connect starts a dial attempt in the background.
func (s *Supervisor) connect() {
	s.gen++
	gen := s.gen
	s.setState(StateConnecting, nil)

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.DialTimeout)
	s.dialCancel = cancel

	s.logger.Info("connecting to broker", "url", s.cfg.BrokerURL, "attempt", s.backoff.Failures()+1)
	go func() {
		t, err := s.dialer.Dial(ctx, s.cfg.BrokerURL)
		select {
		case s.dialResults <- dialResult{gen: gen, transport: t, err: err}:
		case <-s.done:
			if t != nil {
				t.Close()
			}
		}
	}()
}

func (s *Supervisor) handleDial(res dialResult) {
	if res.gen != s.gen {
		if res.transport != nil {
			res.transport.Close()
		}
		return
	}
	if s.dialCancel != nil {
		s.dialCancel()
		s.dialCancel = nil
	}

	if res.err != nil {
		s.scheduleRetry("broker connection failed", res.err)
		return
	}

	s.backoff.Reset()
	s.setState(StateConnected, res.transport)
	s.logger.Info("connected to broker", "url", s.cfg.BrokerURL)
	go s.readLoop(s.gen, res.transport)

	if err := s.sendSubscribe(); err != nil {
		// The reader sees the broken transport and reports it.
		s.logger.Warn("sending subscription failed", "error", err)
	}
}

func (s *Supervisor) handleLost(ev lostEvent) {
	if ev.gen != s.gen || s.currentState() != StateConnected {
		return
	}
	s.mu.RLock()
	t := s.transport
	s.mu.RUnlock()
	//nolint:errcheck // Already broken
	t.Close()
	s.scheduleRetry("broker connection lost", ev.err)
}

// scheduleRetry moves to Disconnected with a backoff timer armed.
func (s *Supervisor) scheduleRetry(reason string, err error) {
	delay := s.backoff.Next()
	s.timer = s.clock.Timer(delay)
	s.setState(StateDisconnected, nil)
	s.logger.Warn(reason,
		"url", s.cfg.BrokerURL,
		"error", err,
		"retry_in", delay.String(),
		"failures", s.backoff.Failures(),
	)
}

func (s *Supervisor) stopTimer() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

func (s *Supervisor) forceReconnect() error {
	switch s.currentState() {
	case StateConnecting:
		s.logger.Info("reconnect ignored, connection attempt in progress")
		return nil
	case StateConnected:
		s.mu.RLock()
		t := s.transport
		s.mu.RUnlock()
		s.setState(StateDisconnected, nil)
		//nolint:errcheck // Replaced by the new connection
		t.Close()
	case StateDisconnected:
		s.stopTimer()
	case StateShuttingDown:
		return ErrShuttingDown
	}
	s.logger.Info("forcing reconnect", "url", s.cfg.BrokerURL)
	s.connect()
	return nil
}

func (s *Supervisor) applyTopics(topics []string) error {
	s.mu.Lock()
	s.topics = topics
	connected := s.state == StateConnected
	s.mu.Unlock()

	s.logger.Info("subscriptions updated", "topics", topics)
	if !connected {
		return nil
	}
	if err := s.sendSubscribe(); err != nil {
		s.logger.Warn("sending subscription failed", "error", err)
		return err
	}
	return nil
}

func (s *Supervisor) sendSubscribe() error {
	s.mu.RLock()
	topics := append([]string(nil), s.topics...)
	s.mu.RUnlock()

	data, err := envelope.Encode(envelope.Subscribe{ClientID: s.cfg.ClientID, Topics: topics})
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeWait)
	defer cancel()
	return s.Send(ctx, data)
}

func (s *Supervisor) readLoop(gen uint64, t Transport) {
	for {
		data, err := t.Receive()
		if err != nil {
			select {
			case s.lost <- lostEvent{gen: gen, err: err}:
			case <-s.done:
			}
			return
		}
		s.handler(data)
	}
}

func (s *Supervisor) shutdown() {
	s.stopTimer()
	if s.dialCancel != nil {
		s.dialCancel()
		s.dialCancel = nil
	}

	s.mu.Lock()
	t := s.transport
	s.state = StateShuttingDown
	s.transport = nil
	s.mu.Unlock()

	if t != nil {
		if err := t.Close(); err != nil {
			s.logger.Debug("closing broker transport", "error", err)
		}
	}
	s.logger.Info("broker connection shut down")
}
