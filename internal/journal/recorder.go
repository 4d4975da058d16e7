package journal

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/nerrad567/netosc/internal/envelope"
)

// writeTimeout bounds each database write made by the recorder worker.
const writeTimeout = 5 * time.Second

// Logger is the logging surface the recorder needs.
type Logger interface {
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

type eventKind uint8

const (
	eventConnected eventKind = iota + 1
	eventSubscribed
	eventRelayed
	eventDisconnected
)

type event struct {
	kind       eventKind
	clientID   string
	topics     []string
	recipients int
	at         time.Time
}

// Recorder turns relay lifecycle callbacks into session rows. Callbacks
// only enqueue; a single worker goroutine performs the writes, so the
// relay loop never waits on SQLite. When the queue is full the event is
// dropped and counted.
type Recorder struct {
	repo   *SQLiteRepository
	logger Logger
	clock  clock.Clock

	queue   chan event
	done    chan struct{}
	wg      sync.WaitGroup
	once    sync.Once
	dropped atomic.Uint64

	// open maps ClientID to the current session ID. Worker-owned.
	open map[string]string
}

// NewRecorder creates a recorder with the given queue capacity. Call Start
// before use and Close on shutdown.
func NewRecorder(repo *SQLiteRepository, queueSize int, logger Logger) *Recorder {
	if logger == nil {
		logger = noopLogger{}
	}
	if queueSize <= 0 {
		queueSize = 1
	}
	return &Recorder{
		repo:   repo,
		logger: logger,
		clock:  clock.New(),
		queue:  make(chan event, queueSize),
		done:   make(chan struct{}),
		open:   make(map[string]string),
	}
}

// SetClock replaces the time source. Must be called before Start.
func (r *Recorder) SetClock(c clock.Clock) {
	r.clock = c
}

// Start closes sessions left open by a previous run and launches the worker.
func (r *Recorder) Start(ctx context.Context) error {
	n, err := r.repo.CloseDangling(ctx, r.clock.Now())
	if err != nil {
		return err
	}
	if n > 0 {
		r.logger.Warn("closed sessions left open by previous run", "count", n)
	}

	r.wg.Add(1)
	go r.run()
	return nil
}

// Close stops accepting events, drains the queue and waits for the worker.
func (r *Recorder) Close() error {
	r.once.Do(func() { close(r.done) })
	r.wg.Wait()
	return nil
}

// Dropped returns how many events were discarded because the queue was full.
func (r *Recorder) Dropped() uint64 {
	return r.dropped.Load()
}

// ClientConnected opens a session.
func (r *Recorder) ClientConnected(clientID string) {
	r.enqueue(event{kind: eventConnected, clientID: clientID})
}

// ClientSubscribed records the client's current pattern list.
func (r *Recorder) ClientSubscribed(clientID string, topics []string) {
	r.enqueue(event{kind: eventSubscribed, clientID: clientID, topics: append([]string(nil), topics...)})
}

// MessageRelayed counts one published message and its recipients.
func (r *Recorder) MessageRelayed(clientID, _ string, _ []envelope.Arg, recipients int) {
	r.enqueue(event{kind: eventRelayed, clientID: clientID, recipients: recipients})
}

// ClientDisconnected closes the session.
func (r *Recorder) ClientDisconnected(clientID string) {
	r.enqueue(event{kind: eventDisconnected, clientID: clientID})
}

func (r *Recorder) enqueue(ev event) {
	ev.at = r.clock.Now()

	select {
	case <-r.done:
		return
	default:
	}

	select {
	case r.queue <- ev:
	default:
		r.dropped.Add(1)
		r.logger.Warn("journal queue full, dropping event", "client_id", ev.clientID)
	}
}

func (r *Recorder) run() {
	defer r.wg.Done()

	for {
		select {
		case ev := <-r.queue:
			r.apply(ev)
		case <-r.done:
			r.drain()
			return
		}
	}
}

// drain applies whatever is still queued, then closes every open session.
func (r *Recorder) drain() {
	for {
		select {
		case ev := <-r.queue:
			r.apply(ev)
		default:
			now := r.clock.Now()
			for clientID := range r.open {
				r.apply(event{kind: eventDisconnected, clientID: clientID, at: now})
			}
			return
		}
	}
}

func (r *Recorder) apply(ev event) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	var err error
	switch ev.kind {
	case eventConnected:
		if id, ok := r.open[ev.clientID]; ok {
			if err := r.repo.Close(ctx, id, ev.at); err != nil {
				r.logger.Error("journal write failed", "client_id", ev.clientID, "error", err)
			}
		}
		s := &Session{ClientID: ev.clientID, ConnectedAt: ev.at}
		if err = r.repo.Open(ctx, s); err == nil {
			r.open[ev.clientID] = s.ID
		}
	case eventSubscribed:
		if id, ok := r.open[ev.clientID]; ok {
			err = r.repo.SetTopics(ctx, id, ev.topics)
		}
	case eventRelayed:
		if id, ok := r.open[ev.clientID]; ok {
			err = r.repo.AddTraffic(ctx, id, 1, ev.recipients)
		}
	case eventDisconnected:
		if id, ok := r.open[ev.clientID]; ok {
			delete(r.open, ev.clientID)
			err = r.repo.Close(ctx, id, ev.at)
		}
	}

	if err != nil {
		r.logger.Error("journal write failed", "client_id", ev.clientID, "error", err)
	}
}
