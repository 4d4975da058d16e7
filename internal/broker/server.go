package broker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/sync/errgroup"

	"github.com/nerrad567/netosc/internal/infrastructure/config"
	"github.com/nerrad567/netosc/internal/journal"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight HTTP
// requests during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// SessionLister reads the session journal. *journal.SQLiteRepository satisfies it.
type SessionLister interface {
	List(ctx context.Context, filter journal.Filter) (*journal.ListResult, error)
}

// Deps holds the dependencies of a broker Server.
type Deps struct {
	Config    config.BrokerConfig
	Logger    Logger
	Observers []Observer               // extra relay observers (journal, MQTT, InfluxDB)
	Sessions  SessionLister            // optional: enables /api/v1/sessions
	Checks    map[string]HealthChecker // adapter checks reported by /api/v1/health
	Version   string
}

// Server is the netOSC broker: the relay loop, the WebSocket hub and the
// operator HTTP surface on one listener.
//
// Lifecycle:
//
//	srv, err := broker.New(deps)
//	if err := srv.Start(ctx); err != nil { ... }
//	defer srv.Close()
type Server struct {
	cfg      config.BrokerConfig
	logger   Logger
	version  string
	sessions SessionLister
	checks   map[string]HealthChecker

	relay   *Relay
	hub     *Hub
	metrics *Metrics

	http     *http.Server
	listener net.Listener
	group    *errgroup.Group
	cancel   context.CancelFunc

	startedAt time.Time
}

// New creates a broker server. Prometheus metrics are always observed.
//
// Parameters:
//   - deps: configuration, logger and optional observers/session source
//
// Returns:
//   - *Server: Configured server ready to start
//   - error: If the configuration is unusable
func New(deps Deps) (*Server, error) {
	if deps.Config.Listen == "" {
		return nil, fmt.Errorf("%w: listen address is required", config.ErrInvalidConfig)
	}
	if deps.Config.WebSocket.Path == "" {
		return nil, fmt.Errorf("%w: websocket path is required", config.ErrInvalidConfig)
	}
	logger := deps.Logger
	if logger == nil {
		logger = noopLogger{}
	}

	metrics := NewMetrics()
	observers := append([]Observer{metrics}, deps.Observers...)
	relay := NewRelay(logger, observers...)

	return &Server{
		cfg:      deps.Config,
		logger:   logger,
		version:  deps.Version,
		sessions: deps.Sessions,
		checks:   deps.Checks,
		relay:    relay,
		hub:      NewHub(deps.Config.WebSocket, relay, logger),
		metrics:  metrics,
	}, nil
}

// Handler builds the HTTP router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)

	r.Get(s.cfg.WebSocket.Path, s.hub.ServeHTTP)
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/state", s.handleState)
		r.Get("/sessions", s.handleListSessions)
	})

	return r
}

// Start binds the listener and runs the relay and HTTP server in the
// background. Cancelling ctx has the same effect as Close.
//
// Returns:
//   - error: If the listen address cannot be bound
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.Listen, err)
	}
	s.listener = ln
	s.startedAt = time.Now()

	s.http = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: s.cfg.GetReadHeaderTimeout(),
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	g, gctx := errgroup.WithContext(runCtx)
	s.group = g

	g.Go(func() error {
		return s.relay.Run(gctx)
	})
	g.Go(func() error {
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serving http: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		return s.shutdown()
	})

	s.logger.Info("broker listening",
		"address", ln.Addr().String(),
		"websocket_path", s.cfg.WebSocket.Path,
	)
	return nil
}

// Addr returns the bound listen address, or "" before Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Wait blocks until the server stops and returns the first run error.
func (s *Server) Wait() error {
	if s.group == nil {
		return ErrNotStarted
	}
	return s.group.Wait()
}

// Close stops accepting connections, closes every client connection and
// stops the relay.
func (s *Server) Close() error {
	if s.group == nil {
		return nil
	}
	s.cancel()
	return s.group.Wait()
}

func (s *Server) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("broker shutting down")
	err := s.http.Shutdown(ctx)
	// Hijacked WebSocket connections are not covered by Shutdown.
	s.hub.CloseAll()
	if err != nil {
		return fmt.Errorf("shutting down http server: %w", err)
	}
	return nil
}
