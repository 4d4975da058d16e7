// netOSC relays OSC messages between sites over a WebSocket broker.
//
// One binary, two roles:
//   - netosc broker: accepts client connections, matches addresses against
//     each client's topic patterns and fans messages out
//   - netosc client: bridges a local OSC/UDP port to the broker, with
//     automatic reconnection and an operator console on stdin
//
// Configuration is read from the YAML file named by --config or
// NETOSC_CONFIG, then overridden by NETOSC_* variables and command flags.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"github.com/nerrad567/netosc/internal/broker"
	"github.com/nerrad567/netosc/internal/client"
	"github.com/nerrad567/netosc/internal/infrastructure/config"
	"github.com/nerrad567/netosc/internal/infrastructure/database"
	"github.com/nerrad567/netosc/internal/infrastructure/influxdb"
	"github.com/nerrad567/netosc/internal/infrastructure/logging"
	"github.com/nerrad567/netosc/internal/infrastructure/mqtt"
	"github.com/nerrad567/netosc/internal/journal"
	"github.com/nerrad567/netosc/internal/topic"
	"github.com/nerrad567/netosc/migrations"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// journalQueueSize bounds the session journal's pending event queue.
const journalQueueSize = 1024

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := newRootCommand(os.Stdin, os.Stdout).ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		cancel()
		os.Exit(1)
	}
}

// rootOptions are the flags shared by every subcommand.
type rootOptions struct {
	configPath string
}

func newRootCommand(in io.Reader, out io.Writer) *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:           "netosc",
		Short:         "OSC over WebSocket relay",
		Long:          "netosc relays Open Sound Control messages between sites through a WebSocket broker.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "YAML config file (default $NETOSC_CONFIG)")

	root.AddCommand(newBrokerCommand(opts))
	root.AddCommand(newClientCommand(opts, in, out))
	root.AddCommand(newVersionCommand(out))
	return root
}

// loadConfig resolves the config path and loads it. An empty path means
// defaults plus environment overrides.
func (o *rootOptions) loadConfig() (*config.Config, error) {
	path := o.configPath
	if path == "" {
		path = os.Getenv("NETOSC_CONFIG")
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return cfg, nil
}

func newVersionCommand(out io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Fprintf(out, "netosc %s (commit %s, built %s)\n", version, commit, date)
		},
	}
}

// ============================================================================
// Broker
// ============================================================================

func newBrokerCommand(opts *rootOptions) *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "broker",
		Short: "Run the relay broker",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("listen") {
				cfg.Broker.Listen = listen
			}
			if err := cfg.ValidateBroker(); err != nil {
				return err
			}

			log := logging.New(cfg.Logging, version)
			return runBroker(cmd.Context(), cfg, log)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "host:port to listen on")
	return cmd
}

// runBroker wires the optional observers into the relay and serves until
// ctx is cancelled.
//
// Shutdown runs in reverse start order: the server stops first so no
// observer receives events after it is closed.
func runBroker(ctx context.Context, cfg *config.Config, log *logging.Logger) (err error) {
	log.Info("starting netOSC broker",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	var (
		stack     cleanupStack
		observers []broker.Observer
		sessions  broker.SessionLister
		checks    = make(map[string]broker.HealthChecker)
	)
	defer func() {
		err = multierr.Append(err, stack.run(log))
	}()

	if cfg.Database.Enabled {
		db, openErr := database.Open(cfg.Database)
		if openErr != nil {
			return fmt.Errorf("opening database: %w", openErr)
		}
		stack.push("database", db.Close)

		if migrateErr := db.Migrate(ctx, migrations.FS); migrateErr != nil {
			return fmt.Errorf("running migrations: %w", migrateErr)
		}

		repo := journal.NewSQLiteRepository(db.DB)
		recorder := journal.NewRecorder(repo, journalQueueSize, log.With("component", "journal"))
		if startErr := recorder.Start(ctx); startErr != nil {
			return fmt.Errorf("starting session journal: %w", startErr)
		}
		stack.push("session journal", recorder.Close)

		observers = append(observers, recorder)
		sessions = repo
		checks["database"] = db
		log.Info("session journal enabled", "path", db.Path())
	}

	if cfg.MQTT.Enabled {
		mqttClient, connErr := mqtt.Connect(cfg.MQTT)
		if connErr != nil {
			return fmt.Errorf("connecting to MQTT: %w", connErr)
		}
		mqttClient.SetLogger(log.With("component", "mqtt"))
		stack.push("mqtt", mqttClient.Close)

		mirror := mqtt.NewMirror(mqttClient, mqttClient.Topics(), byte(cfg.MQTT.QoS), cfg.MQTT.QueueSize, log.With("component", "mqtt"))
		mirror.Start()
		stack.push("mqtt mirror", mirror.Close)

		observers = append(observers, mirror)
		checks["mqtt"] = mqttClient
		log.Info("MQTT mirror enabled",
			"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
			"prefix", cfg.MQTT.TopicPrefix,
		)
	}

	if cfg.InfluxDB.Enabled {
		influxClient, connErr := influxdb.Connect(cfg.InfluxDB)
		if connErr != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", connErr)
		}
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		stack.push("influxdb", func() error {
			if n := influxClient.WriteErrors(); n > 0 {
				log.Warn("InfluxDB batches lost during run", "write_errors", n)
			}
			return influxClient.Close()
		})

		observers = append(observers, influxdb.NewTelemetry(influxClient))
		checks["influxdb"] = influxClient
		log.Info("InfluxDB telemetry enabled", "url", cfg.InfluxDB.URL, "bucket", cfg.InfluxDB.Bucket)
	}

	results, err := broker.CheckHealth(ctx, checks)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	if len(results) > 0 {
		log.Info("health check passed", "adapters", len(results))
	}

	srv, err := broker.New(broker.Deps{
		Config:    cfg.Broker,
		Logger:    log.With("component", "broker"),
		Observers: observers,
		Sessions:  sessions,
		Checks:    checks,
		Version:   version,
	})
	if err != nil {
		return fmt.Errorf("creating broker: %w", err)
	}
	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("starting broker: %w", err)
	}
	stack.push("broker", srv.Close)

	log.Info("initialisation complete, waiting for shutdown signal")
	if err := srv.Wait(); err != nil {
		return err
	}
	log.Info("netOSC broker stopped")
	return nil
}

// cleanupStack runs close functions in reverse registration order and
// aggregates their errors.
type cleanupStack struct {
	names []string
	funcs []func() error
}

func (s *cleanupStack) push(name string, fn func() error) {
	s.names = append(s.names, name)
	s.funcs = append(s.funcs, fn)
}

func (s *cleanupStack) run(log *logging.Logger) error {
	var err error
	for i := len(s.funcs) - 1; i >= 0; i-- {
		log.Info("closing " + s.names[i])
		if closeErr := s.funcs[i](); closeErr != nil {
			log.Error("error closing "+s.names[i], "error", closeErr)
			err = multierr.Append(err, fmt.Errorf("closing %s: %w", s.names[i], closeErr))
		}
	}
	return err
}

// ============================================================================
// Client
// ============================================================================

// clientFlags are the client command's overrides of the config file.
type clientFlags struct {
	id        string
	brokerURL string
	oscListen string
	oscTarget string
	topics    string
	console   bool
}

func newClientCommand(opts *rootOptions, in io.Reader, out io.Writer) *cobra.Command {
	var f clientFlags

	cmd := &cobra.Command{
		Use:   "client",
		Short: "Bridge a local OSC port to the broker",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			f.apply(cmd, &cfg.Client)
			if err := cfg.ValidateClient(); err != nil {
				return err
			}

			log := logging.New(cfg.Logging, version)
			return runClient(cmd.Context(), cfg, log, in, out)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&f.id, "client-id", "", "client identity (default: random UUID)")
	flags.StringVar(&f.brokerURL, "broker-url", "", "broker WebSocket URL, e.g. ws://host:8765/netOSC")
	flags.StringVar(&f.oscListen, "osc-listen", "", "local UDP host:port to receive OSC on")
	flags.StringVar(&f.oscTarget, "osc-target", "", "local UDP host:port to replay forwarded OSC to")
	flags.StringVar(&f.topics, "topics", "", "comma-separated topic patterns, e.g. /mixer/*,/cue")
	flags.BoolVar(&f.console, "console", true, "read operator commands from stdin")
	return cmd
}

func (f *clientFlags) apply(cmd *cobra.Command, cfg *config.ClientConfig) {
	changed := cmd.Flags().Changed
	if changed("client-id") {
		cfg.ID = f.id
	}
	if changed("broker-url") {
		cfg.BrokerURL = f.brokerURL
	}
	if changed("osc-listen") {
		cfg.OSCListen = f.oscListen
	}
	if changed("osc-target") {
		cfg.OSCTarget = f.oscTarget
	}
	if changed("topics") {
		cfg.Topics = topic.ParseList(f.topics)
	}
	if changed("console") {
		cfg.Console = f.console
	}
}

// runClient starts the OSC bridge and the broker supervisor, plus the
// console when enabled, and runs until ctx is cancelled or the operator
// exits.
func runClient(ctx context.Context, cfg *config.Config, log *logging.Logger, in io.Reader, out io.Writer) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	clientID := cfg.Client.ID
	if clientID == "" {
		clientID = uuid.NewString()
	}
	log.Info("starting netOSC client",
		"version", version,
		"client_id", clientID,
		"broker_url", cfg.Client.BrokerURL,
	)

	var bridge *client.Bridge
	sup := client.NewSupervisor(client.SupervisorConfig{
		BrokerURL:    cfg.Client.BrokerURL,
		ClientID:     clientID,
		Topics:       cfg.Client.Topics,
		InitialDelay: cfg.Client.Reconnect.Initial(),
		MaxDelay:     cfg.Client.Reconnect.Max(),
		DialTimeout:  cfg.Client.GetDialTimeout(),
	}, client.WebSocketDialer{}, func(data []byte) {
		bridge.HandleBrokerMessage(data)
	}, log.With("component", "supervisor"))

	bridge, err := client.NewBridge(client.BridgeOptions{
		ClientID:    clientID,
		ListenAddr:  cfg.Client.OSCListen,
		TargetAddr:  cfg.Client.OSCTarget,
		MaxInFlight: cfg.Client.MaxInFlight,
		Sender:      sup,
		Logger:      log.With("component", "bridge"),
	})
	if err != nil {
		return fmt.Errorf("creating osc bridge: %w", err)
	}
	if err := bridge.Start(); err != nil {
		return fmt.Errorf("starting osc bridge: %w", err)
	}

	go func() {
		//nolint:errcheck // Run only returns nil
		sup.Run(ctx)
	}()

	if cfg.Client.Console {
		console := client.NewConsole(in, out, sup, bridge, cancel)
		go func() {
			if err := console.Run(ctx); err != nil {
				log.Warn("console stopped", "error", err)
			}
		}()
	}

	<-ctx.Done()
	log.Info("shutdown requested, cleaning up")

	<-sup.Done()
	if err := bridge.Stop(); err != nil {
		return fmt.Errorf("stopping osc bridge: %w", err)
	}

	stats := bridge.Stats()
	log.Info("netOSC client stopped",
		"packets_in", stats.PacketsIn,
		"published", stats.Published,
		"forwarded", stats.Forwarded,
		"dropped", stats.Dropped,
	)
	return nil
}
