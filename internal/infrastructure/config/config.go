package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nerrad567/netosc/internal/topic"
)

// ErrInvalidConfig is wrapped by every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config is the root configuration structure for netOSC.
// Both roles (broker and client) read the same file; each validates only
// the sections it uses.
type Config struct {
	Broker   BrokerConfig   `yaml:"broker"`
	Client   ClientConfig   `yaml:"client"`
	Database DatabaseConfig `yaml:"database"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
	InfluxDB InfluxDBConfig `yaml:"influxdb"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// BrokerConfig contains relay server settings.
type BrokerConfig struct {
	Listen            string          `yaml:"listen"`
	ReadHeaderTimeout int             `yaml:"read_header_timeout"`
	WebSocket         WebSocketConfig `yaml:"websocket"`
}

// WebSocketConfig contains WebSocket endpoint settings.
type WebSocketConfig struct {
	Path           string `yaml:"path"`
	MaxMessageSize int    `yaml:"max_message_size"`
	PingInterval   int    `yaml:"ping_interval"`
	PongTimeout    int    `yaml:"pong_timeout"`
	SendBuffer     int    `yaml:"send_buffer"`
}

// ClientConfig contains bridge settings.
type ClientConfig struct {
	// ID is the client identity. Generated at startup when empty.
	ID          string          `yaml:"client_id"`
	BrokerURL   string          `yaml:"broker_url"`
	OSCListen   string          `yaml:"osc_listen"`
	OSCTarget   string          `yaml:"osc_target"`
	Topics      []string        `yaml:"topics"`
	Reconnect   ReconnectConfig `yaml:"reconnect"`
	DialTimeout int             `yaml:"dial_timeout"`
	MaxInFlight int             `yaml:"max_in_flight"`
	Console     bool            `yaml:"console"`
}

// ReconnectConfig contains backoff settings in seconds.
type ReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
}

// DatabaseConfig contains SQLite session journal settings.
type DatabaseConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// MQTTConfig contains settings for the optional MQTT mirror.
type MQTTConfig struct {
	Enabled     bool                `yaml:"enabled"`
	Broker      MQTTBrokerConfig    `yaml:"broker"`
	Auth        MQTTAuthConfig      `yaml:"auth"`
	QoS         int                 `yaml:"qos"`
	TopicPrefix string              `yaml:"topic_prefix"`
	QueueSize   int                 `yaml:"queue_size"`
	Reconnect   MQTTReconnectConfig `yaml:"reconnect"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTReconnectConfig contains MQTT reconnection settings.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
}

// InfluxDBConfig contains settings for optional relay telemetry.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Load reads configuration and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults), skipped when path is empty
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: NETOSC_SECTION_KEY
// For example: NETOSC_BROKER_LISTEN, NETOSC_CLIENT_BROKER_URL
//
// Only the shared sections are validated here. Callers apply their own
// overrides (command-line flags) and then call ValidateBroker or
// ValidateClient.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}

		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Broker: BrokerConfig{
			Listen:            "127.0.0.1:8765",
			ReadHeaderTimeout: 10,
			WebSocket: WebSocketConfig{
				Path:           "/netOSC",
				MaxMessageSize: 1 << 20,
				PingInterval:   30,
				PongTimeout:    10,
				SendBuffer:     256,
			},
		},
		Client: ClientConfig{
			BrokerURL: "ws://127.0.0.1:8765/netOSC",
			OSCListen: "127.0.0.1:8000",
			OSCTarget: "127.0.0.1:9000",
			Topics:    []string{topic.Universal},
			Reconnect: ReconnectConfig{
				InitialDelay: 2,
				MaxDelay:     30,
			},
			DialTimeout: 10,
			MaxInFlight: 1024,
			Console:     true,
		},
		Database: DatabaseConfig{
			Path:        "./data/netosc.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "netosc-broker",
			},
			QoS:         0,
			TopicPrefix: "netosc",
			QueueSize:   1024,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
		},
		InfluxDB: InfluxDBConfig{
			URL:           "http://localhost:8086",
			Bucket:        "netosc",
			BatchSize:     500,
			FlushInterval: 10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: NETOSC_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	// Broker
	if v := os.Getenv("NETOSC_BROKER_LISTEN"); v != "" {
		cfg.Broker.Listen = v
	}
	if v := os.Getenv("NETOSC_BROKER_PATH"); v != "" {
		cfg.Broker.WebSocket.Path = v
	}

	// Client
	if v := os.Getenv("NETOSC_CLIENT_ID"); v != "" {
		cfg.Client.ID = v
	}
	if v := os.Getenv("NETOSC_CLIENT_BROKER_URL"); v != "" {
		cfg.Client.BrokerURL = v
	}
	if v := os.Getenv("NETOSC_CLIENT_OSC_LISTEN"); v != "" {
		cfg.Client.OSCListen = v
	}
	if v := os.Getenv("NETOSC_CLIENT_OSC_TARGET"); v != "" {
		cfg.Client.OSCTarget = v
	}
	if v := os.Getenv("NETOSC_CLIENT_TOPICS"); v != "" {
		cfg.Client.Topics = topic.ParseList(v)
	}
	if v := os.Getenv("NETOSC_CLIENT_CONSOLE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Client.Console = b
		}
	}

	// Database
	if v := os.Getenv("NETOSC_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// MQTT
	if v := os.Getenv("NETOSC_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("NETOSC_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("NETOSC_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	// InfluxDB
	if v := os.Getenv("NETOSC_INFLUXDB_URL"); v != "" {
		cfg.InfluxDB.URL = v
	}
	if v := os.Getenv("NETOSC_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	// Logging
	if v := os.Getenv("NETOSC_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

// Validate checks the shared sections (logging and the optional adapters).
func (c *Config) Validate() error {
	return c.validate(nil)
}

// ValidateBroker checks the shared sections plus the broker section.
func (c *Config) ValidateBroker() error {
	return c.validate(c.Broker.problems)
}

// ValidateClient checks the shared sections plus the client section.
func (c *Config) ValidateClient() error {
	return c.validate(c.Client.problems)
}

func (c *Config) validate(role func() []string) error {
	var errs []string

	switch strings.ToLower(c.Logging.Format) {
	case "json", "text":
	default:
		errs = append(errs, "logging.format must be json or text")
	}

	if c.Database.Enabled && c.Database.Path == "" {
		errs = append(errs, "database.path is required when the journal is enabled")
	}

	if c.MQTT.Enabled {
		if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
			errs = append(errs, "mqtt.qos must be 0, 1, or 2")
		}
		if c.MQTT.Broker.Host == "" {
			errs = append(errs, "mqtt.broker.host is required")
		}
		if c.MQTT.TopicPrefix == "" {
			errs = append(errs, "mqtt.topic_prefix is required")
		}
	}

	if c.InfluxDB.Enabled {
		if c.InfluxDB.URL == "" {
			errs = append(errs, "influxdb.url is required")
		}
		if c.InfluxDB.Bucket == "" {
			errs = append(errs, "influxdb.bucket is required")
		}
	}

	if role != nil {
		errs = append(errs, role()...)
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(errs, "; "))
	}

	return nil
}

func (b *BrokerConfig) problems() []string {
	var errs []string

	if _, _, err := net.SplitHostPort(b.Listen); err != nil {
		errs = append(errs, fmt.Sprintf("broker.listen %q is not host:port", b.Listen))
	}
	if !strings.HasPrefix(b.WebSocket.Path, "/") {
		errs = append(errs, "broker.websocket.path must start with /")
	}
	if b.WebSocket.MaxMessageSize <= 0 {
		errs = append(errs, "broker.websocket.max_message_size must be positive")
	}
	if b.WebSocket.PingInterval <= 0 || b.WebSocket.PongTimeout <= 0 {
		errs = append(errs, "broker.websocket ping_interval and pong_timeout must be positive")
	}
	if b.WebSocket.SendBuffer <= 0 {
		errs = append(errs, "broker.websocket.send_buffer must be positive")
	}

	return errs
}

func (c *ClientConfig) problems() []string {
	var errs []string

	u, err := url.Parse(c.BrokerURL)
	switch {
	case err != nil || c.BrokerURL == "":
		errs = append(errs, fmt.Sprintf("client.broker_url %q is not a valid URL", c.BrokerURL))
	case u.Scheme != "ws" && u.Scheme != "wss":
		errs = append(errs, "client.broker_url scheme must be ws or wss")
	case u.Host == "":
		errs = append(errs, "client.broker_url must include a host")
	}

	if _, _, err := net.SplitHostPort(c.OSCListen); err != nil {
		errs = append(errs, fmt.Sprintf("client.osc_listen %q is not host:port", c.OSCListen))
	}
	if _, _, err := net.SplitHostPort(c.OSCTarget); err != nil {
		errs = append(errs, fmt.Sprintf("client.osc_target %q is not host:port", c.OSCTarget))
	}
	if len(c.Topics) == 0 {
		errs = append(errs, "client.topics must not be empty")
	}

	if c.Reconnect.InitialDelay <= 0 || c.Reconnect.MaxDelay <= 0 {
		errs = append(errs, "client.reconnect delays must be positive")
	} else if c.Reconnect.InitialDelay > c.Reconnect.MaxDelay {
		errs = append(errs, "client.reconnect.initial_delay must not exceed max_delay")
	}
	if c.DialTimeout <= 0 {
		errs = append(errs, "client.dial_timeout must be positive")
	}
	if c.MaxInFlight <= 0 {
		errs = append(errs, "client.max_in_flight must be positive")
	}

	return errs
}

// PingPeriod returns the WebSocket ping interval as a Duration.
func (w WebSocketConfig) PingPeriod() time.Duration {
	return time.Duration(w.PingInterval) * time.Second
}

// PongWait returns how long to wait for any frame after a ping.
func (w WebSocketConfig) PongWait() time.Duration {
	return time.Duration(w.PingInterval+w.PongTimeout) * time.Second
}

// GetReadHeaderTimeout returns the HTTP read-header timeout as a Duration.
func (b BrokerConfig) GetReadHeaderTimeout() time.Duration {
	return time.Duration(b.ReadHeaderTimeout) * time.Second
}

// Initial returns the first reconnect delay as a Duration.
func (r ReconnectConfig) Initial() time.Duration {
	return time.Duration(r.InitialDelay) * time.Second
}

// Max returns the reconnect delay cap as a Duration.
func (r ReconnectConfig) Max() time.Duration {
	return time.Duration(r.MaxDelay) * time.Second
}

// GetDialTimeout returns the WebSocket dial timeout as a Duration.
func (c ClientConfig) GetDialTimeout() time.Duration {
	return time.Duration(c.DialTimeout) * time.Second
}
