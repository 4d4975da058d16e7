package config

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"
)

func TestLoad_ValidConfig(t *testing.T) {
	content := `
broker:
  listen: "0.0.0.0:9876"
  websocket:
    path: "/relay"
client:
  client_id: "stage-left"
  broker_url: "wss://relay.example.net/netOSC"
  topics: ["/mixer/*", "/transport/play"]
  reconnect:
    initial_delay: 1
    max_delay: 8
database:
  enabled: true
  path: "/tmp/test.db"
logging:
  level: "debug"
  format: "json"
`
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(configPath, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Broker.Listen != "0.0.0.0:9876" {
		t.Errorf("Broker.Listen = %q, want %q", cfg.Broker.Listen, "0.0.0.0:9876")
	}
	if cfg.Broker.WebSocket.Path != "/relay" {
		t.Errorf("Broker.WebSocket.Path = %q, want %q", cfg.Broker.WebSocket.Path, "/relay")
	}
	// Unset keys keep their defaults.
	if cfg.Broker.WebSocket.SendBuffer != 256 {
		t.Errorf("Broker.WebSocket.SendBuffer = %d, want 256", cfg.Broker.WebSocket.SendBuffer)
	}
	if cfg.Client.ID != "stage-left" {
		t.Errorf("Client.ID = %q, want %q", cfg.Client.ID, "stage-left")
	}
	if !reflect.DeepEqual(cfg.Client.Topics, []string{"/mixer/*", "/transport/play"}) {
		t.Errorf("Client.Topics = %v", cfg.Client.Topics)
	}
	if got := cfg.Client.Reconnect.Max(); got != 8*time.Second {
		t.Errorf("Client.Reconnect.Max() = %v, want 8s", got)
	}
	if !cfg.Database.Enabled || cfg.Database.Path != "/tmp/test.db" {
		t.Errorf("Database = %+v", cfg.Database)
	}

	if err := cfg.ValidateBroker(); err != nil {
		t.Errorf("ValidateBroker() error = %v", err)
	}
	if err := cfg.ValidateClient(); err != nil {
		t.Errorf("ValidateClient() error = %v", err)
	}
}

func TestLoad_NoFileUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load(\"\") error = %v", err)
	}
	if cfg.Client.BrokerURL != "ws://127.0.0.1:8765/netOSC" {
		t.Errorf("Client.BrokerURL = %q", cfg.Client.BrokerURL)
	}
	if err := cfg.ValidateClient(); err != nil {
		t.Errorf("defaults should validate for the client: %v", err)
	}
	if err := cfg.ValidateBroker(); err != nil {
		t.Errorf("defaults should validate for the broker: %v", err)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	if err == nil {
		t.Error("Load() expected error for missing file, got nil")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(configPath, []byte("invalid: [yaml: content"), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	_, err := Load(configPath)
	if err == nil {
		t.Error("Load() expected error for invalid YAML, got nil")
	}
}

func TestLoad_ValidationFailure(t *testing.T) {
	content := `
mqtt:
  enabled: true
  qos: 5
`
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(configPath, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	_, err := Load(configPath)
	if !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("Load() error = %v, want ErrInvalidConfig", err)
	}
}

func TestConfig_ValidateClient(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "defaults", mutate: func(*Config) {}, wantErr: false},
		{name: "http scheme", mutate: func(c *Config) { c.Client.BrokerURL = "http://host/netOSC" }, wantErr: true},
		{name: "empty url", mutate: func(c *Config) { c.Client.BrokerURL = "" }, wantErr: true},
		{name: "wss scheme", mutate: func(c *Config) { c.Client.BrokerURL = "wss://host/netOSC" }, wantErr: false},
		{name: "bad listen", mutate: func(c *Config) { c.Client.OSCListen = "8000" }, wantErr: true},
		{name: "bad target", mutate: func(c *Config) { c.Client.OSCTarget = "" }, wantErr: true},
		{name: "no topics", mutate: func(c *Config) { c.Client.Topics = nil }, wantErr: true},
		{name: "zero delay", mutate: func(c *Config) { c.Client.Reconnect.InitialDelay = 0 }, wantErr: true},
		{name: "initial above max", mutate: func(c *Config) { c.Client.Reconnect.InitialDelay = 60 }, wantErr: true},
		{name: "zero in flight", mutate: func(c *Config) { c.Client.MaxInFlight = 0 }, wantErr: true},
		{name: "bad log format", mutate: func(c *Config) { c.Logging.Format = "xml" }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(cfg)
			err := cfg.ValidateClient()
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateClient() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("ValidateClient() error = %v, want ErrInvalidConfig", err)
			}
		})
	}
}

func TestConfig_ValidateBroker(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "defaults", mutate: func(*Config) {}, wantErr: false},
		{name: "port only", mutate: func(c *Config) { c.Broker.Listen = ":8765" }, wantErr: false},
		{name: "no port", mutate: func(c *Config) { c.Broker.Listen = "localhost" }, wantErr: true},
		{name: "relative path", mutate: func(c *Config) { c.Broker.WebSocket.Path = "netOSC" }, wantErr: true},
		{name: "zero buffer", mutate: func(c *Config) { c.Broker.WebSocket.SendBuffer = 0 }, wantErr: true},
		{name: "journal without path", mutate: func(c *Config) {
			c.Database.Enabled = true
			c.Database.Path = ""
		}, wantErr: true},
		{name: "influx without bucket", mutate: func(c *Config) {
			c.InfluxDB.Enabled = true
			c.InfluxDB.Bucket = ""
		}, wantErr: true},
		// Client problems do not affect the broker.
		{name: "client broken", mutate: func(c *Config) { c.Client.BrokerURL = "" }, wantErr: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(cfg)
			err := cfg.ValidateBroker()
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateBroker() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestConfig_Durations(t *testing.T) {
	cfg := Defaults()

	if got := cfg.Broker.WebSocket.PingPeriod(); got != 30*time.Second {
		t.Errorf("PingPeriod() = %v, want 30s", got)
	}
	if got := cfg.Broker.WebSocket.PongWait(); got != 40*time.Second {
		t.Errorf("PongWait() = %v, want 40s", got)
	}
	if got := cfg.Client.Reconnect.Initial(); got != 2*time.Second {
		t.Errorf("Reconnect.Initial() = %v, want 2s", got)
	}
	if got := cfg.Client.GetDialTimeout(); got != 10*time.Second {
		t.Errorf("GetDialTimeout() = %v, want 10s", got)
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	cfg := Defaults()

	t.Setenv("NETOSC_BROKER_LISTEN", "0.0.0.0:1234")
	t.Setenv("NETOSC_CLIENT_ID", "env-client")
	t.Setenv("NETOSC_CLIENT_BROKER_URL", "ws://relay:1234/netOSC")
	t.Setenv("NETOSC_CLIENT_TOPICS", "/a, /b/*")
	t.Setenv("NETOSC_CLIENT_CONSOLE", "false")
	t.Setenv("NETOSC_DATABASE_PATH", "/custom/path.db")
	t.Setenv("NETOSC_MQTT_HOST", "mqtt.example.com")
	t.Setenv("NETOSC_MQTT_PASSWORD", "testpass")
	t.Setenv("NETOSC_INFLUXDB_TOKEN", "secret-token")
	t.Setenv("NETOSC_LOG_LEVEL", "debug")

	applyEnvOverrides(cfg)

	if cfg.Broker.Listen != "0.0.0.0:1234" {
		t.Errorf("Broker.Listen = %q", cfg.Broker.Listen)
	}
	if cfg.Client.ID != "env-client" {
		t.Errorf("Client.ID = %q", cfg.Client.ID)
	}
	if cfg.Client.BrokerURL != "ws://relay:1234/netOSC" {
		t.Errorf("Client.BrokerURL = %q", cfg.Client.BrokerURL)
	}
	if !reflect.DeepEqual(cfg.Client.Topics, []string{"/a", "/b/*"}) {
		t.Errorf("Client.Topics = %v", cfg.Client.Topics)
	}
	if cfg.Client.Console {
		t.Error("Client.Console should be false")
	}
	if cfg.Database.Path != "/custom/path.db" {
		t.Errorf("Database.Path = %q", cfg.Database.Path)
	}
	if cfg.MQTT.Broker.Host != "mqtt.example.com" || cfg.MQTT.Auth.Password != "testpass" {
		t.Errorf("MQTT = %+v", cfg.MQTT)
	}
	if cfg.InfluxDB.Token != "secret-token" {
		t.Errorf("InfluxDB.Token = %q", cfg.InfluxDB.Token)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %q", cfg.Logging.Level)
	}
}

func TestDefaults(t *testing.T) {
	cfg := Defaults()

	if cfg.Broker.WebSocket.Path != "/netOSC" {
		t.Errorf("Broker.WebSocket.Path = %q, want /netOSC", cfg.Broker.WebSocket.Path)
	}
	if !reflect.DeepEqual(cfg.Client.Topics, []string{"/*"}) {
		t.Errorf("Client.Topics = %v, want [/*]", cfg.Client.Topics)
	}
	if cfg.Client.Reconnect.InitialDelay != 2 || cfg.Client.Reconnect.MaxDelay != 30 {
		t.Errorf("Client.Reconnect = %+v, want 2/30", cfg.Client.Reconnect)
	}
	if cfg.MQTT.Enabled || cfg.InfluxDB.Enabled || cfg.Database.Enabled {
		t.Error("optional adapters should be disabled by default")
	}
}
