// Package config handles loading and validating netOSC configuration.
//
// This package manages:
//   - Loading configuration from YAML files
//   - Overriding with environment variables
//   - Validation of the shared and role-specific sections
//   - Default value handling
//
// Security Considerations:
//   - Credentials (MQTT password, InfluxDB token) should be set via
//     environment variables
//   - The config file should have restricted permissions (0600)
//
// Usage:
//
//	cfg, err := config.Load(os.Getenv("NETOSC_CONFIG"))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := cfg.ValidateClient(); err != nil {
//	    log.Fatal(err)
//	}
//
// Example file:
//
//	broker:
//	  listen: "0.0.0.0:8765"
//	  websocket:
//	    path: "/netOSC"
//	client:
//	  broker_url: "ws://relay.example.net:8765/netOSC"
//	  osc_listen: "127.0.0.1:8000"
//	  osc_target: "127.0.0.1:9000"
//	  topics: ["/mixer/*", "/transport/play"]
package config
