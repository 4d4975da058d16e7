// Package logging provides structured logging for netOSC.
//
// This package wraps Go's standard log/slog package to provide
// consistent, structured logging across the broker and the client.
//
// # Features
//
//   - Text output by default (human-readable next to the client console)
//   - JSON output for log shippers
//   - Default fields (service, version) on all log entries
//   - Level-based filtering (debug, info, warn, error)
//
// # Configuration
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "text"     # json, text
//	  output: "stderr"   # stdout, stderr
//
// # Usage
//
//	logger := logging.New(cfg.Logging, "1.0.0")
//	logger.Info("listening", "addr", cfg.Broker.Listen)
//	logger.Error("send failed", "client_id", id, "error", err)
package logging
