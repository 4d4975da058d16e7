// Package broker implements the netOSC relay: clients connect over
// WebSocket, subscribe to OSC address patterns and publish messages that
// are fanned out to every other matching client.
//
// The Relay processes one envelope at a time on a single goroutine and is
// the only owner of the Registry, so registry state, fan-out and the
// trailing state broadcast are never interleaved between envelopes.
// The Hub's per-connection pumps only move raw frames: the read pump
// queues them for the relay, the write pump drains a bounded send buffer.
//
// # Envelope handling
//
//   - subscribe: bind the connection, replace the pattern list, broadcast state
//   - osc:       bind, record the address, forward to the first matching
//     pattern of every other client, broadcast state
//   - close:     drop the client's entry, broadcast state
//   - anything malformed or unknown is logged and dropped
//
// A connection's identity is fixed by the first envelope it sends. When a
// ClientID arrives on a new connection the previous connection is closed.
//
// # HTTP surface
//
//	GET <websocket path>   upgrade (default /netOSC)
//	GET /api/v1/health     liveness and relay counters
//	GET /api/v1/state      latest state snapshot
//	GET /api/v1/sessions   session journal, when enabled
//	GET /metrics           Prometheus exposition
package broker
