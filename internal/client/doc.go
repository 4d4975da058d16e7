// Package client implements the netOSC bridge that runs next to local OSC
// software.
//
// Three parts cooperate:
//
//   - Supervisor owns the WebSocket connection to the broker. It is a state
//     machine (disconnected, connecting, connected, shutting down) driven by
//     one event loop. Failed or lost connections are retried after a
//     backoff of base·2^(n-1) capped at a maximum, reset once connected.
//     Force-reconnect and shutdown interrupt the backoff wait.
//   - Bridge listens for OSC packets on UDP and publishes each message to
//     the broker from a bounded set of tracked tasks. Messages forwarded by
//     the broker are replayed to the local target; state snapshots replace
//     the known-clients cache.
//   - Console reads operator commands (-x, -r, -s, -l, -t) from a line
//     oriented input.
//
// Nothing is buffered or retried: a publish made while disconnected is
// dropped with one warning.
package client
