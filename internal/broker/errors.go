package broker

import "errors"

// Domain errors for the broker package.
var (
	// ErrSendBufferFull is returned when a connection's outbound buffer
	// cannot take another frame. The frame is dropped for that connection only.
	ErrSendBufferFull = errors.New("send buffer full")

	// ErrConnectionClosed is returned when sending to a closed connection.
	ErrConnectionClosed = errors.New("connection closed")

	// ErrIdentityChanged is reported when a connection sends an envelope
	// carrying a ClientID other than the one it first identified with.
	ErrIdentityChanged = errors.New("client id changed on connection")

	// ErrUnexpectedEnvelope is reported for envelopes only the broker may send.
	ErrUnexpectedEnvelope = errors.New("unexpected envelope from client")

	// ErrRelayStopped is returned when events arrive after the relay loop exited.
	ErrRelayStopped = errors.New("relay stopped")

	// ErrNotStarted is returned by operations that need a running server.
	ErrNotStarted = errors.New("broker not started")
)
