package client

import "errors"

// Domain errors for the client package.
var (
	// ErrConnectionFailed wraps dial and handshake failures.
	ErrConnectionFailed = errors.New("broker connection failed")

	// ErrNotConnected is returned by Send while no broker connection is up.
	ErrNotConnected = errors.New("not connected to broker")

	// ErrLocalDelivery wraps UDP send and receive faults on the local side.
	ErrLocalDelivery = errors.New("local delivery failed")

	// ErrShuttingDown is returned by commands issued after shutdown began.
	ErrShuttingDown = errors.New("client shutting down")

	// ErrTooManyInFlight is reported when a publish is dropped because the
	// in-flight send limit is reached.
	ErrTooManyInFlight = errors.New("too many in-flight sends")
)
