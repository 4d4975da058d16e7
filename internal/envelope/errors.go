package envelope

import "errors"

// Protocol errors. Receivers log and drop the offending message; none of
// these should close a connection.
var (
	// ErrMalformed is returned when a payload is not valid envelope JSON.
	ErrMalformed = errors.New("envelope: malformed payload")

	// ErrMissingField is returned when a field required by the envelope
	// type is absent.
	ErrMissingField = errors.New("envelope: missing required field")

	// ErrInvalidArgument is returned when an argument cannot be represented
	// as one of the supported kinds.
	ErrInvalidArgument = errors.New("envelope: invalid argument")
)
