// Package oscwire converts between OSC 1.0 UDP packets and relay arguments.
//
// Decoding flattens bundles into their messages in order. Only the i, h, f,
// d, s and b type tags are carried; a message with any other argument is
// rejected with ErrUnsupportedArgument so the caller can drop it.
package oscwire

import (
	"errors"
	"fmt"
	"math"

	"github.com/hypebeast/go-osc/osc"

	"github.com/nerrad567/netosc/internal/envelope"
)

var (
	// ErrUnsupportedArgument is returned for argument types the relay does
	// not carry (booleans, nil, timetags).
	ErrUnsupportedArgument = errors.New("oscwire: unsupported argument type")

	// ErrInvalidPacket is returned when a datagram is not a valid OSC packet.
	ErrInvalidPacket = errors.New("oscwire: invalid packet")
)

// Message is one decoded OSC message.
type Message struct {
	Address string
	Args    []envelope.Arg
}

// Decode parses a UDP datagram. Bundles (including nested ones) are
// flattened. If any contained message has an unsupported argument the
// remaining supported messages are still returned together with an error
// wrapping ErrUnsupportedArgument.
func Decode(packet []byte) ([]Message, error) {
	p, err := osc.ParsePacket(string(packet))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidPacket, err)
	}
	// ParsePacket yields nothing for data starting with neither '/' nor '#'.
	if p == nil {
		return nil, fmt.Errorf("%w: not an osc message or bundle", ErrInvalidPacket)
	}

	var (
		out  []Message
		errs []error
	)
	var walk func(osc.Packet)
	walk = func(p osc.Packet) {
		switch v := p.(type) {
		case *osc.Message:
			m, err := fromOSC(v)
			if err != nil {
				errs = append(errs, err)
				return
			}
			out = append(out, m)
		case *osc.Bundle:
			for _, m := range v.Messages {
				walk(m)
			}
			for _, b := range v.Bundles {
				walk(b)
			}
		}
	}
	walk(p)

	return out, errors.Join(errs...)
}

func fromOSC(m *osc.Message) (Message, error) {
	args := make([]envelope.Arg, 0, len(m.Arguments))
	for i, a := range m.Arguments {
		arg, err := toArg(a)
		if err != nil {
			return Message{}, fmt.Errorf("%s argument %d: %w", m.Address, i, err)
		}
		args = append(args, arg)
	}
	return Message{Address: m.Address, Args: args}, nil
}

func toArg(v any) (envelope.Arg, error) {
	switch a := v.(type) {
	case int32:
		return envelope.IntArg(int64(a)), nil
	case int64:
		return envelope.IntArg(a), nil
	case float32:
		return envelope.FloatArg(float64(a)), nil
	case float64:
		return envelope.FloatArg(a), nil
	case string:
		return envelope.StringArg(a), nil
	case []byte:
		return envelope.BlobArg(a), nil
	default:
		return envelope.Arg{}, fmt.Errorf("%w: %T", ErrUnsupportedArgument, v)
	}
}

// Encode builds a single OSC message packet. Integers use the 32-bit tag
// when they fit and 64-bit otherwise; floats likewise use float32 unless the
// value is out of float32 range.
func Encode(address string, args []envelope.Arg) ([]byte, error) {
	msg := osc.NewMessage(address)
	for i, a := range args {
		v, err := fromArg(a)
		if err != nil {
			return nil, fmt.Errorf("%s argument %d: %w", address, i, err)
		}
		msg.Append(v)
	}

	data, err := msg.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("marshalling %s: %w", address, err)
	}
	return data, nil
}

func fromArg(a envelope.Arg) (any, error) {
	switch a.Kind {
	case envelope.KindInt:
		if a.Int >= math.MinInt32 && a.Int <= math.MaxInt32 {
			return int32(a.Int), nil
		}
		return a.Int, nil
	case envelope.KindFloat:
		if fitsFloat32(a.Float) {
			return float32(a.Float), nil
		}
		return a.Float, nil
	case envelope.KindString:
		return a.Str, nil
	case envelope.KindBlob:
		if a.Blob == nil {
			return []byte{}, nil
		}
		return a.Blob, nil
	default:
		return nil, fmt.Errorf("%w: kind %s", ErrUnsupportedArgument, a.Kind)
	}
}

func fitsFloat32(f float64) bool {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return true
	}
	return math.Abs(f) <= math.MaxFloat32
}
