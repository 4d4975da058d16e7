package envelope

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ArgKind is the type tag of a single OSC argument.
type ArgKind uint8

// Supported argument kinds.
const (
	KindInt ArgKind = iota + 1
	KindFloat
	KindString
	KindBlob
)

// String returns the lower-case name of the kind.
func (k ArgKind) String() string {
	switch k {
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindString:
		return "string"
	case KindBlob:
		return "blob"
	default:
		return "invalid"
	}
}

// Arg is one typed OSC argument. Only the field selected by Kind is
// meaningful.
type Arg struct {
	Kind  ArgKind
	Int   int64
	Float float64
	Str   string
	Blob  []byte
}

// IntArg returns an integer argument.
func IntArg(v int64) Arg { return Arg{Kind: KindInt, Int: v} }

// FloatArg returns a floating-point argument.
func FloatArg(v float64) Arg { return Arg{Kind: KindFloat, Float: v} }

// StringArg returns a string argument.
func StringArg(v string) Arg { return Arg{Kind: KindString, Str: v} }

// BlobArg returns a binary argument.
func BlobArg(v []byte) Arg { return Arg{Kind: KindBlob, Blob: v} }

// String renders the argument for log lines.
func (a Arg) String() string {
	switch a.Kind {
	case KindInt:
		return strconv.FormatInt(a.Int, 10)
	case KindFloat:
		return formatFloat(a.Float)
	case KindString:
		return strconv.Quote(a.Str)
	case KindBlob:
		return fmt.Sprintf("blob[%d]", len(a.Blob))
	default:
		return "<invalid>"
	}
}

// blobJSON is the wire form of a binary argument.
type blobJSON struct {
	Blob []byte `json:"blob"`
}

// MarshalJSON encodes the argument so that its kind survives a round trip:
// floats always carry a decimal point or exponent, blobs are wrapped in an
// object with base64 data.
func (a Arg) MarshalJSON() ([]byte, error) {
	switch a.Kind {
	case KindInt:
		return strconv.AppendInt(nil, a.Int, 10), nil
	case KindFloat:
		if math.IsNaN(a.Float) || math.IsInf(a.Float, 0) {
			return nil, fmt.Errorf("%w: %v is not representable", ErrInvalidArgument, a.Float)
		}
		return []byte(formatFloat(a.Float)), nil
	case KindString:
		return json.Marshal(a.Str)
	case KindBlob:
		blob := a.Blob
		if blob == nil {
			blob = []byte{}
		}
		return json.Marshal(blobJSON{Blob: blob})
	default:
		return nil, fmt.Errorf("%w: kind %d", ErrInvalidArgument, a.Kind)
	}
}

// UnmarshalJSON decodes one argument. JSON integers become KindInt, numbers
// with a fraction or exponent become KindFloat.
func (a *Arg) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return fmt.Errorf("%w: empty value", ErrInvalidArgument)
	}

	switch c := data[0]; {
	case c == '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidArgument, err)
		}
		*a = StringArg(s)
	case c == '{':
		var b struct {
			Blob *[]byte `json:"blob"`
		}
		if err := json.Unmarshal(data, &b); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidArgument, err)
		}
		if b.Blob == nil {
			return fmt.Errorf("%w: object argument without blob field", ErrInvalidArgument)
		}
		*a = BlobArg(*b.Blob)
	case c == '-' || (c >= '0' && c <= '9'):
		return a.unmarshalNumber(string(data))
	default:
		return fmt.Errorf("%w: unsupported value %s", ErrInvalidArgument, data)
	}
	return nil
}

func (a *Arg) unmarshalNumber(s string) error {
	if strings.ContainsAny(s, ".eE") {
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidArgument, err)
		}
		*a = FloatArg(f)
		return nil
	}
	i, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidArgument, err)
	}
	*a = IntArg(i)
	return nil
}

// formatFloat produces the shortest decimal form, using float32 precision
// when the value is exactly representable as a float32 (OSC "f" values), and
// guarantees the result reads back as a float.
func formatFloat(f float64) string {
	bits := 64
	if float64(float32(f)) == f {
		bits = 32
	}
	s := strconv.FormatFloat(f, 'g', -1, bits)
	if !strings.ContainsAny(s, ".eEIN") {
		s += ".0"
	}
	return s
}
