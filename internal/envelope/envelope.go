package envelope

import (
	"encoding/json"
	"fmt"
)

// Wire type tags.
const (
	TypeOSC       = "osc"
	TypeSubscribe = "subscribe"
	TypeState     = "state"
)

// Envelope is one decoded relay message. The concrete type is one of
// Publish, Subscribe, State or Unknown.
type Envelope interface {
	// Type returns the wire type tag.
	Type() string

	sealed()
}

// Publish carries an OSC message. Client to broker it names the publishing
// client; broker to client (a forwarded message) ClientID is empty.
type Publish struct {
	ClientID string
	Address  string
	Args     []Arg
}

// Subscribe replaces the sender's subscription pattern list.
type Subscribe struct {
	ClientID string
	Topics   []string
}

// State is the broker's aggregate view: every client that has published at
// least once, mapped to its sorted, de-duplicated addresses.
type State struct {
	Clients map[string][]string
}

// Unknown is any envelope with an unrecognised type tag.
type Unknown struct {
	Tag string
}

func (Publish) Type() string   { return TypeOSC }
func (Subscribe) Type() string { return TypeSubscribe }
func (State) Type() string     { return TypeState }
func (u Unknown) Type() string { return u.Tag }

func (Publish) sealed()   {}
func (Subscribe) sealed() {}
func (State) sealed()     {}
func (Unknown) sealed()   {}

// Forward builds the broker-to-client copy of a published message.
func Forward(address string, args []Arg) Publish {
	return Publish{Address: address, Args: args}
}

// rawEnvelope mirrors the wire object. Pointer and raw fields let Decode
// tell an absent field from an empty one.
type rawEnvelope struct {
	Type     *string         `json:"type"`
	ClientID *string         `json:"client_id"`
	Address  *string         `json:"address"`
	Args     json.RawMessage `json:"args"`
	Topics   json.RawMessage `json:"topics"`
	Clients  json.RawMessage `json:"clients"`
}

// Decode parses one wire message. Unrecognised type tags decode to Unknown
// without error; structural problems return an error wrapping ErrMalformed
// or ErrMissingField.
func Decode(data []byte) (Envelope, error) {
	var raw rawEnvelope
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	if raw.Type == nil {
		return nil, fmt.Errorf("%w: type", ErrMissingField)
	}

	switch *raw.Type {
	case TypeOSC:
		return decodePublish(raw)
	case TypeSubscribe:
		return decodeSubscribe(raw)
	case TypeState:
		return decodeState(raw)
	default:
		return Unknown{Tag: *raw.Type}, nil
	}
}

func decodePublish(raw rawEnvelope) (Envelope, error) {
	if raw.Address == nil {
		return nil, fmt.Errorf("%w: address", ErrMissingField)
	}
	if isAbsent(raw.Args) {
		return nil, fmt.Errorf("%w: args", ErrMissingField)
	}

	var args []Arg
	if err := json.Unmarshal(raw.Args, &args); err != nil {
		return nil, fmt.Errorf("%w: args: %w", ErrMalformed, err)
	}

	p := Publish{Address: *raw.Address, Args: args}
	if raw.ClientID != nil {
		p.ClientID = *raw.ClientID
	}
	return p, nil
}

func decodeSubscribe(raw rawEnvelope) (Envelope, error) {
	if raw.ClientID == nil || *raw.ClientID == "" {
		return nil, fmt.Errorf("%w: client_id", ErrMissingField)
	}

	topics := []string{}
	if !isAbsent(raw.Topics) {
		if err := json.Unmarshal(raw.Topics, &topics); err != nil {
			return nil, fmt.Errorf("%w: topics: %w", ErrMalformed, err)
		}
	}
	return Subscribe{ClientID: *raw.ClientID, Topics: topics}, nil
}

func decodeState(raw rawEnvelope) (Envelope, error) {
	clients := map[string][]string{}
	if !isAbsent(raw.Clients) {
		if err := json.Unmarshal(raw.Clients, &clients); err != nil {
			return nil, fmt.Errorf("%w: clients: %w", ErrMalformed, err)
		}
	}
	return State{Clients: clients}, nil
}

// isAbsent treats a missing field and an explicit null alike.
func isAbsent(raw json.RawMessage) bool {
	return len(raw) == 0 || string(raw) == "null"
}

// wire shapes for encoding; field order matches the documented protocol.
type (
	publishWire struct {
		Type     string `json:"type"`
		ClientID string `json:"client_id,omitempty"`
		Address  string `json:"address"`
		Args     []Arg  `json:"args"`
	}
	subscribeWire struct {
		Type     string   `json:"type"`
		ClientID string   `json:"client_id"`
		Topics   []string `json:"topics"`
	}
	stateWire struct {
		Type    string              `json:"type"`
		Clients map[string][]string `json:"clients"`
	}
)

// Encode serialises an envelope to its wire form. Unknown envelopes cannot
// be encoded.
func Encode(e Envelope) ([]byte, error) {
	var v any
	switch m := e.(type) {
	case Publish:
		args := m.Args
		if args == nil {
			args = []Arg{}
		}
		v = publishWire{Type: TypeOSC, ClientID: m.ClientID, Address: m.Address, Args: args}
	case Subscribe:
		topics := m.Topics
		if topics == nil {
			topics = []string{}
		}
		v = subscribeWire{Type: TypeSubscribe, ClientID: m.ClientID, Topics: topics}
	case State:
		clients := make(map[string][]string, len(m.Clients))
		for id, addrs := range m.Clients {
			if addrs == nil {
				addrs = []string{}
			}
			clients[id] = addrs
		}
		v = stateWire{Type: TypeState, Clients: clients}
	default:
		return nil, fmt.Errorf("%w: cannot encode %T", ErrMalformed, e)
	}

	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding %s envelope: %w", e.Type(), err)
	}
	return data, nil
}
