package envelope

import (
	"bytes"
	"encoding/json"
	"errors"
	"reflect"
	"testing"
)

func TestDecodePublish(t *testing.T) {
	data := []byte(`{"type":"osc","client_id":"A","address":"/foo/x","args":[1,2.5,"hi",{"blob":"AQI="},1.0]}`)

	env, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	p, ok := env.(Publish)
	if !ok {
		t.Fatalf("Decode() = %T, want Publish", env)
	}
	if p.ClientID != "A" || p.Address != "/foo/x" {
		t.Errorf("Publish = %+v", p)
	}

	want := []Arg{IntArg(1), FloatArg(2.5), StringArg("hi"), BlobArg([]byte{1, 2}), FloatArg(1)}
	if !reflect.DeepEqual(p.Args, want) {
		t.Errorf("Args = %v, want %v", p.Args, want)
	}
}

func TestDecodeForwardedPublish(t *testing.T) {
	env, err := Decode([]byte(`{"type":"osc","address":"/bar","args":[]}`))
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	p := env.(Publish)
	if p.ClientID != "" {
		t.Errorf("ClientID = %q, want empty", p.ClientID)
	}
	if len(p.Args) != 0 {
		t.Errorf("Args = %v, want empty", p.Args)
	}
}

func TestDecodeSubscribe(t *testing.T) {
	env, err := Decode([]byte(`{"type":"subscribe","client_id":"B","topics":["/foo/*","/bar"]}`))
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	s := env.(Subscribe)
	if s.ClientID != "B" {
		t.Errorf("ClientID = %q", s.ClientID)
	}
	if !reflect.DeepEqual(s.Topics, []string{"/foo/*", "/bar"}) {
		t.Errorf("Topics = %v", s.Topics)
	}

	// Absent topics means an empty list.
	env, err = Decode([]byte(`{"type":"subscribe","client_id":"B"}`))
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if topics := env.(Subscribe).Topics; topics == nil || len(topics) != 0 {
		t.Errorf("Topics = %#v, want empty non-nil", topics)
	}
}

func TestDecodeState(t *testing.T) {
	env, err := Decode([]byte(`{"type":"state","clients":{"A":["/a","/b"],"C":[]}}`))
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	st := env.(State)
	want := map[string][]string{"A": {"/a", "/b"}, "C": {}}
	if !reflect.DeepEqual(st.Clients, want) {
		t.Errorf("Clients = %v, want %v", st.Clients, want)
	}
}

func TestDecodeUnknown(t *testing.T) {
	env, err := Decode([]byte(`{"type":"ping","x":1}`))
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	u, ok := env.(Unknown)
	if !ok {
		t.Fatalf("Decode() = %T, want Unknown", env)
	}
	if u.Type() != "ping" {
		t.Errorf("Type() = %q, want ping", u.Type())
	}
}

func TestDecodeErrors(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		wantErr error
	}{
		{name: "not json", data: `not json`, wantErr: ErrMalformed},
		{name: "json array", data: `[1,2]`, wantErr: ErrMalformed},
		{name: "missing type", data: `{"address":"/a"}`, wantErr: ErrMissingField},
		{name: "osc without address", data: `{"type":"osc","args":[]}`, wantErr: ErrMissingField},
		{name: "osc without args", data: `{"type":"osc","address":"/a"}`, wantErr: ErrMissingField},
		{name: "osc with null args", data: `{"type":"osc","address":"/a","args":null}`, wantErr: ErrMissingField},
		{name: "osc with bool arg", data: `{"type":"osc","address":"/a","args":[true]}`, wantErr: ErrMalformed},
		{name: "osc with bad blob", data: `{"type":"osc","address":"/a","args":[{"x":1}]}`, wantErr: ErrMalformed},
		{name: "subscribe without client", data: `{"type":"subscribe","topics":[]}`, wantErr: ErrMissingField},
		{name: "subscribe with empty client", data: `{"type":"subscribe","client_id":"","topics":[]}`, wantErr: ErrMissingField},
		{name: "subscribe with bad topics", data: `{"type":"subscribe","client_id":"A","topics":"/a"}`, wantErr: ErrMalformed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.data))
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Decode(%s) error = %v, want %v", tt.data, err, tt.wantErr)
			}
		})
	}
}

func TestEncodePublish(t *testing.T) {
	data, err := Encode(Publish{ClientID: "A", Address: "/foo", Args: []Arg{IntArg(7), FloatArg(1), StringArg("x")}})
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	want := `{"type":"osc","client_id":"A","address":"/foo","args":[7,1.0,"x"]}`
	if string(data) != want {
		t.Errorf("Encode() = %s, want %s", data, want)
	}
}

func TestEncodeForwardOmitsClientID(t *testing.T) {
	data, err := Encode(Forward("/bar", nil))
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	want := `{"type":"osc","address":"/bar","args":[]}`
	if string(data) != want {
		t.Errorf("Encode() = %s, want %s", data, want)
	}
}

func TestEncodeSubscribeAndState(t *testing.T) {
	data, err := Encode(Subscribe{ClientID: "B"})
	if err != nil {
		t.Fatalf("Encode(Subscribe) error = %v", err)
	}
	if want := `{"type":"subscribe","client_id":"B","topics":[]}`; string(data) != want {
		t.Errorf("Encode(Subscribe) = %s, want %s", data, want)
	}

	data, err = Encode(State{Clients: map[string][]string{"A": {"/a"}, "C": nil}})
	if err != nil {
		t.Fatalf("Encode(State) error = %v", err)
	}
	if want := `{"type":"state","clients":{"A":["/a"],"C":[]}}`; string(data) != want {
		t.Errorf("Encode(State) = %s, want %s", data, want)
	}

	data, err = Encode(State{})
	if err != nil {
		t.Fatalf("Encode(empty State) error = %v", err)
	}
	if want := `{"type":"state","clients":{}}`; string(data) != want {
		t.Errorf("Encode(empty State) = %s, want %s", data, want)
	}
}

func TestEncodeUnknownFails(t *testing.T) {
	if _, err := Encode(Unknown{Tag: "ping"}); err == nil {
		t.Error("Encode(Unknown) should fail")
	}
}

func TestPublishRoundTripPreservesKinds(t *testing.T) {
	in := Publish{
		ClientID: "A",
		Address:  "/mix",
		Args: []Arg{
			IntArg(0),
			IntArg(-3),
			IntArg(1 << 40),
			FloatArg(0),
			FloatArg(-2),
			FloatArg(float64(float32(0.1))),
			FloatArg(1e300),
			StringArg(""),
			BlobArg([]byte("raw")),
		},
	}

	data, err := Encode(in)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	out, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode(%s) error = %v", data, err)
	}

	got := out.(Publish)
	if len(got.Args) != len(in.Args) {
		t.Fatalf("got %d args, want %d", len(got.Args), len(in.Args))
	}
	for i := range in.Args {
		if got.Args[i].Kind != in.Args[i].Kind {
			t.Errorf("arg %d kind = %v, want %v (wire %s)", i, got.Args[i].Kind, in.Args[i].Kind, data)
		}
	}
	// float32-origin values survive the shortest decimal form.
	if f := float32(got.Args[5].Float); f != float32(0.1) {
		t.Errorf("float32 arg = %v, want 0.1", f)
	}
	if !bytes.Equal(got.Args[8].Blob, []byte("raw")) {
		t.Errorf("blob = %q, want raw", got.Args[8].Blob)
	}
}

func TestArgMarshalRejectsNaN(t *testing.T) {
	nan := FloatArg(0)
	nan.Float = nan.Float / nan.Float
	if _, err := json.Marshal(nan); err == nil {
		t.Error("marshalling NaN should fail")
	}
	if _, err := json.Marshal(Arg{}); err == nil {
		t.Error("marshalling an invalid kind should fail")
	}
}

func TestFormatFloat(t *testing.T) {
	tests := []struct {
		in   float64
		want string
	}{
		{in: 1, want: "1.0"},
		{in: -2, want: "-2.0"},
		{in: 2.5, want: "2.5"},
		{in: 0.1, want: "0.1"},
		{in: float64(float32(0.1)), want: "0.1"},
		{in: 1e21, want: "1e+21"},
	}
	for _, tt := range tests {
		if got := formatFloat(tt.in); got != tt.want {
			t.Errorf("formatFloat(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
