// Package envelope defines the broker⇄client relay protocol.
//
// Every WebSocket text frame carries one JSON object whose "type" field
// selects its shape:
//
//	{"type":"osc","client_id":"…","address":"/foo","args":[1,2.5,"s"]}   client → broker
//	{"type":"osc","address":"/foo","args":[1,2.5,"s"]}                   broker → client
//	{"type":"subscribe","client_id":"…","topics":["/foo/*"]}             client → broker
//	{"type":"state","clients":{"<id>":["/a","/b"]}}                      broker → client
//
// Decode turns a frame into one of the Envelope variants (Publish,
// Subscribe, State, Unknown) exactly once at the connection boundary, so
// downstream code switches on Go types rather than inspecting JSON.
//
// # Arguments
//
// OSC arguments keep their type tag across the JSON hop:
//
//	int     → 42
//	float   → 2.5, 1.0, 1e+21      (always a fraction or exponent)
//	string  → "text"
//	blob    → {"blob":"<base64>"}
package envelope
