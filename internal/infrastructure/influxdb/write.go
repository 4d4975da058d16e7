package influxdb

import (
	"time"

	"github.com/benbjohnson/clock"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/nerrad567/netosc/internal/envelope"
)

// Measurement names written by Telemetry.
const (
	MeasurementRelay         = "osc_relay"
	MeasurementClientEvent   = "osc_client_event"
	MeasurementSubscriptions = "osc_subscriptions"
)

// WritePointWithTime queues a point for the next batch. Points written
// after Close are dropped.
func (c *Client) WritePointWithTime(measurement string, tags map[string]string, fields map[string]interface{}, timestamp time.Time) {
	if c.closed.Load() {
		return
	}

	point := write.NewPoint(measurement, tags, fields, timestamp)
	c.writeAPI.WritePoint(point)
}

// PointWriter is the write surface Telemetry needs; *Client satisfies it.
type PointWriter interface {
	WritePointWithTime(measurement string, tags map[string]string, fields map[string]interface{}, timestamp time.Time)
}

// Telemetry records relay activity as InfluxDB points. Every callback is a
// single non-blocking WriteAPI call, so it is safe to invoke from the relay
// loop.
//
//	osc_relay          tags: client_id, address   fields: args, recipients
//	osc_client_event   tags: client_id, event     fields: value=1
//	osc_subscriptions  tags: client_id            fields: patterns
type Telemetry struct {
	w     PointWriter
	clock clock.Clock
}

// NewTelemetry creates a telemetry observer writing through w.
func NewTelemetry(w PointWriter) *Telemetry {
	return &Telemetry{w: w, clock: clock.New()}
}

// SetClock replaces the timestamp source.
func (t *Telemetry) SetClock(c clock.Clock) {
	t.clock = c
}

// ClientConnected records a connect event.
func (t *Telemetry) ClientConnected(clientID string) {
	t.event(clientID, "connected")
}

// ClientSubscribed records the size of the client's pattern list.
func (t *Telemetry) ClientSubscribed(clientID string, topics []string) {
	t.w.WritePointWithTime(MeasurementSubscriptions,
		map[string]string{"client_id": clientID},
		map[string]interface{}{"patterns": len(topics)},
		t.clock.Now(),
	)
}

// MessageRelayed records one relayed message.
func (t *Telemetry) MessageRelayed(clientID, address string, args []envelope.Arg, recipients int) {
	t.w.WritePointWithTime(MeasurementRelay,
		map[string]string{"client_id": clientID, "address": address},
		map[string]interface{}{"args": len(args), "recipients": recipients},
		t.clock.Now(),
	)
}

// ClientDisconnected records a disconnect event.
func (t *Telemetry) ClientDisconnected(clientID string) {
	t.event(clientID, "disconnected")
}

func (t *Telemetry) event(clientID, name string) {
	t.w.WritePointWithTime(MeasurementClientEvent,
		map[string]string{"client_id": clientID, "event": name},
		map[string]interface{}{"value": 1},
		t.clock.Now(),
	)
}
