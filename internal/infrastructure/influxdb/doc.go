// Package influxdb writes broker relay telemetry to InfluxDB.
//
// It wraps the official influxdb-client-go v2 library: Connect verifies the
// server with a ping and configures the non-blocking, batched write API.
// Telemetry adapts relay lifecycle callbacks into points.
//
// # Usage
//
//	client, err := influxdb.Connect(cfg.InfluxDB)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//	client.SetOnError(func(err error) { logger.Warn("influxdb write failed", "error", err) })
//
//	observers = append(observers, influxdb.NewTelemetry(client))
//
// # Error Handling
//
// Writes are asynchronous; batch errors arrive through the SetOnError
// callback. Connection and health check errors are returned directly.
package influxdb
