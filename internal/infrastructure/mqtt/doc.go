// Package mqtt mirrors broker relay activity onto an MQTT broker.
//
// The netOSC relay itself speaks WebSocket; this package lets existing MQTT
// tooling (dashboards, recorders, home automation) observe the same
// traffic without joining the relay.
//
// # Topics
//
//	<prefix>/system/status                  retained broker online/offline (LWT)
//	<prefix>/osc/<address...>               every relayed OSC message
//	<prefix>/clients/<client_id>/presence   retained connected/disconnected
//	<prefix>/clients/<client_id>/topics     retained subscription list
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    return err
//	}
//	mirror := mqtt.NewMirror(client, client.Topics(), byte(cfg.MQTT.QoS), cfg.MQTT.QueueSize, logger)
//	mirror.Start()
//	defer mirror.Close()
package mqtt
