package mqtt

import "strings"

// Topics builds the mirror's MQTT topic names under a configurable prefix.
//
//	topics := mqtt.Topics{Prefix: "netosc"}
//	topics.Message("/mixer/fader1")  // "netosc/osc/mixer/fader1"
//	topics.Presence("stage-left")    // "netosc/clients/stage-left/presence"
type Topics struct {
	Prefix string
}

// SystemStatus returns the broker's retained online/offline topic.
//
// Example: netosc/system/status
func (t Topics) SystemStatus() string {
	return t.Prefix + "/system/status"
}

// Message returns the topic a relayed OSC message is mirrored to. The OSC
// address path maps onto MQTT topic levels.
//
// Example: netosc/osc/mixer/fader1
func (t Topics) Message(address string) string {
	return t.Prefix + "/osc/" + sanitiseLevels(strings.TrimPrefix(address, "/"))
}

// Presence returns the retained connected/disconnected topic of a client.
//
// Example: netosc/clients/stage-left/presence
func (t Topics) Presence(clientID string) string {
	return t.Prefix + "/clients/" + sanitiseLevel(clientID) + "/presence"
}

// Subscriptions returns the retained subscription-list topic of a client.
//
// Example: netosc/clients/stage-left/topics
func (t Topics) Subscriptions(clientID string) string {
	return t.Prefix + "/clients/" + sanitiseLevel(clientID) + "/topics"
}

// wildcardReplacer strips characters MQTT forbids in published topics.
var wildcardReplacer = strings.NewReplacer("+", "_", "#", "_", "\x00", "")

func sanitiseLevels(path string) string {
	if path == "" {
		return "_"
	}
	return wildcardReplacer.Replace(path)
}

func sanitiseLevel(level string) string {
	return strings.ReplaceAll(sanitiseLevels(level), "/", "_")
}
