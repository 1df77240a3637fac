package mqtt

import "fmt"

// Topic prefixes for the Conduit event feed.
//
// All feed topics live under a single root: conduit/{category}/...
const (
	// TopicPrefix is the root of all conduit topics.
	TopicPrefix = "conduit"

	// TopicPrefixEvents is the base for event topics.
	TopicPrefixEvents = "conduit/events"

	// TopicPrefixSystem is the base for system topics.
	TopicPrefixSystem = "conduit/system"
)

// Topics provides builders for conduit MQTT topics.
// Using these helpers keeps topic naming consistent across the codebase.
//
//	topics := mqtt.Topics{}
//	topic := topics.DeviceEvent("sensor-1")
//	// Returns: "conduit/events/device/sensor-1"
type Topics struct{}

// SystemStatus returns the retained hub status topic. The LWT and the
// graceful shutdown message both land here.
//
// Example: conduit/system/status
func (Topics) SystemStatus() string {
	return TopicPrefixSystem + "/status"
}

// DeviceEvent returns the topic for presence transitions of one device.
//
// Example: conduit/events/device/sensor-1
func (Topics) DeviceEvent(deviceID string) string {
	return fmt.Sprintf("%s/device/%s", TopicPrefixEvents, deviceID)
}

// MessageEvent returns the topic for the terminal-status event of one
// message.
//
// Example: conduit/events/message/0b26f1a2-...
func (Topics) MessageEvent(messageID string) string {
	return fmt.Sprintf("%s/message/%s", TopicPrefixEvents, messageID)
}

// AllDeviceEvents returns the wildcard for every device event.
// Consumers subscribe here; the hub itself never does.
//
// Example: conduit/events/device/+
func (Topics) AllDeviceEvents() string {
	return TopicPrefixEvents + "/device/+"
}

// AllMessageEvents returns the wildcard for every message event.
//
// Example: conduit/events/message/+
func (Topics) AllMessageEvents() string {
	return TopicPrefixEvents + "/message/+"
}
