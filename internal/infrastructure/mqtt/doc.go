// Package mqtt provides the optional event feed for Conduit Core.
//
// When enabled, the hub publishes presence transitions and message
// terminal states to an external MQTT broker so passive consumers
// (dashboards, alerting, recorders) can follow hub activity without
// holding a device link or polling the API.
//
// The feed is strictly one-way: the hub publishes, it never subscribes.
// Routing never depends on the broker; a dead broker degrades the feed
// and nothing else.
//
//	Conduit Core -> MQTT Broker -> passive consumers
//
// Connection management:
//   - Auto-reconnect with exponential backoff (1s-60s)
//   - Last Will and Testament on conduit/system/status for crash detection
//   - Online/offline status published retained on connect and shutdown
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.Events)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	feed := mqtt.NewEventFeed(client, cfg.Events)
//	feed.DeviceOnline("sensor-1")
package mqtt
