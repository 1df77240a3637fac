package mqtt

import (
	"encoding/json"
	"time"
)

// eventBuffer bounds the feed's outbound queue. Events beyond it are
// dropped; the feed is best-effort and must never apply backpressure to
// the registry or router.
const eventBuffer = 256

// DeviceEvent is the payload published on presence transitions.
type DeviceEvent struct {
	DeviceID  string    `json:"device_id"`
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// MessageEvent is the payload published when a message reaches a
// terminal status.
type MessageEvent struct {
	MessageID   string    `json:"message_id"`
	Destination string    `json:"destination,omitempty"`
	Status      string    `json:"status"`
	Timestamp   time.Time `json:"timestamp"`
}

// EventFeed publishes hub events to the broker through a bounded queue
// drained by a single worker goroutine. All notification methods are
// non-blocking: when the queue is full the event is counted as dropped
// and discarded.
type EventFeed struct {
	client *Client
	topics Topics
	queue  chan event
	done   chan struct{}
}

type event struct {
	topic   string
	payload []byte
}

// NewEventFeed creates an event feed over a connected client and starts
// its publish worker. Call Close to drain and stop it.
func NewEventFeed(client *Client) *EventFeed {
	f := &EventFeed{
		client: client,
		queue:  make(chan event, eventBuffer),
		done:   make(chan struct{}),
	}
	go f.run()
	return f
}

func (f *EventFeed) run() {
	defer close(f.done)
	for ev := range f.queue {
		if err := f.client.PublishEvent(ev.topic, ev.payload); err != nil {
			if logger := f.client.getLogger(); logger != nil {
				logger.Warn("event publish failed", "topic", ev.topic, "error", err)
			}
		}
	}
}

// Close stops accepting events, drains the queue, and waits for the
// worker to finish. The underlying client is not closed.
func (f *EventFeed) Close() {
	close(f.queue)
	<-f.done
}

// DeviceOnline publishes a presence event for a device coming online.
func (f *EventFeed) DeviceOnline(deviceID string) {
	f.publishDevice(deviceID, "online")
}

// DeviceOffline publishes a presence event for a device going offline.
func (f *EventFeed) DeviceOffline(deviceID string) {
	f.publishDevice(deviceID, "offline")
}

func (f *EventFeed) publishDevice(deviceID, status string) {
	payload, err := json.Marshal(DeviceEvent{
		DeviceID:  deviceID,
		Status:    status,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		return
	}
	f.enqueue(f.topics.DeviceEvent(deviceID), payload)
}

// MessageTerminal publishes a terminal-status event for a message.
// Destination may be empty when the message expired out of the store.
func (f *EventFeed) MessageTerminal(messageID, destination, status string) {
	payload, err := json.Marshal(MessageEvent{
		MessageID:   messageID,
		Destination: destination,
		Status:      status,
		Timestamp:   time.Now().UTC(),
	})
	if err != nil {
		return
	}
	f.enqueue(f.topics.MessageEvent(messageID), payload)
}

// enqueue adds an event to the publish queue, dropping it when full or
// after Close. The send-on-closed panic window during shutdown is
// absorbed here.
func (f *EventFeed) enqueue(topic string, payload []byte) {
	defer func() { recover() }()
	select {
	case f.queue <- event{topic: topic, payload: payload}:
	default:
	}
}
