package message

import (
	"time"

	"github.com/google/uuid"
)

// NewID mints a message identifier at ingestion.
func NewID() string {
	return uuid.NewString()
}

// PlatformDestination is the reserved destination id addressing the hub
// itself. Telemetry sent here is consumed by the platform sink rather
// than routed to a device.
const PlatformDestination = "platform"

// QoS is the delivery-guarantee tier attached to a message.
type QoS int

const (
	// QoSFireAndForget makes one delivery attempt and never retries.
	// An offline destination fails the message immediately.
	QoSFireAndForget QoS = 0

	// QoSAtLeastOnce retries failed attempts within the retry budget
	// and parks the message while the destination is offline.
	QoSAtLeastOnce QoS = 1

	// QoSExactlyOnceIntent behaves like at-least-once, with redelivery
	// attempts the router originates deduplicated by message id. The
	// intent is advisory: end-to-end exactly-once is not guaranteed if
	// the destination reconnects mid-delivery.
	QoSExactlyOnceIntent QoS = 2
)

// Valid reports whether q is a recognised QoS tier.
func (q QoS) Valid() bool {
	return q >= QoSFireAndForget && q <= QoSExactlyOnceIntent
}

// Priority bounds. Higher values dispatch first; equal priorities are
// strict FIFO.
const (
	MinPriority     = 0
	MaxPriority     = 9
	DefaultPriority = 5
)

// Status is a message's position in its delivery lifecycle.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRouting   Status = "routing"
	StatusDelivered Status = "delivered"
	StatusFailed    Status = "failed"
	StatusExpired   Status = "expired"
)

// Valid reports whether s is a recognised status value.
func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusRouting, StatusDelivered, StatusFailed, StatusExpired:
		return true
	}
	return false
}

// Terminal reports whether s is a final state. No transition may leave
// a terminal state.
func (s Status) Terminal() bool {
	return s == StatusDelivered || s == StatusFailed || s == StatusExpired
}

// validTransitions enumerates the allowed predecessor states for each
// status. The repository's guarded update enforces these at the store.
var validTransitions = map[Status][]Status{
	StatusRouting:   {StatusQueued},
	StatusDelivered: {StatusRouting},
	StatusFailed:    {StatusRouting},
	StatusQueued:    {StatusRouting}, // retry/requeue path
	StatusExpired:   {StatusQueued, StatusRouting},
}

// TransitionAllowed reports whether a message may move from one status
// to another.
func TransitionAllowed(from, to Status) bool {
	for _, allowed := range validTransitions[to] {
		if from == allowed {
			return true
		}
	}
	return false
}

// Payload is the arbitrary structured body of a message.
type Payload map[string]any

// Message is one unit of communication between two devices, or a device
// and the platform. It matches the messages table in
// migrations/20250120_100000_initial_schema.up.sql.
type Message struct {
	ID          string     `json:"id"`
	Source      string     `json:"source"`
	Destination string     `json:"destination"`
	Payload     Payload    `json:"payload"`
	QoS         QoS        `json:"qos"`
	Priority    int        `json:"priority"`
	Status      Status     `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	DeliveredAt *time.Time `json:"delivered_at,omitempty"`
}

// Submission carries the caller-supplied fields of a new message.
// Identity, status, and timestamps are assigned at ingestion.
type Submission struct {
	Source      string  `json:"source"`
	Destination string  `json:"destination"`
	Payload     Payload `json:"payload"`
	QoS         QoS     `json:"qos"`
	Priority    *int    `json:"priority,omitempty"` // nil means DefaultPriority
}
