package tsdb

import (
	"context"

	"github.com/conduit-hub/conduit-core/internal/message"
)

// TelemetrySink adapts the InfluxDB client to the router's platform
// destination: numeric fields of platform-bound payloads become point
// fields, tagged with the originating device.
//
// Non-numeric payload fields are ignored. A payload with no numeric
// fields writes nothing; the message still counts as consumed.
type TelemetrySink struct {
	client *Client
}

// NewTelemetrySink creates a sink over a connected client.
func NewTelemetrySink(client *Client) *TelemetrySink {
	return &TelemetrySink{client: client}
}

// Consume writes the numeric fields of a platform-bound message as a
// telemetry point. The write is batched; Consume never blocks on the
// database.
func (s *TelemetrySink) Consume(_ context.Context, msg *message.Message) error {
	fields := numericFields(msg.Payload)
	if len(fields) == 0 {
		return nil
	}

	s.client.WritePointWithTime(
		"telemetry",
		map[string]string{"device_id": msg.Source},
		fields,
		msg.CreatedAt,
	)
	return nil
}

// numericFields extracts the fields InfluxDB can store: floats and ints
// directly, bools as 0/1.
func numericFields(payload message.Payload) map[string]interface{} {
	fields := make(map[string]interface{}, len(payload))
	for key, raw := range payload {
		switch v := raw.(type) {
		case float64:
			fields[key] = v
		case float32:
			fields[key] = float64(v)
		case int:
			fields[key] = float64(v)
		case int64:
			fields[key] = float64(v)
		case bool:
			if v {
				fields[key] = float64(1)
			} else {
				fields[key] = float64(0)
			}
		}
	}
	if len(fields) == 0 {
		return nil
	}
	return fields
}
