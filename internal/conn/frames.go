package conn

import (
	"encoding/json"
	"time"
)

// Frame types exchanged with devices. The first frame on a new link must
// be FrameRegister; everything else is rejected until the handshake
// completes.
const (
	// Device -> core
	FrameRegister        = "register"
	FrameMessage         = "message" // telemetry or device-to-device submission
	FrameCommandResponse = "command_response"
	FrameAck             = "ack"
	FramePing            = "ping"

	// Core -> device
	FrameRegistered = "registered"
	FrameDeliver    = "deliver" // addressed message delivery
	FrameCommand    = "command"
	FramePong       = "pong"
	FrameError      = "error"
)

// Frame is the wire envelope. ID correlates request/response pairs: a
// deliver frame's ID is the message id the peer must ack; a command
// frame's ID is the command id echoed in the response.
type Frame struct {
	Type      string          `json:"type"`
	ID        string          `json:"id,omitempty"`
	Timestamp string          `json:"timestamp,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// newFrame builds an outbound frame with a marshalled payload.
func newFrame(frameType, id string, payload any) (Frame, error) {
	f := Frame{
		Type:      frameType,
		ID:        id,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Frame{}, err
		}
		f.Payload = data
	}
	return f, nil
}

// RegisterPayload is the handshake body. Capabilities is left raw so the
// registry can apply its own format rules.
type RegisterPayload struct {
	DeviceID     string         `json:"device_id"`
	Name         string         `json:"name,omitempty"`
	Type         string         `json:"type"`
	Capabilities any            `json:"capabilities,omitempty"`
	Location     string         `json:"location,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// RegisteredPayload acknowledges a successful handshake.
type RegisteredPayload struct {
	DeviceID  string `json:"device_id"`
	SessionID string `json:"session_id"`
}

// SubmitPayload is the body of an inbound message frame. Source is always
// the session's own device id; a frame cannot submit on another device's
// behalf.
type SubmitPayload struct {
	Destination string         `json:"destination"`
	Payload     map[string]any `json:"payload,omitempty"`
	QoS         int            `json:"qos,omitempty"`
	Priority    *int           `json:"priority,omitempty"`
}

// SubmitAckPayload returns the assigned message id for an accepted
// submission.
type SubmitAckPayload struct {
	MessageID string `json:"message_id"`
}

// DeliverPayload is the body of an outbound deliver frame.
type DeliverPayload struct {
	MessageID string         `json:"message_id"`
	Source    string         `json:"source"`
	Payload   map[string]any `json:"payload,omitempty"`
	QoS       int            `json:"qos"`
	Priority  int            `json:"priority"`
}

// CommandPayload is the body of a core-issued command frame.
type CommandPayload struct {
	Name   string         `json:"name"`
	Params map[string]any `json:"params,omitempty"`
}

// CommandResponsePayload is the body of a device's command response.
type CommandResponsePayload struct {
	Status string         `json:"status"`
	Result map[string]any `json:"result,omitempty"`
}

// ErrorPayload describes a rejected frame.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
