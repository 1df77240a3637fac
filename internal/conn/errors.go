package conn

import "errors"

// Domain errors for the conn package.
var (
	// ErrSessionClosed is returned when an operation targets a session
	// that is no longer live.
	ErrSessionClosed = errors.New("conn: session closed")

	// ErrCongested is returned when a session's bounded outbound queue
	// is full. Transient; callers retry through the router's policy.
	ErrCongested = errors.New("conn: outbound queue full")

	// ErrAckTimeout is returned when a delivery acknowledgment does not
	// arrive within the configured window.
	ErrAckTimeout = errors.New("conn: acknowledgment timeout")

	// ErrCommandTimeout is returned when a command response does not
	// arrive within the configured window.
	ErrCommandTimeout = errors.New("conn: command response timeout")

	// ErrNotConnected is returned when a command targets a device with
	// no live session.
	ErrNotConnected = errors.New("conn: device not connected")

	// ErrHandshakeFailed is returned when the registration handshake is
	// malformed or does not arrive within the grace period.
	ErrHandshakeFailed = errors.New("conn: handshake failed")
)
