package message

import "errors"

// Domain errors for the message package.
var (
	// ErrNotFound is returned when a message ID does not exist.
	ErrNotFound = errors.New("message: not found")

	// ErrUnknownDestination is returned when a submission addresses a
	// device the registry has never seen. Rejected at ingestion, never
	// queued.
	ErrUnknownDestination = errors.New("message: unknown destination")

	// ErrInvalidQoS is returned when a QoS value is outside the
	// recognised tiers.
	ErrInvalidQoS = errors.New("message: invalid qos")

	// ErrInvalidPriority is returned when a priority value is outside
	// the configured scale.
	ErrInvalidPriority = errors.New("message: invalid priority")

	// ErrInvalidSource is returned when a submission carries an empty
	// source id.
	ErrInvalidSource = errors.New("message: invalid source")

	// ErrInvalidTransition is returned when a status update would move
	// a message through a transition the lifecycle forbids, including
	// any attempt to leave a terminal state.
	ErrInvalidTransition = errors.New("message: invalid status transition")

	// ErrQueueClosed is returned from queue operations after Close.
	ErrQueueClosed = errors.New("message: queue closed")
)
