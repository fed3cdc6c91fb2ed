package courier

import "errors"

var (
	// Store errors.
	ErrNoStore     = errors.New("courier: no store configured")
	ErrNoClient    = errors.New("courier: no platform client configured")
	ErrStoreClosed = errors.New("courier: store closed")

	// Not found errors.
	ErrJobNotFound   = errors.New("courier: message not found")
	ErrDLQNotFound   = errors.New("courier: dlq entry not found")
	ErrEventNotFound = errors.New("courier: event not found")

	// Conflict errors.
	ErrJobExists = errors.New("courier: message already enqueued")

	// State errors.
	ErrInvalidState   = errors.New("courier: invalid state transition")
	ErrTerminalState  = errors.New("courier: message is in a terminal state")
	ErrNotCancellable = errors.New("courier: only pending messages can be cancelled")

	// Send API errors.
	ErrAwaitTimeout = errors.New("courier: timed out waiting for delivery outcome")
)
