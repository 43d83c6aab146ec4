package conn

import (
	"fmt"

	"github.com/bitven/mongowire/internal"
)

// ConnectionError represents a failure to dial a connection. Handshake
// failures are not wrapped in it; Dial returns them as-is.
type ConnectionError struct {
	ConnectionID string

	message string
	inner   error
}

// Message gets the basic error message.
func (e *ConnectionError) Message() string {
	return e.message
}

// Error gets a rolled-up error message.
func (e *ConnectionError) Error() string {
	return internal.RolledUpErrorMessage(e)
}

// Inner gets the inner error if one exists.
func (e *ConnectionError) Inner() error {
	return e.inner
}

// TransportError represents a failure on an established connection: a
// send that still failed after the single automatic reconnect, a failed
// reconnect, or a receive or close failure (neither of which reconnects).
type TransportError struct {
	ConnectionID string

	message string
	inner   error
}

// Message gets the basic error message.
func (e *TransportError) Message() string {
	return e.message
}

// Error gets a rolled-up error message.
func (e *TransportError) Error() string {
	return internal.RolledUpErrorMessage(e)
}

// Inner gets the inner error if one exists.
func (e *TransportError) Inner() error {
	return e.inner
}

// ReceiveTimeoutError indicates the polling receive loop gave up after
// exhausting its attempt budget of empty polls for one message. Part of the
// message may already have arrived.
type ReceiveTimeoutError struct {
	Attempts int
}

func (e *ReceiveTimeoutError) Error() string {
	return fmt.Sprintf("receive timed out after %d empty polls", e.Attempts)
}
