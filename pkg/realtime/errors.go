package realtime

import (
	"errors"
	"fmt"
)

// Sentinel errors for the realtime package.
var (
	// ErrMissingKey indicates the credential carried no ephemeral key.
	ErrMissingKey = errors.New("realtime: ephemeral key is required")

	// ErrChannelNotOpen indicates a send before the event channel opened.
	ErrChannelNotOpen = errors.New("realtime: event channel not open")

	// ErrClosed indicates use of a closed connection.
	ErrClosed = errors.New("realtime: connection closed")
)

// ConnectionError describes a failed handshake step.
type ConnectionError struct {
	// Reason names the step that failed.
	Reason string

	// StatusCode is set when the signaling endpoint answered non-2xx.
	StatusCode int

	// Cause is the underlying error.
	Cause error
}

// Error implements the error interface.
func (e *ConnectionError) Error() string {
	switch {
	case e.StatusCode != 0 && e.Cause != nil:
		return fmt.Sprintf("realtime: %s (HTTP %d): %v", e.Reason, e.StatusCode, e.Cause)
	case e.StatusCode != 0:
		return fmt.Sprintf("realtime: %s (HTTP %d)", e.Reason, e.StatusCode)
	case e.Cause != nil:
		return fmt.Sprintf("realtime: %s: %v", e.Reason, e.Cause)
	default:
		return "realtime: " + e.Reason
	}
}

// Unwrap returns the underlying cause.
func (e *ConnectionError) Unwrap() error {
	return e.Cause
}

func connErr(reason string, cause error) *ConnectionError {
	return &ConnectionError{Reason: reason, Cause: cause}
}
