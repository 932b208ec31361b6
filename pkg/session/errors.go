package session

import (
	"errors"
	"fmt"
)

// Sentinel errors for the session package.
var (
	// ErrNoSession indicates an operation that needs a session id.
	ErrNoSession = errors.New("session: no session selected")

	// ErrMissingTransport indicates the engine was built without a transport.
	ErrMissingTransport = errors.New("session: transport is required")

	// ErrMissingCredentials indicates the engine was built without a credential source.
	ErrMissingCredentials = errors.New("session: credential source is required")

	// ErrEngineStopped indicates a call after the event loop exited.
	ErrEngineStopped = errors.New("session: engine stopped")

	// ErrSuperseded indicates a connect attempt was overtaken by a close or
	// a newer attempt.
	ErrSuperseded = errors.New("session: connect attempt superseded")

	// ErrTransportFailed indicates the transport failed before the connect
	// attempt finished.
	ErrTransportFailed = errors.New("session: transport failed while connecting")

	// ErrUnsupportedLanguage indicates a language outside the two tracks.
	ErrUnsupportedLanguage = errors.New("session: unsupported language")
)

// CredentialError wraps a failed credential fetch.
type CredentialError struct {
	Cause error
}

// Error implements the error interface.
func (e *CredentialError) Error() string {
	return fmt.Sprintf("session: credential fetch failed: %v", e.Cause)
}

// Unwrap returns the underlying cause.
func (e *CredentialError) Unwrap() error {
	return e.Cause
}

// IsCredentialError reports whether err came from the credential step.
func IsCredentialError(err error) bool {
	var ce *CredentialError
	return errors.As(err, &ce)
}
