package backend

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/teslashibe/go-habla/internal/httpc"
)

// ErrMissingKey indicates a credential response without an ephemeral key.
var ErrMissingKey = errors.New("backend: ephemeral key not found in response")

// APIError is the error object the backend returns on failure.
type APIError struct {
	StatusCode int             `json:"-"`
	Message    string          `json:"error"`
	Details    json.RawMessage `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *APIError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = fmt.Sprintf("status %d", e.StatusCode)
	}
	if d := e.detail(); d != "" {
		return msg + ": " + d
	}
	return msg
}

// detail renders Details, unquoting plain strings.
func (e *APIError) detail() string {
	if len(e.Details) == 0 || string(e.Details) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(e.Details, &s); err == nil {
		return s
	}
	return strings.TrimSpace(string(e.Details))
}

// asAPIError converts an httpc status error into an *APIError. Other errors
// pass through unchanged.
func asAPIError(err error) error {
	var se *httpc.StatusError
	if !errors.As(err, &se) {
		return err
	}
	apiErr := &APIError{StatusCode: se.StatusCode}
	if jerr := json.Unmarshal(se.Body, apiErr); jerr != nil || apiErr.Message == "" {
		apiErr.Message = strings.TrimSpace(string(se.Body))
	}
	apiErr.StatusCode = se.StatusCode
	return apiErr
}

// IsStatus reports whether err is an *APIError with the given status.
func IsStatus(err error, code int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == code
}
