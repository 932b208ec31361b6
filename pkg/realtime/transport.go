// Package realtime opens the peer-to-peer session with the realtime speech
// service: a WebRTC peer connection carrying the local microphone track, the
// remote audio track and the "oai-events" data channel. Signaling is a single
// SDP offer/answer exchange over HTTPS authorised by an ephemeral key.
package realtime

import (
	"context"
	"encoding/json"
)

// DataChannelLabel is the label of the event channel.
const DataChannelLabel = "oai-events"

// State is the transport-level connection state.
type State int

const (
	StateNew State = iota
	StateConnecting
	StateConnected
	StateDisconnected
	StateFailed
	StateClosed
)

// String returns a human-readable state.
func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Terminal reports whether the state ends the session.
func (s State) Terminal() bool {
	return s == StateDisconnected || s == StateFailed || s == StateClosed
}

// Credential is the short-lived key minted for one session.
type Credential struct {
	EphemeralKey string          `json:"ephemeralKey"`
	SessionID    string          `json:"sessionId"`
	Details      json.RawMessage `json:"sessionDetails,omitempty"`
}

// Handlers receive transport callbacks. They may be invoked from any
// goroutine and must not block.
type Handlers struct {
	OnState        func(State)
	OnMessage      func([]byte)
	OnChannelOpen  func()
	OnChannelClose func()
}

func (h Handlers) state(s State) {
	if h.OnState != nil {
		h.OnState(s)
	}
}

func (h Handlers) message(b []byte) {
	if h.OnMessage != nil {
		h.OnMessage(b)
	}
}

func (h Handlers) channelOpen() {
	if h.OnChannelOpen != nil {
		h.OnChannelOpen()
	}
}

func (h Handlers) channelClose() {
	if h.OnChannelClose != nil {
		h.OnChannelClose()
	}
}

// Conn is an open session.
type Conn interface {
	// Send writes one text message on the event channel.
	Send(data []byte) error

	// ChannelOpen reports whether the event channel is open.
	ChannelOpen() bool

	// Close releases every resource. It is safe to call more than once.
	Close() error
}

// Transport opens sessions.
type Transport interface {
	Open(ctx context.Context, cred Credential, h Handlers) (Conn, error)
}
