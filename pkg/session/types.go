package session

import (
	"fmt"
	"time"

	"github.com/teslashibe/go-habla/pkg/history"
)

// ConnState is the session connection state.
type ConnState int

const (
	// ConnIdle means no connection has been attempted or an attempt was abandoned.
	ConnIdle ConnState = iota
	// ConnConnecting means a handshake is in progress.
	ConnConnecting
	// ConnConnected means the transport reported connected.
	ConnConnected
	// ConnClosed means the session was torn down.
	ConnClosed
)

// String returns a human-readable connection state.
func (s ConnState) String() string {
	switch s {
	case ConnIdle:
		return "idle"
	case ConnConnecting:
		return "connecting"
	case ConnConnected:
		return "connected"
	case ConnClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// MarshalText encodes the state as its name.
func (s ConnState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a state name.
func (s *ConnState) UnmarshalText(b []byte) error {
	for _, c := range []ConnState{ConnIdle, ConnConnecting, ConnConnected, ConnClosed} {
		if c.String() == string(b) {
			*s = c
			return nil
		}
	}
	return fmt.Errorf("session: unknown connection state %q", b)
}

// AIState is the interaction state machine.
type AIState string

const (
	AIIdle        AIState = "idle"
	AIListening   AIState = "listening"
	AITranscribed AIState = "transcribed"
	AISpeaking    AIState = "speaking_tts"
)

// TTSRequest is the content of the single TTS slot.
type TTSRequest struct {
	Text     string `json:"text"`
	Language string `json:"language"`
	ItemID   string `json:"item_id"`
}

// TranslationRequest asks the translation collaborator to process one
// finalized utterance.
type TranslationRequest struct {
	Transcript     string `json:"transcript"`
	SourceLanguage string `json:"source_language"`
	SessionID      string `json:"session_id"`
	ItemID         string `json:"-"`
}

// TranslationResult is the collaborator's answer, keyed by OriginalItemID.
type TranslationResult struct {
	OriginalItemID     string `json:"original_item_id"`
	OriginalTranscript string `json:"original_transcript"`
	TranslatedText     string `json:"translated_text"`
	SourceLanguage     string `json:"source_language"`
	TargetLanguage     string `json:"target_language"`
	IsRepeatRequest    bool   `json:"is_repeat_request"`
	Error              string `json:"error,omitempty"`
}

// wellFormed reports whether every field a success needs is present.
func (r TranslationResult) wellFormed() bool {
	return r.SourceLanguage != "" && r.OriginalTranscript != "" &&
		r.TranslatedText != "" && r.TargetLanguage != ""
}

// NotificationKind classifies a notification.
type NotificationKind string

const (
	NotifyConnection   NotificationKind = "connection"
	NotifyAIState      NotificationKind = "ai_state"
	NotifyTurn         NotificationKind = "turn"
	NotifyHistory      NotificationKind = "history"
	NotifyToastError   NotificationKind = "toast_error"
	NotifyToastInfo    NotificationKind = "toast_info"
	NotifyActionStatus NotificationKind = "action_status"
)

// Notification is a transient, user-visible signal.
type Notification struct {
	Kind      NotificationKind `json:"kind"`
	SessionID string           `json:"session_id,omitempty"`
	Message   string           `json:"message,omitempty"`
	Time      time.Time        `json:"time"`
	Data      any              `json:"data,omitempty"`
}

// TurnNotice is the Data of a NotifyTurn notification.
type TurnNotice struct {
	Language history.Lang `json:"language"`
	Turn     history.Turn `json:"turn"`
}

// Snapshot is a read-only view of a session.
type Snapshot struct {
	SessionID         string      `json:"session_id"`
	Connection        ConnState   `json:"connection"`
	AIState           AIState     `json:"ai_state"`
	Ready             bool        `json:"ready"`
	Transcribing      bool        `json:"transcribing"`
	FetchingTTS       bool        `json:"fetching_tts"`
	ChannelOpen       bool        `json:"channel_open"`
	WorkingTranscript string      `json:"working_transcript"`
	PendingTTS        *TTSRequest `json:"pending_tts,omitempty"`
	LastSpoken        *TTSRequest `json:"last_spoken,omitempty"`
	TTSEnglish        bool        `json:"tts_en"`
	TTSSpanish        bool        `json:"tts_es"`
}
