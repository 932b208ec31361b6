// Package protocol defines the events exchanged with the realtime speech
// service over the "oai-events" data channel.
//
// Inbound messages are decoded by Parse into one concrete Event type per
// known kind. Callers switch on the concrete type; kinds the engine does not
// act on decode to Ignored, and anything else decodes to Unknown so it can be
// logged without changing state.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Inbound event type discriminators.
const (
	TypeSpeechStarted           = "input_audio_buffer.speech_started"
	TypeTranscriptionDelta      = "conversation.item.input_audio_transcription.delta"
	TypeTranscriptionCompleted  = "conversation.item.input_audio_transcription.completed"
	TypeTranscriptionFailed     = "conversation.item.input_audio_transcription.failed"
	TypeResponseCreated         = "response.created"
	TypeResponseTextDone        = "response.text.done"
	TypeResponseAudioTranscript = "response.audio_transcript.done"
	TypeResponseDone            = "response.done"
	TypeOutputAudioStopped      = "output_audio_buffer.stopped"
	TypeError                   = "error"

	ObjectThreadRun     = "thread.run"
	ObjectThreadRunStep = "thread.run.step"

	StatusRequiresAction = "requires_action"
	StatusFailed         = "failed"
)

// Kind identifies a decoded event.
type Kind string

const (
	KindSpeechStarted          Kind = "speech_started"
	KindTranscriptionDelta     Kind = "transcription_delta"
	KindTranscriptionCompleted Kind = "transcription_completed"
	KindTranscriptionFailed    Kind = "transcription_failed"
	KindResponseCreated        Kind = "response_created"
	KindResponseTextDone       Kind = "response_text_done"
	KindAudioTranscriptDone    Kind = "audio_transcript_done"
	KindResponseDone           Kind = "response_done"
	KindOutputAudioStopped     Kind = "output_audio_stopped"
	KindRequiredAction         Kind = "required_action"
	KindError                  Kind = "error"
	KindIgnored                Kind = "ignored"
	KindUnknown                Kind = "unknown"
)

var (
	// ErrMalformedEvent wraps JSON decoding failures.
	ErrMalformedEvent = errors.New("protocol: malformed event")

	// ErrMissingType indicates an object with neither a type nor a run shape.
	ErrMissingType = errors.New("protocol: event has no type")
)

// Event is one decoded inbound message.
type Event interface {
	Kind() Kind
}

// SpeechStarted marks the start of a user utterance.
type SpeechStarted struct {
	ItemID string
}

// TranscriptionDelta carries incremental transcript text.
type TranscriptionDelta struct {
	ItemID string
	Delta  string
}

// TranscriptionCompleted carries the final transcript of an utterance.
// Language is empty when the service did not report one.
type TranscriptionCompleted struct {
	ItemID     string
	Transcript string
	Language   string
}

// TranscriptionFailed reports that an utterance could not be transcribed.
type TranscriptionFailed struct {
	ItemID string
	Reason string
}

// ResponseCreated signals the remote model started a response.
type ResponseCreated struct {
	ResponseID string
	ItemID     string
}

// ResponseTextDone carries the final text part of a response.
type ResponseTextDone struct {
	ResponseID string
	ItemID     string
	Text       string
}

// AudioTranscriptDone carries the transcript of synthesized audio.
type AudioTranscriptDone struct {
	Transcript string
}

// ResponseDone ends a response cycle.
type ResponseDone struct {
	ResponseID    string
	ItemID        string
	Status        string
	StatusDetails json.RawMessage
}

// Failed reports whether the response ended in failure.
func (e ResponseDone) Failed() bool { return e.Status == StatusFailed }

// OutputAudioStopped signals that playback of synthesized audio ended.
type OutputAudioStopped struct {
	ResponseID string
}

// ToolCall is one function call requested by the model.
type ToolCall struct {
	ID        string
	Type      string
	Name      string
	Arguments string
}

// RequiredAction is a run (or run step) waiting for tool outputs.
type RequiredAction struct {
	Object    string
	RunID     string
	ThreadID  string
	ToolCalls []ToolCall
}

// Error is an error event from the remote service.
type Error struct {
	Type    string
	Code    string
	Message string
}

// Text returns the most useful description of the error.
func (e Error) Text() string {
	switch {
	case e.Message != "":
		return e.Message
	case e.Code != "":
		return e.Code
	default:
		return "Unknown error"
	}
}

// Ignored is a known event the engine does not act on.
type Ignored struct {
	Type string
}

// Unknown is an event type outside every known prefix.
type Unknown struct {
	Type string
}

func (SpeechStarted) Kind() Kind          { return KindSpeechStarted }
func (TranscriptionDelta) Kind() Kind     { return KindTranscriptionDelta }
func (TranscriptionCompleted) Kind() Kind { return KindTranscriptionCompleted }
func (TranscriptionFailed) Kind() Kind    { return KindTranscriptionFailed }
func (ResponseCreated) Kind() Kind        { return KindResponseCreated }
func (ResponseTextDone) Kind() Kind       { return KindResponseTextDone }
func (AudioTranscriptDone) Kind() Kind    { return KindAudioTranscriptDone }
func (ResponseDone) Kind() Kind           { return KindResponseDone }
func (OutputAudioStopped) Kind() Kind     { return KindOutputAudioStopped }
func (RequiredAction) Kind() Kind         { return KindRequiredAction }
func (Error) Kind() Kind                  { return KindError }
func (Ignored) Kind() Kind                { return KindIgnored }
func (Unknown) Kind() Kind                { return KindUnknown }

// ignoredPrefixes and ignoredTypes cover events that are expected on the
// channel but carry nothing the engine needs.
var ignoredPrefixes = []string{
	"input_audio_buffer",
	"conversation.item.input_audio_transcription",
	"response.",
}

var ignoredTypes = map[string]bool{
	"session.created":           true,
	"session.updated":           true,
	"rate_limits.updated":       true,
	"conversation.item.created": true,
}

// wire is the union of every field Parse reads.
type wire struct {
	Type         string `json:"type"`
	Object       string `json:"object"`
	ID           string `json:"id"`
	RunID        string `json:"run_id"`
	ThreadID     string `json:"thread_id"`
	Status       string `json:"status"`
	ItemID       string `json:"item_id"`
	ResponseID   string `json:"response_id"`
	Delta        string `json:"delta"`
	Transcript   string `json:"transcript"`
	Text         string `json:"text"`
	Reason       string `json:"reason"`
	LanguageCode string `json:"language_code"`
	Language     string `json:"language"`
	Item         *struct {
		Content []struct {
			LanguageCode string `json:"language_code"`
		} `json:"content"`
	} `json:"item"`
	Response *struct {
		ID            string          `json:"id"`
		ItemID        string          `json:"item_id"`
		Status        string          `json:"status"`
		StatusDetails json.RawMessage `json:"status_details"`
		Output        []struct {
			Text string `json:"text"`
		} `json:"output"`
	} `json:"response"`
	RequiredAction *struct {
		Type              string `json:"type"`
		SubmitToolOutputs *struct {
			ToolCalls []struct {
				ID       string `json:"id"`
				Type     string `json:"type"`
				Function *struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"submit_tool_outputs"`
	} `json:"required_action"`
	Error *struct {
		Type    string `json:"type"`
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Parse decodes one inbound message.
func Parse(data []byte) (Event, error) {
	var w wire
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}

	if ev, ok := w.requiredAction(); ok {
		return ev, nil
	}

	switch w.Type {
	case "":
		return nil, ErrMissingType
	case TypeSpeechStarted:
		return SpeechStarted{ItemID: w.ItemID}, nil
	case TypeTranscriptionDelta:
		return TranscriptionDelta{ItemID: w.ItemID, Delta: w.Delta}, nil
	case TypeTranscriptionCompleted:
		return TranscriptionCompleted{ItemID: w.ItemID, Transcript: w.Transcript, Language: w.language()}, nil
	case TypeTranscriptionFailed:
		return TranscriptionFailed{ItemID: w.ItemID, Reason: w.Reason}, nil
	case TypeResponseCreated:
		ev := ResponseCreated{}
		if w.Response != nil {
			ev.ResponseID, ev.ItemID = w.Response.ID, w.Response.ItemID
		}
		return ev, nil
	case TypeResponseTextDone:
		ev := ResponseTextDone{Text: w.Text}
		if w.Response != nil {
			ev.ResponseID, ev.ItemID = w.Response.ID, w.Response.ItemID
			if len(w.Response.Output) > 0 && w.Response.Output[0].Text != "" {
				ev.Text = w.Response.Output[0].Text
			}
		}
		return ev, nil
	case TypeResponseAudioTranscript:
		return AudioTranscriptDone{Transcript: w.Transcript}, nil
	case TypeResponseDone:
		ev := ResponseDone{}
		if w.Response != nil {
			ev.ResponseID = w.Response.ID
			ev.ItemID = w.Response.ItemID
			ev.Status = w.Response.Status
			ev.StatusDetails = w.Response.StatusDetails
		}
		return ev, nil
	case TypeOutputAudioStopped:
		return OutputAudioStopped{ResponseID: w.ResponseID}, nil
	case TypeError:
		ev := Error{}
		if w.Error != nil {
			ev.Type, ev.Code, ev.Message = w.Error.Type, w.Error.Code, w.Error.Message
		}
		return ev, nil
	}

	if ignoredTypes[w.Type] {
		return Ignored{Type: w.Type}, nil
	}
	for _, p := range ignoredPrefixes {
		if strings.HasPrefix(w.Type, p) {
			return Ignored{Type: w.Type}, nil
		}
	}
	return Unknown{Type: w.Type}, nil
}

// language applies the service's precedence for the detected language.
func (w *wire) language() string {
	if w.Item != nil && len(w.Item.Content) > 0 && w.Item.Content[0].LanguageCode != "" {
		return w.Item.Content[0].LanguageCode
	}
	if w.LanguageCode != "" {
		return w.LanguageCode
	}
	return w.Language
}

func (w *wire) requiredAction() (RequiredAction, bool) {
	if w.Object != ObjectThreadRun && w.Object != ObjectThreadRunStep {
		return RequiredAction{}, false
	}
	ra := w.RequiredAction
	if w.Status != StatusRequiresAction || ra == nil || ra.Type != "submit_tool_outputs" ||
		ra.SubmitToolOutputs == nil || ra.SubmitToolOutputs.ToolCalls == nil {
		return RequiredAction{}, false
	}

	ev := RequiredAction{Object: w.Object, ThreadID: w.ThreadID, RunID: w.RunID}
	if w.Object == ObjectThreadRun {
		ev.RunID = w.ID
	}
	for _, c := range ra.SubmitToolOutputs.ToolCalls {
		call := ToolCall{ID: c.ID, Type: c.Type}
		if c.Function != nil {
			call.Name, call.Arguments = c.Function.Name, c.Function.Arguments
		}
		ev.ToolCalls = append(ev.ToolCalls, call)
	}
	return ev, true
}
