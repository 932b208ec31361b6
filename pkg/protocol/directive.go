package protocol

import "encoding/json"

// TypeResponseCreate is the outbound directive asking the model to respond.
const TypeResponseCreate = "response.create"

// DefaultVoice is the synthesis voice used when none is configured.
const DefaultVoice = "alloy"

// ResponseCreate is the outbound "response.create" directive.
type ResponseCreate struct {
	Type     string             `json:"type"`
	Response ResponseParameters `json:"response"`
}

// ResponseParameters configures a single response.
type ResponseParameters struct {
	Input        []json.RawMessage `json:"input"`
	Instructions string            `json:"instructions"`
	Modalities   []string          `json:"modalities"`
	Voice        string            `json:"voice"`
}

// NewSpeakDirective builds a directive instructing the model to say text
// verbatim with the given voice.
func NewSpeakDirective(text, voice string) ResponseCreate {
	if voice == "" {
		voice = DefaultVoice
	}
	return ResponseCreate{
		Type: TypeResponseCreate,
		Response: ResponseParameters{
			Input:        []json.RawMessage{},
			Instructions: "Say exactly the following:\n" + text,
			Modalities:   []string{"audio", "text"},
			Voice:        voice,
		},
	}
}

// Bytes returns the JSON encoding of the directive.
func (d ResponseCreate) Bytes() ([]byte, error) {
	return json.Marshal(d)
}
