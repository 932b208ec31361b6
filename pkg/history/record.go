package history

import (
	"errors"
	"strings"
	"time"
)

// ErrNotFound is returned by stores when a session has no record of the
// requested kind.
var ErrNotFound = errors.New("history: not found")

// Actor identifies who produced a persisted turn.
type Actor string

const (
	ActorUser      Actor = "user"
	ActorAssistant Actor = "assistant"
	ActorSystem    Actor = "system"
)

// Record is the persisted shape of a turn.
type Record struct {
	ID             string    `json:"id"`
	SessionID      string    `json:"session_id"`
	Text           string    `json:"text"`
	TurnType       TurnType  `json:"turn_type"`
	Timestamp      time.Time `json:"timestamp"`
	LanguageCode   string    `json:"language_code"`
	Actor          Actor     `json:"actor"`
	OriginalItemID string    `json:"original_item_id,omitempty"`
}

// NewRecord converts a turn into its persisted form.
func NewRecord(sessionID string, t Turn, languageCode string, actor Actor) Record {
	return Record{
		ID:             t.ID,
		SessionID:      sessionID,
		Text:           t.Text,
		TurnType:       t.Type,
		Timestamp:      t.Time().UTC(),
		LanguageCode:   languageCode,
		Actor:          actor,
		OriginalItemID: t.OriginalItemID,
	}
}

// Turn converts a record back to a turn.
func (r Record) Turn() Turn {
	return Turn{
		ID:             r.ID,
		Text:           r.Text,
		Type:           r.TurnType,
		Timestamp:      r.Timestamp.UnixMilli(),
		OriginalItemID: r.OriginalItemID,
	}
}

// Rehydrate rebuilds a Store from persisted records, in record order.
//
// Undetermined user turns are placed by their stored language code (Spanish
// when it starts with "es", English otherwise) and retyped accordingly.
// Error messages go to both logs. Records with unknown types are skipped.
func Rehydrate(records []Record) *Store {
	s := NewStore()
	for _, r := range records {
		t := r.Turn()
		switch {
		case r.TurnType == UserDirectUndetermined && r.Actor == ActorUser:
			if strings.HasPrefix(strings.ToLower(r.LanguageCode), "es") {
				t.Type = UserDirectES
				s.Append(LangES, t)
			} else {
				t.Type = UserDirectEN
				s.Append(LangEN, t)
			}
		case r.TurnType == ErrorMessage:
			s.Append(LangEN, t)
			s.Append(LangES, t)
		case r.TurnType.Lang() != LangUnknown:
			s.Append(r.TurnType.Lang(), t)
		}
	}
	return s
}

// Summary is the post-conversation digest stored for a session.
type Summary struct {
	SessionID       string    `json:"session_id"`
	SummaryText     string    `json:"summary_text"`
	DetectedActions []string  `json:"detected_actions"`
	CreatedAt       time.Time `json:"created_at"`
}
