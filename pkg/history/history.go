// Package history holds the two per-language conversation logs.
//
// Each Log is append-only: turns are stored in the order they were appended,
// never re-sorted by timestamp, and never edited after insertion. Turn ids
// are unique within a log. A Store pairs the English and Spanish logs for
// one session and is cleared when the session resets.
//
// Nothing in this package is safe for concurrent use. The session engine
// owns the Store and mutates it from its event loop only.
package history

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Lang identifies one of the two language tracks.
type Lang string

const (
	LangEN      Lang = "en"
	LangES      Lang = "es"
	LangUnknown Lang = ""
)

// CodeUndetermined is the placeholder language code used before the
// translation step resolves an utterance's language.
const CodeUndetermined = "und"

// LangOf maps a language code such as "en-US" or "es" onto a track.
func LangOf(code string) Lang {
	code = strings.ToLower(strings.TrimSpace(code))
	switch {
	case strings.HasPrefix(code, "en"):
		return LangEN
	case strings.HasPrefix(code, "es"):
		return LangES
	default:
		return LangUnknown
	}
}

// Other returns the opposite track.
func (l Lang) Other() Lang {
	switch l {
	case LangEN:
		return LangES
	case LangES:
		return LangEN
	default:
		return LangUnknown
	}
}

// TurnType classifies a turn.
type TurnType string

const (
	UserDirectEN           TurnType = "user_direct_en"
	UserDirectES           TurnType = "user_direct_es"
	UserTranslationToEN    TurnType = "user_translation_to_en"
	UserTranslationToES    TurnType = "user_translation_to_es"
	AssistantSpokenEN      TurnType = "assistant_spoken_en"
	AssistantSpokenES      TurnType = "assistant_spoken_es"
	UserDirectUndetermined TurnType = "user_direct_und"
	ErrorMessage           TurnType = "error_message"
)

// DirectType returns the direct-speech type for a track.
func DirectType(l Lang) TurnType {
	switch l {
	case LangEN:
		return UserDirectEN
	case LangES:
		return UserDirectES
	default:
		return UserDirectUndetermined
	}
}

// TranslationType returns the translated-into type for a target track.
func TranslationType(target Lang) TurnType {
	if target == LangES {
		return UserTranslationToES
	}
	return UserTranslationToEN
}

// AssistantType returns the assistant-spoken type for a track.
func AssistantType(l Lang) TurnType {
	if l == LangES {
		return AssistantSpokenES
	}
	return AssistantSpokenEN
}

// Lang reports which track a turn type belongs to. Undetermined and error
// turns report LangUnknown.
func (t TurnType) Lang() Lang {
	switch t {
	case UserDirectEN, UserTranslationToEN, AssistantSpokenEN:
		return LangEN
	case UserDirectES, UserTranslationToES, AssistantSpokenES:
		return LangES
	default:
		return LangUnknown
	}
}

// Turn is one utterance or system message. Timestamp is epoch milliseconds.
type Turn struct {
	ID             string   `json:"id"`
	Text           string   `json:"text"`
	Type           TurnType `json:"type"`
	Timestamp      int64    `json:"timestamp"`
	OriginalItemID string   `json:"original_item_id,omitempty"`
}

// Time returns the turn timestamp as a time.Time.
func (t Turn) Time() time.Time {
	return time.UnixMilli(t.Timestamp)
}

// NewTurnID builds a turn id from the originating event id, the current time
// and a random salt so retries of the same event never collide.
func NewTurnID(prefix, itemID string, now time.Time) string {
	salt := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("%s_%s_%d_%s", prefix, itemID, now.UnixMilli(), salt)
}

// Log is an ordered, append-only list of turns with unique ids.
type Log struct {
	turns []Turn
	ids   map[string]struct{}
}

// Append adds t at the end of the log. It returns false and leaves the log
// unchanged if a turn with the same id is already present.
func (l *Log) Append(t Turn) bool {
	if l.ids == nil {
		l.ids = make(map[string]struct{})
	}
	if _, dup := l.ids[t.ID]; dup {
		return false
	}
	l.ids[t.ID] = struct{}{}
	l.turns = append(l.turns, t)
	return true
}

// Last returns the most recently appended turn.
func (l *Log) Last() (Turn, bool) {
	if len(l.turns) == 0 {
		return Turn{}, false
	}
	return l.turns[len(l.turns)-1], true
}

// Turns returns a copy of the log contents in append order.
func (l *Log) Turns() []Turn {
	out := make([]Turn, len(l.turns))
	copy(out, l.turns)
	return out
}

// Len returns the number of turns.
func (l *Log) Len() int { return len(l.turns) }

// Has reports whether a turn id is present.
func (l *Log) Has(id string) bool {
	_, ok := l.ids[id]
	return ok
}

// Clear empties the log.
func (l *Log) Clear() {
	l.turns = nil
	l.ids = nil
}

// IsDuplicate reports whether text repeats the last entry of the log within
// window of nowMs.
func (l *Log) IsDuplicate(text string, nowMs int64, window time.Duration) bool {
	last, ok := l.Last()
	if !ok || last.Text != text {
		return false
	}
	return nowMs-last.Timestamp < window.Milliseconds()
}

// Snapshot is a point-in-time copy of both logs.
type Snapshot struct {
	English []Turn `json:"english"`
	Spanish []Turn `json:"spanish"`
}

// Store pairs the English and Spanish logs of one session.
type Store struct {
	en Log
	es Log
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{}
}

// Log returns the log for a track, or nil for LangUnknown.
func (s *Store) Log(l Lang) *Log {
	switch l {
	case LangEN:
		return &s.en
	case LangES:
		return &s.es
	default:
		return nil
	}
}

// Append adds a turn to the given track. Unknown tracks and duplicate ids
// are rejected.
func (s *Store) Append(l Lang, t Turn) bool {
	log := s.Log(l)
	if log == nil {
		return false
	}
	return log.Append(t)
}

// Clear empties both logs.
func (s *Store) Clear() {
	s.en.Clear()
	s.es.Clear()
}

// Snapshot copies both logs.
func (s *Store) Snapshot() Snapshot {
	return Snapshot{English: s.en.Turns(), Spanish: s.es.Turns()}
}
