package session

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/teslashibe/go-habla/internal/log"
	"github.com/teslashibe/go-habla/pkg/history"
	"github.com/teslashibe/go-habla/pkg/protocol"
	"github.com/teslashibe/go-habla/pkg/toolrelay"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

// fakeEffects records every side effect a Session requests.
type fakeEffects struct {
	persisted    []history.Record
	translations []TranslationRequest
	sent         [][]byte
	sendErr      error
	open         bool
	notes        []Notification
	tools        []toolrelay.PendingCall
}

func (f *fakeEffects) Persist(rec history.Record)       { f.persisted = append(f.persisted, rec) }
func (f *fakeEffects) Translate(req TranslationRequest) { f.translations = append(f.translations, req) }
func (f *fakeEffects) ChannelOpen() bool                { return f.open }
func (f *fakeEffects) Notify(n Notification)            { f.notes = append(f.notes, n) }

func (f *fakeEffects) Send(data []byte) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, data)
	return nil
}

func (f *fakeEffects) SubmitTool(call toolrelay.PendingCall) bool {
	f.tools = append(f.tools, call)
	return true
}

func (f *fakeEffects) toasts(kind NotificationKind) []string {
	var out []string
	for _, n := range f.notes {
		if n.Kind == kind {
			out = append(out, n.Message)
		}
	}
	return out
}

// spokenTexts decodes the instruction text of every sent directive.
func (f *fakeEffects) spokenTexts(t *testing.T) []string {
	t.Helper()
	var out []string
	for _, b := range f.sent {
		var d protocol.ResponseCreate
		if err := json.Unmarshal(b, &d); err != nil {
			t.Fatalf("sent directive is not JSON: %v", err)
		}
		if d.Type != protocol.TypeResponseCreate {
			t.Fatalf("sent type = %q, want %q", d.Type, protocol.TypeResponseCreate)
		}
		_, text, _ := strings.Cut(d.Response.Instructions, "\n")
		out = append(out, text)
	}
	return out
}

// newConnectedSession returns a session that is connected with an open
// channel, as after a successful handshake.
func newConnectedSession(t *testing.T) (*Session, *fakeEffects, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.UnixMilli(1_700_000_000_000)}
	fx := &fakeEffects{open: true}
	cfg := DefaultConfig()
	cfg.Logger = log.Discard()
	cfg.Now = clock.Now

	s := New(cfg, fx)
	s.SetID("visit-42")
	s.BeginConnecting()
	s.MarkConnected()
	fx.notes = nil
	return s, fx, clock
}

// utter feeds a complete user utterance through the interpreter.
func utter(s *Session, itemID, text, lang string) {
	s.HandleEvent(protocol.SpeechStarted{ItemID: itemID})
	s.HandleEvent(protocol.TranscriptionDelta{ItemID: itemID, Delta: text})
	s.HandleEvent(protocol.TranscriptionCompleted{ItemID: itemID, Transcript: text, Language: lang})
}

func result(itemID, original, translated, src, tgt string) TranslationResult {
	return TranslationResult{
		OriginalItemID:     itemID,
		OriginalTranscript: original,
		TranslatedText:     translated,
		SourceLanguage:     src,
		TargetLanguage:     tgt,
	}
}

func turnTexts(turns []history.Turn) []string {
	out := make([]string, 0, len(turns))
	for _, t := range turns {
		out = append(out, t.Text)
	}
	return out
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
