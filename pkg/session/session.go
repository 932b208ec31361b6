// Package session orchestrates one realtime bilingual conversation.
//
// A Session is the context object that every handler mutates: connection and
// AI state, the readiness flag, the two per-language history logs, the single
// TTS slot and the correlation maps used to reconcile translation results.
// It is not safe for concurrent use; the Engine serializes every call onto
// its event loop.
package session

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/teslashibe/go-habla/pkg/history"
	"github.com/teslashibe/go-habla/pkg/toolrelay"
)

// Effects are the side effects a Session may request. Implementations must
// not block; long work belongs in a goroutine.
type Effects interface {
	// Persist stores a turn record, best effort.
	Persist(rec history.Record)

	// Translate starts translation of a finalized utterance.
	Translate(req TranslationRequest)

	// Send writes a directive on the event channel.
	Send(data []byte) error

	// ChannelOpen reports whether the event channel is open.
	ChannelOpen() bool

	// Notify surfaces a transient notification.
	Notify(n Notification)

	// SubmitTool hands a tool call to the relay.
	SubmitTool(call toolrelay.PendingCall) bool
}

// Session holds the state of the active conversation.
type Session struct {
	cfg     *Config
	effects Effects
	logger  *slog.Logger

	id   string
	conn ConnState
	ai   AIState

	ready        bool
	transcribing bool
	ttsFetching  bool

	currentItem string
	working     strings.Builder

	history *history.Store

	processed      map[string]bool
	queuedOriginal map[string]bool
	queuedRepeat   map[string]bool
	undItems       map[string]bool

	pending    *TTSRequest
	lastSpoken *TTSRequest

	ttsEnglish bool
	ttsSpanish bool
}

// New creates an idle session with no id.
func New(cfg *Config, effects Effects) *Session {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	s := &Session{
		cfg:        cfg,
		effects:    effects,
		logger:     cfg.Logger.With("component", "session"),
		conn:       ConnIdle,
		ai:         AIIdle,
		ready:      true,
		history:    history.NewStore(),
		ttsEnglish: cfg.TTSEnglish,
		ttsSpanish: cfg.TTSSpanish,
	}
	s.clearCorrelation()
	return s
}

// ID returns the session id, empty when none is selected.
func (s *Session) ID() string { return s.id }

// Conn returns the connection state.
func (s *Session) Conn() ConnState { return s.conn }

// AI returns the AI interaction state.
func (s *Session) AI() AIState { return s.ai }

// Ready reports whether a speech directive may be sent.
func (s *Session) Ready() bool { return s.ready }

// PendingTTS returns a copy of the TTS slot, or nil.
func (s *Session) PendingTTS() *TTSRequest { return copyTTS(s.pending) }

// LastSpoken returns the last text sent for synthesis, or nil.
func (s *Session) LastSpoken() *TTSRequest { return copyTTS(s.lastSpoken) }

// History returns a copy of both logs.
func (s *Session) History() history.Snapshot { return s.history.Snapshot() }

// Snapshot returns a read-only view of the session.
func (s *Session) Snapshot() Snapshot {
	return Snapshot{
		SessionID:         s.id,
		Connection:        s.conn,
		AIState:           s.ai,
		Ready:             s.ready,
		Transcribing:      s.transcribing,
		FetchingTTS:       s.ttsFetching,
		ChannelOpen:       s.effects.ChannelOpen(),
		WorkingTranscript: s.working.String(),
		PendingTTS:        copyTTS(s.pending),
		LastSpoken:        copyTTS(s.lastSpoken),
		TTSEnglish:        s.ttsEnglish,
		TTSSpanish:        s.ttsSpanish,
	}
}

// SetID switches to another conversation. History, the last spoken text and
// all transient state are dropped; the connection must already be torn down.
func (s *Session) SetID(id string) {
	s.id = id
	s.history.Clear()
	s.lastSpoken = nil
	s.resetTransient()
	s.setConn(ConnIdle)
	s.setAI(AIIdle)
}

// ReplaceHistory installs rehydrated logs.
func (s *Session) ReplaceHistory(store *history.Store) {
	if store == nil {
		store = history.NewStore()
	}
	s.history = store
	s.notify(NotifyHistory, "", s.history.Snapshot())
}

// SetTTSEnabled toggles playback for one language track.
func (s *Session) SetTTSEnabled(lang string, on bool) error {
	switch history.LangOf(lang) {
	case history.LangEN:
		s.ttsEnglish = on
	case history.LangES:
		s.ttsSpanish = on
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedLanguage, lang)
	}
	s.drainTTS()
	return nil
}

// BeginConnecting resets per-session state for a fresh attempt.
func (s *Session) BeginConnecting() {
	s.resetTransient()
	s.setAI(AIIdle)
	s.setConn(ConnConnecting)
}

// MarkConnected records that the transport came up.
func (s *Session) MarkConnected() {
	s.setConn(ConnConnected)
	s.setAI(AIListening)
	s.setReady(true)
	s.drainTTS()
}

// CancelConnecting abandons an attempt that never connected.
func (s *Session) CancelConnecting() {
	if s.conn != ConnConnecting {
		return
	}
	s.resetTransient()
	s.setConn(ConnIdle)
	s.setAI(AIIdle)
}

// Teardown resets the session after its transport was released. It is safe
// to call repeatedly.
func (s *Session) Teardown() {
	s.resetTransient()
	s.setAI(AIIdle)
	if s.conn != ConnIdle {
		s.setConn(ConnClosed)
	}
}

// Kick re-evaluates the TTS gate after an external change such as the
// event channel opening.
func (s *Session) Kick() {
	s.drainTTS()
}

func (s *Session) resetTransient() {
	s.currentItem = ""
	s.working.Reset()
	s.transcribing = false
	s.ttsFetching = false
	s.ready = true
	s.pending = nil
	s.clearCorrelation()
}

func (s *Session) clearCorrelation() {
	s.processed = make(map[string]bool)
	s.queuedOriginal = make(map[string]bool)
	s.queuedRepeat = make(map[string]bool)
	s.undItems = make(map[string]bool)
}

func (s *Session) setAI(st AIState) {
	if s.ai == st {
		return
	}
	prev := s.ai
	s.ai = st
	s.logger.Debug("ai state", "from", prev, "to", st)
	s.notify(NotifyAIState, string(st), nil)
}

func (s *Session) listenUnlessIdle() {
	if s.ai != AIIdle {
		s.setAI(AIListening)
	}
}

func (s *Session) setReady(ready bool) {
	s.ready = ready
}

func (s *Session) setConn(st ConnState) {
	if s.conn == st {
		return
	}
	s.conn = st
	s.logger.Info("connection state", "session_id", s.id, "state", st)
	s.notify(NotifyConnection, st.String(), nil)
}

func (s *Session) ttsEnabled(l history.Lang) bool {
	switch l {
	case history.LangEN:
		return s.ttsEnglish
	case history.LangES:
		return s.ttsSpanish
	default:
		return true
	}
}

func (s *Session) appendTurn(l history.Lang, t history.Turn) bool {
	if !s.history.Append(l, t) {
		s.logger.Warn("turn id already present", "id", t.ID, "language", l)
		return false
	}
	s.cfg.Metrics.Turn(string(l), string(t.Type))
	s.notify(NotifyTurn, "", TurnNotice{Language: l, Turn: t})
	return true
}

func (s *Session) persist(t history.Turn, languageCode string, actor history.Actor) {
	s.effects.Persist(history.NewRecord(s.id, t, languageCode, actor))
}

func (s *Session) notify(kind NotificationKind, msg string, data any) {
	s.effects.Notify(Notification{
		Kind:      kind,
		SessionID: s.id,
		Message:   msg,
		Time:      s.cfg.Now(),
		Data:      data,
	})
}

func (s *Session) toastError(msg string) {
	s.notify(NotifyToastError, msg, nil)
}

func (s *Session) toastInfo(msg string) {
	s.notify(NotifyToastInfo, msg, nil)
}

func copyTTS(r *TTSRequest) *TTSRequest {
	if r == nil {
		return nil
	}
	c := *r
	return &c
}
