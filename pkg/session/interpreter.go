package session

import (
	"fmt"
	"strings"

	"github.com/teslashibe/go-habla/pkg/history"
	"github.com/teslashibe/go-habla/pkg/protocol"
	"github.com/teslashibe/go-habla/pkg/toolrelay"
)

// HandleMessage decodes one inbound channel message and applies it.
// Malformed payloads never leave the session in a broken state.
func (s *Session) HandleMessage(data []byte) {
	ev, err := protocol.Parse(data)
	if err != nil {
		s.logger.Error("parse realtime event", "error", err, "bytes", len(data))
		s.cfg.Metrics.Event("parse_error")
		s.transcribing = false
		if s.ai == AISpeaking {
			s.ttsFetching = false
		}
		s.toastError(fmt.Sprintf("Error parsing message: %v", err))
		s.drainTTS()
		return
	}
	s.HandleEvent(ev)
}

// HandleEvent applies one decoded event to the state machine.
func (s *Session) HandleEvent(ev protocol.Event) {
	s.cfg.Metrics.Event(string(ev.Kind()))

	switch e := ev.(type) {
	case protocol.SpeechStarted:
		s.onSpeechStarted(e)
	case protocol.TranscriptionDelta:
		if s.ai == AIListening {
			s.working.WriteString(e.Delta)
		}
	case protocol.TranscriptionCompleted:
		s.onTranscriptionCompleted(e)
	case protocol.TranscriptionFailed:
		s.logger.Warn("transcription failed", "item_id", e.ItemID, "reason", e.Reason)
		s.transcribing = false
		s.working.Reset()
		s.toastError("Transcription failed: " + e.Reason)
		s.setAI(AIListening)
	case protocol.ResponseCreated:
		if s.ai == AISpeaking {
			s.setReady(false)
		}
	case protocol.ResponseTextDone:
		s.onResponseTextDone(e)
	case protocol.AudioTranscriptDone:
		s.logger.Debug("assistant audio transcript", "text", e.Transcript)
	case protocol.ResponseDone:
		s.onResponseDone(e)
	case protocol.OutputAudioStopped:
		if s.ttsFetching {
			s.ttsFetching = false
			s.setAI(AIListening)
		} else if s.ai == AISpeaking {
			s.setAI(AIListening)
		}
	case protocol.RequiredAction:
		s.onRequiredAction(e)
	case protocol.Error:
		s.logger.Error("realtime service error", "type", e.Type, "code", e.Code, "message", e.Message)
		s.transcribing = false
		if s.ai == AISpeaking {
			s.ttsFetching = false
		}
		s.toastError("OpenAI API Error: " + e.Text())
		s.setAI(AIListening)
		s.setReady(true)
	case protocol.Ignored:
		s.logger.Debug("ignored event", "type", e.Type)
	case protocol.Unknown:
		s.logger.Info("unhandled event type", "type", e.Type)
	default:
		s.logger.Warn("unexpected event", "kind", ev.Kind())
	}

	s.drainTTS()
}

func (s *Session) onSpeechStarted(e protocol.SpeechStarted) {
	s.setAI(AIListening)
	s.working.Reset()
	s.currentItem = e.ItemID
	s.transcribing = true
}

func (s *Session) onTranscriptionCompleted(e protocol.TranscriptionCompleted) {
	s.transcribing = false
	if e.ItemID != s.currentItem {
		s.logger.Debug("transcript for inactive item", "item_id", e.ItemID, "current", s.currentItem)
		return
	}

	text := strings.TrimSpace(e.Transcript)
	s.working.Reset()
	s.working.WriteString(text)
	if text == "" {
		s.logger.Debug("empty transcript", "item_id", e.ItemID)
		s.setAI(AIListening)
		return
	}
	s.setAI(AITranscribed)

	code := e.Language
	if code == "" {
		code = history.CodeUndetermined
	}
	lang := history.LangOf(code)
	now := s.cfg.Now()
	turn := history.Turn{
		ID:        history.NewTurnID("user_direct", e.ItemID, now),
		Text:      text,
		Timestamp: now.UnixMilli(),
	}

	if lang == history.LangUnknown {
		// Only the translation step can tell which track this belongs to.
		s.undItems[e.ItemID] = true
		turn.Type = history.UserDirectUndetermined
	} else {
		turn.Type = history.DirectType(lang)
	}

	// Stored with the detected code before dedupe or translation.
	s.persist(turn, code, history.ActorUser)

	if lang != history.LangUnknown {
		if s.history.Log(lang).IsDuplicate(text, turn.Timestamp, s.cfg.DedupeWindow) {
			s.logger.Info("duplicate transcript suppressed", "item_id", e.ItemID, "language", lang)
			s.cfg.Metrics.Duplicate(string(lang))
			return
		}
		s.appendTurn(lang, turn)
	}

	s.effects.Translate(TranslationRequest{
		Transcript:     text,
		SourceLanguage: code,
		SessionID:      s.id,
		ItemID:         e.ItemID,
	})
}

func (s *Session) onResponseTextDone(e protocol.ResponseTextDone) {
	if s.lastSpoken == nil || e.Text == "" {
		return
	}
	lang := history.LangOf(s.lastSpoken.Language)
	if lang == history.LangUnknown {
		lang = history.LangEN
	}
	now := s.cfg.Now()
	ref := e.ItemID
	if ref == "" {
		ref = e.ResponseID
	}
	if ref == "" {
		ref = fmt.Sprintf("ai_resp_%d", now.UnixMilli())
	}
	turn := history.Turn{
		ID:             history.NewTurnID("asst_spoken", ref, now),
		Text:           e.Text,
		Type:           history.AssistantType(lang),
		Timestamp:      now.UnixMilli(),
		OriginalItemID: s.lastSpoken.ItemID,
	}
	s.persist(turn, string(lang), history.ActorAssistant)
	s.appendTurn(lang, turn)
}

func (s *Session) onResponseDone(e protocol.ResponseDone) {
	s.setReady(true)
	s.ttsFetching = false
	if e.Failed() {
		s.logger.Warn("response failed", "response_id", e.ResponseID, "details", string(e.StatusDetails))
		s.listenUnlessIdle()
		return
	}
	if s.ai == AISpeaking || s.ai == AITranscribed {
		s.setAI(AIListening)
	}
}

func (s *Session) onRequiredAction(e protocol.RequiredAction) {
	if e.RunID == "" || e.ThreadID == "" {
		s.logger.Error("required action without run correlation",
			"object", e.Object, "run_id", e.RunID, "thread_id", e.ThreadID)
		return
	}
	for _, call := range e.ToolCalls {
		if call.Type != "function" || call.Name == "" {
			continue
		}
		label, ok := toolrelay.LabelFor(call.Name)
		if !ok {
			s.logger.Info("unmapped tool call", "tool", call.Name, "tool_call_id", call.ID)
			continue
		}
		s.effects.SubmitTool(toolrelay.PendingCall{
			ID:          call.ID,
			ToolName:    call.Name,
			ActionLabel: label,
			Arguments:   call.Arguments,
			RunID:       e.RunID,
			ThreadID:    e.ThreadID,
		})
	}
}
