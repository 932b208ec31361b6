package session

import (
	"fmt"
	"strings"

	"github.com/teslashibe/go-habla/pkg/history"
)

const autoDetectFailure = "Failed to auto-detect language"

// ApplyTranslation reconciles one translation result with the session.
// Results are keyed by OriginalItemID; a result already seen is ignored.
func (s *Session) ApplyTranslation(res TranslationResult) {
	defer s.drainTTS()

	if res.IsRepeatRequest && s.conn != ConnConnected {
		s.logger.Info("repeat result while not connected discarded", "item_id", res.OriginalItemID, "state", s.conn)
		return
	}

	id := res.OriginalItemID
	if id != "" {
		if s.processed[id] {
			s.logger.Debug("translation result already processed", "item_id", id)
			return
		}
		s.processed[id] = true
	}

	if res.Error != "" {
		if strings.Contains(res.Error, autoDetectFailure) {
			s.logger.Warn("language auto-detection failed", "item_id", id, "error", res.Error)
		} else {
			s.logger.Error("translation failed", "item_id", id, "error", res.Error)
		}
		s.cfg.Metrics.Translation("error")
		s.toastError(res.Error)
		s.listenUnlessIdle()
		delete(s.undItems, id)
		return
	}

	if !res.wellFormed() {
		s.logger.Error("malformed translation result", "item_id", id)
		s.cfg.Metrics.Translation("malformed")
		s.toastError("[System: Malformed translation data received]")
		s.listenUnlessIdle()
		return
	}

	var req TTSRequest
	if res.IsRepeatRequest {
		s.cfg.Metrics.Translation("repeat")
		if s.lastSpoken == nil {
			s.toastError("[System: Nothing to repeat]")
			s.setAI(AIListening)
			return
		}
		req = *s.lastSpoken
	} else {
		src := history.LangOf(res.SourceLanguage)
		if src == history.LangUnknown {
			s.cfg.Metrics.Translation("unsupported")
			s.toastInfo(fmt.Sprintf("[System: Unhandled language pair in translation result (%s -> %s)]",
				res.SourceLanguage, res.TargetLanguage))
			delete(s.undItems, id)
			s.listenUnlessIdle()
			return
		}
		s.cfg.Metrics.Translation("ok")
		req = s.recordTranslation(res, src)
	}

	if !s.ttsEnabled(history.LangOf(req.Language)) {
		s.logger.Debug("tts disabled for language", "language", req.Language)
		s.ttsFetching = false
		if s.ai != AIIdle && s.ai != AIListening && s.ready {
			s.setAI(AIListening)
		}
		return
	}

	s.enqueue(req, id, res.IsRepeatRequest)
}

// recordTranslation appends the translated turn and, for utterances whose
// language was undetermined at transcription time, the original text.
func (s *Session) recordTranslation(res TranslationResult, src history.Lang) TTSRequest {
	target := src.Other()
	now := s.cfg.Now()
	id := res.OriginalItemID

	translated := history.Turn{
		ID:             history.NewTurnID(string(target)+"_trans_h", id, now),
		Text:           res.TranslatedText,
		Type:           history.TranslationType(target),
		Timestamp:      now.UnixMilli(),
		OriginalItemID: id,
	}
	s.appendTurn(target, translated)
	s.persist(translated, res.TargetLanguage, history.ActorUser)

	if s.undItems[id] {
		delete(s.undItems, id)
		original := history.Turn{
			ID:             history.NewTurnID("user_direct", id+"_orig", now),
			Text:           res.OriginalTranscript,
			Type:           history.DirectType(src),
			Timestamp:      now.UnixMilli(),
			OriginalItemID: id,
		}
		s.appendTurn(src, original)
	}

	return TTSRequest{Text: res.TranslatedText, Language: string(target), ItemID: id}
}
