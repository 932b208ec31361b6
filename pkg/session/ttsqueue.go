package session

import (
	"fmt"

	"github.com/teslashibe/go-habla/pkg/protocol"
)

// enqueue places req in the TTS slot once per triggering utterance.
func (s *Session) enqueue(req TTSRequest, triggerID string, repeat bool) {
	queued := s.queuedOriginal
	key := triggerID
	if repeat {
		queued = s.queuedRepeat
		if key == "" {
			key = "repeat"
		}
	} else if key == "" {
		key = "original"
	}
	if queued[key] {
		s.logger.Debug("tts already queued for utterance", "item_id", key, "repeat", repeat)
		return
	}
	queued[key] = true

	if s.pending != nil {
		s.logger.Warn("tts slot occupied, replacing", "dropped_item", s.pending.ItemID, "item_id", req.ItemID)
	}
	s.pending = &req
}

// drainTTS sends the pending request when the session can accept it.
func (s *Session) drainTTS() {
	if s.pending == nil || !s.ready || s.conn != ConnConnected || !s.effects.ChannelOpen() {
		return
	}
	req := *s.pending
	s.pending = nil

	s.ttsFetching = true
	s.setAI(AISpeaking)
	s.setReady(false)
	prev := s.lastSpoken
	s.lastSpoken = &req

	data, err := protocol.NewSpeakDirective(req.Text, s.cfg.Voice).Bytes()
	if err == nil {
		err = s.effects.Send(data)
	}
	if err != nil {
		s.logger.Error("send speech directive", "item_id", req.ItemID, "error", err)
		s.lastSpoken = prev
		s.ttsFetching = false
		s.setReady(true)
		s.setAI(AIListening)
		s.toastError(fmt.Sprintf("Failed to request speech: %v", err))
		return
	}
	s.cfg.Metrics.TTSDirective(req.Language)
	s.logger.Info("speech directive sent", "item_id", req.ItemID, "language", req.Language)
}
