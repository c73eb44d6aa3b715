package relay

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/voxd/voxd/internal/common/tracing"
	"github.com/voxd/voxd/internal/events"
	"github.com/voxd/voxd/internal/settings"
	"github.com/voxd/voxd/internal/speech"
	"github.com/voxd/voxd/internal/state"
	"github.com/voxd/voxd/pkg/agentstream"
)

// HandleAgentEvent folds one child stdout event into session state. It runs
// on the child's single reader goroutine; a panic here must never kill that
// goroutine, so it is logged and swallowed.
func (s *Service) HandleAgentEvent(ev *agentstream.Event) {
	if ev == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Agent event handler panicked",
				zap.Any("panic", r),
				zap.String("event_type", ev.Type),
				zap.String("turn_id", ev.TurnID),
				zap.Stack("stack"))
		}
	}()

	tracing.TraceAgentEvent(context.Background(), ev.Type, ev.TurnID)

	switch ev.Type {
	case agentstream.EventTextChunk:
		s.handleTextChunk(ev)
	case agentstream.EventToolUse:
		s.handleToolUse(ev)
	case agentstream.EventPrompt:
		s.handlePrompt(ev)
	case agentstream.EventUsage:
		s.handleUsage(ev)
	case agentstream.EventMessageEnd:
		s.handleMessageEnd(ev)
	case agentstream.EventAborted:
		s.handleAborted(ev)
	default:
		s.logger.Debug("Ignoring unknown agent event", zap.String("type", ev.Type))
	}
}

// matchTurn returns the in-flight turn id when the event belongs to it.
// Events whose turn_id names a settled turn are late stragglers and dropped.
func (s *Service) matchTurn(ev *agentstream.Event) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.turnID == "" || (ev.TurnID != "" && ev.TurnID != s.turnID) {
		return "", false
	}
	return s.turnID, true
}

func (s *Service) handleTextChunk(ev *agentstream.Event) {
	s.mu.Lock()
	if s.turnID == "" || (ev.TurnID != "" && ev.TurnID != s.turnID) {
		s.mu.Unlock()
		return
	}
	turnID := s.turnID
	s.buf.WriteString(ev.Delta)
	s.mu.Unlock()

	s.bus.Publish(events.TextChunk{TurnID: turnID, Text: ev.Delta})
}

func (s *Service) handleToolUse(ev *agentstream.Event) {
	turnID, _ := s.matchTurn(ev)
	detail := ev.Name
	if ev.Summary != "" {
		detail += ": " + ev.Summary
	}
	s.logger.Debug("Agent invoked tool", zap.String("tool", ev.Name), zap.String("turn_id", turnID))
	s.bus.Publish(events.ToolInvoked{Name: ev.Name, Summary: ev.Summary})
	s.agg.RecordToolStep(turnID, ev.Name, snippet(detail))
}

func (s *Service) handlePrompt(ev *agentstream.Event) {
	turnID, _ := s.matchTurn(ev)
	opts := make([]events.PromptOption, 0, len(ev.Options))
	for i, label := range ev.Options {
		opts = append(opts, events.PromptOption{Num: i + 1, Label: label})
	}
	s.agg.PostPrompt(events.Prompt{
		ID:       uuid.NewString(),
		Kind:     events.PromptKindAgent,
		Question: ev.Question,
		Options:  opts,
		TurnID:   turnID,
	})
}

func (s *Service) handleUsage(ev *agentstream.Event) {
	s.agg.SetUsage(events.Usage{
		InputTokens:         ev.InputTokens,
		OutputTokens:        ev.OutputTokens,
		CacheReadTokens:     ev.CacheReadTokens,
		CacheCreationTokens: ev.CacheCreationTokens,
		TotalContext:        ev.TotalContext,
		ContextWindow:       ev.ContextWindow,
		ContextPercent:      ev.ContextPercent,
		CostUSD:             ev.CostUSD,
	})
}

// handleMessageEnd settles the in-flight turn with whatever text accumulated.
// A message_end arriving inside the abort drain window still counts: the
// child finished on its own terms.
func (s *Service) handleMessageEnd(ev *agentstream.Event) {
	s.mu.Lock()
	if s.turnID == "" || (ev.TurnID != "" && ev.TurnID != s.turnID) {
		s.mu.Unlock()
		s.logger.Debug("message_end for settled turn", zap.String("turn_id", ev.TurnID))
		return
	}
	turnID := s.turnID
	text := strings.TrimSpace(s.buf.String())
	s.clearTurnLocked()
	s.mu.Unlock()

	s.agent.FinishTurn()
	s.completeTurn(turnID, text)
}

func (s *Service) handleAborted(ev *agentstream.Event) {
	s.mu.Lock()
	if s.turnID == "" || (ev.TurnID != "" && ev.TurnID != s.turnID) {
		s.mu.Unlock()
		s.logger.Debug("aborted for settled turn", zap.String("turn_id", ev.TurnID))
		return
	}
	turnID := s.turnID
	s.clearTurnLocked()
	s.mu.Unlock()

	s.logger.Info("Agent confirmed abort", zap.String("turn_id", turnID))
	s.agent.FinishTurn()
	s.settleAborted(turnID)
}

// completeTurn publishes the assistant message and settles the turn
// according to its response mode.
func (s *Service) completeTurn(turnID, text string) {
	t, ok := s.agg.GetTurn(turnID)
	if !ok {
		s.logger.Warn("message_end for unknown turn", zap.String("turn_id", turnID))
		s.guard.Release()
		s.agg.SetStatus(events.StatusIdle)
		return
	}

	s.agg.RecordStep(turnID, state.StepResponseCaptured, snippet(text))
	s.agg.AppendChat(events.RoleAssistant, text)
	s.agg.RecordStep(turnID, state.StepResponseBroadcast, "")

	if t.ResponseMode == settings.ModeAudio && text != "" && s.speakResponse(turnID, text) {
		return
	}

	s.agg.UpdateTurn(turnID, func(t *state.Turn) {
		t.Status = state.TurnCompleted
		t.Response = text
	})
	s.agg.FinishTimeline(turnID, state.TimelineCompleted, "")
	s.guard.Release()
	s.agg.SetStatus(events.StatusIdle)
	s.logger.Info("Turn completed", zap.String("turn_id", turnID), zap.String("mode", t.ResponseMode))
}

// speakResponse synthesises the reply and stores the artifact. Returns false
// when TTS fails, in which case the caller falls back to a text completion
// and the failure is surfaced to subscribers.
func (s *Service) speakResponse(turnID, text string) bool {
	cfg := s.settings.Get()
	s.agg.RecordStep(turnID, state.StepTTSGenerating, cfg.TTSVoice)

	data, err := s.speech.Synthesize(context.Background(), text, speech.SynthesizeOptions{
		Voice:    cfg.TTSVoice,
		MaxChars: cfg.TTSMaxChars,
	})
	if err == nil {
		err = s.audio.Put(turnID, data, speech.MimeMPEG)
	}
	if err != nil {
		err = wrapUpstream("synthesize", err)
		s.logger.Error("TTS failed, falling back to text", zap.String("turn_id", turnID), zap.Error(err))
		s.agg.RecordStep(turnID, state.StepError, err.Error())
		s.bus.Publish(events.Error{TurnID: turnID, Kind: "tts_failed", Message: err.Error()})
		return false
	}

	s.agg.UpdateTurn(turnID, func(t *state.Turn) {
		t.Status = state.TurnSpeaking
		t.Response = text
		t.AudioID = turnID
	})
	s.mu.Lock()
	s.speakingID = turnID
	s.mu.Unlock()
	s.guard.Release()
	s.agg.SetStatus(events.StatusSpeaking)
	s.agg.RecordStep(turnID, state.StepResponseReady, fmt.Sprintf("audio, %d bytes", len(data)))
	s.agg.FinishTimeline(turnID, state.TimelineCompleted, "")
	s.logger.Info("Turn speaking", zap.String("turn_id", turnID), zap.Int("audio_bytes", len(data)))
	return true
}

// settleAborted records the aborted turn and returns the session to idle.
// Any accumulated partial text was already discarded with the buffer.
func (s *Service) settleAborted(turnID string) {
	s.agg.UpdateTurn(turnID, func(t *state.Turn) { t.Status = state.TurnAborted })
	s.agg.FinishTimeline(turnID, state.TimelineError, "aborted")

	// A question from the aborted turn is moot; permission requests keep
	// their own deadline.
	if p := s.agg.CurrentPrompt(); p != nil && p.Kind == events.PromptKindAgent && p.TurnID == turnID {
		s.agg.ResolvePrompt(p.ID)
	}

	s.guard.Release()
	s.agg.SetStatus(events.StatusIdle)
}
