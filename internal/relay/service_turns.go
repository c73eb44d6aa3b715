package relay

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/voxd/voxd/internal/common/tracing"
	"github.com/voxd/voxd/internal/events"
	"github.com/voxd/voxd/internal/settings"
	"github.com/voxd/voxd/internal/speech"
	"github.com/voxd/voxd/internal/state"
)

// SubmitResult is returned once a submission has been accepted. The agent
// turn continues asynchronously; clients follow it over the WebSocket or by
// polling the response endpoint with TurnID.
type SubmitResult struct {
	TurnID       string `json:"request_id"`
	Transcript   string `json:"transcript"`
	ResponseMode string `json:"response_mode"`
}

// SubmitAudio transcribes a voice submission and starts an agent turn with
// the transcript. It returns once the turn has been handed to the child.
// An empty transcript records a no_speech turn and never reaches the agent.
func (s *Service) SubmitAudio(ctx context.Context, audioData []byte, contentType, modeOverride string) (*SubmitResult, error) {
	if len(audioData) == 0 {
		return nil, fmt.Errorf("%w: empty audio body", ErrBadRequest)
	}
	mode, err := s.resolveMode(modeOverride)
	if err != nil {
		return nil, err
	}
	if s.guard.Busy() {
		return nil, fmt.Errorf("%w: a turn is already being processed", ErrBusy)
	}

	turnID := newTurnID()
	ctx, span := tracing.TraceTurn(ctx, turnID, state.SourceVoice)
	defer span.End()

	s.logger.Info("Audio submission received",
		zap.String("turn_id", turnID),
		zap.Int("bytes", len(audioData)),
		zap.String("content_type", contentType))

	s.agg.BeginTimeline(state.TimelineEntry{
		RequestID:   turnID,
		InputType:   state.SourceVoice,
		ContentType: contentType,
		SizeBytes:   len(audioData),
	})
	s.agg.RecordStep(turnID, state.StepReceived, fmt.Sprintf("%d bytes, %s", len(audioData), contentType))
	s.agg.SetStatus(events.StatusListening)
	s.agg.RecordStep(turnID, state.StepSending, "audio sent to transcription provider")

	transcript, err := s.transcribe(ctx, audioData, contentType)
	if err != nil {
		s.logger.Error("Transcription failed", zap.String("turn_id", turnID), zap.Error(err))
		s.agg.RecordStep(turnID, state.StepError, err.Error())
		s.agg.FinishTimeline(turnID, state.TimelineError, err.Error())
		s.agg.SetStatus(events.StatusIdle)
		return nil, err
	}
	transcript = strings.TrimSpace(transcript)

	if transcript == "" {
		s.agg.RecordStep(turnID, state.StepTranscribed, "no speech detected")
		s.agg.FinishTimeline(turnID, state.TimelineNoSpeech, "")
		s.agg.CreateTurn(state.Turn{
			ID:           turnID,
			Source:       state.SourceVoice,
			ResponseMode: mode,
			Status:       state.TurnNoSpeech,
			CreatedAt:    time.Now(),
		})
		s.agg.SetStatus(events.StatusIdle)
		return &SubmitResult{TurnID: turnID, Transcript: "", ResponseMode: mode}, nil
	}
	s.agg.RecordStep(turnID, state.StepTranscribed, snippet(transcript))
	s.agg.UpdateTimeline(turnID, func(e *state.TimelineEntry) { e.Transcript = transcript })

	return s.startTurn(turnID, state.SourceVoice, transcript, mode)
}

// SubmitText starts an agent turn directly from typed text.
func (s *Service) SubmitText(ctx context.Context, text, modeOverride string) (*SubmitResult, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fmt.Errorf("%w: empty text", ErrBadRequest)
	}
	mode, err := s.resolveMode(modeOverride)
	if err != nil {
		return nil, err
	}
	if s.guard.Busy() {
		return nil, fmt.Errorf("%w: a turn is already being processed", ErrBusy)
	}

	turnID := newTurnID()
	_, span := tracing.TraceTurn(ctx, turnID, state.SourceText)
	defer span.End()

	s.logger.Info("Text submission received",
		zap.String("turn_id", turnID), zap.String("text", snippet(text)))
	s.agg.BeginTimeline(state.TimelineEntry{
		RequestID:   turnID,
		InputType:   state.SourceText,
		ContentType: "text/plain",
		SizeBytes:   len(text),
		Transcript:  text,
	})
	s.agg.RecordStep(turnID, state.StepReceived, snippet(text))

	return s.startTurn(turnID, state.SourceText, text, mode)
}

// startTurn runs the shared tail of both submission paths: admit through the
// guard, record the turn, append the user message, and hand the text to the
// child. The caller already resolved the response mode.
func (s *Service) startTurn(turnID, source, text, mode string) (*SubmitResult, error) {
	if err := s.guard.Admit(text); err != nil {
		s.agg.FinishTimeline(turnID, state.TimelineError, err.Error())
		if s.agg.Status() == events.StatusListening {
			s.agg.SetStatus(events.StatusIdle)
		}
		return nil, wrapGuardErr(err)
	}

	s.agg.CreateTurn(state.Turn{
		ID:           turnID,
		Source:       source,
		Transcript:   text,
		ResponseMode: mode,
		Status:       state.TurnPending,
		CreatedAt:    time.Now(),
	})
	s.agg.SetStatus(events.StatusThinking)
	s.agg.AppendChat(events.RoleUser, text)

	s.mu.Lock()
	s.buf.Reset()
	s.turnID = turnID
	s.mu.Unlock()

	if err := s.agent.SendTurn(turnID, text); err != nil {
		s.logger.Error("Handing turn to agent failed", zap.String("turn_id", turnID), zap.Error(err))
		s.mu.Lock()
		s.clearTurnLocked()
		s.mu.Unlock()
		s.guard.Release()
		s.agg.UpdateTurn(turnID, func(t *state.Turn) {
			t.Status = state.TurnFailed
			t.Error = err.Error()
		})
		s.agg.RecordStep(turnID, state.StepError, err.Error())
		s.agg.FinishTimeline(turnID, state.TimelineError, err.Error())
		s.agg.SetStatus(events.StatusIdle)
		return nil, wrapAgentErr(err)
	}
	s.agg.RecordStep(turnID, state.StepAgentStarted, "")
	s.agg.UpdateTimeline(turnID, func(e *state.TimelineEntry) { e.AgentLaunched = true })

	return &SubmitResult{TurnID: turnID, Transcript: text, ResponseMode: mode}, nil
}

// transcribe runs STT with the current runtime settings.
func (s *Service) transcribe(ctx context.Context, audioData []byte, contentType string) (string, error) {
	cfg := s.settings.Get()
	text, err := s.speech.Transcribe(ctx, audioData, contentType, speech.TranscribeOptions{
		Model:       cfg.STTModel,
		Language:    cfg.STTLanguage,
		SmartFormat: cfg.STTOptions[settings.OptSmartFormat],
		Punctuate:   cfg.STTOptions[settings.OptPunctuate],
	})
	if err != nil {
		return "", wrapUpstream("transcribe", err)
	}
	return text, nil
}

// resolveMode picks the per-turn response mode: the request override when
// present, otherwise the configured default.
func (s *Service) resolveMode(override string) (string, error) {
	if override == "" {
		return s.settings.Get().ResponseMode, nil
	}
	if !settings.ValidResponseMode(override) {
		return "", fmt.Errorf("%w: invalid response mode %q", ErrBadRequest, override)
	}
	return override, nil
}

// ResponseInfo is the poll answer for one accepted submission.
type ResponseInfo struct {
	Status   string `json:"status"`
	Type     string `json:"type,omitempty"`
	Response string `json:"response,omitempty"`
	AudioURL string `json:"audio_url,omitempty"`
}

// ResponseStatus reports how far a turn's response has progressed. Turns
// that ended without a response (aborted, failed, no speech) report
// ErrNotFound, same as ids that never existed.
func (s *Service) ResponseStatus(id string) (*ResponseInfo, error) {
	t, ok := s.agg.GetTurn(id)
	if !ok {
		return nil, fmt.Errorf("%w: unknown request id", ErrNotFound)
	}

	switch t.Status {
	case state.TurnPending:
		return &ResponseInfo{Status: "pending"}, nil
	case state.TurnSpeaking, state.TurnCompleted:
		if t.ResponseMode == settings.ModeDisabled {
			return &ResponseInfo{Status: "disabled"}, nil
		}
		info := &ResponseInfo{Status: "completed", Type: "text", Response: t.Response}
		if t.AudioID != "" {
			if _, found := s.audio.Get(t.AudioID); found {
				info.Type = "audio"
				info.AudioURL = "/api/audio/" + t.AudioID
			}
		}
		return info, nil
	default:
		return nil, fmt.Errorf("%w: no response for request", ErrNotFound)
	}
}

// AckResponse marks a turn's response as delivered and evicts its audio
// artifact, which in turn ends the speaking phase. Repeated acks are no-ops.
func (s *Service) AckResponse(id string) error {
	t, ok := s.agg.GetTurn(id)
	if !ok {
		return fmt.Errorf("%w: unknown request id", ErrNotFound)
	}
	if !t.Acknowledged {
		s.agg.UpdateTurn(id, func(t *state.Turn) { t.Acknowledged = true })
		s.agg.RecordStep(id, state.StepClientReceived, "receipt confirmed")
	}
	s.audio.Ack(id)
	return nil
}
