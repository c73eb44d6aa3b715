// Package relay implements the voice-to-agent pipeline: submissions are
// transcribed, deduplicated, handed to the agent child process, and the
// child's streamed events are folded back into session state, chat history
// and response artifacts.
package relay

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/voxd/voxd/internal/agent"
	"github.com/voxd/voxd/internal/audio"
	"github.com/voxd/voxd/internal/common/logger"
	"github.com/voxd/voxd/internal/events"
	"github.com/voxd/voxd/internal/events/bus"
	"github.com/voxd/voxd/internal/guard"
	"github.com/voxd/voxd/internal/permission"
	"github.com/voxd/voxd/internal/settings"
	"github.com/voxd/voxd/internal/speech"
	"github.com/voxd/voxd/internal/state"
)

// AgentDriver is the control surface of the agent child process. The relay
// only writes turns and signals through it; events come back asynchronously
// via HandleAgentEvent.
type AgentDriver interface {
	SendTurn(turnID, text string) error
	SendOption(turnID string, option int) error
	FinishTurn()
	Abort() error
	Restart()
}

// SupervisorDriver adapts an agent.Supervisor to AgentDriver, targeting
// whichever child generation is currently running.
type SupervisorDriver struct {
	Sup *agent.Supervisor
}

func (d SupervisorDriver) SendTurn(turnID, text string) error {
	m := d.Sup.Current()
	if m == nil {
		return agent.ErrNotRunning
	}
	return m.SendTurn(turnID, text)
}

func (d SupervisorDriver) SendOption(turnID string, option int) error {
	m := d.Sup.Current()
	if m == nil {
		return agent.ErrNotRunning
	}
	return m.SendOption(turnID, option)
}

func (d SupervisorDriver) FinishTurn() {
	if m := d.Sup.Current(); m != nil {
		m.FinishTurn()
	}
}

func (d SupervisorDriver) Abort() error {
	m := d.Sup.Current()
	if m == nil {
		return agent.ErrNotRunning
	}
	return m.Abort()
}

func (d SupervisorDriver) Restart() { d.Sup.Restart() }

// Deps bundles the components the pipeline drives.
type Deps struct {
	Speech   *speech.Client
	Audio    *audio.Store
	Guard    *guard.Guard
	Broker   *permission.Broker
	State    *state.Aggregator
	Agent    AgentDriver
	Settings *settings.Store
	Bus      *bus.Bus
}

// Service owns one turn at a time: it accepts submissions, runs STT, feeds
// the child, folds child events into the aggregator, and settles the turn
// as completed, speaking, aborted or failed.
type Service struct {
	speech   *speech.Client
	audio    *audio.Store
	guard    *guard.Guard
	broker   *permission.Broker
	agg      *state.Aggregator
	agent    AgentDriver
	settings *settings.Store
	bus      *bus.Bus
	logger   *logger.Logger

	abortDrain time.Duration

	mu         sync.Mutex
	turnID     string
	buf        strings.Builder
	aborting   bool
	abortTimer *time.Timer
	speakingID string
}

// NewService wires the pipeline together. It registers itself as the audio
// store's drop hook so the speaking state ends when the artifact leaves the
// store, whether by ack or by TTL.
func NewService(d Deps, abortDrain time.Duration, log *logger.Logger) *Service {
	s := &Service{
		speech:     d.Speech,
		audio:      d.Audio,
		guard:      d.Guard,
		broker:     d.Broker,
		agg:        d.State,
		agent:      d.Agent,
		settings:   d.Settings,
		bus:        d.Bus,
		logger:     log.WithComponent("relay"),
		abortDrain: abortDrain,
	}
	s.audio.SetDropFunc(s.onAudioDrop)
	return s
}

// AgentUp is called by the supervisor when a child generation is ready.
func (s *Service) AgentUp(pid int) {
	s.logger.Info("Agent process ready", zap.Int("pid", pid))
}

// AgentDown is called by the supervisor when a child generation ends. Any
// in-flight turn is failed, pending permissions are denied, and the session
// returns to idle. An explicit restart additionally clears the chat history,
// since the relaunched child has no conversation context.
func (s *Service) AgentDown(reason string) {
	s.mu.Lock()
	turnID := s.turnID
	s.clearTurnLocked()
	s.mu.Unlock()

	if denied := s.broker.DenyAll("agent terminated"); denied > 0 {
		s.logger.Warn("Denied pending permissions on agent exit",
			zap.Int("count", denied), zap.String("reason", reason))
	}

	if turnID != "" {
		s.agg.UpdateTurn(turnID, func(t *state.Turn) {
			t.Status = state.TurnFailed
			t.Error = "agent terminated"
		})
		s.agg.RecordStep(turnID, state.StepError, "agent terminated ("+reason+")")
		s.agg.FinishTimeline(turnID, state.TimelineError, "agent terminated")
		s.bus.Publish(events.Error{
			TurnID:  turnID,
			Kind:    "agent_terminated",
			Message: "agent process " + reason + " before the turn completed",
		})
		s.guard.Release()
	}

	// An agent question dies with the process that asked it.
	if p := s.agg.CurrentPrompt(); p != nil && p.Kind == events.PromptKindAgent {
		s.agg.ResolvePrompt(p.ID)
	}

	if reason == agent.DownRestart {
		s.agg.ClearChat()
	}
	if reason != agent.DownShutdown {
		s.agg.SetStatus(events.StatusIdle)
	}
}

// onAudioDrop ends the speaking phase when the artifact leaves the store.
func (s *Service) onAudioDrop(id string, reason audio.DropReason) {
	s.mu.Lock()
	wasSpeaking := s.speakingID == id
	if wasSpeaking {
		s.speakingID = ""
	}
	s.mu.Unlock()

	s.agg.UpdateTurn(id, func(t *state.Turn) {
		if t.Status == state.TurnSpeaking {
			t.Status = state.TurnCompleted
		}
	})

	if !wasSpeaking {
		return
	}
	if reason == audio.DropExpired {
		s.logger.Info("Speech artifact expired unacknowledged", zap.String("turn_id", id))
	}
	if s.agg.Status() == events.StatusSpeaking {
		s.agg.SetStatus(events.StatusIdle)
	}
}

// clearTurnLocked resets the in-flight turn bookkeeping. Caller holds mu.
func (s *Service) clearTurnLocked() {
	s.buf.Reset()
	s.turnID = ""
	s.aborting = false
	if s.abortTimer != nil {
		s.abortTimer.Stop()
		s.abortTimer = nil
	}
}

// newTurnID returns a short request id, unique enough for a single session.
func newTurnID() string {
	return uuid.NewString()[:8]
}

const snippetLen = 80

// snippet shortens free text for timeline details and logs.
func snippet(text string) string {
	runes := []rune(text)
	if len(runes) <= snippetLen {
		return text
	}
	return string(runes[:snippetLen]) + "..."
}
