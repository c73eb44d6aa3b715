package relay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/voxd/voxd/internal/events"
	"github.com/voxd/voxd/internal/permission"
)

// Abort interrupts the in-flight turn. The child gets SIGINT and a drain
// window to finish with its own message_end or aborted event; when the
// window lapses the turn is force-settled as aborted and the partial text
// discarded. A second abort while one is draining is rejected.
func (s *Service) Abort() error {
	s.mu.Lock()
	if s.turnID == "" {
		s.mu.Unlock()
		return fmt.Errorf("%w: no turn in flight", ErrConflict)
	}
	if s.aborting {
		s.mu.Unlock()
		return fmt.Errorf("%w: abort already in progress", ErrConflict)
	}
	s.aborting = true
	turnID := s.turnID
	s.mu.Unlock()

	s.logger.Info("Aborting turn", zap.String("turn_id", turnID))

	if err := s.agent.Abort(); err != nil {
		// No child to cooperate with; settle immediately.
		s.logger.Warn("Abort signal failed", zap.String("turn_id", turnID), zap.Error(err))
		s.forceAbort(turnID)
		return nil
	}

	s.mu.Lock()
	// The child may have finished between unlock and here.
	if s.turnID == turnID && s.aborting {
		s.abortTimer = time.AfterFunc(s.abortDrain, func() { s.forceAbort(turnID) })
	}
	s.mu.Unlock()
	return nil
}

// forceAbort settles a turn whose child never confirmed the abort: the
// accumulated text is dropped and the manager's turn slot is freed so the
// next submission is not stuck behind a wedged child.
func (s *Service) forceAbort(turnID string) {
	s.mu.Lock()
	if s.turnID != turnID {
		s.mu.Unlock()
		return
	}
	s.clearTurnLocked()
	s.mu.Unlock()

	s.logger.Warn("Abort drain window lapsed, forcing", zap.String("turn_id", turnID))
	s.agent.FinishTurn()
	s.settleAborted(turnID)
}

// Restart asks the supervisor for a fresh child generation. The teardown
// bookkeeping (failing the turn, denying permissions, clearing chat) runs
// in AgentDown once the old generation is stopped.
func (s *Service) Restart() {
	s.logger.Info("Agent restart requested")
	s.agent.Restart()
}

// RespondPrompt answers the active prompt with one of its numbered options.
// Permission prompts route the decision to the broker; agent prompts write
// the option back to the child.
func (s *Service) RespondPrompt(option int) error {
	p := s.agg.CurrentPrompt()
	if p == nil {
		return fmt.Errorf("%w: no active prompt", ErrNotFound)
	}

	valid := false
	for _, o := range p.Options {
		if o.Num == option {
			valid = true
			break
		}
	}
	if !valid {
		return fmt.Errorf("%w: option %d is not offered", ErrBadRequest, option)
	}

	if p.Kind == events.PromptKindPermission {
		decision := events.DecisionDeny
		if option == 1 {
			decision = events.DecisionAllow
		}
		return s.RespondPermission(p.PermissionRequestID, decision, "")
	}

	if err := s.agent.SendOption(p.TurnID, option); err != nil {
		return fmt.Errorf("%w: prompt no longer answerable: %v", ErrConflict, err)
	}
	s.agg.ResolvePrompt(p.ID)
	s.logger.Info("Prompt answered", zap.String("prompt_id", p.ID), zap.Int("option", option))
	return nil
}

// RequestPermission registers a tool authorisation request and returns it,
// already decided when an auto-allow rule matches.
func (s *Service) RequestPermission(toolName, inputSummary string) *events.PermissionRequest {
	return s.broker.Request(toolName, inputSummary)
}

// PermissionStatus reports a request's decision, long-polling until it is
// decided, maxWait lapses, or ctx is cancelled.
func (s *Service) PermissionStatus(ctx context.Context, id string, maxWait time.Duration) (*events.PermissionRequest, error) {
	req, err := s.broker.Wait(ctx, id, maxWait)
	if err != nil {
		if errors.Is(err, permission.ErrNotFound) {
			return nil, fmt.Errorf("%w: unknown permission request", ErrNotFound)
		}
		return nil, err
	}
	return req, nil
}

// RespondPermission resolves a pending permission request. Repeating the
// same decision inside the retention window is accepted silently.
func (s *Service) RespondPermission(id, decision, reason string) error {
	err := s.broker.Respond(id, decision, reason)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, permission.ErrNotFound):
		return fmt.Errorf("%w: unknown permission request", ErrNotFound)
	case errors.Is(err, permission.ErrBadDecision):
		return fmt.Errorf("%w: decision must be allow or deny", ErrBadRequest)
	case errors.Is(err, permission.ErrAlreadyDecided):
		return fmt.Errorf("%w: request already decided", ErrConflict)
	default:
		return err
	}
}
