package relay

import (
	"errors"
	"fmt"
	"time"

	"github.com/voxd/voxd/internal/agent"
	"github.com/voxd/voxd/internal/guard"
	"github.com/voxd/voxd/internal/speech"
)

var (
	// ErrAuthDenied is returned when the peer is not on the allowlist.
	ErrAuthDenied = errors.New("relay: peer not authorised")

	// ErrBadRequest is returned for malformed or empty submissions.
	ErrBadRequest = errors.New("relay: bad request")

	// ErrPayloadTooLarge is returned when a body exceeds the configured cap.
	ErrPayloadTooLarge = errors.New("relay: payload too large")

	// ErrBusy is returned when a submission arrives while a turn is in flight.
	// Submissions are never queued.
	ErrBusy = errors.New("relay: turn in flight")

	// ErrNotFound is returned for unknown request, prompt and permission ids.
	ErrNotFound = errors.New("relay: not found")

	// ErrConflict is returned when an operation does not apply to the current
	// state, e.g. aborting with no active turn.
	ErrConflict = errors.New("relay: conflict")

	// ErrAgentUnavailable is returned when the child process cannot accept a
	// turn, e.g. between crash and relaunch.
	ErrAgentUnavailable = errors.New("relay: agent unavailable")
)

// CooldownError rejects a duplicate submission inside the cooldown window.
type CooldownError struct {
	Remaining time.Duration
}

func (e *CooldownError) Error() string {
	return fmt.Sprintf("relay: duplicate submission, retry in %dms", e.Remaining.Milliseconds())
}

// UpstreamError reports a failed STT or TTS provider call. StatusCode is the
// upstream HTTP status when the provider answered, zero on transport failure.
type UpstreamError struct {
	Op         string
	StatusCode int
	Message    string
	Err        error
}

func (e *UpstreamError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("relay: %s failed, provider returned %d: %s", e.Op, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("relay: %s failed: %v", e.Op, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// wrapUpstream converts a speech client error into an UpstreamError,
// preserving the provider status when one was received.
func wrapUpstream(op string, err error) error {
	var apiErr *speech.APIError
	if errors.As(err, &apiErr) {
		return &UpstreamError{Op: op, StatusCode: apiErr.StatusCode, Message: apiErr.Message, Err: err}
	}
	return &UpstreamError{Op: op, Err: err}
}

// wrapGuardErr converts guard rejections into the relay error vocabulary.
func wrapGuardErr(err error) error {
	var cd *guard.CooldownError
	if errors.As(err, &cd) {
		return &CooldownError{Remaining: cd.Remaining}
	}
	if errors.Is(err, guard.ErrBusy) {
		return fmt.Errorf("%w: a turn is already being processed", ErrBusy)
	}
	return err
}

// wrapAgentErr converts child process errors into the relay error vocabulary.
func wrapAgentErr(err error) error {
	switch {
	case errors.Is(err, agent.ErrNotReady):
		return fmt.Errorf("%w: agent is mid-turn", ErrBusy)
	case errors.Is(err, agent.ErrNotRunning):
		return fmt.Errorf("%w: agent process is not running", ErrAgentUnavailable)
	default:
		return fmt.Errorf("%w: %v", ErrAgentUnavailable, err)
	}
}
