package agent

import "errors"

// Sentinel errors for agent lifecycle operations.
var (
	// ErrNotReady is returned when a turn is sent while the process is
	// not ready for one.
	ErrNotReady = errors.New("agent: process not ready for a turn")

	// ErrNoActiveTurn is returned when an option is sent outside a turn.
	ErrNoActiveTurn = errors.New("agent: no active turn")

	// ErrNotRunning is returned when a signal targets a dead process.
	ErrNotRunning = errors.New("agent: process not running")

	// ErrCrashLoop is returned by the supervisor when the process keeps
	// crashing faster than it can do useful work.
	ErrCrashLoop = errors.New("agent: process crashed repeatedly, giving up")
)
