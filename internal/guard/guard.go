// Package guard admits turn submissions: one active turn at a time, and a
// cooldown against resubmitting the same transcript.
package guard

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/voxd/voxd/internal/common/logger"
)

// ErrBusy is returned while another turn is active. Submissions are never
// queued.
var ErrBusy = errors.New("guard: turn in progress")

// CooldownError reports a duplicate submission inside the cooldown window.
type CooldownError struct {
	// Remaining is how long until the same text would be admitted again.
	Remaining time.Duration
}

// Error implements the error interface.
func (e *CooldownError) Error() string {
	return fmt.Sprintf("guard: duplicate submission, retry in %dms", e.Remaining.Milliseconds())
}

// Guard serialises turn submissions. Duplicate detection is exact text
// equality against the previously accepted submission, measured from its
// acceptance time.
type Guard struct {
	mu       sync.Mutex
	cooldown time.Duration
	lastText string
	lastAt   time.Time
	busy     bool
	logger   *logger.Logger

	now func() time.Time
}

// NewGuard creates a guard with the given duplicate cooldown window.
func NewGuard(cooldown time.Duration, log *logger.Logger) *Guard {
	return &Guard{
		cooldown: cooldown,
		logger:   log.WithComponent("guard"),
		now:      time.Now,
	}
}

// Admit accepts a submission or rejects it with ErrBusy or a
// CooldownError. On success the guard is held until Release.
func (g *Guard) Admit(text string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.busy {
		g.logger.Debug("Submission rejected, turn in progress")
		return ErrBusy
	}

	now := g.now()
	if text != "" && text == g.lastText {
		if elapsed := now.Sub(g.lastAt); elapsed < g.cooldown {
			remaining := g.cooldown - elapsed
			g.logger.Debug("Duplicate submission rejected", zap.Duration("remaining", remaining))
			return &CooldownError{Remaining: remaining}
		}
	}

	g.lastText = text
	g.lastAt = now
	g.busy = true
	return nil
}

// Release frees the guard once the admitted turn settles. The cooldown
// window keeps running from the acceptance time.
func (g *Guard) Release() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.busy = false
}

// Busy reports whether a turn is currently active.
func (g *Guard) Busy() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.busy
}
