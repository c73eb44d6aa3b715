package agent

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/voxd/voxd/internal/common/logger"
	"github.com/voxd/voxd/pkg/agentstream"
)

// crashWindow bounds how far apart crashes still count as consecutive.
const crashWindow = 10 * time.Second

// Down reasons passed to OnDown.
const (
	DownCrash    = "crash"
	DownRestart  = "restart"
	DownShutdown = "shutdown"
)

// SupervisorConfig tunes the relaunch policy.
type SupervisorConfig struct {
	Manager      ManagerConfig
	StopGrace    time.Duration
	MaxCrashes   int
	CrashBackoff time.Duration
}

// Supervisor keeps one agent child running: it relaunches after crashes
// with backoff and gives up with ErrCrashLoop when crashes come faster
// than the crash window. Controlled restarts do not count as crashes.
type Supervisor struct {
	cfg     SupervisorConfig
	logger  *logger.Logger
	handler agentstream.EventHandler

	// OnUp runs after each successful launch; OnDown runs after the
	// child is fully gone, with the reason. Set both before Run.
	OnUp   func(m *Manager)
	OnDown func(reason string)

	mu        sync.RWMutex
	current   *Manager
	restartCh chan struct{}
}

// NewSupervisor creates a supervisor. Events from every child generation
// go to the same handler.
func NewSupervisor(cfg SupervisorConfig, handler agentstream.EventHandler, log *logger.Logger) *Supervisor {
	return &Supervisor{
		cfg:       cfg,
		logger:    log.WithComponent("agent-supervisor"),
		handler:   handler,
		restartCh: make(chan struct{}, 1),
	}
}

// Current returns the live manager, or nil between generations.
func (s *Supervisor) Current() *Manager {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Restart asks the run loop to replace the child. Extra requests while one
// is pending are coalesced.
func (s *Supervisor) Restart() {
	select {
	case s.restartCh <- struct{}{}:
	default:
	}
}

// Run launches and supervises the child until ctx is cancelled. It returns
// ErrCrashLoop when the child keeps dying, nil on orderly shutdown.
func (s *Supervisor) Run(ctx context.Context) error {
	consecutive := 0
	var lastCrash time.Time

	for {
		mgr := NewManager(s.cfg.Manager, s.handler, s.logger)
		if err := mgr.Start(ctx); err != nil {
			s.logger.Error("Agent launch failed", zap.Error(err))
			var loopErr error
			consecutive, lastCrash, loopErr = s.recordCrash(consecutive, lastCrash)
			if loopErr != nil {
				return loopErr
			}
			if err := s.backoff(ctx); err != nil {
				return nil
			}
			continue
		}

		s.setCurrent(mgr)
		if s.OnUp != nil {
			s.OnUp(mgr)
		}

		select {
		case <-ctx.Done():
			s.setCurrent(nil)
			mgr.Stop(s.cfg.StopGrace)
			s.down(DownShutdown)
			return nil

		case <-s.restartCh:
			s.logger.Info("Restarting agent process", zap.Int("pid", mgr.Pid()))
			s.setCurrent(nil)
			mgr.Stop(s.cfg.StopGrace)
			s.down(DownRestart)
			consecutive = 0
			continue

		case <-mgr.Done():
			s.setCurrent(nil)
			s.logger.Error("Agent process died",
				zap.Int("exit_code", mgr.ExitCode()),
				zap.Strings("stderr_tail", mgr.StderrTail(10)))
			s.down(DownCrash)

			var loopErr error
			consecutive, lastCrash, loopErr = s.recordCrash(consecutive, lastCrash)
			if loopErr != nil {
				return loopErr
			}
			if err := s.backoff(ctx); err != nil {
				return nil
			}
		}
	}
}

// recordCrash updates the consecutive-crash accounting and reports
// ErrCrashLoop once the limit is hit.
func (s *Supervisor) recordCrash(consecutive int, lastCrash time.Time) (int, time.Time, error) {
	now := time.Now()
	if !lastCrash.IsZero() && now.Sub(lastCrash) > crashWindow {
		consecutive = 0
	}
	consecutive++
	if consecutive >= s.cfg.MaxCrashes {
		s.logger.Error("Agent crash loop detected", zap.Int("crashes", consecutive))
		return consecutive, now, ErrCrashLoop
	}
	return consecutive, now, nil
}

// backoff sleeps the relaunch delay; a non-nil error means ctx ended.
func (s *Supervisor) backoff(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(s.cfg.CrashBackoff):
		return nil
	}
}

func (s *Supervisor) setCurrent(m *Manager) {
	s.mu.Lock()
	s.current = m
	s.mu.Unlock()
}

func (s *Supervisor) down(reason string) {
	if s.OnDown != nil {
		s.OnDown(reason)
	}
}
