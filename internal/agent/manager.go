// Package agent manages the agent subprocess: one child speaking the
// NDJSON stream protocol over pipes, plus the supervisor that keeps it
// alive.
package agent

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/voxd/voxd/internal/common/logger"
	"github.com/voxd/voxd/pkg/agentstream"
)

// stderrTailSize is how many stderr lines are retained for crash reports.
const stderrTailSize = 200

// Status represents the agent process status.
type Status string

const (
	StatusNotStarted Status = "not_started"
	StatusStarting   Status = "starting"
	StatusReady      Status = "ready"
	StatusBusy       Status = "busy_thinking"
	StatusStopping   Status = "stopping"
	StatusStopped    Status = "stopped"
	StatusError      Status = "error"
)

// ManagerConfig describes how to launch the child.
type ManagerConfig struct {
	Command string
	Args    []string
	WorkDir string
	// Env is the child's full environment. Nil inherits the parent's.
	Env []string
}

// Manager owns one child process from launch to exit. It is not reusable;
// the supervisor builds a fresh Manager per launch.
type Manager struct {
	cfg     ManagerConfig
	logger  *logger.Logger
	handler agentstream.EventHandler

	cmd      *exec.Cmd
	stdin    io.WriteCloser
	stdout   io.ReadCloser
	stderr   io.ReadCloser
	client   *agentstream.Client
	status   atomic.Value // Status
	exitCode atomic.Int32

	stderrTail *TailBuffer

	mu     sync.Mutex
	wg     sync.WaitGroup
	doneCh chan struct{}
}

// NewManager creates a manager for one child launch. Events from the
// child's stdout are dispatched to handler.
func NewManager(cfg ManagerConfig, handler agentstream.EventHandler, log *logger.Logger) *Manager {
	m := &Manager{
		cfg:        cfg,
		logger:     log.WithComponent("agent-process"),
		handler:    handler,
		stderrTail: NewTailBuffer(stderrTailSize),
		doneCh:     make(chan struct{}),
	}
	m.status.Store(StatusNotStarted)
	m.exitCode.Store(-1)
	return m
}

// Status returns the current process status.
func (m *Manager) Status() Status {
	return m.status.Load().(Status)
}

// ExitCode returns the child's exit code, or -1 before exit.
func (m *Manager) ExitCode() int {
	return int(m.exitCode.Load())
}

// Done is closed when the child has exited.
func (m *Manager) Done() <-chan struct{} {
	return m.doneCh
}

// Pid returns the child's PID, or 0 before start.
func (m *Manager) Pid() int {
	if m.cmd != nil && m.cmd.Process != nil {
		return m.cmd.Process.Pid
	}
	return 0
}

// StderrTail returns up to n of the child's most recent stderr lines.
func (m *Manager) StderrTail(n int) []string {
	return m.stderrTail.Last(n)
}

// Start launches the child and begins reading its stream.
func (m *Manager) Start(ctx context.Context) error {
	if m.Status() != StatusNotStarted {
		return fmt.Errorf("agent: manager already started")
	}

	m.logger.Info("Starting agent process",
		zap.String("command", m.cfg.Command),
		zap.Strings("args", m.cfg.Args),
		zap.String("workdir", m.cfg.WorkDir))
	m.status.Store(StatusStarting)

	// Not CommandContext: the caller's request context must not kill the
	// child when the request completes.
	m.cmd = exec.Command(m.cfg.Command, m.cfg.Args...)
	m.cmd.Dir = m.cfg.WorkDir
	m.cmd.Env = m.cfg.Env

	var err error
	m.stdin, err = m.cmd.StdinPipe()
	if err != nil {
		m.status.Store(StatusError)
		return fmt.Errorf("agent: create stdin pipe: %w", err)
	}
	m.stdout, err = m.cmd.StdoutPipe()
	if err != nil {
		m.status.Store(StatusError)
		return fmt.Errorf("agent: create stdout pipe: %w", err)
	}
	m.stderr, err = m.cmd.StderrPipe()
	if err != nil {
		m.status.Store(StatusError)
		return fmt.Errorf("agent: create stderr pipe: %w", err)
	}

	if err := m.cmd.Start(); err != nil {
		m.status.Store(StatusError)
		return fmt.Errorf("agent: start process: %w", err)
	}

	m.client = agentstream.NewClient(m.stdin, m.stdout, m.logger)
	m.client.SetEventHandler(m.handler)
	ready := m.client.Start(ctx)

	m.wg.Add(2)
	go m.readStderr()
	go m.waitForExit()

	<-ready
	m.status.Store(StatusReady)
	m.logger.Info("Agent process started", zap.Int("pid", m.cmd.Process.Pid))
	return nil
}

// SendTurn submits the turn text, moving the process to busy. Only a ready
// process accepts a turn.
func (m *Manager) SendTurn(turnID, text string) error {
	m.mu.Lock()
	if m.Status() != StatusReady {
		m.mu.Unlock()
		return ErrNotReady
	}
	m.status.Store(StatusBusy)
	m.mu.Unlock()

	if err := m.client.SendTurn(turnID, text); err != nil {
		m.mu.Lock()
		if m.Status() == StatusBusy {
			m.status.Store(StatusReady)
		}
		m.mu.Unlock()
		return err
	}
	return nil
}

// SendOption answers the active turn's prompt. Only a busy process has a
// prompt to answer.
func (m *Manager) SendOption(turnID string, option int) error {
	if m.Status() != StatusBusy {
		return ErrNoActiveTurn
	}
	return m.client.SendOption(turnID, option)
}

// FinishTurn returns a busy process to ready once its turn settled.
func (m *Manager) FinishTurn() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Status() == StatusBusy {
		m.status.Store(StatusReady)
	}
}

// Abort delivers SIGINT so the child can wind the active turn down. The
// caller drains the stream for the aborted acknowledgement.
func (m *Manager) Abort() error {
	if m.cmd == nil || m.cmd.Process == nil {
		return ErrNotRunning
	}
	select {
	case <-m.doneCh:
		return ErrNotRunning
	default:
	}
	m.logger.Info("Aborting agent turn", zap.Int("pid", m.Pid()))
	return m.cmd.Process.Signal(syscall.SIGINT)
}

// Stop terminates the child: SIGTERM, then SIGKILL after the grace period.
// It returns once the process has exited and the readers have drained.
func (m *Manager) Stop(grace time.Duration) {
	status := m.Status()
	if status == StatusNotStarted || status == StatusError || status == StatusStopped || status == StatusStopping {
		return
	}
	m.status.Store(StatusStopping)
	m.logger.Info("Stopping agent process", zap.Int("pid", m.Pid()))

	m.client.Stop()
	m.stdin.Close()
	if m.cmd.Process != nil {
		_ = m.cmd.Process.Signal(syscall.SIGTERM)
	}

	select {
	case <-m.doneCh:
	case <-time.After(grace):
		m.logger.Warn("Agent ignored SIGTERM, killing", zap.Int("pid", m.Pid()))
		if m.cmd.Process != nil {
			_ = m.cmd.Process.Kill()
		}
		<-m.doneCh
	}

	m.wg.Wait()
	m.status.Store(StatusStopped)
}

// readStderr drains the child's stderr into the tail buffer.
func (m *Manager) readStderr() {
	defer m.wg.Done()

	scanner := bufio.NewScanner(m.stderr)
	for scanner.Scan() {
		line := scanner.Text()
		m.stderrTail.Add(line)
		m.logger.Debug("Agent stderr", zap.String("line", line))
	}
	if err := scanner.Err(); err != nil {
		m.logger.Debug("Stderr reader error", zap.Error(err))
	}
}

// waitForExit reaps the child and records its exit code.
func (m *Manager) waitForExit() {
	defer m.wg.Done()
	defer close(m.doneCh)

	err := m.cmd.Wait()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			m.exitCode.Store(int32(exitErr.ExitCode()))
		}
		m.logger.Info("Agent process exited", zap.Error(err), zap.Int("exit_code", m.ExitCode()))
	} else {
		m.exitCode.Store(0)
		m.logger.Info("Agent process exited cleanly")
	}
	m.status.Store(StatusStopped)
}
