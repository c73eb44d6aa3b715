package agent

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voxd/voxd/internal/common/logger"
	"github.com/voxd/voxd/pkg/agentstream"
)

func newTestLogger(t *testing.T) *logger.Logger {
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stdout"})
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}
	return log
}

// catConfig launches cat, which echoes our NDJSON lines straight back.
func catConfig() ManagerConfig {
	return ManagerConfig{Command: "cat"}
}

func shConfig(script string) ManagerConfig {
	return ManagerConfig{Command: "sh", Args: []string{"-c", script}}
}

func waitDone(t *testing.T, m *Manager) {
	t.Helper()
	select {
	case <-m.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for process exit")
	}
}

func TestManager_StartAndStop(t *testing.T) {
	m := NewManager(catConfig(), nil, newTestLogger(t))
	require.NoError(t, m.Start(context.Background()))
	assert.Equal(t, StatusReady, m.Status())
	assert.Greater(t, m.Pid(), 0)

	m.Stop(2 * time.Second)
	assert.Equal(t, StatusStopped, m.Status())

	select {
	case <-m.Done():
	default:
		t.Fatal("done channel not closed after stop")
	}
}

func TestManager_StartTwice(t *testing.T) {
	m := NewManager(catConfig(), nil, newTestLogger(t))
	require.NoError(t, m.Start(context.Background()))
	defer m.Stop(2 * time.Second)

	assert.Error(t, m.Start(context.Background()))
}

func TestManager_EchoedTurnReachesHandler(t *testing.T) {
	got := make(chan *agentstream.Event, 4)
	handler := func(ev *agentstream.Event) { got <- ev }

	m := NewManager(catConfig(), handler, newTestLogger(t))
	require.NoError(t, m.Start(context.Background()))
	defer m.Stop(2 * time.Second)

	require.NoError(t, m.SendTurn("t1", "hello"))
	assert.Equal(t, StatusBusy, m.Status())

	select {
	case ev := <-got:
		assert.Equal(t, "t1", ev.TurnID)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for echoed event")
	}
}

func TestManager_TurnStateTransitions(t *testing.T) {
	m := NewManager(catConfig(), nil, newTestLogger(t))

	// Before start nothing is accepted.
	assert.ErrorIs(t, m.SendTurn("t0", "early"), ErrNotReady)

	require.NoError(t, m.Start(context.Background()))
	defer m.Stop(2 * time.Second)

	require.NoError(t, m.SendTurn("t1", "first"))
	assert.ErrorIs(t, m.SendTurn("t2", "second"), ErrNotReady)

	require.NoError(t, m.SendOption("t1", 1))

	m.FinishTurn()
	assert.Equal(t, StatusReady, m.Status())
	assert.ErrorIs(t, m.SendOption("t1", 1), ErrNoActiveTurn)

	require.NoError(t, m.SendTurn("t2", "second"))
}

func TestManager_AbortSignalsChild(t *testing.T) {
	m := NewManager(catConfig(), nil, newTestLogger(t))
	require.NoError(t, m.Start(context.Background()))

	require.NoError(t, m.Abort())
	waitDone(t, m)
}

func TestManager_AbortBeforeStart(t *testing.T) {
	m := NewManager(catConfig(), nil, newTestLogger(t))
	assert.ErrorIs(t, m.Abort(), ErrNotRunning)
}

func TestManager_AbortAfterExit(t *testing.T) {
	m := NewManager(shConfig("exit 0"), nil, newTestLogger(t))
	require.NoError(t, m.Start(context.Background()))
	waitDone(t, m)

	assert.ErrorIs(t, m.Abort(), ErrNotRunning)
}

func TestManager_ExitCodeCaptured(t *testing.T) {
	m := NewManager(shConfig("exit 3"), nil, newTestLogger(t))
	require.NoError(t, m.Start(context.Background()))
	waitDone(t, m)

	assert.Equal(t, 3, m.ExitCode())
	assert.Equal(t, StatusStopped, m.Status())
}

func TestManager_StderrTail(t *testing.T) {
	m := NewManager(shConfig("echo first-line >&2; echo second-line >&2; cat"), nil, newTestLogger(t))
	require.NoError(t, m.Start(context.Background()))
	defer m.Stop(2 * time.Second)

	require.Eventually(t, func() bool {
		return len(m.StderrTail(10)) == 2
	}, 2*time.Second, 20*time.Millisecond)

	tail := m.StderrTail(10)
	assert.Equal(t, []string{"first-line", "second-line"}, tail)

	last := m.StderrTail(1)
	assert.Equal(t, []string{"second-line"}, last)
}

func TestManager_InvalidCommand(t *testing.T) {
	m := NewManager(ManagerConfig{Command: "/no/such/binary"}, nil, newTestLogger(t))
	assert.Error(t, m.Start(context.Background()))
	assert.Equal(t, StatusError, m.Status())

	// Stop on a failed manager must not panic.
	m.Stop(time.Second)
}

func TestTailBuffer_Wraparound(t *testing.T) {
	b := NewTailBuffer(3)
	for _, line := range []string{"a", "b", "c", "d", "e"} {
		b.Add(line)
	}

	assert.Equal(t, []string{"c", "d", "e"}, b.All())
	assert.Equal(t, []string{"d", "e"}, b.Last(2))
	assert.Equal(t, []string{"c", "d", "e"}, b.Last(10))
}

func TestTailBuffer_Empty(t *testing.T) {
	b := NewTailBuffer(3)
	assert.Empty(t, b.All())
	assert.Empty(t, b.Last(5))
}
