package relay

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

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
	"github.com/voxd/voxd/pkg/agentstream"
)

func newTestLogger(t *testing.T) *logger.Logger {
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stdout"})
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}
	return log
}

// fakeDriver records everything the pipeline writes towards the child.
type fakeDriver struct {
	mu       sync.Mutex
	turns    []agentstream.TurnMessage
	options  []agentstream.OptionMessage
	finishes int
	aborts   int
	restarts int
	sendErr  error
	abortErr error
}

func (d *fakeDriver) SendTurn(turnID, text string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.sendErr != nil {
		return d.sendErr
	}
	d.turns = append(d.turns, agentstream.TurnMessage{TurnID: turnID, Text: text})
	return nil
}

func (d *fakeDriver) SendOption(turnID string, option int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.options = append(d.options, agentstream.OptionMessage{TurnID: turnID, Option: option})
	return nil
}

func (d *fakeDriver) FinishTurn() {
	d.mu.Lock()
	d.finishes++
	d.mu.Unlock()
}

func (d *fakeDriver) Abort() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.abortErr != nil {
		return d.abortErr
	}
	d.aborts++
	return nil
}

func (d *fakeDriver) Restart() {
	d.mu.Lock()
	d.restarts++
	d.mu.Unlock()
}

func (d *fakeDriver) setSendErr(err error) {
	d.mu.Lock()
	d.sendErr = err
	d.mu.Unlock()
}

func (d *fakeDriver) sentTurns() []agentstream.TurnMessage {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]agentstream.TurnMessage(nil), d.turns...)
}

func (d *fakeDriver) sentOptions() []agentstream.OptionMessage {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]agentstream.OptionMessage(nil), d.options...)
}

func (d *fakeDriver) finishCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.finishes
}

func (d *fakeDriver) abortCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.aborts
}

func (d *fakeDriver) restartCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.restarts
}

type harnessConfig struct {
	transcript  string
	ttsFails    bool
	cooldown    time.Duration
	abortDrain  time.Duration
	permTimeout time.Duration
}

func defaultHarnessConfig() harnessConfig {
	return harnessConfig{
		transcript:  "turn on the lights",
		cooldown:    3 * time.Second,
		abortDrain:  300 * time.Millisecond,
		permTimeout: 5 * time.Second,
	}
}

type harness struct {
	svc    *Service
	agg    *state.Aggregator
	bus    *bus.Bus
	driver *fakeDriver
	store  *audio.Store
	broker *permission.Broker
	guard  *guard.Guard
}

func newHarness(t *testing.T, cfg harnessConfig) *harness {
	t.Helper()
	log := newTestLogger(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasPrefix(r.URL.Path, "/v1/listen"):
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprintf(w, `{"results":{"channels":[{"alternatives":[{"transcript":%q}]}]}}`, cfg.transcript)
		case strings.HasPrefix(r.URL.Path, "/v1/speak"):
			if cfg.ttsFails {
				w.WriteHeader(http.StatusInternalServerError)
				fmt.Fprint(w, `{"err_msg":"voice model unavailable"}`)
				return
			}
			w.Header().Set("Content-Type", speech.MimeMPEG)
			fmt.Fprint(w, "mpeg-bytes")
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)

	sc, err := speech.NewClient("test-key", log, speech.WithBaseURL(srv.URL), speech.WithTimeout(2*time.Second))
	require.NoError(t, err)

	b := bus.New(64, log)
	agg := state.NewAggregator(b, 50, 50, log)
	ctx, cancel := context.WithCancel(context.Background())
	go agg.Run(ctx)
	t.Cleanup(func() {
		cancel()
		b.Close()
	})

	store := audio.NewStore(time.Minute, log)
	g := guard.NewGuard(cfg.cooldown, log)
	broker := permission.NewBroker(permission.DefaultRules(), agg, cfg.permTimeout, time.Minute, log)
	st := settings.NewStore(settings.Config{
		STTModel:     "nova-3",
		STTLanguage:  "en-US",
		STTOptions:   map[string]bool{settings.OptSmartFormat: true, settings.OptPunctuate: true},
		ResponseMode: settings.ModeText,
		TTSVoice:     "aura-asteria-en",
		TTSMaxChars:  1500,
	}, log)
	driver := &fakeDriver{}

	svc := NewService(Deps{
		Speech:   sc,
		Audio:    store,
		Guard:    g,
		Broker:   broker,
		State:    agg,
		Agent:    driver,
		Settings: st,
		Bus:      b,
	}, cfg.abortDrain, log)

	return &harness{svc: svc, agg: agg, bus: b, driver: driver, store: store, broker: broker, guard: g}
}

// endTurn simulates the child finishing a turn with the given reply.
func (h *harness) endTurn(turnID, reply string) {
	if reply != "" {
		h.svc.HandleAgentEvent(&agentstream.Event{Type: agentstream.EventTextChunk, TurnID: turnID, Delta: reply})
	}
	h.svc.HandleAgentEvent(&agentstream.Event{Type: agentstream.EventMessageEnd, TurnID: turnID})
}

func nextEvent(t *testing.T, sub *bus.Subscription) bus.Event {
	t.Helper()
	select {
	case ev := <-sub.Events():
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func nextEventOfType(t *testing.T, sub *bus.Subscription, eventType string) bus.Event {
	t.Helper()
	for i := 0; i < 16; i++ {
		ev := nextEvent(t, sub)
		if ev.EventType() == eventType {
			return ev
		}
	}
	t.Fatalf("no %s event arrived", eventType)
	return nil
}

func assertNoEvent(t *testing.T, sub *bus.Subscription) {
	t.Helper()
	select {
	case ev := <-sub.Events():
		t.Fatalf("unexpected event: %#v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestService_SubmitText_HappyTurn(t *testing.T) {
	h := newHarness(t, defaultHarnessConfig())
	sub := h.bus.Subscribe()
	defer sub.Unsubscribe()

	res, err := h.svc.SubmitText(context.Background(), "hello", "")
	require.NoError(t, err)
	require.NotEmpty(t, res.TurnID)
	assert.Equal(t, "hello", res.Transcript)
	assert.Equal(t, settings.ModeText, res.ResponseMode)

	turns := h.driver.sentTurns()
	require.Len(t, turns, 1)
	assert.Equal(t, agentstream.TurnMessage{TurnID: res.TurnID, Text: "hello"}, turns[0])

	assert.Equal(t, events.StateChanged{Status: events.StatusThinking}, nextEvent(t, sub))
	userMsg, ok := nextEvent(t, sub).(events.ChatAppended)
	require.True(t, ok)
	assert.Equal(t, events.RoleUser, userMsg.Message.Role)
	assert.Equal(t, "hello", userMsg.Message.Content)

	h.svc.HandleAgentEvent(&agentstream.Event{Type: agentstream.EventTextChunk, TurnID: res.TurnID, Delta: "hi"})
	assert.Equal(t, events.TextChunk{TurnID: res.TurnID, Text: "hi"}, nextEvent(t, sub))

	h.svc.HandleAgentEvent(&agentstream.Event{Type: agentstream.EventMessageEnd, TurnID: res.TurnID})
	reply, ok := nextEvent(t, sub).(events.ChatAppended)
	require.True(t, ok)
	assert.Equal(t, events.RoleAssistant, reply.Message.Role)
	assert.Equal(t, "hi", reply.Message.Content)
	assert.Equal(t, events.StateChanged{Status: events.StatusIdle}, nextEvent(t, sub))

	info, err := h.svc.ResponseStatus(res.TurnID)
	require.NoError(t, err)
	assert.Equal(t, &ResponseInfo{Status: "completed", Type: "text", Response: "hi"}, info)

	turn, ok := h.agg.GetTurn(res.TurnID)
	require.True(t, ok)
	assert.Equal(t, state.TurnCompleted, turn.Status)
	assert.False(t, h.guard.Busy())
	assert.Equal(t, 1, h.driver.finishCount())
}

func TestService_SubmitAudio_TranscribesAndStarts(t *testing.T) {
	h := newHarness(t, defaultHarnessConfig())
	sub := h.bus.Subscribe()
	defer sub.Unsubscribe()

	res, err := h.svc.SubmitAudio(context.Background(), []byte("RIFFaudio"), "audio/wav", "")
	require.NoError(t, err)
	assert.Equal(t, "turn on the lights", res.Transcript)

	assert.Equal(t, events.StateChanged{Status: events.StatusListening}, nextEvent(t, sub))
	assert.Equal(t, events.StateChanged{Status: events.StatusThinking}, nextEvent(t, sub))
	userMsg, ok := nextEvent(t, sub).(events.ChatAppended)
	require.True(t, ok)
	assert.Equal(t, "turn on the lights", userMsg.Message.Content)

	turn, ok := h.agg.GetTurn(res.TurnID)
	require.True(t, ok)
	assert.Equal(t, state.SourceVoice, turn.Source)
	assert.Equal(t, state.TurnPending, turn.Status)

	info, err := h.svc.ResponseStatus(res.TurnID)
	require.NoError(t, err)
	assert.Equal(t, "pending", info.Status)
}

func TestService_SubmitAudio_NoSpeech(t *testing.T) {
	cfg := defaultHarnessConfig()
	cfg.transcript = ""
	h := newHarness(t, cfg)

	res, err := h.svc.SubmitAudio(context.Background(), []byte("silence"), "audio/wav", "")
	require.NoError(t, err)
	assert.Equal(t, "", res.Transcript)

	turn, ok := h.agg.GetTurn(res.TurnID)
	require.True(t, ok)
	assert.Equal(t, state.TurnNoSpeech, turn.Status)

	assert.Empty(t, h.driver.sentTurns())
	assert.False(t, h.guard.Busy())
	assert.Equal(t, events.StatusIdle, h.agg.Status())
	assert.Empty(t, h.agg.History())

	_, err = h.svc.ResponseStatus(res.TurnID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestService_SubmitAudio_EmptyBody(t *testing.T) {
	h := newHarness(t, defaultHarnessConfig())

	_, err := h.svc.SubmitAudio(context.Background(), nil, "audio/wav", "")
	assert.ErrorIs(t, err, ErrBadRequest)
}

func TestService_Submit_InvalidResponseMode(t *testing.T) {
	h := newHarness(t, defaultHarnessConfig())

	_, err := h.svc.SubmitText(context.Background(), "hello", "loud")
	assert.ErrorIs(t, err, ErrBadRequest)
}

func TestService_Submit_BusyRejected(t *testing.T) {
	h := newHarness(t, defaultHarnessConfig())

	res, err := h.svc.SubmitText(context.Background(), "first", "")
	require.NoError(t, err)

	_, err = h.svc.SubmitText(context.Background(), "second", "")
	assert.ErrorIs(t, err, ErrBusy)

	_, err = h.svc.SubmitAudio(context.Background(), []byte("audio"), "audio/wav", "")
	assert.ErrorIs(t, err, ErrBusy)

	require.Len(t, h.driver.sentTurns(), 1)

	info, err := h.svc.ResponseStatus(res.TurnID)
	require.NoError(t, err)
	assert.Equal(t, "pending", info.Status)
}

func TestService_Submit_CooldownRejectsDuplicate(t *testing.T) {
	h := newHarness(t, defaultHarnessConfig())

	res, err := h.svc.SubmitText(context.Background(), "hello", "")
	require.NoError(t, err)
	h.endTurn(res.TurnID, "hi")

	_, err = h.svc.SubmitText(context.Background(), "hello", "")
	var cd *CooldownError
	require.ErrorAs(t, err, &cd)
	assert.Greater(t, cd.Remaining, time.Duration(0))
	require.Len(t, h.driver.sentTurns(), 1)

	// Different text is not coalesced.
	_, err = h.svc.SubmitText(context.Background(), "something else", "")
	require.NoError(t, err)
	require.Len(t, h.driver.sentTurns(), 2)
}

func TestService_Submit_AgentUnavailable(t *testing.T) {
	h := newHarness(t, defaultHarnessConfig())
	h.driver.setSendErr(agent.ErrNotRunning)

	_, err := h.svc.SubmitText(context.Background(), "hello", "")
	assert.ErrorIs(t, err, ErrAgentUnavailable)
	assert.False(t, h.guard.Busy())
	assert.Equal(t, events.StatusIdle, h.agg.Status())

	// A wedged child reads as busy, not as gone.
	h.driver.setSendErr(agent.ErrNotReady)
	_, err = h.svc.SubmitText(context.Background(), "hello again", "")
	assert.ErrorIs(t, err, ErrBusy)
}

func TestService_AudioMode_SpeaksAndAcks(t *testing.T) {
	h := newHarness(t, defaultHarnessConfig())

	res, err := h.svc.SubmitText(context.Background(), "play music", settings.ModeAudio)
	require.NoError(t, err)
	h.svc.HandleAgentEvent(&agentstream.Event{Type: agentstream.EventTextChunk, TurnID: res.TurnID, Delta: "done"})

	sub := h.bus.Subscribe()
	defer sub.Unsubscribe()

	h.svc.HandleAgentEvent(&agentstream.Event{Type: agentstream.EventMessageEnd, TurnID: res.TurnID})

	reply, ok := nextEvent(t, sub).(events.ChatAppended)
	require.True(t, ok)
	assert.Equal(t, "done", reply.Message.Content)
	assert.Equal(t, events.StateChanged{Status: events.StatusSpeaking}, nextEvent(t, sub))

	art, ok := h.store.Get(res.TurnID)
	require.True(t, ok)
	assert.Equal(t, []byte("mpeg-bytes"), art.Data)
	assert.Equal(t, speech.MimeMPEG, art.Mime)

	turn, ok := h.agg.GetTurn(res.TurnID)
	require.True(t, ok)
	assert.Equal(t, state.TurnSpeaking, turn.Status)
	assert.Equal(t, res.TurnID, turn.AudioID)
	assert.False(t, h.guard.Busy())

	info, err := h.svc.ResponseStatus(res.TurnID)
	require.NoError(t, err)
	assert.Equal(t, &ResponseInfo{
		Status:   "completed",
		Type:     "audio",
		Response: "done",
		AudioURL: "/api/audio/" + res.TurnID,
	}, info)

	require.NoError(t, h.svc.AckResponse(res.TurnID))
	assert.Equal(t, events.StateChanged{Status: events.StatusIdle}, nextEvent(t, sub))

	_, ok = h.store.Get(res.TurnID)
	assert.False(t, ok)
	turn, _ = h.agg.GetTurn(res.TurnID)
	assert.Equal(t, state.TurnCompleted, turn.Status)
	assert.True(t, turn.Acknowledged)

	// Acking again changes nothing.
	require.NoError(t, h.svc.AckResponse(res.TurnID))

	// With the artifact gone the response degrades to text.
	info, err = h.svc.ResponseStatus(res.TurnID)
	require.NoError(t, err)
	assert.Equal(t, "text", info.Type)
	assert.Empty(t, info.AudioURL)
}

func TestService_AudioMode_TTSFailureFallsBackToText(t *testing.T) {
	cfg := defaultHarnessConfig()
	cfg.ttsFails = true
	h := newHarness(t, cfg)

	res, err := h.svc.SubmitText(context.Background(), "play music", settings.ModeAudio)
	require.NoError(t, err)

	sub := h.bus.Subscribe()
	defer sub.Unsubscribe()

	h.endTurn(res.TurnID, "done")

	errEv, ok := nextEventOfType(t, sub, events.TypeError).(events.Error)
	require.True(t, ok)
	assert.Equal(t, "tts_failed", errEv.Kind)
	assert.Equal(t, res.TurnID, errEv.TurnID)

	turn, ok := h.agg.GetTurn(res.TurnID)
	require.True(t, ok)
	assert.Equal(t, state.TurnCompleted, turn.Status)
	assert.Empty(t, turn.AudioID)
	assert.Equal(t, events.StatusIdle, h.agg.Status())

	info, err := h.svc.ResponseStatus(res.TurnID)
	require.NoError(t, err)
	assert.Equal(t, &ResponseInfo{Status: "completed", Type: "text", Response: "done"}, info)
}

func TestService_DisabledMode(t *testing.T) {
	h := newHarness(t, defaultHarnessConfig())

	res, err := h.svc.SubmitText(context.Background(), "quiet please", settings.ModeDisabled)
	require.NoError(t, err)
	h.endTurn(res.TurnID, "understood")

	info, err := h.svc.ResponseStatus(res.TurnID)
	require.NoError(t, err)
	assert.Equal(t, &ResponseInfo{Status: "disabled"}, info)

	// The conversation still happened.
	history := h.agg.History()
	require.Len(t, history, 2)
	assert.Equal(t, "understood", history[1].Content)
	assert.Equal(t, events.StatusIdle, h.agg.Status())
}

func TestService_Abort_ChildConfirms(t *testing.T) {
	h := newHarness(t, defaultHarnessConfig())

	res, err := h.svc.SubmitText(context.Background(), "long task", "")
	require.NoError(t, err)
	h.svc.HandleAgentEvent(&agentstream.Event{Type: agentstream.EventTextChunk, TurnID: res.TurnID, Delta: "partial"})

	require.NoError(t, h.svc.Abort())
	assert.Equal(t, 1, h.driver.abortCount())

	// Abort does not stack while one is draining.
	assert.ErrorIs(t, h.svc.Abort(), ErrConflict)

	h.svc.HandleAgentEvent(&agentstream.Event{Type: agentstream.EventAborted, TurnID: res.TurnID})

	turn, ok := h.agg.GetTurn(res.TurnID)
	require.True(t, ok)
	assert.Equal(t, state.TurnAborted, turn.Status)
	assert.False(t, h.guard.Busy())
	assert.Equal(t, events.StatusIdle, h.agg.Status())
	assert.Equal(t, 1, h.driver.finishCount())

	// The partial text was discarded, not appended.
	history := h.agg.History()
	require.Len(t, history, 1)
	assert.Equal(t, events.RoleUser, history[0].Role)
}

func TestService_Abort_DrainWindowForcesSettle(t *testing.T) {
	cfg := defaultHarnessConfig()
	cfg.abortDrain = 60 * time.Millisecond
	h := newHarness(t, cfg)

	res, err := h.svc.SubmitText(context.Background(), "long task", "")
	require.NoError(t, err)
	require.NoError(t, h.svc.Abort())

	require.Eventually(t, func() bool {
		turn, ok := h.agg.GetTurn(res.TurnID)
		return ok && turn.Status == state.TurnAborted
	}, time.Second, 10*time.Millisecond)

	assert.False(t, h.guard.Busy())
	assert.Equal(t, events.StatusIdle, h.agg.Status())
	assert.Equal(t, 1, h.driver.finishCount())

	// A straggling message_end for the forced turn is ignored.
	h.svc.HandleAgentEvent(&agentstream.Event{Type: agentstream.EventMessageEnd, TurnID: res.TurnID})
	require.Len(t, h.agg.History(), 1)
	turn, _ := h.agg.GetTurn(res.TurnID)
	assert.Equal(t, state.TurnAborted, turn.Status)
}

func TestService_Abort_MessageEndDuringDrainCompletes(t *testing.T) {
	cfg := defaultHarnessConfig()
	cfg.abortDrain = 60 * time.Millisecond
	h := newHarness(t, cfg)

	res, err := h.svc.SubmitText(context.Background(), "long task", "")
	require.NoError(t, err)
	h.svc.HandleAgentEvent(&agentstream.Event{Type: agentstream.EventTextChunk, TurnID: res.TurnID, Delta: "partial answer"})
	require.NoError(t, h.svc.Abort())

	// The child finishes on its own inside the drain window.
	h.svc.HandleAgentEvent(&agentstream.Event{Type: agentstream.EventMessageEnd, TurnID: res.TurnID})

	turn, ok := h.agg.GetTurn(res.TurnID)
	require.True(t, ok)
	assert.Equal(t, state.TurnCompleted, turn.Status)
	assert.Equal(t, "partial answer", turn.Response)

	// The lapsed timer must not re-abort the completed turn.
	time.Sleep(120 * time.Millisecond)
	turn, _ = h.agg.GetTurn(res.TurnID)
	assert.Equal(t, state.TurnCompleted, turn.Status)
}

func TestService_Abort_NoTurn(t *testing.T) {
	h := newHarness(t, defaultHarnessConfig())
	assert.ErrorIs(t, h.svc.Abort(), ErrConflict)
}

func TestService_AgentDown_FailsTurnAndDeniesPermissions(t *testing.T) {
	h := newHarness(t, defaultHarnessConfig())

	res, err := h.svc.SubmitText(context.Background(), "deploy it", "")
	require.NoError(t, err)

	req := h.svc.RequestPermission("Bash", "rm -rf build")
	require.Equal(t, events.DecisionPending, req.Decision)

	sub := h.bus.Subscribe()
	defer sub.Unsubscribe()

	h.svc.AgentDown(agent.DownCrash)

	turn, ok := h.agg.GetTurn(res.TurnID)
	require.True(t, ok)
	assert.Equal(t, state.TurnFailed, turn.Status)
	assert.Equal(t, "agent terminated", turn.Error)
	assert.False(t, h.guard.Busy())
	assert.Equal(t, events.StatusIdle, h.agg.Status())

	st, err := h.broker.Status(req.ID)
	require.NoError(t, err)
	assert.Equal(t, events.DecisionDeny, st.Decision)
	assert.Equal(t, "agent terminated", st.Reason)

	errEv, ok := nextEventOfType(t, sub, events.TypeError).(events.Error)
	require.True(t, ok)
	assert.Equal(t, "agent_terminated", errEv.Kind)
	assert.Equal(t, res.TurnID, errEv.TurnID)
}

func TestService_Restart_ClearsChatAndRecovers(t *testing.T) {
	h := newHarness(t, defaultHarnessConfig())

	res, err := h.svc.SubmitText(context.Background(), "hello", "")
	require.NoError(t, err)
	require.Len(t, h.agg.History(), 1)

	h.svc.Restart()
	assert.Equal(t, 1, h.driver.restartCount())

	// The supervisor reports the old generation down with the restart reason.
	h.svc.AgentDown(agent.DownRestart)

	turn, _ := h.agg.GetTurn(res.TurnID)
	assert.Equal(t, state.TurnFailed, turn.Status)
	assert.Empty(t, h.agg.History())
	assert.Equal(t, events.StatusIdle, h.agg.Status())

	// A fresh submission goes through like on a fresh start.
	res2, err := h.svc.SubmitText(context.Background(), "hello once more", "")
	require.NoError(t, err)
	assert.NotEqual(t, res.TurnID, res2.TurnID)
	require.Len(t, h.driver.sentTurns(), 2)
}

func TestService_RespondPrompt_AgentPrompt(t *testing.T) {
	h := newHarness(t, defaultHarnessConfig())

	res, err := h.svc.SubmitText(context.Background(), "migrate the db", "")
	require.NoError(t, err)

	h.svc.HandleAgentEvent(&agentstream.Event{
		Type:     agentstream.EventPrompt,
		Question: "Apply the migration?",
		Options:  []string{"Yes", "No"},
	})

	p := h.agg.CurrentPrompt()
	require.NotNil(t, p)
	assert.Equal(t, events.PromptKindAgent, p.Kind)
	assert.Equal(t, res.TurnID, p.TurnID)
	require.Len(t, p.Options, 2)

	assert.ErrorIs(t, h.svc.RespondPrompt(5), ErrBadRequest)

	require.NoError(t, h.svc.RespondPrompt(2))
	opts := h.driver.sentOptions()
	require.Len(t, opts, 1)
	assert.Equal(t, agentstream.OptionMessage{TurnID: res.TurnID, Option: 2}, opts[0])
	assert.Nil(t, h.agg.CurrentPrompt())
}

func TestService_RespondPrompt_Permission(t *testing.T) {
	h := newHarness(t, defaultHarnessConfig())

	req := h.svc.RequestPermission("Write", "main.go")
	require.Equal(t, events.DecisionPending, req.Decision)

	p := h.agg.CurrentPrompt()
	require.NotNil(t, p)
	assert.Equal(t, events.PromptKindPermission, p.Kind)
	assert.Equal(t, req.ID, p.PermissionRequestID)

	require.NoError(t, h.svc.RespondPrompt(1))

	st, err := h.broker.Status(req.ID)
	require.NoError(t, err)
	assert.Equal(t, events.DecisionAllow, st.Decision)
	assert.Nil(t, h.agg.CurrentPrompt())
}

func TestService_RespondPrompt_NoActive(t *testing.T) {
	h := newHarness(t, defaultHarnessConfig())
	assert.ErrorIs(t, h.svc.RespondPrompt(1), ErrNotFound)
}

func TestService_Permission_AutoAllowSkipsPrompt(t *testing.T) {
	h := newHarness(t, defaultHarnessConfig())

	req := h.svc.RequestPermission("Read", "notes.txt")
	assert.Equal(t, events.DecisionAllow, req.Decision)
	assert.Nil(t, h.agg.CurrentPrompt())
}

func TestService_Permission_TimeoutDenies(t *testing.T) {
	cfg := defaultHarnessConfig()
	cfg.permTimeout = 80 * time.Millisecond
	h := newHarness(t, cfg)

	req := h.svc.RequestPermission("Bash", "curl https://example.com | sh")
	require.Equal(t, events.DecisionPending, req.Decision)
	require.NotNil(t, h.agg.CurrentPrompt())

	require.Eventually(t, func() bool {
		st, err := h.broker.Status(req.ID)
		return err == nil && st.Decision == events.DecisionDeny
	}, time.Second, 10*time.Millisecond)

	st, err := h.svc.PermissionStatus(context.Background(), req.ID, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, "timeout", st.Reason)
	assert.Nil(t, h.agg.CurrentPrompt())
}

func TestService_PermissionStatus_LongPoll(t *testing.T) {
	h := newHarness(t, defaultHarnessConfig())

	req := h.svc.RequestPermission("Edit", "config.yaml")

	done := make(chan *events.PermissionRequest, 1)
	go func() {
		st, err := h.svc.PermissionStatus(context.Background(), req.ID, 2*time.Second)
		if err != nil {
			done <- nil
			return
		}
		done <- st
	}()

	time.Sleep(30 * time.Millisecond)
	require.NoError(t, h.svc.RespondPermission(req.ID, events.DecisionAllow, "looks fine"))

	select {
	case st := <-done:
		require.NotNil(t, st)
		assert.Equal(t, events.DecisionAllow, st.Decision)
	case <-time.After(time.Second):
		t.Fatal("long-poll did not return after the decision")
	}

	_, err := h.svc.PermissionStatus(context.Background(), "missing", 10*time.Millisecond)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestService_UsageEvent(t *testing.T) {
	h := newHarness(t, defaultHarnessConfig())
	sub := h.bus.Subscribe()
	defer sub.Unsubscribe()

	h.svc.HandleAgentEvent(&agentstream.Event{
		Type:          agentstream.EventUsage,
		InputTokens:   1200,
		OutputTokens:  340,
		TotalContext:  1540,
		ContextWindow: 200000,
		CostUSD:       0.042,
	})

	ev, ok := nextEvent(t, sub).(events.UsageUpdated)
	require.True(t, ok)
	assert.Equal(t, int64(1200), ev.InputTokens)
	assert.Equal(t, 0.042, ev.CostUSD)

	snap := h.agg.Snapshot()
	require.NotNil(t, snap.Usage)
	assert.Equal(t, int64(1540), snap.Usage.TotalContext)
}

func TestService_ToolUseEvent(t *testing.T) {
	h := newHarness(t, defaultHarnessConfig())

	res, err := h.svc.SubmitText(context.Background(), "list the files", "")
	require.NoError(t, err)

	sub := h.bus.Subscribe()
	defer sub.Unsubscribe()

	h.svc.HandleAgentEvent(&agentstream.Event{Type: agentstream.EventToolUse, Name: "Bash", Summary: "ls -la"})
	assert.Equal(t, events.ToolInvoked{Name: "Bash", Summary: "ls -la"}, nextEvent(t, sub))

	timeline := h.agg.Timeline()
	require.NotEmpty(t, timeline)
	entry := timeline[0]
	assert.Equal(t, res.TurnID, entry.RequestID)
	require.NotEmpty(t, entry.Steps)
	last := entry.Steps[len(entry.Steps)-1]
	assert.Equal(t, state.StepTool, last.Name)
	assert.Equal(t, "Bash", last.ToolName)
	assert.Equal(t, "Bash: ls -la", last.Details)
}

func TestService_StaleEventsIgnored(t *testing.T) {
	h := newHarness(t, defaultHarnessConfig())
	sub := h.bus.Subscribe()
	defer sub.Unsubscribe()

	h.svc.HandleAgentEvent(nil)
	h.svc.HandleAgentEvent(&agentstream.Event{Type: agentstream.EventTextChunk, TurnID: "gone", Delta: "x"})
	h.svc.HandleAgentEvent(&agentstream.Event{Type: agentstream.EventMessageEnd, TurnID: "gone"})
	h.svc.HandleAgentEvent(&agentstream.Event{Type: "telemetry_blob"})

	assertNoEvent(t, sub)
	assert.Empty(t, h.agg.History())
}

func TestService_ResponseStatus_UnknownID(t *testing.T) {
	h := newHarness(t, defaultHarnessConfig())

	_, err := h.svc.ResponseStatus("nope")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.ErrorIs(t, h.svc.AckResponse("nope"), ErrNotFound)
}
