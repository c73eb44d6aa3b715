package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"os"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/voxd/voxd/pkg/agentstream"
)

func newScriptAgent(scenario string, delay time.Duration) (*mockAgent, *bytes.Buffer) {
	var out bytes.Buffer
	a := &mockAgent{
		out:    json.NewEncoder(&out),
		play:   scenarios[scenario],
		delay:  delay,
		lines:  make(chan inbound),
		sigint: make(chan os.Signal, 1),
	}
	return a, &out
}

func playScript(t *testing.T, scenario, stdin string) []agentstream.Event {
	t.Helper()
	a, out := newScriptAgent(scenario, 0)
	go a.readStdin(strings.NewReader(stdin))
	a.run()
	return decodeEvents(t, out)
}

func decodeEvents(t *testing.T, out *bytes.Buffer) []agentstream.Event {
	t.Helper()
	var events []agentstream.Event
	scanner := bufio.NewScanner(out)
	for scanner.Scan() {
		var ev agentstream.Event
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			t.Fatalf("bad event line %q: %v", scanner.Text(), err)
		}
		events = append(events, ev)
	}
	return events
}

func joinDeltas(events []agentstream.Event) string {
	var sb strings.Builder
	for _, ev := range events {
		if ev.Type == agentstream.EventTextChunk {
			sb.WriteString(ev.Delta)
		}
	}
	return sb.String()
}

func TestSplitChunks(t *testing.T) {
	tests := []struct {
		name string
		text string
		size int
		want []string
	}{
		{"empty", "", 4, nil},
		{"shorter than size", "hi", 4, []string{"hi"}},
		{"exact multiple", "abcdefgh", 4, []string{"abcd", "efgh"}},
		{"remainder", "abcde", 2, []string{"ab", "cd", "e"}},
		{"multibyte runes", "zażółć", 3, []string{"zaż", "ółć"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := splitChunks(tt.text, tt.size)
			if len(got) != len(tt.want) {
				t.Fatalf("splitChunks(%q, %d) = %v, want %v", tt.text, tt.size, got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("chunk %d = %q, want %q", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestEchoScenario(t *testing.T) {
	events := playScript(t, "echo", `{"turn_id":"t1","text":"turn on the lights"}`+"\n")

	if len(events) < 2 {
		t.Fatalf("expected chunks plus end, got %v", events)
	}
	if got := joinDeltas(events); got != "You said: turn on the lights" {
		t.Errorf("assembled text = %q", got)
	}
	last := events[len(events)-1]
	if last.Type != agentstream.EventMessageEnd || last.TurnID != "t1" {
		t.Errorf("last event = %+v, want message_end for t1", last)
	}
}

func TestToolScenario(t *testing.T) {
	events := playScript(t, "tool", `{"turn_id":"t2","text":"run the tests"}`+"\n")

	if len(events) < 4 {
		t.Fatalf("expected tools, chunks and end, got %v", events)
	}
	if events[0].Type != agentstream.EventToolUse || events[0].Name != "Read" {
		t.Errorf("first event = %+v, want Read tool_use", events[0])
	}
	if events[1].Type != agentstream.EventToolUse || events[1].Name != "Bash" {
		t.Errorf("second event = %+v, want Bash tool_use", events[1])
	}
	if events[len(events)-1].Type != agentstream.EventMessageEnd {
		t.Errorf("missing message_end: %v", events)
	}
}

func TestPromptScenario(t *testing.T) {
	stdin := `{"turn_id":"t3","text":"delete the branch"}` + "\n" +
		`{"turn_id":"t3","option":2}` + "\n"
	events := playScript(t, "prompt", stdin)

	if events[0].Type != agentstream.EventPrompt {
		t.Fatalf("first event = %+v, want prompt", events[0])
	}
	if events[0].Question == "" || len(events[0].Options) != 2 {
		t.Errorf("prompt incomplete: %+v", events[0])
	}
	if got := joinDeltas(events); got != "Option 2 it is." {
		t.Errorf("assembled text = %q", got)
	}
	if events[len(events)-1].Type != agentstream.EventMessageEnd {
		t.Errorf("missing message_end: %v", events)
	}
}

func TestUsageScenario(t *testing.T) {
	stdin := `{"turn_id":"t4","text":"first"}` + "\n" + `{"turn_id":"t5","text":"second"}` + "\n"
	events := playScript(t, "usage", stdin)

	var usage []agentstream.Event
	for _, ev := range events {
		if ev.Type == agentstream.EventUsage {
			usage = append(usage, ev)
		}
	}
	if len(usage) != 2 {
		t.Fatalf("expected usage after each turn, got %d", len(usage))
	}
	if usage[0].InputTokens != 420 || usage[1].InputTokens != 840 {
		t.Errorf("counters do not accumulate: %+v", usage)
	}
	if usage[1].TotalContext != 840+174 {
		t.Errorf("total context = %d", usage[1].TotalContext)
	}
	if usage[1].ContextWindow != 200000 || usage[1].ContextPercent <= 0 {
		t.Errorf("window fields missing: %+v", usage[1])
	}
}

func TestCrashScenarioDiesMidTurn(t *testing.T) {
	var code int
	exit = func(c int) { code = c }
	defer func() { exit = os.Exit }()

	events := playScript(t, "crash", `{"turn_id":"t6","text":"boom"}`+"\n")

	if code != 3 {
		t.Errorf("exit code = %d, want 3", code)
	}
	if len(events) == 0 || events[0].Type != agentstream.EventTextChunk {
		t.Fatalf("expected a chunk before the crash, got %v", events)
	}
	for _, ev := range events {
		if ev.Type == agentstream.EventMessageEnd {
			t.Errorf("crash scenario must not settle the turn: %v", events)
		}
	}
}

func TestSigintMidStreamAborts(t *testing.T) {
	a, out := newScriptAgent("echo", 80*time.Millisecond)

	// Land the signal while the first chunk is still being paced.
	go func() {
		time.Sleep(20 * time.Millisecond)
		a.sigint <- syscall.SIGINT
	}()

	go a.readStdin(strings.NewReader(`{"turn_id":"t7","text":"a long reply that will never finish"}` + "\n"))
	a.run()

	events := decodeEvents(t, out)
	if len(events) != 1 || events[0].Type != agentstream.EventAborted || events[0].TurnID != "t7" {
		t.Fatalf("expected a lone aborted event, got %v", events)
	}
}
