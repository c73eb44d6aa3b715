package main

import (
	"fmt"

	"github.com/voxd/voxd/pkg/agentstream"
)

type scenarioFunc func(a *mockAgent, msg inbound)

// scenarios maps the -scenario flag to a response script. Each script plays
// one full turn.
var scenarios = map[string]scenarioFunc{
	"echo":   playEcho,
	"tool":   playTool,
	"prompt": playPrompt,
	"usage":  playUsage,
	"crash":  playCrash,
}

// playEcho repeats the request back as streamed chunks.
func playEcho(a *mockAgent, msg inbound) {
	if !a.streamText(msg.TurnID, "You said: "+msg.Text) {
		return
	}
	a.emit(agentstream.Event{Type: agentstream.EventMessageEnd, TurnID: msg.TurnID})
}

// playTool announces tool invocations before answering, the shape a real
// coding agent produces while it works.
func playTool(a *mockAgent, msg inbound) {
	a.emit(agentstream.Event{
		Type:    agentstream.EventToolUse,
		TurnID:  msg.TurnID,
		Name:    "Read",
		Summary: "internal/relay/service.go",
	})
	a.emit(agentstream.Event{
		Type:    agentstream.EventToolUse,
		TurnID:  msg.TurnID,
		Name:    "Bash",
		Summary: "go test ./...",
	})
	if !a.streamText(msg.TurnID, "Ran the tests, everything passes.") {
		return
	}
	a.emit(agentstream.Event{Type: agentstream.EventMessageEnd, TurnID: msg.TurnID})
}

// playPrompt asks a numbered question, waits for the option answer, and
// acknowledges the choice.
func playPrompt(a *mockAgent, msg inbound) {
	a.emit(agentstream.Event{
		Type:     agentstream.EventPrompt,
		TurnID:   msg.TurnID,
		Question: "Apply the change?",
		Options:  []string{"Yes, apply it", "No, leave it"},
	})

	for {
		select {
		case reply, ok := <-a.lines:
			if !ok {
				return
			}
			if reply.Option == 0 {
				continue
			}
			if !a.streamText(msg.TurnID, fmt.Sprintf("Option %d it is.", reply.Option)) {
				return
			}
			a.emit(agentstream.Event{Type: agentstream.EventMessageEnd, TurnID: msg.TurnID})
			return
		case <-a.sigint:
			a.emit(agentstream.Event{Type: agentstream.EventAborted, TurnID: msg.TurnID})
			return
		}
	}
}

// playUsage answers briefly and reports cumulative token counters, growing
// with every turn like a real session.
func playUsage(a *mockAgent, msg inbound) {
	if !a.streamText(msg.TurnID, "Done.") {
		return
	}
	a.emit(agentstream.Event{Type: agentstream.EventMessageEnd, TurnID: msg.TurnID})

	in := int64(a.turns) * 420
	out := int64(a.turns) * 87
	total := in + out
	const window = 200000
	a.emit(agentstream.Event{
		Type:            agentstream.EventUsage,
		InputTokens:     in,
		OutputTokens:    out,
		CacheReadTokens: int64(a.turns) * 1200,
		TotalContext:    total,
		ContextWindow:   window,
		ContextPercent:  float64(total) / window * 100,
		CostUSD:         float64(a.turns) * 0.0042,
	})
}

// playCrash dies mid-turn so relaunch paths can be exercised.
func playCrash(a *mockAgent, msg inbound) {
	a.emit(agentstream.Event{
		Type:   agentstream.EventTextChunk,
		TurnID: msg.TurnID,
		Delta:  "Let me just",
	})
	exit(3)
}
