// Package main implements a scripted agent child that speaks the relay's
// NDJSON stream protocol over stdin/stdout. It plays canned responses for
// integration-style tests and local development without a real agent.
package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/voxd/voxd/pkg/agentstream"
)

// exit is swapped out by the crash-scenario test.
var exit = os.Exit

// inbound covers both stdin message shapes: a text line starts a turn, an
// option line answers the active prompt.
type inbound struct {
	TurnID string `json:"turn_id"`
	Text   string `json:"text"`
	Option int    `json:"option"`
}

func main() {
	scenario := flag.String("scenario", envOr("MOCK_SCENARIO", "echo"),
		"response script: echo, tool, prompt, usage, crash")
	delay := flag.Duration("chunk-delay", 20*time.Millisecond,
		"pause between streamed chunks")
	flag.Parse()

	play, ok := scenarios[*scenario]
	if !ok {
		fmt.Fprintf(os.Stderr, "mock-agent: unknown scenario %q\n", *scenario)
		exit(2)
	}

	sigint := make(chan os.Signal, 1)
	signal.Notify(sigint, syscall.SIGINT)

	a := &mockAgent{
		out:    json.NewEncoder(os.Stdout),
		play:   play,
		delay:  *delay,
		lines:  make(chan inbound),
		sigint: sigint,
	}

	go a.readStdin(os.Stdin)
	a.run()
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

type mockAgent struct {
	out   *json.Encoder
	play  scenarioFunc
	delay time.Duration
	turns int

	lines  chan inbound
	sigint chan os.Signal
}

// readStdin feeds parsed stdin lines to the run loop and closes the
// channel on EOF, which is the parent telling us to go away.
func (a *mockAgent) readStdin(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var msg inbound
		if err := json.Unmarshal(line, &msg); err != nil {
			continue
		}
		a.lines <- msg
	}
	if err := scanner.Err(); err != nil {
		fmt.Fprintf(os.Stderr, "mock-agent: stdin: %v\n", err)
	}
	close(a.lines)
}

// run plays one scripted turn per incoming text line. SIGINT between turns
// is swallowed, matching an idle interactive agent.
func (a *mockAgent) run() {
	for {
		select {
		case msg, ok := <-a.lines:
			if !ok {
				return
			}
			if msg.Text == "" {
				continue
			}
			a.turns++
			a.play(a, msg)
		case <-a.sigint:
		}
	}
}

func (a *mockAgent) emit(ev agentstream.Event) {
	_ = a.out.Encode(ev)
}

// streamText plays text as paced delta chunks. It returns false when SIGINT
// lands mid-stream, after emitting the aborted acknowledgement.
func (a *mockAgent) streamText(turnID, text string) bool {
	for _, chunk := range splitChunks(text, 24) {
		select {
		case <-a.sigint:
			a.emit(agentstream.Event{Type: agentstream.EventAborted, TurnID: turnID})
			return false
		case <-time.After(a.delay):
		}
		a.emit(agentstream.Event{Type: agentstream.EventTextChunk, TurnID: turnID, Delta: chunk})
	}
	return true
}

// splitChunks cuts text into size-codepoint pieces.
func splitChunks(text string, size int) []string {
	runes := []rune(text)
	var chunks []string
	for len(runes) > 0 {
		n := min(size, len(runes))
		chunks = append(chunks, string(runes[:n]))
		runes = runes[n:]
	}
	return chunks
}
