package agentstream

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"go.uber.org/zap"

	"github.com/voxd/voxd/internal/common/logger"
)

// EventHandler handles decoded events from the agent child process.
type EventHandler func(ev *Event)

// Client handles agent child communication over stdin/stdout streams.
// It reads newline-delimited JSON from stdout and writes prompt and option
// lines to stdin.
type Client struct {
	stdin  io.Writer
	stdout io.Reader
	logger *logger.Logger

	// Handler for decoded events
	handler EventHandler

	// Synchronization
	mu     sync.RWMutex
	sendMu sync.Mutex
	done   chan struct{}
}

// NewClient creates a new agent stream client.
func NewClient(stdin io.Writer, stdout io.Reader, log *logger.Logger) *Client {
	return &Client{
		stdin:  stdin,
		stdout: stdout,
		logger: log.WithFields(zap.String("component", "agentstream-client")),
		done:   make(chan struct{}),
	}
}

// SetEventHandler sets the handler for decoded events.
func (c *Client) SetEventHandler(handler EventHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = handler
}

// Start begins reading from stdout in a goroutine.
// Returns a channel that is closed when the read loop is ready.
func (c *Client) Start(ctx context.Context) <-chan struct{} {
	ready := make(chan struct{})
	go c.readLoop(ctx, ready)
	return ready
}

// Stop stops the client and closes the done channel.
func (c *Client) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	select {
	case <-c.done:
		// Already closed
	default:
		close(c.done)
	}
}

// SendTurn writes a turn submission to the child's stdin.
func (c *Client) SendTurn(turnID, text string) error {
	return c.send(&TurnMessage{TurnID: turnID, Text: text})
}

// SendOption writes a prompt answer to the child's stdin.
func (c *Client) SendOption(turnID string, option int) error {
	return c.send(&OptionMessage{TurnID: turnID, Option: option})
}

func (c *Client) send(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	data = append(data, '\n')

	// Writes may come from different request handlers; serialize them so
	// lines never interleave on the wire.
	c.sendMu.Lock()
	_, err = c.stdin.Write(data)
	c.sendMu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	c.logger.Debug("agentstream: sent message", zap.String("data", string(data)))
	return nil
}

func (c *Client) readLoop(ctx context.Context, ready chan<- struct{}) {
	scanner := bufio.NewScanner(c.stdout)
	// Allow for large JSON lines (up to 10MB)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 10*1024*1024)

	c.logger.Info("agentstream: read loop starting")
	close(ready)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		default:
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		c.handleLine(line)
	}

	if err := scanner.Err(); err != nil {
		c.logger.Error("read loop error", zap.Error(err))
	}
}

func (c *Client) handleLine(line []byte) {
	c.logger.Debug("agentstream: received raw line", zap.String("line", string(line)))

	var ev Event
	if err := json.Unmarshal(line, &ev); err != nil {
		// Malformed lines are logged and skipped; they never change state.
		c.logger.Warn("failed to parse event", zap.Error(err), zap.String("line", string(line)))
		return
	}

	c.mu.RLock()
	handler := c.handler
	c.mu.RUnlock()

	if handler != nil {
		handler(&ev)
	}
}
