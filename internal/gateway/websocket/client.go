package websocket

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/voxd/voxd/internal/common/logger"
	"github.com/voxd/voxd/internal/events"
	"github.com/voxd/voxd/internal/events/bus"
)

const (
	// Time allowed to write a frame to the peer.
	writeWait = 10 * time.Second

	// Maximum command size allowed from the peer. Commands are a few bytes
	// of JSON; anything larger is not ours.
	maxCommandSize = 4 * 1024
)

// command is the small upstream vocabulary clients may send. Unknown
// commands are ignored so older servers tolerate newer apps.
type command struct {
	Cmd string `json:"cmd"`
	ID  string `json:"id,omitempty"`
}

// Client is one WebSocket connection with its own bus subscription.
type Client struct {
	ID     string
	Device string

	conn        *websocket.Conn
	hub         *Hub
	sub         *bus.Subscription
	connectedAt time.Time

	awaitingPong atomic.Int32
	closeOnce    sync.Once

	logger *logger.Logger
}

// NewClient wraps an upgraded connection and subscribes it to the hub's bus.
// Events published between now and the write pump starting queue up in the
// subscription, so nothing is missed while the connect snapshot is sent.
func NewClient(id, device string, conn *websocket.Conn, hub *Hub, log *logger.Logger) *Client {
	return &Client{
		ID:          id,
		Device:      device,
		conn:        conn,
		hub:         hub,
		sub:         hub.bus.Subscribe(),
		connectedAt: time.Now(),
		logger: log.WithFields(
			zap.String("client_id", id),
			zap.String("device", device)),
	}
}

// Summary describes the client for the roster.
func (c *Client) Summary() events.ClientSummary {
	return events.ClientSummary{
		ID:           c.ID,
		Kind:         c.Device,
		SubscribedAt: c.connectedAt,
	}
}

// SendSnapshot writes the current status and chat history directly to the
// peer. Called once after the upgrade, before the pumps start, so every
// connection begins from a consistent picture regardless of what the bus
// delivered while the client was away.
func (c *Client) SendSnapshot(status string, messages []events.ChatMessage) {
	if messages == nil {
		messages = []events.ChatMessage{}
	}
	c.writeEvent(events.StateChanged{Status: status})
	c.writeEvent(events.HistorySnapshot{Messages: messages})
}

// ReadPump consumes peer commands until the connection dies, then
// unregisters the client. Runs on the connection handler's goroutine.
func (c *Client) ReadPump() {
	defer c.hub.Unregister(c)

	c.conn.SetReadLimit(maxCommandSize)
	c.conn.SetPongHandler(func(string) error {
		c.awaitingPong.Store(0)
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.logger.Debug("websocket read error", zap.Error(err))
			}
			return
		}

		var cmd command
		if err := json.Unmarshal(raw, &cmd); err != nil {
			c.logger.Debug("ignoring malformed command", zap.Error(err))
			continue
		}
		c.handleCommand(cmd)
	}
}

func (c *Client) handleCommand(cmd command) {
	switch cmd.Cmd {
	case "ack":
		if err := c.hub.control.AckResponse(cmd.ID); err != nil {
			c.logger.Debug("ack command rejected",
				zap.String("response_id", cmd.ID), zap.Error(err))
		}
	case "abort":
		if err := c.hub.control.Abort(); err != nil {
			c.logger.Debug("abort command rejected", zap.Error(err))
		}
	default:
		c.logger.Debug("ignoring unknown command", zap.String("cmd", cmd.Cmd))
	}
}

// WritePump streams bus frames to the peer and keeps the connection alive
// with pings. Exits when the subscription closes, a write fails, or the peer
// stops answering pings.
func (c *Client) WritePump() {
	ticker := time.NewTicker(c.hub.pingInterval)
	defer func() {
		ticker.Stop()
		c.shutdown()
	}()

	for {
		select {
		case ev, ok := <-c.sub.Events():
			if !ok {
				c.conn.SetWriteDeadline(time.Now().Add(writeWait))
				c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
				return
			}
			if err := c.writeEvent(ev); err != nil {
				return
			}

		case <-ticker.C:
			if int(c.awaitingPong.Load()) >= c.hub.maxMissed {
				c.logger.Info("dropping unresponsive client",
					zap.Int("missed_pongs", c.hub.maxMissed),
					zap.Uint64("dropped_frames", c.sub.Dropped()))
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
			c.awaitingPong.Add(1)
		}
	}
}

func (c *Client) writeEvent(ev bus.Event) error {
	frame, err := bus.MarshalFrame(ev)
	if err != nil {
		c.logger.Error("failed to marshal frame",
			zap.String("event_type", ev.EventType()), zap.Error(err))
		return nil
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, frame)
}

// shutdown closes the connection and detaches from the bus. Idempotent;
// reached from the hub, from either pump, and from late registration.
func (c *Client) shutdown() {
	c.closeOnce.Do(func() {
		c.sub.Unsubscribe()
		c.conn.Close()
	})
}
