// Package websocket streams relay events to connected control-surface
// clients.
//
// Each client owns its own bus subscription, so a slow watch app drops its
// own frames without stalling the turn pipeline or other clients. The hub is
// only the roster: it tracks live connections, mirrors them into the state
// aggregator, and closes everything on shutdown.
package websocket

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/voxd/voxd/internal/common/logger"
	"github.com/voxd/voxd/internal/events/bus"
	"github.com/voxd/voxd/internal/state"
)

// Controller is the slice of the relay service that client commands drive.
type Controller interface {
	AckResponse(id string) error
	Abort() error
}

// Hub tracks connected WebSocket clients.
type Hub struct {
	bus     *bus.Bus
	agg     *state.Aggregator
	control Controller

	pingInterval time.Duration
	maxMissed    int

	register   chan *Client
	unregister chan *Client
	done       chan struct{}

	mu      sync.RWMutex
	clients map[*Client]bool

	logger *logger.Logger
}

// NewHub creates a hub whose clients subscribe to b and answer pings within
// pingInterval. A client that misses maxMissed consecutive pongs is dropped.
func NewHub(b *bus.Bus, agg *state.Aggregator, control Controller, pingInterval time.Duration, maxMissed int, log *logger.Logger) *Hub {
	if pingInterval <= 0 {
		pingInterval = 30 * time.Second
	}
	if maxMissed <= 0 {
		maxMissed = 3
	}
	return &Hub{
		bus:          b,
		agg:          agg,
		control:      control,
		pingInterval: pingInterval,
		maxMissed:    maxMissed,
		register:     make(chan *Client),
		unregister:   make(chan *Client),
		done:         make(chan struct{}),
		clients:      make(map[*Client]bool),
		logger:       log.WithFields(zap.String("component", "ws-hub")),
	}
}

// Run processes registrations until ctx is cancelled, then closes every
// connection. Call it from its own goroutine before accepting clients.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("websocket hub started")
	defer h.logger.Info("websocket hub stopped")
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.closeAllClients()
			return

		case client := <-h.register:
			h.addClient(client)

		case client := <-h.unregister:
			h.removeClient(client)
		}
	}
}

// Register adds a client to the roster. After the hub has stopped the client
// is closed instead.
func (h *Hub) Register(client *Client) {
	select {
	case h.register <- client:
	case <-h.done:
		client.shutdown()
	}
}

// Unregister drops a client from the roster. Safe to call after the hub has
// stopped.
func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) addClient(client *Client) {
	h.mu.Lock()
	h.clients[client] = true
	h.mu.Unlock()

	h.agg.AddClient(client.Summary())
	h.logger.Debug("client registered",
		zap.String("client_id", client.ID),
		zap.String("device", client.Device))
}

func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	_, ok := h.clients[client]
	if ok {
		delete(h.clients, client)
	}
	h.mu.Unlock()

	if !ok {
		return
	}
	client.shutdown()
	h.agg.RemoveClient(client.ID)
	h.logger.Debug("client unregistered", zap.String("client_id", client.ID))
}

func (h *Hub) closeAllClients() {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	h.clients = make(map[*Client]bool)
	h.mu.Unlock()

	for _, client := range clients {
		client.shutdown()
		h.agg.RemoveClient(client.ID)
	}
}
