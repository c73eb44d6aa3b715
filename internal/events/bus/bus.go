// Package bus provides the in-process event fan-out for voxd.
//
// Every subscriber owns an independent bounded queue. Publishing never
// blocks: when a subscriber's queue is full its oldest event is dropped and a
// per-subscriber counter incremented, so one slow WebSocket client cannot
// stall the turn pipeline.
package bus

import (
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/voxd/voxd/internal/common/logger"
)

// DefaultQueueSize is the per-subscriber queue capacity when none is given.
const DefaultQueueSize = 256

// Event is implemented by everything published on the bus. EventType returns
// the wire name used for WebSocket frames and NATS mirror subjects.
type Event interface {
	EventType() string
}

// MarshalFrame renders an event as its wire frame: the payload fields with
// the type name injected alongside them.
func MarshalFrame(ev Event) ([]byte, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}
	frame := make(map[string]any)
	if err := json.Unmarshal(payload, &frame); err != nil {
		return nil, err
	}
	frame["type"] = ev.EventType()
	return json.Marshal(frame)
}

// Bus fans typed events out to all current subscribers.
type Bus struct {
	mu        sync.RWMutex
	subs      map[uint64]*Subscription
	nextID    uint64
	queueSize int
	logger    *logger.Logger
	closed    bool
}

// New creates a bus whose subscribers get queues of the given capacity.
func New(queueSize int, log *logger.Logger) *Bus {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Bus{
		subs:      make(map[uint64]*Subscription),
		queueSize: queueSize,
		logger:    log.WithFields(zap.String("component", "event-bus")),
	}
}

// Subscribe registers a new subscriber and returns its queue handle.
// Subscribing to a closed bus returns a handle whose channel is already
// closed, so consumers need no special shutdown path.
func (b *Bus) Subscribe() *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &Subscription{
		bus: b,
		ch:  make(chan Event, b.queueSize),
	}
	if b.closed {
		close(sub.ch)
		sub.closed = true
		return sub
	}

	b.nextID++
	sub.id = b.nextID
	b.subs[sub.id] = sub

	b.logger.Debug("subscriber added", zap.Uint64("subscriber_id", sub.id))
	return sub
}

// Publish delivers the event to every subscriber's queue. Full queues drop
// their oldest entry; the publisher never waits.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}

	for _, sub := range b.subs {
		sub.enqueue(ev)
	}

	b.logger.Debug("published event", zap.String("event_type", ev.EventType()))
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close closes every subscriber channel and rejects further publishes.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true

	for id, sub := range b.subs {
		sub.close()
		delete(b.subs, id)
	}

	b.logger.Info("event bus closed")
}

// remove detaches a subscription; called from Unsubscribe.
func (b *Bus) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if sub, ok := b.subs[id]; ok {
		delete(b.subs, id)
		sub.close()
	}
}
