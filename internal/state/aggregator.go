// Package state aggregates session state: status, chat history, the active
// prompt, usage, connected clients, turns, and the request timeline. One
// goroutine owns all of it; every mutation and read runs on that loop, so
// bus events always leave in mutation order.
package state

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/voxd/voxd/internal/common/logger"
	"github.com/voxd/voxd/internal/events"
	"github.com/voxd/voxd/internal/events/bus"
)

// Aggregator serialises session state behind an ops channel.
type Aggregator struct {
	bus    *bus.Bus
	logger *logger.Logger
	ops    chan func()
	done   chan struct{}

	// Owned by the run loop.
	status    string
	chat      *chatRing
	prompt    *events.Prompt
	usage     *events.Usage
	clients   map[string]events.ClientSummary
	turns     map[string]*Turn
	timeline  *timelineRing
	nextMsgID int64

	now func() time.Time
}

// NewAggregator creates an aggregator publishing onto the given bus.
func NewAggregator(b *bus.Bus, chatSize, timelineSize int, log *logger.Logger) *Aggregator {
	return &Aggregator{
		bus:      b,
		logger:   log.WithComponent("state"),
		ops:      make(chan func()),
		done:     make(chan struct{}),
		status:   events.StatusIdle,
		chat:     newChatRing(chatSize),
		clients:  make(map[string]events.ClientSummary),
		turns:    make(map[string]*Turn),
		timeline: newTimelineRing(timelineSize),
		now:      time.Now,
	}
}

// Run consumes ops until ctx is cancelled. Call it from its own goroutine
// before using the aggregator.
func (a *Aggregator) Run(ctx context.Context) {
	defer close(a.done)
	for {
		select {
		case <-ctx.Done():
			return
		case fn := <-a.ops:
			fn()
		}
	}
}

// post runs fn on the loop and waits for it. After shutdown it is a no-op.
func (a *Aggregator) post(fn func()) {
	applied := make(chan struct{})
	select {
	case a.ops <- func() { fn(); close(applied) }:
		<-applied
	case <-a.done:
	}
}

// SetStatus updates the session status and publishes StateChanged when it
// actually changes.
func (a *Aggregator) SetStatus(status string) {
	a.post(func() {
		if a.status == status {
			return
		}
		a.status = status
		a.logger.Debug("Status changed", zap.String("status", status))
		a.bus.Publish(events.StateChanged{Status: status})
	})
}

// Status returns the current session status.
func (a *Aggregator) Status() string {
	var status string
	a.post(func() { status = a.status })
	return status
}

// AppendChat adds a message to the ring with the next monotone ID and
// publishes ChatAppended.
func (a *Aggregator) AppendChat(role, content string) events.ChatMessage {
	var msg events.ChatMessage
	a.post(func() {
		a.nextMsgID++
		msg = events.ChatMessage{
			ID:        a.nextMsgID,
			Role:      role,
			Content:   content,
			Timestamp: a.now(),
		}
		a.chat.append(msg)
		a.bus.Publish(events.ChatAppended{Message: msg})
	})
	return msg
}

// History returns the chat messages oldest first.
func (a *Aggregator) History() []events.ChatMessage {
	var msgs []events.ChatMessage
	a.post(func() { msgs = a.chat.all() })
	return msgs
}

// ClearChat drops the chat history and broadcasts an empty snapshot so
// connected clients reset their views. Message IDs keep counting up.
func (a *Aggregator) ClearChat() {
	a.post(func() {
		a.chat.clear()
		a.bus.Publish(events.HistorySnapshot{Messages: []events.ChatMessage{}})
	})
}

// PostPrompt makes p the active prompt, replacing any previous one, and
// publishes PromptPosted.
func (a *Aggregator) PostPrompt(p events.Prompt) {
	a.post(func() {
		a.prompt = &p
		a.bus.Publish(events.PromptPosted{Prompt: p})
	})
}

// ResolvePrompt clears the active prompt if its ID matches and publishes
// PromptResolved. A stale ID is ignored.
func (a *Aggregator) ResolvePrompt(id string) {
	a.post(func() {
		if a.prompt == nil || a.prompt.ID != id {
			return
		}
		a.prompt = nil
		a.bus.Publish(events.PromptResolved{ID: id})
	})
}

// CurrentPrompt returns a copy of the active prompt, or nil.
func (a *Aggregator) CurrentPrompt() *events.Prompt {
	var prompt *events.Prompt
	a.post(func() {
		if a.prompt != nil {
			p := *a.prompt
			prompt = &p
		}
	})
	return prompt
}

// SetUsage stores the latest usage snapshot and publishes UsageUpdated.
func (a *Aggregator) SetUsage(u events.Usage) {
	a.post(func() {
		a.usage = &u
		a.bus.Publish(events.UsageUpdated{Usage: u})
	})
}

// AddClient registers a connected client and publishes ClientsChanged.
func (a *Aggregator) AddClient(c events.ClientSummary) {
	a.post(func() {
		a.clients[c.ID] = c
		a.bus.Publish(events.ClientsChanged{Clients: a.clientList()})
	})
}

// RemoveClient drops a client and publishes ClientsChanged.
func (a *Aggregator) RemoveClient(id string) {
	a.post(func() {
		if _, ok := a.clients[id]; !ok {
			return
		}
		delete(a.clients, id)
		a.bus.Publish(events.ClientsChanged{Clients: a.clientList()})
	})
}

// Clients returns the connected clients.
func (a *Aggregator) Clients() []events.ClientSummary {
	var list []events.ClientSummary
	a.post(func() { list = a.clientList() })
	return list
}

func (a *Aggregator) clientList() []events.ClientSummary {
	list := make([]events.ClientSummary, 0, len(a.clients))
	for _, c := range a.clients {
		list = append(list, c)
	}
	return list
}

// CreateTurn inserts a new turn record.
func (a *Aggregator) CreateTurn(t Turn) {
	a.post(func() {
		t.UpdatedAt = a.now()
		a.turns[t.ID] = &t
	})
}

// UpdateTurn applies mutate to the turn on the loop. Returns false for an
// unknown ID.
func (a *Aggregator) UpdateTurn(id string, mutate func(*Turn)) bool {
	var ok bool
	a.post(func() {
		t, found := a.turns[id]
		if !found {
			return
		}
		mutate(t)
		t.UpdatedAt = a.now()
		ok = true
	})
	return ok
}

// GetTurn returns a copy of the turn, if known.
func (a *Aggregator) GetTurn(id string) (Turn, bool) {
	var (
		turn Turn
		ok   bool
	)
	a.post(func() {
		if t, found := a.turns[id]; found {
			turn = *t
			ok = true
		}
	})
	return turn, ok
}

// BeginTimeline opens the processing record for a new request. The caller
// fills RequestID, InputType, ContentType, SizeBytes, and optionally
// Transcript; the ordinal id, timestamp, and processing status are
// assigned here.
func (a *Aggregator) BeginTimeline(e TimelineEntry) {
	a.post(func() {
		e.Timestamp = a.now()
		e.Status = TimelineProcessing
		a.timeline.push(e)
	})
}

// RecordStep appends a completed step to a request's timeline entry.
func (a *Aggregator) RecordStep(requestID, name, details string) {
	a.post(func() {
		if entry := a.timeline.find(requestID); entry != nil {
			a.appendStep(entry, TimelineStep{Name: name, Details: details})
		}
	})
}

// RecordToolStep appends a tool invocation step to a request's timeline
// entry.
func (a *Aggregator) RecordToolStep(requestID, toolName, details string) {
	a.post(func() {
		if entry := a.timeline.find(requestID); entry != nil {
			a.appendStep(entry, TimelineStep{Name: StepTool, ToolName: toolName, Details: details})
		}
	})
}

// appendStep stamps the step and attaches it to the entry. Runs on the
// loop. Completed steps record the gap since the previous step; steps
// appended in_progress get their duration when they settle.
func (a *Aggregator) appendStep(entry *TimelineEntry, step TimelineStep) {
	step.Timestamp = a.now()
	if step.Label == "" {
		step.Label = stepLabels[step.Name]
	}
	if step.Status == "" {
		step.Status = StepStatusCompleted
	}
	if n := len(entry.Steps); n > 0 && step.Status == StepStatusCompleted {
		step.DurationMS = step.Timestamp.Sub(entry.Steps[n-1].Timestamp).Milliseconds()
	}
	entry.Steps = append(entry.Steps, step)
}

// UpdateTimeline mutates a request's timeline entry on the loop. Missing
// ids are ignored.
func (a *Aggregator) UpdateTimeline(requestID string, mutate func(*TimelineEntry)) {
	a.post(func() {
		if entry := a.timeline.find(requestID); entry != nil {
			mutate(entry)
		}
	})
}

// FinishTimeline settles a request's entry with its final status. Steps
// may still be appended afterwards, such as the client receipt.
func (a *Aggregator) FinishTimeline(requestID, status, errMsg string) {
	a.post(func() {
		if entry := a.timeline.find(requestID); entry != nil {
			entry.Status = status
			entry.Error = errMsg
		}
	})
}

// Timeline returns the recorded entries newest first.
func (a *Aggregator) Timeline() []TimelineEntry {
	var entries []TimelineEntry
	a.post(func() { entries = a.timeline.all() })
	return entries
}

// Snapshot returns the client-facing view: status, chat, the active prompt
// and the latest usage, all from one loop iteration.
func (a *Aggregator) Snapshot() Snapshot {
	var snap Snapshot
	a.post(func() {
		snap.Status = a.status
		snap.Messages = a.chat.all()
		if a.prompt != nil {
			p := *a.prompt
			snap.Prompt = &p
		}
		if a.usage != nil {
			u := *a.usage
			snap.Usage = &u
		}
	})
	return snap
}

// PermissionRequested implements permission.Notifier: it publishes the
// request, surfaces its prompt, and pins an in_progress permission step
// on the entry still processing.
func (a *Aggregator) PermissionRequested(req events.PermissionRequest, prompt events.Prompt) {
	a.post(func() {
		a.bus.Publish(events.PermissionPosted{Request: req})
		a.prompt = &prompt
		a.bus.Publish(events.PromptPosted{Prompt: prompt})
		if entry := a.timeline.newest(); entry != nil && entry.Status == TimelineProcessing {
			a.appendStep(entry, TimelineStep{
				Name:                StepPermission,
				Status:              StepStatusInProgress,
				Details:             req.InputSummary,
				ToolName:            req.ToolName,
				PermissionRequestID: req.ID,
			})
		}
	})
}

// PermissionSettled implements permission.Notifier: it publishes the
// resolution, clears the prompt it surfaced, and settles the matching
// timeline step with the decision and the wait it took.
func (a *Aggregator) PermissionSettled(id, decision, reason string) {
	a.post(func() {
		a.bus.Publish(events.PermissionResolved{ID: id, Decision: decision})
		if a.prompt != nil && a.prompt.ID == id {
			a.prompt = nil
			a.bus.Publish(events.PromptResolved{ID: id})
		}
		if step := a.timeline.findStep(id); step != nil && step.Status == StepStatusInProgress {
			if decision == events.DecisionAllow {
				step.Status = StepStatusApproved
			} else {
				step.Status = StepStatusDenied
			}
			step.DurationMS = a.now().Sub(step.Timestamp).Milliseconds()
		}
	})
}
