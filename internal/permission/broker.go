// Package permission brokers tool-approval requests between the agent's
// hook and the operator.
package permission

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/voxd/voxd/internal/common/logger"
	"github.com/voxd/voxd/internal/events"
)

// sweepInterval is how often the reaper drops requests whose retention
// window has passed.
const sweepInterval = 15 * time.Second

// Notifier receives broker lifecycle notifications. The state aggregator
// implements it to surface prompts and publish bus events. Auto-allowed
// requests never reach the notifier.
type Notifier interface {
	PermissionRequested(req events.PermissionRequest, prompt events.Prompt)
	PermissionSettled(id, decision, reason string)
}

// pendingRequest is an undecided request waiting on the operator or its
// deadline.
type pendingRequest struct {
	req   *events.PermissionRequest
	done  chan struct{}
	timer *time.Timer
}

// resolvedRequest keeps a decided request around for the retention window
// so late polls and duplicate responds still see the decision.
type resolvedRequest struct {
	req        *events.PermissionRequest
	resolvedAt time.Time
}

// Broker tracks permission requests from creation to decision. Undecided
// requests auto-deny when their deadline fires; decided requests are
// retained briefly for idempotent polling.
type Broker struct {
	mu       sync.RWMutex
	pending  map[string]*pendingRequest
	resolved map[string]*resolvedRequest

	rules     *Rules
	notifier  Notifier
	timeout   time.Duration
	retention time.Duration
	logger    *logger.Logger

	now func() time.Time
}

// NewBroker creates a permission broker. Requests undecided after timeout
// are denied; decisions are retained for the given window.
func NewBroker(rules *Rules, notifier Notifier, timeout, retention time.Duration, log *logger.Logger) *Broker {
	return &Broker{
		pending:   make(map[string]*pendingRequest),
		resolved:  make(map[string]*resolvedRequest),
		rules:     rules,
		notifier:  notifier,
		timeout:   timeout,
		retention: retention,
		logger:    log.WithComponent("permission-broker"),
		now:       time.Now,
	}
}

// Request registers a permission query and returns the new request.
// Rule-matched safe operations resolve allow immediately without surfacing
// a prompt.
func (b *Broker) Request(toolName, inputSummary string) *events.PermissionRequest {
	req := &events.PermissionRequest{
		ID:           uuid.New().String(),
		ToolName:     toolName,
		InputSummary: inputSummary,
		CreatedAt:    b.now(),
		Decision:     events.DecisionPending,
	}

	if b.rules.AutoAllows(toolName, inputSummary) {
		req.Decision = events.DecisionAllow
		req.Reason = "auto-allowed by rule"

		b.mu.Lock()
		b.resolved[req.ID] = &resolvedRequest{req: req, resolvedAt: b.now()}
		b.mu.Unlock()

		b.logger.Info("Permission auto-allowed",
			zap.String("request_id", req.ID),
			zap.String("tool", toolName))
		return cloneRequest(req)
	}

	pending := &pendingRequest{
		req:  req,
		done: make(chan struct{}),
	}

	b.mu.Lock()
	b.pending[req.ID] = pending
	pending.timer = time.AfterFunc(b.timeout, func() { b.expire(req.ID) })
	reqCopy := *req
	b.mu.Unlock()

	prompt := BuildPrompt(reqCopy)
	deadline := reqCopy.CreatedAt.Add(b.timeout)
	prompt.Deadline = &deadline

	b.logger.Info("Permission requested",
		zap.String("request_id", reqCopy.ID),
		zap.String("tool", toolName))
	if b.notifier != nil {
		b.notifier.PermissionRequested(reqCopy, prompt)
	}
	return &reqCopy
}

// Respond records the operator's decision. A duplicate respond with the
// same decision inside the retention window is idempotent; a conflicting
// one returns ErrAlreadyDecided.
func (b *Broker) Respond(id, decision, reason string) error {
	if decision != events.DecisionAllow && decision != events.DecisionDeny {
		return ErrBadDecision
	}
	return b.settle(id, decision, reason)
}

// Status returns the current state of the request without waiting.
func (b *Broker) Status(id string) (*events.PermissionRequest, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if pending, ok := b.pending[id]; ok {
		return cloneRequest(pending.req), nil
	}
	if res, ok := b.resolved[id]; ok {
		return cloneRequest(res.req), nil
	}
	return nil, ErrNotFound
}

// Wait blocks until the request is decided, maxWait elapses, or ctx is
// cancelled, then returns the latest state. A request still pending after
// maxWait is returned as-is.
func (b *Broker) Wait(ctx context.Context, id string, maxWait time.Duration) (*events.PermissionRequest, error) {
	b.mu.RLock()
	pending, isPending := b.pending[id]
	b.mu.RUnlock()

	if !isPending {
		return b.Status(id)
	}

	waitTimer := time.NewTimer(maxWait)
	defer waitTimer.Stop()

	select {
	case <-pending.done:
		return b.Status(id)
	case <-waitTimer.C:
		return b.Status(id)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// DenyAll denies every pending request with the given reason and returns
// the number denied. Used when the agent process goes away.
func (b *Broker) DenyAll(reason string) int {
	b.mu.RLock()
	ids := make([]string, 0, len(b.pending))
	for id := range b.pending {
		ids = append(ids, id)
	}
	b.mu.RUnlock()

	count := 0
	for _, id := range ids {
		if err := b.settle(id, events.DecisionDeny, reason); err == nil {
			count++
		}
	}
	return count
}

// PendingCount returns the number of undecided requests.
func (b *Broker) PendingCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.pending)
}

// CleanupExpired drops resolved requests whose retention window has
// passed. Returns the number dropped.
func (b *Broker) CleanupExpired() int {
	cutoff := b.now().Add(-b.retention)

	b.mu.Lock()
	defer b.mu.Unlock()

	count := 0
	for id, res := range b.resolved {
		if res.resolvedAt.Before(cutoff) {
			delete(b.resolved, id)
			count++
		}
	}
	return count
}

// StartReaper starts a background goroutine that sweeps retained decisions
// until ctx is cancelled.
func (b *Broker) StartReaper(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := b.CleanupExpired(); n > 0 {
					b.logger.Debug("Dropped retained permission decisions", zap.Int("count", n))
				}
			}
		}
	}()
}

// expire is the deadline callback: an undecided request becomes a deny.
func (b *Broker) expire(id string) {
	if err := b.settle(id, events.DecisionDeny, "timeout"); err == nil {
		b.logger.Warn("Permission request timed out", zap.String("request_id", id))
	}
}

// settle moves a pending request to resolved and notifies. For requests
// already resolved it applies the idempotency rule.
func (b *Broker) settle(id, decision, reason string) error {
	b.mu.Lock()
	pending, ok := b.pending[id]
	if !ok {
		res, wasResolved := b.resolved[id]
		b.mu.Unlock()
		if !wasResolved {
			return ErrNotFound
		}
		if res.req.Decision == decision {
			return nil
		}
		return ErrAlreadyDecided
	}

	pending.timer.Stop()
	pending.req.Decision = decision
	pending.req.Reason = reason
	delete(b.pending, id)
	b.resolved[id] = &resolvedRequest{req: pending.req, resolvedAt: b.now()}
	close(pending.done)
	b.mu.Unlock()

	b.logger.Info("Permission settled",
		zap.String("request_id", id),
		zap.String("decision", decision),
		zap.String("reason", reason))
	if b.notifier != nil {
		b.notifier.PermissionSettled(id, decision, reason)
	}
	return nil
}

func cloneRequest(r *events.PermissionRequest) *events.PermissionRequest {
	c := *r
	return &c
}
