// Package events provides the typed event vocabulary for the voxd relay.
// Every state transition, chat append and prompt travels the in-process bus
// as one of these events; WebSocket frames and NATS mirror subjects reuse the
// same wire names.
package events

import (
	"time"
)

// Wire names for event frames. WebSocket frames carry them in the "type"
// field; the NATS mirror appends them to its subject prefix.
const (
	TypeStateChanged       = "state_changed"
	TypeChatAppended       = "chat_appended"
	TypeHistorySnapshot    = "history_snapshot"
	TypePromptPosted       = "prompt_posted"
	TypePromptResolved     = "prompt_resolved"
	TypePermissionPosted   = "permission_posted"
	TypePermissionResolved = "permission_resolved"
	TypeUsageUpdated       = "usage_updated"
	TypeTextChunk          = "text_chunk"
	TypeToolInvoked        = "tool_invoked"
	TypeClientsChanged     = "clients_changed"
	TypeError              = "error"
)

// Aggregate status values
const (
	StatusIdle      = "idle"
	StatusListening = "listening"
	StatusThinking  = "thinking"
	StatusSpeaking  = "speaking"
)

// Chat message roles
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Prompt kinds
const (
	PromptKindAgent      = "agent_prompt"
	PromptKindPermission = "permission"
)

// Permission decisions
const (
	DecisionPending = "pending"
	DecisionAllow   = "allow"
	DecisionDeny    = "deny"
)

// ChatMessage is one entry in the bounded chat ring. IDs are assigned from a
// monotone sequence so readers can resume with (id > last_seen_id).
type ChatMessage struct {
	ID        int64     `json:"id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// PromptOption is one selectable answer of a Prompt.
type PromptOption struct {
	Num         int    `json:"num"`
	Label       string `json:"label"`
	Description string `json:"description,omitempty"`
	Selected    bool   `json:"selected,omitempty"`
}

// Prompt is a pending question to the operator, either surfaced by the agent
// itself or synthesised from a tool-permission request. At most one Prompt is
// active at any time.
type Prompt struct {
	ID                  string         `json:"id"`
	Kind                string         `json:"kind"`
	Title               string         `json:"title,omitempty"`
	Context             string         `json:"context,omitempty"`
	Question            string         `json:"question"`
	Options             []PromptOption `json:"options"`
	Deadline            *time.Time     `json:"deadline,omitempty"`
	PermissionRequestID string         `json:"permission_request_id,omitempty"`
	TurnID              string         `json:"turn_id,omitempty"`
}

// PermissionRequest is a pending tool authorisation created by the broker and
// resolved by an operator, a rule, a timeout or agent termination.
type PermissionRequest struct {
	ID           string    `json:"id"`
	ToolName     string    `json:"tool_name"`
	InputSummary string    `json:"input_summary"`
	CreatedAt    time.Time `json:"created_at"`
	Decision     string    `json:"decision"`
	Reason       string    `json:"reason,omitempty"`
}

// ClientSummary describes one connected WebSocket client.
type ClientSummary struct {
	ID           string    `json:"id"`
	Kind         string    `json:"kind"`
	PeerIdentity string    `json:"peer_identity,omitempty"`
	SubscribedAt time.Time `json:"subscribed_at"`
}

// Usage is the cumulative token accounting reported by the agent child.
type Usage struct {
	InputTokens         int64   `json:"input_tokens"`
	OutputTokens        int64   `json:"output_tokens"`
	CacheReadTokens     int64   `json:"cache_read_tokens,omitempty"`
	CacheCreationTokens int64   `json:"cache_creation_tokens,omitempty"`
	TotalContext        int64   `json:"total_context"`
	ContextWindow       int64   `json:"context_window"`
	ContextPercent      float64 `json:"context_percent,omitempty"`
	CostUSD             float64 `json:"cost_usd"`
}

// StateChanged announces a new aggregate status.
type StateChanged struct {
	Status string `json:"status"`
}

func (StateChanged) EventType() string { return TypeStateChanged }

// ChatAppended carries one new chat ring entry.
type ChatAppended struct {
	Message ChatMessage `json:"message"`
}

func (ChatAppended) EventType() string { return TypeChatAppended }

// HistorySnapshot carries the full current chat ring, oldest first. Sent to
// every newly subscribed client and after the ring is cleared.
type HistorySnapshot struct {
	Messages []ChatMessage `json:"messages"`
}

func (HistorySnapshot) EventType() string { return TypeHistorySnapshot }

// PromptPosted announces a new active Prompt.
type PromptPosted struct {
	Prompt Prompt `json:"prompt"`
}

func (PromptPosted) EventType() string { return TypePromptPosted }

// PromptResolved announces that the active Prompt was answered or withdrawn.
type PromptResolved struct {
	ID string `json:"id"`
}

func (PromptResolved) EventType() string { return TypePromptResolved }

// PermissionPosted announces a new pending PermissionRequest.
type PermissionPosted struct {
	Request PermissionRequest `json:"request"`
}

func (PermissionPosted) EventType() string { return TypePermissionPosted }

// PermissionResolved announces the decision for a PermissionRequest.
type PermissionResolved struct {
	ID       string `json:"id"`
	Decision string `json:"decision"`
}

func (PermissionResolved) EventType() string { return TypePermissionResolved }

// UsageUpdated carries the latest usage snapshot.
type UsageUpdated struct {
	Usage
}

func (UsageUpdated) EventType() string { return TypeUsageUpdated }

// TextChunk is a partial assistant text update for a turn in flight.
type TextChunk struct {
	TurnID string `json:"turn_id"`
	Text   string `json:"text"`
}

func (TextChunk) EventType() string { return TypeTextChunk }

// ToolInvoked announces a tool invocation by the agent.
type ToolInvoked struct {
	Name    string `json:"name"`
	Summary string `json:"summary"`
}

func (ToolInvoked) EventType() string { return TypeToolInvoked }

// ClientsChanged carries the current set of connected clients.
type ClientsChanged struct {
	Clients []ClientSummary `json:"clients"`
}

func (ClientsChanged) EventType() string { return TypeClientsChanged }

// Error surfaces a turn failure to subscribers. Kind is one of the error
// kinds from the gateway's error vocabulary.
type Error struct {
	TurnID  string `json:"turn_id,omitempty"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func (Error) EventType() string { return TypeError }
