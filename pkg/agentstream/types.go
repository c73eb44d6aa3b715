// Package agentstream provides types and client for the agent child process
// stream protocol. The child reads newline-delimited JSON prompts on stdin
// and writes newline-delimited JSON events on stdout.
package agentstream

// Event types emitted by the agent child process
const (
	// EventTextChunk is a partial assistant text update
	EventTextChunk = "text_chunk"
	// EventToolUse announces a tool invocation
	EventToolUse = "tool_use"
	// EventMessageEnd finalises the current turn
	EventMessageEnd = "message_end"
	// EventAborted confirms a cancelled turn
	EventAborted = "aborted"
	// EventPrompt asks the operator a question with numbered options
	EventPrompt = "prompt"
	// EventUsage reports token usage and cost
	EventUsage = "usage"
)

// Event represents one stdout line from the agent child process.
// The event type determines which fields are populated. Unknown types and
// unknown fields must be tolerated so newer child builds keep working.
type Event struct {
	Type   string `json:"type"`
	TurnID string `json:"turn_id,omitempty"`

	// For text_chunk events
	Delta string `json:"delta,omitempty"`

	// For tool_use events
	Name    string `json:"name,omitempty"`
	Summary string `json:"summary,omitempty"`

	// For prompt events
	Question string   `json:"question,omitempty"`
	Options  []string `json:"options,omitempty"`

	// For usage events
	InputTokens         int64   `json:"input_tokens,omitempty"`
	OutputTokens        int64   `json:"output_tokens,omitempty"`
	CacheReadTokens     int64   `json:"cache_read_tokens,omitempty"`
	CacheCreationTokens int64   `json:"cache_creation_tokens,omitempty"`
	TotalContext        int64   `json:"total_context,omitempty"`
	ContextWindow       int64   `json:"context_window,omitempty"`
	ContextPercent      float64 `json:"context_percent,omitempty"`
	CostUSD             float64 `json:"cost_usd,omitempty"`
}

// TurnMessage is written to the child's stdin to start a turn.
type TurnMessage struct {
	TurnID string `json:"turn_id"`
	Text   string `json:"text"`
}

// OptionMessage is written to the child's stdin to answer an agent prompt.
// Option numbering starts at 1 and follows the order of the prompt's options.
type OptionMessage struct {
	TurnID string `json:"turn_id"`
	Option int    `json:"option"`
}
