package state

import (
	"time"

	"github.com/voxd/voxd/internal/events"
)

// Turn sources.
const (
	SourceVoice = "voice"
	SourceText  = "text"
)

// Turn statuses.
const (
	TurnPending   = "pending"
	TurnSpeaking  = "speaking"
	TurnCompleted = "completed"
	TurnAborted   = "aborted"
	TurnFailed    = "failed"
	TurnNoSpeech  = "no_speech"
)

// Turn tracks one submission from acceptance to its settled outcome.
type Turn struct {
	ID           string    `json:"id"`
	Source       string    `json:"source"`
	Transcript   string    `json:"transcript"`
	ResponseMode string    `json:"response_mode"`
	Status       string    `json:"status"`
	Response     string    `json:"response,omitempty"`
	AudioID      string    `json:"audio_id,omitempty"`
	Error        string    `json:"error,omitempty"`
	Acknowledged bool      `json:"acknowledged"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Timeline entry statuses.
const (
	TimelineProcessing = "processing"
	TimelineCompleted  = "completed"
	TimelineNoSpeech   = "no_speech"
	TimelineError      = "error"
)

// Timeline step names.
const (
	StepReceived          = "received"
	StepSending           = "sending"
	StepTranscribed       = "transcribed"
	StepAgentStarted      = "agent_started"
	StepTool              = "tool"
	StepPermission        = "permission"
	StepResponseCaptured  = "response_captured"
	StepTTSGenerating     = "tts_generating"
	StepResponseReady     = "response_ready"
	StepResponseBroadcast = "response_broadcast"
	StepClientReceived    = "client_received"
	StepError             = "error"
)

// Timeline step statuses. Steps land completed; a permission step stays
// in_progress until the broker settles it as approved or denied.
const (
	StepStatusCompleted  = "completed"
	StepStatusInProgress = "in_progress"
	StepStatusApproved   = "approved"
	StepStatusDenied     = "denied"
)

// stepLabels maps step names to the labels dashboards render.
var stepLabels = map[string]string{
	StepReceived:          "Received",
	StepSending:           "Sent to transcription",
	StepTranscribed:       "Transcribed",
	StepAgentStarted:      "Agent started",
	StepTool:              "Tool",
	StepPermission:        "Permission",
	StepResponseCaptured:  "Response captured",
	StepTTSGenerating:     "Generating speech",
	StepResponseReady:     "Response ready",
	StepResponseBroadcast: "Response broadcast",
	StepClientReceived:    "Client received",
	StepError:             "Error",
}

// TimelineStep is one processing phase inside a timeline entry.
// DurationMS measures the gap since the previous step; for permission
// steps it is the wait between the request and its decision.
type TimelineStep struct {
	Name                string    `json:"name"`
	Label               string    `json:"label"`
	Status              string    `json:"status"`
	Timestamp           time.Time `json:"timestamp"`
	DurationMS          int64     `json:"duration_ms,omitempty"`
	Details             string    `json:"details,omitempty"`
	ToolName            string    `json:"tool_name,omitempty"`
	PermissionRequestID string    `json:"permission_request_id,omitempty"`
}

// TimelineEntry is the processing record of one request, its steps in
// arrival order. Entries live in a bounded ring served newest first.
type TimelineEntry struct {
	ID            uint64         `json:"id"`
	RequestID     string         `json:"request_id"`
	Timestamp     time.Time      `json:"timestamp"`
	InputType     string         `json:"input_type"`
	ContentType   string         `json:"content_type,omitempty"`
	SizeBytes     int            `json:"size_bytes,omitempty"`
	Transcript    string         `json:"transcript,omitempty"`
	AgentLaunched bool           `json:"agent_launched"`
	Status        string         `json:"status"`
	Error         string         `json:"error,omitempty"`
	Steps         []TimelineStep `json:"steps"`
}

// Snapshot is the client-facing view of the session, sent to newly
// connected clients and served by the chat endpoint.
type Snapshot struct {
	Status   string               `json:"status"`
	Messages []events.ChatMessage `json:"messages"`
	Prompt   *events.Prompt       `json:"prompt,omitempty"`
	Usage    *events.Usage        `json:"usage,omitempty"`
}
