package permission

import (
	"github.com/voxd/voxd/internal/events"
)

// maxContextChars caps the prompt context shown for unrecognised tools.
const maxContextChars = 200

// BuildPrompt renders a permission request as the operator-facing prompt.
// The prompt shares the request's ID, so resolving one resolves the other.
func BuildPrompt(req events.PermissionRequest) events.Prompt {
	prompt := events.Prompt{
		ID:                  req.ID,
		Kind:                events.PromptKindPermission,
		Title:               req.ToolName,
		PermissionRequestID: req.ID,
		Options: []events.PromptOption{
			{Num: 1, Label: "Allow", Description: "Permit this operation"},
			{Num: 2, Label: "Deny", Description: "Block this operation"},
		},
	}

	switch req.ToolName {
	case "Bash":
		prompt.Question = "Run command: " + req.InputSummary
	case "Write", "Edit":
		prompt.Question = req.ToolName + " file: " + req.InputSummary
	default:
		prompt.Question = "Execute " + req.ToolName
		prompt.Context = truncateRunes(req.InputSummary, maxContextChars)
	}
	return prompt
}

// truncateRunes caps text at max codepoints, marking the cut with an
// ellipsis.
func truncateRunes(text string, max int) string {
	runes := []rune(text)
	if len(runes) <= max {
		return text
	}
	return string(runes[:max]) + "..."
}
