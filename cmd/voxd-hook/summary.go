package main

import (
	"encoding/json"
	"sort"
)

// maxSummaryChars caps free-form text so a summary fits a watch face.
// Well-known fields like file paths and patterns travel whole.
const maxSummaryChars = 80

// summaryFields maps tools to the input field that best describes the
// operation.
var summaryFields = map[string]string{
	"Bash":     "command",
	"Read":     "file_path",
	"Write":    "file_path",
	"Edit":     "file_path",
	"Glob":     "pattern",
	"Grep":     "pattern",
	"Task":     "description",
	"WebFetch": "url",
}

// summarize reduces a tool's raw input to the one line shown to the
// operator. Unknown tools fall back to their first string value, chosen in
// key order so repeated invocations summarise the same way.
func summarize(toolName string, raw json.RawMessage) string {
	var input map[string]any
	if err := json.Unmarshal(raw, &input); err != nil || len(input) == 0 {
		return ""
	}

	if field, ok := summaryFields[toolName]; ok {
		v, _ := input[field].(string)
		if toolName == "Bash" {
			return truncate(v)
		}
		return v
	}

	keys := make([]string, 0, len(input))
	for k := range input {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if v, ok := input[k].(string); ok && v != "" {
			return truncate(v)
		}
	}
	return ""
}

func truncate(s string) string {
	runes := []rune(s)
	if len(runes) <= maxSummaryChars {
		return s
	}
	return string(runes[:maxSummaryChars]) + "..."
}
