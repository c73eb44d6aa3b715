package permission

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Rules classifies tool invocations: which tools need operator approval at
// all, and which operations are safe to approve without asking. The same
// rules drive both the broker's server-side fast path and the hook binary.
type Rules struct {
	// SensitiveTools are the tools whose invocations must be approved.
	// Tools outside this set run without a permission request.
	SensitiveTools []string `yaml:"sensitive_tools"`

	// AutoAllowTools are approved immediately regardless of input.
	AutoAllowTools []string `yaml:"auto_allow_tools"`

	// SafeBashPrefixes lists command words whose Bash invocations are
	// approved immediately (read-only commands).
	SafeBashPrefixes []string `yaml:"safe_bash_prefixes"`
}

// DefaultRules returns the built-in rule set.
func DefaultRules() *Rules {
	return &Rules{
		SensitiveTools: []string{"Bash", "Write", "Edit", "NotebookEdit"},
		AutoAllowTools: []string{"Read", "Glob", "Grep"},
		SafeBashPrefixes: []string{
			"ls", "cat", "head", "tail", "grep", "find", "echo",
			"pwd", "whoami", "date", "which", "type", "file",
		},
	}
}

// LoadRules reads a YAML rules file, falling back to the defaults when the
// path is empty. Keys absent from the file keep their default values.
func LoadRules(path string) (*Rules, error) {
	rules := DefaultRules()
	if path == "" {
		return rules, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("permission: read rules file: %w", err)
	}
	if err := yaml.Unmarshal(data, rules); err != nil {
		return nil, fmt.Errorf("permission: parse rules file: %w", err)
	}
	return rules, nil
}

// IsSensitive reports whether invocations of the tool need approval.
func (r *Rules) IsSensitive(toolName string) bool {
	for _, t := range r.SensitiveTools {
		if t == toolName {
			return true
		}
	}
	return false
}

// AutoAllows reports whether the operation is safe to approve without
// asking the operator. For Bash the first word of the command is matched
// against the safe prefix list.
func (r *Rules) AutoAllows(toolName, inputSummary string) bool {
	for _, t := range r.AutoAllowTools {
		if t == toolName {
			return true
		}
	}
	if toolName != "Bash" {
		return false
	}

	fields := strings.Fields(inputSummary)
	if len(fields) == 0 {
		return false
	}
	for _, p := range r.SafeBashPrefixes {
		if fields[0] == p {
			return true
		}
	}
	return false
}
