// Command voxd-hook is the pre-tool-use hook the agent child runs before
// each tool call. It short-circuits operations the rule set marks safe and
// routes everything else to the relay for an operator decision, printing
// the verdict in the hook protocol the agent runtime understands.
//
// Verdicts go to stdout; diagnostics go to stderr. Exiting silently with
// status 0 means "no opinion" and leaves the runtime to its own policy.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/voxd/voxd/internal/permission"
)

const (
	defaultServer          = "http://localhost:5566"
	defaultDecisionTimeout = 120 * time.Second

	postTimeout  = 5 * time.Second
	pollInterval = 500 * time.Millisecond
	// pollTimeout must outlive the server's long-poll hold so a pending
	// decision does not read as a dead server.
	pollTimeout = 35 * time.Second
)

// Verdicts the agent runtime understands. "ask" defers to the runtime's
// own terminal prompt; the server only ever answers allow or deny.
const (
	decisionAllow   = "allow"
	decisionDeny    = "deny"
	decisionAsk     = "ask"
	decisionPending = "pending"
)

type hookInput struct {
	ToolName  string          `json:"tool_name"`
	ToolInput json.RawMessage `json:"tool_input"`
	ToolUseID string          `json:"tool_use_id"`
}

type hookOutput struct {
	HookSpecificOutput hookDecision `json:"hookSpecificOutput"`
}

type hookDecision struct {
	HookEventName            string `json:"hookEventName"`
	PermissionDecision       string `json:"permissionDecision"`
	PermissionDecisionReason string `json:"permissionDecisionReason"`
}

type hookConfig struct {
	server          string
	rulesFile       string
	skip            bool
	serverSession   bool
	decisionTimeout time.Duration
}

func configFromEnv() hookConfig {
	cfg := hookConfig{
		server:          defaultServer,
		rulesFile:       os.Getenv("VOXD_PERMISSION_RULES_FILE"),
		skip:            os.Getenv("VOXD_SKIP_HOOKS") == "1",
		serverSession:   os.Getenv("VOXD_SESSION") == "1",
		decisionTimeout: defaultDecisionTimeout,
	}
	if s := os.Getenv("VOXD_SERVER"); s != "" {
		cfg.server = strings.TrimRight(s, "/")
	}
	if s := os.Getenv("VOXD_HOOK_TIMEOUT"); s != "" {
		if secs, err := strconv.Atoi(s); err == nil && secs > 0 {
			cfg.decisionTimeout = time.Duration(secs) * time.Second
		}
	}
	return cfg
}

func main() {
	out := run(configFromEnv(), os.Stdin)
	if out != nil {
		_ = json.NewEncoder(os.Stdout).Encode(out)
	}
}

// run decides one tool invocation. A nil result means stay silent.
func run(cfg hookConfig, stdin io.Reader) *hookOutput {
	if cfg.skip {
		return nil
	}

	var in hookInput
	if err := json.NewDecoder(stdin).Decode(&in); err != nil || in.ToolName == "" {
		return nil
	}

	rules, err := permission.LoadRules(cfg.rulesFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "voxd-hook: %v, using built-in rules\n", err)
		rules = permission.DefaultRules()
	}

	summary := summarize(in.ToolName, in.ToolInput)

	// Manually launched agent: nobody is watching the relay for prompts,
	// so pass safe operations and bounce the rest back to the runtime's
	// terminal prompt.
	if !cfg.serverSession {
		if rules.AutoAllows(in.ToolName, summary) {
			return nil
		}
		return verdict(decisionAsk, "Manual session, confirm in terminal")
	}

	if !rules.IsSensitive(in.ToolName) {
		return nil
	}
	if rules.AutoAllows(in.ToolName, summary) {
		return verdict(decisionAllow, "Auto-approved safe operation")
	}

	client := &serverClient{base: cfg.server}
	id, err := client.request(in.ToolName, summary)
	if err != nil {
		fmt.Fprintf(os.Stderr, "voxd-hook: failed to contact server: %v\n", err)
		return verdict(decisionDeny, "Permission server unavailable")
	}

	decision, reason := client.await(id, time.Now().Add(cfg.decisionTimeout))
	return verdict(decision, reason)
}

func verdict(decision, reason string) *hookOutput {
	return &hookOutput{
		HookSpecificOutput: hookDecision{
			HookEventName:            "PreToolUse",
			PermissionDecision:       decision,
			PermissionDecisionReason: reason,
		},
	}
}

// serverClient talks to the relay's permission endpoints.
type serverClient struct {
	base string
}

func (c *serverClient) request(toolName, summary string) (string, error) {
	body, err := json.Marshal(map[string]string{
		"tool_name":     toolName,
		"input_summary": summary,
	})
	if err != nil {
		return "", err
	}

	hc := &http.Client{Timeout: postTimeout}
	resp, err := hc.Post(c.base+"/api/permission/request", "application/json", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("server returned %s", resp.Status)
	}
	var out struct {
		RequestID string `json:"request_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	if out.RequestID == "" {
		return "", fmt.Errorf("server returned no request id")
	}
	return out.RequestID, nil
}

// await polls the status endpoint until the request settles or the deadline
// passes. Poll failures are retried; a deadline without a decision denies.
func (c *serverClient) await(id string, deadline time.Time) (decision, reason string) {
	url := c.base + "/api/permission/status/" + id
	hc := &http.Client{Timeout: pollTimeout}

	for time.Now().Before(deadline) {
		resp, err := hc.Get(url)
		if err != nil {
			fmt.Fprintf(os.Stderr, "voxd-hook: poll error: %v\n", err)
			time.Sleep(pollInterval)
			continue
		}
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			fmt.Fprintf(os.Stderr, "voxd-hook: poll returned %s\n", resp.Status)
			time.Sleep(pollInterval)
			continue
		}

		var status struct {
			Decision string `json:"decision"`
			Reason   string `json:"reason"`
		}
		err = json.NewDecoder(resp.Body).Decode(&status)
		resp.Body.Close()
		if err != nil {
			time.Sleep(pollInterval)
			continue
		}

		if status.Decision == "" || status.Decision == decisionPending {
			time.Sleep(pollInterval)
			continue
		}
		return status.Decision, status.Reason
	}
	return decisionDeny, "Permission request timed out"
}
