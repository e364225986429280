// Package provider implements the pluggable LLM backend the completion
// service calls through completion.Provider (spec §6.2). KSI treats the
// actual model CLI as an external collaborator (spec §1: "the Claude CLI
// subprocess invocation (a pluggable provider)" is explicitly out of
// scope); what lives here is the subprocess invocation shape itself —
// build the command, pipe the prompt on stdin, parse one JSON object off
// stdout — grounded on original_source's claude_cli.py
// (_build_command/_run_claude_cli: model flag, --resume for session
// continuity, JSON output parsing, stderr captured for diagnostics).
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"

	"github.com/ksi-project/ksid/internal/completion"
	"github.com/ksi-project/ksid/internal/ksierr"
)

// CLI invokes a configured external command once per completion request,
// feeding the prompt on stdin and parsing a single JSON response object off
// stdout (spec §6.2's provider contract).
type CLI struct {
	// Command is the executable and leading arguments, e.g.
	// []string{"claude", "--print", "--output-format", "json"}.
	Command []string
	// DefaultModel is used when a request doesn't specify one.
	DefaultModel string
}

// New constructs a CLI provider. An empty command is valid at construction
// time but Complete will fail with PROVIDER_ERROR the first time it's
// used — this mirrors the teacher's lazy subprocess.Popen failure mode
// rather than rejecting configuration eagerly.
func New(command []string, defaultModel string) *CLI {
	return &CLI{Command: command, DefaultModel: defaultModel}
}

// wireResponse is the provider's expected stdout shape:
// {"response": {"result": "...", "session_id": "...", "usage": {...}, "model": "..."}}.
type wireResponse struct {
	Response struct {
		Result    string         `json:"result"`
		SessionID string         `json:"session_id"`
		Usage     map[string]any `json:"usage"`
		Model     string         `json:"model"`
	} `json:"response"`
}

// Complete runs the configured command, writes req.Prompt to its stdin,
// and parses its stdout as a wireResponse. A non-zero exit or a missing
// executable surfaces as a PROVIDER_ERROR carrying the captured stderr
// (spec §6.2 "Non-zero exit or missing executable yields an error result;
// stderr is captured for diagnostics").
func (c *CLI) Complete(ctx context.Context, req completion.ProviderRequest) (completion.ProviderResponse, error) {
	if len(c.Command) == 0 {
		return completion.ProviderResponse{}, ksierr.New(ksierr.ProviderError, "no provider command configured")
	}
	model := req.Model
	if model == "" {
		model = c.DefaultModel
	}

	args := append([]string(nil), c.Command[1:]...)
	args = append(args, "--model", model)
	if req.SessionID != "" {
		args = append(args, "--resume", req.SessionID)
	}
	if len(req.AllowedTools) > 0 {
		args = append(args, "--allowedTools", strings.Join(req.AllowedTools, ","))
	}

	cmd := exec.CommandContext(ctx, c.Command[0], args...)
	cmd.Stdin = strings.NewReader(req.Prompt)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		msg := fmt.Sprintf("provider command failed: %v", err)
		if stderr.Len() > 0 {
			msg = fmt.Sprintf("%s: %s", msg, strings.TrimSpace(stderr.String()))
		}
		return completion.ProviderResponse{}, ksierr.New(ksierr.ProviderError, msg)
	}

	out := stdout.String()
	start := strings.IndexByte(out, '{')
	if start < 0 {
		return completion.ProviderResponse{}, ksierr.New(ksierr.ProviderError, "provider produced no JSON output")
	}
	var wr wireResponse
	if err := json.Unmarshal([]byte(out[start:]), &wr); err != nil {
		return completion.ProviderResponse{}, ksierr.Wrap(ksierr.ProviderError, "provider output is not valid JSON", err)
	}
	return completion.ProviderResponse{
		Result:    wr.Response.Result,
		SessionID: wr.Response.SessionID,
		Usage:     wr.Response.Usage,
		Model:     wr.Response.Model,
	}, nil
}
