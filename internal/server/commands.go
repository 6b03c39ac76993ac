package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"os/exec"
	"strings"
	"unicode/utf8"

	"go.olrik.dev/tether/internal/bridge"
)

// CommandResult is what a command hands back to the dispatcher
type CommandResult struct {
	Value      any
	BridgeUsed bool

	after func() // runs once the response has been written
}

// CommandFunc handles one named command. A *RequestError maps to 400.
type CommandFunc func(ctx context.Context, payload json.RawMessage) (CommandResult, error)

// RequestError is a caller mistake in the command payload
type RequestError struct {
	Code    string
	Message string
}

func (e *RequestError) Error() string {
	return e.Message
}

func invalidPayload(format string, args ...any) *RequestError {
	return &RequestError{Code: "invalid_payload", Message: fmt.Sprintf(format, args...)}
}

// Register adds or replaces a named command
func (s *ControlServer) Register(name string, fn CommandFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commands[name] = fn
}

func (s *ControlServer) command(name string) (CommandFunc, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn, ok := s.commands[name]
	return fn, ok
}

func (s *ControlServer) registerBuiltins() {
	s.commands["echo"] = s.cmdEcho
	s.commands["prompt"] = s.cmdPrompt
	s.commands["git"] = s.cmdGit
	s.commands["reconnect"] = s.cmdReconnect
	s.commands["shutdown"] = s.cmdShutdown
}

func isUnavailable(err error) bool {
	return errors.Is(err, bridge.ErrUnavailable)
}

// decodePayload unmarshals raw into out; an absent payload leaves out untouched
func decodePayload(raw json.RawMessage, out any) error {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil
	}
	if err := json.Unmarshal(trimmed, out); err != nil {
		return invalidPayload("invalid payload: %v", err)
	}
	return nil
}

func (s *ControlServer) cmdEcho(ctx context.Context, payload json.RawMessage) (CommandResult, error) {
	var body any
	if err := decodePayload(payload, &body); err != nil {
		return CommandResult{}, err
	}

	result := map[string]any{"payload": body, "bridgeUsed": false}
	if !s.bridge.IsConnected() {
		return CommandResult{Value: result}, nil
	}

	snap, err := s.bridge.Snapshot(ctx)
	switch {
	case err == nil:
		result["snapshot"] = snap
	case isUnavailable(err):
		// Lost the session between the check and the call
		return CommandResult{Value: result}, nil
	default:
		result["snapshotError"] = err.Error()
	}
	result["bridgeUsed"] = true
	return CommandResult{Value: result, BridgeUsed: true}, nil
}

type promptPayload struct {
	Prompt      string         `json:"prompt"`
	Selection   map[string]any `json:"selection"`
	Attachments []any          `json:"attachments"`
}

func (s *ControlServer) cmdPrompt(ctx context.Context, payload json.RawMessage) (CommandResult, error) {
	var p promptPayload
	if err := decodePayload(payload, &p); err != nil {
		return CommandResult{}, err
	}
	if strings.TrimSpace(p.Prompt) == "" {
		return CommandResult{}, invalidPayload("field 'prompt' is required")
	}

	used := false
	if len(p.Selection) == 0 && s.bridge.IsConnected() {
		if snap, err := s.bridge.Snapshot(ctx); err == nil {
			p.Selection = snap
			used = true
		} else if !isUnavailable(err) {
			used = true
			s.logger.Debug("No selection from host", "error", err)
		}

		// Hosts without a sheet still expose the selected text
		if _, ok := p.Selection["data"]; !ok {
			if text, err := s.bridge.Selection(ctx); err == nil && text != "" {
				p.Selection = maps.Clone(p.Selection)
				if p.Selection == nil {
					p.Selection = map[string]any{}
				}
				p.Selection["text"] = text
				used = true
			} else if err != nil && !isUnavailable(err) {
				used = true
				s.logger.Debug("No selected text from host", "error", err)
			}
		}
	}

	response := fmt.Sprintf("Processed prompt: '%s'", p.Prompt)
	if rows, ok := p.Selection["data"].([]any); ok {
		sheet, _ := p.Selection["sheet"].(string)
		if sheet == "" {
			sheet = "unknown sheet"
		}
		response += fmt.Sprintf("\nFound sheet data with %d rows from '%s'", len(rows), sheet)
	} else if text, ok := p.Selection["text"].(string); ok && text != "" {
		response += fmt.Sprintf("\nFound selected text with %d characters", utf8.RuneCountInString(text))
	}

	attachments := p.Attachments
	if attachments == nil {
		attachments = []any{}
	}

	return CommandResult{
		Value: map[string]any{
			"response":    response,
			"selection":   p.Selection,
			"attachments": attachments,
			"bridgeUsed":  used,
		},
		BridgeUsed: used,
	}, nil
}

type gitPayload struct {
	Action string `json:"action"`
	Repo   string `json:"repo"`
}

type gitOutput struct {
	Code   int    `json:"code"`
	Stdout string `json:"stdout"`
	Stderr string `json:"stderr"`
}

type gitRunner func(ctx context.Context, dir string, args ...string) (gitOutput, error)

var gitActions = map[string][]string{
	"status":   {"status", "--porcelain=v1", "-b"},
	"pull":     {"pull", "--ff-only"},
	"branches": {"branch", "--show-current"},
}

func (s *ControlServer) cmdGit(ctx context.Context, payload json.RawMessage) (CommandResult, error) {
	p := gitPayload{Action: "status"}
	if err := decodePayload(payload, &p); err != nil {
		return CommandResult{}, err
	}
	if p.Action == "" {
		p.Action = "status"
	}

	args, ok := gitActions[p.Action]
	if !ok {
		return CommandResult{}, invalidPayload("unknown git action: %s", p.Action)
	}

	s.mu.Lock()
	run := s.runGit
	s.mu.Unlock()

	out, err := run(ctx, p.Repo, args...)
	if err != nil {
		return CommandResult{}, fmt.Errorf("failed to run git %s: %w", p.Action, err)
	}

	return CommandResult{Value: map[string]any{
		"action": p.Action,
		"repo":   p.Repo,
		"ok":     out.Code == 0,
		"output": out,
	}}, nil
}

func execGit(ctx context.Context, dir string, args ...string) (gitOutput, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	out := gitOutput{}
	err := cmd.Run()
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		return out, err
	}
	if exitErr != nil {
		out.Code = exitErr.ExitCode()
	}
	out.Stdout = strings.TrimSpace(stdout.String())
	out.Stderr = strings.TrimSpace(stderr.String())
	return out, nil
}

func (s *ControlServer) cmdReconnect(ctx context.Context, payload json.RawMessage) (CommandResult, error) {
	rearmed := s.bridge.Retry()
	return CommandResult{Value: map[string]any{
		"rearmed": rearmed,
		"bridge":  s.bridge.Status(),
	}}, nil
}

func (s *ControlServer) cmdShutdown(ctx context.Context, payload json.RawMessage) (CommandResult, error) {
	s.mu.Lock()
	stop := s.onStop
	s.mu.Unlock()

	if stop == nil {
		return CommandResult{}, &RequestError{Code: "unsupported", Message: "shutdown is not available"}
	}
	return CommandResult{
		Value: map[string]any{"shuttingDown": true},
		after: stop,
	}, nil
}
