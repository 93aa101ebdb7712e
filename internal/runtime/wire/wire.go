// Package wire defines the JSON frames exchanged with out-of-process agent
// runtimes. The gRPC sidecar carries them as protobuf Structs and the sandbox
// bootstrap as newline-delimited JSON.
package wire

import (
	"encoding/json"
	"fmt"

	"github.com/ryanwaits/site/internal/agent"
	"github.com/ryanwaits/site/internal/policy"
)

// Frame types sent by a runtime.
const (
	FrameInit       = "init"
	FrameText       = "text"
	FrameToolUse    = "tool_use"
	FramePermission = "permission"
	FrameStructured = "structured"
	FrameResult     = "result"
)

// Frame types sent to a runtime.
const (
	FrameRun      = "run"
	FrameDecision = "permission_decision"
)

// Request starts a run.
type Request struct {
	Type            string          `json:"type"`
	Prompt          string          `json:"prompt"`
	Profile         string          `json:"profile"`
	Model           string          `json:"model,omitempty"`
	SystemPrompt    string          `json:"system_prompt,omitempty"`
	MaxTurns        int             `json:"max_turns"`
	WorkingDir      string          `json:"working_dir,omitempty"`
	AllowedTools    []string        `json:"allowed_tools"`
	DisallowedTools []string        `json:"disallowed_tools"`
	OutputSchema    json.RawMessage `json:"output_schema,omitempty"`
}

// NewRequest describes cfg for a runtime. workingDir overrides the
// configuration's directory when the runtime sees a different filesystem.
func NewRequest(prompt string, cfg agent.RequestConfig, workingDir string) (Request, error) {
	if workingDir == "" {
		workingDir = cfg.WorkingDir()
	}
	req := Request{
		Type:            FrameRun,
		Prompt:          prompt,
		Profile:         string(cfg.Profile()),
		Model:           cfg.Model(),
		SystemPrompt:    cfg.SystemPrompt(),
		MaxTurns:        cfg.MaxTurns(),
		WorkingDir:      workingDir,
		AllowedTools:    nonNil(cfg.AllowedTools()),
		DisallowedTools: nonNil(cfg.DisallowedTools()),
	}
	if cfg.StructuredOutput() {
		schema, err := agent.ViewSchema()
		if err != nil {
			return Request{}, fmt.Errorf("view schema: %w", err)
		}
		req.OutputSchema = schema
	}
	return req, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// Frame is one message from a runtime.
type Frame struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Text    string          `json:"text,omitempty"`
	Tool    string          `json:"tool,omitempty"`
	Input   map[string]any  `json:"input,omitempty"`
	Output  json.RawMessage `json:"output,omitempty"`
	IsError bool            `json:"is_error,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// Decision answers a permission frame.
type Decision struct {
	Type   string `json:"type"`
	ID     string `json:"id"`
	Allow  bool   `json:"allow"`
	Reason string `json:"reason,omitempty"`
}

// NewDecision builds the reply to a permission frame.
func NewDecision(id string, d policy.Decision) Decision {
	return Decision{Type: FrameDecision, ID: id, Allow: d.Allow, Reason: d.Reason}
}

// Message converts a frame into a runtime message. ok is false for frames
// that carry no message, such as permission requests and unknown types.
func (f Frame) Message() (agent.Message, bool) {
	switch f.Type {
	case FrameInit:
		return agent.Message{Kind: agent.MessageInit}, true
	case FrameText:
		return agent.Message{Kind: agent.MessageText, Text: f.Text}, true
	case FrameToolUse:
		return agent.Message{Kind: agent.MessageToolUse, Tool: f.Tool, Input: f.Input}, true
	case FrameStructured:
		return agent.Message{Kind: agent.MessageStructured, Structured: f.Output}, true
	case FrameResult:
		return agent.Message{Kind: agent.MessageResult, IsError: f.IsError, Err: f.Error}, true
	default:
		return agent.Message{}, false
	}
}

// ToolCall returns the call a permission frame asks about.
func (f Frame) ToolCall() agent.ToolCall {
	return agent.ToolCall{Tool: f.Tool, Input: f.Input}
}
