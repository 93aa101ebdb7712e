// Package anthropic runs agent sessions in-process against the Anthropic
// Messages API, executing the file tools locally.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/ryanwaits/site/internal/agent"
)

const defaultMaxTokens = 2048

var (
	errStreamFailed = errors.New("anthropic stream error")
	errNoAPIKey     = errors.New("anthropic: API key is required")
)

// Config configures the runtime.
type Config struct {
	APIKey    string
	BaseURL   string
	MaxTokens int64
}

// Runtime implements agent.Runtime over the Messages API.
type Runtime struct {
	client    sdk.Client
	maxTokens int64
	logger    *slog.Logger
}

// New creates a runtime.
func New(cfg Config, logger *slog.Logger) (*Runtime, error) {
	if cfg.APIKey == "" {
		return nil, errNoAPIKey
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaultMaxTokens
	}
	if logger == nil {
		logger = slog.Default()
	}

	options := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		options = append(options, option.WithBaseURL(cfg.BaseURL))
	}

	return &Runtime{
		client:    sdk.NewClient(options...),
		maxTokens: cfg.MaxTokens,
		logger:    logger,
	}, nil
}

var _ agent.Runtime = (*Runtime)(nil)

type toolCall struct {
	id    string
	name  string
	input json.RawMessage
}

// turn is the assistant output of one Messages API call.
type turn struct {
	text       strings.Builder
	calls      []toolCall
	stopReason sdk.StopReason
}

func (t *turn) param() sdk.MessageParam {
	var blocks []sdk.ContentBlockParamUnion
	if t.text.Len() > 0 {
		blocks = append(blocks, sdk.NewTextBlock(t.text.String()))
	}
	for _, c := range t.calls {
		blocks = append(blocks, sdk.NewToolUseBlock(c.id, decodeInput(c.input), c.name))
	}
	return sdk.NewAssistantMessage(blocks...)
}

func decodeInput(raw json.RawMessage) map[string]any {
	input := map[string]any{}
	if len(raw) == 0 {
		return input
	}
	if err := json.Unmarshal(raw, &input); err != nil {
		return map[string]any{}
	}
	return input
}

// Run drives the tool loop for at most cfg.MaxTurns() model calls. On the
// final turn tools are withheld so the model must answer in text.
func (r *Runtime) Run(ctx context.Context, prompt string, cfg agent.RequestConfig) iter.Seq2[agent.Message, error] {
	return func(yield func(agent.Message, error) bool) {
		tools, err := offeredTools(cfg)
		if err != nil {
			yield(agent.Message{}, fmt.Errorf("build tool definitions: %w", err))
			return
		}
		if !yield(agent.Message{Kind: agent.MessageInit}, nil) {
			return
		}

		messages := []sdk.MessageParam{sdk.NewUserMessage(sdk.NewTextBlock(prompt))}
		maxTurns := cfg.MaxTurns()
		if maxTurns <= 0 {
			maxTurns = 1
		}

		for i := 0; i < maxTurns; i++ {
			params := sdk.MessageNewParams{
				Model:     sdk.Model(cfg.Model()),
				Messages:  messages,
				MaxTokens: r.maxTokens,
			}
			if sys := cfg.SystemPrompt(); sys != "" {
				params.System = []sdk.TextBlockParam{{Text: sys}}
			}
			lastTurn := i == maxTurns-1
			switch {
			case cfg.StructuredOutput():
				params.Tools = tools
				params.ToolChoice = sdk.ToolChoiceUnionParam{
					OfTool: &sdk.ToolChoiceToolParam{Name: viewToolName},
				}
			case !lastTurn && len(tools) > 0:
				params.Tools = tools
			}

			t, ok, err := r.stream(ctx, params, !cfg.StructuredOutput(), yield)
			if !ok {
				return
			}
			if err != nil {
				yield(agent.Message{}, err)
				return
			}
			messages = append(messages, t.param())

			if cfg.StructuredOutput() {
				for _, c := range t.calls {
					if c.name == viewToolName {
						if !yield(agent.Message{Kind: agent.MessageStructured, Structured: c.input}, nil) {
							return
						}
						break
					}
				}
				yield(agent.Message{Kind: agent.MessageResult}, nil)
				return
			}

			if t.stopReason != sdk.StopReasonToolUse || len(t.calls) == 0 {
				yield(agent.Message{Kind: agent.MessageResult}, nil)
				return
			}

			results := make([]sdk.ContentBlockParamUnion, 0, len(t.calls))
			for _, c := range t.calls {
				input := decodeInput(c.input)
				if !yield(agent.Message{Kind: agent.MessageToolUse, Tool: c.name, Input: input}, nil) {
					return
				}
				content, isError := r.invoke(ctx, cfg, c.name, input)
				results = append(results, sdk.NewToolResultBlock(c.id, content, isError))
			}
			messages = append(messages, sdk.NewUserMessage(results...))
		}

		yield(agent.Message{Kind: agent.MessageResult, IsError: true, Err: "turn budget exhausted"}, nil)
	}
}

// invoke applies the configuration's permission rules and runs the tool.
func (r *Runtime) invoke(ctx context.Context, cfg agent.RequestConfig, name string, input map[string]any) (string, bool) {
	decision := cfg.Permit(ctx, agent.ToolCall{Tool: name, Input: input})
	if !decision.Allow {
		r.logger.Info("Tool call denied", "tool", name, "reason", decision.Reason)
		return "Permission denied: " + decision.Reason, true
	}
	return executeTool(cfg.WorkingDir(), name, input)
}

// stream performs one streaming Messages call. Text deltas are yielded as
// they arrive when emitText is set. ok is false once the consumer has stopped.
func (r *Runtime) stream(ctx context.Context, params sdk.MessageNewParams, emitText bool, yield func(agent.Message, error) bool) (*turn, bool, error) {
	stream := r.client.Messages.NewStreaming(ctx, params)
	defer func() { _ = stream.Close() }()

	t := &turn{}
	var current *toolCall
	var input strings.Builder

	for stream.Next() {
		event := stream.Current()
		switch event.Type {
		case "content_block_start":
			block := event.AsContentBlockStart().ContentBlock
			if block.Type == "tool_use" {
				toolUse := block.AsToolUse()
				current = &toolCall{id: toolUse.ID, name: toolUse.Name}
				input.Reset()
			}

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text == "" {
					continue
				}
				t.text.WriteString(delta.Text)
				if emitText && !yield(agent.Message{Kind: agent.MessageText, Text: delta.Text}, nil) {
					return nil, false, nil
				}
			case "input_json_delta":
				input.WriteString(delta.PartialJSON)
			}

		case "content_block_stop":
			if current != nil {
				current.input = json.RawMessage(input.String())
				t.calls = append(t.calls, *current)
				current = nil
			}

		case "message_delta":
			if reason := event.AsMessageDelta().Delta.StopReason; reason != "" {
				t.stopReason = reason
			}

		case "error":
			return nil, true, errStreamFailed
		}
	}
	if err := stream.Err(); err != nil {
		return nil, true, fmt.Errorf("anthropic stream: %w", err)
	}
	return t, true, nil
}
