// Package agent drives language-model agent sessions for the site console and
// encodes their output as client stream events.
package agent

import (
	"context"
	"encoding/json"
	"iter"
)

// MessageKind discriminates Message values produced by a Runtime.
type MessageKind string

const (
	// MessageInit is sent once when the runtime has started the session.
	MessageInit MessageKind = "init"
	// MessageText carries one fragment of assistant text.
	MessageText MessageKind = "text"
	// MessageToolUse reports a tool invocation the agent attempted.
	MessageToolUse MessageKind = "tool_use"
	// MessageStructured carries schema-constrained output.
	MessageStructured MessageKind = "structured"
	// MessageResult ends the session.
	MessageResult MessageKind = "result"
)

// Message is one item of a runtime's output sequence.
type Message struct {
	Kind       MessageKind
	Text       string
	Tool       string
	Input      map[string]any
	Structured json.RawMessage
	// IsError marks a result message for a failed session. Err holds the
	// runtime's description for server-side logs only.
	IsError bool
	Err     string
}

// Runtime executes an agent session.
//
// Run returns a single-use sequence. Implementations must stop work when ctx
// is cancelled or when the consumer stops iterating.
type Runtime interface {
	Run(ctx context.Context, prompt string, cfg RequestConfig) iter.Seq2[Message, error]
}

// HealthChecker is implemented by runtimes with a remote dependency.
type HealthChecker interface {
	Health(ctx context.Context) error
}
