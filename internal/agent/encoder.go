package agent

import (
	"github.com/ryanwaits/site/internal/domain"
	"github.com/ryanwaits/site/internal/policy"
)

// Client-facing failure messages. Runtime error detail is logged, never sent.
const (
	genericErrorMessage = "Something went wrong while generating a response. Please try again."
	noViewErrorMessage  = "No view was generated. Please try again."
)

// encoder maps runtime messages to stream events for one session. It keeps
// the ordering rules: one opening event, one streaming marker before the
// first text, exactly one terminal event.
type encoder struct {
	profile Profile
	guard   *policy.Guard

	opened    bool
	streaming bool
	closed    bool
	view      *ViewOutput

	// failure is the runtime-supplied error text for logs.
	failure string
}

func newEncoder(profile Profile, guard *policy.Guard) *encoder {
	return &encoder{profile: profile, guard: guard}
}

func (e *encoder) structured() bool {
	return e.profile == StructuredViewProfile
}

func (e *encoder) open(out []domain.StreamEvent) []domain.StreamEvent {
	if e.opened {
		return out
	}
	e.opened = true
	if e.structured() {
		return append(out, domain.StreamEvent{Type: domain.EventGenerating})
	}
	return append(out, domain.StreamEvent{Type: domain.EventThinking})
}

// handle returns the events for msg. After a terminal event it returns nil.
func (e *encoder) handle(msg Message) []domain.StreamEvent {
	if e.closed {
		return nil
	}

	var out []domain.StreamEvent
	switch msg.Kind {
	case MessageInit:
		out = e.open(out)

	case MessageText:
		if e.structured() || msg.Text == "" {
			return nil
		}
		out = e.open(out)
		if !e.streaming {
			e.streaming = true
			out = append(out, domain.StreamEvent{Type: domain.EventStreaming})
		}
		out = append(out, domain.TextEvent(msg.Text))

	case MessageToolUse:
		if e.structured() {
			return nil
		}
		out = e.open(out)
		out = append(out, domain.ActivityEvent(msg.Tool, e.detail(msg)))

	case MessageStructured:
		if !e.structured() || e.view != nil {
			return nil
		}
		view, err := DecodeView(msg.Structured)
		if err != nil {
			e.failure = err.Error()
			return append(out, e.fail(noViewErrorMessage))
		}
		e.view = &view
		out = e.open(out)
		out = append(out, domain.ViewEvent(view.Title, view.MDX))

	case MessageResult:
		if msg.IsError {
			e.failure = msg.Err
			return append(out, e.fail(genericErrorMessage))
		}
		return e.finish()
	}
	return out
}

// finish closes a session whose runtime completed without error.
func (e *encoder) finish() []domain.StreamEvent {
	if e.closed {
		return nil
	}
	out := e.open(nil)
	if e.structured() && e.view == nil {
		e.failure = "session ended without structured output"
		return append(out, e.fail(noViewErrorMessage))
	}
	e.closed = true
	return append(out, domain.StreamEvent{Type: domain.EventDone})
}

// fail closes the session with an error event carrying message.
func (e *encoder) fail(message string) domain.StreamEvent {
	e.closed = true
	return domain.ErrorEvent(message)
}

func (e *encoder) detail(msg Message) string {
	switch msg.Tool {
	case ToolRead:
		if p, ok := msg.Input["file_path"].(string); ok && e.guard != nil {
			return e.guard.Relative(p)
		}
	case ToolSkill:
		if name, ok := msg.Input["skill"].(string); ok {
			return name
		}
	}
	return ""
}
