package domain

// EventType discriminates StreamEvent values.
type EventType string

const (
	EventThinking   EventType = "thinking"
	EventActivity   EventType = "activity"
	EventStreaming  EventType = "streaming"
	EventText       EventType = "text"
	EventGenerating EventType = "generating"
	EventView       EventType = "view"
	EventDone       EventType = "done"
	EventError      EventType = "error"
)

// StreamEvent is one record pushed to the client during a console response.
// Only the fields relevant to Type are populated.
type StreamEvent struct {
	Type    EventType `json:"type"`
	Tool    string    `json:"tool,omitempty"`
	Detail  string    `json:"detail,omitempty"`
	Content string    `json:"content,omitempty"`
	Title   string    `json:"title,omitempty"`
	MDX     string    `json:"mdx,omitempty"`
	Message string    `json:"message,omitempty"`
}

// Terminal reports whether the event ends a stream.
func (e StreamEvent) Terminal() bool {
	return e.Type == EventDone || e.Type == EventError
}

// ActivityEvent builds an activity event for a tool invocation.
func ActivityEvent(tool, detail string) StreamEvent {
	return StreamEvent{Type: EventActivity, Tool: tool, Detail: detail}
}

// TextEvent builds a text fragment event.
func TextEvent(content string) StreamEvent {
	return StreamEvent{Type: EventText, Content: content}
}

// ViewEvent builds a generated view event.
func ViewEvent(title, mdx string) StreamEvent {
	return StreamEvent{Type: EventView, Title: title, MDX: mdx}
}

// ErrorEvent builds a terminal error event.
func ErrorEvent(message string) StreamEvent {
	return StreamEvent{Type: EventError, Message: message}
}
