// Package domain contains core domain types for the site console.
package domain

// Role identifies the author of a conversation turn.
type Role string

const (
	// RoleUser marks a turn written by the visitor.
	RoleUser Role = "user"
	// RoleAssistant marks a turn produced by the console.
	RoleAssistant Role = "assistant"
)

// Valid reports whether r is one of the recognised roles.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant
}

// ConversationTurn is one prior exchange supplied by the client.
// The server keeps no history of its own; turns are re-sent on every request.
type ConversationTurn struct {
	Role Role   `json:"role"`
	Text string `json:"text"`
}
