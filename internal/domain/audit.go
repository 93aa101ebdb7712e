package domain

import "time"

// AuditKind categorises audit records.
type AuditKind string

const (
	AuditPolicyDenial AuditKind = "policy_denial"
	AuditRateLimited  AuditKind = "rate_limited"
	AuditChatRequest  AuditKind = "chat_request"
	AuditViewRequest  AuditKind = "view_request"
)

// AuditEvent is a security-relevant record kept for later review.
type AuditEvent struct {
	ID        int64     `json:"id"`
	Kind      AuditKind `json:"kind"`
	SessionID string    `json:"session_id,omitempty"`
	ClientKey string    `json:"client_key,omitempty"`
	Detail    string    `json:"detail"`
	CreatedAt time.Time `json:"created_at"`
}
