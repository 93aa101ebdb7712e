package domain

import "time"

// SandboxSession maps a client session to a provisioned remote environment.
type SandboxSession struct {
	SessionID     string
	EnvironmentID string
	CreatedAt     time.Time
	LastUsedAt    time.Time
}

// IdleSince returns how long the session has been unused as of now.
func (s *SandboxSession) IdleSince(now time.Time) time.Duration {
	return now.Sub(s.LastUsedAt)
}
