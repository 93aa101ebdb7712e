// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"github.com/ryanwaits/site/internal/domain"
)

// AuditRepository persists security-relevant events.
type AuditRepository interface {
	// RecordAudit appends an event. ID and CreatedAt are filled in when zero.
	RecordAudit(ctx context.Context, ev *domain.AuditEvent) error

	// RecentAudit returns up to limit events, newest first. An empty kind
	// matches every kind.
	RecentAudit(ctx context.Context, kind domain.AuditKind, limit int) ([]domain.AuditEvent, error)

	// PruneAudit deletes events created before cutoff.
	PruneAudit(ctx context.Context, cutoff time.Time) (int64, error)

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
