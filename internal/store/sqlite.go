package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ryanwaits/site/internal/domain"
	"github.com/ryanwaits/site/internal/shared"
	_ "modernc.org/sqlite"
)

const maxDetailLength = 2000

// SQLiteStore implements AuditRepository using SQLite.
type SQLiteStore struct {
	db    *sql.DB
	retry shared.RetryPolicy
	now   func() time.Time
}

// Option configures a SQLiteStore.
type Option func(*SQLiteStore)

// WithRetry sets the retry policy for writes that hit SQLITE_BUSY.
func WithRetry(maxRetries int, baseDelay time.Duration) Option {
	return func(s *SQLiteStore) {
		s.retry = shared.RetryPolicy{MaxRetries: maxRetries, BaseDelay: baseDelay}
	}
}

// WithClock overrides the store's time source.
func WithClock(now func() time.Time) Option {
	return func(s *SQLiteStore) { s.now = now }
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string, opts ...Option) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := "file:" + dbPath + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{
		db:    db,
		retry: shared.RetryPolicy{MaxRetries: 3, BaseDelay: 50 * time.Millisecond},
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(store)
	}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS audit_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		kind TEXT NOT NULL,
		session_id TEXT,
		client_key TEXT,
		detail TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_audit_created ON audit_events(created_at);
	CREATE INDEX IF NOT EXISTS idx_audit_kind_created ON audit_events(kind, created_at);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// RecordAudit appends an audit event.
func (s *SQLiteStore) RecordAudit(ctx context.Context, ev *domain.AuditEvent) error {
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = s.now()
	}
	detail := ev.Detail
	if len(detail) > maxDetailLength {
		detail = detail[:maxDetailLength]
	}

	query := `
	INSERT INTO audit_events (kind, session_id, client_key, detail, created_at)
	VALUES (?, ?, ?, ?, ?)`

	return shared.RetryOnConflict(ctx, s.retry, "record_audit", func() error {
		result, err := s.db.ExecContext(ctx, query,
			string(ev.Kind), nullString(ev.SessionID), nullString(ev.ClientKey),
			detail, ev.CreatedAt.UnixMilli(),
		)
		if err != nil {
			return fmt.Errorf("insert audit event: %w", err)
		}
		id, err := result.LastInsertId()
		if err != nil {
			return fmt.Errorf("get audit event id: %w", err)
		}
		ev.ID = id
		return nil
	})
}

// RecentAudit returns the most recent events, newest first.
func (s *SQLiteStore) RecentAudit(ctx context.Context, kind domain.AuditKind, limit int) ([]domain.AuditEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT id, kind, session_id, client_key, detail, created_at
		FROM audit_events`
	args := []any{}
	if kind != "" {
		query += ` WHERE kind = ?`
		args = append(args, string(kind))
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []domain.AuditEvent
	for rows.Next() {
		var ev domain.AuditEvent
		var kindStr string
		var sessionID, clientKey sql.NullString
		var createdAt int64
		if err := rows.Scan(&ev.ID, &kindStr, &sessionID, &clientKey, &ev.Detail, &createdAt); err != nil {
			return nil, fmt.Errorf("scan audit row: %w", err)
		}
		ev.Kind = domain.AuditKind(kindStr)
		ev.SessionID = sessionID.String
		ev.ClientKey = clientKey.String
		ev.CreatedAt = time.UnixMilli(createdAt)
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit rows: %w", err)
	}
	return events, nil
}

// PruneAudit deletes events created before cutoff.
func (s *SQLiteStore) PruneAudit(ctx context.Context, cutoff time.Time) (int64, error) {
	var deleted int64
	err := shared.RetryOnConflict(ctx, s.retry, "prune_audit", func() error {
		result, err := s.db.ExecContext(ctx, `DELETE FROM audit_events WHERE created_at < ?`, cutoff.UnixMilli())
		if err != nil {
			return fmt.Errorf("prune audit events: %w", err)
		}
		deleted, err = result.RowsAffected()
		if err != nil {
			return fmt.Errorf("get rows affected: %w", err)
		}
		return nil
	})
	return deleted, err
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
