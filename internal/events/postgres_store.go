package events

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// PostgresStore persists security events in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed security event log.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the security_events table if it doesn't exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS security_events (
			id           VARCHAR(36) PRIMARY KEY,
			user_id      VARCHAR(64) NOT NULL,
			event_type   VARCHAR(32) NOT NULL,
			severity     VARCHAR(10) NOT NULL,
			description  TEXT NOT NULL DEFAULT '',
			snapshot     JSONB,
			created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_security_events_user
			ON security_events (user_id, created_at DESC);
	`)
	return err
}

func (s *PostgresStore) Append(ctx context.Context, ev *SecurityEvent) error {
	var snapshot any
	if len(ev.Snapshot) > 0 {
		snapshot = []byte(ev.Snapshot)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO security_events (id, user_id, event_type, severity, description, snapshot, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, ev.ID, ev.UserID, ev.Type, ev.Severity, ev.Description, snapshot, ev.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to append security event: %w", err)
	}

	// Enforce per-user retention on the write path so the log stays
	// bounded without a background janitor.
	_, err = s.db.ExecContext(ctx, `
		DELETE FROM security_events
		WHERE user_id = $1 AND id NOT IN (
			SELECT id FROM security_events
			WHERE user_id = $1
			ORDER BY created_at DESC
			LIMIT $2
		)
	`, ev.UserID, RetainPerUser)
	if err != nil {
		return fmt.Errorf("failed to prune security events: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListByUser(ctx context.Context, userID string, limit int) ([]*SecurityEvent, error) {
	if limit <= 0 || limit > RetainPerUser {
		limit = RetainPerUser
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, event_type, severity, description, snapshot, created_at
		FROM security_events
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list security events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*SecurityEvent
	for rows.Next() {
		var ev SecurityEvent
		var snapshot sql.NullString
		var createdAt time.Time
		if err := rows.Scan(&ev.ID, &ev.UserID, &ev.Type, &ev.Severity,
			&ev.Description, &snapshot, &createdAt); err != nil {
			continue
		}
		if snapshot.Valid {
			ev.Snapshot = []byte(snapshot.String)
		}
		ev.CreatedAt = createdAt
		result = append(result, &ev)
	}
	return result, nil
}

func (s *PostgresStore) DeleteByUser(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM security_events WHERE user_id = $1`, userID)
	if err != nil {
		return fmt.Errorf("failed to delete security events: %w", err)
	}
	return nil
}
