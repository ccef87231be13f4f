package model

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// PostgresStore persists behavior models in PostgreSQL. The feature
// vector is stored as JSONB so the schema survives baseline shape
// changes without a migration per field.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed behavior model store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the behavior_models table if it doesn't exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS behavior_models (
			user_id      VARCHAR(64) PRIMARY KEY,
			features     JSONB NOT NULL,
			confidence   NUMERIC(4,3) NOT NULL CHECK (confidence >= 0 AND confidence <= 1),
			samples      INTEGER NOT NULL DEFAULT 0,
			created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
	`)
	return err
}

func (s *PostgresStore) Get(ctx context.Context, userID string) (*BehaviorModel, error) {
	var (
		featuresJSON []byte
		confidence   float64
		samples      int
		createdAt    time.Time
		updatedAt    time.Time
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT features, confidence, samples, created_at, updated_at
		FROM behavior_models
		WHERE user_id = $1
	`, userID).Scan(&featuresJSON, &confidence, &samples, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load behavior model: %w", err)
	}

	var m BehaviorModel
	if err := json.Unmarshal(featuresJSON, &m); err != nil {
		// A corrupt record is indistinguishable from a missing one to
		// the caller: the user gets re-enrolled on the next sample.
		return nil, ErrNotFound
	}
	m.UserID = userID
	m.Confidence = confidence
	m.SamplesLearned = samples
	m.CreatedAt = createdAt
	m.LastUpdated = updatedAt
	return &m, nil
}

func (s *PostgresStore) Put(ctx context.Context, m *BehaviorModel) error {
	featuresJSON, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to marshal behavior model: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO behavior_models (user_id, features, confidence, samples, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (user_id) DO UPDATE SET
			features   = EXCLUDED.features,
			confidence = EXCLUDED.confidence,
			samples    = EXCLUDED.samples,
			updated_at = EXCLUDED.updated_at
	`, m.UserID, featuresJSON, m.Confidence, m.SamplesLearned, m.CreatedAt, m.LastUpdated)
	if err != nil {
		return fmt.Errorf("failed to store behavior model: %w", err)
	}
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM behavior_models WHERE user_id = $1`, userID)
	if err != nil {
		return fmt.Errorf("failed to delete behavior model: %w", err)
	}
	return nil
}
