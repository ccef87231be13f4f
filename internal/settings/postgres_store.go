package settings

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// PostgresStore persists the config as a single JSONB row.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed config store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the bbca_config table if it doesn't exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS bbca_config (
			id          SMALLINT PRIMARY KEY DEFAULT 1 CHECK (id = 1),
			config      JSONB NOT NULL,
			updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
	`)
	return err
}

func (s *PostgresStore) Load(ctx context.Context) (Config, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT config FROM bbca_config WHERE id = 1`).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return Config{}, ErrNotFound
	}
	if err != nil {
		return Config{}, fmt.Errorf("failed to load config: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		// Corrupt record reads as absent; caller falls back to defaults.
		return Config{}, ErrNotFound
	}
	return cfg, nil
}

func (s *PostgresStore) Save(ctx context.Context, cfg Config) error {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO bbca_config (id, config, updated_at)
		VALUES (1, $1, NOW())
		ON CONFLICT (id) DO UPDATE SET
			config = EXCLUDED.config,
			updated_at = NOW()
	`, raw)
	if err != nil {
		return fmt.Errorf("failed to save config: %w", err)
	}
	return nil
}
