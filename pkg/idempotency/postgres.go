package idempotency

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	_ "github.com/lib/pq"
)

// PostgresStore provides durable idempotency enforcement backed by
// PostgreSQL, surviving process restarts. Retention is a deployment concern;
// Cleanup exists for operators that want a window.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const postgresSchema = `
CREATE TABLE IF NOT EXISTS idempotency_keys (
	tenant_id TEXT NOT NULL,
	command_name TEXT NOT NULL,
	request_key TEXT NOT NULL,
	result JSONB NOT NULL,
	cached_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	PRIMARY KEY (tenant_id, command_name, request_key)
);
`

// Init creates the backing table.
func (s *PostgresStore) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, postgresSchema)
	return err
}

func (s *PostgresStore) Get(ctx context.Context, key Key) (json.RawMessage, bool, error) {
	var result []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT result FROM idempotency_keys WHERE tenant_id = $1 AND command_name = $2 AND request_key = $3`,
		key.TenantID, key.CommandName, key.RequestKey,
	).Scan(&result)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("idempotency: get: %w", err)
	}
	return result, true, nil
}

func (s *PostgresStore) Set(ctx context.Context, key Key, result json.RawMessage) error {
	// Replaying the same key with the same result is a no-op thanks to the
	// upsert; the first writer wins for concurrent racers and both end up
	// with the committed winner's row.
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO idempotency_keys (tenant_id, command_name, request_key, result)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (tenant_id, command_name, request_key) DO NOTHING`,
		key.TenantID, key.CommandName, key.RequestKey, []byte(result))
	if err != nil {
		return fmt.Errorf("idempotency: set: %w", err)
	}
	return nil
}

// Cleanup removes entries older than the given retention window expressed in
// days. Not called by the core; a deployment schedules it.
func (s *PostgresStore) Cleanup(ctx context.Context, retentionDays int) error {
	_, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM idempotency_keys WHERE cached_at < NOW() - INTERVAL '%d days'`, retentionDays))
	if err != nil {
		return fmt.Errorf("idempotency: cleanup: %w", err)
	}
	return nil
}
