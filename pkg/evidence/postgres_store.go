package evidence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/45ck/Portarium-sub006/pkg/uow"
)

// PostgresStore persists evidence chains in PostgreSQL. Writes issued inside
// a unit of work land in the ambient transaction, so the append commits or
// rolls back together with the mutation it documents.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const postgresSchema = `
CREATE TABLE IF NOT EXISTS evidence_entries (
	seq BIGSERIAL PRIMARY KEY,
	evidence_id TEXT NOT NULL UNIQUE,
	workspace_id TEXT NOT NULL,
	occurred_at_iso TEXT NOT NULL,
	previous_hash TEXT NOT NULL DEFAULT '',
	hash_sha256 TEXT NOT NULL,
	entry_json JSONB NOT NULL,
	CONSTRAINT evidence_entries_chain_link UNIQUE (workspace_id, previous_hash)
);
CREATE INDEX IF NOT EXISTS evidence_entries_workspace_idx ON evidence_entries (workspace_id, seq);
`

// Init creates the backing table.
func (s *PostgresStore) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, postgresSchema)
	return err
}

func (s *PostgresStore) Tail(ctx context.Context, workspaceID string) (*Entry, error) {
	q := uow.QuerierFor(ctx, s.db)
	row := q.QueryRowContext(ctx,
		`SELECT entry_json FROM evidence_entries WHERE workspace_id = $1 ORDER BY seq DESC LIMIT 1`,
		workspaceID)

	var raw []byte
	if err := row.Scan(&raw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("evidence: tail query: %w", err)
	}

	var entry Entry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return nil, fmt.Errorf("evidence: corrupt tail entry: %w", err)
	}
	return &entry, nil
}

func (s *PostgresStore) Append(ctx context.Context, entry Entry) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("evidence: marshal entry %s: %w", entry.EvidenceID, err)
	}

	q := uow.QuerierFor(ctx, s.db)
	_, err = q.ExecContext(ctx,
		`INSERT INTO evidence_entries (evidence_id, workspace_id, occurred_at_iso, previous_hash, hash_sha256, entry_json)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		entry.EvidenceID, entry.WorkspaceID, entry.OccurredAtISO, entry.PreviousHash, entry.HashSHA256, raw)
	if err != nil {
		// The (workspace_id, previous_hash) constraint means two entries can
		// never link to the same predecessor: the second writer loses here.
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrConcurrentAppend
		}
		return fmt.Errorf("evidence: append entry %s: %w", entry.EvidenceID, err)
	}
	return nil
}

func (s *PostgresStore) List(ctx context.Context, workspaceID string) ([]Entry, error) {
	q := uow.QuerierFor(ctx, s.db)
	rows, err := q.QueryContext(ctx,
		`SELECT entry_json FROM evidence_entries WHERE workspace_id = $1 ORDER BY seq ASC`,
		workspaceID)
	if err != nil {
		return nil, fmt.Errorf("evidence: list query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	entries := make([]Entry, 0)
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("evidence: scan entry: %w", err)
		}
		var entry Entry
		if err := json.Unmarshal(raw, &entry); err != nil {
			return nil, fmt.Errorf("evidence: corrupt entry: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("evidence: list rows: %w", err)
	}
	return entries, nil
}
