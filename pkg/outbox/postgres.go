package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/45ck/Portarium-sub006/pkg/events"
	"github.com/45ck/Portarium-sub006/pkg/uow"
)

// PostgresStore is the durable outbox queue. Enqueue joins the ambient unit
// of work; FetchPending takes a short claim lease with SKIP LOCKED so
// concurrent dispatcher instances never pick up the same entry.
type PostgresStore struct {
	db    *sql.DB
	lease time.Duration
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, lease: 30 * time.Second}
}

const postgresSchema = `
CREATE TABLE IF NOT EXISTS outbox_entries (
	seq BIGSERIAL PRIMARY KEY,
	entry_id TEXT NOT NULL UNIQUE,
	event_json JSONB NOT NULL,
	status TEXT NOT NULL DEFAULT 'Pending',
	retry_count INT NOT NULL DEFAULT 0,
	next_retry_at_iso TEXT NOT NULL DEFAULT '',
	failed_reason TEXT NOT NULL DEFAULT '',
	claimed_until TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS outbox_entries_pending_idx ON outbox_entries (status, seq) WHERE status = 'Pending';
`

// Init creates the backing table.
func (s *PostgresStore) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, postgresSchema)
	return err
}

func (s *PostgresStore) Enqueue(ctx context.Context, event events.CloudEvent) (Entry, error) {
	raw, err := json.Marshal(event)
	if err != nil {
		return Entry{}, fmt.Errorf("outbox: marshal event %s: %w", event.ID, err)
	}

	// The event id doubles as the entry id: enqueueing the same event twice
	// inside a retried transaction stays idempotent.
	entryID := "outbox-" + event.ID

	q := uow.QuerierFor(ctx, s.db)
	_, err = q.ExecContext(ctx,
		`INSERT INTO outbox_entries (entry_id, event_json) VALUES ($1, $2)
		 ON CONFLICT (entry_id) DO NOTHING`,
		entryID, raw)
	if err != nil {
		return Entry{}, fmt.Errorf("outbox: enqueue %s: %w", entryID, err)
	}

	return Entry{EntryID: entryID, Event: event, Status: StatusPending}, nil
}

func (s *PostgresStore) FetchPending(ctx context.Context, nowISO string, limit int) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`UPDATE outbox_entries SET claimed_until = NOW() + $1::interval
		 WHERE seq IN (
			SELECT seq FROM outbox_entries
			WHERE status = 'Pending'
			  AND (next_retry_at_iso = '' OR next_retry_at_iso <= $2)
			  AND (claimed_until IS NULL OR claimed_until < NOW())
			ORDER BY seq ASC
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		 )
		 RETURNING entry_id, event_json, status, retry_count, next_retry_at_iso, failed_reason`,
		fmt.Sprintf("%d seconds", int(s.lease.Seconds())), nowISO, limit)
	if err != nil {
		return nil, fmt.Errorf("outbox: fetch pending: %w", err)
	}
	defer func() { _ = rows.Close() }()

	entries := make([]Entry, 0, limit)
	for rows.Next() {
		var e Entry
		var raw []byte
		if err := rows.Scan(&e.EntryID, &raw, &e.Status, &e.RetryCount, &e.NextRetryAtISO, &e.FailedReason); err != nil {
			return nil, fmt.Errorf("outbox: scan entry: %w", err)
		}
		if err := json.Unmarshal(raw, &e.Event); err != nil {
			return nil, fmt.Errorf("outbox: corrupt event JSON in entry %s: %w", e.EntryID, err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("outbox: fetch rows: %w", err)
	}
	return entries, nil
}

func (s *PostgresStore) MarkPublished(ctx context.Context, entryID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE outbox_entries
		 SET status = 'Published', next_retry_at_iso = '', failed_reason = '', claimed_until = NULL
		 WHERE entry_id = $1 AND status = 'Pending'`,
		entryID)
	if err != nil {
		return fmt.Errorf("outbox: mark published %s: %w", entryID, err)
	}
	return requireRow(res, entryID)
}

func (s *PostgresStore) MarkRetry(ctx context.Context, entryID, reason, nextRetryAtISO string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE outbox_entries
		 SET retry_count = retry_count + 1, failed_reason = $2, next_retry_at_iso = $3, claimed_until = NULL
		 WHERE entry_id = $1 AND status = 'Pending'`,
		entryID, reason, nextRetryAtISO)
	if err != nil {
		return fmt.Errorf("outbox: mark retry %s: %w", entryID, err)
	}
	return requireRow(res, entryID)
}

func (s *PostgresStore) MarkFailed(ctx context.Context, entryID, reason string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE outbox_entries
		 SET status = 'Failed', retry_count = retry_count + 1, failed_reason = $2, next_retry_at_iso = '', claimed_until = NULL
		 WHERE entry_id = $1 AND status = 'Pending'`,
		entryID, reason)
	if err != nil {
		return fmt.Errorf("outbox: mark failed %s: %w", entryID, err)
	}
	return requireRow(res, entryID)
}

func requireRow(res sql.Result, entryID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("outbox: rows affected for %s: %w", entryID, err)
	}
	if n == 0 {
		return fmt.Errorf("outbox: entry %s not found or not Pending", entryID)
	}
	return nil
}
