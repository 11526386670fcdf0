// Package uow provides the unit-of-work contract: all writes for one command
// (aggregate save, evidence append, outbox enqueue) commit together or not at
// all. The reference deployment colocates every store in one database so the
// guarantee is exact; the in-memory variant stages participants and restores
// them on failure, giving tests the same all-or-nothing semantics.
package uow

import (
	"context"
	"database/sql"
	"fmt"
)

// UnitOfWork executes fn with transactional semantics. An error from fn
// leaves persisted state exactly as it was before Execute was called.
type UnitOfWork interface {
	Execute(ctx context.Context, fn func(ctx context.Context) error) error
}

// Participant is a store that can be enrolled in the in-memory unit of work.
type Participant interface {
	// Snapshot captures the store's full state.
	Snapshot() interface{}
	// Restore rewinds the store to a previously captured snapshot.
	Restore(snapshot interface{})
}

// Memory rolls back enrolled participants when fn fails. Constructed per
// deployment (or per test case), never a package singleton.
type Memory struct {
	participants []Participant
}

func NewMemory(participants ...Participant) *Memory {
	return &Memory{participants: participants}
}

// Enroll adds a participant after construction.
func (m *Memory) Enroll(p Participant) {
	m.participants = append(m.participants, p)
}

func (m *Memory) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	snapshots := make([]interface{}, len(m.participants))
	for i, p := range m.participants {
		snapshots[i] = p.Snapshot()
	}

	if err := fn(ctx); err != nil {
		for i, p := range m.participants {
			p.Restore(snapshots[i])
		}
		return err
	}
	return nil
}

type txKey struct{}

// SQL wraps fn in a database transaction. Stores reach the transaction via
// TxFrom so the aggregate write, evidence append and outbox enqueue all land
// in the same commit.
type SQL struct {
	db *sql.DB
}

func NewSQL(db *sql.DB) *SQL {
	return &SQL{db: db}
}

func (s *SQL) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("uow: begin: %w", err)
	}

	if err := fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("uow: rollback after %v: %w", err, rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("uow: commit: %w", err)
	}
	return nil
}

// TxFrom extracts the ambient transaction, if Execute put one there.
func TxFrom(ctx context.Context) (*sql.Tx, bool) {
	tx, ok := ctx.Value(txKey{}).(*sql.Tx)
	return tx, ok
}

// Querier is the common surface of *sql.DB and *sql.Tx that SQL-backed
// stores write through.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// QuerierFor returns the ambient transaction when present, else db.
func QuerierFor(ctx context.Context, db *sql.DB) Querier {
	if tx, ok := TxFrom(ctx); ok {
		return tx
	}
	return db
}
