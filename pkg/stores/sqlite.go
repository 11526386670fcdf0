package stores

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// OpenSQLite opens an embedded SQLite database (modernc driver, no cgo) and
// runs the migrations. Single-node deployments and integration tests use
// this in place of Postgres; the SQLStore statements work unchanged.
func OpenSQLite(ctx context.Context, dsn string) (*sql.DB, *SQLStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("stores: open sqlite %s: %w", dsn, err)
	}
	// SQLite handles one writer at a time; serialising through a single
	// connection avoids SQLITE_BUSY under concurrent commands.
	db.SetMaxOpenConns(1)

	store := NewSQLStore(db)
	if err := store.Init(ctx); err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("stores: migrate sqlite: %w", err)
	}
	return db, store, nil
}
