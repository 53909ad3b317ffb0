package datastore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"
)

// Datastore owns the database handle and its transactional boundary.
// The pool is limited to one connection, so callers must not issue
// queries through DB while holding a transaction on the same goroutine.
type Datastore struct {
	DB *sql.DB
}

// New wraps an initialized database handle.
func New(db *sql.DB) *Datastore {
	return &Datastore{DB: db}
}

// Tx executes fn within a database transaction. The transaction is
// committed if fn returns nil, rolled back otherwise.
func (ds *Datastore) Tx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := ds.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			return fmt.Errorf("rollback failed: %v (original: %w)", rbErr, err)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// Ping verifies the store is reachable.
func (ds *Datastore) Ping(ctx context.Context) error {
	return ds.DB.PingContext(ctx)
}

// Close closes the underlying database.
func (ds *Datastore) Close() error {
	return ds.DB.Close()
}
