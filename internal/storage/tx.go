package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Tx is a unit of work. Every repository method available on Store is also
// available on Tx; writes made through a Tx become visible together on
// Commit or not at all.
//
// Callers must not use the parent Store while a Tx is open: the database is
// limited to one connection, so doing so blocks until the Tx ends.
type Tx struct {
	repo
	tx *sql.Tx
}

// Begin starts a unit of work.
func (s *Store) Begin(ctx context.Context) (*Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	return &Tx{repo: repo{q: tx}, tx: tx}, nil
}

// Commit makes the unit of work's writes durable.
func (t *Tx) Commit() error {
	if err := t.tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// Rollback discards the unit of work. Calling it after Commit is a no-op,
// so it is safe to defer.
func (t *Tx) Rollback() error {
	err := t.tx.Rollback()
	if errors.Is(err, sql.ErrTxDone) {
		return nil
	}
	return err
}
