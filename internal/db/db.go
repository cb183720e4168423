// Package db is a hand-written, sqlc-idiom query layer over the
// control-plane's single Postgres schema. Every method takes a DBTX so
// callers can run either against the pool directly or inside a pgx.Tx.
package db

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DBTX is satisfied by both *pgxpool.Pool and pgx.Tx, the same interface
// shape sqlc generates and the teacher's pkg/alert/store.go consumes.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Queries wraps a DBTX with typed query methods for every table in the
// control-plane schema.
type Queries struct {
	db DBTX
}

// New returns a Queries bound to the given DBTX.
func New(dbtx DBTX) *Queries {
	return &Queries{db: dbtx}
}

// WithTx returns a copy of q bound to tx, for multi-statement operations
// that must commit or roll back atomically.
func (q *Queries) WithTx(tx pgx.Tx) *Queries {
	return &Queries{db: tx}
}
