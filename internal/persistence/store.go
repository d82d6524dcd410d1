// Package persistence defines the contract the engine's core expects
// from a relational backing store. The production implementation
// (a real database with parameterised queries) is out of scope; this
// package carries only the interface and an in-memory reference
// implementation for tests, grounded on the teacher's file/cache
// store idiom but adapted from OHLCV-file storage to ordinal
// parameterised rows.
package persistence

import (
	"context"
	"errors"
)

// ErrNoRows is returned by Get when the query matches no row.
var ErrNoRows = errors.New("persistence: no rows")

// Row is a generic result row; column name to value.
type Row map[string]interface{}

// Result is the outcome of a Run (INSERT/UPDATE/DELETE) call.
type Result struct {
	Changes      int64
	LastInsertID string
}

// Store is the persistence contract the core consumes. Parameters
// use the ordinal "$1, $2, ..." convention; no ORM semantics are
// required of implementations.
type Store interface {
	// Get returns the first matching row, or ErrNoRows if none match.
	Get(ctx context.Context, sql string, params ...interface{}) (Row, error)
	// All returns every matching row.
	All(ctx context.Context, sql string, params ...interface{}) ([]Row, error)
	// Run executes an INSERT/UPDATE/DELETE and reports rows changed.
	// When sql carries a RETURNING clause, Result.LastInsertID is
	// populated from it.
	Run(ctx context.Context, sql string, params ...interface{}) (Result, error)
	// Exec runs schema DDL with no parameters and no result rows.
	Exec(ctx context.Context, sql string) error
	// RunReturningID is a convenience wrapper over Run for statements
	// that end in "RETURNING id".
	RunReturningID(ctx context.Context, sql string, params ...interface{}) (string, error)
}
