package persistence

import (
	"context"
	"testing"
)

func TestInsertAndGet(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	result, err := store.Run(ctx,
		"INSERT INTO predictions (id, symbol, bucket) VALUES ($1, $2, $3) RETURNING id",
		"pred-1", "btc", "50-60%")
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if result.LastInsertID != "pred-1" {
		t.Fatalf("expected returning id pred-1, got %q", result.LastInsertID)
	}

	row, err := store.Get(ctx, "SELECT * FROM predictions WHERE id = $1", "pred-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if row["symbol"] != "btc" {
		t.Fatalf("symbol = %v", row["symbol"])
	}
}

func TestGetNoRowsReturnsErrNoRows(t *testing.T) {
	store := NewMemoryStore()
	_, err := store.Get(context.Background(), "SELECT * FROM predictions WHERE id = $1", "missing")
	if err != ErrNoRows {
		t.Fatalf("expected ErrNoRows, got %v", err)
	}
}

func TestUpdateAndDelete(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	_, _ = store.Run(ctx, "INSERT INTO predictions (id, correct) VALUES ($1, $2)", "p1", "false")

	result, err := store.Run(ctx, "UPDATE predictions SET correct = $1 WHERE id = $2", "true", "p1")
	if err != nil || result.Changes != 1 {
		t.Fatalf("update: %+v err=%v", result, err)
	}

	row, _ := store.Get(ctx, "SELECT * FROM predictions WHERE id = $1", "p1")
	if row["correct"] != "true" {
		t.Fatalf("correct = %v", row["correct"])
	}

	del, err := store.Run(ctx, "DELETE FROM predictions WHERE id = $1", "p1")
	if err != nil || del.Changes != 1 {
		t.Fatalf("delete: %+v err=%v", del, err)
	}
	if _, err := store.Get(ctx, "SELECT * FROM predictions WHERE id = $1", "p1"); err != ErrNoRows {
		t.Fatalf("expected row gone, got err=%v", err)
	}
}

func TestAllMatchesMultipleRows(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	_, _ = store.Run(ctx, "INSERT INTO ticks (id, symbol) VALUES ($1, $2)", "t1", "btc")
	_, _ = store.Run(ctx, "INSERT INTO ticks (id, symbol) VALUES ($1, $2)", "t2", "btc")
	_, _ = store.Run(ctx, "INSERT INTO ticks (id, symbol) VALUES ($1, $2)", "t3", "eth")

	rows, err := store.All(ctx, "SELECT * FROM ticks WHERE symbol = $1", "btc")
	if err != nil {
		t.Fatalf("all: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(rows))
	}
}

func TestExecCreatesTable(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	if err := store.Exec(ctx, "CREATE TABLE IF NOT EXISTS windows (id TEXT PRIMARY KEY)"); err != nil {
		t.Fatalf("exec: %v", err)
	}
	rows, err := store.All(ctx, "SELECT * FROM windows")
	if err != nil || len(rows) != 0 {
		t.Fatalf("expected empty table, got %+v err=%v", rows, err)
	}
}
