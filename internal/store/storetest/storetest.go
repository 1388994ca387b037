// Package storetest opens throwaway SQLite stores for package tests.
package storetest

import (
	"context"
	"testing"
	"time"

	"ms-dealroom/internal/clock"
	"ms-dealroom/internal/store"
)

// Epoch is the fake clock start used across tests: a Monday.
var Epoch = time.Date(2026, time.March, 2, 9, 0, 0, 0, time.UTC)

// New returns an in-memory store with the schema created. It is closed with the test.
func New(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.OpenSQLite(":memory:")
	if err != nil {
		t.Fatalf("Failed to connect to in-memory database: %v", err)
	}
	if err := store.CreateSchema(context.Background(), db.Bun); err != nil {
		db.Close()
		t.Fatalf("Failed to create schema: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func Clock() *clock.Fake {
	return clock.NewFake(Epoch)
}
