package db

import (
	"path/filepath"
	"testing"
)

// setupTestDB creates a migrated database in a temp directory.
func setupTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := NewDB(filepath.Join(t.TempDir(), "runs.db"))
	if err != nil {
		t.Fatalf("failed to create test DB: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func insertTestRun(t *testing.T, db *DB, ckpt string) *Run {
	t.Helper()
	run := &Run{CkptName: ckpt, Task: "sparse_generation", Variant: "S", Categories: []string{"02691156"}}
	if err := db.Runs().Insert(run); err != nil {
		t.Fatalf("Insert run failed: %v", err)
	}
	return run
}
