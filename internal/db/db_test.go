package db

import (
	"bytes"
	"compress/gzip"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
)

func TestPragmasApplied(t *testing.T) {
	db := setupTestDB(t)

	var journalMode string
	if err := db.QueryRow("PRAGMA journal_mode").Scan(&journalMode); err != nil {
		t.Fatalf("Failed to query journal_mode: %v", err)
	}
	if journalMode != "wal" {
		t.Errorf("Expected journal_mode=wal, got %s", journalMode)
	}

	var busyTimeout int
	if err := db.QueryRow("PRAGMA busy_timeout").Scan(&busyTimeout); err != nil {
		t.Fatalf("Failed to query busy_timeout: %v", err)
	}
	if busyTimeout != 5000 {
		t.Errorf("Expected busy_timeout=5000, got %d", busyTimeout)
	}

	var foreignKeys int
	if err := db.QueryRow("PRAGMA foreign_keys").Scan(&foreignKeys); err != nil {
		t.Fatalf("Failed to query foreign_keys: %v", err)
	}
	if foreignKeys != 1 {
		t.Errorf("Expected foreign_keys=1, got %d", foreignKeys)
	}
}

func TestMigrations_UpDownVersion(t *testing.T) {
	db := setupTestDB(t)

	version, dirty, err := db.MigrateVersion()
	if err != nil {
		t.Fatalf("MigrateVersion failed: %v", err)
	}
	if version != 3 || dirty {
		t.Fatalf("Expected version 3 clean, got %d dirty=%v", version, dirty)
	}

	// Re-running is a no-op.
	if err := db.MigrateUp(); err != nil {
		t.Fatalf("second MigrateUp failed: %v", err)
	}

	if err := db.MigrateDown(); err != nil {
		t.Fatalf("MigrateDown failed: %v", err)
	}
	version, _, err = db.MigrateVersion()
	if err != nil {
		t.Fatalf("MigrateVersion failed: %v", err)
	}
	if version != 2 {
		t.Errorf("Expected version 2 after down, got %d", version)
	}
	var n int
	if err := db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='training_checkpoints'`).Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Error("training_checkpoints should be dropped after down")
	}
}

func TestOpenDB_NoSchema(t *testing.T) {
	db, err := OpenDB(filepath.Join(t.TempDir(), "bare.db"))
	if err != nil {
		t.Fatalf("OpenDB failed: %v", err)
	}
	defer db.Close()

	version, dirty, err := db.MigrateVersion()
	if err != nil {
		t.Fatalf("MigrateVersion failed: %v", err)
	}
	if version != 0 || dirty {
		t.Errorf("Expected fresh database at version 0, got %d dirty=%v", version, dirty)
	}
}

func TestRunMigrateCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cli.db")

	var out bytes.Buffer
	if err := RunMigrateCommand(&out, []string{"up"}, path); err != nil {
		t.Fatalf("migrate up failed: %v", err)
	}
	if !bytes.Contains(out.Bytes(), []byte("Current version: 3")) {
		t.Errorf("unexpected output: %q", out.String())
	}

	out.Reset()
	if err := RunMigrateCommand(&out, []string{"status"}, path); err != nil {
		t.Fatalf("migrate status failed: %v", err)
	}
	if !bytes.Contains(out.Bytes(), []byte("dirty: false")) {
		t.Errorf("unexpected output: %q", out.String())
	}

	if err := RunMigrateCommand(io.Discard, nil, path); err == nil {
		t.Error("expected error with no action")
	}
	if err := RunMigrateCommand(io.Discard, []string{"sideways"}, path); err == nil {
		t.Error("expected error for unknown action")
	}
	if err := RunMigrateCommand(io.Discard, []string{"force", "x"}, path); err == nil {
		t.Error("expected error for bad version")
	}
}

func TestAttachAdminRoutes_Backup(t *testing.T) {
	db := setupTestDB(t)
	insertTestRun(t, db, "airplane")

	mux := http.NewServeMux()
	if err := db.AttachAdminRoutes(mux); err != nil {
		t.Fatalf("AttachAdminRoutes failed: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/debug/backup", nil)
	req.RemoteAddr = "127.0.0.1:1234"
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code == http.StatusForbidden {
		t.Skip("debug access denied in this environment")
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/gzip" {
		t.Errorf("Expected gzip content type, got %q", ct)
	}
	gz, err := gzip.NewReader(rec.Body)
	if err != nil {
		t.Fatalf("backup is not gzip: %v", err)
	}
	head := make([]byte, 16)
	if _, err := io.ReadFull(gz, head); err != nil {
		t.Fatalf("read backup: %v", err)
	}
	if string(head[:15]) != "SQLite format 3" {
		t.Errorf("backup does not look like a SQLite file: %q", head)
	}
}

func TestRetryOnBusy(t *testing.T) {
	calls := 0
	err := retryOnBusy(func() error {
		calls++
		if calls < 3 {
			return errString("database is locked (5) (SQLITE_BUSY)")
		}
		return nil
	})
	if err != nil || calls != 3 {
		t.Errorf("expected success after 3 calls, got err=%v calls=%d", err, calls)
	}

	calls = 0
	err = retryOnBusy(func() error {
		calls++
		return errString("constraint failed")
	})
	if err == nil || calls != 1 {
		t.Errorf("non-busy errors must not retry, got err=%v calls=%d", err, calls)
	}
}

type errString string

func (e errString) Error() string { return string(e) }
