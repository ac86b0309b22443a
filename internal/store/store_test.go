package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestOpen_CreatesNewDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer s.Close()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		t.Error("database file was not created")
	}
}

func TestOpen_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	for i := 0; i < 3; i++ {
		s, err := Open(path)
		if err != nil {
			t.Fatalf("Open() iteration %d failed: %v", i, err)
		}
		s.Close()
	}

	s, err := Open(path)
	if err != nil {
		t.Fatalf("final Open() failed: %v", err)
	}
	defer s.Close()

	tables := []string{"deltas", "snapshots", "resources"}
	for _, table := range tables {
		var name string
		err := s.db.QueryRow(
			"SELECT name FROM sqlite_master WHERE type='table' AND name=?",
			table,
		).Scan(&name)
		if err != nil {
			t.Errorf("table %q not found after idempotent opens: %v", table, err)
		}
	}
}

func TestOpen_Pragmas(t *testing.T) {
	s := createTestStore(t)

	checks := map[string]string{
		"journal_mode": "wal",
		"synchronous":  "1",
		"busy_timeout": "5000",
		"foreign_keys": "1",
		"user_version": "1",
	}
	for name, want := range checks {
		var got string
		if err := s.db.QueryRow("PRAGMA " + name).Scan(&got); err != nil {
			t.Fatalf("read pragma %s: %v", name, err)
		}
		if got != want {
			t.Errorf("%s = %q, want %q", name, got, want)
		}
	}
}

func TestOpen_ImmutabilityTriggers(t *testing.T) {
	s := createTestStore(t)
	mustApply(t, s, createTestDelta("u1", "exp-1", "CREATE", 100, day(1)))

	if _, err := s.db.Exec(`UPDATE deltas SET user_id = 'u2'`); err == nil {
		t.Error("UPDATE on deltas should be rejected")
	}
	if _, err := s.db.Exec(`DELETE FROM deltas`); err == nil {
		t.Error("DELETE on deltas should be rejected")
	}

	if _, err := s.WriteSnapshot(context.Background(), createTestSnapshot("snap-1", "u1", day(2))); err != nil {
		t.Fatalf("WriteSnapshot() failed: %v", err)
	}
	if _, err := s.db.Exec(`UPDATE snapshots SET checksum = 'x'`); err == nil {
		t.Error("UPDATE on snapshots should be rejected")
	}
}

func TestClose_NilDB(t *testing.T) {
	s := &Store{}
	if err := s.Close(); err != nil {
		t.Errorf("Close() on empty store = %v, want nil", err)
	}
}
