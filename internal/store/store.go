package store

import (
	"database/sql"
	_ "embed"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/roach88/rewind/internal/ir"
)

//go:embed schema.sql
var schemaSQL string

// currentSchemaVersion is stored in PRAGMA user_version.
// Version 1 adds the immutability triggers.
const currentSchemaVersion = 1

// Store holds the delta log, snapshots and the live resource view in one
// SQLite database.
type Store struct {
	db  *sql.DB
	ids ir.IDGenerator
}

// Open opens or creates the database at path, then applies pragmas and
// migrations. Reopening an existing database is safe.
//
// The pool holds a single connection: SQLite admits one writer, and every
// transaction in this package (append, snapshot insert, live read) runs
// serially against it.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, err
	}
	if err := applySchema(db); err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db, ids: ir.UUIDv7Generator{}}, nil
}

// SetIDGenerator overrides the generator used for deltas appended without an id.
func (s *Store) SetIDGenerator(ids ir.IDGenerator) {
	s.ids = ids
}

// Close closes the database.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

var pragmas = []string{
	"PRAGMA journal_mode = WAL",
	"PRAGMA synchronous = NORMAL",
	"PRAGMA busy_timeout = 5000",
	"PRAGMA foreign_keys = ON",
}

func applyPragmas(db *sql.DB) error {
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("apply %q: %w", pragma, err)
		}
	}
	return nil
}

func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("create tables: %w", err)
	}
	return runMigrations(db)
}

// runMigrations steps the database from its user_version to
// currentSchemaVersion.
func runMigrations(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("read user_version: %w", err)
	}

	if version < 1 {
		if err := migrateToV1(db); err != nil {
			return err
		}
	}

	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return nil
}

// migrateToV1 installs triggers that reject in-place edits of history.
// Snapshots may still be deleted (retention pruning); deltas may not.
func migrateToV1(db *sql.DB) error {
	triggers := []string{
		`CREATE TRIGGER IF NOT EXISTS deltas_no_update
		 BEFORE UPDATE ON deltas
		 BEGIN SELECT RAISE(ABORT, 'deltas are append-only'); END`,
		`CREATE TRIGGER IF NOT EXISTS deltas_no_delete
		 BEFORE DELETE ON deltas
		 BEGIN SELECT RAISE(ABORT, 'deltas are append-only'); END`,
		`CREATE TRIGGER IF NOT EXISTS snapshots_no_update
		 BEFORE UPDATE ON snapshots
		 BEGIN SELECT RAISE(ABORT, 'snapshots are immutable'); END`,
	}
	for _, stmt := range triggers {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate to v1: %w", err)
		}
	}
	return nil
}
