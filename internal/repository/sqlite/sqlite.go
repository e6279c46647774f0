// Package sqlite implements repository.Directory on an embedded SQLite
// database (modernc.org/sqlite, pure Go, no cgo).
//
// The directory is the account and group source of truth for deployments
// that do not plug into an external one. Accounts carry an active flag;
// groups are addressed by UUID and may include other groups.
package sqlite

import (
	"database/sql"
	"fmt"

	// registers the "sqlite" driver with database/sql
	_ "modernc.org/sqlite"
)

// DB wraps a sql.DB connection pool.
type DB struct {
	conn *sql.DB
}

// New opens the database at dbPath and runs migrations.
//
// dbPath examples:
//   - "data/directory.db" → file-based database
//   - ":memory:"          → in-memory database, for tests
//
// CONNECTION POOL AND ":memory:":
// sql.DB is a pool, and SQLite gives every new connection to ":memory:" a
// fresh, empty database. A pool of more than one connection would let a
// query land on a connection that never saw the migrations, so the pool is
// pinned to a single connection in that case.
//
// PRAGMAS:
//   - journal_mode=WAL: readers (policy checks on every push) do not block
//     behind a writer (seeding, administration) and vice versa.
//   - foreign_keys=ON: SQLite ships with foreign keys off; membership rows
//     must disappear with their account or group.
func New(dbPath string) (*DB, error) {
	conn, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("sqlite: opening database: %w", err)
	}

	// Every connection to ":memory:" gets its own empty database.
	if dbPath == ":memory:" {
		conn.SetMaxOpenConns(1)
	}

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlite: pinging database: %w", err)
	}

	// WAL lets policy checks read while an administrator writes.
	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlite: setting WAL mode: %w", err)
	}
	if _, err := conn.Exec("PRAGMA foreign_keys=ON"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlite: enabling foreign keys: %w", err)
	}

	db := &DB{conn: conn}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlite: running migrations: %w", err)
	}

	return db, nil
}

func (db *DB) Close() error {
	return db.conn.Close()
}

// migrate creates the schema. CREATE ... IF NOT EXISTS keeps it idempotent.
func (db *DB) migrate() error {
	_, err := db.conn.Exec(`
		CREATE TABLE IF NOT EXISTS accounts (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			username   TEXT NOT NULL UNIQUE,
			full_name  TEXT NOT NULL DEFAULT '',
			email      TEXT NOT NULL DEFAULT '',
			active     INTEGER NOT NULL DEFAULT 1,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS idx_accounts_email ON accounts(email);
	`)
	if err != nil {
		return fmt.Errorf("creating accounts table: %w", err)
	}

	_, err = db.conn.Exec(`
		CREATE TABLE IF NOT EXISTS account_groups (
			uuid       TEXT PRIMARY KEY,
			name       TEXT NOT NULL UNIQUE,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`)
	if err != nil {
		return fmt.Errorf("creating account_groups table: %w", err)
	}

	_, err = db.conn.Exec(`
		CREATE TABLE IF NOT EXISTS group_members (
			group_uuid TEXT NOT NULL REFERENCES account_groups(uuid) ON DELETE CASCADE,
			account_id INTEGER NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
			PRIMARY KEY (group_uuid, account_id)
		);
		CREATE TABLE IF NOT EXISTS group_includes (
			group_uuid    TEXT NOT NULL REFERENCES account_groups(uuid) ON DELETE CASCADE,
			included_uuid TEXT NOT NULL REFERENCES account_groups(uuid) ON DELETE CASCADE,
			PRIMARY KEY (group_uuid, included_uuid)
		);
	`)
	if err != nil {
		return fmt.Errorf("creating group membership tables: %w", err)
	}

	return nil
}
