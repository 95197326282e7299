// Package sqlite implements the store interfaces on a local SQLite file
// using the pure-Go driver. This is the standalone-mode backend: zero
// external services, zero CGO.
package sqlite

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite" // pure-Go SQLite driver

	"github.com/nextlevelbuilder/nodegate/internal/store"
)

// schema is applied on every open. CREATE IF NOT EXISTS keeps it
// idempotent; standalone mode does not run versioned migrations.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS device_keys (
		node_id      TEXT PRIMARY KEY,
		public_key   TEXT NOT NULL,
		pinned_at    INTEGER NOT NULL,
		last_seen_at INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS pairing_approvals (
		channel_id  TEXT NOT NULL,
		peer_id     TEXT NOT NULL,
		approved_at INTEGER NOT NULL,
		PRIMARY KEY (channel_id, peer_id)
	)`,
	`CREATE TABLE IF NOT EXISTS delegations (
		delegation_id TEXT PRIMARY KEY,
		from_agent_id TEXT NOT NULL,
		to_agent_id   TEXT NOT NULL,
		task          TEXT NOT NULL,
		status        TEXT NOT NULL,
		output        TEXT,
		error         TEXT,
		created_at    INTEGER NOT NULL,
		completed_at  INTEGER
	)`,
	`CREATE INDEX IF NOT EXISTS idx_delegations_created ON delegations (created_at DESC)`,
}

// Open opens (creating if needed) the SQLite database at path and
// applies the schema. The pool is capped at one connection so writers
// serialize instead of tripping over SQLITE_BUSY.
func Open(path string) (*sql.DB, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		db.Close()
		return nil, fmt.Errorf("set journal mode: %w", err)
	}
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply schema: %w", err)
		}
	}
	return db, nil
}

// NewStores opens the standalone backend at path and wires all stores
// to the shared handle.
func NewStores(path string) (*store.Stores, error) {
	db, err := Open(path)
	if err != nil {
		return nil, err
	}
	return &store.Stores{
		DeviceKeys:  NewDeviceKeyStore(db),
		Pairing:     NewPairingStore(db),
		Delegations: NewDelegationStore(db),
		DB:          db,
	}, nil
}
