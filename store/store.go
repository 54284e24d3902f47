// Package store provides the host-side storage backend for session blobs
// and fragmentation reassembly snapshots, backed by an embedded SQLite
// database.
//
// Migration design: SQL statements are kept in the [migrations] slice as
// ordered strings. Each is applied exactly once; the applied version is
// tracked in the schema_migrations table. To add a migration, append a new
// string — never edit or reorder existing entries.
package store

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// migrations holds the ordered list of DDL statements that bring the schema
// up to date. Index i corresponds to version i+1.
var migrations = []string{
	// v1 — session blobs, keyed by a host-chosen identifier
	`CREATE TABLE IF NOT EXISTS sessions (
		key        TEXT PRIMARY KEY,
		data       BLOB NOT NULL,
		token      INTEGER NOT NULL DEFAULT 0,
		updated_at INTEGER NOT NULL DEFAULT (unixepoch())
	)`,
	// v2 — smsproto partial-reassembly snapshots
	`CREATE TABLE IF NOT EXISTS partials (
		key        TEXT PRIMARY KEY,
		data       BLOB NOT NULL,
		updated_at INTEGER NOT NULL DEFAULT (unixepoch())
	)`,
	// v3 — store-and-forward relay messages awaiting a device
	`CREATE TABLE IF NOT EXISTS noconn_msgs (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		relay_id   TEXT NOT NULL,
		data       BLOB NOT NULL,
		created_at INTEGER NOT NULL DEFAULT (unixepoch())
	)`,
	// v4 — index for the per-device drain
	`CREATE INDEX IF NOT EXISTS idx_noconn_relay ON noconn_msgs(relay_id)`,
	// v5 — enable WAL mode
	`PRAGMA journal_mode=WAL`,
}

// Store owns the database lifecycle.
type Store struct {
	db *sql.DB
}

// New opens (or creates) the database at path and applies migrations.
// Use ":memory:" for tests.
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version    INTEGER PRIMARY KEY,
		applied_at INTEGER NOT NULL DEFAULT (unixepoch())
	)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var current int
	if err := s.db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for i := current; i < len(migrations); i++ {
		if _, err := s.db.Exec(migrations[i]); err != nil {
			return fmt.Errorf("apply migration %d: %w", i+1, err)
		}
		if _, err := s.db.Exec(`INSERT INTO schema_migrations (version) VALUES (?)`, i+1); err != nil {
			return fmt.Errorf("record migration %d: %w", i+1, err)
		}
	}
	return nil
}

// SaveSession upserts one session blob under key with its save token.
func (s *Store) SaveSession(key string, data []byte, token uint16) error {
	_, err := s.db.Exec(`INSERT INTO sessions (key, data, token, updated_at)
		VALUES (?, ?, ?, unixepoch())
		ON CONFLICT(key) DO UPDATE SET data=excluded.data, token=excluded.token,
			updated_at=excluded.updated_at`, key, data, int(token))
	if err != nil {
		return fmt.Errorf("save session %q: %w", key, err)
	}
	return nil
}

// LoadSession returns the blob and token under key; ok is false when absent.
func (s *Store) LoadSession(key string) (data []byte, token uint16, ok bool, err error) {
	var t int
	err = s.db.QueryRow(`SELECT data, token FROM sessions WHERE key = ?`, key).Scan(&data, &t)
	if err == sql.ErrNoRows {
		return nil, 0, false, nil
	}
	if err != nil {
		return nil, 0, false, fmt.Errorf("load session %q: %w", key, err)
	}
	return data, uint16(t), true, nil
}

// DeleteSession removes the blob under key, if any.
func (s *Store) DeleteSession(key string) error {
	if _, err := s.db.Exec(`DELETE FROM sessions WHERE key = ?`, key); err != nil {
		return fmt.Errorf("delete session %q: %w", key, err)
	}
	return nil
}

// SavePartials upserts the smsproto reassembly snapshot under key.
func (s *Store) SavePartials(key string, data []byte) error {
	_, err := s.db.Exec(`INSERT INTO partials (key, data, updated_at)
		VALUES (?, ?, unixepoch())
		ON CONFLICT(key) DO UPDATE SET data=excluded.data, updated_at=excluded.updated_at`,
		key, data)
	if err != nil {
		return fmt.Errorf("save partials %q: %w", key, err)
	}
	return nil
}

// LoadPartials returns the reassembly snapshot under key; ok false if absent.
func (s *Store) LoadPartials(key string) (data []byte, ok bool, err error) {
	err = s.db.QueryRow(`SELECT data FROM partials WHERE key = ?`, key).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("load partials %q: %w", key, err)
	}
	return data, true, nil
}

// PushNoConn appends one store-and-forward message for relayID.
func (s *Store) PushNoConn(relayID string, data []byte) error {
	if _, err := s.db.Exec(`INSERT INTO noconn_msgs (relay_id, data) VALUES (?, ?)`,
		relayID, data); err != nil {
		return fmt.Errorf("push noconn for %q: %w", relayID, err)
	}
	return nil
}

// DrainNoConn removes and returns every stored message for relayID in
// arrival order.
func (s *Store) DrainNoConn(relayID string) ([][]byte, error) {
	rows, err := s.db.Query(`SELECT id, data FROM noconn_msgs WHERE relay_id = ? ORDER BY id`, relayID)
	if err != nil {
		return nil, fmt.Errorf("drain noconn for %q: %w", relayID, err)
	}
	defer rows.Close()

	var ids []int64
	var out [][]byte
	for rows.Next() {
		var id int64
		var data []byte
		if err := rows.Scan(&id, &data); err != nil {
			return nil, fmt.Errorf("scan noconn row: %w", err)
		}
		ids = append(ids, id)
		out = append(out, data)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate noconn rows: %w", err)
	}
	for _, id := range ids {
		if _, err := s.db.Exec(`DELETE FROM noconn_msgs WHERE id = ?`, id); err != nil {
			return nil, fmt.Errorf("delete noconn row %d: %w", id, err)
		}
	}
	return out, nil
}
