// Package store is the sqlite backed datastore of mailsyncd.
//
// It holds the generic key-value config table (UID cursors, folder roles),
// the DNS resolution cache, and the minimal message-id index and job table
// used by the spool collaborators.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	_ "github.com/mattn/go-sqlite3"

	"github.com/fho/mailsyncd/internal/log"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

const schema = `
CREATE TABLE IF NOT EXISTS config (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	keyname TEXT NOT NULL UNIQUE,
	value TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS dns_cache (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	hostname TEXT NOT NULL,
	port INTEGER NOT NULL,
	address TEXT NOT NULL,
	timestamp INTEGER NOT NULL DEFAULT 0,
	UNIQUE (hostname, port, address)
);

CREATE TABLE IF NOT EXISTS msgs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	rfc724_mid TEXT NOT NULL UNIQUE,
	server_folder TEXT NOT NULL DEFAULT '',
	server_uid INTEGER NOT NULL DEFAULT 0,
	move_state INTEGER NOT NULL DEFAULT 0,
	seen INTEGER NOT NULL DEFAULT 0,
	subject TEXT NOT NULL DEFAULT '',
	sender TEXT NOT NULL DEFAULT '',
	size INTEGER NOT NULL DEFAULT 0,
	path TEXT NOT NULL DEFAULT '',
	received_at INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS jobs (
	id TEXT PRIMARY KEY,
	action INTEGER NOT NULL,
	msg_id INTEGER NOT NULL DEFAULT 0,
	added_timestamp INTEGER NOT NULL,
	tries INTEGER NOT NULL DEFAULT 0
);
`

type DB struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens or creates the sqlite database at path and ensures that all
// tables exist.
func Open(path string, logger *slog.Logger) (*DB, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("opening database %q failed: %w", path, err)
	}

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating database schema failed: %w", err)
	}

	return &DB{
		db:     db,
		logger: log.SloggerWithGroup(logger, "store"),
	}, nil
}

func (d *DB) Close() error {
	return d.db.Close()
}

// GetRawConfig returns the value stored for key.
// If no value exists, found is false.
func (d *DB) GetRawConfig(key string) (value string, found bool, err error) {
	err = d.db.QueryRow("SELECT value FROM config WHERE keyname = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("reading config key %q failed: %w", key, err)
	}

	return value, true, nil
}

// SetRawConfig stores value for key, replacing an existing value.
func (d *DB) SetRawConfig(key, value string) error {
	_, err := d.db.Exec(
		`INSERT INTO config (keyname, value) VALUES (?, ?)
		 ON CONFLICT (keyname) DO UPDATE SET value = excluded.value`,
		key, value,
	)
	if err != nil {
		return fmt.Errorf("writing config key %q failed: %w", key, err)
	}

	d.logger.Debug("config value stored", "key", key, "event", "store.config_set")

	return nil
}

// DeleteRawConfig removes key, deleting a non-existing key is not an error.
func (d *DB) DeleteRawConfig(key string) error {
	_, err := d.db.Exec("DELETE FROM config WHERE keyname = ?", key)
	if err != nil {
		return fmt.Errorf("deleting config key %q failed: %w", key, err)
	}

	return nil
}
