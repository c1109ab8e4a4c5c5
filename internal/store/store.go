// Package store is the local encrypted-at-rest persistence layer. It keeps
// pickle-key records and account values in a SQLite database.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	_ "modernc.org/sqlite"
)

// SchemaVersion is the schema version written to PRAGMA user_version.
const SchemaVersion = 1

var (
	// ErrStoreUnavailable is returned when the database cannot be opened.
	// It is not retried automatically; the caller may run without a cache.
	ErrStoreUnavailable = errors.New("store: unavailable")

	// ErrMalformedRecord is returned for corrupt or incomplete records.
	ErrMalformedRecord = errors.New("store: malformed record")
)

// Table names a logical table.
type Table string

const (
	TablePickleKey Table = "pickleKey"
	TableAccount   Table = "account"
)

type tableDef struct {
	name    string
	keyCols []string
}

var tables = map[Table]tableDef{
	TablePickleKey: {name: "pickle_key", keyCols: []string{"user_id", "device_id"}},
	TableAccount:   {name: "account", keyCols: []string{"key"}},
}

// Key addresses a record. Pickle-key records use (userID, deviceID); account
// records use a single name.
type Key []string

// PickleKeyID returns the key of the pickle-key record for an identity.
func PickleKeyID(userID, deviceID string) Key { return Key{userID, deviceID} }

// AccountKey returns the key of a named account record.
func AccountKey(name string) Key { return Key{name} }

const schema = `
CREATE TABLE IF NOT EXISTS pickle_key (
	user_id TEXT NOT NULL,
	device_id TEXT NOT NULL,
	value BLOB NOT NULL,
	PRIMARY KEY (user_id, device_id)
);
CREATE TABLE IF NOT EXISTS account (
	key TEXT PRIMARY KEY,
	value BLOB NOT NULL
);
CREATE TABLE IF NOT EXISTS device_trust (
	user_id TEXT NOT NULL,
	device_id TEXT NOT NULL,
	known INTEGER NOT NULL DEFAULT 0,
	verified INTEGER NOT NULL DEFAULT 0,
	updated_at INTEGER NOT NULL,
	PRIMARY KEY (user_id, device_id)
);
`

// DefaultDataDir returns the default data directory for mxkeys databases.
// Uses $XDG_DATA_HOME/mxkeys, falling back to ~/.local/share/mxkeys.
func DefaultDataDir() string {
	dataHome := os.Getenv("XDG_DATA_HOME")
	if dataHome == "" {
		home, _ := os.UserHomeDir()
		dataHome = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(dataHome, "mxkeys")
}

// Store wraps a lazily opened SQLite database.
type Store struct {
	path string

	once    sync.Once
	db      *sql.DB
	openErr error
}

// New returns a store backed by the database at path. Nothing is opened until
// the first operation. If path is empty, it defaults to
// $XDG_DATA_HOME/mxkeys/keys.db.
func New(path string) *Store {
	if path == "" {
		path = filepath.Join(DefaultDataDir(), "keys.db")
	}
	return &Store{path: path}
}

// Open returns a store and opens it immediately.
func Open(path string) (*Store, error) {
	s := New(path)
	if _, err := s.conn(context.Background()); err != nil {
		return nil, err
	}
	return s, nil
}

// Path returns the database path.
func (s *Store) Path() string { return s.path }

// conn returns the database, initialising it on first use. An open failure is
// remembered and returned by every later call.
func (s *Store) conn(ctx context.Context) (*sql.DB, error) {
	s.once.Do(func() {
		s.db, s.openErr = initDB(ctx, s.path)
	})
	return s.db, s.openErr
}

func initDB(ctx context.Context, path string) (*sql.DB, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
			return nil, fmt.Errorf("%w: create dir: %v", ErrStoreUnavailable, err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("%w: open db: %v", ErrStoreUnavailable, err)
	}
	if path == ":memory:" {
		// Every pooled connection would otherwise see its own empty database.
		db.SetMaxOpenConns(1)
	}

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: set WAL mode: %v", ErrStoreUnavailable, err)
	}

	var version int
	if err := db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: read schema version: %v", ErrStoreUnavailable, err)
	}
	if version > SchemaVersion {
		db.Close()
		return nil, fmt.Errorf("%w: schema version %d is newer than %d", ErrStoreUnavailable, version, SchemaVersion)
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: create schema: %v", ErrStoreUnavailable, err)
	}
	if version < SchemaVersion {
		if _, err := db.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", SchemaVersion)); err != nil {
			db.Close()
			return nil, fmt.Errorf("%w: set schema version: %v", ErrStoreUnavailable, err)
		}
	}
	return db, nil
}

// Close closes the database connection if it was opened.
func (s *Store) Close() error {
	s.once.Do(func() { s.openErr = fmt.Errorf("%w: closed", ErrStoreUnavailable) })
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func lookup(table Table, key Key) (tableDef, error) {
	def, ok := tables[table]
	if !ok {
		return tableDef{}, fmt.Errorf("store: unknown table %q", table)
	}
	if len(key) != len(def.keyCols) {
		return tableDef{}, fmt.Errorf("store: table %q expects %d key parts, got %d", table, len(def.keyCols), len(key))
	}
	return def, nil
}

func (d tableDef) where() string {
	conds := make([]string, len(d.keyCols))
	for i, c := range d.keyCols {
		conds[i] = c + " = ?"
	}
	return strings.Join(conds, " AND ")
}

func keyArgs(key Key) []any {
	args := make([]any, len(key))
	for i, k := range key {
		args[i] = k
	}
	return args
}

// Get returns the value stored under key in table.
// Returns nil, nil if no record exists.
func (s *Store) Get(ctx context.Context, table Table, key Key) ([]byte, error) {
	def, err := lookup(table, key)
	if err != nil {
		return nil, err
	}
	db, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}

	var data []byte
	err = db.QueryRowContext(ctx,
		"SELECT value FROM "+def.name+" WHERE "+def.where(), keyArgs(key)...,
	).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: get %s: %w", table, err)
	}
	return data, nil
}

// Put stores value under key in table, replacing any existing record.
// The write is a single statement and therefore atomic.
func (s *Store) Put(ctx context.Context, table Table, key Key, value []byte) error {
	def, err := lookup(table, key)
	if err != nil {
		return err
	}
	if value == nil {
		value = []byte{}
	}
	db, err := s.conn(ctx)
	if err != nil {
		return err
	}

	cols := strings.Join(def.keyCols, ", ")
	placeholders := strings.Repeat("?, ", len(def.keyCols)) + "?"
	args := append(keyArgs(key), value)
	_, err = db.ExecContext(ctx,
		"INSERT OR REPLACE INTO "+def.name+" ("+cols+", value) VALUES ("+placeholders+")", args...,
	)
	if err != nil {
		return fmt.Errorf("store: put %s: %w", table, err)
	}
	return nil
}

// Delete removes the record under key in table. Deleting a missing record is
// not an error.
func (s *Store) Delete(ctx context.Context, table Table, key Key) error {
	def, err := lookup(table, key)
	if err != nil {
		return err
	}
	db, err := s.conn(ctx)
	if err != nil {
		return err
	}

	if _, err := db.ExecContext(ctx, "DELETE FROM "+def.name+" WHERE "+def.where(), keyArgs(key)...); err != nil {
		return fmt.Errorf("store: delete %s: %w", table, err)
	}
	return nil
}
