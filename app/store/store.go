// Package store provides a small sqlite-backed key-value storage used to
// keep client state across restarts.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite" // sqlite driver
)

// Sqlite is a key-value store over a single sqlite table
type Sqlite struct {
	db *sqlx.DB
}

// NewSqlite opens (or creates) the store at dbPath
func NewSqlite(dbPath string) (*Sqlite, error) {
	db, err := sqlx.Connect("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("can't open store %s: %w", dbPath, err)
	}

	// WAL for better concurrency between event-path writes and web reads
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("can't set WAL mode: %w", err)
	}

	schema := `CREATE TABLE IF NOT EXISTS kv (
		key TEXT PRIMARY KEY,
		val TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	)`
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("can't create schema: %w", err)
	}

	return &Sqlite{db: db}, nil
}

// Get returns the value for key and whether it was found
func (s *Sqlite) Get(key string) (string, bool, error) {
	var val string
	err := s.db.Get(&val, "SELECT val FROM kv WHERE key = ?", key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("can't get %s: %w", key, err)
	}
	return val, true, nil
}

// Set inserts or replaces the value for key
func (s *Sqlite) Set(key, val string) error {
	_, err := s.db.Exec("INSERT OR REPLACE INTO kv (key, val, updated_at) VALUES (?, ?, ?)",
		key, val, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("can't set %s: %w", key, err)
	}
	return nil
}

// Delete removes the key, no error if it doesn't exist
func (s *Sqlite) Delete(key string) error {
	if _, err := s.db.Exec("DELETE FROM kv WHERE key = ?", key); err != nil {
		return fmt.Errorf("can't delete %s: %w", key, err)
	}
	return nil
}

// Close closes the underlying database
func (s *Sqlite) Close() error {
	return s.db.Close()
}
