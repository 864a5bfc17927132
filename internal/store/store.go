// Package store persists per-nick and per-channel settings in SQLite.
// The core treats values as opaque scalars keyed by a case-folded
// identity; feature handlers decide what the values mean.
package store

import (
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/sopel-irc/gopel/internal/irc"
)

// ErrNotFound is returned when no value exists for the given identity
// and key.
var ErrNotFound = errors.New("store: value not found")

const schema = `
CREATE TABLE IF NOT EXISTS nick_values (
	nick  TEXT NOT NULL,
	key   TEXT NOT NULL,
	value TEXT NOT NULL,
	PRIMARY KEY (nick, key)
);
CREATE TABLE IF NOT EXISTS channel_values (
	channel TEXT NOT NULL,
	key     TEXT NOT NULL,
	value   TEXT NOT NULL,
	PRIMARY KEY (channel, key)
);
`

// DB is the settings store. Safe for concurrent use; database/sql
// serializes access to the underlying connection.
type DB struct {
	db *sql.DB
}

// Open creates or opens the store at path. ":memory:" yields an
// in-memory store, used by tests.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open settings db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create settings schema: %w", err)
	}
	return &DB{db: db}, nil
}

// Close releases the database handle.
func (d *DB) Close() error {
	return d.db.Close()
}

// GetNickValue fetches a per-nick setting.
func (d *DB) GetNickValue(nick, key string) (string, error) {
	return d.get("SELECT value FROM nick_values WHERE nick = ? AND key = ?",
		irc.CaseFold(nick), key)
}

// SetNickValue stores a per-nick setting, replacing any prior value.
func (d *DB) SetNickValue(nick, key, value string) error {
	return d.set(`INSERT INTO nick_values (nick, key, value) VALUES (?, ?, ?)
		ON CONFLICT (nick, key) DO UPDATE SET value = excluded.value`,
		irc.CaseFold(nick), key, value)
}

// DeleteNickValue removes a per-nick setting. Deleting an absent key
// is not an error.
func (d *DB) DeleteNickValue(nick, key string) error {
	return d.set("DELETE FROM nick_values WHERE nick = ? AND key = ?",
		irc.CaseFold(nick), key)
}

// GetChannelValue fetches a per-channel setting.
func (d *DB) GetChannelValue(channel, key string) (string, error) {
	return d.get("SELECT value FROM channel_values WHERE channel = ? AND key = ?",
		irc.CaseFold(channel), key)
}

// SetChannelValue stores a per-channel setting, replacing any prior
// value.
func (d *DB) SetChannelValue(channel, key, value string) error {
	return d.set(`INSERT INTO channel_values (channel, key, value) VALUES (?, ?, ?)
		ON CONFLICT (channel, key) DO UPDATE SET value = excluded.value`,
		irc.CaseFold(channel), key, value)
}

// DeleteChannelValue removes a per-channel setting.
func (d *DB) DeleteChannelValue(channel, key string) error {
	return d.set("DELETE FROM channel_values WHERE channel = ? AND key = ?",
		irc.CaseFold(channel), key)
}

func (d *DB) get(query string, args ...any) (string, error) {
	var value string
	err := d.db.QueryRow(query, args...).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("settings query failed: %w", err)
	}
	return value, nil
}

func (d *DB) set(query string, args ...any) error {
	if _, err := d.db.Exec(query, args...); err != nil {
		return fmt.Errorf("settings update failed: %w", err)
	}
	return nil
}
