package db

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"
)

const schema = `
CREATE TABLE IF NOT EXISTS devices (
	name TEXT PRIMARY KEY,
	kind TEXT NOT NULL,
	state TEXT NOT NULL,
	power_state TEXT NOT NULL,
	last_error TEXT NOT NULL DEFAULT '',
	updated_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS outlets (
	device TEXT NOT NULL,
	outlet INTEGER NOT NULL,
	state TEXT NOT NULL,
	PRIMARY KEY (device, outlet)
);
CREATE TABLE IF NOT EXISTS channels (
	device TEXT NOT NULL,
	channel TEXT NOT NULL,
	state TEXT NOT NULL,
	PRIMARY KEY (device, channel)
);
CREATE TABLE IF NOT EXISTS stages (
	device TEXT NOT NULL,
	name TEXT NOT NULL,
	position_idx INTEGER NOT NULL,
	serial TEXT NOT NULL,
	address INTEGER NOT NULL,
	position REAL NOT NULL,
	busy BOOLEAN NOT NULL,
	warnings TEXT NOT NULL DEFAULT '[]',
	PRIMARY KEY (device, name)
);
CREATE TABLE IF NOT EXISTS device_values (
	device TEXT NOT NULL,
	key TEXT NOT NULL,
	value REAL NOT NULL,
	PRIMARY KEY (device, key)
);
CREATE TABLE IF NOT EXISTS transitions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	device TEXT NOT NULL,
	from_state TEXT NOT NULL,
	to_state TEXT NOT NULL,
	error TEXT NOT NULL DEFAULT '',
	at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS transitions_device ON transitions (device, id);
`

// Open opens the snapshot database and applies the schema.
func Open(path string) (*sql.DB, error) {
	conn, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One writer; also keeps :memory: databases on a single connection.
	conn.SetMaxOpenConns(1)

	if err := ApplySchema(conn); err != nil {
		conn.Close()
		return nil, err
	}
	log.Debug().Str("path", path).Msg("Snapshot database ready")
	return conn, nil
}

func ApplySchema(conn *sql.DB) error {
	if _, err := conn.Exec(schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}
