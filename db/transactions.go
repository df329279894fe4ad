package db

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/thatsimonsguy/instrument-controller/internal/model"
)

// StartTransaction starts a new database transaction.
func StartTransaction(db *sql.DB) (*sql.Tx, error) {
	tx, err := db.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to start transaction: %w", err)
	}
	return tx, nil
}

// CommitTransaction commits the given transaction.
func CommitTransaction(tx *sql.Tx) error {
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// RollbackTransaction rolls back the given transaction.
func RollbackTransaction(tx *sql.Tx) {
	tx.Rollback()
}

// SaveSnapshot replaces everything stored for one device with st.
func SaveSnapshot(db *sql.DB, st model.DeviceStatus, at time.Time) error {
	tx, err := StartTransaction(db)
	if err != nil {
		return err
	}
	if err := SaveSnapshotWithTx(tx, st, at); err != nil {
		RollbackTransaction(tx)
		return err
	}
	return CommitTransaction(tx)
}

func SaveSnapshotWithTx(tx *sql.Tx, st model.DeviceStatus, at time.Time) error {
	_, err := tx.Exec(`INSERT OR REPLACE INTO devices (name, kind, state, power_state, last_error, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		st.Name, string(st.Kind), st.State, st.PowerState, st.LastError, at.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("upsert device %s: %w", st.Name, err)
	}

	for _, table := range []string{"outlets", "channels", "stages", "device_values"} {
		if _, err := tx.Exec(`DELETE FROM `+table+` WHERE device = ?`, st.Name); err != nil {
			return fmt.Errorf("clear %s for %s: %w", table, st.Name, err)
		}
	}

	for i, state := range st.Outlets {
		if _, err := tx.Exec(`INSERT INTO outlets (device, outlet, state) VALUES (?, ?, ?)`, st.Name, i, state); err != nil {
			return fmt.Errorf("insert outlet %d for %s: %w", i, st.Name, err)
		}
	}
	for _, ch := range sortedKeys(st.Channels) {
		if _, err := tx.Exec(`INSERT INTO channels (device, channel, state) VALUES (?, ?, ?)`, st.Name, ch, st.Channels[ch]); err != nil {
			return fmt.Errorf("insert channel %s for %s: %w", ch, st.Name, err)
		}
	}
	for i, s := range st.Stages {
		warnings := s.Warnings
		if warnings == nil {
			warnings = []string{}
		}
		_, err := tx.Exec(`INSERT INTO stages (device, name, position_idx, serial, address, position, busy, warnings) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			st.Name, s.Name, i, s.Serial, s.Address, s.Position, s.Busy, marshalJSON(warnings))
		if err != nil {
			return fmt.Errorf("insert stage %s for %s: %w", s.Name, st.Name, err)
		}
	}
	for _, key := range sortedKeys(st.Values) {
		if _, err := tx.Exec(`INSERT INTO device_values (device, key, value) VALUES (?, ?, ?)`, st.Name, key, st.Values[key]); err != nil {
			return fmt.Errorf("insert value %s for %s: %w", key, st.Name, err)
		}
	}
	return nil
}

func RecordTransition(db *sql.DB, device string, from, to model.LifecycleState, cause error, at time.Time) error {
	errText := ""
	if cause != nil {
		errText = cause.Error()
	}
	_, err := db.Exec(`INSERT INTO transitions (device, from_state, to_state, error, at) VALUES (?, ?, ?, ?, ?)`,
		device, from.String(), to.String(), errText, at.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("record transition for %s: %w", device, err)
	}
	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func marshalJSON(v interface{}) string {
	b, _ := json.Marshal(v)
	return string(b)
}
