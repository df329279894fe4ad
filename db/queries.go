package db

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/thatsimonsguy/instrument-controller/internal/model"
)

type Transition struct {
	Device string    `json:"device"`
	From   string    `json:"from"`
	To     string    `json:"to"`
	Error  string    `json:"error,omitempty"`
	At     time.Time `json:"at"`
}

// GetDevice retrieves the stored snapshot of one device.
func GetDevice(db *sql.DB, name string) (*model.DeviceStatus, error) {
	var st model.DeviceStatus
	var kind string
	err := db.QueryRow(`SELECT name, kind, state, power_state, last_error FROM devices WHERE name = ?`, name).
		Scan(&st.Name, &kind, &st.State, &st.PowerState, &st.LastError)
	if err != nil {
		return nil, fmt.Errorf("failed to get device %s: %w", name, err)
	}
	st.Kind = model.DeviceKind(kind)
	if err := fillDetails(db, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// GetAllDevices retrieves every stored snapshot sorted by name.
func GetAllDevices(db *sql.DB) ([]model.DeviceStatus, error) {
	rows, err := db.Query(`SELECT name FROM devices ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to query devices: %w", err)
	}
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan device: %w", err)
		}
		names = append(names, name)
	}
	rows.Close()

	out := make([]model.DeviceStatus, 0, len(names))
	for _, name := range names {
		st, err := GetDevice(db, name)
		if err != nil {
			return nil, err
		}
		out = append(out, *st)
	}
	return out, nil
}

func fillDetails(db *sql.DB, st *model.DeviceStatus) error {
	rows, err := db.Query(`SELECT state FROM outlets WHERE device = ? ORDER BY outlet`, st.Name)
	if err != nil {
		return fmt.Errorf("failed to query outlets for %s: %w", st.Name, err)
	}
	for rows.Next() {
		var state string
		if err := rows.Scan(&state); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan outlet: %w", err)
		}
		st.Outlets = append(st.Outlets, state)
	}
	rows.Close()

	rows, err = db.Query(`SELECT channel, state FROM channels WHERE device = ?`, st.Name)
	if err != nil {
		return fmt.Errorf("failed to query channels for %s: %w", st.Name, err)
	}
	for rows.Next() {
		var ch, state string
		if err := rows.Scan(&ch, &state); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan channel: %w", err)
		}
		if st.Channels == nil {
			st.Channels = make(map[string]string)
		}
		st.Channels[ch] = state
	}
	rows.Close()

	rows, err = db.Query(`SELECT name, serial, address, position, busy, warnings FROM stages WHERE device = ? ORDER BY position_idx`, st.Name)
	if err != nil {
		return fmt.Errorf("failed to query stages for %s: %w", st.Name, err)
	}
	for rows.Next() {
		var s model.StageStatus
		var warnings string
		if err := rows.Scan(&s.Name, &s.Serial, &s.Address, &s.Position, &s.Busy, &warnings); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan stage: %w", err)
		}
		json.Unmarshal([]byte(warnings), &s.Warnings)
		if len(s.Warnings) == 0 {
			s.Warnings = nil
		}
		st.Stages = append(st.Stages, s)
	}
	rows.Close()

	rows, err = db.Query(`SELECT key, value FROM device_values WHERE device = ?`, st.Name)
	if err != nil {
		return fmt.Errorf("failed to query values for %s: %w", st.Name, err)
	}
	defer rows.Close()
	for rows.Next() {
		var key string
		var v float64
		if err := rows.Scan(&key, &v); err != nil {
			return fmt.Errorf("failed to scan value: %w", err)
		}
		if st.Values == nil {
			st.Values = make(map[string]float64)
		}
		st.Values[key] = v
	}
	return rows.Err()
}

// GetTransitions returns the latest transitions of a device, newest first.
func GetTransitions(db *sql.DB, device string, limit int) ([]Transition, error) {
	rows, err := db.Query(`SELECT device, from_state, to_state, error, at FROM transitions WHERE device = ? ORDER BY id DESC LIMIT ?`, device, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query transitions for %s: %w", device, err)
	}
	defer rows.Close()

	var out []Transition
	for rows.Next() {
		var tr Transition
		var at string
		if err := rows.Scan(&tr.Device, &tr.From, &tr.To, &tr.Error, &at); err != nil {
			return nil, fmt.Errorf("failed to scan transition: %w", err)
		}
		tr.At, _ = time.Parse(time.RFC3339Nano, at)
		out = append(out, tr)
	}
	return out, rows.Err()
}
