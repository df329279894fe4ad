package db

import (
	"database/sql"

	"github.com/thatsimonsguy/instrument-controller/internal/model"
)

func DevicesCLI(dbPath string) ([]model.DeviceStatus, error) {
	conn, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	return GetAllDevices(conn)
}

func TransitionsCLI(dbPath, device string, limit int) ([]Transition, error) {
	conn, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	return GetTransitions(conn, device, limit)
}
