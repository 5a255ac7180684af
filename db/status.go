package db

import (
	"database/sql"
	"time"
)

// AgentStatus is the process-wide synchronization switch plus the global
// iteration counter. It lives in a single row.
type AgentStatus struct {
	Syncing    bool
	Iteration  int64
	LastUpdate time.Time
}

// Status reads the process-wide status row.
func (d *Database) Status() (*AgentStatus, error) {
	var s AgentStatus
	var lastUpdate sql.NullTime
	err := d.db.QueryRow(`SELECT syncing, sync_iteration, last_update FROM sync_status WHERE id = 1`).
		Scan(&s.Syncing, &s.Iteration, &lastUpdate)
	if err != nil {
		return nil, err
	}
	if lastUpdate.Valid {
		s.LastUpdate = lastUpdate.Time
	}
	return &s, nil
}

// SetSyncing flips the process-wide synchronization switch.
func (d *Database) SetSyncing(enabled bool) error {
	_, err := d.db.Exec(`UPDATE sync_status SET syncing = ?, last_update = CURRENT_TIMESTAMP WHERE id = 1`, enabled)
	return err
}

// NextIteration increments the global iteration counter and returns the new
// value. Every pass of the outer sync loop gets a fresh number; source error
// records reference it to detect consecutive failures.
func (d *Database) NextIteration() (int64, error) {
	tx, err := d.db.Begin()
	if err != nil {
		return 0, err
	}
	if _, err := tx.Exec(`UPDATE sync_status SET sync_iteration = sync_iteration + 1, last_update = CURRENT_TIMESTAMP WHERE id = 1`); err != nil {
		tx.Rollback()
		return 0, err
	}
	var iteration int64
	if err := tx.QueryRow(`SELECT sync_iteration FROM sync_status WHERE id = 1`).Scan(&iteration); err != nil {
		tx.Rollback()
		return 0, err
	}
	return iteration, tx.Commit()
}
