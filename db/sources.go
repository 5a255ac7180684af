package db

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SourceStatus represents the synchronization state of a source.
type SourceStatus string

const (
	// StatusSynchronizing means the source still has unsynchronized items.
	StatusSynchronizing SourceStatus = "synchronizing"
	// StatusSynchronized means all items of the source are up to date.
	StatusSynchronized SourceStatus = "synchronized"
	// StatusError means the source failed on consecutive iterations.
	StatusError SourceStatus = "error"
	// StatusPaused means the source is excluded from the sync loop.
	StatusPaused SourceStatus = "paused"
)

// Source represents a configured data source.
type Source struct {
	ID                int64
	Name              string
	Type              string
	Status            SourceStatus
	Creator           string
	ItemsTotal        int64
	ItemsSynchronized int64
	ItemsFailed       int64
	ConfigData        string
	DefaultScope      uuid.UUID
	LastUpdate        time.Time
}

// SourceError is a recorded iteration failure for a source.
type SourceError struct {
	ID        int64
	SourceID  int64
	Iteration int64
	Message   string
	Context   string
	Traceback string
	CreatedAt time.Time
}

// CreateSource registers a new source. The name must be unique. Config
// validation and the single-scope requirement are checked by the caller
// against the backend registry; requireScope enforces that a default scope
// is present.
func (d *Database) CreateSource(name, sourceType, configData string, defaultScope uuid.UUID, requireScope bool) (*Source, error) {
	if requireScope && defaultScope == uuid.Nil {
		return nil, ErrDefaultScopeRequired
	}

	var exists int
	if err := d.db.QueryRow(`SELECT COUNT(*) FROM sync_sources WHERE name = ?`, name).Scan(&exists); err != nil {
		return nil, err
	}
	if exists > 0 {
		return nil, fmt.Errorf("%w: %s", ErrSourceNameExists, name)
	}

	var scope interface{}
	if defaultScope != uuid.Nil {
		scope = defaultScope.String()
	}
	res, err := d.db.Exec(`INSERT INTO sync_sources (name, type, status, config_data, default_scope)
		VALUES (?, ?, ?, ?, ?)`, name, sourceType, string(StatusSynchronizing), configData, scope)
	if err != nil {
		return nil, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return d.GetSource(id)
}

// GetSource retrieves a source by id.
func (d *Database) GetSource(sourceID int64) (*Source, error) {
	row := d.db.QueryRow(sourceColumns+` FROM sync_sources WHERE id = ?`, sourceID)
	source, err := scanSource(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: id %d", ErrSourceNotFound, sourceID)
	}
	return source, err
}

// ListSources lists all configured sources.
func (d *Database) ListSources() ([]Source, error) {
	rows, err := d.db.Query(sourceColumns + ` FROM sync_sources ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sources []Source
	for rows.Next() {
		source, err := scanSource(rows)
		if err != nil {
			return nil, err
		}
		sources = append(sources, *source)
	}
	return sources, rows.Err()
}

// RenameSource changes the name of a source. The new name must be unique.
func (d *Database) RenameSource(sourceID int64, name string) error {
	var taken int
	err := d.db.QueryRow(`SELECT COUNT(*) FROM sync_sources WHERE name = ? AND id != ?`, name, sourceID).Scan(&taken)
	if err != nil {
		return err
	}
	if taken > 0 {
		return fmt.Errorf("%w: %s", ErrSourceNameExists, name)
	}
	return d.touchSource(sourceID, `UPDATE sync_sources SET name = ?, last_update = CURRENT_TIMESTAMP WHERE id = ?`, name, sourceID)
}

// SetSourceStatus updates the status of a source.
func (d *Database) SetSourceStatus(sourceID int64, status SourceStatus) error {
	return d.touchSource(sourceID, `UPDATE sync_sources SET status = ?, last_update = CURRENT_TIMESTAMP WHERE id = ?`,
		string(status), sourceID)
}

// SetSourceConfig replaces the configuration of a source. Validation against
// the backend schema happens in the caller.
func (d *Database) SetSourceConfig(sourceID int64, configData string) error {
	return d.touchSource(sourceID, `UPDATE sync_sources SET config_data = ?, last_update = CURRENT_TIMESTAMP WHERE id = ?`,
		configData, sourceID)
}

// SetDefaultScope changes the default scope of a source. All items of the
// source are reset to unsynchronized with zero attempts so they are
// reconciled again under the new scope.
func (d *Database) SetDefaultScope(sourceID int64, scope uuid.UUID) error {
	source, err := d.GetSource(sourceID)
	if err != nil {
		return err
	}
	if source.DefaultScope == scope {
		return nil
	}

	tx, err := d.db.Begin()
	if err != nil {
		return err
	}
	if _, err := tx.Exec(`UPDATE sync_sources SET default_scope = ?, last_update = CURRENT_TIMESTAMP WHERE id = ?`,
		scope.String(), sourceID); err != nil {
		tx.Rollback()
		return err
	}
	if _, err := tx.Exec(`UPDATE sync_items SET synchronized = 0, attempts = 0 WHERE sync_source_id = ?`,
		sourceID); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// RefreshSourceStatistics recomputes the item counters of a source from the
// queue. Failed counts items that are unsynchronized with at least one
// attempt.
func (d *Database) RefreshSourceStatistics(sourceID int64) error {
	query := `UPDATE sync_sources SET
			  items_total = (SELECT COUNT(*) FROM sync_items WHERE sync_source_id = ?),
			  items_synchronized = (SELECT COUNT(*) FROM sync_items WHERE sync_source_id = ? AND synchronized = 1),
			  items_failed = (SELECT COUNT(*) FROM sync_items WHERE sync_source_id = ? AND synchronized = 0 AND attempts > 0),
			  last_update = CURRENT_TIMESTAMP
			  WHERE id = ?`
	return d.touchSource(sourceID, query, sourceID, sourceID, sourceID, sourceID)
}

// DeleteSource removes a source together with its items and error log.
func (d *Database) DeleteSource(sourceID int64) error {
	if _, err := d.GetSource(sourceID); err != nil {
		return err
	}

	tx, err := d.db.Begin()
	if err != nil {
		return err
	}
	for _, query := range []string{
		`DELETE FROM sync_items WHERE sync_source_id = ?`,
		`DELETE FROM sync_source_errors WHERE sync_source_id = ?`,
		`DELETE FROM sync_scope_mappings WHERE sync_source_id = ?`,
		`DELETE FROM sync_sources WHERE id = ?`,
	} {
		if _, err := tx.Exec(query, sourceID); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// AddSourceError records an iteration failure for a source.
func (d *Database) AddSourceError(sourceID, iteration int64, message, context, traceback string) error {
	_, err := d.db.Exec(`INSERT INTO sync_source_errors (sync_source_id, sync_iteration, message, context, traceback)
		VALUES (?, ?, ?, ?, ?)`, sourceID, iteration, message, context, traceback)
	return err
}

// ListSourceErrors returns recorded failures, newest first.
func (d *Database) ListSourceErrors(sourceID int64, offset, limit int) ([]SourceError, error) {
	query := `SELECT id, sync_source_id, sync_iteration, message, context, traceback, created_at
			  FROM sync_source_errors WHERE sync_source_id = ?
			  ORDER BY id DESC LIMIT ? OFFSET ?`
	rows, err := d.db.Query(query, sourceID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var errs []SourceError
	for rows.Next() {
		var e SourceError
		var context, traceback sql.NullString
		if err := rows.Scan(&e.ID, &e.SourceID, &e.Iteration, &e.Message, &context, &traceback, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Context = context.String
		e.Traceback = traceback.String
		errs = append(errs, e)
	}
	return errs, rows.Err()
}

// ConsecutiveErrorCount counts how many of the most recent errors of a
// source happened on strictly consecutive sync iterations, up to max. An
// iteration that succeeded between two failures breaks the chain.
func (d *Database) ConsecutiveErrorCount(sourceID int64, max int) (int, error) {
	errs, err := d.ListSourceErrors(sourceID, 0, max)
	if err != nil {
		return 0, err
	}
	if len(errs) == 0 {
		return 0, nil
	}

	count := 1
	for i := 1; i < len(errs); i++ {
		if errs[i].Iteration != errs[i-1].Iteration-1 {
			break
		}
		count++
	}
	return count, nil
}

// PruneSourceErrors removes error log entries older than the given age.
func (d *Database) PruneSourceErrors(olderThan time.Duration) error {
	_, err := d.db.Exec(`DELETE FROM sync_source_errors WHERE created_at < datetime('now', '-' || ? || ' seconds')`,
		int(olderThan.Seconds()))
	return err
}

// UpsertScopeMapping maps a backend-local scope identifier to a scope id.
func (d *Database) UpsertScopeMapping(sourceID int64, scopeIdentifier string, scopeID uuid.UUID) error {
	query := `INSERT INTO sync_scope_mappings (sync_source_id, scope_identifier, scope_id)
			  VALUES (?, ?, ?)
			  ON CONFLICT(sync_source_id, scope_identifier) DO UPDATE SET scope_id = excluded.scope_id`
	_, err := d.db.Exec(query, sourceID, scopeIdentifier, scopeID.String())
	return err
}

// GetScopeMapping resolves a backend-local scope identifier.
func (d *Database) GetScopeMapping(sourceID int64, scopeIdentifier string) (uuid.UUID, bool, error) {
	var scope string
	err := d.db.QueryRow(`SELECT scope_id FROM sync_scope_mappings WHERE sync_source_id = ? AND scope_identifier = ?`,
		sourceID, scopeIdentifier).Scan(&scope)
	if err == sql.ErrNoRows {
		return uuid.Nil, false, nil
	}
	if err != nil {
		return uuid.Nil, false, err
	}
	id, err := uuid.Parse(scope)
	if err != nil {
		return uuid.Nil, false, err
	}
	return id, true, nil
}

const sourceColumns = `SELECT id, name, type, status, creator, items_total, items_synchronized,
	items_failed, config_data, default_scope, last_update`

func scanSource(row rowScanner) (*Source, error) {
	var s Source
	var status string
	var creator, defaultScope sql.NullString
	var lastUpdate sql.NullTime

	err := row.Scan(&s.ID, &s.Name, &s.Type, &status, &creator, &s.ItemsTotal,
		&s.ItemsSynchronized, &s.ItemsFailed, &s.ConfigData, &defaultScope, &lastUpdate)
	if err != nil {
		return nil, err
	}

	s.Status = SourceStatus(status)
	s.Creator = creator.String
	if defaultScope.Valid && defaultScope.String != "" {
		s.DefaultScope, err = uuid.Parse(defaultScope.String)
		if err != nil {
			return nil, fmt.Errorf("invalid default scope %q: %w", defaultScope.String, err)
		}
	}
	if lastUpdate.Valid {
		s.LastUpdate = lastUpdate.Time
	}
	return &s, nil
}

func (d *Database) touchSource(sourceID int64, query string, args ...interface{}) error {
	res, err := d.db.Exec(query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: id %d", ErrSourceNotFound, sourceID)
	}
	return nil
}
