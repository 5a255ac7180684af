package db

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SyncItem represents one dataset queued for synchronization.
type SyncItem struct {
	ID             int64
	SourceID       int64
	DataIdentifier string
	DatasetID      uuid.UUID
	ScopeID        uuid.UUID
	Priority       float64
	Synchronized   bool
	Attempts       int
	LastUpdate     time.Time
	Error          string
	Traceback      string
	Manifest       string
}

// NewItem describes a dataset to enqueue.
type NewItem struct {
	DataIdentifier string
	Priority       float64
	ScopeID        uuid.UUID
}

const enqueueBatchSize = 10000

// EnqueueItems upserts items into the work queue. New identifiers are
// inserted with a fresh dataset id and attempts 0. Re-submitting an
// existing identifier takes over the new priority and resets synchronized
// and attempts: the work reappeared, so it is picked up again. The dataset
// id of an existing row never changes.
func (d *Database) EnqueueItems(sourceID int64, items []NewItem) error {
	query := `INSERT INTO sync_items (sync_source_id, data_identifier, dataset_id, scope_id, priority)
			  VALUES (?, ?, ?, ?, ?)
			  ON CONFLICT(sync_source_id, data_identifier) DO UPDATE SET
			  priority = excluded.priority,
			  synchronized = 0,
			  attempts = 0,
			  last_update = CURRENT_TIMESTAMP`

	for start := 0; start < len(items); start += enqueueBatchSize {
		end := start + enqueueBatchSize
		if end > len(items) {
			end = len(items)
		}

		tx, err := d.db.Begin()
		if err != nil {
			return err
		}
		stmt, err := tx.Prepare(query)
		if err != nil {
			tx.Rollback()
			return err
		}
		for _, item := range items[start:end] {
			var scope interface{}
			if item.ScopeID != uuid.Nil {
				scope = item.ScopeID.String()
			}
			if _, err := stmt.Exec(sourceID, item.DataIdentifier, uuid.New().String(), scope, item.Priority); err != nil {
				stmt.Close()
				tx.Rollback()
				return fmt.Errorf("failed to enqueue %q: %w", item.DataIdentifier, err)
			}
		}
		stmt.Close()
		if err := tx.Commit(); err != nil {
			return err
		}
	}
	return nil
}

// retrySchedule maps the attempt count to the minimum time since the last
// update before the item becomes due again. Attempts of five or more share
// the one day interval.
const retryClause = `(
	(attempts = 1 AND last_update <= datetime('now', '-20 minutes')) OR
	(attempts = 2 AND last_update <= datetime('now', '-1 hours')) OR
	(attempts = 3 AND last_update <= datetime('now', '-2 hours')) OR
	(attempts = 4 AND last_update <= datetime('now', '-8 hours')) OR
	(attempts >= 5 AND last_update <= datetime('now', '-1 days'))
)`

// RetryDelay returns the backoff applied after the given number of attempts.
func RetryDelay(attempts int) time.Duration {
	switch {
	case attempts <= 0:
		return 0
	case attempts == 1:
		return 20 * time.Minute
	case attempts == 2:
		return time.Hour
	case attempts == 3:
		return 2 * time.Hour
	case attempts == 4:
		return 8 * time.Hour
	default:
		return 24 * time.Hour
	}
}

// NextDue returns the next item to synchronize for a source, or nil when
// nothing is due. Fresh items (attempts 0) win over retries and are served
// highest priority first. When no fresh item exists, retries that have
// cleared their backoff window are served lowest attempt count first,
// breaking ties on priority. The offset skips the first matches of whichever
// phase applies, so a caller can step past an item it wants to leave in
// place.
func (d *Database) NextDue(sourceID int64, offset int) (*SyncItem, error) {
	fresh := itemColumns + ` FROM sync_items
			 WHERE sync_source_id = ? AND synchronized = 0 AND attempts = 0
			 ORDER BY priority DESC, id ASC
			 LIMIT 1 OFFSET ?`
	item, err := d.queryItem(fresh, sourceID, offset)
	if err != nil || item != nil {
		return item, err
	}

	retry := itemColumns + ` FROM sync_items
			 WHERE sync_source_id = ? AND synchronized = 0 AND attempts > 0 AND ` + retryClause + `
			 ORDER BY attempts ASC, priority DESC, id ASC
			 LIMIT 1 OFFSET ?`
	return d.queryItem(retry, sourceID, offset)
}

// LastItem returns the item with the highest priority for a source,
// regardless of its synchronization state.
func (d *Database) LastItem(sourceID int64) (*SyncItem, error) {
	query := itemColumns + ` FROM sync_items
			 WHERE sync_source_id = ?
			 ORDER BY priority DESC, id ASC
			 LIMIT 1`
	return d.queryItem(query, sourceID)
}

// GetItem retrieves a sync item by id.
func (d *Database) GetItem(itemID int64) (*SyncItem, error) {
	item, err := d.queryItem(itemColumns+` FROM sync_items WHERE id = ?`, itemID)
	if err != nil {
		return nil, err
	}
	if item == nil {
		return nil, ErrItemNotFound
	}
	return item, nil
}

// MarkSynchronized marks an item as fully synchronized and clears any
// recorded failure.
func (d *Database) MarkSynchronized(itemID int64) error {
	query := `UPDATE sync_items SET synchronized = 1, error = NULL, traceback = NULL,
			  last_update = CURRENT_TIMESTAMP WHERE id = ?`
	_, err := d.db.Exec(query, itemID)
	return err
}

// MarkFailed records a failed attempt. The attempt counter increments and
// the last update timestamp restarts the backoff window.
func (d *Database) MarkFailed(itemID int64, errMsg, traceback string) error {
	query := `UPDATE sync_items SET synchronized = 0, attempts = attempts + 1,
			  error = ?, traceback = ?, last_update = CURRENT_TIMESTAMP WHERE id = ?`
	_, err := d.db.Exec(query, errMsg, traceback, itemID)
	return err
}

// RebindDatasetID points an item at an existing remote dataset. Used when
// identity reconciliation finds the dataset under an alternative id.
func (d *Database) RebindDatasetID(itemID int64, datasetID uuid.UUID) error {
	_, err := d.db.Exec(`UPDATE sync_items SET dataset_id = ? WHERE id = ?`, datasetID.String(), itemID)
	return err
}

// SetItemScope records the scope an item resolved to.
func (d *Database) SetItemScope(itemID int64, scopeID uuid.UUID) error {
	_, err := d.db.Exec(`UPDATE sync_items SET scope_id = ? WHERE id = ?`, scopeID.String(), itemID)
	return err
}

// SetItemManifest stores the serialized sync record for resumption.
func (d *Database) SetItemManifest(itemID int64, manifest string) error {
	_, err := d.db.Exec(`UPDATE sync_items SET manifest = ? WHERE id = ?`, manifest, itemID)
	return err
}

// UpdatePriority bumps the priority of a known identifier without resetting
// its state. Detectors use this to track modification times.
func (d *Database) UpdatePriority(sourceID int64, dataIdentifier string, priority float64) error {
	_, err := d.db.Exec(`UPDATE sync_items SET priority = ? WHERE sync_source_id = ? AND data_identifier = ?`,
		priority, sourceID, dataIdentifier)
	return err
}

// ReadManifest returns all known identifiers for a source mapped to their
// current priority. Detectors seed their view of the filesystem from this.
func (d *Database) ReadManifest(sourceID int64) (map[string]float64, error) {
	rows, err := d.db.Query(`SELECT data_identifier, priority FROM sync_items WHERE sync_source_id = ?`, sourceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	manifest := make(map[string]float64)
	for rows.Next() {
		var identifier string
		var priority float64
		if err := rows.Scan(&identifier, &priority); err != nil {
			return nil, err
		}
		manifest[identifier] = priority
	}
	return manifest, rows.Err()
}

// ListItems lists items for a source, most recently updated first.
func (d *Database) ListItems(sourceID int64, limit int) ([]SyncItem, error) {
	query := itemColumns + ` FROM sync_items WHERE sync_source_id = ?
			 ORDER BY last_update DESC LIMIT ?`
	rows, err := d.db.Query(query, sourceID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []SyncItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, *item)
	}
	return items, rows.Err()
}

const itemColumns = `SELECT id, sync_source_id, data_identifier, dataset_id, scope_id,
	priority, synchronized, attempts, last_update, error, traceback, manifest`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanItem(row rowScanner) (*SyncItem, error) {
	var item SyncItem
	var datasetID string
	var scopeID, errMsg, traceback, manifest sql.NullString
	var lastUpdate sql.NullTime

	err := row.Scan(&item.ID, &item.SourceID, &item.DataIdentifier, &datasetID, &scopeID,
		&item.Priority, &item.Synchronized, &item.Attempts, &lastUpdate,
		&errMsg, &traceback, &manifest)
	if err != nil {
		return nil, err
	}

	item.DatasetID, err = uuid.Parse(datasetID)
	if err != nil {
		return nil, fmt.Errorf("invalid dataset id %q: %w", datasetID, err)
	}
	if scopeID.Valid && scopeID.String != "" {
		item.ScopeID, err = uuid.Parse(scopeID.String)
		if err != nil {
			return nil, fmt.Errorf("invalid scope id %q: %w", scopeID.String, err)
		}
	}
	if lastUpdate.Valid {
		item.LastUpdate = lastUpdate.Time
	}
	item.Error = errMsg.String
	item.Traceback = traceback.String
	item.Manifest = manifest.String
	return &item, nil
}

func (d *Database) queryItem(query string, args ...interface{}) (*SyncItem, error) {
	row := d.db.QueryRow(query, args...)
	item, err := scanItem(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return item, nil
}
