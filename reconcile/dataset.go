package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"qharbor/sync-agent/api"
	"qharbor/sync-agent/db"
)

// DatasetStore is the subset of the server API the dataset reconciler
// needs. The live path runs the same reconciliation against the local cache
// server.
type DatasetStore interface {
	GetDataset(ctx context.Context, id uuid.UUID) (*api.Dataset, error)
	GetDatasetByAltID(ctx context.Context, altID string, scope uuid.UUID) (*api.Dataset, error)
	CreateDataset(ctx context.Context, ds *api.Dataset) error
	UpdateDataset(ctx context.Context, id uuid.UUID, update *api.DatasetUpdate) error
}

// ItemBinder persists dataset id rebinds discovered during reconciliation.
type ItemBinder interface {
	RebindDatasetID(itemID int64, datasetID uuid.UUID) error
}

// DatasetInfo is the identity and metadata a backend extracted for a
// dataset.
type DatasetInfo struct {
	Name        string
	AltID       string
	Scope       uuid.UUID
	Description string
	Creator     string
	Created     time.Time
	Keywords    []string
	Attributes  map[string]string
	Ranking     int
}

// Datasets reconciles dataset identity between a source and the server.
type Datasets struct {
	Remote DatasetStore
	Local  DatasetStore // nil unless live sync is configured
	Items  ItemBinder
	Log    zerolog.Logger
}

// Reconcile ensures the dataset an item points at exists on the server with
// current metadata. Lookup order: primary id, then alternative id within
// the item's scope, then the local store's alternative id before anything is
// created, so a dataset already cached locally keeps its identity remotely.
// Every hit off the primary id rebinds the item so later runs find the
// dataset directly. When nothing is found the dataset is created under the
// item's dataset id. In live mode the same pass runs against the local
// cache store afterwards.
//
// An alternative id lookup is scope-qualified; content that moved scopes is
// not found and a duplicate dataset is created in the new scope.
func (r *Datasets) Reconcile(ctx context.Context, item *db.SyncItem, info DatasetInfo, live bool) error {
	if err := r.reconcileStore(ctx, r.Remote, item, info, r.Local); err != nil {
		return err
	}
	if live && r.Local != nil {
		if err := r.reconcileStore(ctx, r.Local, item, info, nil); err != nil {
			return err
		}
	}
	return nil
}

func (r *Datasets) reconcileStore(ctx context.Context, store DatasetStore, item *db.SyncItem, info DatasetInfo, localFallback DatasetStore) error {
	ds, err := store.GetDataset(ctx, item.DatasetID)
	if err != nil && !errors.Is(err, api.ErrNotFound) {
		return fmt.Errorf("failed to read dataset %s: %w", item.DatasetID, err)
	}

	if ds == nil && info.AltID != "" {
		ds, err = store.GetDatasetByAltID(ctx, info.AltID, info.Scope)
		if err != nil && !errors.Is(err, api.ErrNotFound) {
			return fmt.Errorf("failed to read dataset by alt id %q: %w", info.AltID, err)
		}
		if ds != nil && ds.ID != item.DatasetID {
			if err := r.rebind(item, ds.ID, info.AltID, "rebinding item to existing dataset"); err != nil {
				return err
			}
		}
	}

	// Nothing found: a dataset already cached locally under the same
	// alternative id claims the identity, and the creation below reuses its
	// id.
	if ds == nil && localFallback != nil && info.AltID != "" {
		local, err := localFallback.GetDatasetByAltID(ctx, info.AltID, info.Scope)
		if err != nil && !errors.Is(err, api.ErrNotFound) {
			return fmt.Errorf("failed to read local dataset by alt id %q: %w", info.AltID, err)
		}
		if local != nil && local.ID != item.DatasetID {
			if err := r.rebind(item, local.ID, info.AltID, "rebinding item to locally cached dataset"); err != nil {
				return err
			}
		}
	}

	if ds == nil {
		created := &api.Dataset{
			ID:          item.DatasetID,
			AltID:       info.AltID,
			Scope:       info.Scope,
			Name:        info.Name,
			Description: info.Description,
			Creator:     info.Creator,
			Created:     info.Created,
			Keywords:    info.Keywords,
			Attributes:  info.Attributes,
			Ranking:     info.Ranking,
		}
		if err := store.CreateDataset(ctx, created); err != nil {
			return fmt.Errorf("failed to create dataset %s: %w", item.DatasetID, err)
		}
		return nil
	}

	update := prepareUpdate(ds, info)
	if update == nil {
		return nil
	}
	if err := store.UpdateDataset(ctx, ds.ID, update); err != nil {
		return fmt.Errorf("failed to update dataset %s: %w", ds.ID, err)
	}
	return nil
}

// rebind points the item at another dataset id, both in the queue and on the
// in-memory item.
func (r *Datasets) rebind(item *db.SyncItem, id uuid.UUID, altID, msg string) error {
	r.Log.Info().
		Str("dataset_id", id.String()).
		Str("alt_id", altID).
		Msg(msg)
	if err := r.Items.RebindDatasetID(item.ID, id); err != nil {
		return fmt.Errorf("failed to rebind dataset id: %w", err)
	}
	item.DatasetID = id
	return nil
}

// prepareUpdate diffs the stored dataset against the incoming metadata and
// returns the minimal update, or nil when nothing changed. Keywords compare
// as unordered sets. Attributes merge, the incoming value winning on
// conflicting keys, so attributes added out of band survive a sync.
func prepareUpdate(existing *api.Dataset, info DatasetInfo) *api.DatasetUpdate {
	update := &api.DatasetUpdate{}
	changed := false

	if info.Name != "" && info.Name != existing.Name {
		update.Name = &info.Name
		changed = true
	}
	if info.AltID != "" && info.AltID != existing.AltID {
		update.AltID = &info.AltID
		changed = true
	}
	if info.Description != "" && info.Description != existing.Description {
		update.Description = &info.Description
		changed = true
	}
	if info.Creator != "" && info.Creator != existing.Creator {
		update.Creator = &info.Creator
		changed = true
	}
	if !info.Created.IsZero() && !info.Created.Equal(existing.Created) {
		update.Created = &info.Created
		changed = true
	}
	if !keywordsEqual(existing.Keywords, info.Keywords) {
		keywords := append([]string(nil), info.Keywords...)
		update.Keywords = &keywords
		changed = true
	}
	if merged, grew := mergeAttributes(existing.Attributes, info.Attributes); grew {
		update.Attributes = &merged
		changed = true
	}
	if info.Ranking != 0 && info.Ranking != existing.Ranking {
		update.Ranking = &info.Ranking
		changed = true
	}

	if !changed {
		return nil
	}
	return update
}

func keywordsEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	as := append([]string(nil), a...)
	bs := append([]string(nil), b...)
	sort.Strings(as)
	sort.Strings(bs)
	for i := range as {
		if as[i] != bs[i] {
			return false
		}
	}
	return true
}

func mergeAttributes(existing, incoming map[string]string) (map[string]string, bool) {
	if len(incoming) == 0 {
		return nil, false
	}
	merged := make(map[string]string, len(existing)+len(incoming))
	for k, v := range existing {
		merged[k] = v
	}
	changed := false
	for k, v := range incoming {
		if old, ok := merged[k]; !ok || old != v {
			merged[k] = v
			changed = true
		}
	}
	return merged, changed
}
