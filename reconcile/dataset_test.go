package reconcile

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"qharbor/sync-agent/api"
	"qharbor/sync-agent/db"
)

// fakeStore is an in-memory DatasetStore recording the calls made to it.
type fakeStore struct {
	datasets map[uuid.UUID]*api.Dataset
	created  []*api.Dataset
	updates  map[uuid.UUID]*api.DatasetUpdate
	fail     error
}

func newFakeStore(datasets ...*api.Dataset) *fakeStore {
	s := &fakeStore{
		datasets: make(map[uuid.UUID]*api.Dataset),
		updates:  make(map[uuid.UUID]*api.DatasetUpdate),
	}
	for _, ds := range datasets {
		s.datasets[ds.ID] = ds
	}
	return s
}

func (s *fakeStore) GetDataset(ctx context.Context, id uuid.UUID) (*api.Dataset, error) {
	if s.fail != nil {
		return nil, s.fail
	}
	if ds, ok := s.datasets[id]; ok {
		return ds, nil
	}
	return nil, api.ErrNotFound
}

func (s *fakeStore) GetDatasetByAltID(ctx context.Context, altID string, scope uuid.UUID) (*api.Dataset, error) {
	if s.fail != nil {
		return nil, s.fail
	}
	for _, ds := range s.datasets {
		if ds.AltID == altID && ds.Scope == scope {
			return ds, nil
		}
	}
	return nil, api.ErrNotFound
}

func (s *fakeStore) CreateDataset(ctx context.Context, ds *api.Dataset) error {
	s.created = append(s.created, ds)
	s.datasets[ds.ID] = ds
	return nil
}

func (s *fakeStore) UpdateDataset(ctx context.Context, id uuid.UUID, update *api.DatasetUpdate) error {
	s.updates[id] = update
	return nil
}

// fakeBinder records dataset id rebinds.
type fakeBinder struct {
	rebinds map[int64]uuid.UUID
}

func newFakeBinder() *fakeBinder {
	return &fakeBinder{rebinds: make(map[int64]uuid.UUID)}
}

func (b *fakeBinder) RebindDatasetID(itemID int64, datasetID uuid.UUID) error {
	b.rebinds[itemID] = datasetID
	return nil
}

func testItem() *db.SyncItem {
	return &db.SyncItem{ID: 7, DatasetID: uuid.New(), ScopeID: uuid.New()}
}

func TestReconcileCreatesDataset(t *testing.T) {
	store := newFakeStore()
	binder := newFakeBinder()
	r := &Datasets{Remote: store, Items: binder, Log: zerolog.Nop()}
	item := testItem()
	info := DatasetInfo{
		Name:     "measurement 42",
		AltID:    "42",
		Scope:    item.ScopeID,
		Created:  time.Now(),
		Keywords: []string{"spin", "qubit"},
	}

	if err := r.Reconcile(context.Background(), item, info, false); err != nil {
		t.Fatalf("reconcile failed: %v", err)
	}
	if len(store.created) != 1 {
		t.Fatalf("created %d datasets, want 1", len(store.created))
	}
	ds := store.created[0]
	if ds.ID != item.DatasetID {
		t.Errorf("dataset created under %s, want item id %s", ds.ID, item.DatasetID)
	}
	if ds.Name != info.Name || ds.AltID != info.AltID || ds.Scope != info.Scope {
		t.Errorf("metadata not carried over: %+v", ds)
	}
	if len(binder.rebinds) != 0 {
		t.Errorf("unexpected rebind: %v", binder.rebinds)
	}
}

func TestReconcileRebindsOnAltID(t *testing.T) {
	item := testItem()
	existingID := uuid.New()
	store := newFakeStore(&api.Dataset{ID: existingID, AltID: "42", Scope: item.ScopeID, Name: "measurement 42"})
	binder := newFakeBinder()
	r := &Datasets{Remote: store, Items: binder, Log: zerolog.Nop()}

	info := DatasetInfo{Name: "measurement 42", AltID: "42", Scope: item.ScopeID}
	if err := r.Reconcile(context.Background(), item, info, false); err != nil {
		t.Fatalf("reconcile failed: %v", err)
	}

	if len(store.created) != 0 {
		t.Errorf("dataset created despite alt id hit")
	}
	if binder.rebinds[item.ID] != existingID {
		t.Errorf("rebind = %s, want %s", binder.rebinds[item.ID], existingID)
	}
	if item.DatasetID != existingID {
		t.Errorf("item not rebound in memory")
	}
}

func TestReconcileRebindsToLocalDatasetBeforeCreate(t *testing.T) {
	item := testItem()
	localID := uuid.New()
	remote := newFakeStore()
	local := newFakeStore(&api.Dataset{ID: localID, AltID: "42", Scope: item.ScopeID, Name: "measurement 42"})
	binder := newFakeBinder()
	r := &Datasets{Remote: remote, Local: local, Items: binder, Log: zerolog.Nop()}

	info := DatasetInfo{Name: "measurement 42", AltID: "42", Scope: item.ScopeID}
	if err := r.Reconcile(context.Background(), item, info, true); err != nil {
		t.Fatalf("reconcile failed: %v", err)
	}

	// The locally cached dataset claims the identity before anything is
	// created remotely.
	if len(remote.created) != 1 {
		t.Fatalf("created %d remote datasets, want 1", len(remote.created))
	}
	if remote.created[0].ID != localID {
		t.Errorf("remote dataset created under %s, want local dataset id %s", remote.created[0].ID, localID)
	}
	if binder.rebinds[item.ID] != localID {
		t.Errorf("rebind = %s, want persisted %s", binder.rebinds[item.ID], localID)
	}
	if item.DatasetID != localID {
		t.Errorf("item not rebound in memory")
	}
	if len(local.created) != 0 {
		t.Errorf("local dataset re-created: %v", local.created)
	}
}

func TestReconcileScopeMoveCreatesDuplicate(t *testing.T) {
	item := testItem()
	otherScope := uuid.New()
	store := newFakeStore(&api.Dataset{ID: uuid.New(), AltID: "42", Scope: otherScope})
	r := &Datasets{Remote: store, Items: newFakeBinder(), Log: zerolog.Nop()}

	info := DatasetInfo{Name: "measurement 42", AltID: "42", Scope: item.ScopeID}
	if err := r.Reconcile(context.Background(), item, info, false); err != nil {
		t.Fatalf("reconcile failed: %v", err)
	}
	if len(store.created) != 1 {
		t.Fatalf("expected a duplicate in the new scope, created %d", len(store.created))
	}
	if store.created[0].Scope != item.ScopeID {
		t.Errorf("duplicate landed in scope %s, want %s", store.created[0].Scope, item.ScopeID)
	}
}

func TestReconcileUpdatesChangedMetadata(t *testing.T) {
	item := testItem()
	store := newFakeStore(&api.Dataset{
		ID:       item.DatasetID,
		Name:     "old name",
		Keywords: []string{"spin"},
	})
	r := &Datasets{Remote: store, Items: newFakeBinder(), Log: zerolog.Nop()}

	info := DatasetInfo{Name: "new name", Keywords: []string{"spin", "qubit"}}
	if err := r.Reconcile(context.Background(), item, info, false); err != nil {
		t.Fatalf("reconcile failed: %v", err)
	}

	update := store.updates[item.DatasetID]
	if update == nil {
		t.Fatalf("no update issued")
	}
	if update.Name == nil || *update.Name != "new name" {
		t.Errorf("name not updated: %v", update.Name)
	}
	if update.Keywords == nil || len(*update.Keywords) != 2 {
		t.Errorf("keywords not updated: %v", update.Keywords)
	}
}

func TestReconcileSkipsUpdateWhenUnchanged(t *testing.T) {
	item := testItem()
	store := newFakeStore(&api.Dataset{
		ID:         item.DatasetID,
		Name:       "measurement 42",
		Keywords:   []string{"qubit", "spin"},
		Attributes: map[string]string{"setup": "fridge-1"},
	})
	r := &Datasets{Remote: store, Items: newFakeBinder(), Log: zerolog.Nop()}

	// Keyword order differs but the set is the same.
	info := DatasetInfo{
		Name:       "measurement 42",
		Keywords:   []string{"spin", "qubit"},
		Attributes: map[string]string{"setup": "fridge-1"},
	}
	if err := r.Reconcile(context.Background(), item, info, false); err != nil {
		t.Fatalf("reconcile failed: %v", err)
	}
	if len(store.updates) != 0 {
		t.Errorf("update issued for unchanged metadata: %v", store.updates)
	}
}

func TestReconcileLiveRunsBothStores(t *testing.T) {
	item := testItem()
	remote := newFakeStore()
	local := newFakeStore()
	r := &Datasets{Remote: remote, Local: local, Items: newFakeBinder(), Log: zerolog.Nop()}

	info := DatasetInfo{Name: "measurement 42", Scope: item.ScopeID}
	if err := r.Reconcile(context.Background(), item, info, true); err != nil {
		t.Fatalf("reconcile failed: %v", err)
	}
	if len(remote.created) != 1 || len(local.created) != 1 {
		t.Errorf("created remote=%d local=%d, want 1/1", len(remote.created), len(local.created))
	}
}

func TestReconcilePropagatesStoreErrors(t *testing.T) {
	item := testItem()
	store := newFakeStore()
	store.fail = &api.ConnectionError{Err: errors.New("connection refused")}
	r := &Datasets{Remote: store, Items: newFakeBinder(), Log: zerolog.Nop()}

	err := r.Reconcile(context.Background(), item, DatasetInfo{Name: "x"}, false)
	if err == nil {
		t.Fatalf("expected error")
	}
	if !api.IsConnectionError(err) {
		t.Errorf("connection error not preserved through wrapping: %v", err)
	}
}

func TestPrepareUpdate(t *testing.T) {
	existing := &api.Dataset{
		Name:        "name",
		Description: "desc",
		Keywords:    []string{"a"},
		Attributes:  map[string]string{"k1": "v1"},
		Ranking:     1,
	}

	tests := []struct {
		name string
		info DatasetInfo
		want func(t *testing.T, u *api.DatasetUpdate)
	}{
		{
			"identical metadata yields nil",
			DatasetInfo{Name: "name", Description: "desc", Keywords: []string{"a"},
				Attributes: map[string]string{"k1": "v1"}, Ranking: 1},
			func(t *testing.T, u *api.DatasetUpdate) {
				if u != nil {
					t.Errorf("update = %+v, want nil", u)
				}
			},
		},
		{
			"empty incoming name never clears the stored one",
			DatasetInfo{Name: "", Description: "desc", Keywords: []string{"a"},
				Attributes: map[string]string{"k1": "v1"}, Ranking: 1},
			func(t *testing.T, u *api.DatasetUpdate) {
				if u != nil {
					t.Errorf("update = %+v, want nil", u)
				}
			},
		},
		{
			"zero ranking never clears the stored one",
			DatasetInfo{Name: "name", Description: "desc", Keywords: []string{"a"},
				Attributes: map[string]string{"k1": "v1"}},
			func(t *testing.T, u *api.DatasetUpdate) {
				if u != nil {
					t.Errorf("update = %+v, want nil", u)
				}
			},
		},
		{
			"attributes merge keeps out-of-band keys",
			DatasetInfo{Name: "name", Description: "desc", Keywords: []string{"a"},
				Attributes: map[string]string{"k2": "v2"}, Ranking: 1},
			func(t *testing.T, u *api.DatasetUpdate) {
				if u == nil || u.Attributes == nil {
					t.Fatalf("expected attribute update, got %+v", u)
				}
				merged := *u.Attributes
				if merged["k1"] != "v1" || merged["k2"] != "v2" {
					t.Errorf("merged = %v, want both keys", merged)
				}
			},
		},
		{
			"incoming value wins on conflicting keys",
			DatasetInfo{Name: "name", Description: "desc", Keywords: []string{"a"},
				Attributes: map[string]string{"k1": "changed"}, Ranking: 1},
			func(t *testing.T, u *api.DatasetUpdate) {
				if u == nil || u.Attributes == nil {
					t.Fatalf("expected attribute update, got %+v", u)
				}
				if (*u.Attributes)["k1"] != "changed" {
					t.Errorf("merged = %v, want incoming value", *u.Attributes)
				}
			},
		},
		{
			"changed alternate id is carried",
			DatasetInfo{Name: "name", Description: "desc", AltID: "run-42",
				Keywords: []string{"a"}, Attributes: map[string]string{"k1": "v1"}, Ranking: 1},
			func(t *testing.T, u *api.DatasetUpdate) {
				if u == nil || u.AltID == nil || *u.AltID != "run-42" {
					t.Fatalf("expected alt id update, got %+v", u)
				}
			},
		},
		{
			"changed creator is carried",
			DatasetInfo{Name: "name", Description: "desc", Creator: "a.lab",
				Keywords: []string{"a"}, Attributes: map[string]string{"k1": "v1"}, Ranking: 1},
			func(t *testing.T, u *api.DatasetUpdate) {
				if u == nil || u.Creator == nil || *u.Creator != "a.lab" {
					t.Fatalf("expected creator update, got %+v", u)
				}
			},
		},
		{
			"changed collected time is carried",
			DatasetInfo{Name: "name", Description: "desc",
				Created:  time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
				Keywords: []string{"a"}, Attributes: map[string]string{"k1": "v1"}, Ranking: 1},
			func(t *testing.T, u *api.DatasetUpdate) {
				if u == nil || u.Created == nil {
					t.Fatalf("expected collected time update, got %+v", u)
				}
				if !u.Created.Equal(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)) {
					t.Errorf("created = %v", u.Created)
				}
			},
		},
		{
			"keyword set change is detected",
			DatasetInfo{Name: "name", Description: "desc", Keywords: []string{"a", "b"},
				Attributes: map[string]string{"k1": "v1"}, Ranking: 1},
			func(t *testing.T, u *api.DatasetUpdate) {
				if u == nil || u.Keywords == nil {
					t.Fatalf("expected keyword update, got %+v", u)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.want(t, prepareUpdate(existing, tt.info))
		})
	}
}
