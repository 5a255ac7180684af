package db

import (
	"errors"
	"testing"

	"github.com/google/uuid"
)

func TestCreateSource(t *testing.T) {
	d := openTestDB(t)

	scope := uuid.New()
	src, err := d.CreateSource("lab-pc", "folder", `{"root_directory":"/data"}`, scope, true)
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if src.Status != StatusSynchronizing {
		t.Errorf("status = %s, want %s", src.Status, StatusSynchronizing)
	}
	if src.DefaultScope != scope {
		t.Errorf("default scope = %s, want %s", src.DefaultScope, scope)
	}

	if _, err := d.CreateSource("lab-pc", "folder", `{}`, scope, true); !errors.Is(err, ErrSourceNameExists) {
		t.Errorf("duplicate name error = %v, want ErrSourceNameExists", err)
	}
	if _, err := d.CreateSource("other", "folder", `{}`, uuid.Nil, true); !errors.Is(err, ErrDefaultScopeRequired) {
		t.Errorf("missing scope error = %v, want ErrDefaultScopeRequired", err)
	}
	if _, err := d.CreateSource("multi-scope", "quantify", `{}`, uuid.Nil, false); err != nil {
		t.Errorf("multi-scope backend should not require a default scope: %v", err)
	}
}

func TestRenameSource(t *testing.T) {
	d := openTestDB(t)
	a := testSource(t, d)
	if _, err := d.CreateSource("other", "folder", `{}`, uuid.New(), true); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	if err := d.RenameSource(a.ID, "other"); !errors.Is(err, ErrSourceNameExists) {
		t.Errorf("rename onto taken name = %v, want ErrSourceNameExists", err)
	}
	if err := d.RenameSource(a.ID, "renamed"); err != nil {
		t.Fatalf("rename failed: %v", err)
	}
	got, err := d.GetSource(a.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.Name != "renamed" {
		t.Errorf("name = %s, want renamed", got.Name)
	}

	if err := d.RenameSource(9999, "nope"); !errors.Is(err, ErrSourceNotFound) {
		t.Errorf("rename of missing source = %v, want ErrSourceNotFound", err)
	}
}

func TestSetDefaultScopeResetsItems(t *testing.T) {
	d := openTestDB(t)
	src := testSource(t, d)

	if err := d.EnqueueItems(src.ID, []NewItem{{DataIdentifier: "run-1", Priority: 1}}); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	item, _ := d.NextDue(src.ID, 0)
	if err := d.MarkSynchronized(item.ID); err != nil {
		t.Fatalf("mark synchronized failed: %v", err)
	}

	// Same scope is a no-op.
	if err := d.SetDefaultScope(src.ID, src.DefaultScope); err != nil {
		t.Fatalf("no-op scope change failed: %v", err)
	}
	got, _ := d.GetItem(item.ID)
	if !got.Synchronized {
		t.Fatalf("no-op scope change reset the item")
	}

	if err := d.SetDefaultScope(src.ID, uuid.New()); err != nil {
		t.Fatalf("scope change failed: %v", err)
	}
	got, _ = d.GetItem(item.ID)
	if got.Synchronized || got.Attempts != 0 {
		t.Errorf("item not reset: synchronized=%v attempts=%d", got.Synchronized, got.Attempts)
	}
}

func TestRefreshSourceStatistics(t *testing.T) {
	d := openTestDB(t)
	src := testSource(t, d)

	if err := d.EnqueueItems(src.ID, []NewItem{
		{DataIdentifier: "done", Priority: 3},
		{DataIdentifier: "failing", Priority: 2},
		{DataIdentifier: "waiting", Priority: 1},
	}); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	item, _ := d.NextDue(src.ID, 0)
	if err := d.MarkSynchronized(item.ID); err != nil {
		t.Fatalf("mark synchronized failed: %v", err)
	}
	item, _ = d.NextDue(src.ID, 0)
	if err := d.MarkFailed(item.ID, "boom", ""); err != nil {
		t.Fatalf("mark failed failed: %v", err)
	}

	if err := d.RefreshSourceStatistics(src.ID); err != nil {
		t.Fatalf("refresh failed: %v", err)
	}
	got, err := d.GetSource(src.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.ItemsTotal != 3 || got.ItemsSynchronized != 1 || got.ItemsFailed != 1 {
		t.Errorf("counters = %d/%d/%d, want 3/1/1", got.ItemsTotal, got.ItemsSynchronized, got.ItemsFailed)
	}
}

func TestDeleteSource(t *testing.T) {
	d := openTestDB(t)
	src := testSource(t, d)

	if err := d.EnqueueItems(src.ID, []NewItem{{DataIdentifier: "run-1", Priority: 1}}); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	if err := d.AddSourceError(src.ID, 1, "boom", "", ""); err != nil {
		t.Fatalf("add error failed: %v", err)
	}

	if err := d.DeleteSource(src.ID); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if _, err := d.GetSource(src.ID); !errors.Is(err, ErrSourceNotFound) {
		t.Errorf("get after delete = %v, want ErrSourceNotFound", err)
	}
	manifest, err := d.ReadManifest(src.ID)
	if err != nil {
		t.Fatalf("read manifest failed: %v", err)
	}
	if len(manifest) != 0 {
		t.Errorf("items survived source deletion: %v", manifest)
	}

	if err := d.DeleteSource(src.ID); !errors.Is(err, ErrSourceNotFound) {
		t.Errorf("double delete = %v, want ErrSourceNotFound", err)
	}
}

func TestConsecutiveErrorCount(t *testing.T) {
	tests := []struct {
		name       string
		iterations []int64
		want       int
	}{
		{"no errors", nil, 0},
		{"single error", []int64{7}, 1},
		{"consecutive run", []int64{5, 6, 7}, 3},
		{"gap breaks the chain", []int64{3, 6, 7}, 2},
		{"repeated iteration breaks the chain", []int64{6, 6, 7}, 1},
		{"only newest run counts", []int64{1, 2, 5, 8, 9, 10}, 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := openTestDB(t)
			src := testSource(t, d)
			for _, it := range tt.iterations {
				if err := d.AddSourceError(src.ID, it, "boom", "", ""); err != nil {
					t.Fatalf("add error failed: %v", err)
				}
			}
			got, err := d.ConsecutiveErrorCount(src.ID, 10)
			if err != nil {
				t.Fatalf("count failed: %v", err)
			}
			if got != tt.want {
				t.Errorf("count = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestScopeMappings(t *testing.T) {
	d := openTestDB(t)
	src := testSource(t, d)

	if _, found, err := d.GetScopeMapping(src.ID, "setup-a"); err != nil || found {
		t.Fatalf("unexpected mapping: found=%v err=%v", found, err)
	}

	first := uuid.New()
	if err := d.UpsertScopeMapping(src.ID, "setup-a", first); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
	got, found, err := d.GetScopeMapping(src.ID, "setup-a")
	if err != nil || !found || got != first {
		t.Fatalf("mapping = %s found=%v err=%v, want %s", got, found, err, first)
	}

	second := uuid.New()
	if err := d.UpsertScopeMapping(src.ID, "setup-a", second); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
	got, _, _ = d.GetScopeMapping(src.ID, "setup-a")
	if got != second {
		t.Errorf("mapping = %s, want %s after upsert", got, second)
	}
}

func TestAgentStatus(t *testing.T) {
	d := openTestDB(t)

	status, err := d.Status()
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	if !status.Syncing {
		t.Errorf("sync switch should default to on")
	}

	if err := d.SetSyncing(false); err != nil {
		t.Fatalf("set syncing failed: %v", err)
	}
	status, _ = d.Status()
	if status.Syncing {
		t.Errorf("sync switch still on after disable")
	}

	before := status.Iteration
	next, err := d.NextIteration()
	if err != nil {
		t.Fatalf("next iteration failed: %v", err)
	}
	if next != before+1 {
		t.Errorf("iteration = %d, want %d", next, before+1)
	}
}
