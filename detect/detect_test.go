package detect

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"qharbor/sync-agent/manifest"
)

func TestRegistryObserve(t *testing.T) {
	reg := NewRegistry(map[string]float64{"a/run-1": 100})

	tests := []struct {
		name       string
		identifier string
		modTime    float64
		want       bool
	}{
		{"unknown dataset", "a/run-2", 50, true},
		{"known, older sighting", "a/run-1", 90, false},
		{"known, same time", "a/run-1", 100, false},
		{"known, newer sighting", "a/run-1", 110, true},
		{"repeat of the newer sighting", "a/run-1", 110, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := reg.Observe(tt.identifier, tt.modTime); got != tt.want {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}

	if reg.Len() != 2 {
		t.Errorf("len = %d, want 2", reg.Len())
	}
}

func TestRegistryNewest(t *testing.T) {
	reg := NewRegistry(nil)
	if _, _, ok := reg.Newest(); ok {
		t.Errorf("empty registry reported a newest dataset")
	}

	reg.Observe("a/run-1", 100)
	reg.Observe("a/run-2", 300)
	reg.Observe("b/run-1", 200)

	id, mt, ok := reg.Newest()
	if !ok || id != "a/run-2" || mt != 300 {
		t.Errorf("newest = %s/%v/%v", id, mt, ok)
	}
}

// makeDataset creates a dataset folder with an info file and one data file.
func makeDataset(t *testing.T, root string, rel string) string {
	t.Helper()
	dir := filepath.Join(root, filepath.FromSlash(rel))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir failed: %v", err)
	}
	for name, content := range map[string]string{
		manifest.DatasetInfoFile: "dataset_name: " + filepath.Base(rel) + "\n",
		"data.hdf5":              "payload",
	} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
			t.Fatalf("write failed: %v", err)
		}
	}
	return dir
}

func TestScan(t *testing.T) {
	root := t.TempDir()
	makeDataset(t, root, "setup-a/run-1")
	makeDataset(t, root, "setup-a/run-2")
	makeDataset(t, root, "setup-b/2026/run-1")

	// Folders without an info file are traversed, not reported.
	if err := os.MkdirAll(filepath.Join(root, "setup-c/empty"), 0o755); err != nil {
		t.Fatalf("mkdir failed: %v", err)
	}
	// Hidden trees are skipped entirely.
	makeDataset(t, root, ".trash/run-1")

	var found []string
	err := Scan(context.Background(), root, func(f Found) error {
		found = append(found, f.Identifier)
		if f.ModTime <= 0 {
			t.Errorf("dataset %s has no modification time", f.Identifier)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("scan failed: %v", err)
	}

	sort.Strings(found)
	want := []string{"setup-a/run-1", "setup-a/run-2", "setup-b/2026/run-1"}
	if len(found) != len(want) {
		t.Fatalf("found %v, want %v", found, want)
	}
	for i := range want {
		if found[i] != want[i] {
			t.Errorf("found[%d] = %s, want %s", i, found[i], want[i])
		}
	}
}

func TestScanStopsAtDatasetFolder(t *testing.T) {
	root := t.TempDir()
	outer := makeDataset(t, root, "setup-a/run-1")
	// A nested info file below a dataset folder must not produce a second
	// dataset.
	if err := os.MkdirAll(filepath.Join(outer, "sub"), 0o755); err != nil {
		t.Fatalf("mkdir failed: %v", err)
	}
	if err := os.WriteFile(filepath.Join(outer, "sub", manifest.DatasetInfoFile), []byte("x"), 0o644); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	var found []string
	if err := Scan(context.Background(), root, func(f Found) error {
		found = append(found, f.Identifier)
		return nil
	}); err != nil {
		t.Fatalf("scan failed: %v", err)
	}
	if len(found) != 1 || found[0] != "setup-a/run-1" {
		t.Errorf("found %v, want the outer dataset only", found)
	}
}

func TestScanCancelled(t *testing.T) {
	root := t.TempDir()
	makeDataset(t, root, "run-1")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := Scan(ctx, root, func(Found) error { return nil }); err == nil {
		t.Errorf("expected context error")
	}
}

func TestDatasetModTimeIgnoresBookkeeping(t *testing.T) {
	root := t.TempDir()
	dir := makeDataset(t, root, "run-1")

	old := time.Now().Add(-24 * time.Hour)
	if err := os.Chtimes(filepath.Join(dir, "data.hdf5"), old, old); err != nil {
		t.Fatalf("chtimes failed: %v", err)
	}
	// Manifest and hidden files are newer but must not count.
	for _, name := range []string{manifest.FileName, ".hidden"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644); err != nil {
			t.Fatalf("write failed: %v", err)
		}
	}
	if err := os.Chtimes(filepath.Join(dir, manifest.DatasetInfoFile), old, old); err != nil {
		t.Fatalf("chtimes failed: %v", err)
	}

	got := DatasetModTime(dir)
	want := float64(old.UnixNano()) / float64(time.Second)
	if got > want+1 {
		t.Errorf("mod time %v includes bookkeeping files (want about %v)", got, want)
	}
}

func TestQuickScan(t *testing.T) {
	root := t.TempDir()
	makeDataset(t, root, "setup-a/run-1")
	reg := NewRegistry(nil)
	reg.Observe("setup-a/run-1", DatasetModTime(filepath.Join(root, "setup-a/run-1")))

	// A new sibling appears next to the newest known dataset.
	makeDataset(t, root, "setup-a/run-2")
	// A dataset in another parent is out of quick-scan reach.
	makeDataset(t, root, "setup-b/run-9")

	var found []string
	if err := QuickScan(root, reg, func(f Found) error {
		found = append(found, f.Identifier)
		return nil
	}); err != nil {
		t.Fatalf("quick scan failed: %v", err)
	}

	sort.Strings(found)
	want := []string{"setup-a/run-1", "setup-a/run-2"}
	if len(found) != len(want) || found[0] != want[0] || found[1] != want[1] {
		t.Errorf("found %v, want %v", found, want)
	}
}

func TestQuickScanEmptyRegistry(t *testing.T) {
	if err := QuickScan(t.TempDir(), NewRegistry(nil), func(Found) error {
		t.Errorf("visit called for empty registry")
		return nil
	}); err != nil {
		t.Fatalf("quick scan failed: %v", err)
	}
}
