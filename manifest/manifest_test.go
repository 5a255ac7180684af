package manifest

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"qharbor/sync-agent/record"
)

func TestLoadMissing(t *testing.T) {
	m, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if m != nil {
		t.Errorf("expected nil for a folder without a manifest")
	}
}

func TestWriteLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	m := &Manifest{
		DatasetID: uuid.New(),
		ScopeID:   uuid.New(),
		SyncPath:  "setup-a/measurement-42",
		SyncTime:  time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Files: map[string]*record.UploadInfo{
			"data.hdf5": {Filename: "data.hdf5", MD5: "m1", Size: 10, Status: record.UploadOK},
		},
		Errors: []string{"one file failed"},
	}
	if err := m.Write(dir); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	got, err := Load(dir)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if got == nil {
		t.Fatalf("manifest not found after write")
	}
	if got.Version != Version {
		t.Errorf("version = %d, want %d", got.Version, Version)
	}
	if got.DatasetID != m.DatasetID || got.ScopeID != m.ScopeID || got.SyncPath != m.SyncPath {
		t.Errorf("identity fields lost: %+v", got)
	}
	if !got.SyncTime.Equal(m.SyncTime) {
		t.Errorf("sync time = %s, want %s", got.SyncTime, m.SyncTime)
	}
	info, ok := got.Files["data.hdf5"]
	if !ok || info.MD5 != "m1" || info.Status != record.UploadOK {
		t.Errorf("file entry = %+v ok=%v", info, ok)
	}
	if len(got.Errors) != 1 {
		t.Errorf("errors = %v", got.Errors)
	}

	// No leftover temp file.
	if _, err := os.Stat(filepath.Join(dir, FileName+".tmp")); !os.IsNotExist(err) {
		t.Errorf("temp file left behind")
	}
}

func TestLoadCorrupt(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, FileName), []byte("{not yaml"), 0o644); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if _, err := Load(dir); err == nil {
		t.Errorf("expected parse error")
	}
}

func TestFromRun(t *testing.T) {
	r := record.New()
	u := r.UploadTask("a.json")
	u.Complete()
	r.AddLog("done")
	flat := r.Flatten()

	datasetID, scopeID := uuid.New(), uuid.New()
	m := FromRun(datasetID, scopeID, "measurement-42", flat)
	if m.DatasetID != datasetID || m.ScopeID != scopeID || m.SyncPath != "measurement-42" {
		t.Errorf("identity fields: %+v", m)
	}
	if len(m.Files) != 1 || len(m.Logs) != 1 {
		t.Errorf("run content not carried: files=%v logs=%v", m.Files, m.Logs)
	}
}

type recordingRebinder struct {
	itemID    int64
	datasetID uuid.UUID
	fail      error
}

func (r *recordingRebinder) RebindDatasetID(itemID int64, datasetID uuid.UUID) error {
	if r.fail != nil {
		return r.fail
	}
	r.itemID = itemID
	r.datasetID = datasetID
	return nil
}

func TestCheckIdentity(t *testing.T) {
	queueID := uuid.New()
	storedID := uuid.New()
	scope := uuid.New()

	t.Run("no manifest keeps queue identity", func(t *testing.T) {
		got, err := CheckIdentity(nil, 1, queueID, scope, &recordingRebinder{})
		if err != nil || got != queueID {
			t.Errorf("got %s, %v", got, err)
		}
	})

	t.Run("matching manifest keeps queue identity", func(t *testing.T) {
		m := &Manifest{DatasetID: queueID, ScopeID: scope}
		rb := &recordingRebinder{}
		got, err := CheckIdentity(m, 1, queueID, scope, rb)
		if err != nil || got != queueID {
			t.Errorf("got %s, %v", got, err)
		}
		if rb.datasetID != uuid.Nil {
			t.Errorf("unexpected rebind")
		}
	})

	t.Run("same scope rebinds to stored identity", func(t *testing.T) {
		m := &Manifest{DatasetID: storedID, ScopeID: scope}
		rb := &recordingRebinder{}
		got, err := CheckIdentity(m, 7, queueID, scope, rb)
		if err != nil {
			t.Fatalf("check failed: %v", err)
		}
		if got != storedID {
			t.Errorf("got %s, want stored %s", got, storedID)
		}
		if rb.itemID != 7 || rb.datasetID != storedID {
			t.Errorf("rebind = item %d -> %s", rb.itemID, rb.datasetID)
		}
	})

	t.Run("different scope leaves queue identity alone", func(t *testing.T) {
		m := &Manifest{DatasetID: storedID, ScopeID: uuid.New()}
		rb := &recordingRebinder{}
		got, err := CheckIdentity(m, 1, queueID, scope, rb)
		if err != nil || got != queueID {
			t.Errorf("got %s, %v", got, err)
		}
		if rb.datasetID != uuid.Nil {
			t.Errorf("rebind happened across scopes")
		}
	})

	t.Run("failed rebind is an identity conflict", func(t *testing.T) {
		m := &Manifest{DatasetID: storedID, ScopeID: scope}
		rb := &recordingRebinder{fail: errors.New("constraint violated")}
		_, err := CheckIdentity(m, 1, queueID, scope, rb)
		if !errors.Is(err, ErrIdentityConflict) {
			t.Errorf("err = %v, want ErrIdentityConflict", err)
		}
	})
}
