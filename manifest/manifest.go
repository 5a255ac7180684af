// Package manifest reads and writes the per-dataset manifest artifact that
// file-tree backends leave next to the data. The artifact pins the dataset
// identity across agent reinstalls and carries the outcome of the last
// synchronization run.
package manifest

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"qharbor/sync-agent/record"
)

const (
	// Version is the current manifest format version.
	Version = 2

	// FileName is the manifest artifact written into each dataset folder.
	FileName = ".qh_manifest.yaml"

	// DatasetInfoFile marks a folder as a dataset and carries its metadata.
	DatasetInfoFile = "_qh_dataset_info.yaml"
)

// ErrIdentityConflict is returned when a dataset folder carries a manifest
// bound to a different dataset in the same scope and the binding cannot be
// corrected. Synchronization of the dataset must stop rather than split its
// files over two identities.
var ErrIdentityConflict = errors.New("dataset identity conflict")

// Manifest is the per-dataset artifact.
type Manifest struct {
	Version   int                           `yaml:"version"`
	DatasetID uuid.UUID                     `yaml:"dataset_uuid"`
	ScopeID   uuid.UUID                     `yaml:"scope_uuid"`
	SyncPath  string                        `yaml:"sync_path"`
	SyncTime  time.Time                     `yaml:"sync_time"`
	Files     map[string]*record.UploadInfo `yaml:"files"`
	Errors    []string                      `yaml:"errors,omitempty"`
	Logs      []string                      `yaml:"logs,omitempty"`
}

// Load reads the manifest from a dataset folder. Returns nil without error
// when no manifest exists yet.
func Load(datasetDir string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(datasetDir, FileName))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}
	if m.Files == nil {
		m.Files = make(map[string]*record.UploadInfo)
	}
	return &m, nil
}

// Write stores the manifest in a dataset folder. The write goes through a
// temp file so a crash never leaves a half-written manifest.
func (m *Manifest) Write(datasetDir string) error {
	m.Version = Version

	data, err := yaml.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to marshal manifest: %w", err)
	}

	path := filepath.Join(datasetDir, FileName)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write manifest: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace manifest: %w", err)
	}
	return nil
}

// FromRun builds a manifest from the flattened run record.
func FromRun(datasetID, scopeID uuid.UUID, syncPath string, flat *record.Flat) *Manifest {
	return &Manifest{
		Version:   Version,
		DatasetID: datasetID,
		ScopeID:   scopeID,
		SyncPath:  syncPath,
		SyncTime:  flat.SyncTime,
		Files:     flat.Files,
		Errors:    flat.Errors,
		Logs:      flat.Logs,
	}
}

// Rebinder corrects a sync item's dataset binding.
type Rebinder interface {
	RebindDatasetID(itemID int64, datasetID uuid.UUID) error
}

// CheckIdentity compares a stored manifest against the identity the queue
// assigned to a dataset folder. When the folder was already synchronized
// under a different dataset id in the same scope, the queue entry is
// corrected to the stored identity so files keep accumulating on one
// dataset. A failed correction is an identity conflict.
//
// Returns the dataset id to use (the stored one after a correction).
func CheckIdentity(m *Manifest, itemID int64, datasetID, scopeID uuid.UUID, rebind Rebinder) (uuid.UUID, error) {
	if m == nil || m.DatasetID == uuid.Nil {
		return datasetID, nil
	}
	if m.DatasetID == datasetID {
		return datasetID, nil
	}
	if m.ScopeID != scopeID {
		// A different scope means a genuinely different dataset binding;
		// leave the queue entry alone.
		return datasetID, nil
	}
	if err := rebind.RebindDatasetID(itemID, m.DatasetID); err != nil {
		return datasetID, fmt.Errorf("%w: folder bound to %s, queue holds %s: %v",
			ErrIdentityConflict, m.DatasetID, datasetID, err)
	}
	return m.DatasetID, nil
}
