// Package folder implements the generic file-tree source backend. Any
// directory tree where dataset folders carry an info file can be
// synchronized with it.
package folder

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"qharbor/sync-agent/api"
	"qharbor/sync-agent/db"
	"qharbor/sync-agent/detect"
	"qharbor/sync-agent/manifest"
	"qharbor/sync-agent/reconcile"
	"qharbor/sync-agent/record"
)

// Type is the registry name of the folder backend.
const Type = "folder"

// containerExts lists directory suffixes treated as single logical files.
// Such folders are not walked file by file; a converter packs them instead.
var containerExts = []string{"zarr"}

// Config is the per-source configuration of the folder backend.
type Config struct {
	RootDirectory string `json:"root_directory"`
	// NetworkDrive selects the polling detector instead of filesystem
	// events; network mounts deliver none.
	NetworkDrive bool `json:"network_drive,omitempty"`
}

const configSchema = `{
	"type": "object",
	"required": ["root_directory"],
	"properties": {
		"root_directory": {"type": "string", "minLength": 1},
		"network_drive": {"type": "boolean"}
	},
	"additionalProperties": false
}`

// Backend synchronizes dataset folders from a directory tree.
type Backend struct {
	Datasets *reconcile.Datasets
	Files    *reconcile.Files
	Rebind   manifest.Rebinder
	Log      zerolog.Logger

	converters *converterSet
	scratchDir string
}

// New creates the folder backend. scratchDir holds converted files between
// conversion and upload.
func New(datasets *reconcile.Datasets, files *reconcile.Files, rebind manifest.Rebinder, scratchDir string, log zerolog.Logger) *Backend {
	return &Backend{
		Datasets:   datasets,
		Files:      files,
		Rebind:     rebind,
		Log:        log.With().Str("component", "folder-backend").Logger(),
		converters: newConverterSet(&ZipConverter{Input: "zarr"}),
		scratchDir: scratchDir,
	}
}

func (b *Backend) Type() string            { return Type }
func (b *Backend) ConfigSchema() string    { return configSchema }
func (b *Backend) MapToSingleScope() bool  { return true }
func (b *Backend) LiveSyncSupported() bool { return false }

func (b *Backend) parseConfig(cfg json.RawMessage) (*Config, error) {
	var c Config
	if err := json.Unmarshal(cfg, &c); err != nil {
		return nil, fmt.Errorf("invalid folder source config: %w", err)
	}
	if c.RootDirectory == "" {
		return nil, fmt.Errorf("folder source config missing root_directory")
	}
	return &c, nil
}

// RootPath returns the directory this source scans.
func (b *Backend) RootPath(cfg json.RawMessage) (string, error) {
	c, err := b.parseConfig(cfg)
	if err != nil {
		return "", err
	}
	return c.RootDirectory, nil
}

// Discover scans the tree for dataset folders that are new or have moved
// forward since the queue last saw them.
func (b *Backend) Discover(ctx context.Context, cfg json.RawMessage, known map[string]float64) ([]db.NewItem, error) {
	c, err := b.parseConfig(cfg)
	if err != nil {
		return nil, err
	}

	var items []db.NewItem
	err = detect.Scan(ctx, c.RootDirectory, func(found detect.Found) error {
		if last, ok := known[found.Identifier]; ok && found.ModTime <= last {
			return nil
		}
		items = append(items, db.NewItem{DataIdentifier: found.Identifier, Priority: found.ModTime})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return items, nil
}

// CheckLiveDataset reports false: folder datasets are synchronized once
// their files are on disk.
func (b *Backend) CheckLiveDataset(ctx context.Context, cfg json.RawMessage, item *db.SyncItem, maxPriority bool) (bool, error) {
	return false, nil
}

// SyncDataset synchronizes one dataset folder: identity first, then every
// file not excluded by the skip rules, converted files included. The
// manifest artifact in the folder is rewritten at the end regardless of the
// outcome, so the next run resumes from what actually happened.
func (b *Backend) SyncDataset(ctx context.Context, cfg json.RawMessage, item *db.SyncItem, rec *record.Record, live bool) error {
	c, err := b.parseConfig(cfg)
	if err != nil {
		return err
	}

	datasetDir, err := resolveDatasetDir(c.RootDirectory, item.DataIdentifier)
	if err != nil {
		return err
	}

	var info *datasetInfo
	var prev *manifest.Manifest
	err = rec.Task("read dataset info and manifest", func() error {
		var err error
		info, err = loadInfo(datasetDir)
		if err != nil {
			return err
		}
		prev, err = manifest.Load(datasetDir)
		return err
	})
	if err != nil {
		return err
	}

	// A folder that synchronized before under another identity keeps it.
	datasetID, err := manifest.CheckIdentity(prev, item.ID, item.DatasetID, item.ScopeID, b.Rebind)
	if err != nil {
		return err
	}
	item.DatasetID = datasetID

	err = rec.Task("create or update dataset", func() error {
		return b.Datasets.Reconcile(ctx, item, b.datasetInfoOf(info, datasetDir), live)
	})
	if err != nil {
		return err
	}

	syncErr := rec.Task("check files", func() error {
		return b.syncFiles(ctx, datasetDir, info, prev, item, rec)
	})

	flat := rec.Flatten()
	m := manifest.FromRun(item.DatasetID, item.ScopeID, datasetDir, flat)
	if err := m.Write(datasetDir); err != nil {
		b.Log.Warn().Err(err).Str("dataset", item.DataIdentifier).Msg("failed to write manifest artifact")
	}

	if syncErr != nil {
		return syncErr
	}
	if n := len(flat.Errors); n > 0 {
		return fmt.Errorf("%d files failed to synchronize", n)
	}
	return nil
}

func (b *Backend) datasetInfoOf(info *datasetInfo, datasetDir string) reconcile.DatasetInfo {
	name := info.Name
	if name == "" {
		name = filepath.Base(datasetDir)
	}
	description := info.Description
	if description == "" {
		description = fmt.Sprintf("Dataset %s from %s", name, Type)
	} else {
		description += fmt.Sprintf("\n\nDataset source path: %s", datasetDir)
	}

	return reconcile.DatasetInfo{
		Name:        name,
		Description: description,
		Creator:     info.Creator,
		Created:     info.createdTime(datasetDir),
		Keywords:    info.Keywords,
		Attributes:  info.Attributes,
	}
}

func (b *Backend) syncFiles(ctx context.Context, datasetDir string, info *datasetInfo, prev *manifest.Manifest, item *db.SyncItem, rec *record.Record) error {
	converters, missing := b.converters.resolve(info.Converters)
	for _, name := range missing {
		rec.AddError(fmt.Sprintf("unknown converter %q", name), nil, "")
	}

	return filepath.Walk(datasetDir, func(path string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		name := fi.Name()
		if fi.IsDir() {
			if path == datasetDir {
				return nil
			}
			if strings.HasPrefix(name, ".") {
				return filepath.SkipDir
			}
			if ext := containerExt(name); ext != "" {
				if err := b.syncContainer(ctx, datasetDir, path, ext, converters, item, rec); err != nil {
					return err
				}
				return filepath.SkipDir
			}
			return nil
		}

		if name == manifest.DatasetInfoFile || name == manifest.FileName || strings.HasPrefix(name, ".") {
			return nil
		}
		if info.skipped(name) {
			rec.AddLog(fmt.Sprintf("file %s skipped, as per the skip list", name))
			return nil
		}

		rel, err := filepath.Rel(datasetDir, path)
		if err != nil {
			return err
		}
		relName := filepath.ToSlash(rel)

		if uploadedBefore(prev, relName, fi) {
			rec.AddLog(fmt.Sprintf("file %s unchanged since last run", relName))
			return nil
		}

		finfo := reconcile.FileInfo{
			Name:     relName,
			Filename: name,
			Path:     path,
			Created:  fi.ModTime(),
			Type:     fileType(name),
		}
		if err := b.Files.Sync(ctx, item, finfo, nil, rec); err != nil {
			if api.IsConnectionError(err) {
				return err
			}
			b.Log.Warn().Err(err).Str("file", relName).Msg("file sync failed")
		}

		ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(name), "."))
		for _, conv := range converters[ext] {
			if err := b.syncConverted(ctx, datasetDir, path, relName, conv, item, rec); err != nil {
				return err
			}
		}
		return nil
	})
}

// syncContainer uploads a container folder through its converter.
func (b *Backend) syncContainer(ctx context.Context, datasetDir, containerDir, ext string, converters map[string][]Converter, item *db.SyncItem, rec *record.Record) error {
	convs, ok := converters[ext]
	if !ok {
		rec.AddLog(fmt.Sprintf("container folder %s has no converter, skipped", filepath.Base(containerDir)))
		return nil
	}
	rel, err := filepath.Rel(datasetDir, containerDir)
	if err != nil {
		return err
	}
	for _, conv := range convs {
		if err := b.syncConverted(ctx, datasetDir, containerDir, filepath.ToSlash(rel), conv, item, rec); err != nil {
			return err
		}
	}
	return nil
}

// syncConverted converts a source path and uploads the result.
func (b *Backend) syncConverted(ctx context.Context, datasetDir, srcPath, relName string, conv Converter, item *db.SyncItem, rec *record.Record) error {
	outName := convertedName(relName, conv.OutputType())

	scratch, err := os.MkdirTemp(b.scratchDir, "convert-")
	if err != nil {
		rec.AddError(fmt.Sprintf("failed to create scratch dir for %s", outName), err, "")
		return nil
	}
	defer os.RemoveAll(scratch)

	outPath := filepath.Join(scratch, filepath.Base(outName))
	start := time.Now()
	convErr := conv.Convert(srcPath, outPath)
	convInfo := &record.ConverterInfo{
		Name:     conv.Name(),
		Version:  conv.Version(),
		Duration: time.Since(start).Seconds(),
	}
	if convErr != nil {
		convInfo.Error = convErr.Error()
		upload := rec.UploadTask(outName)
		upload.Converter = convInfo
		upload.Fail(convErr)
		return nil
	}

	finfo := reconcile.FileInfo{
		Name:      outName,
		Filename:  filepath.Base(outName),
		Path:      outPath,
		Created:   time.Now(),
		Type:      fileType(outName),
		Generator: conv.Name(),
		Converter: convInfo,
	}
	if err := b.Files.Sync(ctx, item, finfo, nil, rec); err != nil {
		if api.IsConnectionError(err) {
			return err
		}
		b.Log.Warn().Err(err).Str("file", outName).Msg("converted file sync failed")
	}
	return nil
}

// uploadedBefore reports whether a previous run uploaded this file cleanly
// and the file has not changed since.
func uploadedBefore(prev *manifest.Manifest, relName string, fi os.FileInfo) bool {
	if prev == nil {
		return false
	}
	prior, ok := prev.Files[relName]
	if !ok || prior.Status != record.UploadOK {
		return false
	}
	modTime := float64(fi.ModTime().UnixNano()) / float64(time.Second)
	return prior.ModTime == modTime
}

// resolveDatasetDir joins the identifier onto the root and rejects
// identifiers that escape it.
func resolveDatasetDir(root, identifier string) (string, error) {
	dir := filepath.Join(root, filepath.FromSlash(identifier))
	cleanRoot := filepath.Clean(root)
	if dir != cleanRoot && !strings.HasPrefix(dir, cleanRoot+string(filepath.Separator)) {
		return "", fmt.Errorf("identifier %q escapes source root", identifier)
	}
	return dir, nil
}

func containerExt(name string) string {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(name), "."))
	for _, c := range containerExts {
		if ext == c {
			return ext
		}
	}
	return ""
}

// fileType classifies a file by extension for the server.
func fileType(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".json":
		return "json"
	case ".txt":
		return "text"
	case ".h5", ".hdf5", ".nc":
		return "hdf5"
	case ".zip":
		return "zip"
	default:
		return "unknown"
	}
}
