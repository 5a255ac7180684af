package reconcile

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"qharbor/sync-agent/api"
	"qharbor/sync-agent/checksum"
	"qharbor/sync-agent/db"
	"qharbor/sync-agent/record"
)

// FileStore is the subset of the server API file synchronization needs.
type FileStore interface {
	GetDataset(ctx context.Context, id uuid.UUID) (*api.Dataset, error)
	CreateFile(ctx context.Context, datasetID uuid.UUID, file *api.FileCreate) error
	UploadLink(ctx context.Context, fileID uuid.UUID, versionID int64) (string, error)
	ValidateUpload(ctx context.Context, fileID uuid.UUID, versionID int64, checksum string) error
	MarkFileReplaced(ctx context.Context, fileID uuid.UUID, versionID int64) error
}

// BlobUploader pushes file content to a presigned URL.
type BlobUploader interface {
	Upload(ctx context.Context, presignedURL, path, md5 string) error
}

// FileInfo describes one file of a dataset to synchronize.
type FileInfo struct {
	Name      string // logical name within the dataset
	Filename  string
	Path      string // local path of the content
	Created   time.Time
	Type      string
	Generator string

	// Converter describes the conversion that produced this file, if any.
	Converter *record.ConverterInfo
}

// Files synchronizes dataset files against the server.
type Files struct {
	Store    FileStore
	Uploader BlobUploader
	Log      zerolog.Logger
}

// Sync brings one file of a dataset up to date on the server. The content
// is hashed, classified against every known version of the file, and lands
// on the version the decision picks. Already secured, identical content is
// left alone. The outcome is recorded on rec; localVersions carries the
// locally cached version state when live sync maintains one.
func (f *Files) Sync(ctx context.Context, item *db.SyncItem, info FileInfo, localVersions map[int64]*LocalVersion, rec *record.Record) error {
	upload := rec.UploadTask(info.Name)
	upload.Converter = info.Converter

	stat, err := os.Stat(info.Path)
	if err != nil {
		upload.Fail(err)
		return fmt.Errorf("failed to stat %s: %w", info.Path, err)
	}
	upload.Size = stat.Size()
	upload.ModTime = float64(stat.ModTime().UnixNano()) / float64(time.Second)

	if stat.Size() == 0 {
		f.Log.Warn().Str("file", info.Name).Msg("file is empty, skipping")
		rec.AddLog(fmt.Sprintf("file %s is empty, skipped", info.Name))
		upload.Complete()
		return nil
	}

	md5, err := checksum.MD5File(info.Path)
	if err != nil {
		upload.Fail(err)
		return fmt.Errorf("failed to hash %s: %w", info.Path, err)
	}
	digest, err := checksum.ContentDigest(info.Path)
	if err != nil {
		upload.Fail(err)
		return fmt.Errorf("failed to digest %s: %w", info.Path, err)
	}

	upload.MD5 = md5
	upload.ContentDigest = digest

	ds, err := f.Store.GetDataset(ctx, item.DatasetID)
	if err != nil && !errors.Is(err, api.ErrNotFound) {
		upload.Fail(err)
		return fmt.Errorf("failed to read dataset %s: %w", item.DatasetID, err)
	}

	var remoteFile *api.File
	if ds != nil {
		for i := range ds.Files {
			if ds.Files[i].Name == info.Name {
				remoteFile = &ds.Files[i]
				break
			}
		}
	}

	versions := collectVersionStatuses(remoteFile, localVersions, md5, digest)
	candidate := VersionID(info.Created)
	decision := Decide(versions, candidate, time.Now())

	if !decision.Upload {
		f.Log.Debug().Str("file", info.Name).Int64("version", decision.VersionID).Msg("file already secured")
		rec.AddLog(fmt.Sprintf("file %s already secured at version %d", info.Name, decision.VersionID))
		upload.Complete()
		return nil
	}

	fileID := uuid.New()
	if remoteFile != nil {
		fileID = remoteFile.ID
	}

	needsCreate := decision.CreateRemote || remoteFile == nil
	if needsCreate {
		create := &api.FileCreate{
			ID:        fileID,
			Name:      info.Name,
			Filename:  info.Filename,
			Type:      info.Type,
			VersionID: decision.VersionID,
			Generator: info.Generator,
		}
		if err := f.Store.CreateFile(ctx, item.DatasetID, create); err != nil {
			upload.Fail(err)
			return fmt.Errorf("failed to register file %s: %w", info.Name, err)
		}
	}

	link, err := f.Store.UploadLink(ctx, fileID, decision.VersionID)
	if err != nil {
		upload.Fail(err)
		return fmt.Errorf("failed to get upload link for %s: %w", info.Name, err)
	}

	if err := f.Uploader.Upload(ctx, link, info.Path, md5); err != nil {
		upload.Fail(err)
		return fmt.Errorf("failed to upload %s: %w", info.Name, err)
	}

	if decision.ReplaceRemote {
		if err := f.Store.MarkFileReplaced(ctx, fileID, decision.VersionID); err != nil {
			upload.Fail(err)
			return fmt.Errorf("failed to mark %s replaced: %w", info.Name, err)
		}
	}

	validateChecksum := digest
	if validateChecksum == "" {
		validateChecksum = md5
	}
	if err := f.Store.ValidateUpload(ctx, fileID, decision.VersionID, validateChecksum); err != nil {
		upload.Fail(err)
		return fmt.Errorf("failed to validate upload of %s: %w", info.Name, err)
	}

	upload.Complete()
	return nil
}

// collectVersionStatuses classifies every version known on either side.
func collectVersionStatuses(remoteFile *api.File, localVersions map[int64]*LocalVersion, md5, digest string) []VersionStatus {
	statuses := make(map[int64]*VersionStatus)

	if remoteFile != nil {
		for i := range remoteFile.Versions {
			v := &remoteFile.Versions[i]
			remote := &RemoteVersion{
				MD5:           v.MD5,
				ContentDigest: v.ContentDigest,
				Secured:       v.Status == api.FileStatusSecured,
				Immutable:     v.Immutable,
			}
			status, needsReplace := ClassifyRemote(remote, md5, digest)
			statuses[v.VersionID] = &VersionStatus{
				VersionID:     v.VersionID,
				Local:         StatusEmpty,
				Remote:        status,
				RemoteSecured: remote.Secured,
				NeedsReplace:  needsReplace,
			}
		}
	}

	for versionID, local := range localVersions {
		vs, ok := statuses[versionID]
		if !ok {
			vs = &VersionStatus{VersionID: versionID, Remote: StatusEmpty}
			statuses[versionID] = vs
		}
		vs.Local = ClassifyLocal(local, md5, digest)
	}

	result := make([]VersionStatus, 0, len(statuses))
	for _, vs := range statuses {
		result = append(result, *vs)
	}
	return result
}
