package api

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/google/uuid"
)

// Dataset is the server-side representation of a dataset.
type Dataset struct {
	ID          uuid.UUID         `json:"uuid"`
	AltID       string            `json:"alt_uid,omitempty"`
	Scope       uuid.UUID         `json:"scope_uuid"`
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	Creator     string            `json:"creator,omitempty"`
	Created     time.Time         `json:"created"`
	Keywords    []string          `json:"keywords,omitempty"`
	Attributes  map[string]string `json:"attributes,omitempty"`
	Ranking     int               `json:"ranking,omitempty"`
	Files       []File            `json:"files,omitempty"`
}

// FileStatus is the server-side upload state of a file version.
type FileStatus string

const (
	// FileStatusPending means no content has been secured yet.
	FileStatusPending FileStatus = "pending"
	// FileStatusSecured means content has been received and verified.
	FileStatusSecured FileStatus = "secured"
)

// File is a named file within a dataset, carrying all of its versions.
type File struct {
	ID       uuid.UUID     `json:"uuid"`
	Name     string        `json:"name"`
	Filename string        `json:"filename"`
	Type     string        `json:"type,omitempty"`
	Versions []FileVersion `json:"versions,omitempty"`
}

// FileVersion is one version of a file on the server.
type FileVersion struct {
	VersionID     int64      `json:"version_id"`
	Size          int64      `json:"size,omitempty"`
	MD5           string     `json:"md5,omitempty"`
	ContentDigest string     `json:"content_digest,omitempty"`
	Status        FileStatus `json:"status"`
	Immutable     bool       `json:"immutable"`
	Created       time.Time  `json:"created,omitempty"`
}

// DatasetUpdate carries the fields of a dataset update. Nil fields are left
// unchanged on the server.
type DatasetUpdate struct {
	Name        *string            `json:"name,omitempty"`
	AltID       *string            `json:"alt_uid,omitempty"`
	Description *string            `json:"description,omitempty"`
	Creator     *string            `json:"creator,omitempty"`
	Created     *time.Time         `json:"created,omitempty"`
	Keywords    *[]string          `json:"keywords,omitempty"`
	Attributes  *map[string]string `json:"attributes,omitempty"`
	Ranking     *int               `json:"ranking,omitempty"`
}

// FileCreate registers a file version on the server ahead of its upload.
type FileCreate struct {
	ID        uuid.UUID `json:"uuid"`
	Name      string    `json:"name"`
	Filename  string    `json:"filename"`
	Type      string    `json:"type,omitempty"`
	VersionID int64     `json:"version_id"`
	Generator string    `json:"file_generator,omitempty"`
}

// GetDataset reads a dataset by its primary id. Returns ErrNotFound when the
// server does not know the dataset.
func (c *Client) GetDataset(ctx context.Context, id uuid.UUID) (*Dataset, error) {
	var ds Dataset
	err := c.request(ctx, "GET", "/api/v2/datasets/"+id.String(), nil, &ds)
	if err != nil {
		return nil, err
	}
	return &ds, nil
}

// GetDatasetByAltID reads a dataset by its alternative id within a scope.
func (c *Client) GetDatasetByAltID(ctx context.Context, altID string, scope uuid.UUID) (*Dataset, error) {
	path := fmt.Sprintf("/api/v2/datasets/by-alt-uid?alt_uid=%s&scope_uuid=%s",
		url.QueryEscape(altID), scope.String())
	var ds Dataset
	err := c.request(ctx, "GET", path, nil, &ds)
	if err != nil {
		return nil, err
	}
	return &ds, nil
}

// CreateDataset creates a dataset on the server.
func (c *Client) CreateDataset(ctx context.Context, ds *Dataset) error {
	return c.request(ctx, "POST", "/api/v2/datasets", ds, nil)
}

// UpdateDataset applies a partial update to a dataset.
func (c *Client) UpdateDataset(ctx context.Context, id uuid.UUID, update *DatasetUpdate) error {
	return c.request(ctx, "PATCH", "/api/v2/datasets/"+id.String(), update, nil)
}

// CreateFile registers a file version in a dataset.
func (c *Client) CreateFile(ctx context.Context, datasetID uuid.UUID, file *FileCreate) error {
	return c.request(ctx, "POST", "/api/v2/datasets/"+datasetID.String()+"/files", file, nil)
}

// UploadLink returns a presigned URL to upload a file version to.
func (c *Client) UploadLink(ctx context.Context, fileID uuid.UUID, versionID int64) (string, error) {
	path := fmt.Sprintf("/api/v2/files/%s/versions/%d/upload-link", fileID.String(), versionID)
	var resp struct {
		URL string `json:"url"`
	}
	if err := c.request(ctx, "GET", path, nil, &resp); err != nil {
		return "", err
	}
	return resp.URL, nil
}

// ValidateUpload asks the server to verify and secure an uploaded version.
// The checksum is the content digest when the file format supports one, the
// plain file checksum otherwise.
func (c *Client) ValidateUpload(ctx context.Context, fileID uuid.UUID, versionID int64, checksum string) error {
	path := fmt.Sprintf("/api/v2/files/%s/versions/%d/validate", fileID.String(), versionID)
	body := map[string]string{"checksum": checksum}
	return c.request(ctx, "POST", path, body, nil)
}

// MarkFileReplaced tells the server a secured version was re-uploaded with
// corrected content. Only mutable versions accept this.
func (c *Client) MarkFileReplaced(ctx context.Context, fileID uuid.UUID, versionID int64) error {
	path := fmt.Sprintf("/api/v2/files/%s/versions/%d/replace", fileID.String(), versionID)
	return c.request(ctx, "POST", path, nil, nil)
}
