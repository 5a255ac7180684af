// Package uploader pushes file content to presigned upload URLs and
// verifies the transfer end to end.
package uploader

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"qharbor/sync-agent/checksum"
)

// MaxTries is the number of upload attempts before giving up.
const MaxTries = 3

// Uploader uploads files to presigned URLs.
type Uploader struct {
	Log zerolog.Logger

	// Client is the HTTP client used for uploads. Its timeout is ignored;
	// a per-request deadline scaled to the file size applies instead.
	Client *http.Client
}

// New creates an uploader.
func New(log zerolog.Logger) *Uploader {
	return &Uploader{
		Log:    log.With().Str("component", "uploader").Logger(),
		Client: &http.Client{},
	}
}

// uploadTimeout scales the request deadline with the file size, roughly
// 100 kB/s, clamped between 10 seconds and 30 minutes.
func uploadTimeout(size int64) time.Duration {
	secs := size / 100_000
	if secs < 10 {
		secs = 10
	}
	if secs > 1800 {
		secs = 1800
	}
	return time.Duration(secs) * time.Second
}

// Upload PUTs the file at path to the presigned URL. The transfer is
// verified three ways: the Content-MD5 header lets the object store reject
// corrupt payloads, the returned ETag is compared against the checksum, and
// the local file is re-hashed afterwards to catch concurrent modification.
func (u *Uploader) Upload(ctx context.Context, presignedURL, path, md5hex string) error {
	var lastErr error
	for attempt := 1; attempt <= MaxTries; attempt++ {
		if err := u.uploadOnce(ctx, presignedURL, path, md5hex); err != nil {
			lastErr = err
			u.Log.Warn().Err(err).Int("attempt", attempt).Str("path", path).Msg("upload attempt failed")
			if ctx.Err() != nil {
				return ctx.Err()
			}
			continue
		}
		return nil
	}
	return fmt.Errorf("upload failed after %d attempts: %w", MaxTries, lastErr)
}

func (u *Uploader) uploadOnce(ctx context.Context, presignedURL, path, md5hex string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		return err
	}

	rawMD5, err := hex.DecodeString(md5hex)
	if err != nil {
		return fmt.Errorf("invalid md5 %q: %w", md5hex, err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, uploadTimeout(stat.Size()))
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPut, presignedURL, f)
	if err != nil {
		return err
	}
	req.ContentLength = stat.Size()
	req.Header.Set("Content-MD5", base64.StdEncoding.EncodeToString(rawMD5))
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := u.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("upload rejected with status %d", resp.StatusCode)
	}

	if etag := strings.Trim(resp.Header.Get("ETag"), `"`); etag != "" && etag != md5hex {
		return fmt.Errorf("etag mismatch: got %s, want %s", etag, md5hex)
	}

	// The file may have changed while it streamed out.
	current, err := checksum.MD5File(path)
	if err != nil {
		return fmt.Errorf("failed to re-hash %s: %w", path, err)
	}
	if current != md5hex {
		return fmt.Errorf("file changed during upload: checksum %s, expected %s", current, md5hex)
	}

	return nil
}
