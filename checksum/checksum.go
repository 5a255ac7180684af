// Package checksum provides file checksums used to compare dataset file
// versions against the server.
package checksum

import (
	"archive/zip"
	"crypto/md5"
	"encoding/hex"
	"io"
	"os"
	"sort"
	"strings"
)

// MD5File computes the MD5 checksum of a file.
func MD5File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	return MD5Reader(f)
}

// MD5Reader computes the MD5 checksum of a reader.
func MD5Reader(r io.Reader) (string, error) {
	h := md5.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// MD5Bytes computes the MD5 checksum of bytes.
func MD5Bytes(data []byte) string {
	h := md5.Sum(data)
	return hex.EncodeToString(h[:])
}

// metadataEntry reports zip entries that carry container bookkeeping rather
// than dataset content. Entry attributes prefixed with the container
// bookkeeping marker are not part of the logical content either.
func metadataEntry(name string) bool {
	base := name
	if i := strings.LastIndex(name, "/"); i >= 0 {
		base = name[i+1:]
	}
	return base == "" || strings.HasPrefix(base, ".") || strings.HasPrefix(base, "__")
}

// ContainerDigest computes a content-aware checksum of a zip container.
// Entries are hashed in sorted name order, name followed by uncompressed
// bytes, so two containers holding the same logical content compare equal
// even when their archive metadata (entry order, timestamps, compression)
// differs. Returns ok=false when the file is not a zip container; the
// caller falls back to the plain file checksum.
func ContainerDigest(path string) (digest string, ok bool, err error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		if err == zip.ErrFormat {
			return "", false, nil
		}
		return "", false, err
	}
	defer zr.Close()

	entries := make([]*zip.File, 0, len(zr.File))
	for _, f := range zr.File {
		if f.FileInfo().IsDir() || metadataEntry(f.Name) {
			continue
		}
		entries = append(entries, f)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })

	h := md5.New()
	for _, f := range entries {
		io.WriteString(h, f.Name)
		rc, err := f.Open()
		if err != nil {
			return "", false, err
		}
		if _, err := io.Copy(h, rc); err != nil {
			rc.Close()
			return "", false, err
		}
		rc.Close()
	}
	return hex.EncodeToString(h.Sum(nil)), true, nil
}

// ContentDigest returns the content-aware checksum for a file when the
// format supports one, and the empty string otherwise.
func ContentDigest(path string) (string, error) {
	digest, ok, err := ContainerDigest(path)
	if err != nil || !ok {
		return "", err
	}
	return digest, nil
}
