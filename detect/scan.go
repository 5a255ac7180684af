package detect

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"qharbor/sync-agent/manifest"
)

// Found is one dataset located by a scan.
type Found struct {
	Identifier string // path relative to the scan root
	ModTime    float64
}

// DatasetModTime returns the newest modification time among the files of a
// dataset folder, in epoch seconds. Manifest artifacts and hidden files do
// not count.
func DatasetModTime(dir string) float64 {
	var newest float64
	filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		name := info.Name()
		if info.IsDir() {
			if strings.HasPrefix(name, ".") && path != dir {
				return filepath.SkipDir
			}
			return nil
		}
		if name == manifest.FileName || name == manifest.DatasetInfoFile || strings.HasPrefix(name, ".") {
			return nil
		}
		if mt := float64(info.ModTime().UnixNano()) / float64(time.Second); mt > newest {
			newest = mt
		}
		return nil
	})
	return newest
}

// Scan walks the tree under root and reports every folder holding a dataset
// info file. Recursion stops at a dataset folder; datasets do not nest.
func Scan(ctx context.Context, root string, visit func(Found) error) error {
	var walk func(dir string) error
	walk = func(dir string) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		entries, err := os.ReadDir(dir)
		if err != nil {
			// Unreadable directories are skipped, not fatal: network
			// mounts drop permissions on individual folders.
			return nil
		}

		var subdirs []string
		for _, entry := range entries {
			if strings.HasPrefix(entry.Name(), ".") {
				continue
			}
			if entry.Name() == manifest.DatasetInfoFile {
				rel, err := filepath.Rel(root, dir)
				if err != nil {
					return err
				}
				return visit(Found{Identifier: filepath.ToSlash(rel), ModTime: DatasetModTime(dir)})
			}
			if entry.IsDir() {
				subdirs = append(subdirs, filepath.Join(dir, entry.Name()))
			}
		}
		for _, sub := range subdirs {
			if err := walk(sub); err != nil {
				return err
			}
		}
		return nil
	}
	return walk(root)
}

// QuickScan checks the siblings of the most recently modified known dataset
// for new arrivals. Instruments tend to write consecutive datasets into the
// same parent folder, so this finds new data long before a full scan of a
// slow mount comes around again.
func QuickScan(root string, reg *Registry, visit func(Found) error) error {
	newest, _, ok := reg.Newest()
	if !ok {
		return nil
	}

	parent := filepath.Dir(filepath.Join(root, filepath.FromSlash(newest)))
	entries, err := os.ReadDir(parent)
	if err != nil {
		return nil
	}

	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		dir := filepath.Join(parent, entry.Name())
		if _, err := os.Stat(filepath.Join(dir, manifest.DatasetInfoFile)); err != nil {
			continue
		}
		rel, err := filepath.Rel(root, dir)
		if err != nil {
			continue
		}
		if err := visit(Found{Identifier: filepath.ToSlash(rel), ModTime: DatasetModTime(dir)}); err != nil {
			return err
		}
	}
	return nil
}
