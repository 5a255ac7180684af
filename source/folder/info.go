package folder

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"qharbor/sync-agent/manifest"
)

// datasetInfo is the parsed dataset info file that marks a folder as a
// dataset.
type datasetInfo struct {
	Name        string            `yaml:"dataset_name"`
	Description string            `yaml:"description"`
	Creator     string            `yaml:"creator"`
	Created     string            `yaml:"created"`
	Keywords    []string          `yaml:"keywords"`
	Attributes  map[string]string `yaml:"attributes"`
	Skip        []string          `yaml:"skip"`
	Converters  []string          `yaml:"converters"`
}

// loadInfo reads the dataset info file from a dataset folder.
func loadInfo(datasetDir string) (*datasetInfo, error) {
	path := filepath.Join(datasetDir, manifest.DatasetInfoFile)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("dataset info file not found: %w", err)
	}

	var info datasetInfo
	if err := yaml.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("failed to parse dataset info file: %w", err)
	}
	return &info, nil
}

// createdTime returns the dataset creation time: the timestamp declared in
// the info file when present and parseable, otherwise the earliest
// modification time among the dataset's files.
func (info *datasetInfo) createdTime(datasetDir string) time.Time {
	if info.Created != "" {
		if t, err := time.Parse("2006-01-02T15:04:05", info.Created); err == nil {
			return t
		}
	}
	return earliestModTime(datasetDir)
}

// earliestModTime finds the oldest file modification time in a dataset
// folder, skipping manifest artifacts and hidden files.
func earliestModTime(datasetDir string) time.Time {
	earliest := time.Now()
	filepath.Walk(datasetDir, func(path string, fi os.FileInfo, err error) error {
		if err != nil || fi.IsDir() {
			return nil
		}
		name := fi.Name()
		if name == manifest.DatasetInfoFile || name == manifest.FileName || strings.HasPrefix(name, ".") {
			return nil
		}
		if fi.ModTime().Before(earliest) {
			earliest = fi.ModTime()
		}
		return nil
	})
	return earliest
}

// skipped reports whether a file name matches one of the dataset's skip
// patterns.
func (info *datasetInfo) skipped(name string) bool {
	for _, pattern := range info.Skip {
		if matched, _ := filepath.Match(pattern, name); matched {
			return true
		}
	}
	return false
}
