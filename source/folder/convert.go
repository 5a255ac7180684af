package folder

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Converter turns a source file or container folder into a file the server
// can store. Converters are selected per dataset through the info file.
type Converter interface {
	Name() string
	Version() string
	InputType() string  // extension without the dot; matches files or container folders
	OutputType() string // extension of the converted file
	Convert(src, dst string) error
}

// ZipConverter packs a container folder (a chunked array store written as a
// directory tree) into a single zip archive. Entries are stored without
// compression; the content is typically already compressed chunk data.
type ZipConverter struct {
	Input string
}

func (z *ZipConverter) Name() string       { return z.Input + "_to_zip_converter" }
func (z *ZipConverter) Version() string    { return "1.0" }
func (z *ZipConverter) InputType() string  { return z.Input }
func (z *ZipConverter) OutputType() string { return "zip" }

// Convert writes src (a directory) into the zip archive at dst. Entry names
// are relative to src so logically identical stores produce identical
// archives.
func (z *ZipConverter) Convert(src, dst string) error {
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	zw := zip.NewWriter(out)
	err = filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() || strings.HasPrefix(info.Name(), ".") {
			return nil
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}

		w, err := zw.CreateHeader(&zip.FileHeader{
			Name:   filepath.ToSlash(rel),
			Method: zip.Store,
		})
		if err != nil {
			return err
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		_, err = io.Copy(w, f)
		f.Close()
		return err
	})
	if err != nil {
		zw.Close()
		return fmt.Errorf("failed to pack %s: %w", src, err)
	}
	return zw.Close()
}

// converterSet holds the converters available to a backend, keyed by name.
type converterSet struct {
	byName map[string]Converter
}

func newConverterSet(converters ...Converter) *converterSet {
	set := &converterSet{byName: make(map[string]Converter)}
	for _, c := range converters {
		set.byName[c.Name()] = c
	}
	return set
}

// resolve maps the converter names a dataset requested to converters keyed
// by input extension. Unknown names are returned so the run record can flag
// them.
func (s *converterSet) resolve(names []string) (map[string][]Converter, []string) {
	byInput := make(map[string][]Converter)
	var missing []string
	for _, name := range names {
		c, ok := s.byName[name]
		if !ok {
			missing = append(missing, name)
			continue
		}
		input := strings.ToLower(c.InputType())
		byInput[input] = append(byInput[input], c)
	}
	return byInput, missing
}

// convertedName derives the upload name of a converted file: the source
// name relative to the dataset with the converter's output extension.
func convertedName(relPath, outputExt string) string {
	ext := filepath.Ext(relPath)
	if ext != "" {
		return strings.TrimSuffix(relPath, ext) + "." + outputExt
	}
	return relPath + "." + outputExt
}
