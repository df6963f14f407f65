package dataset

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

var shardRegexp = regexp.MustCompile(`^shard-[0-9]{6,}\.tar$`)

var defaultExtensions = []string{".jpg", ".jpeg", ".png"}

// DiscoverShards lists the shard-NNNNNN.tar files under root. Zero-padded
// indices make lexical order the shard order, so samples are read in the
// order they were written. Hidden directories are skipped.
func DiscoverShards(root string) ([]string, error) {
	var shards []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != root && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if shardRegexp.MatchString(d.Name()) {
			shards = append(shards, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("discover shards under %s: %w", root, err)
	}
	sort.Strings(shards)
	return shards, nil
}

// DiscoverImageFolder lists root/<class>/<image> files. Labels are the
// index of the class directory in sorted order.
func DiscoverImageFolder(root string, extensions []string) ([]Sample, []string, error) {
	if len(extensions) == 0 {
		extensions = defaultExtensions
	}
	allowed := make(map[string]bool, len(extensions))
	for _, ext := range extensions {
		allowed[strings.ToLower(ext)] = true
	}

	dirs, err := os.ReadDir(root)
	if err != nil {
		return nil, nil, fmt.Errorf("read dataset root: %w", err)
	}
	var classes []string
	for _, d := range dirs {
		if d.IsDir() {
			classes = append(classes, d.Name())
		}
	}
	sort.Strings(classes)

	var samples []Sample
	for label, class := range classes {
		classDir := filepath.Join(root, class)
		var files []string
		err := filepath.WalkDir(classDir, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if !d.IsDir() && allowed[strings.ToLower(filepath.Ext(path))] {
				files = append(files, path)
			}
			return nil
		})
		if err != nil {
			return nil, nil, fmt.Errorf("scan class %s: %w", class, err)
		}
		sort.Strings(files)
		for _, path := range files {
			rel, _ := filepath.Rel(root, path)
			samples = append(samples, Sample{Key: rel, Path: path, Label: label})
		}
	}
	return samples, classes, nil
}
