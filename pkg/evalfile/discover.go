package evalfile

import (
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
)

// skipDirs are never descended into.
var skipDirs = map[string]struct{}{
	"node_modules": {},
	"vendor":       {},
}

// Discover returns the files under root whose base name matches pattern,
// sorted. Hidden directories are skipped.
func Discover(root, pattern string) ([]string, error) {
	if _, err := filepath.Match(pattern, ""); err != nil {
		return nil, fmt.Errorf("invalid eval file pattern %q: %w", pattern, err)
	}

	var paths []string

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if d.IsDir() {
			if path == root {
				return nil
			}

			if _, skip := skipDirs[d.Name()]; skip || strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}

			return nil
		}

		if ok, _ := filepath.Match(pattern, d.Name()); ok {
			paths = append(paths, path)
		}

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("discovering eval files in %s: %w", root, err)
	}

	sort.Strings(paths)

	return paths, nil
}

// Matches reports whether path looks like an eval file.
func Matches(pattern, path string) bool {
	ok, _ := filepath.Match(pattern, filepath.Base(path))

	return ok
}
