package indexer

import (
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// Discover walks root, pruning directories that match ignore, rejecting
// sensitive files outright, and rejecting any path whose resolved
// (symlink-followed) location escapes root. It returns project-root-
// relative paths using forward slashes.
func Discover(root string, ignore *IgnoreSet) ([]string, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}

	var files []string
	err = filepath.WalkDir(absRoot, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return nil
		}
		if path == absRoot {
			return nil
		}
		rel, err := filepath.Rel(absRoot, path)
		if err != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)

		if d.IsDir() {
			if ignore.ShouldIgnore(rel) {
				return filepath.SkipDir
			}
			return nil
		}

		if ignore.ShouldIgnore(rel) || IsSensitive(rel) {
			return nil
		}
		if !withinRoot(absRoot, path) {
			return nil
		}
		files = append(files, rel)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return files, nil
}

// withinRoot resolves symlinks on path and confirms the real location is
// still inside root, rejecting symlinks that point outside the project
// (spec.md §4.6 "symlink-safety").
func withinRoot(root, path string) bool {
	resolved, err := filepath.EvalSymlinks(path)
	if err != nil {
		// Broken symlink: skip rather than index. Any other resolution
		// error (e.g. permission denied) keeps the path in the result.
		if os.IsNotExist(err) {
			return false
		}
		return true
	}
	resolvedRoot, err := filepath.EvalSymlinks(root)
	if err != nil {
		resolvedRoot = root
	}
	return resolved == resolvedRoot || strings.HasPrefix(resolved, resolvedRoot+string(filepath.Separator))
}
