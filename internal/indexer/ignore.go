// Package indexer discovers source files in a project, chunks them for
// embedding, and keeps the code vector collection in sync via an
// fsnotify watcher (spec.md §4.6). Pattern matching is grounded on the
// teacher's matchWildcard (internal/agent/agent.go), which already
// reaches for bmatcuk/doublestar/v4 for ** patterns and falls back to
// simple prefix/suffix matching otherwise; this package applies the
// same matcher to ignore patterns instead of tool-permission globs.
package indexer

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// defaultIgnorePatterns are pruned from every walk regardless of
// project configuration or .gitignore content.
var defaultIgnorePatterns = []string{
	".git/**", "node_modules/**", "vendor/**", "dist/**", "build/**",
	"target/**", "__pycache__/**", "*.pyc", ".venv/**", "venv/**",
	".next/**", ".cache/**", "coverage/**", "*.min.js", "*.min.css",
	".idea/**", ".vscode/**",
}

// sensitivePatterns are rejected outright, never indexed even if not
// otherwise ignored (spec.md §4.6: ".env, *.key, credentials.json, …").
var sensitivePatterns = []string{
	".env", ".env.*", "*.pem", "*.key", "*.p12", "*.pfx",
	"credentials.json", "secrets.json", "*.keystore", "id_rsa", "id_rsa.pub",
	"*_rsa", "*.ppk",
}

// IgnoreSet combines built-in defaults, user-configured patterns, and
// .gitignore content. .gitignore is re-read on every ShouldIgnore call
// from the root so edits to it take effect without a daemon restart.
type IgnoreSet struct {
	root     string
	patterns []string
}

// NewIgnoreSet builds the combined pattern set from built-in defaults
// plus userPatterns; .gitignore patterns are not stored here but are
// re-read by ShouldIgnore on every call.
func NewIgnoreSet(root string, userPatterns []string) *IgnoreSet {
	patterns := make([]string, 0, len(defaultIgnorePatterns)+len(userPatterns))
	patterns = append(patterns, defaultIgnorePatterns...)
	patterns = append(patterns, userPatterns...)
	return &IgnoreSet{root: root, patterns: patterns}
}

// gitignorePatterns re-reads .gitignore from root on every call so
// concurrent edits are visible on the next indexing pass without
// requiring a daemon restart.
func (s *IgnoreSet) gitignorePatterns() []string {
	f, err := os.Open(filepath.Join(s.root, ".gitignore"))
	if err != nil {
		return nil
	}
	defer f.Close()

	var patterns []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "/")
		if strings.HasSuffix(line, "/") {
			line += "**"
		} else {
			line = line + "/**"
		}
		patterns = append(patterns, line)
		patterns = append(patterns, strings.TrimSuffix(line, "/**"))
	}
	return patterns
}

// ShouldIgnore reports whether relPath (project-root-relative, forward
// slashes) matches any default, user, or live .gitignore pattern.
func (s *IgnoreSet) ShouldIgnore(relPath string) bool {
	relPath = filepath.ToSlash(relPath)
	for _, p := range s.patterns {
		if matchIgnore(p, relPath) {
			return true
		}
	}
	for _, p := range s.gitignorePatterns() {
		if matchIgnore(p, relPath) {
			return true
		}
	}
	return false
}

// IsSensitive reports whether the file's base name matches the
// hard-coded sensitive-file list, regardless of ignore configuration.
func IsSensitive(relPath string) bool {
	base := filepath.Base(relPath)
	for _, p := range sensitivePatterns {
		if ok, _ := doublestar.Match(p, base); ok {
			return true
		}
	}
	return false
}

func matchIgnore(pattern, relPath string) bool {
	if pattern == relPath {
		return true
	}
	if ok, _ := doublestar.Match(pattern, relPath); ok {
		return true
	}
	base := filepath.Base(relPath)
	if ok, _ := doublestar.Match(pattern, base); ok {
		return true
	}
	return false
}
