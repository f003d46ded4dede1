// SPDX-License-Identifier: MPL-2.0

package archive

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// ExclusionSet evaluates glob patterns against paths relative to a source
// tree root. Patterns use doublestar syntax (e.g., "**/__pycache__"); a
// trailing slash marks a directory pattern. Excludes always win: a path
// matched by any pattern never reaches the archive, and a matched directory
// prunes its whole subtree without descending.
type ExclusionSet struct {
	patterns []string
}

// NewExclusionSet builds an ExclusionSet from inline patterns, validating
// each one.
func NewExclusionSet(patterns ...string) (*ExclusionSet, error) {
	cleaned := make([]string, 0, len(patterns))
	for _, pat := range patterns {
		pat = strings.TrimSpace(pat)
		if pat == "" {
			continue
		}
		norm := strings.TrimSuffix(pat, "/")
		if _, err := doublestar.Match(norm, ""); err != nil {
			return nil, fmt.Errorf("invalid exclusion pattern %q: %w", pat, err)
		}
		cleaned = append(cleaned, norm)
	}
	return &ExclusionSet{patterns: cleaned}, nil
}

// LoadExclusionFile reads patterns from a file, one per line. Blank lines
// and lines starting with "#" are ignored.
func LoadExclusionFile(path string) (*ExclusionSet, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening exclusion list: %w", err)
	}
	defer func() { _ = f.Close() }() // read-only handle

	var patterns []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		patterns = append(patterns, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading exclusion list: %w", err)
	}

	return NewExclusionSet(patterns...)
}

// Match reports whether the path (relative to the tree root) is excluded,
// either directly or because a parent directory is.
func (s *ExclusionSet) Match(rel string) bool {
	if s == nil || len(s.patterns) == 0 {
		return false
	}
	normalized := filepath.ToSlash(rel)

	if s.matchOne(normalized) {
		return true
	}
	// A file inside an excluded directory is excluded too.
	for dir := pathDir(normalized); dir != ""; dir = pathDir(dir) {
		if s.matchOne(dir) {
			return true
		}
	}
	return false
}

// Patterns returns a copy of the normalized pattern list.
func (s *ExclusionSet) Patterns() []string {
	if s == nil {
		return nil
	}
	out := make([]string, len(s.patterns))
	copy(out, s.patterns)
	return out
}

func (s *ExclusionSet) matchOne(normalized string) bool {
	for _, pat := range s.patterns {
		if matched, err := doublestar.Match(pat, normalized); err == nil && matched {
			return true
		}
	}
	return false
}

// pathDir returns the slash-form parent of a relative slash path, or "" at
// the top.
func pathDir(p string) string {
	i := strings.LastIndexByte(p, '/')
	if i <= 0 {
		return ""
	}
	return p[:i]
}
