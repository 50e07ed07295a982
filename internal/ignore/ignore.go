// Package ignore computes and applies the set of paths that a watched root
// never crawls or reports.
//
// A set combines directory prefixes (ignore_dirs plus VCS metadata
// directories) with dockerignore-style patterns. Matching is pure and
// stateless, so a set can be built and exercised in isolation.
package ignore

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/moby/patternmatcher"

	"watchd/internal/config"
)

// vcsDirs are version-control metadata directories ignored unless the root
// configuration disables VCS ignoring.
var vcsDirs = []string{".git", ".hg", ".svn"}

// Set decides whether a path relative to the root should be ignored.
type Set struct {
	dirs    []string
	matcher *patternmatcher.PatternMatcher
}

// New builds a set from directory names and dockerignore-style patterns.
func New(dirs, patterns []string) (*Set, error) {
	s := &Set{}
	for _, d := range dirs {
		d = filepath.ToSlash(strings.Trim(d, "/"))
		if d == "" {
			continue
		}
		s.dirs = append(s.dirs, d)
	}
	if len(patterns) > 0 {
		m, err := patternmatcher.New(patterns)
		if err != nil {
			return nil, fmt.Errorf("compile ignore patterns: %w", err)
		}
		s.matcher = m
	}
	return s, nil
}

// Compute returns the ignore set for a root, derived from its
// configuration. Exposed as a pure function for testing.
func Compute(rootPath string, cfg *config.Config) (*Set, error) {
	dirs := append([]string(nil), cfg.IgnoreDirs...)
	if cfg.VCSIgnored() {
		dirs = append(dirs, vcsDirs...)
	}
	s, err := New(dirs, cfg.IgnorePatterns)
	if err != nil {
		return nil, fmt.Errorf("ignore set for %s: %w", rootPath, err)
	}
	return s, nil
}

// Ignored reports whether rel, a slash-separated path relative to the root,
// is inside an ignored directory or matches an ignore pattern.
func (s *Set) Ignored(rel string) bool {
	rel = filepath.ToSlash(rel)
	if rel == "." || rel == "" {
		return false
	}
	for _, d := range s.dirs {
		if rel == d || strings.HasPrefix(rel, d+"/") {
			return true
		}
	}
	if s.matcher != nil {
		// Pattern errors only arise from malformed patterns, which New
		// already rejected.
		matched, _ := s.matcher.MatchesOrParentMatches(rel)
		return matched
	}
	return false
}

// Dirs returns the ignored directory prefixes, for diagnostics.
func (s *Set) Dirs() []string {
	return append([]string(nil), s.dirs...)
}
