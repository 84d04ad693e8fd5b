// Package ignore implements the path-exclusion rules the syncer applies
// while walking a project tree: .gitignore-style patterns plus a baked-in
// denylist. No pack example ships a gitignore-pattern library, so the
// matcher is hand-rolled in the same minimalist style the teacher's
// internal/indexer uses for its skip-list (a plain slice walked in order).
package ignore

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// pattern is one compiled .gitignore-style rule.
type pattern struct {
	raw      string
	negate   bool
	dirOnly  bool
	anchored bool // leading slash: only matches relative to the rule's root
	segments []string
}

// Matcher decides whether a repo-relative path should be skipped during a
// sync pass. Patterns are evaluated in the order they were added and the
// last matching one decides, so (per gitignore semantics) a later negated
// (!) pattern re-includes a path an earlier pattern excluded.
type Matcher struct {
	patterns []pattern
}

// defaultDenylist is the baked-in deny list from spec.md §6: lockfiles,
// build outputs, VCS/project-data directories, common secret patterns.
var defaultDenylist = []string{
	"package-lock.json",
	"yarn.lock",
	"pnpm-lock.yaml",
	"Cargo.lock",
	"go.sum",
	"node_modules/",
	"dist/",
	"build/",
	".git/",
	".osgrep/",
	"*.pem",
	"*.key",
	".env",
	".env.*",
}

// New builds a Matcher from the denylist, the repo's .gitignore, and an
// optional .osgrepignore, in that precedence order (later files can negate
// earlier rules, matching git's own layering of nested .gitignore files).
func New(root string) (*Matcher, error) {
	m := &Matcher{}
	for _, raw := range defaultDenylist {
		m.patterns = append(m.patterns, compile(raw))
	}
	for _, name := range []string{".gitignore", ".osgrepignore"} {
		if err := m.loadFile(filepath.Join(root, name)); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Matcher) loadFile(path string) error {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("ignore: open %s: %w", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), " \t")
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		m.patterns = append(m.patterns, compile(line))
	}
	return scanner.Err()
}

func compile(raw string) pattern {
	p := pattern{raw: raw}
	s := raw
	if strings.HasPrefix(s, "!") {
		p.negate = true
		s = s[1:]
	}
	if strings.HasPrefix(s, "/") {
		p.anchored = true
		s = s[1:]
	}
	if strings.HasSuffix(s, "/") {
		p.dirOnly = true
		s = strings.TrimSuffix(s, "/")
	}
	p.segments = strings.Split(s, "/")
	return p
}

// Match reports whether relPath (forward-slash, repo-relative) should be
// ignored. isDir lets directory-only patterns (trailing slash) match.
func (m *Matcher) Match(relPath string, isDir bool) bool {
	relPath = filepath.ToSlash(relPath)
	ignored := false
	for _, p := range m.patterns {
		if p.matches(relPath, isDir) {
			ignored = !p.negate
		}
	}
	return ignored
}

func (p pattern) matches(relPath string, isDir bool) bool {
	name := relPath
	if p.anchored {
		return matchSegments(p.segments, strings.Split(name, "/"), p.dirOnly, isDir)
	}
	// Unanchored: the pattern may match at any depth, i.e. against any
	// suffix of the path's segments.
	parts := strings.Split(name, "/")
	for i := range parts {
		if matchSegments(p.segments, parts[i:], p.dirOnly, isDir) {
			return true
		}
	}
	return false
}

func matchSegments(pattern, path []string, dirOnly, isDir bool) bool {
	if len(pattern) == 1 {
		// Single-segment pattern: matches a file or a directory
		// component anywhere, e.g. "node_modules" matching
		// "node_modules/pkg/index.js" via its first segment.
		if len(path) == 0 {
			return false
		}
		ok, _ := filepath.Match(pattern[0], path[0])
		if !ok {
			return false
		}
		if dirOnly && len(path) == 1 && !isDir {
			return false
		}
		return true
	}
	if len(pattern) != len(path) {
		return false
	}
	for i, seg := range pattern {
		ok, _ := filepath.Match(seg, path[i])
		if !ok {
			return false
		}
	}
	if dirOnly && !isDir {
		return false
	}
	return true
}
