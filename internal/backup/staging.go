package backup

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// StagingMarker is created in every staging directory the collector owns.
// A non-empty directory without it is never cleared.
const StagingMarker = ".autobackup-staging"

// stagingGuard describes the staging directory of one collection.
type stagingGuard struct {
	dir  string
	path string // absolute with symlinks resolved
}

func newStagingGuard(dir string) (*stagingGuard, error) {
	p, err := canonicalPath(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve staging directory: %w", err)
	}
	return &stagingGuard{dir: dir, path: p}, nil
}

// skips reports whether the walk must not descend into path. Walks start
// from canonical roots, so a plain comparison is enough.
func (g *stagingGuard) skips(path string) bool {
	return filepath.Clean(path) == g.path
}

// prepare checks the staging directory against root and the resolved source
// entries, then empties it and writes the marker.
//
// The directory may sit inside root but must not contain it. It must not
// contain any entry, and may sit inside one only when nested is set, meaning
// the walk already excludes it.
func (g *stagingGuard) prepare(root string, sources []string, nested bool) error {
	if root != "" {
		r, err := canonicalPath(root)
		if err != nil {
			return fmt.Errorf("resolve source root: %w", err)
		}
		if isWithin(g.path, r) {
			return fmt.Errorf("%w: %s contains the source root %s", ErrUnsafeStaging, g.dir, root)
		}
	}
	for _, src := range sources {
		s, err := canonicalPath(src)
		if err != nil {
			return fmt.Errorf("resolve source %s: %w", src, err)
		}
		if isWithin(g.path, s) || (!nested && isWithin(s, g.path)) {
			return fmt.Errorf("%w: %s overlaps source %s", ErrUnsafeStaging, g.dir, src)
		}
	}

	info, err := os.Lstat(g.dir)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return fmt.Errorf("stat staging directory: %w", err)
	case !info.IsDir():
		return fmt.Errorf("%w: %s is not a directory", ErrUnsafeStaging, g.dir)
	default:
		entries, err := os.ReadDir(g.dir)
		if err != nil {
			return fmt.Errorf("read staging directory: %w", err)
		}
		if len(entries) > 0 {
			if _, err := os.Stat(filepath.Join(g.dir, StagingMarker)); err != nil {
				return fmt.Errorf("%w: %s is not empty and has no %s marker", ErrUnsafeStaging, g.dir, StagingMarker)
			}
			// Leftovers from a crashed run must not leak into this cycle.
			if err := os.RemoveAll(g.dir); err != nil {
				return fmt.Errorf("clear staging directory: %w", err)
			}
		}
	}

	if err := os.MkdirAll(g.dir, 0700); err != nil {
		return fmt.Errorf("create staging directory: %w", err)
	}
	if err := os.WriteFile(filepath.Join(g.dir, StagingMarker), nil, 0600); err != nil {
		return fmt.Errorf("write staging marker: %w", err)
	}
	return nil
}

// canonicalPath returns p as an absolute path with symlinks resolved in its
// longest existing prefix.
func canonicalPath(p string) (string, error) {
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", err
	}
	cur, rest := abs, ""
	for {
		if resolved, err := filepath.EvalSymlinks(cur); err == nil {
			return filepath.Join(resolved, rest), nil
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return abs, nil
		}
		rest = filepath.Join(filepath.Base(cur), rest)
		cur = parent
	}
}

// isWithin reports whether child is parent or lies below it.
func isWithin(parent, child string) bool {
	rel, err := filepath.Rel(parent, child)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
