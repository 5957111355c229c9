package util

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
)

// ErrOutsideRoot is returned by ResolveWithinRoot when a path escapes the
// project root after symlink resolution.
var ErrOutsideRoot = errors.New("path resolves outside project root")

// ResolveWithinRoot resolves p (absolute, or relative to root) to a canonical
// path with all symlinks evaluated, and verifies the result is contained
// within root. Every path-accepting endpoint must go through this single
// primitive rather than doing its own string-level ".." stripping: a symlink
// inside the root can point anywhere, so containment is only meaningful after
// full resolution.
//
// Returns os.ErrNotExist (wrapped) if the path does not exist.
func ResolveWithinRoot(root, p string) (string, error) {
	resolvedRoot, err := filepath.EvalSymlinks(root)
	if err != nil {
		return "", err
	}

	if !filepath.IsAbs(p) {
		p = filepath.Join(resolvedRoot, p)
	}
	p = filepath.Clean(p)

	resolved, err := filepath.EvalSymlinks(p)
	if err != nil {
		return "", err
	}

	rel, err := filepath.Rel(resolvedRoot, resolved)
	if err != nil {
		return "", ErrOutsideRoot
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", ErrOutsideRoot
	}
	return resolved, nil
}

// FileExists reports whether path exists and is a regular file.
func FileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

// ResolvePath resolves symlinks in path, falling back to the cleaned absolute
// path when the target does not exist. Used to canonicalize project paths
// before using them as registry keys (e.g. /tmp vs /private/tmp on macOS).
func ResolvePath(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		return filepath.Clean(path)
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		return resolved
	}
	return abs
}
