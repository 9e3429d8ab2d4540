// Package rootedpath provides a path type that can't escape a root directory.
//
// Every path cachi2 writes into an output or source tree is resolved
// through a RootedPath so a malicious lockfile entry (a name containing
// "../", an absolute path, or a symlink pointing outside the tree) can
// never cause a write outside the intended root.
package rootedpath

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

// ErrPathOutsideRoot is returned when a path would resolve outside its root.
type ErrPathOutsideRoot struct {
	Root string
	Path string
}

func (e *ErrPathOutsideRoot) Error() string {
	return "path outside root: " + e.Path + " (root: " + e.Root + ")"
}

// Solution is a human-readable hint attached to PathOutsideRoot failures,
// matching the "friendly message + solution" error convention.
func (e *ErrPathOutsideRoot) Solution() string {
	return "the file " + e.Path + " must not use '..' or a symlink to point outside of " + e.Root
}

// RootedPath is a path guaranteed to reside within Root.
type RootedPath struct {
	root string
	rel  string
}

// NewRoot creates a RootedPath rooted at dir. dir must already exist.
func NewRoot(dir string) (RootedPath, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return RootedPath{}, errors.Wrapf(err, "resolving root %q", dir)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return RootedPath{}, errors.Wrapf(err, "resolving root %q", dir)
	}
	return RootedPath{root: resolved, rel: "."}, nil
}

// Join resolves elem relative to p and verifies the result stays within the root.
//
// Symlinks already present on disk are resolved before the containment
// check; this prevents a symlink planted by an earlier step from steering
// a later Join outside the root even though the textual path looks safe.
func (p RootedPath) Join(elem ...string) (RootedPath, error) {
	raw := filepath.Join(append([]string{p.root, p.rel}, elem...)...)
	clean := filepath.Clean(raw)
	if !withinRoot(p.root, clean) {
		return RootedPath{}, &ErrPathOutsideRoot{Root: p.root, Path: clean}
	}
	if resolved, err := resolveExistingSymlinks(p.root, clean); err == nil {
		if !withinRoot(p.root, resolved) {
			return RootedPath{}, &ErrPathOutsideRoot{Root: p.root, Path: resolved}
		}
	}
	rel, err := filepath.Rel(p.root, clean)
	if err != nil {
		return RootedPath{}, &ErrPathOutsideRoot{Root: p.root, Path: clean}
	}
	return RootedPath{root: p.root, rel: rel}, nil
}

// Abs returns the absolute filesystem path.
func (p RootedPath) Abs() string {
	return filepath.Join(p.root, p.rel)
}

// Root returns the absolute path of the root directory.
func (p RootedPath) Root() string {
	return p.root
}

// SubpathFromRoot returns the path relative to Root, with no ".." component.
func (p RootedPath) SubpathFromRoot() string {
	return filepath.ToSlash(p.rel)
}

func withinRoot(root, candidate string) bool {
	if candidate == root {
		return true
	}
	return strings.HasPrefix(candidate, root+string(filepath.Separator))
}

// resolveExistingSymlinks walks up from path until it finds a prefix that
// exists on disk, resolves symlinks on that prefix, then reattaches the
// remaining (not-yet-created) suffix.
func resolveExistingSymlinks(root, path string) (string, error) {
	cur := path
	var suffix []string
	for {
		if _, err := os.Lstat(cur); err == nil {
			resolved, err := filepath.EvalSymlinks(cur)
			if err != nil {
				return "", err
			}
			return filepath.Join(append([]string{resolved}, suffix...)...), nil
		}
		if cur == root || cur == filepath.Dir(cur) {
			return path, nil
		}
		suffix = append([]string{filepath.Base(cur)}, suffix...)
		cur = filepath.Dir(cur)
	}
}
