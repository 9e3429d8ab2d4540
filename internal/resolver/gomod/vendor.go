package gomod

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/containerbuildsystem/cachi2-go/internal/cachierr"
	lockgomod "github.com/containerbuildsystem/cachi2-go/internal/lock/gomod"
	"github.com/containerbuildsystem/cachi2-go/internal/purl"
	"github.com/containerbuildsystem/cachi2-go/internal/rootedpath"
	"github.com/containerbuildsystem/cachi2-go/internal/sbom"
	"github.com/go-git/go-git/v5"
	"github.com/pkg/errors"
)

// resolveVendored handles the gomod-vendor / gomod-vendor-check modes: the
// dependency source already lives under vendor/, so nothing is downloaded;
// the module set — and the per-package stream, from the package lines that
// follow each module header — is read from vendor/modules.txt instead of
// go.sum.
//
// In vendor-check mode the vendor directory must not deviate from its
// committed state: modules.txt is cross-checked against go.mod, and a git
// name-status pass over vendor/ (untracked files included) must come back
// empty.
func resolveVendored(sourceRoot rootedpath.RootedPath, pkgRelPath string, parsed *lockgomod.ParsedGoMod, check bool) ([]sbom.Component, error) {
	modulesTxtRel := path.Join(pkgRelPath, "vendor", "modules.txt")
	modulesTxt, err := sourceRoot.Join(modulesTxtRel)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(modulesTxt.Abs())
	if err != nil {
		return nil, cachierr.PackageRejected("vendor/modules.txt not found at %s", pkgRelPath).
			WithSolution("run 'go mod vendor' and commit the vendor directory")
	}
	if err := rejectVendorSymlinks(sourceRoot, pkgRelPath); err != nil {
		return nil, err
	}
	vendored, err := lockgomod.ParseVendorModulesTxt(data)
	if err != nil {
		return nil, err
	}

	if check {
		byPath := map[string]string{}
		for _, vm := range vendored {
			byPath[vm.Path] = vm.Version
		}
		for _, m := range parsed.Modules {
			if m.Replace != nil {
				continue
			}
			if v, ok := byPath[m.Path]; ok && v != m.Version {
				return nil, cachierr.PackageRejected("vendor/modules.txt lists %s %s but go.mod requires %s", m.Path, v, m.Version).
					WithSolution("re-run 'go mod vendor' so vendor/ matches go.mod")
			}
		}
		if err := checkVendorClean(sourceRoot, pkgRelPath); err != nil {
			return nil, err
		}
	}

	var components []sbom.Component
	for _, vm := range vendored {
		realPath, version := vm.Path, vm.Version
		if vm.Replace != nil && vm.Replace.Path != "" {
			realPath, version = vm.Replace.Path, vm.Replace.Version
		}
		if vm.Replace != nil && vm.Replace.LocalPath != "" {
			if _, err := sourceRoot.Join(path.Join(pkgRelPath, vm.Replace.LocalPath)); err != nil {
				return nil, cachierr.PackageRejected("vendored replacement %q escapes source_dir: %s", vm.Replace.LocalPath, err)
			}
		}
		components = append(components, sbom.New(realPath, version, purl.Golang(realPath, version, false)))
		// The package lines under each module header are the compiled
		// package set for a vendored build.
		for _, pkg := range vm.Packages {
			components = append(components, sbom.New(pkg, version, purl.Golang(pkg, version, true)))
		}
	}
	return components, nil
}

// checkVendorClean runs a git name-status pass over vendor/: every entry
// that is modified, staged, or untracked relative to HEAD fails the check.
// Untracked files are reported too (the moral equivalent of staging them
// with intent-to-add before diffing). Outside a git checkout the
// modules.txt consistency check above is the only verification available.
func checkVendorClean(sourceRoot rootedpath.RootedPath, pkgRelPath string) error {
	repo, err := git.PlainOpenWithOptions(sourceRoot.Abs(), &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return nil
	}
	wt, err := repo.Worktree()
	if err != nil {
		return errors.Wrap(err, "opening worktree for vendor check")
	}
	status, err := wt.Status()
	if err != nil {
		return errors.Wrap(err, "reading git status for vendor check")
	}
	// Status paths are relative to the worktree root, which may sit above
	// the request's source root.
	rootRel, err := filepath.Rel(wt.Filesystem.Root(), sourceRoot.Abs())
	if err != nil {
		return errors.Wrap(err, "locating source root within the worktree")
	}
	vendorPrefix := path.Join(filepath.ToSlash(rootRel), pkgRelPath, "vendor")
	vendorPrefix = strings.TrimPrefix(vendorPrefix, "./") + "/"

	var changed []string
	for file, st := range status {
		if !strings.HasPrefix(file, vendorPrefix) {
			continue
		}
		code := st.Worktree
		if code == git.Unmodified {
			code = st.Staging
		}
		if code == git.Unmodified {
			continue
		}
		changed = append(changed, fmt.Sprintf("%c %s", byte(code), file))
	}
	if len(changed) == 0 {
		return nil
	}
	sort.Strings(changed)
	return cachierr.PackageRejected("the vendor directory is not consistent with the committed state:\n%s", strings.Join(changed, "\n")).
		WithSolution("run 'go mod vendor' and commit the result, or drop the local changes under vendor/")
}

// rejectVendorSymlinks refuses symlinks anywhere under vendor/; the Go
// toolchain reads these files and a symlink could smuggle content from
// outside the tree.
func rejectVendorSymlinks(sourceRoot rootedpath.RootedPath, pkgRelPath string) error {
	vendorDir, err := sourceRoot.Join(pkgRelPath, "vendor")
	if err != nil {
		return err
	}
	return filepath.WalkDir(vendorDir.Abs(), func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type()&os.ModeSymlink != 0 {
			rel, _ := filepath.Rel(sourceRoot.Abs(), p)
			return cachierr.PackageRejected("refusing to process symlink under vendor/: %s", rel).
				WithSolution("replace the symlink with a regular file")
		}
		return nil
	})
}
