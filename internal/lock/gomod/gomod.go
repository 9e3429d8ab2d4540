// Package gomod parses go.mod, go.sum, and vendor/modules.txt into a
// typed dependency list, using golang.org/x/mod/modfile so the files are
// read the way the Go toolchain itself reads them.
package gomod

import (
	"bufio"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/containerbuildsystem/cachi2-go/internal/cachierr"
	"github.com/containerbuildsystem/cachi2-go/internal/glob"
	"github.com/containerbuildsystem/cachi2-go/internal/rootedpath"
	"golang.org/x/mod/modfile"
	"golang.org/x/mod/module"
)

// Module is a single dependency extracted from go.mod, annotated with its
// go.sum presence and any replacement.
type Module struct {
	Path    string
	Version string
	// Replace, when non-nil, records a go.mod "replace" directive for this
	// module, kept distinct from the replaced module.
	Replace *Replacement
	// InSum is true iff a three-field, non-"/go.mod"-suffixed line for
	// this (path, version) exists in go.sum.
	InSum bool
	// H1 is the "h1:..." directory hash recorded in go.sum for this
	// module's content zip, when InSum is true.
	H1 string
}

// Replacement is a go.mod "replace" target, either a local filesystem path
// (LocalPath non-empty) or another module (Path+Version).
type Replacement struct {
	LocalPath string
	Path      string
	Version   string
}

// MainModule describes the module statement of the processed go.mod.
type MainModule struct {
	Path string
}

// ParsedGoMod is the decoded go.mod + go.sum for one package.
type ParsedGoMod struct {
	Main    MainModule
	Modules []Module
}

// Parse decodes go.mod content plus the set of go.sum lines "module
// version" recorded as present, returning one Module per require (and
// replace) statement.
func Parse(goModPath string, goModData, goSumData []byte) (*ParsedGoMod, error) {
	f, err := modfile.Parse(goModPath, goModData, nil)
	if err != nil {
		return nil, cachierr.UnexpectedFormat("parsing go.mod: %s", err).WithCause(err)
	}
	if f.Module == nil {
		return nil, cachierr.UnexpectedFormat("go.mod has no module directive")
	}

	inSum := parseGoSum(goSumData)

	replacements := map[module.Version]*Replacement{}
	for _, r := range f.Replace {
		repl := &Replacement{Path: r.New.Path, Version: r.New.Version}
		if isLocalFilePath(r.New.Path) {
			repl = &Replacement{LocalPath: r.New.Path}
		}
		replacements[r.Old] = repl
	}

	var modules []Module
	for _, req := range f.Require {
		m := Module{Path: req.Mod.Path, Version: req.Mod.Version}
		repl, ok := replacements[req.Mod]
		if !ok {
			// A replace with no old version applies to every version.
			repl, ok = replacements[module.Version{Path: req.Mod.Path}]
		}
		if ok {
			m.Replace = repl
		} else if h1, ok := inSum[module.Version{Path: req.Mod.Path, Version: req.Mod.Version}]; ok {
			m.InSum = true
			m.H1 = h1
		}
		modules = append(modules, m)
	}
	// Replace directives with no matching require (replacing the whole
	// module graph entry implicitly) still produce a module entry.
	for old, repl := range replacements {
		found := false
		for _, m := range modules {
			if m.Path == old.Path {
				found = true
				break
			}
		}
		if !found {
			modules = append(modules, Module{Path: old.Path, Version: old.Version, Replace: repl})
		}
	}

	return &ParsedGoMod{Main: MainModule{Path: f.Module.Mod.Path}, Modules: modules}, nil
}

func isLocalFilePath(p string) bool {
	return strings.HasPrefix(p, "./") || strings.HasPrefix(p, "../") || p == "." || p == ".."
}

// parseGoSum returns the set of (module, version) pairs for which go.sum
// carries a direct content hash (not a "/go.mod" hash entry). The first
// malformed line (not exactly 3 whitespace-separated fields) is logged, and
// it and the rest of the file are ignored, replicating the Go tool's own
// documented go.sum tolerance.
func parseGoSum(data []byte) map[module.Version]string {
	out := map[module.Version]string{}
	scanner := bufio.NewScanner(strings.NewReader(string(data)))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 3 {
			log.Printf("malformed go.sum line, ignoring the rest of the file: %q", line)
			break
		}
		path, version, hash := fields[0], fields[1], fields[2]
		if strings.HasSuffix(version, "/go.mod") {
			continue
		}
		out[module.Version{Path: path, Version: version}] = hash
	}
	return out
}

// VendoredModule is one module line parsed out of vendor/modules.txt.
type VendoredModule struct {
	Path    string
	Version string
	Replace *Replacement
	// Packages lists the package import paths vendored under this module,
	// verbatim from modules.txt.
	Packages []string
}

// ParseVendorModulesTxt implements the five-case header grammar of
// vendor/modules.txt:
//
//	# module version
//	# module => replacement-path
//	# module version => replacement-path
//	# module => replacement-module replacement-version
//	# module version => replacement-module replacement-version
//
// followed by zero or more "## explicit" annotation lines and one or more
// "package/path" lines. A module is included in the result only if at
// least one package line follows it.
func ParseVendorModulesTxt(data []byte) ([]VendoredModule, error) {
	var out []VendoredModule
	var cur *VendoredModule

	flush := func() {
		if cur != nil && len(cur.Packages) > 0 {
			out = append(out, *cur)
		}
		cur = nil
	}

	scanner := bufio.NewScanner(strings.NewReader(string(data)))
	for scanner.Scan() {
		line := scanner.Text()
		trimmed := strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(trimmed, "# "):
			flush()
			m, err := parseModulesTxtHeader(strings.TrimPrefix(trimmed, "# "))
			if err != nil {
				return nil, err
			}
			cur = m
		case strings.HasPrefix(trimmed, "##"):
			// explicit/go-version annotation, no dependency information
		case trimmed == "":
			// blank line
		default:
			if cur != nil {
				cur.Packages = append(cur.Packages, trimmed)
			}
		}
	}
	flush()
	return out, nil
}

func parseModulesTxtHeader(rest string) (*VendoredModule, error) {
	left, right, hasArrow := strings.Cut(rest, "=>")
	left = strings.TrimSpace(left)
	leftFields := strings.Fields(left)
	if len(leftFields) == 0 {
		return nil, cachierr.UnexpectedFormat("malformed vendor/modules.txt header: %q", rest)
	}
	m := &VendoredModule{Path: leftFields[0]}
	if len(leftFields) > 1 {
		m.Version = leftFields[1]
	}
	if !hasArrow {
		return m, nil
	}
	right = strings.TrimSpace(right)
	rf := strings.Fields(right)
	switch len(rf) {
	case 1:
		if isLocalFilePath(rf[0]) {
			m.Replace = &Replacement{LocalPath: rf[0]}
		} else {
			return nil, cachierr.UnexpectedFormat("malformed replace target in modules.txt: %q", rest)
		}
	case 2:
		m.Replace = &Replacement{Path: rf[0], Version: rf[1]}
	default:
		return nil, cachierr.UnexpectedFormat("malformed replace clause in modules.txt: %q", rest)
	}
	return m, nil
}

// suspiciousSymlinkPatterns is the file set the Go toolchain reads; a
// symlink matching any of these is rejected before go is invoked.
var suspiciousSymlinkPatterns = []string{"go.mod", "go.sum", "vendor/modules.txt", "**/*.go"}

// CheckNoGoSourceSymlinks walks the package directory and rejects any
// symlink whose path matches the suspicious Go-source patterns.
func CheckNoGoSourceSymlinks(root rootedpath.RootedPath, pkgRelPath string) error {
	pkgDir, err := root.Join(pkgRelPath)
	if err != nil {
		return err
	}
	return filepath.WalkDir(pkgDir.Abs(), func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type()&os.ModeSymlink == 0 {
			return nil
		}
		rel, rerr := filepath.Rel(pkgDir.Abs(), p)
		if rerr != nil {
			return rerr
		}
		rel = filepath.ToSlash(rel)
		for _, pattern := range suspiciousSymlinkPatterns {
			if ok, _ := glob.Match(pattern, rel); ok {
				return cachierr.PackageRejected("refusing to process symlinked Go source file: %s", rel).
					WithSolution("replace the symlink with a regular file")
			}
			// "**/*.go" does not match a root-level "main.go"; cover the
			// zero-directory case explicitly.
			if strings.HasPrefix(pattern, "**/") {
				if ok, _ := glob.Match(strings.TrimPrefix(pattern, "**/"), rel); ok {
					return cachierr.PackageRejected("refusing to process symlinked Go source file: %s", rel).
						WithSolution("replace the symlink with a regular file")
				}
			}
		}
		return nil
	})
}
