package gomod

import (
	"archive/zip"
	"go/parser"
	"go/token"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/containerbuildsystem/cachi2-go/internal/purl"
	"github.com/containerbuildsystem/cachi2-go/internal/sbom"
	"github.com/pkg/errors"
)

// moduleSource locates one module's Go source for the package walk: the
// main module and local replacements live on the filesystem, downloaded
// dependencies in their module zips. A module with neither (absent from
// go.sum, so never downloaded) still gets package components for any of
// its import paths the graph reaches, but cannot be expanded further.
type moduleSource struct {
	Path    string
	Version string
	Dir     string
	ZipPath string
}

// packageWalker computes the set of Go packages compiled into the main
// module's build: every package of the main module plus everything
// transitively imported from it, resolved against the known module list.
// Imports are read with go/parser (ImportsOnly) instead of invoking the go
// tool; build constraints are ignored, so the result is the union over all
// configurations, matching the wide `all` package set.
type packageWalker struct {
	mainPath    string
	mainVersion string
	modules     []moduleSource
	zips        map[string]*zip.ReadCloser
	visited     map[string]string // import path -> owning module version ("" for stdlib)
}

// packageComponents walks the import graph from the main module's own
// packages and returns one ?type=package component per reached package,
// sorted by import path. Standard-library packages come out versionless.
func packageComponents(mainDir, mainPath, mainVersion string, modules []moduleSource) ([]sbom.Component, error) {
	w := &packageWalker{
		mainPath:    mainPath,
		mainVersion: mainVersion,
		modules:     modules,
		zips:        map[string]*zip.ReadCloser{},
		visited:     map[string]string{},
	}
	defer w.close()

	seeds, err := mainModulePackages(mainDir, mainPath)
	if err != nil {
		return nil, err
	}
	queue := seeds
	for len(queue) > 0 {
		ipath := queue[0]
		queue = queue[1:]
		imports, err := w.visit(ipath)
		if err != nil {
			return nil, err
		}
		queue = append(queue, imports...)
	}

	paths := make([]string, 0, len(w.visited))
	for p := range w.visited {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	components := make([]sbom.Component, 0, len(paths))
	for _, p := range paths {
		version := w.visited[p]
		components = append(components, sbom.New(p, version, purl.Golang(p, version, true)))
	}
	return components, nil
}

func (w *packageWalker) close() {
	for _, z := range w.zips {
		z.Close()
	}
}

// visit records ipath as a compiled package and returns the imports of its
// source files (empty when already seen, stdlib, or source is unavailable).
func (w *packageWalker) visit(ipath string) ([]string, error) {
	if ipath == "C" || ipath == "" {
		return nil, nil
	}
	if _, ok := w.visited[ipath]; ok {
		return nil, nil
	}
	if isStdlib(ipath) {
		w.visited[ipath] = ""
		return nil, nil
	}
	mod := w.owningModule(ipath)
	if mod == nil {
		// Not provided by any known module (e.g. pruned by a replace); it
		// is not part of this build.
		return nil, nil
	}
	version := mod.Version
	if mod.Path == w.mainPath {
		version = w.mainVersion
	}
	w.visited[ipath] = version

	files, err := w.packageFiles(mod, ipath)
	if err != nil {
		return nil, err
	}
	var imports []string
	for name, src := range files {
		imports = append(imports, parseImports(name, src)...)
	}
	sort.Strings(imports)
	return imports, nil
}

// owningModule resolves an import path to the module providing it by
// longest-prefix match.
func (w *packageWalker) owningModule(ipath string) *moduleSource {
	var best *moduleSource
	for i := range w.modules {
		m := &w.modules[i]
		if ipath != m.Path && !strings.HasPrefix(ipath, m.Path+"/") {
			continue
		}
		if best == nil || len(m.Path) > len(best.Path) {
			best = m
		}
	}
	return best
}

// packageFiles returns the non-test .go sources of exactly one package
// directory, keyed by filename. An unavailable source yields no files.
func (w *packageWalker) packageFiles(mod *moduleSource, ipath string) (map[string][]byte, error) {
	rel := strings.TrimPrefix(strings.TrimPrefix(ipath, mod.Path), "/")
	switch {
	case mod.Dir != "":
		return readDirGoFiles(filepath.Join(mod.Dir, filepath.FromSlash(rel)))
	case mod.ZipPath != "":
		return w.readZipGoFiles(mod, rel)
	default:
		return nil, nil
	}
}

func readDirGoFiles(dir string) (map[string][]byte, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "reading package directory %s", dir)
	}
	out := map[string][]byte{}
	for _, e := range entries {
		if e.IsDir() || !isGoSource(e.Name()) {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, errors.Wrapf(err, "reading %s", e.Name())
		}
		out[e.Name()] = data
	}
	return out, nil
}

// readZipGoFiles reads one package directory out of a module zip, whose
// entries are all prefixed with "<module>@<version>/".
func (w *packageWalker) readZipGoFiles(mod *moduleSource, rel string) (map[string][]byte, error) {
	z, ok := w.zips[mod.ZipPath]
	if !ok {
		var err error
		z, err = zip.OpenReader(mod.ZipPath)
		if err != nil {
			return nil, errors.Wrapf(err, "opening module zip %s", mod.ZipPath)
		}
		w.zips[mod.ZipPath] = z
	}
	prefix := mod.Path + "@" + mod.Version + "/"
	if rel != "" {
		prefix += rel + "/"
	}
	out := map[string][]byte{}
	for _, f := range z.File {
		if !strings.HasPrefix(f.Name, prefix) {
			continue
		}
		name := strings.TrimPrefix(f.Name, prefix)
		if strings.Contains(name, "/") || !isGoSource(name) {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, errors.Wrapf(err, "opening %s in module zip", f.Name)
		}
		data, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return nil, errors.Wrapf(err, "reading %s in module zip", f.Name)
		}
		out[name] = data
	}
	return out, nil
}

func isGoSource(name string) bool {
	return strings.HasSuffix(name, ".go") && !strings.HasSuffix(name, "_test.go") &&
		!strings.HasPrefix(name, ".") && !strings.HasPrefix(name, "_")
}

// parseImports extracts the import paths of one Go source file. A file
// that fails to parse contributes nothing rather than failing the walk.
func parseImports(name string, src []byte) []string {
	fset := token.NewFileSet()
	f, err := parser.ParseFile(fset, name, src, parser.ImportsOnly)
	if err != nil {
		return nil
	}
	var out []string
	for _, imp := range f.Imports {
		p := strings.Trim(imp.Path.Value, `"`)
		out = append(out, p)
	}
	return out
}

// isStdlib reports whether an import path belongs to the standard library:
// its first path element contains no dot.
func isStdlib(ipath string) bool {
	first := ipath
	if idx := strings.IndexByte(first, '/'); idx >= 0 {
		first = first[:idx]
	}
	return !strings.Contains(first, ".")
}

// mainModulePackages walks the main module's source tree and returns the
// import path of every package directory (a directory holding at least one
// buildable .go file), skipping vendor/, testdata, and hidden directories.
func mainModulePackages(mainDir, mainPath string) ([]string, error) {
	var out []string
	err := filepath.WalkDir(mainDir, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		name := d.Name()
		if p != mainDir && (name == "vendor" || name == "testdata" ||
			strings.HasPrefix(name, ".") || strings.HasPrefix(name, "_")) {
			return filepath.SkipDir
		}
		entries, err := os.ReadDir(p)
		if err != nil {
			return err
		}
		for _, e := range entries {
			if !e.IsDir() && isGoSource(e.Name()) {
				rel, err := filepath.Rel(mainDir, p)
				if err != nil {
					return err
				}
				out = append(out, path.Join(mainPath, filepath.ToSlash(rel)))
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "walking %s", mainDir)
	}
	sort.Strings(out)
	return out, nil
}
